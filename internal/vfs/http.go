package vfs

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sframecore/engine/pkg/objerrors"
)

// httpFetcher implements RemoteFetcher for http(s):// URLs.
type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(rawURL, localPath string) (time.Time, error) {
	resp, err := f.client.Get(rawURL)
	if err != nil {
		return time.Time{}, objerrors.IoError("get", rawURL, err).WithDetail("retryable", true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return time.Time{}, objerrors.New(objerrors.CodeIoError, "transient HTTP failure").
			WithURL(rawURL).WithDetail("status", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, objerrors.OpenError(rawURL, fmt.Errorf("HTTP status %d", resp.StatusCode))
	}

	out, err := os.Create(localPath)
	if err != nil {
		return time.Time{}, objerrors.IoError("create", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return time.Time{}, objerrors.IoError("copy", rawURL, err).WithDetail("retryable", true)
	}

	lastModified := time.Time{}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}
	return lastModified, nil
}

// ftpFetcher implements RemoteFetcher for ftp:// URLs via a minimal
// passive-mode RETR, using only the standard library.
type ftpFetcher struct{}

func (ftpFetcher) Fetch(rawURL, localPath string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, objerrors.OpenError(rawURL, err)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":21"
	}

	conn, err := textproto.Dial("tcp", host)
	if err != nil {
		return time.Time{}, objerrors.IoError("dial", rawURL, err).WithDetail("retryable", true)
	}
	defer conn.Close()

	if _, _, err := conn.ReadResponse(220); err != nil {
		return time.Time{}, objerrors.IoError("ftp-banner", rawURL, err)
	}

	user := "anonymous"
	pass := "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.PrintfLine("USER %s", user); err != nil {
		return time.Time{}, objerrors.IoError("ftp-user", rawURL, err)
	}
	if _, _, err := conn.ReadResponse(331); err != nil {
		// Some servers accept USER directly (230); tolerate either.
		_ = err
	}
	if err := conn.PrintfLine("PASS %s", pass); err != nil {
		return time.Time{}, objerrors.IoError("ftp-pass", rawURL, err)
	}
	if _, _, err := conn.ReadResponse(230); err != nil {
		return time.Time{}, objerrors.OpenError(rawURL, err)
	}

	if err := conn.PrintfLine("TYPE I"); err != nil {
		return time.Time{}, objerrors.IoError("ftp-type", rawURL, err)
	}
	if _, _, err := conn.ReadResponse(200); err != nil {
		return time.Time{}, objerrors.IoError("ftp-type", rawURL, err)
	}

	if err := conn.PrintfLine("PASV"); err != nil {
		return time.Time{}, objerrors.IoError("ftp-pasv", rawURL, err)
	}
	_, pasvLine, err := conn.ReadResponse(227)
	if err != nil {
		return time.Time{}, objerrors.IoError("ftp-pasv", rawURL, err)
	}
	dataAddr, err := parsePASV(pasvLine)
	if err != nil {
		return time.Time{}, objerrors.FormatError("bad PASV reply").WithCause(err)
	}

	if err := conn.PrintfLine("RETR %s", u.Path); err != nil {
		return time.Time{}, objerrors.IoError("ftp-retr", rawURL, err)
	}

	dataConn, err := net.Dial("tcp", dataAddr)
	if err != nil {
		return time.Time{}, objerrors.IoError("ftp-data-dial", rawURL, err).WithDetail("retryable", true)
	}
	defer dataConn.Close()

	if _, _, err := conn.ReadResponse(150); err != nil {
		return time.Time{}, objerrors.OpenError(rawURL, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return time.Time{}, objerrors.IoError("create", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, dataConn); err != nil {
		return time.Time{}, objerrors.IoError("ftp-copy", rawURL, err).WithDetail("retryable", true)
	}

	if _, _, err := conn.ReadResponse(226); err != nil {
		return time.Time{}, objerrors.IoError("ftp-close", rawURL, err)
	}

	return time.Time{}, nil
}

// parsePASV parses a "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)." reply
// into a "host:port" dial address.
func parsePASV(line string) (string, error) {
	start := strings.IndexByte(line, '(')
	end := strings.IndexByte(line, ')')
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("malformed PASV reply: %q", line)
	}
	parts := strings.Split(line[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("malformed PASV reply: %q", line)
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("malformed PASV port: %q", line)
	}
	port := p1*256 + p2
	host := strings.Join(parts[0:4], ".")
	return fmt.Sprintf("%s:%d", host, port), nil
}

// httpBackend serves http://, https://, and ftp:// URLs read-only, via the
// shared DownloadCache.
type httpBackend struct {
	cache *DownloadCache
	http  RemoteFetcher
	ftp   RemoteFetcher
}

func newHTTPBackend(cache *DownloadCache) *httpBackend {
	return &httpBackend{
		cache: cache,
		http:  &httpFetcher{client: &http.Client{Timeout: 60 * time.Second}},
		ftp:   ftpFetcher{},
	}
}

func (b *httpBackend) Schemes() []string { return []string{"http", "https", "ftp"} }

func (b *httpBackend) OpenRead(rawURL string, opts OpenOptions) (ReadStream, error) {
	fetcher := b.http
	if strings.HasPrefix(rawURL, "ftp://") {
		fetcher = b.ftp
	}
	localPath, err := b.cache.Fetch(rawURL, fetcher)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, objerrors.OpenError(rawURL, err)
	}
	raw := ReadStream(&localReadStream{f: f})
	if WantsCompression(rawURL, opts) {
		return newGzipReadStream(raw)
	}
	return raw, nil
}

func (b *httpBackend) OpenWrite(rawURL string, opts OpenOptions) (WriteStream, error) {
	return nil, objerrors.UnsupportedOperation("http/https/ftp backends are read-only").WithURL(rawURL)
}

func (b *httpBackend) FileSize(rawURL string) (int64, error) {
	fetcher := b.http
	if strings.HasPrefix(rawURL, "ftp://") {
		fetcher = b.ftp
	}
	localPath, err := b.cache.Fetch(rawURL, fetcher)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, objerrors.OpenError(rawURL, err)
	}
	return info.Size(), nil
}
