package vfs

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sframecore/engine/pkg/objerrors"
)

// hdfsBackend serves hdfs://host:port/path URLs over the WebHDFS REST
// surface, so no native client library is needed. Reads route through the
// shared DownloadCache like the other remote backends; writes buffer to a
// local temp file and upload whole-file on Close.
type hdfsBackend struct {
	cache  *DownloadCache
	client *http.Client
}

func newHDFSBackend(cache *DownloadCache) *hdfsBackend {
	return &hdfsBackend{
		cache:  cache,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *hdfsBackend) Schemes() []string { return []string{"hdfs"} }

// webhdfsURL translates hdfs://host:port/path into the WebHDFS REST endpoint
// for the given operation.
func webhdfsURL(rawURL, op string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", objerrors.OpenError(rawURL, err)
	}
	if u.Host == "" || u.Path == "" {
		return "", objerrors.OpenError(rawURL, fmt.Errorf("hdfs URL needs host and path"))
	}
	return fmt.Sprintf("http://%s/webhdfs/v1%s?op=%s", u.Host, u.Path, op), nil
}

// hdfsFetcher implements RemoteFetcher via WebHDFS OPEN.
type hdfsFetcher struct {
	client *http.Client
}

func (f *hdfsFetcher) Fetch(rawURL, localPath string) (time.Time, error) {
	endpoint, err := webhdfsURL(rawURL, "OPEN")
	if err != nil {
		return time.Time{}, err
	}
	resp, err := f.client.Get(endpoint)
	if err != nil {
		return time.Time{}, objerrors.IoError("get", rawURL, err).WithDetail("retryable", true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return time.Time{}, objerrors.New(objerrors.CodeIoError, "transient WebHDFS failure").
			WithURL(rawURL).WithDetail("status", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, objerrors.OpenError(rawURL, fmt.Errorf("WebHDFS status %d", resp.StatusCode))
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

func (b *hdfsBackend) OpenRead(rawURL string, opts OpenOptions) (ReadStream, error) {
	localPath, err := b.cache.Fetch(rawURL, &hdfsFetcher{client: b.client})
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

// hdfsWriteStream buffers writes locally and uploads the whole file via
// WebHDFS CREATE on Close.
type hdfsWriteStream struct {
	client  *http.Client
	rawURL  string
	tmp     *os.File
	written int64
}

func (s *hdfsWriteStream) Write(p []byte) (int, error) {
	n, err := s.tmp.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *hdfsWriteStream) TellWritten() int64 { return s.written }

func (s *hdfsWriteStream) Close() error {
	defer os.Remove(s.tmp.Name())
	if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
		return objerrors.IoError("seek", s.tmp.Name(), err)
	}

	endpoint, err := webhdfsURL(s.rawURL, "CREATE&overwrite=true")
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, endpoint, s.tmp)
	if err != nil {
		return objerrors.Internal("WebHDFS request construction failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.client.Do(req)
	closeErr := s.tmp.Close()
	if err != nil {
		return objerrors.IoError("put", s.rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return objerrors.New(objerrors.CodeIoError, "WebHDFS CREATE failed").
			WithURL(s.rawURL).WithDetail("status", resp.StatusCode)
	}
	return closeErr
}

func (b *hdfsBackend) OpenWrite(rawURL string, opts OpenOptions) (WriteStream, error) {
	tmp, err := os.CreateTemp("", "hdfs-upload-*")
	if err != nil {
		return nil, objerrors.IoError("create-temp", rawURL, err)
	}
	raw := WriteStream(&hdfsWriteStream{client: b.client, rawURL: rawURL, tmp: tmp})
	if WantsCompression(rawURL, opts) {
		return newGzipWriteStream(raw), nil
	}
	return raw, nil
}

func (b *hdfsBackend) FileSize(rawURL string) (int64, error) {
	endpoint, err := webhdfsURL(rawURL, "GETFILESTATUS")
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Get(endpoint)
	if err != nil {
		return 0, objerrors.OpenError(rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, objerrors.OpenError(rawURL, fmt.Errorf("WebHDFS status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, objerrors.IoError("read", rawURL, err)
	}
	// The FileStatus payload is small; pick the length field out directly
	// rather than modeling the whole schema.
	const marker = `"length":`
	idx := strings.Index(string(body), marker)
	if idx < 0 {
		return 0, objerrors.FormatError("WebHDFS FileStatus missing length").WithURL(rawURL)
	}
	var size int64
	if _, err := fmt.Sscanf(string(body)[idx+len(marker):], "%d", &size); err != nil {
		return 0, objerrors.FormatError("WebHDFS FileStatus bad length").WithURL(rawURL).WithCause(err)
	}
	return size, nil
}
