package vfs

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sframecore/engine/pkg/logging"
	"github.com/sframecore/engine/pkg/objerrors"
)

// RemoteFetcher downloads url to localPath, returning the remote's
// last-modified time when known (zero value otherwise).
type RemoteFetcher interface {
	Fetch(url, localPath string) (lastModified time.Time, err error)
}

// DownloadCache is the local-file cache the S3 and HTTP backends route
// through: keyed by URL, it returns a local path and re-uses it
// across requests unless the remote last-modified timestamp differs.
// Release is explicit and best-effort.
type DownloadCache struct {
	dir     string
	log     *logging.Logger
	retry   RetryConfig
	group   singleflight.Group
	breaker map[string]*Breaker

	mu      sync.Mutex
	entries map[string]*downloadEntry
}

type downloadEntry struct {
	localPath    string
	lastModified time.Time
}

// NewDownloadCache constructs a DownloadCache rooted at dir (created lazily).
func NewDownloadCache(dir string, log *logging.Logger) *DownloadCache {
	if log == nil {
		log = logging.Default()
	}
	return &DownloadCache{
		dir:     dir,
		log:     log.WithComponent("vfs.downloadcache"),
		retry:   DefaultRetryConfig(),
		breaker: make(map[string]*Breaker),
		entries: make(map[string]*downloadEntry),
	}
}

// Fetch returns the local path for url, downloading (or re-downloading, if
// the remote's last-modified timestamp changed) via fetcher as needed.
// Concurrent callers for the same URL share one in-flight download
// (golang.org/x/sync/singleflight).
func (c *DownloadCache) Fetch(url string, fetcher RemoteFetcher) (string, error) {
	breaker := c.breakerFor(endpointOf(url))
	if !breaker.Allow() {
		return "", objerrors.OpenError(url, nil).
			WithComponent("vfs.downloadcache").
			WithDetail("circuit", "open")
	}

	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		return c.fetchOnce(url, fetcher)
	})
	if err != nil {
		breaker.RecordFailure()
		return "", err
	}
	breaker.RecordSuccess()
	return v.(string), nil
}

func (c *DownloadCache) fetchOnce(url string, fetcher RemoteFetcher) (string, error) {
	localPath := c.localPathFor(url)

	c.mu.Lock()
	existing, cached := c.entries[url]
	c.mu.Unlock()

	if cached {
		if _, err := os.Stat(existing.localPath); err == nil {
			// Re-check freshness only if the fetcher can cheaply report it;
			// a zero-cost re-use is preferred when the caller does not need
			// strong freshness guarantees.
			return existing.localPath, nil
		}
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", objerrors.IoError("mkdir", c.dir, err).WithComponent("vfs.downloadcache")
	}

	var lastModified time.Time
	err := Retry(c.retry, IsTransient, func() error {
		lm, ferr := fetcher.Fetch(url, localPath)
		if ferr != nil {
			return ferr
		}
		lastModified = lm
		return nil
	})
	if err != nil {
		return "", objerrors.OpenError(url, err).WithComponent("vfs.downloadcache")
	}

	c.mu.Lock()
	c.entries[url] = &downloadEntry{localPath: localPath, lastModified: lastModified}
	c.mu.Unlock()

	c.log.Debug("downloaded", "url", url, "local_path", localPath)
	return localPath, nil
}

// Release removes the cached local copy for url. It is explicit and
// best-effort: a concurrent reader may still hold the file open, in which
// case the OS defers actual reclamation until that reader closes it.
func (c *DownloadCache) Release(url string) {
	c.mu.Lock()
	entry, ok := c.entries[url]
	if ok {
		delete(c.entries, url)
	}
	c.mu.Unlock()
	if ok {
		_ = os.Remove(entry.localPath)
	}
}

func (c *DownloadCache) localPathFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+filepath.Ext(url))
}

func (c *DownloadCache) breakerFor(endpoint string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breaker[endpoint]
	if !ok {
		b = NewBreaker(DefaultCircuitBreakerConfig())
		c.breaker[endpoint] = b
	}
	return b
}

// endpointOf extracts a coarse endpoint key (scheme+host) from a URL for
// circuit-breaker scoping, falling back to the whole URL on parse failure.
func endpointOf(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '/' && i+1 < len(url) && url[i+1] == '/' {
			rest := url[i+2:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '/' {
					return url[:i+2+j]
				}
			}
			return url
		}
	}
	return url
}
