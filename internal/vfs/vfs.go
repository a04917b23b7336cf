package vfs

import (
	"context"
	"strings"

	"github.com/sframecore/engine/internal/cachemgr"
	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/logging"
	"github.com/sframecore/engine/pkg/objerrors"
)

// Backend serves one or more URL schemes behind the uniform stream
// abstraction.
type Backend interface {
	Schemes() []string
	OpenRead(url string, opts OpenOptions) (ReadStream, error)
	OpenWrite(url string, opts OpenOptions) (WriteStream, error)
	FileSize(url string) (int64, error)
}

// Registry dispatches a URL to the Backend registered for its scheme.
type Registry struct {
	backends map[string]Backend
	log      *logging.Logger
}

// NewRegistry constructs a Registry with local, s3, http(s)/ftp, and cache
// backends wired in, sharing one DownloadCache and one cache manager
// instance. The cache manager is the one passed in, so callers that already
// built one for groupby/sort/join spill share it here too.
func NewRegistry(ctx context.Context, cfg *config.Configuration, mgr *cachemgr.Manager, log *logging.Logger) (*Registry, error) {
	if log == nil {
		log = logging.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	downloadCache := NewDownloadCache(config.TempDir(), log)

	s3, err := newS3Backend(ctx, DefaultS3Config(), downloadCache)
	if err != nil {
		return nil, err
	}

	r := &Registry{backends: make(map[string]Backend), log: log.WithComponent("vfs.registry")}
	r.register(localBackend{})
	r.register(s3)
	r.register(newHTTPBackend(downloadCache))
	r.register(newHDFSBackend(downloadCache))
	r.register(newCacheBackend(mgr, config.ProcessTempDir()))
	return r, nil
}

func (r *Registry) register(b Backend) {
	for _, scheme := range b.Schemes() {
		r.backends[scheme] = b
	}
}

func (r *Registry) backendFor(url string) (Backend, error) {
	scheme := schemeOf(url)
	b, ok := r.backends[scheme]
	if !ok {
		return nil, objerrors.OpenError(url, nil).WithDetail("reason", "no backend registered for scheme").WithDetail("scheme", scheme)
	}
	return b, nil
}

// schemeOf extracts the "scheme" of a URL (the part before "://"), or ""
// for a bare local path.
func schemeOf(url string) string {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return ""
	}
	return url[:idx]
}

// OpenRead opens url for reading, dispatching to the backend registered for
// its scheme and applying transparent gzip decompression per opts.
func (r *Registry) OpenRead(url string, opts OpenOptions) (ReadStream, error) {
	b, err := r.backendFor(url)
	if err != nil {
		return nil, err
	}
	return b.OpenRead(url, opts)
}

// OpenWrite opens url for writing, dispatching to the backend registered for
// its scheme.
func (r *Registry) OpenWrite(url string, opts OpenOptions) (WriteStream, error) {
	b, err := r.backendFor(url)
	if err != nil {
		return nil, err
	}
	return b.OpenWrite(url, opts)
}

// FileSize reports the size of the object at url without opening it for a
// full read, when the backend can answer cheaply (a local stat, an S3 HEAD).
func (r *Registry) FileSize(url string) (int64, error) {
	b, err := r.backendFor(url)
	if err != nil {
		return 0, err
	}
	return b.FileSize(url)
}
