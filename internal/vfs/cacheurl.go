package vfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sframecore/engine/internal/cachemgr"
	"github.com/sframecore/engine/pkg/objerrors"
)

// cacheBackend serves cache:// URLs. Two forms are recognized:
//
//	cache://<numeric-id>   — a block owned by the process cache manager,
//	                          addressed by its cachemgr.ID.
//	cache://tmp/<name>     — a process-local temporary file, not subject to
//	                          the cache manager's budget or spill policy.
type cacheBackend struct {
	mgr     *cachemgr.Manager
	tmpRoot string
}

func newCacheBackend(mgr *cachemgr.Manager, tmpRoot string) *cacheBackend {
	return &cacheBackend{mgr: mgr, tmpRoot: tmpRoot}
}

func (b *cacheBackend) Schemes() []string { return []string{"cache"} }

func splitCacheURL(url string) (isTmp bool, rest string, err error) {
	trimmed := strings.TrimPrefix(url, "cache://")
	if strings.HasPrefix(trimmed, "tmp/") {
		return true, strings.TrimPrefix(trimmed, "tmp/"), nil
	}
	if trimmed == "" {
		return false, "", objerrors.OpenError(url, nil).WithDetail("reason", "missing cache id or tmp name")
	}
	return false, trimmed, nil
}

func (b *cacheBackend) tmpPath(name string) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", objerrors.OpenError("cache://tmp/"+name, nil).WithDetail("reason", "tmp name must not contain path separators")
	}
	return filepath.Join(b.tmpRoot, name), nil
}

// cacheBlockReadStream adapts a cachemgr-backed io.ReadCloser to ReadStream.
// Seek is unsupported: cache blocks are read start-to-finish through the
// block format's decode path, never randomly.
type cacheBlockReadStream struct {
	rc   io.ReadCloser
	read int64
}

func (s *cacheBlockReadStream) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	s.read += int64(n)
	return n, err
}
func (s *cacheBlockReadStream) Close() error { return s.rc.Close() }
func (s *cacheBlockReadStream) Seek(offset int64, whence int) (int64, error) {
	return 0, objerrors.UnsupportedOperation("cache:// streams do not support seeking")
}
func (s *cacheBlockReadStream) TellRead() int64 { return s.read }
func (s *cacheBlockReadStream) Size() (int64, error) {
	return 0, objerrors.UnsupportedOperation("cache:// streams do not report size without a known id")
}

// cacheBlockWriteStream buffers writes and flushes them to the cache manager
// on Close, since cachemgr.Write wants whole chunks rather than a live
// io.Writer handle.
type cacheBlockWriteStream struct {
	mgr     *cachemgr.Manager
	id      cachemgr.ID
	buf     bytes.Buffer
	written int64
}

func (s *cacheBlockWriteStream) Write(p []byte) (int, error) {
	n, err := s.buf.Write(p)
	s.written += int64(n)
	return n, err
}
func (s *cacheBlockWriteStream) TellWritten() int64 { return s.written }
func (s *cacheBlockWriteStream) Close() error {
	if s.buf.Len() == 0 {
		return nil
	}
	return s.mgr.Write(s.id, s.buf.Bytes())
}

func (b *cacheBackend) OpenRead(url string, opts OpenOptions) (ReadStream, error) {
	isTmp, rest, err := splitCacheURL(url)
	if err != nil {
		return nil, err
	}
	if isTmp {
		path, err := b.tmpPath(rest)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, objerrors.OpenError(url, err)
		}
		raw := ReadStream(&localReadStream{f: f})
		if WantsCompression(url, opts) {
			return newGzipReadStream(raw)
		}
		return raw, nil
	}

	id, err := parseCacheID(url, rest)
	if err != nil {
		return nil, err
	}
	rc, err := b.mgr.OpenReader(id)
	if err != nil {
		return nil, err
	}
	raw := ReadStream(&cacheBlockReadStream{rc: rc})
	if WantsCompression(url, opts) {
		return newGzipReadStream(raw)
	}
	return raw, nil
}

func (b *cacheBackend) OpenWrite(url string, opts OpenOptions) (WriteStream, error) {
	isTmp, rest, err := splitCacheURL(url)
	if err != nil {
		return nil, err
	}
	if isTmp {
		path, err := b.tmpPath(rest)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(b.tmpRoot, 0o755); err != nil {
			return nil, objerrors.IoError("mkdir", b.tmpRoot, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, objerrors.OpenError(url, err)
		}
		raw := WriteStream(&localWriteStream{f: f})
		if WantsCompression(url, opts) {
			return newGzipWriteStream(raw), nil
		}
		return raw, nil
	}

	id, err := parseCacheID(url, rest)
	if err != nil {
		return nil, err
	}
	raw := WriteStream(&cacheBlockWriteStream{mgr: b.mgr, id: id})
	if WantsCompression(url, opts) {
		return newGzipWriteStream(raw), nil
	}
	return raw, nil
}

func (b *cacheBackend) FileSize(url string) (int64, error) {
	isTmp, rest, err := splitCacheURL(url)
	if err != nil {
		return 0, err
	}
	if isTmp {
		path, err := b.tmpPath(rest)
		if err != nil {
			return 0, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return 0, objerrors.OpenError(url, err)
		}
		return info.Size(), nil
	}
	id, err := parseCacheID(url, rest)
	if err != nil {
		return 0, err
	}
	return b.mgr.Size(id), nil
}

// cacheURLFor formats the cache:// URL addressing a cachemgr block.
func cacheURLFor(id cachemgr.ID) string {
	return "cache://" + strconv.FormatUint(uint64(id), 10)
}

func parseCacheID(url, rest string) (cachemgr.ID, error) {
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, objerrors.OpenError(url, err).WithDetail("reason", "cache id must be numeric")
	}
	return cachemgr.ID(n), nil
}
