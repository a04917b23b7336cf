package vfs

import (
	"os"
	"strings"

	"github.com/sframecore/engine/pkg/objerrors"
)

// localReadStream implements ReadStream over a local *os.File.
type localReadStream struct {
	f    *os.File
	read int64
}

func (s *localReadStream) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.read += int64(n)
	return n, err
}

func (s *localReadStream) Close() error { return s.f.Close() }

func (s *localReadStream) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.f.Seek(offset, whence)
	if err != nil {
		return 0, objerrors.IoError("seek", s.f.Name(), err)
	}
	return pos, nil
}

func (s *localReadStream) TellRead() int64 { return s.read }

func (s *localReadStream) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, objerrors.IoError("stat", s.f.Name(), err)
	}
	return info.Size(), nil
}

// localWriteStream implements WriteStream over a local *os.File.
type localWriteStream struct {
	f       *os.File
	written int64
}

func (s *localWriteStream) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *localWriteStream) Close() error { return s.f.Close() }

func (s *localWriteStream) TellWritten() int64 { return s.written }

// localBackend serves local filesystem paths: no scheme, or "file://".
type localBackend struct{}

func (localBackend) Schemes() []string { return []string{"", "file"} }

func (localBackend) OpenRead(path string, opts OpenOptions) (ReadStream, error) {
	path = stripFileScheme(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err)
	}
	raw := ReadStream(&localReadStream{f: f})
	if WantsCompression(path, opts) {
		return newGzipReadStream(raw)
	}
	return raw, nil
}

func (localBackend) OpenWrite(path string, opts OpenOptions) (WriteStream, error) {
	path = stripFileScheme(path)
	f, err := os.Create(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err)
	}
	raw := WriteStream(&localWriteStream{f: f})
	if WantsCompression(path, opts) {
		return newGzipWriteStream(raw), nil
	}
	return raw, nil
}

func (localBackend) FileSize(path string) (int64, error) {
	path = stripFileScheme(path)
	info, err := os.Stat(path)
	if err != nil {
		return 0, objerrors.OpenError(path, err)
	}
	return info.Size(), nil
}

func stripFileScheme(url string) string {
	return strings.TrimPrefix(url, "file://")
}
