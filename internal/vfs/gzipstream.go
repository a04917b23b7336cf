package vfs

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/sframecore/engine/pkg/objerrors"
)

// gzipReadStream wraps a raw ReadStream with transparent gzip decompression.
// Seek is unsupported: compressed streams forbid seek and fail the
// operation when attempted.
type gzipReadStream struct {
	raw  ReadStream
	gz   *gzip.Reader
	read int64
}

func newGzipReadStream(raw ReadStream) (ReadStream, error) {
	gz, err := gzip.NewReader(raw)
	if err != nil {
		return nil, objerrors.FormatError("invalid gzip stream").WithCause(err)
	}
	return &gzipReadStream{raw: raw, gz: gz}, nil
}

func (s *gzipReadStream) Read(p []byte) (int, error) {
	n, err := s.gz.Read(p)
	s.read += int64(n)
	return n, err
}

func (s *gzipReadStream) Close() error {
	gzErr := s.gz.Close()
	rawErr := s.raw.Close()
	if gzErr != nil {
		return gzErr
	}
	return rawErr
}

func (s *gzipReadStream) Seek(offset int64, whence int) (int64, error) {
	return 0, objerrors.UnsupportedOperation("seek on compressed stream")
}

func (s *gzipReadStream) TellRead() int64 { return s.read }

func (s *gzipReadStream) Size() (int64, error) {
	// Uncompressed size is unknown without a full scan; best-effort report
	// of the compressed size from the underlying stream.
	return s.raw.Size()
}

// gzipWriteStream wraps a raw WriteStream with transparent gzip compression.
type gzipWriteStream struct {
	raw     WriteStream
	gz      *gzip.Writer
	written int64
}

func newGzipWriteStream(raw WriteStream) WriteStream {
	return &gzipWriteStream{raw: raw, gz: gzip.NewWriter(raw)}
}

func (s *gzipWriteStream) Write(p []byte) (int, error) {
	n, err := s.gz.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *gzipWriteStream) Close() error {
	gzErr := s.gz.Close()
	rawErr := s.raw.Close()
	if gzErr != nil {
		return gzErr
	}
	return rawErr
}

func (s *gzipWriteStream) TellWritten() int64 { return s.written }

var _ io.Closer = (*gzipReadStream)(nil)
