package blockfmt

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// SpillWriter and SpillReader give the groupby/sort/join engines a common
// out-of-core record format, built on the same self-describing value codec
// the column block format uses internally: a sequence of
// length-prefixed, self-describing value tuples. This backs groupby's
// sorted-run spill, sort's scatter-partition files,
// and join's build-side partition spill, so none of them need
// their own ad hoc binary format for temp storage.
type SpillWriter struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewSpillWriter wraps w (typically an *os.File) for sequential record
// writes.
func NewSpillWriter(w io.WriteCloser) *SpillWriter {
	return &SpillWriter{w: bufio.NewWriter(w), closer: w}
}

// WriteRecord appends one length-prefixed, self-describing tuple of fields.
func (s *SpillWriter) WriteRecord(fields []value.Value) error {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(fields)))
	for _, f := range fields {
		encodeValue(&buf, f)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return objerrors.IoError("write", "spill-record-length", err)
	}
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return objerrors.IoError("write", "spill-record", err)
	}
	return nil
}

// Close flushes buffered output and closes the underlying writer.
func (s *SpillWriter) Close() error {
	if err := s.w.Flush(); err != nil {
		return objerrors.IoError("flush", "spill", err)
	}
	return s.closer.Close()
}

// SpillReader sequentially reads records written by SpillWriter.
type SpillReader struct {
	r      *bufio.Reader
	closer io.Closer
}

// NewSpillReader wraps r for sequential record reads.
func NewSpillReader(r io.ReadCloser) *SpillReader {
	return &SpillReader{r: bufio.NewReader(r), closer: r}
}

// ReadRecord returns the next record, or ok=false at end of stream.
func (s *SpillReader) ReadRecord() (fields []value.Value, ok bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, false, nil
		}
		return nil, false, objerrors.IoError("read", "spill-record-length", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, false, objerrors.IoError("read", "spill-record", err)
	}

	rd := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, false, objerrors.FormatError("truncated spill record field count").WithCause(err)
	}
	fields = make([]value.Value, count)
	for i := range fields {
		v, err := decodeValue(rd)
		if err != nil {
			return nil, false, err
		}
		fields[i] = v
	}
	return fields, true, nil
}

// Close closes the underlying reader.
func (s *SpillReader) Close() error { return s.closer.Close() }
