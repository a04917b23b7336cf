// Package colio adapts internal/blockfmt's on-disk column readers to the
// internal/lazy package's storage-agnostic ColumnReader/Decoder interfaces,
// so pkg/sarray and pkg/sframe can build Source nodes directly over files
// without internal/lazy importing the block format package.
package colio

import (
	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/lazy"
)

// multiSeg adapts *blockfmt.MultiSegmentReader to lazy.ColumnReader.
type multiSeg struct{ r *blockfmt.MultiSegmentReader }

// Multi wraps an already-open MultiSegmentReader for use as a lazy Source
// column.
func Multi(r *blockfmt.MultiSegmentReader) lazy.ColumnReader { return multiSeg{r} }

func (m multiSeg) NumElements() int64 { return m.r.NumElements() }

func (m multiSeg) NewDecoder(start int64) (lazy.Decoder, error) {
	d, err := m.r.NewDecoder(start)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Close closes the underlying segment files.
func CloseMulti(r lazy.ColumnReader) error {
	if m, ok := r.(multiSeg); ok {
		return m.r.Close()
	}
	return nil
}

// Underlying returns the wrapped *blockfmt.MultiSegmentReader, for callers
// that need to Close it directly.
func Underlying(r lazy.ColumnReader) *blockfmt.MultiSegmentReader {
	if m, ok := r.(multiSeg); ok {
		return m.r
	}
	return nil
}
