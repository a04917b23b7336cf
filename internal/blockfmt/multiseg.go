package blockfmt

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// MultiSegmentReader presents a column's N segment files as one logical
// element stream, resolving a global row index to the segment that covers
// it the same way SegmentReader resolves a row to a block.
type MultiSegmentReader struct {
	segments   []*SegmentReader
	closers    []io.Closer
	cumulative []int64
}

// NewMultiSegmentReader wraps already-open per-segment readers (in segment
// order) as one column reader. closers (same length, may contain nils) are
// closed by Close.
func NewMultiSegmentReader(segments []*SegmentReader, closers []io.Closer) (*MultiSegmentReader, error) {
	if len(segments) == 0 {
		return nil, objerrors.Internal("multi-segment reader requires at least one segment")
	}
	cumulative := make([]int64, len(segments))
	var total int64
	for i, s := range segments {
		total += s.NumElements()
		cumulative[i] = total
	}
	return &MultiSegmentReader{segments: segments, closers: closers, cumulative: cumulative}, nil
}

// NumElements returns the column's total element count across all segments.
func (m *MultiSegmentReader) NumElements() int64 {
	if len(m.cumulative) == 0 {
		return 0
	}
	return m.cumulative[len(m.cumulative)-1]
}

func (m *MultiSegmentReader) segmentStartRow(i int) int64 {
	if i == 0 {
		return 0
	}
	return m.cumulative[i-1]
}

func (m *MultiSegmentReader) segmentForRow(row int64) int {
	lo, hi := 0, len(m.cumulative)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.cumulative[mid] > row {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// MultiRowDecoder is the generator-style cursor handed out by
// MultiSegmentReader.NewDecoder: it delegates to the covering segment's own
// RowDecoder and transparently crosses segment boundaries.
type MultiRowDecoder struct {
	m        *MultiSegmentReader
	segIdx   int
	inner    *RowDecoder
	row, end int64
}

// NewDecoder returns a decoder positioned at the column-global startRow.
func (m *MultiSegmentReader) NewDecoder(startRow int64) (*MultiRowDecoder, error) {
	total := m.NumElements()
	if startRow < 0 || startRow > total {
		return nil, objerrors.RangeError("decoder start row out of bounds").WithDetail("row", startRow)
	}
	dec := &MultiRowDecoder{m: m, row: startRow, end: total}
	if startRow == total {
		dec.segIdx = len(m.segments)
		return dec, nil
	}
	segIdx := m.segmentForRow(startRow)
	inner, err := m.segments[segIdx].NewDecoder(startRow - m.segmentStartRow(segIdx))
	if err != nil {
		return nil, err
	}
	dec.segIdx = segIdx
	dec.inner = inner
	return dec, nil
}

// Next decodes and returns the next element, crossing into the following
// segment transparently when the current one is exhausted.
func (d *MultiRowDecoder) Next() (value.Value, bool, error) {
	for {
		if d.row >= d.end {
			return value.Value{}, false, nil
		}
		if d.inner == nil {
			var err error
			d.inner, err = d.m.segments[d.segIdx].NewDecoder(0)
			if err != nil {
				return value.Value{}, false, err
			}
		}
		v, ok, err := d.inner.Next()
		if err != nil {
			return value.Value{}, false, err
		}
		if ok {
			d.row++
			return v, true, nil
		}
		d.segIdx++
		d.inner = nil
		if d.segIdx >= len(d.m.segments) {
			return value.Value{}, false, nil
		}
	}
}

// Skip advances the decoder by n elements without materializing them,
// crossing segment boundaries as needed.
func (d *MultiRowDecoder) Skip(n int64) error {
	for n > 0 {
		if d.row >= d.end {
			return objerrors.RangeError("skip past end of column")
		}
		if d.inner == nil {
			var err error
			d.inner, err = d.m.segments[d.segIdx].NewDecoder(0)
			if err != nil {
				return err
			}
		}
		remainingInSeg := d.m.segments[d.segIdx].NumElements() - segCursorRow(d.inner)
		take := n
		if take > remainingInSeg {
			take = remainingInSeg
		}
		if take <= 0 {
			d.segIdx++
			d.inner = nil
			if d.segIdx >= len(d.m.segments) {
				return objerrors.RangeError("skip past end of column")
			}
			continue
		}
		if err := d.inner.Skip(take); err != nil {
			return err
		}
		d.row += take
		n -= take
	}
	return nil
}

// segCursorRow reports how far into its segment dec has advanced.
func segCursorRow(dec *RowDecoder) int64 { return dec.row }

// Close closes every underlying segment stream.
func (m *MultiSegmentReader) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenColumnFile opens an SArray index file at indexPath and every segment
// file it names (resolved relative to the index file's directory),
// returning a ready MultiSegmentReader and the parsed index.
func OpenColumnFile(indexPath string) (*MultiSegmentReader, ColumnIndex, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, ColumnIndex{}, objerrors.OpenError(indexPath, err)
	}
	defer f.Close()

	idx, err := ReadColumnIndex(f)
	if err != nil {
		return nil, ColumnIndex{}, err
	}
	if len(idx.SegmentPaths) == 0 {
		return nil, ColumnIndex{}, objerrors.FormatError("column index names no segments").WithURL(indexPath)
	}

	dir := filepath.Dir(indexPath)
	segments := make([]*SegmentReader, 0, len(idx.SegmentPaths))
	closers := make([]io.Closer, 0, len(idx.SegmentPaths))
	for _, rel := range idx.SegmentPaths {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, rel)
		}
		sf, err := os.Open(path)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, ColumnIndex{}, objerrors.OpenError(path, err)
		}
		sr, err := OpenSegmentReader(sf)
		if err != nil {
			sf.Close()
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, ColumnIndex{}, err
		}
		segments = append(segments, sr)
		closers = append(closers, sf)
	}

	mr, err := NewMultiSegmentReader(segments, closers)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, ColumnIndex{}, err
	}
	return mr, idx, nil
}
