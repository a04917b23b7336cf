package blockfmt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// ValueFunc pulls the next element of a column to be materialized to disk.
// ok is false once the source is exhausted.
type ValueFunc func() (v value.Value, ok bool, err error)

// WriteColumnFile materializes one column to dir/name.sidx (the index) plus
// dir/name.%d.sseg segment files, writing at most segmentCount segments by
// splitting the stream into roughly equal element counts up front is not
// possible for an unbounded stream, so rows are round-robined across
// segments in fixed-size chunks instead. segmentCount <= 1 writes a single segment.
func WriteColumnFile(dir, name string, elementType value.Kind, next ValueFunc, cfg config.BlockFormatConfig, segmentCount int) (indexPath string, err error) {
	if segmentCount < 1 {
		segmentCount = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", objerrors.IoError("mkdir", dir, err)
	}

	// chunkRows bounds how many elements land in one segment before rolling
	// to the next, so segmentCount only takes effect for inputs large enough
	// to need more than one chunk; small inputs end up with fewer segments
	// than requested, which the index format allows.
	const chunkRows = 1 << 20

	var (
		segIdx       int
		rowsInSeg    int64
		segmentSizes []int64
		segmentPaths []string
		writer       *SegmentWriter
	)

	closeSegment := func() error {
		if writer == nil {
			return nil
		}
		// SegmentWriter.Close also closes the underlying *os.File.
		if err := writer.Close(); err != nil {
			return err
		}
		segmentSizes = append(segmentSizes, rowsInSeg)
		writer = nil
		return nil
	}

	openSegment := func() error {
		relPath := fmt.Sprintf("%s.%d.sseg", name, segIdx)
		path := filepath.Join(dir, relPath)
		f, err := os.Create(path)
		if err != nil {
			return objerrors.OpenError(path, err)
		}
		w, err := NewSegmentWriter(f, elementType, cfg)
		if err != nil {
			f.Close()
			return err
		}
		writer = w
		rowsInSeg = 0
		segmentPaths = append(segmentPaths, relPath)
		return nil
	}

	// A failed write must not leave a partial sink behind: every segment
	// written so far is removed before the error is returned, and the index
	// is only created once all segments are complete.
	discardPartial := func() {
		for _, rel := range segmentPaths {
			_ = os.Remove(filepath.Join(dir, rel))
		}
	}

	if err := openSegment(); err != nil {
		discardPartial()
		return "", err
	}

	for {
		v, ok, err := next()
		if err != nil {
			_ = closeSegment()
			discardPartial()
			return "", err
		}
		if !ok {
			break
		}
		if segIdx < segmentCount-1 && rowsInSeg >= chunkRows {
			if err := closeSegment(); err != nil {
				discardPartial()
				return "", err
			}
			segIdx++
			if err := openSegment(); err != nil {
				discardPartial()
				return "", err
			}
		}
		if err := writer.Add(v); err != nil {
			_ = closeSegment()
			discardPartial()
			return "", err
		}
		rowsInSeg++
	}
	if err := closeSegment(); err != nil {
		discardPartial()
		return "", err
	}

	idxPath := filepath.Join(dir, name+".sidx")
	idxFile, err := os.Create(idxPath)
	if err != nil {
		discardPartial()
		return "", objerrors.OpenError(idxPath, err)
	}
	defer idxFile.Close()

	idx := ColumnIndex{
		Version:      int(FormatVersion),
		ElementType:  elementType,
		SegmentSizes: segmentSizes,
		SegmentPaths: segmentPaths,
		Metadata:     map[string]string{},
	}
	if err := WriteColumnIndex(idxFile, idx); err != nil {
		discardPartial()
		_ = os.Remove(idxPath)
		return "", err
	}
	return idxPath, nil
}
