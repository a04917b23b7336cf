package blockfmt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/value"
)

func writeIntegerSegment(t *testing.T, elements []value.Value, cfg config.BlockFormatConfig) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewSegmentWriter(&buf, value.Integer, cfg)
	require.NoError(t, err)
	for _, v := range elements {
		require.NoError(t, w.Add(v))
	}
	require.NoError(t, w.Close())
	return &buf
}

func TestRoundTripSmallSegment(t *testing.T) {
	elements := []value.Value{value.NewInteger(1), value.NewInteger(2), value.NewInteger(3)}
	buf := writeIntegerSegment(t, elements, config.BlockFormatConfig{})

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.EqualValues(t, 3, r.NumElements())

	got, err := r.ReadRows(0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, v := range got {
		assert.True(t, v.Equal(elements[i]))
	}
}

func TestMultiBlockSegmentSplitsOnAdaptiveTarget(t *testing.T) {
	cfg := config.BlockFormatConfig{BootstrapBlockElements: 4, TargetBlockSizeBytes: 1}
	elements := make([]value.Value, 20)
	for i := range elements {
		elements[i] = value.NewInteger(int64(i))
	}
	buf := writeIntegerSegment(t, elements, cfg)

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Greater(t, len(r.footer.Blocks), 1, "tiny target should force multiple blocks")

	got, err := r.ReadRows(0, 20)
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, v := range got {
		assert.True(t, v.Equal(elements[i]))
	}
}

func TestPartialReadRowsMidSegment(t *testing.T) {
	cfg := config.BlockFormatConfig{BootstrapBlockElements: 3, TargetBlockSizeBytes: 1}
	elements := make([]value.Value, 10)
	for i := range elements {
		elements[i] = value.NewInteger(int64(i * 10))
	}
	buf := writeIntegerSegment(t, elements, cfg)

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	got, err := r.ReadRows(4, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, v := range got {
		assert.True(t, v.Equal(elements[4+i]))
	}
}

func TestRowDecoderSkip(t *testing.T) {
	cfg := config.BlockFormatConfig{BootstrapBlockElements: 3, TargetBlockSizeBytes: 1}
	elements := make([]value.Value, 10)
	for i := range elements {
		elements[i] = value.NewInteger(int64(i))
	}
	buf := writeIntegerSegment(t, elements, cfg)

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	dec, err := r.NewDecoder(0)
	require.NoError(t, err)
	require.NoError(t, dec.Skip(7))
	v, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(value.NewInteger(7)))
}

func TestUndefinedElementsPermitted(t *testing.T) {
	elements := []value.Value{value.NewInteger(1), value.NewUndefined(), value.NewInteger(3)}
	buf := writeIntegerSegment(t, elements, config.BlockFormatConfig{})

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got, err := r.ReadRows(0, 3)
	require.NoError(t, err)
	assert.True(t, got[1].IsNA())
}

func TestAddRejectsMismatchedType(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewSegmentWriter(&buf, value.Integer, config.BlockFormatConfig{})
	require.NoError(t, err)
	err = w.Add(value.NewString("oops"))
	require.Error(t, err)
}

func TestBadMagicFailsWithFormatError(t *testing.T) {
	_, err := OpenSegmentReader(bytes.NewReader([]byte("not a valid segment file at all")))
	require.Error(t, err)
}

func TestCompressionSkippedForIncompressibleData(t *testing.T) {
	// Random-looking distinct integers compress poorly relative to their
	// varint-encoded size; the writer must still produce a valid segment
	// either way (compression is an optimization, not a correctness
	// requirement).
	cfg := config.BlockFormatConfig{CompressionDisableRatio: 0.01}
	elements := make([]value.Value, 50)
	for i := range elements {
		elements[i] = value.NewInteger(int64(i) * 104729)
	}
	buf := writeIntegerSegment(t, elements, cfg)

	r, err := OpenSegmentReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got, err := r.ReadRows(0, int64(len(elements)))
	require.NoError(t, err)
	for i, v := range got {
		assert.True(t, v.Equal(elements[i]))
	}
}

func TestColumnIndexRoundTrip(t *testing.T) {
	idx := ColumnIndex{
		Version:      int(FormatVersion),
		ElementType:  value.Integer,
		SegmentSizes: []int64{10, 20, 5},
		SegmentPaths: []string{"seg-0.bin", "seg-1.bin", "seg-2.bin"},
		Metadata:     map[string]string{"created_by": "engine"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteColumnIndex(&buf, idx))

	got, err := ReadColumnIndex(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, idx.ElementType, got.ElementType)
	assert.Equal(t, idx.SegmentSizes, got.SegmentSizes)
	assert.Equal(t, idx.SegmentPaths, got.SegmentPaths)
	assert.Equal(t, idx.Metadata, got.Metadata)
}

func TestSFrameIndexRoundTrip(t *testing.T) {
	idx := SFrameIndex{
		Version:     1,
		NumRows:     100,
		ColumnNames: []string{"a", "b", "c"},
		ColumnFiles: []string{"a.sidx", "b.sidx", "c.sidx"},
		Metadata:    map[string]string{"source": "test"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSFrameIndex(&buf, idx))

	got, err := ReadSFrameIndex(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, idx.NumRows, got.NumRows)
	assert.Equal(t, idx.ColumnNames, got.ColumnNames)
	assert.Equal(t, idx.ColumnFiles, got.ColumnFiles)
}
