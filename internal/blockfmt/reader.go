package blockfmt

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/sframecore/engine/internal/blockfmt/bufpool"
	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// footerTrailerSize is the fixed 8-byte trailer (4-byte length + 4-byte
// magic) that ends every segment file.
const footerTrailerSize = 8

// SegmentReader reads one column's segment file: the header, the footer
// (loaded eagerly at open time), and blocks decoded on demand.
// Readers are safe for concurrent use across disjoint row ranges.
type SegmentReader struct {
	// mu serializes seek+read on the shared stream; concurrent decoders
	// would otherwise race on the file offset. Decompression and decoding
	// happen outside the lock.
	mu          sync.Mutex
	r           io.ReadSeeker
	ElementType value.Kind
	footer      Footer
	cumulative  []int64 // cumulative[i] = total elements in blocks [0,i]
}

// OpenSegmentReader loads r's header and footer and returns a ready reader.
func OpenSegmentReader(r io.ReadSeeker) (*SegmentReader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, objerrors.IoError("seek", "segment", err)
	}
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, objerrors.FormatError("truncated segment header").WithCause(err)
	}
	if string(header[0:4]) != segmentMagic {
		return nil, objerrors.FormatError("bad segment magic")
	}
	version := header[4]
	if version != FormatVersion {
		return nil, objerrors.FormatError("unsupported segment format version").WithDetail("version", version)
	}
	elementType := value.Kind(header[5])

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, objerrors.IoError("seek", "segment", err)
	}
	if size < footerTrailerSize {
		return nil, objerrors.FormatError("segment too small to contain a footer")
	}

	if _, err := r.Seek(size-footerTrailerSize, io.SeekStart); err != nil {
		return nil, objerrors.IoError("seek", "segment", err)
	}
	trailer := make([]byte, footerTrailerSize)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, objerrors.FormatError("truncated footer trailer").WithCause(err)
	}
	footerLen := binary.LittleEndian.Uint32(trailer[0:4])
	if string(trailer[4:8]) != footerMagic {
		return nil, objerrors.FormatError("bad footer magic")
	}

	footerStart := size - footerTrailerSize - int64(footerLen)
	if footerStart < 6 {
		return nil, objerrors.FormatError("footer length exceeds segment size")
	}
	if _, err := r.Seek(footerStart, io.SeekStart); err != nil {
		return nil, objerrors.IoError("seek", "segment", err)
	}
	body := make([]byte, footerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, objerrors.FormatError("truncated footer body").WithCause(err)
	}
	footer, err := unmarshalFooter(body)
	if err != nil {
		return nil, err
	}

	cumulative := make([]int64, len(footer.Blocks))
	var total int64
	for i, b := range footer.Blocks {
		total += int64(b.ElementCount)
		cumulative[i] = total
	}

	return &SegmentReader{r: r, ElementType: elementType, footer: footer, cumulative: cumulative}, nil
}

// NumElements returns the segment's total element count.
func (sr *SegmentReader) NumElements() int64 {
	if len(sr.cumulative) == 0 {
		return 0
	}
	return sr.cumulative[len(sr.cumulative)-1]
}

// blockStartRow returns the first element index covered by block i.
func (sr *SegmentReader) blockStartRow(i int) int64 {
	if i == 0 {
		return 0
	}
	return sr.cumulative[i-1]
}

// blockForRow returns the index of the block covering element row.
func (sr *SegmentReader) blockForRow(row int64) int {
	return sort.Search(len(sr.cumulative), func(i int) bool { return sr.cumulative[i] > row })
}

// readBlock reads, decompresses, and validates block i, returning its
// decompressed payload bytes.
func (sr *SegmentReader) readBlock(i int) ([]byte, error) {
	info := sr.footer.Blocks[i]

	sr.mu.Lock()
	if _, err := sr.r.Seek(info.Offset, io.SeekStart); err != nil {
		sr.mu.Unlock()
		return nil, objerrors.IoError("seek", "block", err)
	}
	hdrBuf := make([]byte, blockHeaderSize)
	if _, err := io.ReadFull(sr.r, hdrBuf); err != nil {
		sr.mu.Unlock()
		return nil, objerrors.FormatError("truncated block header").WithCause(err)
	}
	hdr, err := unmarshalBlockHeader(hdrBuf)
	if err != nil {
		sr.mu.Unlock()
		return nil, err
	}
	if hdr.ElementCount != info.ElementCount || hdr.CompressedSize != info.CompressedSize {
		sr.mu.Unlock()
		return nil, objerrors.FormatError("block header disagrees with footer block-info")
	}

	payload := bufpool.Get(int(hdr.CompressedSize))
	if _, err := io.ReadFull(sr.r, payload); err != nil {
		sr.mu.Unlock()
		return nil, objerrors.FormatError("block payload shorter than declared size").WithCause(err)
	}
	sr.mu.Unlock()
	defer bufpool.Put(payload)

	if hdr.Flags&flagCompressed == 0 {
		if uint32(len(payload)) != hdr.UncompressedSize {
			return nil, objerrors.FormatError("uncompressed block size mismatch")
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	zr := flate.NewReader(bytes.NewReader(payload))
	defer zr.Close()
	out := make([]byte, hdr.UncompressedSize)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, objerrors.FormatError("block decompression failed").WithCause(err)
	}
	return out, nil
}

// ReadRows decodes and returns elements [rowStart, rowEnd).
func (sr *SegmentReader) ReadRows(rowStart, rowEnd int64) ([]value.Value, error) {
	if rowStart < 0 || rowEnd < rowStart || rowEnd > sr.NumElements() {
		return nil, objerrors.RangeError("row range out of bounds").
			WithDetail("start", rowStart).WithDetail("end", rowEnd).WithDetail("total", sr.NumElements())
	}
	out := make([]value.Value, 0, rowEnd-rowStart)
	dec, err := sr.NewDecoder(rowStart)
	if err != nil {
		return nil, err
	}
	for row := rowStart; row < rowEnd; row++ {
		v, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, objerrors.Internal("decoder exhausted before row range end")
		}
		out = append(out, v)
	}
	return out, nil
}

// RowDecoder is a generator-style cursor over a segment's elements: Next
// decodes and returns one value at a time, and Skip advances without
// constructing skipped values.
type RowDecoder struct {
	sr          *SegmentReader
	blockIdx    int
	blockReader *bytes.Reader
	row         int64 // next row index to be returned
}

// NewDecoder returns a RowDecoder positioned at startRow.
func (sr *SegmentReader) NewDecoder(startRow int64) (*RowDecoder, error) {
	if startRow < 0 || startRow > sr.NumElements() {
		return nil, objerrors.RangeError("decoder start row out of bounds").WithDetail("row", startRow)
	}
	dec := &RowDecoder{sr: sr, row: startRow}
	if startRow == sr.NumElements() {
		return dec, nil
	}
	blockIdx := sr.blockForRow(startRow)
	if err := dec.enterBlock(blockIdx, startRow-sr.blockStartRow(blockIdx)); err != nil {
		return nil, err
	}
	return dec, nil
}

func (dec *RowDecoder) enterBlock(blockIdx int, skipWithin int64) error {
	payload, err := dec.sr.readBlock(blockIdx)
	if err != nil {
		return err
	}
	r := bytes.NewReader(payload)
	if _, err := binary.ReadUvarint(r); err != nil { // element count prefix
		return objerrors.FormatError("truncated block element count").WithCause(err)
	}
	for i := int64(0); i < skipWithin; i++ {
		if err := skipValue(r); err != nil {
			return err
		}
	}
	dec.blockIdx = blockIdx
	dec.blockReader = r
	return nil
}

// Next decodes and returns the element at the decoder's current position,
// advancing it by one. ok is false once the decoder reaches the segment's
// end.
func (dec *RowDecoder) Next() (value.Value, bool, error) {
	if dec.row >= dec.sr.NumElements() {
		return value.Value{}, false, nil
	}
	if dec.blockReader == nil || dec.blockReader.Len() == 0 {
		nextBlock := dec.sr.blockForRow(dec.row)
		if err := dec.enterBlock(nextBlock, 0); err != nil {
			return value.Value{}, false, err
		}
	}
	v, err := decodeValue(dec.blockReader)
	if err != nil {
		return value.Value{}, false, err
	}
	dec.row++
	return v, true, nil
}

// Skip advances the decoder by n elements without materializing them.
func (dec *RowDecoder) Skip(n int64) error {
	target := dec.row + n
	if target > dec.sr.NumElements() {
		return objerrors.RangeError("skip past end of segment")
	}
	for dec.row < target {
		if dec.blockReader == nil || dec.blockReader.Len() == 0 {
			nextBlock := dec.sr.blockForRow(dec.row)
			if err := dec.enterBlock(nextBlock, 0); err != nil {
				return err
			}
		}
		if err := skipValue(dec.blockReader); err != nil {
			return err
		}
		dec.row++
	}
	return nil
}

// skipValue advances r past one self-describing value without allocating
// its decoded form (beyond what string/blob payloads themselves require).
func skipValue(r *bytes.Reader) error {
	kindByte, err := r.ReadByte()
	if err != nil {
		return objerrors.FormatError("truncated value: missing kind tag").WithCause(err)
	}
	switch value.Kind(kindByte) {
	case value.Undefined:
		return nil
	case value.Integer:
		_, err := binary.ReadVarint(r)
		return wrapSkipErr(err, "integer")
	case value.Float:
		_, err := r.Seek(8, io.SeekCurrent)
		return wrapSkipErr(err, "float")
	case value.String:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "string length")
		}
		_, err = r.Seek(int64(n), io.SeekCurrent)
		return wrapSkipErr(err, "string bytes")
	case value.Vector:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "vector length")
		}
		_, err = r.Seek(int64(n)*8, io.SeekCurrent)
		return wrapSkipErr(err, "vector elements")
	case value.List:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "list length")
		}
		for i := uint64(0); i < n; i++ {
			if err := skipValue(r); err != nil {
				return err
			}
		}
		return nil
	case value.Dict:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "dict length")
		}
		for i := uint64(0); i < n; i++ {
			if err := skipValue(r); err != nil {
				return err
			}
			if err := skipValue(r); err != nil {
				return err
			}
		}
		return nil
	case value.Image:
		for i := 0; i < 3; i++ {
			if _, err := binary.ReadUvarint(r); err != nil {
				return wrapSkipErr(err, "image dims")
			}
		}
		formatLen, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "image format length")
		}
		if _, err := r.Seek(int64(formatLen), io.SeekCurrent); err != nil {
			return wrapSkipErr(err, "image format bytes")
		}
		dataLen, err := binary.ReadUvarint(r)
		if err != nil {
			return wrapSkipErr(err, "image data length")
		}
		_, err = r.Seek(int64(dataLen), io.SeekCurrent)
		return wrapSkipErr(err, "image data")
	case value.DateTime:
		_, err := r.Seek(10, io.SeekCurrent)
		return wrapSkipErr(err, "datetime")
	default:
		return objerrors.FormatError("unknown value kind tag").WithDetail("kind", kindByte)
	}
}

func wrapSkipErr(err error, what string) error {
	if err == nil {
		return nil
	}
	return objerrors.FormatError("truncated " + what).WithCause(err)
}
