// Package blockfmt implements the on-disk column block format:
// a version-tagged binary segment file holding a sequence of compressed,
// self-describing blocks, terminated by a footer giving each block's offset
// and size.
package blockfmt

import (
	"encoding/binary"

	"github.com/sframecore/engine/pkg/objerrors"
)

// segmentMagic identifies a segment file's header; footerMagic identifies
// the trailing footer record.
const (
	segmentMagic = "SFSG"
	footerMagic  = "SFFT"

	// FormatVersion is the current on-disk format version written by this
	// engine. Readers reject any other version.
	FormatVersion uint8 = 1

	// blockHeaderSize is the fixed size in bytes of one block header.
	blockHeaderSize = 16

	// flagCompressed marks a block whose payload is flate-compressed.
	flagCompressed uint8 = 1 << 0

	// defaultTargetBlockSize is the default adaptive block size target in
	// bytes.
	defaultTargetBlockSize = 64 * 1024

	// defaultBootstrapElements is the element count used for the first block
	// of a column, before any bytes-per-element estimate exists.
	defaultBootstrapElements = 1024

	// compressionDisableRatio: compression is skipped when
	// compressed-size/uncompressed-size exceeds this.
	compressionDisableRatio = 0.9
)

// blockHeader is the fixed 16-byte little-endian header prefixing one
// block's payload in a segment file.
type blockHeader struct {
	UncompressedSize uint32
	CompressedSize   uint32
	ElementCount     uint32
	Flags            uint8
	ElementType      uint8
	_reserved        uint16
}

func (h blockHeader) marshal() []byte {
	buf := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.UncompressedSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.ElementCount)
	buf[12] = h.Flags
	buf[13] = h.ElementType
	return buf
}

func unmarshalBlockHeader(buf []byte) (blockHeader, error) {
	if len(buf) != blockHeaderSize {
		return blockHeader{}, objerrors.FormatError("truncated block header")
	}
	return blockHeader{
		UncompressedSize: binary.LittleEndian.Uint32(buf[0:4]),
		CompressedSize:   binary.LittleEndian.Uint32(buf[4:8]),
		ElementCount:     binary.LittleEndian.Uint32(buf[8:12]),
		Flags:            buf[12],
		ElementType:      buf[13],
	}, nil
}

// BlockInfo is one entry of a segment's footer block-info vector: the
// absolute byte offset of a block's header within the segment file, plus
// its sizes and element count.
type BlockInfo struct {
	Offset           int64
	UncompressedSize uint32
	CompressedSize   uint32
	ElementCount     uint32
	ElementType      uint8
}

// Footer lists the block-info vector for one segment's column. One
// segment file holds exactly one column's blocks.
type Footer struct {
	Version uint8
	Blocks  []BlockInfo
}

// TotalElements sums element counts across all blocks.
func (f Footer) TotalElements() int64 {
	var n int64
	for _, b := range f.Blocks {
		n += int64(b.ElementCount)
	}
	return n
}

func marshalFooter(f Footer) []byte {
	body := make([]byte, 0, 8+len(f.Blocks)*24)
	body = append(body, f.Version)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(f.Blocks)))
	body = append(body, countBuf[:]...)

	var buf [8]byte
	for _, b := range f.Blocks {
		binary.LittleEndian.PutUint64(buf[:], uint64(b.Offset))
		body = append(body, buf[:]...)
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], b.UncompressedSize)
		body = append(body, u32[:]...)
		binary.LittleEndian.PutUint32(u32[:], b.CompressedSize)
		body = append(body, u32[:]...)
		binary.LittleEndian.PutUint32(u32[:], b.ElementCount)
		body = append(body, u32[:]...)
		body = append(body, b.ElementType)
	}
	return body
}

func unmarshalFooter(body []byte) (Footer, error) {
	if len(body) < 5 {
		return Footer{}, objerrors.FormatError("truncated footer body")
	}
	f := Footer{Version: body[0]}
	count := binary.LittleEndian.Uint32(body[1:5])
	pos := 5
	f.Blocks = make([]BlockInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+21 > len(body) {
			return Footer{}, objerrors.FormatError("truncated footer block-info entry")
		}
		offset := int64(binary.LittleEndian.Uint64(body[pos: pos+8]))
		uSize := binary.LittleEndian.Uint32(body[pos+8: pos+12])
		cSize := binary.LittleEndian.Uint32(body[pos+12: pos+16])
		elems := binary.LittleEndian.Uint32(body[pos+16: pos+20])
		etype := body[pos+20]
		f.Blocks = append(f.Blocks, BlockInfo{
			Offset: offset, UncompressedSize: uSize, CompressedSize: cSize,
			ElementCount: elems, ElementType: etype,
		})
		pos += 21
	}
	return f, nil
}
