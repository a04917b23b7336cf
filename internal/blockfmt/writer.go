package blockfmt

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// approxElementBytes returns a rough per-element byte estimate used only to
// size the first (bootstrap) block before any real measurement exists.
func approxElementBytes(k value.Kind) int {
	switch k {
	case value.Integer, value.Float, value.DateTime:
		return 9
	case value.String:
		return 24
	case value.Vector:
		return 64
	default:
		return 32
	}
}

// SegmentWriter writes one column's segment file: a header, an adaptively
// sized sequence of compressed blocks, and a trailing footer.
// Writers are single-threaded per segment.
type SegmentWriter struct {
	w           io.Writer
	cfg         config.BlockFormatConfig
	elementType value.Kind

	buf   []value.Value
	bytes int64 // approximate uncompressed bytes buffered in buf

	offset          int64
	blocks          []BlockInfo
	totalElements   int64
	totalRawBytes   int64
	bytesPerElement float64
	closed          bool
}

// NewSegmentWriter writes the segment header to w and returns a writer for
// columns of elementType.
func NewSegmentWriter(w io.Writer, elementType value.Kind, cfg config.BlockFormatConfig) (*SegmentWriter, error) {
	if cfg.TargetBlockSizeBytes <= 0 {
		cfg.TargetBlockSizeBytes = defaultTargetBlockSize
	}
	if cfg.BootstrapBlockElements <= 0 {
		cfg.BootstrapBlockElements = defaultBootstrapElements
	}
	if cfg.CompressionDisableRatio <= 0 {
		cfg.CompressionDisableRatio = compressionDisableRatio
	}

	header := make([]byte, 0, 6)
	header = append(header, segmentMagic...)
	header = append(header, FormatVersion, byte(elementType))
	n, err := w.Write(header)
	if err != nil {
		return nil, objerrors.IoError("write", "segment-header", err)
	}

	return &SegmentWriter{w: w, cfg: cfg, elementType: elementType, offset: int64(n)}, nil
}

// Add appends one element of the segment's declared type (or Undefined, the
// permitted "is-na" sentinel) to the writer's buffer, flushing a block if
// the adaptive size target is reached.
func (sw *SegmentWriter) Add(v value.Value) error {
	if sw.closed {
		return objerrors.UnsupportedOperation("write to closed segment")
	}
	if v.Kind() != sw.elementType && v.Kind() != value.Undefined {
		return objerrors.TypeError("value kind does not match declared column type").
			WithDetail("declared", sw.elementType.String()).WithDetail("got", v.Kind().String())
	}

	sw.buf = append(sw.buf, v)
	sw.bytes += int64(approxElementBytes(v.Kind()))

	target := sw.targetElementCount()
	if len(sw.buf) >= target || sw.bytes >= int64(sw.cfg.TargetBlockSizeBytes) {
		return sw.flush()
	}
	return nil
}

// targetElementCount returns the number of elements to buffer before
// emitting the next block: the fixed bootstrap size for the first block,
// then an estimate derived from observed bytes-per-element.
func (sw *SegmentWriter) targetElementCount() int {
	if sw.totalElements == 0 || sw.bytesPerElement <= 0 {
		return sw.cfg.BootstrapBlockElements
	}
	target := int(float64(sw.cfg.TargetBlockSizeBytes) / sw.bytesPerElement)
	if target < 1 {
		target = 1
	}
	return target
}

// flush encodes and writes the currently buffered elements as one block.
func (sw *SegmentWriter) flush() error {
	if len(sw.buf) == 0 {
		return nil
	}

	raw := encodeBlockPayload(sw.buf)
	payload, flags, err := maybeCompress(raw, sw.cfg.CompressionDisableRatio)
	if err != nil {
		return err
	}

	hdr := blockHeader{
		UncompressedSize: uint32(len(raw)),
		CompressedSize:   uint32(len(payload)),
		ElementCount:     uint32(len(sw.buf)),
		Flags:            flags,
		ElementType:      byte(sw.elementType),
	}

	blockOffset := sw.offset
	n, err := sw.w.Write(hdr.marshal())
	if err != nil {
		return objerrors.IoError("write", "block-header", err)
	}
	sw.offset += int64(n)

	n, err = sw.w.Write(payload)
	if err != nil {
		return objerrors.IoError("write", "block-payload", err)
	}
	sw.offset += int64(n)

	sw.blocks = append(sw.blocks, BlockInfo{
		Offset: blockOffset, UncompressedSize: hdr.UncompressedSize,
		CompressedSize: hdr.CompressedSize, ElementCount: hdr.ElementCount,
		ElementType: hdr.ElementType,
	})

	sw.totalElements += int64(len(sw.buf))
	sw.totalRawBytes += int64(len(raw))
	sw.bytesPerElement = float64(sw.totalRawBytes) / float64(sw.totalElements)

	sw.buf = sw.buf[:0]
	sw.bytes = 0
	return nil
}

// maybeCompress flate-compresses data, falling back to the raw bytes when
// the compressed size is not at least disableRatio smaller.
func maybeCompress(data []byte, disableRatio float64) ([]byte, uint8, error) {
	if len(data) == 0 {
		return data, 0, nil
	}
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, 0, objerrors.Internal("flate writer construction failed").WithCause(err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, 0, objerrors.IoError("compress", "block", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, objerrors.IoError("compress-close", "block", err)
	}

	ratio := float64(buf.Len()) / float64(len(data))
	if ratio > disableRatio {
		return data, 0, nil
	}
	return buf.Bytes(), flagCompressed, nil
}

// Close flushes any buffered elements and writes the segment's trailing
// footer. A SegmentWriter must not be used after Close.
func (sw *SegmentWriter) Close() error {
	if sw.closed {
		return nil
	}
	if err := sw.flush(); err != nil {
		return err
	}
	sw.closed = true

	footer := Footer{Version: FormatVersion, Blocks: sw.blocks}
	body := marshalFooter(footer)

	if _, err := sw.w.Write(body); err != nil {
		return objerrors.IoError("write", "footer-body", err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := sw.w.Write(lenBuf[:]); err != nil {
		return objerrors.IoError("write", "footer-length", err)
	}
	if _, err := sw.w.Write([]byte(footerMagic)); err != nil {
		return objerrors.IoError("write", "footer-magic", err)
	}

	if closer, ok := sw.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// TotalElements returns the number of elements written so far (including
// any not yet flushed to a block).
func (sw *SegmentWriter) TotalElements() int64 {
	return sw.totalElements + int64(len(sw.buf))
}
