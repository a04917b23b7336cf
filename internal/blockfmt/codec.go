package blockfmt

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// encodeValue appends v's self-describing binary encoding to buf: a one-byte
// kind tag followed by the kind's payload. Undefined carries no payload, so
// element-level NA is represented without a separate bitmap.
func encodeValue(buf *bytes.Buffer, v value.Value) {
	buf.WriteByte(byte(v.Kind()))
	switch v.Kind() {
	case value.Undefined:
		// no payload
	case value.Integer:
		i, _ := v.AsInteger()
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutVarint(tmp[:], i)
		buf.Write(tmp[:n])
	case value.Float:
		f, _ := v.AsFloat()
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
		buf.Write(tmp[:])
	case value.String:
		s, _ := v.AsString()
		writeUvarintString(buf, s)
	case value.Vector:
		vec, _ := v.AsVector()
		writeUvarint(buf, uint64(len(vec)))
		var tmp [8]byte
		for _, e := range vec {
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(e))
			buf.Write(tmp[:])
		}
	case value.List:
		items, _ := v.AsList()
		writeUvarint(buf, uint64(len(items)))
		for _, it := range items {
			encodeValue(buf, it)
		}
	case value.Dict:
		entries, _ := v.AsDict()
		writeUvarint(buf, uint64(len(entries)))
		for _, e := range entries {
			encodeValue(buf, e.Key)
			encodeValue(buf, e.Val)
		}
	case value.Image:
		img, _ := v.AsImage()
		writeUvarint(buf, uint64(img.Width))
		writeUvarint(buf, uint64(img.Height))
		writeUvarint(buf, uint64(img.Channels))
		writeUvarintString(buf, img.Format)
		writeUvarint(buf, uint64(len(img.Data)))
		buf.Write(img.Data)
	case value.DateTime:
		dt, _ := v.AsDateTime()
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(dt.Seconds))
		buf.Write(tmp[:])
		var tmp2 [2]byte
		binary.LittleEndian.PutUint16(tmp2[:], uint16(dt.UTCOffsetHalfHours))
		buf.Write(tmp2[:])
	}
}

// decodeValue reads one self-describing value from r.
func decodeValue(r *bytes.Reader) (value.Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return value.Value{}, objerrors.FormatError("truncated value: missing kind tag").WithCause(err)
	}
	kind := value.Kind(kindByte)
	switch kind {
	case value.Undefined:
		return value.NewUndefined(), nil
	case value.Integer:
		i, err := binary.ReadVarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated integer value").WithCause(err)
		}
		return value.NewInteger(i), nil
	case value.Float:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return value.Value{}, objerrors.FormatError("truncated float value").WithCause(err)
		}
		return value.NewFloat(math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))), nil
	case value.String:
		s, err := readUvarintString(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewString(s), nil
	case value.Vector:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated vector length").WithCause(err)
		}
		vec := make([]float64, n)
		var tmp [8]byte
		for i := range vec {
			if _, err := io.ReadFull(r, tmp[:]); err != nil {
				return value.Value{}, objerrors.FormatError("truncated vector element").WithCause(err)
			}
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))
		}
		return value.NewVector(vec), nil
	case value.List:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated list length").WithCause(err)
		}
		items := make([]value.Value, n)
		for i := range items {
			item, err := decodeValue(r)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = item
		}
		return value.NewList(items), nil
	case value.Dict:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated dict length").WithCause(err)
		}
		entries := make([]value.DictEntry, n)
		for i := range entries {
			k, err := decodeValue(r)
			if err != nil {
				return value.Value{}, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return value.Value{}, err
			}
			entries[i] = value.DictEntry{Key: k, Val: v}
		}
		return value.NewDict(entries), nil
	case value.Image:
		w, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated image width").WithCause(err)
		}
		h, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated image height").WithCause(err)
		}
		c, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated image channels").WithCause(err)
		}
		format, err := readUvarintString(r)
		if err != nil {
			return value.Value{}, err
		}
		dataLen, err := binary.ReadUvarint(r)
		if err != nil {
			return value.Value{}, objerrors.FormatError("truncated image data length").WithCause(err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return value.Value{}, objerrors.FormatError("truncated image data").WithCause(err)
		}
		return value.NewImage(value.ImageData{Width: int(w), Height: int(h), Channels: int(c), Format: format, Data: data}), nil
	case value.DateTime:
		var secBuf [8]byte
		if _, err := io.ReadFull(r, secBuf[:]); err != nil {
			return value.Value{}, objerrors.FormatError("truncated datetime seconds").WithCause(err)
		}
		var offBuf [2]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return value.Value{}, objerrors.FormatError("truncated datetime offset").WithCause(err)
		}
		return value.NewDateTime(value.DateTimeData{
			Seconds:            int64(binary.LittleEndian.Uint64(secBuf[:])),
			UTCOffsetHalfHours: int16(binary.LittleEndian.Uint16(offBuf[:])),
		}), nil
	default:
		return value.Value{}, objerrors.FormatError("unknown value kind tag").WithDetail("kind", kindByte)
	}
}

func writeUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	m := binary.PutUvarint(tmp[:], n)
	buf.Write(tmp[:m])
}

func writeUvarintString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readUvarintString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", objerrors.FormatError("truncated string length").WithCause(err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", objerrors.FormatError("truncated string bytes").WithCause(err)
	}
	return string(data), nil
}

// encodeBlockPayload encodes elements as count-prefixed self-describing
// values (the uncompressed block body).
func encodeBlockPayload(elements []value.Value) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(elements)))
	for _, v := range elements {
		encodeValue(&buf, v)
	}
	return buf.Bytes()
}

// decodeBlockPayload decodes a block body produced by encodeBlockPayload.
func decodeBlockPayload(data []byte) ([]value.Value, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, objerrors.FormatError("truncated block element count").WithCause(err)
	}
	elements := make([]value.Value, n)
	for i := range elements {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		elements[i] = v
	}
	return elements, nil
}
