// Package value implements the flexible value type: the tagged dynamic cell
// value used throughout the engine for column elements, groupby/join keys,
// and reducer outputs.
package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	Undefined Kind = iota
	Integer
	Float
	String
	Vector
	List
	Dict
	Image
	DateTime
)

func (k Kind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case String:
		return "string"
	case Vector:
		return "vector"
	case List:
		return "list"
	case Dict:
		return "dict"
	case Image:
		return "image"
	case DateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// ImageData is the image-blob variant payload.
type ImageData struct {
	Width    int
	Height   int
	Channels int
	Format   string
	Data     []byte
}

// DateTimeData is the (seconds-since-epoch, half-hour UTC offset) variant
// payload.
type DateTimeData struct {
	Seconds      int64
	UTCOffsetHalfHours int16
}

// DictEntry is one key/value pair of a Dict-kind Value. Keys and values are
// themselves Values.
type DictEntry struct {
	Key Value
	Val Value
}

// Value is the tagged dynamic cell value. The zero Value is Undefined (null).
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	vec  []float64
	list []Value
	dict []DictEntry
	img  *ImageData
	dt   DateTimeData
}

// NewUndefined returns the undefined (null) value.
func NewUndefined() Value { return Value{kind: Undefined} }

// NewInteger wraps a signed integer.
func NewInteger(i int64) Value { return Value{kind: Integer, i: i} }

// NewFloat wraps a double. NaN is a valid float and reports IsNA() == true.
func NewFloat(f float64) Value { return Value{kind: Float, f: f} }

// NewString wraps a UTF-8 string.
func NewString(s string) Value { return Value{kind: String, s: s} }

// NewVector wraps a homogeneous double vector. The slice is copied.
func NewVector(v []float64) Value {
	cp := make([]float64, len(v))
	copy(cp, v)
	return Value{kind: Vector, vec: cp}
}

// NewList wraps a heterogeneous list of values. The slice is copied.
func NewList(items []Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: List, list: cp}
}

// NewDict wraps an unordered key->value dictionary. Entries are copied;
// insertion order is retained for iteration but never affects equality or
// hashing.
func NewDict(entries []DictEntry) Value {
	cp := make([]DictEntry, len(entries))
	copy(cp, entries)
	return Value{kind: Dict, dict: cp}
}

// NewImage wraps an image blob.
func NewImage(img ImageData) Value {
	cpy := img
	cpy.Data = append([]byte(nil), img.Data...)
	return Value{kind: Image, img: &cpy}
}

// NewDateTime wraps a (seconds, half-hour offset) date-time.
func NewDateTime(dt DateTimeData) Value { return Value{kind: DateTime, dt: dt} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNA reports whether v is undefined or a NaN float; both count as
// missing.
func (v Value) IsNA() bool {
	if v.kind == Undefined {
		return true
	}
	if v.kind == Float {
		return math.IsNaN(v.f)
	}
	return false
}

// IsZero reports whether v is the numeric or empty-collection zero value for
// its kind.
func (v Value) IsZero() bool {
	switch v.kind {
	case Undefined:
		return true
	case Integer:
		return v.i == 0
	case Float:
		return v.f == 0
	case String:
		return v.s == ""
	case Vector:
		return len(v.vec) == 0
	case List:
		return len(v.list) == 0
	case Dict:
		return len(v.dict) == 0
	default:
		return false
	}
}

// AsInteger returns the wrapped integer, promoting from Float when exact.
func (v Value) AsInteger() (int64, bool) {
	switch v.kind {
	case Integer:
		return v.i, true
	case Float:
		return int64(v.f), true
	default:
		return 0, false
	}
}

// AsFloat returns the wrapped value as a float64, promoting from Integer.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case Integer:
		return float64(v.i), true
	case Float:
		return v.f, true
	default:
		return 0, false
	}
}

// AsString returns the wrapped string.
func (v Value) AsString() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.s, true
}

// AsVector returns the wrapped double vector.
func (v Value) AsVector() ([]float64, bool) {
	if v.kind != Vector {
		return nil, false
	}
	return v.vec, true
}

// AsList returns the wrapped heterogeneous list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != List {
		return nil, false
	}
	return v.list, true
}

// AsDict returns the wrapped dictionary entries in insertion order.
func (v Value) AsDict() ([]DictEntry, bool) {
	if v.kind != Dict {
		return nil, false
	}
	return v.dict, true
}

// AsImage returns the wrapped image blob.
func (v Value) AsImage() (ImageData, bool) {
	if v.kind != Image || v.img == nil {
		return ImageData{}, false
	}
	return *v.img, true
}

// AsDateTime returns the wrapped date-time.
func (v Value) AsDateTime() (DateTimeData, bool) {
	if v.kind != DateTime {
		return DateTimeData{}, false
	}
	return v.dt, true
}

// Equal reports structural equality. No cross-kind coercion: an Integer
// never equals a String or Float holding the same numeric text.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case Undefined:
		return true
	case Integer:
		return v.i == other.i
	case Float:
		if math.IsNaN(v.f) && math.IsNaN(other.f) {
			return true
		}
		return v.f == other.f
	case String:
		return v.s == other.s
	case Vector:
		if len(v.vec) != len(other.vec) {
			return false
		}
		for i := range v.vec {
			if v.vec[i] != other.vec[i] {
				return false
			}
		}
		return true
	case List:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case Dict:
		return dictEqual(v.dict, other.dict)
	case Image:
		a, b := v.img, other.img
		if a == nil || b == nil {
			return a == b
		}
		return a.Width == b.Width && a.Height == b.Height && a.Channels == b.Channels &&
			a.Format == b.Format && string(a.Data) == string(b.Data)
	case DateTime:
		return v.dt == other.dt
	default:
		return false
	}
}

func dictEqual(a, b []DictEntry) bool {
	if len(a) != len(b) {
		return false
	}
	matched := make([]bool, len(b))
	for _, ea := range a {
		found := false
		for j, eb := range b {
			if matched[j] {
				continue
			}
			if ea.Key.Equal(eb.Key) && ea.Val.Equal(eb.Val) {
				matched[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// undefinedHash64 is the fixed hash constant for the undefined value, per
// the property that hash64(undefined) never varies across calls in a
// process.
const undefinedHash64Seed = "sframecore::flexible-value::undefined"

// Hash64 computes a 64-bit hash consistent with Equal: distinct kinds never
// collide with each other by construction (the kind tag is mixed into the
// hash input), and undefined always hashes to the same constant.
func (v Value) Hash64() uint64 {
	if v.kind == Undefined {
		return xxhash.Sum64String(undefinedHash64Seed)
	}
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(v.kind)})
	writeHashPayload(h, v)
	return h.Sum64()
}

// Hash128 computes a 128-bit hash as two independent 64-bit halves. The high
// half need not equal Hash64 but both halves
// are deterministic for a given process build.
func (v Value) Hash128() (hi, lo uint64) {
	lo = v.Hash64()
	if v.kind == Undefined {
		return xxhash.Sum64String(undefinedHash64Seed + "::hi"), lo
	}
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(v.kind), 0xff})
	writeHashPayload(h, v)
	return h.Sum64(), lo
}

func writeHashPayload(h *xxhash.Digest, v Value) {
	var buf [8]byte
	switch v.kind {
	case Integer:
		binary.LittleEndian.PutUint64(buf[:], uint64(v.i))
		_, _ = h.Write(buf[:])
	case Float:
		f := v.f
		if math.IsNaN(f) {
			f = math.NaN() // canonical NaN bit pattern
		}
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		_, _ = h.Write(buf[:])
	case String:
		_, _ = h.Write([]byte(v.s))
	case Vector:
		for _, e := range v.vec {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(e))
			_, _ = h.Write(buf[:])
		}
	case List:
		for _, e := range v.list {
			eh := e.Hash64()
			binary.LittleEndian.PutUint64(buf[:], eh)
			_, _ = h.Write(buf[:])
		}
	case Dict:
		// Order-independent: XOR-fold per-entry hashes.
		var fold uint64
		for _, e := range v.dict {
			eh := mix(e.Key.Hash64(), e.Val.Hash64())
			fold ^= eh
		}
		binary.LittleEndian.PutUint64(buf[:], fold)
		_, _ = h.Write(buf[:])
	case Image:
		if v.img != nil {
			binary.LittleEndian.PutUint64(buf[:], uint64(v.img.Width)<<32|uint64(v.img.Height))
			_, _ = h.Write(buf[:])
			_, _ = h.Write([]byte(v.img.Format))
			_, _ = h.Write(v.img.Data)
		}
	case DateTime:
		binary.LittleEndian.PutUint64(buf[:], uint64(v.dt.Seconds))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint16(buf[:2], uint16(v.dt.UTCOffsetHalfHours))
		_, _ = h.Write(buf[:2])
	}
}

func mix(a, b uint64) uint64 {
	// A simple odd-constant multiply/rotate combiner; not cryptographic,
	// just enough to decorrelate key hash from value hash before folding.
	a ^= b + 0x9E3779B97F4A7C15 + (a << 6) + (a >> 2)
	return a
}

// Compare returns (cmp, ok). ok is false when an ordering is not meaningful
// between the two values (different kinds, except Integer/Float which are
// numerically comparable). cmp follows the usual -1/0/1 convention.
func (v Value) Compare(other Value) (int, bool) {
	if v.kind == Integer && other.kind == Integer {
		switch {
		case v.i < other.i:
			return -1, true
		case v.i > other.i:
			return 1, true
		default:
			return 0, true
		}
	}
	if (v.kind == Integer || v.kind == Float) && (other.kind == Integer || other.kind == Float) {
		a, _ := v.AsFloat()
		b, _ := other.AsFloat()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}
	if v.kind != other.kind {
		return 0, false
	}
	switch v.kind {
	case String:
		return strings.Compare(v.s, other.s), true
	case DateTime:
		switch {
		case v.dt.Seconds < other.dt.Seconds:
			return -1, true
		case v.dt.Seconds > other.dt.Seconds:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

// String renders a debug representation of v.
func (v Value) String() string {
	switch v.kind {
	case Undefined:
		return "None"
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case String:
		return v.s
	case Vector:
		parts := make([]string, len(v.vec))
		for i, e := range v.vec {
			parts[i] = strconv.FormatFloat(e, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case List:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Dict:
		parts := make([]string, len(v.dict))
		for i, e := range v.dict {
			parts[i] = fmt.Sprintf("%s: %s", e.Key.String(), e.Val.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case Image:
		if v.img == nil {
			return "Image()"
		}
		return fmt.Sprintf("Image(%dx%d %s)", v.img.Width, v.img.Height, v.img.Format)
	case DateTime:
		return fmt.Sprintf("DateTime(%d%+d:30h)", v.dt.Seconds, v.dt.UTCOffsetHalfHours)
	default:
		return "?"
	}
}

// SortedDictKeys returns the dict's entries sorted by key hash, useful when a
// caller needs a deterministic iteration order for display/testing without
// changing equality semantics.
func (v Value) SortedDictKeys() []DictEntry {
	entries, ok := v.AsDict()
	if !ok {
		return nil
	}
	out := append([]DictEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Hash64() < out[j].Key.Hash64() })
	return out
}
