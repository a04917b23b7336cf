package value

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// JSON renders v as a JSON-encodable value.
// Undefined becomes nil; Image becomes a base64-encoded object; DateTime
// becomes an object with seconds/utc_offset_half_hours.
func (v Value) JSON() ([]byte, error) {
	return json.Marshal(v.toJSONAny())
}

func (v Value) toJSONAny() interface{} {
	switch v.kind {
	case Undefined:
		return nil
	case Integer:
		return v.i
	case Float:
		return v.f
	case String:
		return v.s
	case Vector:
		return v.vec
	case List:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.toJSONAny()
		}
		return out
	case Dict:
		out := make(map[string]interface{}, len(v.dict))
		for _, e := range v.dict {
			out[e.Key.String()] = e.Val.toJSONAny()
		}
		return out
	case Image:
		if v.img == nil {
			return nil
		}
		return map[string]interface{}{
			"width":    v.img.Width,
			"height":   v.img.Height,
			"channels": v.img.Channels,
			"format":   v.img.Format,
			"data":     base64.StdEncoding.EncodeToString(v.img.Data),
		}
	case DateTime:
		return map[string]interface{}{
			"seconds":                v.dt.Seconds,
			"utc_offset_half_hours":  v.dt.UTCOffsetHalfHours,
		}
	default:
		return nil
	}
}

// CSVOptions configures CSV field emission, mirroring the engine's CSV
// reader/writer surface.
type CSVOptions struct {
	Delimiter   byte
	QuoteChar   byte
	EscapeChar  byte
	DoubleQuote bool
	NAText      string
}

// DefaultCSVOptions returns the engine's default CSV emission policy.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:   ',',
		QuoteChar:   '"',
		EscapeChar:  '\\',
		DoubleQuote: true,
		NAText:      "",
	}
}

// CSV renders v as one CSV field under opts, quoting/escaping as needed.
// Undefined renders as opts.NAText with no quoting.
func (v Value) CSV(opts CSVOptions) string {
	if v.IsNA() {
		return opts.NAText
	}
	raw := v.csvRaw()
	if !needsQuoting(raw, opts) {
		return raw
	}
	var b strings.Builder
	b.WriteByte(opts.QuoteChar)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == opts.QuoteChar {
			if opts.DoubleQuote {
				b.WriteByte(opts.QuoteChar)
				b.WriteByte(opts.QuoteChar)
			} else {
				b.WriteByte(opts.EscapeChar)
				b.WriteByte(opts.QuoteChar)
			}
			continue
		}
		if c == opts.EscapeChar && !opts.DoubleQuote {
			b.WriteByte(opts.EscapeChar)
			b.WriteByte(opts.EscapeChar)
			continue
		}
		b.WriteByte(c)
	}
	b.WriteByte(opts.QuoteChar)
	return b.String()
}

func (v Value) csvRaw() string {
	switch v.kind {
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case String:
		return v.s
	default:
		// Vector/List/Dict/Image/DateTime fall back to their JSON form so a
		// CSV sink never loses information for complex cells.
		js, err := v.JSON()
		if err != nil {
			return v.String()
		}
		return string(js)
	}
}

func needsQuoting(raw string, opts CSVOptions) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == opts.Delimiter || c == opts.QuoteChar || c == '\n' || c == '\r' {
			return true
		}
	}
	return false
}
