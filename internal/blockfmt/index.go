package blockfmt

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// iniSection is one `[name]` block of an INI-style index file: an ordered
// list of key=value lines (order matters for `segment_sizes`/`column_names`
// sequences).
type iniSection struct {
	name string
	keys []string
	vals map[string]string
}

func newSection(name string) *iniSection {
	return &iniSection{name: name, vals: make(map[string]string)}
}

func (s *iniSection) set(key, val string) {
	if _, exists := s.vals[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.vals[key] = val
}

// parseINI reads a minimal INI dialect: `[section]` headers, `key = value`
// lines, blank lines and `#`/`;`-prefixed comments ignored. The format's
// ordered-sequence sections (`segment_sizes`, `column_names`) don't map
// onto a generic INI library's key/value model, so parsing is hand-rolled.
func parseINI(r io.Reader) ([]*iniSection, error) {
	scanner := bufio.NewScanner(r)
	var sections []*iniSection
	var current *iniSection

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = newSection(strings.TrimSpace(line[1 : len(line)-1]))
			sections = append(sections, current)
			continue
		}
		if current == nil {
			return nil, objerrors.FormatError("index file: key/value line before any [section]")
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, objerrors.FormatError("index file: malformed line (missing '=')").WithDetail("line", line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		current.set(key, val)
	}
	if err := scanner.Err(); err != nil {
		return nil, objerrors.IoError("scan", "index", err)
	}
	return sections, nil
}

func writeINI(w io.Writer, sections []*iniSection) error {
	for i, s := range sections {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return objerrors.IoError("write", "index", err)
			}
		}
		if _, err := fmt.Fprintf(w, "[%s]\n", s.name); err != nil {
			return objerrors.IoError("write", "index", err)
		}
		for _, k := range s.keys {
			if _, err := fmt.Fprintf(w, "%s = %s\n", k, s.vals[k]); err != nil {
				return objerrors.IoError("write", "index", err)
			}
		}
	}
	return nil
}

func findSection(sections []*iniSection, name string) *iniSection {
	for _, s := range sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

// orderedSequence returns a section's key=value pairs ordered by numeric key
// (the `[segment_sizes]`/`[column_names]` convention: keys "0", "1", "2"...).
func orderedSequence(s *iniSection) []string {
	if s == nil {
		return nil
	}
	keys := append([]string(nil), s.keys...)
	sort.Slice(keys, func(i, j int) bool {
		ni, erri := strconv.Atoi(keys[i])
		nj, errj := strconv.Atoi(keys[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.vals[k]
	}
	return out
}

func metadataMap(s *iniSection) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(s.keys))
	for _, k := range s.keys {
		out[k] = s.vals[k]
	}
	return out
}

// ColumnIndex is the parsed form of an SArray's INI index file:
// format version, element type, segment count, per-segment row counts and
// relative segment file paths, plus a free-form metadata dictionary.
type ColumnIndex struct {
	Version      int
	ElementType  value.Kind
	SegmentSizes []int64
	SegmentPaths []string
	Metadata     map[string]string
}

// WriteColumnIndex serializes idx in the `[sarray]` INI dialect.
func WriteColumnIndex(w io.Writer, idx ColumnIndex) error {
	main := newSection("sarray")
	main.set("version", strconv.Itoa(idx.Version))
	main.set("element_type", idx.ElementType.String())
	main.set("segment_count", strconv.Itoa(len(idx.SegmentSizes)))

	sizes := newSection("segment_sizes")
	for i, n := range idx.SegmentSizes {
		sizes.set(strconv.Itoa(i), strconv.FormatInt(n, 10))
	}

	paths := newSection("segments")
	for i, p := range idx.SegmentPaths {
		paths.set(strconv.Itoa(i), p)
	}

	meta := newSection("metadata")
	for _, k := range sortedKeys(idx.Metadata) {
		meta.set(k, idx.Metadata[k])
	}

	return writeINI(w, []*iniSection{main, sizes, paths, meta})
}

// ReadColumnIndex parses a `[sarray]` INI index file.
func ReadColumnIndex(r io.Reader) (ColumnIndex, error) {
	sections, err := parseINI(r)
	if err != nil {
		return ColumnIndex{}, err
	}
	main := findSection(sections, "sarray")
	if main == nil {
		return ColumnIndex{}, objerrors.FormatError("index file missing [sarray] section")
	}

	version, err := strconv.Atoi(main.vals["version"])
	if err != nil {
		return ColumnIndex{}, objerrors.FormatError("index file: bad version").WithCause(err)
	}
	elementType, ok := parseKindName(main.vals["element_type"])
	if !ok {
		return ColumnIndex{}, objerrors.FormatError("index file: unknown element_type").WithDetail("value", main.vals["element_type"])
	}

	sizesStrs := orderedSequence(findSection(sections, "segment_sizes"))
	sizes := make([]int64, len(sizesStrs))
	for i, s := range sizesStrs {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ColumnIndex{}, objerrors.FormatError("index file: bad segment size").WithCause(err)
		}
		sizes[i] = n
	}

	paths := orderedSequence(findSection(sections, "segments"))

	return ColumnIndex{
		Version: version, ElementType: elementType,
		SegmentSizes: sizes, SegmentPaths: paths,
		Metadata: metadataMap(findSection(sections, "metadata")),
	}, nil
}

// SFrameIndex is the parsed form of an SFrame's INI index file:
// version, column count and row count, ordered column names and their
// per-column index file paths, plus free-form metadata.
type SFrameIndex struct {
	Version     int
	NumRows     int64
	ColumnNames []string
	ColumnFiles []string
	Metadata    map[string]string
}

// WriteSFrameIndex serializes idx in the `[sframe]` INI dialect.
func WriteSFrameIndex(w io.Writer, idx SFrameIndex) error {
	main := newSection("sframe")
	main.set("version", strconv.Itoa(idx.Version))
	main.set("num_columns", strconv.Itoa(len(idx.ColumnNames)))
	main.set("num_rows", strconv.FormatInt(idx.NumRows, 10))

	names := newSection("column_names")
	for i, n := range idx.ColumnNames {
		names.set(strconv.Itoa(i), n)
	}

	files := newSection("column_files")
	for i, f := range idx.ColumnFiles {
		files.set(strconv.Itoa(i), f)
	}

	meta := newSection("metadata")
	for _, k := range sortedKeys(idx.Metadata) {
		meta.set(k, idx.Metadata[k])
	}

	return writeINI(w, []*iniSection{main, names, files, meta})
}

// ReadSFrameIndex parses a `[sframe]` INI index file.
func ReadSFrameIndex(r io.Reader) (SFrameIndex, error) {
	sections, err := parseINI(r)
	if err != nil {
		return SFrameIndex{}, err
	}
	main := findSection(sections, "sframe")
	if main == nil {
		return SFrameIndex{}, objerrors.FormatError("index file missing [sframe] section")
	}

	version, err := strconv.Atoi(main.vals["version"])
	if err != nil {
		return SFrameIndex{}, objerrors.FormatError("index file: bad version").WithCause(err)
	}
	numRows, err := strconv.ParseInt(main.vals["num_rows"], 10, 64)
	if err != nil {
		return SFrameIndex{}, objerrors.FormatError("index file: bad num_rows").WithCause(err)
	}

	names := orderedSequence(findSection(sections, "column_names"))
	files := orderedSequence(findSection(sections, "column_files"))
	if len(names) != len(files) {
		return SFrameIndex{}, objerrors.FormatError("index file: column_names/column_files length mismatch")
	}

	return SFrameIndex{
		Version: version, NumRows: numRows,
		ColumnNames: names, ColumnFiles: files,
		Metadata: metadataMap(findSection(sections, "metadata")),
	}, nil
}

func parseKindName(name string) (value.Kind, bool) {
	switch name {
	case "undefined":
		return value.Undefined, true
	case "integer":
		return value.Integer, true
	case "float":
		return value.Float, true
	case "string":
		return value.String, true
	case "vector":
		return value.Vector, true
	case "list":
		return value.List, true
	case "dict":
		return value.Dict, true
	case "image":
		return value.Image, true
	case "datetime":
		return value.DateTime, true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
