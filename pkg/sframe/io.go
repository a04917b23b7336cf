package sframe

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/colio"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"
)

// Write persists f to dir: one column file per column plus an `[sframe]`
// index file at dir/index.sframe referencing them by path relative to
// dir. dir is created if it does not already exist.
func (f *SFrame) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return objerrors.IoError("mkdir", dir, err)
	}
	rows, err := f.collectRows()
	if err != nil {
		return err
	}
	schema := f.node.Schema
	columnFiles := make([]string, len(schema))
	for col, colSchema := range schema {
		i := 0
		next := func() (value.Value, bool, error) {
			if i >= len(rows) {
				return value.Value{}, false, nil
			}
			v := rows[i][col]
			i++
			return v, true, nil
		}
		indexPath, err := blockfmt.WriteColumnFile(dir, colSchema.Name, colSchema.Type, next, f.rt.Config.BlockFormat, f.rt.Config.Storage.DefaultSegmentCount)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, indexPath)
		if err != nil {
			rel = indexPath
		}
		columnFiles[col] = rel
	}

	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	numRows := int64(len(rows))

	indexPath := filepath.Join(dir, "index.sframe")
	out, err := os.Create(indexPath)
	if err != nil {
		return objerrors.IoError("create", indexPath, err)
	}
	defer out.Close()
	return blockfmt.WriteSFrameIndex(out, blockfmt.SFrameIndex{
		Version:     1,
		NumRows:     numRows,
		ColumnNames: names,
		ColumnFiles: columnFiles,
		Metadata:    map[string]string{},
	})
}

// Open loads an SFrame backed by an on-disk `[sframe]` index file at
// indexPath.
func Open(rtx *rt.Context, indexPath string) (*SFrame, error) {
	in, err := os.Open(indexPath)
	if err != nil {
		return nil, objerrors.OpenError(indexPath, err)
	}
	idx, err := blockfmt.ReadSFrameIndex(in)
	in.Close()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(indexPath)
	children := make([]*lazy.Node, len(idx.ColumnNames))
	readers := make([]*blockfmt.MultiSegmentReader, 0, len(idx.ColumnNames))
	var owned []string
	closeOpened := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	for i, colFile := range idx.ColumnFiles {
		path := colFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		mr, colIdx, err := blockfmt.OpenColumnFile(path)
		if err != nil {
			closeOpened()
			return nil, err
		}
		readers = append(readers, mr)
		owned = append(owned, path)
		colDir := filepath.Dir(path)
		for _, rel := range colIdx.SegmentPaths {
			if filepath.IsAbs(rel) {
				owned = append(owned, rel)
			} else {
				owned = append(owned, filepath.Join(colDir, rel))
			}
		}
		schema := []lazy.ColumnSchema{{Name: "value", Type: colIdx.ElementType}}
		node, err := lazy.NewSource(schema, []lazy.ColumnReader{colio.Multi(mr)})
		if err != nil {
			closeOpened()
			return nil, err
		}
		children[i] = identityTransform(node, idx.ColumnNames[i])
	}
	node, err := lazy.NewZip(children...)
	if err != nil {
		closeOpened()
		return nil, err
	}
	h := rtx.Handles.Register(indexPath, owned...)
	return &SFrame{rt: rtx, node: node, handle: h, readers: readers}, nil
}

// Materialize forces evaluation of the lazy node and writes the result to a
// new set of column files under the engine's work directory, returning a
// new SFrame backed by them. Already
// materialized SFrames return a handle sharing the same files.
func (f *SFrame) Materialize() (*SFrame, error) {
	if f.IsMaterialized() {
		// Share the files through a retained reference; the readers stay
		// owned by f.
		return &SFrame{rt: f.rt, node: f.node, handle: f.handle.Retain()}, nil
	}
	dir := workSubdir(f.rt, "sframe")
	if err := f.Write(dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	out, err := Open(f.rt, filepath.Join(dir, "index.sframe"))
	if err != nil {
		return nil, err
	}
	out.handle.MarkForDelete()
	return out, nil
}

// ReadCSV parses a CSV file into an SFrame. Column names come from the
// header row; each column's type is
// inferred from its values (Integer if every non-NA value parses as an
// integer, Float if every non-NA value parses as a float, String
// otherwise), matching cfg.CSV's delimiter and NA-value conventions.
func ReadCSV(rtx *rt.Context, path string) (*SFrame, error) {
	cfg := rtx.Config.CSV
	in, err := os.Open(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err)
	}
	defer in.Close()

	r := csv.NewReader(in)
	if cfg.Delimiter != "" {
		r.Comma = rune(cfg.Delimiter[0])
	}
	r.TrimLeadingSpace = cfg.SkipInitialSpace
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, objerrors.FormatError("csv: failed to read header").WithURL(path).WithCause(err)
	}

	isNA := make(map[string]bool, len(cfg.NAValues))
	for _, v := range cfg.NAValues {
		isNA[v] = true
	}

	var raw [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, objerrors.FormatError("csv: read error").WithURL(path).WithCause(err)
		}
		raw = append(raw, rec)
	}

	numCols := len(header)
	kinds := make([]value.Kind, numCols)
	for c := 0; c < numCols; c++ {
		kinds[c] = inferColumnKind(raw, c, isNA)
	}

	rows := make([]lazy.Row, len(raw))
	for ri, rec := range raw {
		row := make(lazy.Row, numCols)
		for c := 0; c < numCols; c++ {
			var field string
			if c < len(rec) {
				field = rec[c]
			}
			row[c] = parseCSVField(field, kinds[c], isNA)
		}
		rows[ri] = row
	}

	schema := make([]lazy.ColumnSchema, numCols)
	for i, name := range header {
		schema[i] = lazy.ColumnSchema{Name: name, Type: kinds[i]}
	}
	return wrap(rtx, lazy.NewMemorySource(schema, rows)), nil
}

func inferColumnKind(raw [][]string, col int, isNA map[string]bool) value.Kind {
	sawAny := false
	allInt, allFloat := true, true
	for _, rec := range raw {
		var field string
		if col < len(rec) {
			field = rec[col]
		}
		if isNA[field] {
			continue
		}
		sawAny = true
		if _, err := strconv.ParseInt(field, 10, 64); err != nil {
			allInt = false
		}
		if _, err := strconv.ParseFloat(field, 64); err != nil {
			allFloat = false
		}
	}
	if !sawAny {
		return value.String
	}
	if allInt {
		return value.Integer
	}
	if allFloat {
		return value.Float
	}
	return value.String
}

func parseCSVField(field string, kind value.Kind, isNA map[string]bool) value.Value {
	if isNA[field] {
		return value.NewUndefined()
	}
	switch kind {
	case value.Integer:
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return value.NewUndefined()
		}
		return value.NewInteger(n)
	case value.Float:
		n, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return value.NewUndefined()
		}
		return value.NewFloat(n)
	default:
		return value.NewString(field)
	}
}

// WriteCSV writes f to path in CSV form, honoring cfg's delimiter/quoting
// conventions.
func (f *SFrame) WriteCSV(path string) error {
	cfg := f.rt.Config.CSV
	out, err := os.Create(path)
	if err != nil {
		return objerrors.IoError("create", path, err)
	}
	defer out.Close()

	opts := value.CSVOptions{
		Delimiter:   cfg.Delimiter[0],
		QuoteChar:   cfg.QuoteChar[0],
		EscapeChar:  cfg.EscapeChar[0],
		DoubleQuote: cfg.DoubleQuote,
	}
	if len(cfg.NAValues) > 0 {
		opts.NAText = cfg.NAValues[0]
	}

	names := f.ColumnNames()
	if _, err := fmt.Fprintln(out, joinCSVRow(names, opts)); err != nil {
		return objerrors.IoError("write", path, err)
	}

	writeErr := f.pull(func(row lazy.Row) error {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = v.CSV(opts)
		}
		_, err := fmt.Fprintln(out, joinCSVRow(fields, opts))
		return err
	})
	if writeErr != nil {
		return objerrors.IoError("write", path, writeErr)
	}
	return nil
}

func joinCSVRow(fields []string, opts value.CSVOptions) string {
	var b []byte
	for i, field := range fields {
		if i > 0 {
			b = append(b, opts.Delimiter)
		}
		b = append(b, field...)
	}
	return string(b)
}

// ReadJSON parses a JSON array of objects into an SFrame, one row per array
// element. Column names and order come from the
// first element's keys; missing keys in later rows become Undefined.
func ReadJSON(rtx *rt.Context, path string) (*SFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err)
	}
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, objerrors.FormatError("json: expected an array of objects").WithURL(path).WithCause(err)
	}
	if len(raw) == 0 {
		return nil, objerrors.ConfigError("json: input has no rows").WithURL(path)
	}

	var names []string
	seen := map[string]bool{}
	for _, obj := range raw {
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}

	kinds := make([]value.Kind, len(names))
	for i, name := range names {
		kinds[i] = value.Undefined
		for _, obj := range raw {
			if v, ok := obj[name]; ok && v != nil {
				kinds[i] = jsonAnyKind(v)
				break
			}
		}
	}

	rows := make([]lazy.Row, len(raw))
	for ri, obj := range raw {
		row := make(lazy.Row, len(names))
		for ci, name := range names {
			if v, ok := obj[name]; ok {
				row[ci] = fromJSONAny(v)
			} else {
				row[ci] = value.NewUndefined()
			}
		}
		rows[ri] = row
	}

	schema := make([]lazy.ColumnSchema, len(names))
	for i, name := range names {
		schema[i] = lazy.ColumnSchema{Name: name, Type: kinds[i]}
	}
	return wrap(rtx, lazy.NewMemorySource(schema, rows)), nil
}

func jsonAnyKind(v interface{}) value.Kind {
	switch vv := v.(type) {
	case float64:
		if vv == float64(int64(vv)) {
			return value.Integer
		}
		return value.Float
	case string:
		return value.String
	case []interface{}:
		return value.List
	case map[string]interface{}:
		return value.Dict
	default:
		return value.Undefined
	}
}

func fromJSONAny(v interface{}) value.Value {
	switch vv := v.(type) {
	case nil:
		return value.NewUndefined()
	case float64:
		if vv == float64(int64(vv)) {
			return value.NewInteger(int64(vv))
		}
		return value.NewFloat(vv)
	case string:
		return value.NewString(vv)
	case bool:
		if vv {
			return value.NewInteger(1)
		}
		return value.NewInteger(0)
	case []interface{}:
		items := make([]value.Value, len(vv))
		for i, e := range vv {
			items[i] = fromJSONAny(e)
		}
		return value.NewList(items)
	case map[string]interface{}:
		var entries []value.DictEntry
		for k, e := range vv {
			entries = append(entries, value.DictEntry{Key: value.NewString(k), Val: fromJSONAny(e)})
		}
		return value.NewDict(entries)
	default:
		return value.NewUndefined()
	}
}

// WriteJSON writes f as a JSON array of objects, one per row.
func (f *SFrame) WriteJSON(path string) error {
	names := f.ColumnNames()
	var out []map[string]interface{}
	err := f.pull(func(row lazy.Row) error {
		obj := make(map[string]interface{}, len(names))
		for i, name := range names {
			js, jerr := row[i].JSON()
			if jerr != nil {
				return jerr
			}
			var any interface{}
			if err := json.Unmarshal(js, &any); err != nil {
				return err
			}
			obj[name] = any
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return objerrors.Internal("json: marshal failed").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return objerrors.IoError("write", path, err)
	}
	return nil
}
