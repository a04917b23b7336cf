package sframe

import (
	"context"
	"path/filepath"

	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/sarray"
	"github.com/sframecore/engine/pkg/value"
)

// splitMix64 is the same minimal seeded PRNG pkg/sarray uses for Sample, so
// sample/random_split reproducibility follows the same contract whether the
// caller samples a single column or a whole row set.
type splitMix64 struct{ state uint64 }

func newSplitMix64(seed uint64) *splitMix64 { return &splitMix64{state: seed} }

func (s *splitMix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (s *splitMix64) float64() float64 { return float64(s.next()>>11) / (1 << 53) }

// pull drives the node to completion and invokes fn for each row in order.
func (f *SFrame) pull(fn func(row lazy.Row) error) error {
	src, err := exec.Execute(context.Background(), f.node, f.rt.Degree)
	if err != nil {
		return err
	}
	defer src.Close()
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// collectRows forces full evaluation and returns every row in order.
func (f *SFrame) collectRows() ([]lazy.Row, error) {
	var out []lazy.Row
	if n, ok := f.NumRows(); ok {
		out = make([]lazy.Row, 0, n)
	}
	err := f.pull(func(row lazy.Row) error {
		out = append(out, row)
		return nil
	})
	return out, err
}

// maskTruthy reports whether a mask element counts as "keep" (mirrors
// pkg/sarray's convention: non-missing and non-zero).
func maskTruthy(v value.Value) bool {
	if v.IsNA() {
		return false
	}
	return !v.IsZero()
}

// LogicalFilter keeps rows where the aligned mask SArray is truthy. An
// all-false mask yields zero rows while preserving the schema, without
// forcing f itself to materialize — only the mask is collected up front.
func (f *SFrame) LogicalFilter(maskCol *sarray.SArray) (*SFrame, error) {
	maskValues, err := maskCol.Collect()
	if err != nil {
		return nil, err
	}
	node := lazy.NewLogicalFilter(f.node, func(row lazy.Row, index int64) (bool, error) {
		if index < 0 || int(index) >= len(maskValues) {
			return false, objerrors.RangeError("logical_filter: mask shorter than source")
		}
		return maskTruthy(maskValues[index]), nil
	})
	return wrap(f.rt, node), nil
}

// RowTransformFunc maps one input row to one output row, possibly of a
// different schema.
type RowTransformFunc func([]value.Value) ([]value.Value, error)

// TransformRow applies fn row-wise, lazily.
func (f *SFrame) TransformRow(outSchema []lazy.ColumnSchema, fn RowTransformFunc) *SFrame {
	node := lazy.NewTransform(f.node, outSchema, func(row lazy.Row) (lazy.Row, error) {
		out, err := fn([]value.Value(row))
		if err != nil {
			return nil, err
		}
		return lazy.Row(out), nil
	})
	return wrap(f.rt, node)
}

// RowFlatMapFunc maps one input row to zero or more output rows.
type RowFlatMapFunc func([]value.Value) ([][]value.Value, error)

// FlatMap applies fn row-wise, producing zero or more output rows per input
// row.
func (f *SFrame) FlatMap(outSchema []lazy.ColumnSchema, fn RowFlatMapFunc) *SFrame {
	node := lazy.NewFlatMap(f.node, outSchema, func(row lazy.Row) ([]lazy.Row, error) {
		rows, err := fn([]value.Value(row))
		if err != nil {
			return nil, err
		}
		out := make([]lazy.Row, len(rows))
		for i, r := range rows {
			out[i] = lazy.Row(r)
		}
		return out, nil
	})
	return wrap(f.rt, node)
}

// Sample keeps each row independently with probability frac, using seed for
// reproducibility.
func (f *SFrame) Sample(frac float64, seed int64) (*SFrame, error) {
	if frac < 0 || frac > 1 {
		return nil, objerrors.RangeError("sample: frac must be in [0,1]")
	}
	rows, err := f.collectRows()
	if err != nil {
		return nil, err
	}
	rng := newSplitMix64(uint64(seed))
	var kept []lazy.Row
	for _, row := range rows {
		if rng.float64() < frac {
			kept = append(kept, row)
		}
	}
	return wrap(f.rt, lazy.NewMemorySource(f.node.Schema, kept)), nil
}

// RandomSplit partitions rows into two SFrames by an independent per-row
// coin flip at the given fraction and seed: approximately frac of rows
// land in the first result, the rest in the second.
func (f *SFrame) RandomSplit(frac float64, seed int64) (*SFrame, *SFrame, error) {
	if frac < 0 || frac > 1 {
		return nil, nil, objerrors.RangeError("random_split: frac must be in [0,1]")
	}
	rows, err := f.collectRows()
	if err != nil {
		return nil, nil, err
	}
	rng := newSplitMix64(uint64(seed))
	var a, b []lazy.Row
	for _, row := range rows {
		if rng.float64() < frac {
			a = append(a, row)
		} else {
			b = append(b, row)
		}
	}
	return wrap(f.rt, lazy.NewMemorySource(f.node.Schema, a)), wrap(f.rt, lazy.NewMemorySource(f.node.Schema, b)), nil
}

// Append concatenates f and other row-wise, lazily.
// Both SFrames must share the same column names and types in order.
func (f *SFrame) Append(other *SFrame) (*SFrame, error) {
	if len(f.node.Schema) != len(other.node.Schema) {
		return nil, objerrors.TypeError("append: column count mismatch")
	}
	for i, c := range f.node.Schema {
		oc := other.node.Schema[i]
		if c.Name != oc.Name || c.Type != oc.Type {
			return nil, objerrors.TypeError("append: schema mismatch").
				WithDetail("column", c.Name).WithDetail("other", oc.Name)
		}
	}
	node, err := lazy.NewAppend(f.node, other.node)
	if err != nil {
		return nil, err
	}
	return wrap(f.rt, node), nil
}

// CopyRange returns rows [start, end) taken every step rows. step must be >= 1.
func (f *SFrame) CopyRange(start, step, end int64) (*SFrame, error) {
	if step < 1 {
		return nil, objerrors.ConfigError("copy_range: step must be >= 1")
	}
	rows, err := f.collectRows()
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > int64(len(rows)) {
		end = int64(len(rows))
	}
	var out []lazy.Row
	for i := start; i < end; i += step {
		out = append(out, rows[i])
	}
	return wrap(f.rt, lazy.NewMemorySource(f.node.Schema, out)), nil
}

// Stack explodes a List- or Dict-kind column into multiple rows: one output
// row per element (List) or per key/value entry (Dict), with the other
// columns repeated. For a
// List column, newColumnNames must have length 1; for a Dict column, length
// 2 (key, value).
func (f *SFrame) Stack(column string, newColumnNames []string) (*SFrame, error) {
	idx, err := f.columnIndex(column)
	if err != nil {
		return nil, err
	}
	srcType := f.node.Schema[idx].Type

	var passThrough []int
	for i := range f.node.Schema {
		if i != idx {
			passThrough = append(passThrough, i)
		}
	}

	var outSchema []lazy.ColumnSchema
	for _, i := range passThrough {
		outSchema = append(outSchema, f.node.Schema[i])
	}

	switch srcType {
	case value.List:
		if len(newColumnNames) != 1 {
			return nil, objerrors.ConfigError("stack: a List column needs exactly one new column name")
		}
		outSchema = append(outSchema, lazy.ColumnSchema{Name: newColumnNames[0], Type: value.Undefined})
		return f.FlatMap(outSchema, func(row []value.Value) ([][]value.Value, error) {
			items, ok := row[idx].AsList()
			if !ok {
				return nil, objerrors.TypeError("stack: column is not a List").WithColumn(column)
			}
			if len(items) == 0 {
				return nil, nil
			}
			out := make([][]value.Value, len(items))
			for i, item := range items {
				r := make([]value.Value, 0, len(passThrough)+1)
				for _, j := range passThrough {
					r = append(r, row[j])
				}
				r = append(r, item)
				out[i] = r
			}
			return out, nil
		}), nil
	case value.Dict:
		if len(newColumnNames) != 2 {
			return nil, objerrors.ConfigError("stack: a Dict column needs exactly two new column names")
		}
		outSchema = append(outSchema,
			lazy.ColumnSchema{Name: newColumnNames[0], Type: value.Undefined},
			lazy.ColumnSchema{Name: newColumnNames[1], Type: value.Undefined})
		return f.FlatMap(outSchema, func(row []value.Value) ([][]value.Value, error) {
			entries, ok := row[idx].AsDict()
			if !ok {
				return nil, objerrors.TypeError("stack: column is not a Dict").WithColumn(column)
			}
			if len(entries) == 0 {
				return nil, nil
			}
			out := make([][]value.Value, len(entries))
			for i, e := range entries {
				r := make([]value.Value, 0, len(passThrough)+2)
				for _, j := range passThrough {
					r = append(r, row[j])
				}
				r = append(r, e.Key, e.Val)
				out[i] = r
			}
			return out, nil
		}), nil
	default:
		return nil, objerrors.TypeError("stack: column must be List or Dict").WithColumn(column)
	}
}

// PackColumns combines several columns into a single List- or Dict-kind
// column per row, removing the packed columns. For Dict output, columns
// must have even length (key, value, key, value, ...); otherwise every named
// column's value becomes one List element, in the given order.
func (f *SFrame) PackColumns(columns []string, newColumnName string, dtype value.Kind) (*SFrame, error) {
	idx := make([]int, len(columns))
	for i, name := range columns {
		ci, err := f.columnIndex(name)
		if err != nil {
			return nil, err
		}
		idx[i] = ci
	}
	packSet := make(map[int]bool, len(idx))
	for _, i := range idx {
		packSet[i] = true
	}
	var passThrough []int
	var outSchema []lazy.ColumnSchema
	for i, c := range f.node.Schema {
		if !packSet[i] {
			passThrough = append(passThrough, i)
			outSchema = append(outSchema, c)
		}
	}
	outSchema = append(outSchema, lazy.ColumnSchema{Name: newColumnName, Type: dtype})

	switch dtype {
	case value.List:
		return f.TransformRow(outSchema, func(row []value.Value) ([]value.Value, error) {
			items := make([]value.Value, len(idx))
			for i, ci := range idx {
				items[i] = row[ci]
			}
			out := make([]value.Value, 0, len(passThrough)+1)
			for _, j := range passThrough {
				out = append(out, row[j])
			}
			out = append(out, value.NewList(items))
			return out, nil
		}), nil
	case value.Dict:
		if len(idx)%2 != 0 {
			return nil, objerrors.ConfigError("pack_columns: Dict output needs an even number of (key, value) columns")
		}
		return f.TransformRow(outSchema, func(row []value.Value) ([]value.Value, error) {
			entries := make([]value.DictEntry, 0, len(idx)/2)
			for i := 0; i < len(idx); i += 2 {
				entries = append(entries, value.DictEntry{Key: row[idx[i]], Val: row[idx[i+1]]})
			}
			out := make([]value.Value, 0, len(passThrough)+1)
			for _, j := range passThrough {
				out = append(out, row[j])
			}
			out = append(out, value.NewDict(entries))
			return out, nil
		}), nil
	default:
		return nil, objerrors.ConfigError("pack_columns: dtype must be List or Dict")
	}
}

// RowIterator is a sequential cursor over an SFrame's rows.
type RowIterator struct {
	src lazy.RowSource
}

// Rows returns a fresh row iterator over f, driven by the parallel
// execution engine.
func (f *SFrame) Rows() (*RowIterator, error) {
	src, err := exec.Execute(context.Background(), f.node, f.rt.Degree)
	if err != nil {
		return nil, err
	}
	return &RowIterator{src: src}, nil
}

// Next returns the next row, or ok=false once exhausted.
func (it *RowIterator) Next() ([]value.Value, bool, error) {
	row, ok, err := it.src.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	return []value.Value(row), true, nil
}

// Close releases the iterator's underlying workers.
func (it *RowIterator) Close() error { return it.src.Close() }

func workSubdir(rtx *rt.Context, prefix string) string {
	return filepath.Join(rtx.WorkDir, nextMaterializeName(prefix))
}
