// Package sframe implements the SFrame type: an
// ordered, named collection of equal-length columns. Every query-building
// method returns a new SFrame wrapping a new lazy operator node
// (internal/lazy); only Materialize and the row-iteration/reduction paths
// force execution.
package sframe

import (
	"fmt"
	"sync/atomic"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/handles"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/sarray"
	"github.com/sframecore/engine/pkg/value"
)

// SFrame is an ordered collection of named, equal-length columns. Column
// order is significant and preserved by every op that does not explicitly
// reorder.
type SFrame struct {
	rt      *rt.Context
	node    *lazy.Node
	handle  *handles.Handle // non-nil when this SFrame owns a materialized index file
	readers []*blockfmt.MultiSegmentReader // column readers this SFrame opened itself
}

// Close releases the SFrame's open column readers and its file-ownership
// reference. A materialized SFrame marked delete-on-drop has its index and
// column files removed when the last handle releases. The SFrame, and any
// lazy node built over it, must not be used after Close.
func (f *SFrame) Close() error {
	var firstErr error
	for _, r := range f.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.readers = nil
	if f.handle != nil {
		f.handle.Release()
		f.handle = nil
	}
	return firstErr
}

var materializeCounter atomic.Int64

func wrap(rtx *rt.Context, node *lazy.Node) *SFrame {
	return &SFrame{rt: rtx, node: node}
}

// FromNode builds an SFrame directly over an already-constructed
// multi-column lazy node, for callers (internal/groupby, internal/join,
// internal/sortengine) that build the graph themselves.
func FromNode(rtx *rt.Context, node *lazy.Node) *SFrame {
	return wrap(rtx, node)
}

// Node exposes the SFrame's underlying lazy operator node.
func (f *SFrame) Node() *lazy.Node { return f.node }

// Runtime exposes the SFrame's engine Context.
func (f *SFrame) Runtime() *rt.Context { return f.rt }

// identityTransform renames a 1-column node's output column without
// touching its values.
func identityTransform(node *lazy.Node, name string) *lazy.Node {
	outSchema := []lazy.ColumnSchema{{Name: name, Type: node.Schema[0].Type}}
	return lazy.NewTransform(node, outSchema, func(row lazy.Row) (lazy.Row, error) { return row, nil })
}

// FromColumns assembles an SFrame from named columns. Every SArray's
// underlying node is single-column and always named "value" internally
// (sarray.FromValues/sarray.Open); each is wrapped in a renaming Transform
// before the columns are row-aligned with Zip, so the resulting schema
// carries the caller's chosen names instead of "value" repeated once per
// column.
func FromColumns(rtx *rt.Context, names []string, cols []*sarray.SArray) (*SFrame, error) {
	if len(names) != len(cols) {
		return nil, objerrors.ConfigError("sframe: names/columns length mismatch")
	}
	if len(names) == 0 {
		return nil, objerrors.ConfigError("sframe: at least one column is required")
	}
	seen := make(map[string]bool, len(names))
	children := make([]*lazy.Node, len(cols))
	for i, col := range cols {
		if seen[names[i]] {
			return nil, objerrors.ConfigError("sframe: duplicate column name").WithColumn(names[i])
		}
		seen[names[i]] = true
		children[i] = identityTransform(col.Node(), names[i])
	}
	node, err := lazy.NewZip(children...)
	if err != nil {
		return nil, err
	}
	return wrap(rtx, node), nil
}

// NumRows reports the row count and whether it is known without a full
// scan.
func (f *SFrame) NumRows() (int64, bool) { return f.node.NumRows() }

// NumColumns reports the column count.
func (f *SFrame) NumColumns() int { return len(f.node.Schema) }

// ColumnNames returns column names in order.
func (f *SFrame) ColumnNames() []string {
	out := make([]string, len(f.node.Schema))
	for i, c := range f.node.Schema {
		out[i] = c.Name
	}
	return out
}

// ColumnTypes returns column element kinds in order.
func (f *SFrame) ColumnTypes() []value.Kind {
	out := make([]value.Kind, len(f.node.Schema))
	for i, c := range f.node.Schema {
		out[i] = c.Type
	}
	return out
}

// IsMaterialized reports whether this handle already points at a concrete
// set of column files rather than an unevaluated lazy node.
func (f *SFrame) IsMaterialized() bool { return f.handle != nil }

func (f *SFrame) columnIndex(name string) (int, error) {
	for i, c := range f.node.Schema {
		if c.Name == name {
			return i, nil
		}
	}
	return -1, objerrors.ConfigError("sframe: unknown column").WithColumn(name)
}

// SelectColumn extracts one column as an SArray.
func (f *SFrame) SelectColumn(name string) (*sarray.SArray, error) {
	idx, err := f.columnIndex(name)
	if err != nil {
		return nil, err
	}
	dtype := f.node.Schema[idx].Type
	outSchema := []lazy.ColumnSchema{{Name: "value", Type: dtype}}
	node := lazy.NewTransform(f.node, outSchema, func(row lazy.Row) (lazy.Row, error) {
		return lazy.Row{row[idx]}, nil
	})
	return sarray.FromNode(f.rt, node, dtype), nil
}

// SelectColumns projects onto a subset of columns, in the given order.
func (f *SFrame) SelectColumns(names []string) (*SFrame, error) {
	idx := make([]int, len(names))
	outSchema := make([]lazy.ColumnSchema, len(names))
	for i, name := range names {
		ci, err := f.columnIndex(name)
		if err != nil {
			return nil, err
		}
		idx[i] = ci
		outSchema[i] = f.node.Schema[ci]
	}
	node := lazy.NewTransform(f.node, outSchema, func(row lazy.Row) (lazy.Row, error) {
		out := make(lazy.Row, len(idx))
		for i, ci := range idx {
			out[i] = row[ci]
		}
		return out, nil
	})
	return wrap(f.rt, node), nil
}

// AddColumn appends a new named column, aligned row-for-row with f. col
// must have the same (known or eventually-equal) row count as f.
func (f *SFrame) AddColumn(name string, col *sarray.SArray) (*SFrame, error) {
	if _, err := f.columnIndex(name); err == nil {
		return nil, objerrors.ConfigError("sframe: column already exists").WithColumn(name)
	}
	renamed := identityTransform(col.Node(), name)
	node, err := lazy.NewZip(f.node, renamed)
	if err != nil {
		return nil, err
	}
	return wrap(f.rt, node), nil
}

// RemoveColumn drops one column by name.
func (f *SFrame) RemoveColumn(name string) (*SFrame, error) {
	drop, err := f.columnIndex(name)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range f.node.Schema {
		if c.Name != name {
			names = append(names, c.Name)
		}
	}
	_ = drop
	return f.SelectColumns(names)
}

// Rename renames one column in place, preserving column order.
func (f *SFrame) Rename(oldName, newName string) (*SFrame, error) {
	idx, err := f.columnIndex(oldName)
	if err != nil {
		return nil, err
	}
	if oldName != newName {
		if _, err := f.columnIndex(newName); err == nil {
			return nil, objerrors.ConfigError("sframe: rename target column already exists").WithColumn(newName)
		}
	}
	outSchema := append([]lazy.ColumnSchema(nil), f.node.Schema...)
	outSchema[idx] = lazy.ColumnSchema{Name: newName, Type: outSchema[idx].Type}
	node := lazy.NewTransform(f.node, outSchema, func(row lazy.Row) (lazy.Row, error) { return row, nil })
	return wrap(f.rt, node), nil
}

// SwapColumns exchanges the position of two columns by name.
func (f *SFrame) SwapColumns(a, b string) (*SFrame, error) {
	ai, err := f.columnIndex(a)
	if err != nil {
		return nil, err
	}
	bi, err := f.columnIndex(b)
	if err != nil {
		return nil, err
	}
	perm := make([]int, len(f.node.Schema))
	for i := range perm {
		perm[i] = i
	}
	perm[ai], perm[bi] = perm[bi], perm[ai]
	outSchema := make([]lazy.ColumnSchema, len(perm))
	for i, p := range perm {
		outSchema[i] = f.node.Schema[p]
	}
	node := lazy.NewTransform(f.node, outSchema, func(row lazy.Row) (lazy.Row, error) {
		out := make(lazy.Row, len(perm))
		for i, p := range perm {
			out[i] = row[p]
		}
		return out, nil
	})
	return wrap(f.rt, node), nil
}

func nextMaterializeName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, materializeCounter.Add(1))
}
