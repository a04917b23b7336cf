package lazy

import (
	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// Row is one row of a node's output, one value per schema column, in
// schema order.
type Row []value.Value

// RowSource is a sequential pull-based cursor over one instantiated node
// range.
type RowSource interface {
	Schema() []ColumnSchema
	Next() (Row, bool, error)
	Close() error
}

// --- Source: leaf node backed by one column decoder per schema column ---

// ColumnReader is anything exposing a column's total element count and the
// ability to open a positioned decoder — satisfied directly by
// *blockfmt.SegmentReader (single segment) and by
// *blockfmt.MultiSegmentReader (a column split across several segment
// files).
type ColumnReader interface {
	NumElements() int64
	NewDecoder(startRow int64) (Decoder, error)
}

// Decoder is the generator-style cursor a ColumnReader hands out.
type Decoder interface {
	Next() (value.Value, bool, error)
	Skip(n int64) error
}

type sourceOp struct {
	decoders []ColumnReader
	total    int64
	known    bool
}

// NewSource builds a Source node directly over already-open column readers,
// one per schema column.
func NewSource(schema []ColumnSchema, readers []ColumnReader) (*Node, error) {
	if len(schema) != len(readers) {
		return nil, objerrors.Internal("schema/reader count mismatch building source node")
	}
	var total int64
	known := len(readers) > 0
	for i, r := range readers {
		n := r.NumElements()
		if i == 0 {
			total = n
		} else if n != total {
			return nil, objerrors.Internal("source columns disagree on row count")
		}
	}
	return newNode(OpSource, schema, nil, &sourceOp{decoders: readers, total: total, known: known}), nil
}

func (s *sourceOp) numRows(n *Node) (int64, bool) { return s.total, s.known }

func (s *sourceOp) instantiate(n *Node, _ *shareContext, _ PaceID, rowStart, rowEnd int64) (RowSource, error) {
	decs := make([]Decoder, len(s.decoders))
	for i, r := range s.decoders {
		d, err := r.NewDecoder(rowStart)
		if err != nil {
			return nil, err
		}
		decs[i] = d
	}
	return &sourceRowSource{schema: n.Schema, decoders: decs, row: rowStart, end: rowEnd}, nil
}

type sourceRowSource struct {
	schema   []ColumnSchema
	decoders []Decoder
	row, end int64
}

func (s *sourceRowSource) Schema() []ColumnSchema { return s.schema }

func (s *sourceRowSource) Next() (Row, bool, error) {
	if s.row >= s.end {
		return nil, false, nil
	}
	row := make(Row, len(s.decoders))
	for i, d := range s.decoders {
		v, ok, err := d.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		row[i] = v
	}
	s.row++
	return row, true, nil
}

func (s *sourceRowSource) Close() error { return nil }

// --- Transform: 1-to-1 elementwise/row-wise map ---

// TransformFunc maps one input row to one output row.
type TransformFunc func(Row) (Row, error)

type transformOp struct {
	fn TransformFunc
}

// NewTransform builds a non-pace-changing Transform node.
func NewTransform(child *Node, outSchema []ColumnSchema, fn TransformFunc) *Node {
	return newNode(OpTransform, outSchema, []*Node{child}, &transformOp{fn: fn})
}

func (t *transformOp) numRows(n *Node) (int64, bool) { return n.Children[0].NumRows() }

func (t *transformOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	child, err := n.Children[0].instantiateShared(sc, paces[0], rowStart, rowEnd)
	if err != nil {
		return nil, err
	}
	return &transformRowSource{schema: n.Schema, child: child, fn: t.fn}, nil
}

type transformRowSource struct {
	schema []ColumnSchema
	child  RowSource
	fn     TransformFunc
}

func (t *transformRowSource) Schema() []ColumnSchema { return t.schema }

func (t *transformRowSource) Next() (Row, bool, error) {
	row, ok, err := t.child.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	out, err := t.fn(row)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (t *transformRowSource) Close() error { return t.child.Close() }

// --- LogicalFilter: keep rows where an aligned boolean mask is true ---

// MaskFunc reports whether the row at the given input-relative index
// (0-based within the instantiated range) should be kept.
type MaskFunc func(row Row, index int64) (bool, error)

type logicalFilterOp struct {
	keep MaskFunc
}

// NewLogicalFilter builds a pace-changing LogicalFilter node. Output row
// count is not derivable from metadata alone.
func NewLogicalFilter(child *Node, keep MaskFunc) *Node {
	return newNode(OpLogicalFilter, child.Schema, []*Node{child}, &logicalFilterOp{keep: keep})
}

func (l *logicalFilterOp) numRows(n *Node) (int64, bool) { return 0, false }

func (l *logicalFilterOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	child, err := n.Children[0].instantiateShared(sc, paces[0], rowStart, rowEnd)
	if err != nil {
		return nil, err
	}
	return &logicalFilterRowSource{schema: n.Schema, child: child, keep: l.keep, idx: rowStart}, nil
}

type logicalFilterRowSource struct {
	schema []ColumnSchema
	child  RowSource
	keep   MaskFunc
	idx    int64
}

func (l *logicalFilterRowSource) Schema() []ColumnSchema { return l.schema }

func (l *logicalFilterRowSource) Next() (Row, bool, error) {
	for {
		row, ok, err := l.child.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		keep, err := l.keep(row, l.idx)
		l.idx++
		if err != nil {
			return nil, false, err
		}
		if keep {
			return row, true, nil
		}
	}
}

func (l *logicalFilterRowSource) Close() error { return l.child.Close() }

// --- FilterPredicate: keep rows for which a predicate over the row holds ---

// PredicateFunc reports whether row should be kept.
type PredicateFunc func(row Row) (bool, error)

type filterPredicateOp struct {
	pred PredicateFunc
}

// NewFilterPredicate builds a pace-changing FilterPredicate node.
func NewFilterPredicate(child *Node, pred PredicateFunc) *Node {
	return newNode(OpFilterPredicate, child.Schema, []*Node{child}, &filterPredicateOp{pred: pred})
}

func (f *filterPredicateOp) numRows(n *Node) (int64, bool) { return 0, false }

func (f *filterPredicateOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	child, err := n.Children[0].instantiateShared(sc, paces[0], rowStart, rowEnd)
	if err != nil {
		return nil, err
	}
	return &filterPredicateRowSource{schema: n.Schema, child: child, pred: f.pred}, nil
}

type filterPredicateRowSource struct {
	schema []ColumnSchema
	child  RowSource
	pred   PredicateFunc
}

func (f *filterPredicateRowSource) Schema() []ColumnSchema { return f.schema }

func (f *filterPredicateRowSource) Next() (Row, bool, error) {
	for {
		row, ok, err := f.child.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		keep, err := f.pred(row)
		if err != nil {
			return nil, false, err
		}
		if keep {
			return row, true, nil
		}
	}
}

func (f *filterPredicateRowSource) Close() error { return f.child.Close() }

// --- FlatMap: zero-or-more output rows per input row ---

// FlatMapFunc maps one input row to zero or more output rows.
type FlatMapFunc func(Row) ([]Row, error)

type flatMapOp struct {
	fn FlatMapFunc
}

// NewFlatMap builds a pace-changing FlatMap node. Output row count is
// never derivable from metadata alone.
func NewFlatMap(child *Node, outSchema []ColumnSchema, fn FlatMapFunc) *Node {
	return newNode(OpFlatMap, outSchema, []*Node{child}, &flatMapOp{fn: fn})
}

func (f *flatMapOp) numRows(n *Node) (int64, bool) { return 0, false }

func (f *flatMapOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	child, err := n.Children[0].instantiateShared(sc, paces[0], rowStart, rowEnd)
	if err != nil {
		return nil, err
	}
	return &flatMapRowSource{schema: n.Schema, child: child, fn: f.fn}, nil
}

type flatMapRowSource struct {
	schema  []ColumnSchema
	child   RowSource
	fn      FlatMapFunc
	pending []Row
}

func (f *flatMapRowSource) Schema() []ColumnSchema { return f.schema }

func (f *flatMapRowSource) Next() (Row, bool, error) {
	for len(f.pending) == 0 {
		row, ok, err := f.child.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		out, err := f.fn(row)
		if err != nil {
			return nil, false, err
		}
		f.pending = out
	}
	row := f.pending[0]
	f.pending = f.pending[1:]
	return row, true, nil
}

func (f *flatMapRowSource) Close() error { return f.child.Close() }

// --- Append / Union: sequential concatenation of children ---
//
// Append and Union both concatenate their children's row streams in order;
// they differ only in how AssignPaceIDs treats their children for sharing
// purposes, not in output content.

type concatOp struct{}

// NewAppend builds an Append node.
func NewAppend(children ...*Node) (*Node, error) {
	return newConcat(OpAppend, children)
}

// NewUnion builds a Union-of-independent-streams node.
func NewUnion(children ...*Node) (*Node, error) {
	return newConcat(OpUnion, children)
}

func newConcat(kind OpKind, children []*Node) (*Node, error) {
	if len(children) == 0 {
		return nil, objerrors.Internal("append/union requires at least one child")
	}
	schema := children[0].Schema
	return newNode(kind, schema, children, &concatOp{}), nil
}

func (c *concatOp) numRows(n *Node) (int64, bool) {
	var total int64
	for _, child := range n.Children {
		rows, ok := child.NumRows()
		if !ok {
			return 0, false
		}
		total += rows
	}
	return total, true
}

func (c *concatOp) instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	paces := childPaces(n.Kind, pace, len(n.Children), sc.assign.fresh)
	boundaries := make([]int64, len(n.Children)+1)
	for i, child := range n.Children {
		rows, ok := child.NumRows()
		if !ok {
			return nil, objerrors.UnsupportedOperation("append/union over a child with unknown row count requires materializing that child first")
		}
		boundaries[i+1] = boundaries[i] + rows
	}

	var parts []RowSource
	for i, child := range n.Children {
		childStart, childEnd := boundaries[i], boundaries[i+1]
		lo, hi := maxI64(rowStart, childStart), minI64(rowEnd, childEnd)
		if lo >= hi {
			continue
		}
		part, err := child.instantiateShared(sc, paces[i], lo-childStart, hi-childStart)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return &concatRowSource{schema: n.Schema, parts: parts}, nil
}

type concatRowSource struct {
	schema []ColumnSchema
	parts  []RowSource
	idx    int
}

func (c *concatRowSource) Schema() []ColumnSchema { return c.schema }

func (c *concatRowSource) Next() (Row, bool, error) {
	for c.idx < len(c.parts) {
		row, ok, err := c.parts[c.idx].Next()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
		c.idx++
	}
	return nil, false, nil
}

func (c *concatRowSource) Close() error {
	var firstErr error
	for _, p := range c.parts {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
