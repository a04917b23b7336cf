// Package lazy implements the lazy operator graph: a tree of
// operator nodes describing a computation over column files, whose
// execution is driven by the pull-based engine in internal/exec.
//
// Groupby, sort, and join are not modeled as generic nodes here: they
// always force materialization, so they are implemented as eager
// operations in internal/groupby, internal/sortengine, and internal/join
// that produce a new column-file-backed Source node. The generic node types
// below cover the cheap streaming operators, which is exactly where
// node-sharing matters.
package lazy

import (
	"sync/atomic"

	"github.com/sframecore/engine/pkg/value"
)

// ColumnSchema names one column of a node's output.
type ColumnSchema struct {
	Name string
	Type value.Kind
}

// OpKind identifies a node's operator category.
type OpKind int

const (
	OpSource OpKind = iota
	OpTransform
	OpAppend
	OpLogicalFilter
	OpFilterPredicate
	OpUnion
	OpFlatMap
	OpZip
)

// PaceChanging reports whether kind does not emit one output row per input
// row. FlatMap behaves like a predicate filter here: it changes cadence
// (zero or several output rows per input row).
func (k OpKind) PaceChanging() bool {
	switch k {
	case OpLogicalFilter, OpFilterPredicate, OpUnion, OpFlatMap:
		return true
	default:
		return false
	}
}

// ChildrenSamePace reports whether this op's children all advance at one
// shared cadence: for a non-pace-changing op the children inherit the
// node's own pace-id, and for a pace-changing one they receive one shared
// fresh pace-id. Union is the odd one out — its children are independent
// streams, each pulled at its own rate.
func (k OpKind) ChildrenSamePace() bool {
	switch k {
	case OpTransform, OpAppend, OpLogicalFilter, OpFilterPredicate, OpFlatMap, OpZip:
		return true
	default:
		return false
	}
}

var nodeIDCounter atomic.Int64

// Node is one lazy operator graph node.
type Node struct {
	ID       int64
	Kind     OpKind
	Children []*Node
	Schema   []ColumnSchema

	// knownRows is the node's row count when derivable from metadata alone
	// (nil otherwise — e.g. downstream of a predicate filter).
	knownRows *int64

	// op carries the kind-specific behavior (constructed by the lazy
	// package's op-specific constructors below).
	op op
}

// op is implemented by every operator kind; it instantiates a RowSource
// scoped to [rowStart, rowEnd) of this node's *own* output when the count is
// known, or of its primary input when pace-changing (see InstantiateRange).
// Ops with children instantiate them through instantiateShared with the
// pace-ids childPaces hands out, so same-pace reuse is caught by the plan's
// share context.
type op interface {
	instantiate(n *Node, sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error)
	numRows(n *Node) (int64, bool)
}

func newNode(kind OpKind, schema []ColumnSchema, children []*Node, o op) *Node {
	return &Node{ID: nodeIDCounter.Add(1), Kind: kind, Schema: schema, Children: children, op: o}
}

// NumRows returns the node's row count, when derivable without a full scan.
func (n *Node) NumRows() (int64, bool) {
	if n.knownRows != nil {
		return *n.knownRows, true
	}
	return n.op.numRows(n)
}

// InstantiateRange instantiates a RowSource over this node for the row
// range [rowStart, rowEnd) of its own output (source/transform/append/
// union) or of its primary input (logical-filter/predicate-filter, since
// those preserve relative row order even though the output count differs).
// Each call is one plan: within it, consumers that reach the same node at
// the same pace share one execution instance.
func (n *Node) InstantiateRange(rowStart, rowEnd int64) (RowSource, error) {
	sc := newShareContext()
	return n.instantiateShared(sc, sc.assign.fresh(), rowStart, rowEnd)
}

// instantiateShared is the memoized instantiation path: a second consumer
// reaching the same (node, pace, range) attaches to the already-running
// instance instead of re-executing the subtree, which is what makes
// same-pace sharing real at runtime rather than just bookkeeping.
func (n *Node) instantiateShared(sc *shareContext, pace PaceID, rowStart, rowEnd int64) (RowSource, error) {
	sc.assign.record(n, pace)
	key := shareKey{nodeID: n.ID, pace: pace, rowStart: rowStart, rowEnd: rowEnd}
	if inst, ok := sc.instances[key]; ok {
		return inst.attach(), nil
	}
	inner, err := n.op.instantiate(n, sc, pace, rowStart, rowEnd)
	if err != nil {
		return nil, err
	}
	inst := newSharedSource(inner)
	sc.instances[key] = inst
	return inst.attach(), nil
}
