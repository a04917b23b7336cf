// Package sarray implements the SArray type:
// one typed, immutable, lazily-evaluated column. Every query-building method
// returns a new SArray wrapping a new lazy operator node (internal/lazy);
// only Materialize, the reductions, and Collect force execution.
package sarray

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/sframecore/engine/internal/blockfmt"
	"github.com/sframecore/engine/internal/colio"
	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/handles"
	"github.com/sframecore/engine/internal/lazy"
	"github.com/sframecore/engine/pkg/objerrors"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"
)

// SArray is one typed immutable column. Operations that
// build on an existing SArray are lazy: they return a handle to a new
// lazy-op node (internal/lazy) without reading any data.
type SArray struct {
	rt     *rt.Context
	node   *lazy.Node
	dtype  value.Kind
	handle *handles.Handle // non-nil when this SArray owns a materialized file
	reader *blockfmt.MultiSegmentReader // non-nil when this SArray opened the file itself
}

var materializeCounter atomic.Int64

func wrap(rtx *rt.Context, node *lazy.Node, dtype value.Kind) *SArray {
	return &SArray{rt: rtx, node: node, dtype: dtype}
}

// FromNode builds an SArray directly over an already-constructed lazy node
// of one column. Used by pkg/sframe and the groupby/sort/join engines,
// which build lazy.Node graphs directly rather than going through the
// SArray query-building surface.
func FromNode(rtx *rt.Context, node *lazy.Node, dtype value.Kind) *SArray {
	return wrap(rtx, node, dtype)
}

// Node exposes the SArray's underlying lazy operator node, for callers
// (pkg/sframe, internal/groupby, internal/sortengine, internal/join) that
// need to compose it into a larger lazy graph.
func (a *SArray) Node() *lazy.Node { return a.node }

// Runtime exposes the SArray's engine Context.
func (a *SArray) Runtime() *rt.Context { return a.rt }

// FromValues constructs an SArray directly from in-memory values.
func FromValues(rtx *rt.Context, dtype value.Kind, values []value.Value) *SArray {
	rows := make([]lazy.Row, len(values))
	for i, v := range values {
		rows[i] = lazy.Row{v}
	}
	schema := []lazy.ColumnSchema{{Name: "value", Type: dtype}}
	return wrap(rtx, lazy.NewMemorySource(schema, rows), dtype)
}

// Open loads an SArray backed by an on-disk column file at indexPath. The
// returned SArray owns the open segment readers and a file-ownership
// reference covering the index and its segment files; call Close to
// release both.
func Open(rtx *rt.Context, indexPath string) (*SArray, error) {
	mr, idx, err := blockfmt.OpenColumnFile(indexPath)
	if err != nil {
		return nil, err
	}
	schema := []lazy.ColumnSchema{{Name: "value", Type: idx.ElementType}}
	node, err := lazy.NewSource(schema, []lazy.ColumnReader{colio.Multi(mr)})
	if err != nil {
		mr.Close()
		return nil, err
	}
	dir := filepath.Dir(indexPath)
	segments := make([]string, len(idx.SegmentPaths))
	for i, rel := range idx.SegmentPaths {
		if filepath.IsAbs(rel) {
			segments[i] = rel
		} else {
			segments[i] = filepath.Join(dir, rel)
		}
	}
	h := rtx.Handles.Register(indexPath, segments...)
	return &SArray{rt: rtx, node: node, dtype: idx.ElementType, handle: h, reader: mr}, nil
}

// Close releases this handle's resources: the segment readers it opened
// and its file-ownership reference. A materialized SArray marked
// delete-on-drop has its index and segment files removed when the last
// handle releases. The SArray, and any lazy node built over it, must not
// be used after Close.
func (a *SArray) Close() error {
	var firstErr error
	if a.reader != nil {
		firstErr = a.reader.Close()
		a.reader = nil
	}
	if a.handle != nil {
		a.handle.Release()
		a.handle = nil
	}
	return firstErr
}

// Dtype reports the column's declared element type.
func (a *SArray) Dtype() value.Kind { return a.dtype }

// Size reports the row count and whether it is known without a full
// scan.
func (a *SArray) Size() (int64, bool) { return a.node.NumRows() }

// IsMaterialized reports whether this handle already points at a concrete
// column file rather than an unevaluated lazy node.
func (a *SArray) IsMaterialized() bool { return a.handle != nil }

// schema returns the single-column schema shared by every SArray op.
func (a *SArray) schema() []lazy.ColumnSchema { return []lazy.ColumnSchema{{Name: "value", Type: a.dtype}} }

// pull drives the node to completion via the parallel execution engine and
// invokes fn for each row in order.
func (a *SArray) pull(fn func(v value.Value) error) error {
	src, err := exec.Execute(context.Background(), a.node, a.rt.Degree)
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
		if err := fn(row[0]); err != nil {
			return err
		}
	}
}

// Collect forces full evaluation and returns every element in row order.
// Used internally by reductions and by callers that need the whole column
// in memory.
func (a *SArray) Collect() ([]value.Value, error) {
	var out []value.Value
	if n, ok := a.Size(); ok {
		out = make([]value.Value, 0, n)
	}
	err := a.pull(func(v value.Value) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// Materialize forces evaluation of the lazy node and writes the result to a
// new column file under the engine's work directory, returning a new SArray
// backed by that file. Already
// materialized SArrays return a handle sharing the same file.
func (a *SArray) Materialize() (*SArray, error) {
	if a.IsMaterialized() {
		// Share the file through a retained reference; the readers stay
		// owned by a.
		return &SArray{rt: a.rt, node: a.node, dtype: a.dtype, handle: a.handle.Retain()}, nil
	}
	src, err := exec.Execute(context.Background(), a.node, a.rt.Degree)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	name := fmt.Sprintf("sarray-%d", materializeCounter.Add(1))
	next := func() (value.Value, bool, error) {
		row, ok, err := src.Next()
		if err != nil || !ok {
			return value.Value{}, false, err
		}
		return row[0], true, nil
	}
	indexPath, err := blockfmt.WriteColumnFile(a.rt.WorkDir, name, a.dtype, next, a.rt.Config.BlockFormat, a.rt.Config.Storage.DefaultSegmentCount)
	if err != nil {
		return nil, err
	}

	out, err := Open(a.rt, indexPath)
	if err != nil {
		return nil, err
	}
	out.handle.MarkForDelete()
	return out, nil
}

// Head returns the first n rows as a new materialized-on-demand SArray.
func (a *SArray) Head(n int64) (*SArray, error) { return a.slice(0, n) }

// Tail returns the last n rows.
func (a *SArray) Tail(n int64) (*SArray, error) {
	total, ok := a.Size()
	if !ok {
		if _, err := a.Materialize(); err != nil {
			return nil, err
		}
		total, _ = a.Size()
	}
	start := total - n
	if start < 0 {
		start = 0
	}
	return a.slice(start, total)
}

func (a *SArray) slice(start, end int64) (*SArray, error) {
	values, err := a.Collect()
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > int64(len(values)) {
		end = int64(len(values))
	}
	if start > end {
		start = end
	}
	return FromValues(a.rt, a.dtype, values[start:end]), nil
}

// TransformFunc maps one element to another, possibly of a different type.
type TransformFunc func(value.Value) (value.Value, error)

// Transform applies fn elementwise, lazily.
func (a *SArray) Transform(fn TransformFunc, outType value.Kind) *SArray {
	node := lazy.NewTransform(a.node, []lazy.ColumnSchema{{Name: "value", Type: outType}}, func(row lazy.Row) (lazy.Row, error) {
		v, err := fn(row[0])
		if err != nil {
			return nil, err
		}
		return lazy.Row{v}, nil
	})
	return wrap(a.rt, node, outType)
}

// PredicateFunc reports whether an element should be kept.
type PredicateFunc func(value.Value) (bool, error)

// Filter keeps elements for which pred holds.
func (a *SArray) Filter(pred PredicateFunc) *SArray {
	node := lazy.NewFilterPredicate(a.node, func(row lazy.Row) (bool, error) { return pred(row[0]) })
	return wrap(a.rt, node, a.dtype)
}

// maskTruthy reports whether a mask element counts as "keep": non-missing
// and non-zero.
func maskTruthy(v value.Value) bool {
	if v.IsNA() {
		return false
	}
	return !v.IsZero()
}

// LogicalFilter keeps rows where the aligned mask SArray is truthy. mask must have the same (known or
// eventually-equal) row count as a.
func (a *SArray) LogicalFilter(mask *SArray) (*SArray, error) {
	maskValues, err := mask.Collect()
	if err != nil {
		return nil, err
	}
	node := lazy.NewLogicalFilter(a.node, func(row lazy.Row, index int64) (bool, error) {
		if index < 0 || int(index) >= len(maskValues) {
			return false, objerrors.RangeError("logical_filter: mask shorter than source")
		}
		return maskTruthy(maskValues[index]), nil
	})
	return wrap(a.rt, node, a.dtype), nil
}

// Astype converts every element to k.
func (a *SArray) Astype(k value.Kind) (*SArray, error) {
	if k == a.dtype {
		return wrap(a.rt, a.node, a.dtype), nil
	}
	return a.Transform(func(v value.Value) (value.Value, error) { return convert(v, k) }, k), nil
}

func convert(v value.Value, k value.Kind) (value.Value, error) {
	if v.IsNA() {
		return value.NewUndefined(), nil
	}
	switch k {
	case value.Integer:
		i, ok := v.AsInteger()
		if !ok {
			return value.Value{}, objerrors.TypeError("cannot convert to integer").WithDetail("from", v.Kind().String())
		}
		return value.NewInteger(i), nil
	case value.Float:
		f, ok := v.AsFloat()
		if !ok {
			return value.Value{}, objerrors.TypeError("cannot convert to float").WithDetail("from", v.Kind().String())
		}
		return value.NewFloat(f), nil
	case value.String:
		return value.NewString(v.String()), nil
	default:
		return value.Value{}, objerrors.TypeError("unsupported astype target").WithDetail("to", k.String())
	}
}

// arith combines a with other (scalar or SArray, aligned row for row).
func (a *SArray) arith(other interface{}, op func(x, y float64) float64, name string) (*SArray, error) {
	switch o := other.(type) {
	case value.Value:
		scalar, ok := o.AsFloat()
		if !ok {
			return nil, objerrors.TypeError(name + ": scalar operand is not numeric")
		}
		return a.Transform(func(v value.Value) (value.Value, error) {
			if v.IsNA() {
				return value.NewUndefined(), nil
			}
			x, ok := v.AsFloat()
			if !ok {
				return value.Value{}, objerrors.TypeError(name + ": element is not numeric")
			}
			return value.NewFloat(op(x, scalar)), nil
		}, value.Float), nil
	case *SArray:
		left, err := a.Collect()
		if err != nil {
			return nil, err
		}
		right, err := o.Collect()
		if err != nil {
			return nil, err
		}
		if len(left) != len(right) {
			return nil, objerrors.RangeError(name + ": operand SArrays have different lengths")
		}
		out := make([]value.Value, len(left))
		for i := range left {
			if left[i].IsNA() || right[i].IsNA() {
				out[i] = value.NewUndefined()
				continue
			}
			x, ok1 := left[i].AsFloat()
			y, ok2 := right[i].AsFloat()
			if !ok1 || !ok2 {
				return nil, objerrors.TypeError(name + ": element is not numeric")
			}
			out[i] = value.NewFloat(op(x, y))
		}
		return FromValues(a.rt, value.Float, out), nil
	default:
		return nil, objerrors.TypeError(name + ": unsupported operand type")
	}
}

func (a *SArray) Add(other interface{}) (*SArray, error) {
	return a.arith(other, func(x, y float64) float64 { return x + y }, "add")
}
func (a *SArray) Sub(other interface{}) (*SArray, error) {
	return a.arith(other, func(x, y float64) float64 { return x - y }, "sub")
}
func (a *SArray) Mul(other interface{}) (*SArray, error) {
	return a.arith(other, func(x, y float64) float64 { return x * y }, "mul")
}
func (a *SArray) Div(other interface{}) (*SArray, error) {
	return a.arith(other, func(x, y float64) float64 { return x / y }, "div")
}

// --- Reductions ---

func (a *SArray) Min() (value.Value, error) { return a.extremum(true) }
func (a *SArray) Max() (value.Value, error) { return a.extremum(false) }

func (a *SArray) extremum(wantMin bool) (value.Value, error) {
	values, err := a.Collect()
	if err != nil {
		return value.Value{}, err
	}
	var best value.Value
	found := false
	for _, v := range values {
		if v.IsNA() {
			continue
		}
		if !found {
			best, found = v, true
			continue
		}
		cmp, ok := v.Compare(best)
		if !ok {
			return value.Value{}, objerrors.TypeError("min/max: elements are not ordered")
		}
		if (wantMin && cmp < 0) || (!wantMin && cmp > 0) {
			best = v
		}
	}
	if !found {
		return value.NewUndefined(), nil
	}
	return best, nil
}

// Sum sums non-missing numeric elements.
func (a *SArray) Sum() (value.Value, error) {
	values, err := a.Collect()
	if err != nil {
		return value.Value{}, err
	}
	var sum float64
	allInt := true
	for _, v := range values {
		if v.IsNA() {
			continue
		}
		f, ok := v.AsFloat()
		if !ok {
			return value.Value{}, objerrors.TypeError("sum: element is not numeric")
		}
		if v.Kind() != value.Integer {
			allInt = false
		}
		sum += f
	}
	if allInt {
		return value.NewInteger(int64(sum)), nil
	}
	return value.NewFloat(sum), nil
}

// Mean returns the arithmetic mean of non-missing numeric elements.
func (a *SArray) Mean() (float64, error) {
	values, err := a.Collect()
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, v := range values {
		if v.IsNA() {
			continue
		}
		f, ok := v.AsFloat()
		if !ok {
			return 0, objerrors.TypeError("mean: element is not numeric")
		}
		sum += f
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// Var returns the variance of non-missing numeric elements with the given
// denominator offset ddof (0 for population, 1 for sample variance, per
// the usual ddof convention).
func (a *SArray) Var(ddof int) (float64, error) {
	values, err := a.Collect()
	if err != nil {
		return 0, err
	}
	var sum float64
	var nums []float64
	for _, v := range values {
		if v.IsNA() {
			continue
		}
		f, ok := v.AsFloat()
		if !ok {
			return 0, objerrors.TypeError("var: element is not numeric")
		}
		sum += f
		nums = append(nums, f)
	}
	n := len(nums)
	denom := n - ddof
	if denom <= 0 {
		return 0, nil
	}
	mean := sum / float64(n)
	var ss float64
	for _, f := range nums {
		d := f - mean
		ss += d * d
	}
	return ss / float64(denom), nil
}

// Std returns the standard deviation with denominator ddof.
func (a *SArray) Std(ddof int) (float64, error) {
	v, err := a.Var(ddof)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(v), nil
}

// Append concatenates a and other row-wise, lazily.
func (a *SArray) Append(other *SArray) (*SArray, error) {
	if a.dtype != other.dtype {
		return nil, objerrors.TypeError("append: dtype mismatch").WithDetail("a", a.dtype.String()).WithDetail("b", other.dtype.String())
	}
	node, err := lazy.NewAppend(a.node, other.node)
	if err != nil {
		return nil, err
	}
	return wrap(a.rt, node, a.dtype), nil
}

// DropMissing removes undefined/NaN elements.
func (a *SArray) DropMissing() *SArray {
	return a.Filter(func(v value.Value) (bool, error) { return !v.IsNA(), nil })
}

// FillMissing replaces undefined/NaN elements with v.
func (a *SArray) FillMissing(v value.Value) *SArray {
	return a.Transform(func(e value.Value) (value.Value, error) {
		if e.IsNA() {
			return v, nil
		}
		return e, nil
	}, a.dtype)
}

// Clip bounds numeric elements to [lo, hi]; either bound may be Undefined to
// mean "no bound on this side".
func (a *SArray) Clip(lo, hi value.Value) *SArray {
	return a.Transform(func(v value.Value) (value.Value, error) {
		if v.IsNA() {
			return v, nil
		}
		f, ok := v.AsFloat()
		if !ok {
			return value.Value{}, objerrors.TypeError("clip: element is not numeric")
		}
		if !lo.IsNA() {
			if loF, ok := lo.AsFloat(); ok && f < loF {
				f = loF
			}
		}
		if !hi.IsNA() {
			if hiF, ok := hi.AsFloat(); ok && f > hiF {
				f = hiF
			}
		}
		if v.Kind() == value.Integer {
			return value.NewInteger(int64(f)), nil
		}
		return value.NewFloat(f), nil
	}, a.dtype)
}

// Nonzero returns the row indices (as an Integer SArray) of elements that
// are neither missing nor zero.
func (a *SArray) Nonzero() (*SArray, error) {
	values, err := a.Collect()
	if err != nil {
		return nil, err
	}
	var idx []value.Value
	for i, v := range values {
		if !v.IsNA() && !v.IsZero() {
			idx = append(idx, value.NewInteger(int64(i)))
		}
	}
	return FromValues(a.rt, value.Integer, idx), nil
}

// Sample returns a new SArray keeping each row independently with
// probability frac, using seed for reproducibility.
func (a *SArray) Sample(frac float64, seed int64) (*SArray, error) {
	if frac < 0 || frac > 1 {
		return nil, objerrors.RangeError("sample: frac must be in [0,1]")
	}
	values, err := a.Collect()
	if err != nil {
		return nil, err
	}
	rng := newSplitMix64(uint64(seed))
	var out []value.Value
	for _, v := range values {
		if rng.float64() < frac {
			out = append(out, v)
		}
	}
	return FromValues(a.rt, a.dtype, out), nil
}

// TopkIndex returns a same-length Integer SArray of 0/1 flags marking the k
// largest (or smallest, if reverse) elements. Ties beyond the k-th position are broken by row order.
func (a *SArray) TopkIndex(k int, reverse bool) (*SArray, error) {
	values, err := a.Collect()
	if err != nil {
		return nil, err
	}
	type ranked struct {
		idx int
		v   value.Value
	}
	ranked_ := make([]ranked, len(values))
	for i, v := range values {
		ranked_[i] = ranked{idx: i, v: v}
	}
	less := func(i, j int) bool {
		cmp, ok := ranked_[i].v.Compare(ranked_[j].v)
		if !ok {
			return false
		}
		if reverse {
			return cmp < 0
		}
		return cmp > 0
	}
	sort.SliceStable(ranked_, less)

	flags := make([]value.Value, len(values))
	for i := range flags {
		flags[i] = value.NewInteger(0)
	}
	for i := 0; i < k && i < len(ranked_); i++ {
		flags[ranked_[i].idx] = value.NewInteger(1)
	}
	return FromValues(a.rt, value.Integer, flags), nil
}
