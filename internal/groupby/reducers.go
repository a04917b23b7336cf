package groupby

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/objerrors"
	"github.com/sframecore/engine/pkg/value"
)

// Reducer is a stateful, commutative-associative aggregator.
// State is represented as a flat tuple of flexible values so the groupby
// engine can spill and restore it through the same self-describing codec
// used for spill records, without each reducer needing its own
// serialization.
type Reducer interface {
	Init() []value.Value
	Add(state []value.Value, inputs []value.Value) ([]value.Value, error)
	Combine(a, b []value.Value) ([]value.Value, error)
	Emit(state []value.Value) (value.Value, error)
	// OutputKind reports the emitted column's type given its input
	// columns' declared types.
	OutputKind(inputKinds []value.Kind) value.Kind
}

// ParseReducerName resolves a reducer by its configured name, including the
// comma-separated quantile-level suffix syntax. Unknown
// names fail with ConfigError.
func ParseReducerName(name string, ddof int) (Reducer, error) {
	switch {
	case name == "count":
		return countReducer{}, nil
	case name == "sum":
		return sumReducer{}, nil
	case name == "min":
		return minmaxReducer{wantMin: true}, nil
	case name == "max":
		return minmaxReducer{wantMin: false}, nil
	case name == "argmin":
		return argReducer{wantMin: true}, nil
	case name == "argmax":
		return argReducer{wantMin: false}, nil
	case name == "mean" || name == "avg":
		return meanReducer{}, nil
	case name == "variance" || name == "var":
		return varianceReducer{ddof: ddof}, nil
	case name == "stddev" || name == "std":
		return varianceReducer{ddof: ddof, stddev: true}, nil
	case name == "select_one":
		return selectOneReducer{}, nil
	case name == "zip_to_list" || name == "concat":
		return zipToListReducer{}, nil
	case name == "zip_to_dict":
		return zipToDictReducer{}, nil
	case strings.HasPrefix(name, "quantile"):
		levels, err := parseQuantileLevels(name)
		if err != nil {
			return nil, err
		}
		return quantileReducer{levels: levels}, nil
	default:
		return nil, objerrors.ConfigError("unknown reducer name").WithDetail("name", name)
	}
}

func parseQuantileLevels(name string) ([]float64, error) {
	rest := strings.TrimPrefix(name, "quantile")
	rest = strings.TrimPrefix(rest, "-")
	rest = strings.TrimPrefix(rest, "_")
	if rest == "" {
		return []float64{0.5}, nil
	}
	parts := strings.Split(rest, ",")
	levels := make([]float64, len(parts))
	for i, p := range parts {
		lvl, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, objerrors.ConfigError("quantile reducer: bad level").WithDetail("value", p).WithCause(err)
		}
		if err := config.ValidateQuantileLevel(lvl); err != nil {
			return nil, err
		}
		levels[i] = lvl
	}
	return levels, nil
}

// --- count ---

type countReducer struct{}

func (countReducer) Init() []value.Value { return []value.Value{value.NewInteger(0)} }
func (countReducer) Add(state, _ []value.Value) ([]value.Value, error) {
	n, _ := state[0].AsInteger()
	return []value.Value{value.NewInteger(n + 1)}, nil
}
func (countReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	na, _ := a[0].AsInteger()
	nb, _ := b[0].AsInteger()
	return []value.Value{value.NewInteger(na + nb)}, nil
}
func (countReducer) Emit(state []value.Value) (value.Value, error) { return state[0], nil }
func (countReducer) OutputKind([]value.Kind) value.Kind            { return value.Integer }

// --- sum ---

type sumReducer struct{}

func (sumReducer) Init() []value.Value {
	return []value.Value{value.NewFloat(0), value.NewInteger(0)}
}
func (sumReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	if inputs[0].IsNA() {
		return state, nil
	}
	f, ok := inputs[0].AsFloat()
	if !ok {
		return nil, objerrors.TypeError("sum: input is not numeric")
	}
	sum, _ := state[0].AsFloat()
	any, _ := state[1].AsInteger()
	return []value.Value{value.NewFloat(sum + f), value.NewInteger(any + 1)}, nil
}
func (sumReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	sa, _ := a[0].AsFloat()
	sb, _ := b[0].AsFloat()
	na, _ := a[1].AsInteger()
	nb, _ := b[1].AsInteger()
	return []value.Value{value.NewFloat(sa + sb), value.NewInteger(na + nb)}, nil
}
func (sumReducer) Emit(state []value.Value) (value.Value, error) {
	n, _ := state[1].AsInteger()
	if n == 0 {
		return value.NewInteger(0), nil
	}
	return state[0], nil
}
func (sumReducer) OutputKind([]value.Kind) value.Kind { return value.Float }

// --- min / max ---

type minmaxReducer struct{ wantMin bool }

func (minmaxReducer) Init() []value.Value {
	return []value.Value{value.NewUndefined(), value.NewInteger(0)}
}
func (r minmaxReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	if inputs[0].IsNA() {
		return state, nil
	}
	set, _ := state[1].AsInteger()
	if set == 0 {
		return []value.Value{inputs[0], value.NewInteger(1)}, nil
	}
	cmp, ok := inputs[0].Compare(state[0])
	if !ok {
		return nil, objerrors.TypeError("min/max: values are not comparable")
	}
	better := (r.wantMin && cmp < 0) || (!r.wantMin && cmp > 0)
	if better {
		return []value.Value{inputs[0], value.NewInteger(1)}, nil
	}
	return state, nil
}
func (r minmaxReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	setA, _ := a[1].AsInteger()
	setB, _ := b[1].AsInteger()
	if setA == 0 {
		return b, nil
	}
	if setB == 0 {
		return a, nil
	}
	cmp, ok := a[0].Compare(b[0])
	if !ok {
		return nil, objerrors.TypeError("min/max: values are not comparable")
	}
	if (r.wantMin && cmp <= 0) || (!r.wantMin && cmp >= 0) {
		return a, nil
	}
	return b, nil
}
func (minmaxReducer) Emit(state []value.Value) (value.Value, error) { return state[0], nil }
func (minmaxReducer) OutputKind(inputKinds []value.Kind) value.Kind {
	if len(inputKinds) == 0 {
		return value.Undefined
	}
	return inputKinds[0]
}

// --- argmin / argmax ---
//
// inputs = [comparisonColumn, outputColumn]; emits the outputColumn value
// associated with the extreme comparisonColumn value seen.

type argReducer struct{ wantMin bool }

func (argReducer) Init() []value.Value {
	return []value.Value{value.NewUndefined(), value.NewUndefined(), value.NewInteger(0)}
}
func (r argReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	cmpVal, outVal := inputs[0], inputs[1]
	if cmpVal.IsNA() {
		return state, nil
	}
	set, _ := state[2].AsInteger()
	if set == 0 {
		return []value.Value{cmpVal, outVal, value.NewInteger(1)}, nil
	}
	cmp, ok := cmpVal.Compare(state[0])
	if !ok {
		return nil, objerrors.TypeError("argmin/argmax: comparison column values are not comparable")
	}
	better := (r.wantMin && cmp < 0) || (!r.wantMin && cmp > 0)
	if better {
		return []value.Value{cmpVal, outVal, value.NewInteger(1)}, nil
	}
	return state, nil
}
func (r argReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	setA, _ := a[2].AsInteger()
	setB, _ := b[2].AsInteger()
	if setA == 0 {
		return b, nil
	}
	if setB == 0 {
		return a, nil
	}
	cmp, ok := a[0].Compare(b[0])
	if !ok {
		return nil, objerrors.TypeError("argmin/argmax: comparison column values are not comparable")
	}
	if (r.wantMin && cmp <= 0) || (!r.wantMin && cmp >= 0) {
		return a, nil
	}
	return b, nil
}
func (argReducer) Emit(state []value.Value) (value.Value, error) { return state[1], nil }
func (argReducer) OutputKind(inputKinds []value.Kind) value.Kind {
	if len(inputKinds) < 2 {
		return value.Undefined
	}
	return inputKinds[1]
}

// --- mean ---

type meanReducer struct{}

func (meanReducer) Init() []value.Value {
	return []value.Value{value.NewFloat(0), value.NewInteger(0)}
}
func (meanReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	if inputs[0].IsNA() {
		return state, nil
	}
	f, ok := inputs[0].AsFloat()
	if !ok {
		return nil, objerrors.TypeError("mean: input is not numeric")
	}
	sum, _ := state[0].AsFloat()
	n, _ := state[1].AsInteger()
	return []value.Value{value.NewFloat(sum + f), value.NewInteger(n + 1)}, nil
}
func (meanReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	sa, _ := a[0].AsFloat()
	sb, _ := b[0].AsFloat()
	na, _ := a[1].AsInteger()
	nb, _ := b[1].AsInteger()
	return []value.Value{value.NewFloat(sa + sb), value.NewInteger(na + nb)}, nil
}
func (meanReducer) Emit(state []value.Value) (value.Value, error) {
	sum, _ := state[0].AsFloat()
	n, _ := state[1].AsInteger()
	if n == 0 {
		return value.NewUndefined(), nil
	}
	return value.NewFloat(sum / float64(n)), nil
}
func (meanReducer) OutputKind([]value.Kind) value.Kind { return value.Float }

// --- variance / stddev ---
//
// ddof is the user-selectable denominator offset: sample variance uses
// ddof=1, population variance ddof=0.

type varianceReducer struct {
	ddof   int
	stddev bool
}

func (varianceReducer) Init() []value.Value {
	return []value.Value{value.NewFloat(0), value.NewFloat(0), value.NewInteger(0)}
}
func (varianceReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	if inputs[0].IsNA() {
		return state, nil
	}
	f, ok := inputs[0].AsFloat()
	if !ok {
		return nil, objerrors.TypeError("variance: input is not numeric")
	}
	sum, _ := state[0].AsFloat()
	sumSq, _ := state[1].AsFloat()
	n, _ := state[2].AsInteger()
	return []value.Value{value.NewFloat(sum + f), value.NewFloat(sumSq + f*f), value.NewInteger(n + 1)}, nil
}
func (varianceReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	sa, _ := a[0].AsFloat()
	sb, _ := b[0].AsFloat()
	sqa, _ := a[1].AsFloat()
	sqb, _ := b[1].AsFloat()
	na, _ := a[2].AsInteger()
	nb, _ := b[2].AsInteger()
	return []value.Value{value.NewFloat(sa + sb), value.NewFloat(sqa + sqb), value.NewInteger(na + nb)}, nil
}
func (r varianceReducer) Emit(state []value.Value) (value.Value, error) {
	sum, _ := state[0].AsFloat()
	sumSq, _ := state[1].AsFloat()
	n, _ := state[2].AsInteger()
	denom := n - int64(r.ddof)
	if denom <= 0 {
		return value.NewUndefined(), nil
	}
	mean := sum / float64(n)
	variance := (sumSq - float64(n)*mean*mean) / float64(denom)
	if variance < 0 {
		variance = 0
	}
	if r.stddev {
		return value.NewFloat(math.Sqrt(variance)), nil
	}
	return value.NewFloat(variance), nil
}
func (varianceReducer) OutputKind([]value.Kind) value.Kind { return value.Float }

// --- select_one ---

type selectOneReducer struct{}

func (selectOneReducer) Init() []value.Value {
	return []value.Value{value.NewUndefined(), value.NewInteger(0)}
}
func (selectOneReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	set, _ := state[1].AsInteger()
	if set != 0 {
		return state, nil
	}
	return []value.Value{inputs[0], value.NewInteger(1)}, nil
}
func (selectOneReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	set, _ := a[1].AsInteger()
	if set != 0 {
		return a, nil
	}
	return b, nil
}
func (selectOneReducer) Emit(state []value.Value) (value.Value, error) { return state[0], nil }
func (selectOneReducer) OutputKind(inputKinds []value.Kind) value.Kind {
	if len(inputKinds) == 0 {
		return value.Undefined
	}
	return inputKinds[0]
}

// --- zip_to_list ---

type zipToListReducer struct{}

func (zipToListReducer) Init() []value.Value { return []value.Value{value.NewList(nil)} }
func (zipToListReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	items, _ := state[0].AsList()
	return []value.Value{value.NewList(append(append([]value.Value(nil), items...), inputs[0]))}, nil
}
func (zipToListReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	ia, _ := a[0].AsList()
	ib, _ := b[0].AsList()
	return []value.Value{value.NewList(append(append([]value.Value(nil), ia...), ib...))}, nil
}
func (zipToListReducer) Emit(state []value.Value) (value.Value, error) { return state[0], nil }
func (zipToListReducer) OutputKind([]value.Kind) value.Kind            { return value.List }

// --- zip_to_dict ---
//
// inputs = [keyColumn, valueColumn].

type zipToDictReducer struct{}

func (zipToDictReducer) Init() []value.Value { return []value.Value{value.NewDict(nil)} }
func (zipToDictReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	entries, _ := state[0].AsDict()
	out := append([]value.DictEntry(nil), entries...)
	out = append(out, value.DictEntry{Key: inputs[0], Val: inputs[1]})
	return []value.Value{value.NewDict(out)}, nil
}
func (zipToDictReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	ea, _ := a[0].AsDict()
	eb, _ := b[0].AsDict()
	return []value.Value{value.NewDict(append(append([]value.DictEntry(nil), ea...), eb...))}, nil
}
func (zipToDictReducer) Emit(state []value.Value) (value.Value, error) { return state[0], nil }
func (zipToDictReducer) OutputKind([]value.Kind) value.Kind            { return value.Dict }

// --- quantile ---
//
// Collects every contributing value and computes linear-interpolated
// quantiles at emit time.

type quantileReducer struct {
	levels []float64
}

func (quantileReducer) Init() []value.Value { return []value.Value{value.NewList(nil)} }
func (quantileReducer) Add(state, inputs []value.Value) ([]value.Value, error) {
	if inputs[0].IsNA() {
		return state, nil
	}
	items, _ := state[0].AsList()
	return []value.Value{value.NewList(append(append([]value.Value(nil), items...), inputs[0]))}, nil
}
func (quantileReducer) Combine(a, b []value.Value) ([]value.Value, error) {
	ia, _ := a[0].AsList()
	ib, _ := b[0].AsList()
	return []value.Value{value.NewList(append(append([]value.Value(nil), ia...), ib...))}, nil
}
func (r quantileReducer) Emit(state []value.Value) (value.Value, error) {
	items, _ := state[0].AsList()
	sorted := make([]float64, 0, len(items))
	for _, it := range items {
		f, ok := it.AsFloat()
		if !ok {
			return value.Value{}, objerrors.TypeError("quantile: input is not numeric")
		}
		sorted = append(sorted, f)
	}
	sort.Float64s(sorted)

	results := make([]value.Value, len(r.levels))
	for i, lvl := range r.levels {
		results[i] = value.NewFloat(quantileAt(sorted, lvl))
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return value.NewList(results), nil
}
func (r quantileReducer) OutputKind([]value.Kind) value.Kind {
	if len(r.levels) == 1 {
		return value.Float
	}
	return value.List
}

func quantileAt(sorted []float64, level float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := level * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
