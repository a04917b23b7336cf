package sframe

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sframecore/engine/internal/groupby"
	"github.com/sframecore/engine/internal/join"
	"github.com/sframecore/engine/internal/sortengine"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/sarray"
	"github.com/sframecore/engine/pkg/value"
)

func testRuntime(t *testing.T) *rt.Context {
	t.Helper()
	return rt.NewForTest(t.TempDir())
}

func ints(vs ...int64) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = value.NewInteger(v)
	}
	return out
}

func strsVals(vs ...string) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = value.NewString(v)
	}
	return out
}

func frameOf(t *testing.T, rtx *rt.Context, names []string, kinds []value.Kind, cols [][]value.Value) *SFrame {
	t.Helper()
	arrays := make([]*sarray.SArray, len(cols))
	for i, col := range cols {
		arrays[i] = sarray.FromValues(rtx, kinds[i], col)
	}
	f, err := FromColumns(rtx, names, arrays)
	require.NoError(t, err)
	return f
}

func intColumn(t *testing.T, f *SFrame, name string) []int64 {
	t.Helper()
	col, err := f.SelectColumn(name)
	require.NoError(t, err)
	vals, err := col.Collect()
	require.NoError(t, err)
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i], _ = v.AsInteger()
	}
	return out
}

func TestFromColumnsRejectsDuplicateNames(t *testing.T) {
	rtx := testRuntime(t)
	a := sarray.FromValues(rtx, value.Integer, ints(1))
	b := sarray.FromValues(rtx, value.Integer, ints(2))
	_, err := FromColumns(rtx, []string{"x", "x"}, []*sarray.SArray{a, b})
	require.Error(t, err)
}

func TestSelectColumnsPreservesOrder(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"a", "b", "c"},
		[]value.Kind{value.Integer, value.Integer, value.Integer},
		[][]value.Value{ints(1, 2), ints(10, 20), ints(100, 200)})

	proj, err := f.SelectColumns([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, proj.ColumnNames())
	assert.Equal(t, []int64{100, 200}, intColumn(t, proj, "c"))
	assert.Equal(t, []int64{1, 2}, intColumn(t, proj, "a"))
}

// TestFilterCommutesWithProjection covers the property that logical_filter
// and select_columns can be applied in either order with identical results.
func TestFilterCommutesWithProjection(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"a", "b"},
		[]value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1, 2, 3, 4), ints(10, 20, 30, 40)})
	mask := sarray.FromValues(rtx, value.Integer, ints(1, 0, 1, 0))

	filteredThenProjected, err := f.LogicalFilter(mask)
	require.NoError(t, err)
	filteredThenProjected, err = filteredThenProjected.SelectColumns([]string{"b"})
	require.NoError(t, err)

	projected, err := f.SelectColumns([]string{"b"})
	require.NoError(t, err)
	projectedThenFiltered, err := projected.LogicalFilter(mask)
	require.NoError(t, err)

	assert.Equal(t, intColumn(t, filteredThenProjected, "b"), intColumn(t, projectedThenFiltered, "b"))
	assert.Equal(t, []int64{10, 30}, intColumn(t, filteredThenProjected, "b"))
}

// TestLogicalFilterAllFalseMask: an all-false mask yields zero rows, schema
// preserved, no materialization of the source required.
func TestLogicalFilterAllFalseMask(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"a", "b"},
		[]value.Kind{value.Integer, value.String},
		[][]value.Value{ints(1, 2, 3), strsVals("x", "y", "z")})
	mask := sarray.FromValues(rtx, value.Integer, ints(0, 0, 0))

	filtered, err := f.LogicalFilter(mask)
	require.NoError(t, err)
	assert.False(t, filtered.IsMaterialized())
	assert.Equal(t, []string{"a", "b"}, filtered.ColumnNames())
	assert.Equal(t, []value.Kind{value.Integer, value.String}, filtered.ColumnTypes())

	rows, err := filtered.collectRows()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestAppendAssociativity covers the property append(a, append(b, c)) ==
// append(append(a, b), c) row-wise.
func TestAppendAssociativity(t *testing.T) {
	rtx := testRuntime(t)
	mk := func(vs ...int64) *SFrame {
		return frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer}, [][]value.Value{ints(vs...)})
	}
	a, b, c := mk(1, 2), mk(3), mk(4, 5)

	bc, err := b.Append(c)
	require.NoError(t, err)
	left, err := a.Append(bc)
	require.NoError(t, err)

	ab, err := a.Append(b)
	require.NoError(t, err)
	right, err := ab.Append(c)
	require.NoError(t, err)

	want := []int64{1, 2, 3, 4, 5}
	assert.Equal(t, want, intColumn(t, left, "x"))
	assert.Equal(t, want, intColumn(t, right, "x"))
}

func TestRenameAndSwapColumns(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"a", "b"},
		[]value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1), ints(2)})

	renamed, err := f.Rename("a", "first")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "b"}, renamed.ColumnNames())

	swapped, err := f.SwapColumns("a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, swapped.ColumnNames())
	assert.Equal(t, []int64{2}, intColumn(t, swapped, "b"))
}

func TestWriteOpenRoundTrip(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"id", "name"},
		[]value.Kind{value.Integer, value.String},
		[][]value.Value{ints(1, 2, 3), strsVals("a", "b", "c")})

	dir := filepath.Join(t.TempDir(), "frame")
	require.NoError(t, f.Write(dir))

	reopened, err := Open(rtx, filepath.Join(dir, "index.sframe"))
	require.NoError(t, err)
	assert.True(t, reopened.IsMaterialized())
	assert.Equal(t, []string{"id", "name"}, reopened.ColumnNames())

	n, ok := reopened.NumRows()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []int64{1, 2, 3}, intColumn(t, reopened, "id"))
}

// TestMaterializeIdempotent covers the property that materializing twice
// yields handles with identical row content.
func TestMaterializeIdempotent(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer},
		[][]value.Value{ints(7, 8, 9)})

	m1, err := f.Materialize()
	require.NoError(t, err)
	m2, err := m1.Materialize()
	require.NoError(t, err)

	assert.True(t, m1.IsMaterialized())
	assert.True(t, m2.IsMaterialized())
	assert.Equal(t, intColumn(t, m1, "x"), intColumn(t, m2, "x"))
}

// TestGroupbyCountSum exercises count and sum reducers at the SFrame surface.
func TestGroupbyCountSum(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"user", "movie"},
		[]value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(5, 5, 6, 7), ints(10, 15, 12, 13)})

	count, err := groupby.ParseReducerName("count", 0)
	require.NoError(t, err)
	sum, err := groupby.ParseReducerName("sum", 0)
	require.NoError(t, err)

	out, err := f.Groupby([]string{"user"}, []groupby.AggregatorSpec{
		{OutputName: "n", Reducer: count},
		{OutputName: "total", InputNames: []string{"movie"}, Reducer: sum},
	})
	require.NoError(t, err)

	rows, err := out.collectRows()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	sort.Slice(rows, func(i, j int) bool {
		a, _ := rows[i][0].AsInteger()
		b, _ := rows[j][0].AsInteger()
		return a < b
	})

	type g struct{ user, n, total int64 }
	wants := []g{{5, 2, 25}, {6, 1, 12}, {7, 1, 13}}
	for i, w := range wants {
		user, _ := rows[i][0].AsInteger()
		n, _ := rows[i][1].AsInteger()
		total, _ := rows[i][2].AsFloat()
		assert.Equal(t, w.user, user)
		assert.Equal(t, w.n, n)
		assert.Equal(t, float64(w.total), total)
	}
}

// TestSortDescending exercises a descending single-key sort at the SFrame surface.
func TestSortDescending(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"k", "v"},
		[]value.Kind{value.Integer, value.String},
		[][]value.Value{ints(3, 1, 2, 1), strsVals("a", "b", "c", "d")})

	sorted, err := f.Sort([]sortengine.KeySpec{{ColumnName: "k", Ascending: false}})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 2, 1, 1}, intColumn(t, sorted, "k"))

	col, err := sorted.SelectColumn("v")
	require.NoError(t, err)
	vals, err := col.Collect()
	require.NoError(t, err)
	var got []string
	for _, v := range vals {
		s, _ := v.AsString()
		got = append(got, s)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, got)
	assert.Equal(t, "a", got[0])
	assert.Equal(t, "c", got[1])
}

func TestJoinInner(t *testing.T) {
	rtx := testRuntime(t)
	left := frameOf(t, rtx, []string{"k", "lv"},
		[]value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1, 2, 3), ints(10, 20, 30)})
	right := frameOf(t, rtx, []string{"k", "rv"},
		[]value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(2, 3, 4), ints(200, 300, 400)})

	out, err := left.Join(right, []join.ColumnPair{{Left: "k", Right: "k"}}, join.Inner)
	require.NoError(t, err)

	rows, err := out.collectRows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, row := range rows {
		k, _ := row[0].AsInteger()
		assert.Contains(t, []int64{2, 3}, k)
	}
}

func TestStackListColumn(t *testing.T) {
	rtx := testRuntime(t)
	lists := []value.Value{
		value.NewList([]value.Value{value.NewInteger(1), value.NewInteger(2)}),
		value.NewList([]value.Value{value.NewInteger(3)}),
	}
	f := frameOf(t, rtx, []string{"id", "items"},
		[]value.Kind{value.Integer, value.List},
		[][]value.Value{ints(7, 8), lists})

	stacked, err := f.Stack("items", []string{"item"})
	require.NoError(t, err)

	rows, err := stacked.collectRows()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	ids := []int64{}
	for _, row := range rows {
		id, _ := row[0].AsInteger()
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{7, 7, 8}, ids)
}

func TestPackColumnsToList(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"a", "b", "id"},
		[]value.Kind{value.Integer, value.Integer, value.Integer},
		[][]value.Value{ints(1, 2), ints(10, 20), ints(100, 200)})

	packed, err := f.PackColumns([]string{"a", "b"}, "pair", value.List)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "pair"}, packed.ColumnNames())

	rows, err := packed.collectRows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	items, ok := rows[0][1].AsList()
	require.True(t, ok)
	require.Len(t, items, 2)
	first, _ := items[0].AsInteger()
	assert.Equal(t, int64(1), first)
}

func TestCSVRoundTrip(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"id", "label"},
		[]value.Kind{value.Integer, value.String},
		[][]value.Value{ints(1, 2), strsVals("alpha", "beta,comma")})

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, f.WriteCSV(path))

	back, err := ReadCSV(rtx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "label"}, back.ColumnNames())
	assert.Equal(t, []int64{1, 2}, intColumn(t, back, "id"))

	col, err := back.SelectColumn("label")
	require.NoError(t, err)
	vals, err := col.Collect()
	require.NoError(t, err)
	s, _ := vals[1].AsString()
	assert.Equal(t, "beta,comma", s)
}

func TestJSONRoundTrip(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"id", "name"},
		[]value.Kind{value.Integer, value.String},
		[][]value.Value{ints(1, 2), strsVals("x", "y")})

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, f.WriteJSON(path))

	back, err := ReadJSON(rtx, path)
	require.NoError(t, err)
	n, ok := back.NumRows()
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
}

func TestCopyRangeWithStep(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer},
		[][]value.Value{ints(0, 1, 2, 3, 4, 5)})

	out, err := f.CopyRange(1, 2, 6)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, intColumn(t, out, "x"))
}

func TestRandomSplitPartitionsAllRows(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer},
		[][]value.Value{ints(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)})

	a, b, err := f.RandomSplit(0.5, 42)
	require.NoError(t, err)
	na, _ := a.NumRows()
	nb, _ := b.NumRows()
	assert.Equal(t, int64(10), na+nb)
}

func TestRowIterator(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer},
		[][]value.Value{ints(1, 2, 3)})

	it, err := f.Rows()
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		v, _ := row[0].AsInteger()
		got = append(got, v)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestCloseReclaimsMaterializedFiles(t *testing.T) {
	rtx := testRuntime(t)
	f := frameOf(t, rtx, []string{"x"}, []value.Kind{value.Integer},
		[][]value.Value{ints(1, 2, 3)})

	m, err := f.Materialize()
	require.NoError(t, err)
	indexPath := m.handle.URL()
	colIndex := filepath.Join(filepath.Dir(indexPath), "x.sidx")
	require.FileExists(t, indexPath)
	require.FileExists(t, colIndex)

	require.NoError(t, m.Close())
	assert.NoFileExists(t, indexPath)
	assert.NoFileExists(t, colIndex, "per-column files are reclaimed with the table index on last release")
}

