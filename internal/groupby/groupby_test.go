package groupby

import (
	"context"
	"sort"
	"testing"

	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/lazy"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ints(vs ...int64) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = value.NewInteger(v)
	}
	return out
}

func sourceFrom(t *testing.T, names []string, cols [][]value.Value) *lazy.Node {
	t.Helper()
	n := len(cols[0])
	rows := make([]lazy.Row, n)
	for r := 0; r < n; r++ {
		row := make(lazy.Row, len(cols))
		for c := range cols {
			row[c] = cols[c][r]
		}
		rows[r] = row
	}
	schema := make([]lazy.ColumnSchema, len(names))
	for i, name := range names {
		schema[i] = lazy.ColumnSchema{Name: name, Type: value.Integer}
	}
	return lazy.NewMemorySource(schema, rows)
}

func collect(t *testing.T, n *lazy.Node) []lazy.Row {
	t.Helper()
	rows, err := exec.Execute(context.Background(), n, 1)
	require.NoError(t, err)
	defer rows.Close()
	var out []lazy.Row
	for {
		row, ok, err := rows.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, row)
	}
	return out
}

// TestGroupbyUserCountSum groups {user, movie} by user with count and
// sum(movie), matching user:[5,5,6,7], movie:[10,15,12,13] ->
// {5,2,25},{6,1,12},{7,1,13}.
func TestGroupbyUserCountSum(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	src := sourceFrom(t, []string{"user", "movie"},
		[][]value.Value{ints(5, 5, 6, 7), ints(10, 15, 12, 13)})

	aggs := []AggregatorSpec{
		{OutputName: "n", Reducer: countReducer{}},
		{OutputName: "total", InputNames: []string{"movie"}, Reducer: sumReducer{}},
	}

	out, err := Run(context.Background(), rtx, src, []string{"user"}, aggs)
	require.NoError(t, err)

	rows := collect(t, out)
	require.Len(t, rows, 3)

	sort.Slice(rows, func(i, j int) bool {
		ui, _ := rows[i][0].AsInteger()
		uj, _ := rows[j][0].AsInteger()
		return ui < uj
	})

	type want struct {
		user, n, total int64
	}
	wants := []want{{5, 2, 25}, {6, 1, 12}, {7, 1, 13}}
	for i, w := range wants {
		u, _ := rows[i][0].AsInteger()
		n, _ := rows[i][1].AsInteger()
		total, _ := rows[i][2].AsFloat()
		assert.Equal(t, w.user, u)
		assert.Equal(t, w.n, n)
		assert.Equal(t, float64(w.total), total)
	}
}

// TestGroupbyNoKeysSingleGroup covers the empty-key-list edge case: every row
// collapses into one group.
func TestGroupbyNoKeysSingleGroup(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	src := sourceFrom(t, []string{"x"}, [][]value.Value{ints(1, 2, 3, 4)})

	aggs := []AggregatorSpec{
		{OutputName: "n", Reducer: countReducer{}},
		{OutputName: "total", InputNames: []string{"x"}, Reducer: sumReducer{}},
	}
	out, err := Run(context.Background(), rtx, src, nil, aggs)
	require.NoError(t, err)

	rows := collect(t, out)
	require.Len(t, rows, 1)
	n, _ := rows[0][0].AsInteger()
	total, _ := rows[0][1].AsFloat()
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 10.0, total)
}

// TestGroupbySpillsAcrossRowBudget forces the bucket row budget low enough
// that groups spill to disk mid-scan, exercising the merge path.
func TestGroupbySpillsAcrossRowBudget(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	rtx.Config.Groupby.Buckets = 1
	rtx.Config.Groupby.RowBudget = 2

	keys := make([]value.Value, 0, 100)
	vals := make([]value.Value, 0, 100)
	for i := int64(0); i < 100; i++ {
		keys = append(keys, value.NewInteger(i%5))
		vals = append(vals, value.NewInteger(1))
	}
	src := sourceFrom(t, []string{"k", "v"}, [][]value.Value{keys, vals})

	aggs := []AggregatorSpec{{OutputName: "total", InputNames: []string{"v"}, Reducer: sumReducer{}}}
	out, err := Run(context.Background(), rtx, src, []string{"k"}, aggs)
	require.NoError(t, err)

	rows := collect(t, out)
	require.Len(t, rows, 5)
	for _, row := range rows {
		total, _ := row[1].AsFloat()
		assert.Equal(t, 20.0, total)
	}
}

func TestParseReducerNameQuantile(t *testing.T) {
	r, err := ParseReducerName("quantile-0.5,0.9", 1)
	require.NoError(t, err)
	_, ok := r.(quantileReducer)
	assert.True(t, ok)

	_, err = ParseReducerName("not_a_reducer", 1)
	assert.Error(t, err)

	_, err = ParseReducerName("quantile-1.5", 1)
	assert.Error(t, err)
}
