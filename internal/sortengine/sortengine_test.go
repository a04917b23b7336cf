package sortengine

import (
	"context"
	"testing"

	"github.com/sframecore/engine/internal/exec"
	"github.com/sframecore/engine/internal/lazy"
	rt "github.com/sframecore/engine/pkg/runtime"
	"github.com/sframecore/engine/pkg/value"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceFrom(names []string, types []value.Kind, cols [][]value.Value) *lazy.Node {
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
		schema[i] = lazy.ColumnSchema{Name: name, Type: types[i]}
	}
	return lazy.NewMemorySource(schema, rows)
}

func collectRows(t *testing.T, n *lazy.Node) []lazy.Row {
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

// TestSortDescendingInMemory: {k:[3,1,2,1], v:[a,b,c,d]}
// sorted by (k desc) -> first column [3,2,1,1]; v is a consistent permutation.
func TestSortDescendingInMemory(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	keys := []value.Value{value.NewInteger(3), value.NewInteger(1), value.NewInteger(2), value.NewInteger(1)}
	vals := []value.Value{value.NewString("a"), value.NewString("b"), value.NewString("c"), value.NewString("d")}
	src := sourceFrom([]string{"k", "v"}, []value.Kind{value.Integer, value.String}, [][]value.Value{keys, vals})

	out, err := Sort(context.Background(), rtx, src, []KeySpec{{ColumnName: "k", Ascending: false}})
	require.NoError(t, err)

	rows := collectRows(t, out)
	require.Len(t, rows, 4)

	want := map[int64][]string{3: {"a"}, 2: {"c"}, 1: {"b", "d"}}
	got := map[int64][]string{}
	var order []int64
	for _, row := range rows {
		k, _ := row[0].AsInteger()
		v, _ := row[1].AsString()
		order = append(order, k)
		got[k] = append(got[k], v)
	}
	assert.Equal(t, []int64{3, 2, 1, 1}, order)
	for k, vs := range want {
		assert.ElementsMatch(t, vs, got[k])
	}
}

// TestSortForcesPartitionedPath shrinks the in-memory sort buffer to zero so
// every row goes through the scatter-partition path, exercising pivot
// derivation and per-partition external sort.
func TestSortForcesPartitionedPath(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	rtx.Config.Sort.BufferBytes = 1
	rtx.Config.Sort.PivotSampleSize = 1000
	rtx.Config.Sort.MaxSortSegments = 4

	n := 200
	keys := make([]value.Value, n)
	for i := 0; i < n; i++ {
		keys[i] = value.NewInteger(int64((n - i) % 50))
	}
	src := sourceFrom([]string{"k"}, []value.Kind{value.Integer}, [][]value.Value{keys})

	out, err := Sort(context.Background(), rtx, src, []KeySpec{{ColumnName: "k", Ascending: true}})
	require.NoError(t, err)

	rows := collectRows(t, out)
	require.Len(t, rows, n)
	for i := 1; i < len(rows); i++ {
		prev, _ := rows[i-1][0].AsInteger()
		cur, _ := rows[i][0].AsInteger()
		assert.LessOrEqual(t, prev, cur)
	}
}

func TestDerivePivotsAllEqualReturnsNil(t *testing.T) {
	sample := [][]value.Value{{value.NewInteger(5)}, {value.NewInteger(5)}, {value.NewInteger(5)}}
	pivots := derivePivots(sample, []bool{true}, 8)
	assert.Nil(t, pivots)
}
