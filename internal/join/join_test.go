package join

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

func ints(vs ...int64) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = value.NewInteger(v)
	}
	return out
}

// TestInnerJoinMultiplicity covers the join-multiplicity property: row count
// equals the sum over matching key groups of |left group| x |right group|.
// left.k = [1,1,2,3] (two rows with k=1, one with k=2, one with k=3);
// right.k = [1,2,2] (one row with k=1, two with k=2); key 3 has no match.
func TestInnerJoinMultiplicity(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	left := sourceFrom([]string{"k", "lv"}, []value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1, 1, 2, 3), ints(10, 11, 12, 13)})
	right := sourceFrom([]string{"k", "rv"}, []value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1, 2, 2), ints(100, 200, 201)})

	out, err := Join(context.Background(), rtx, left, right, []ColumnPair{{Left: "k", Right: "k"}}, Inner)
	require.NoError(t, err)

	rows := collectRows(t, out)
	// key 1: 2 left x 1 right = 2; key 2: 1 left x 2 right = 2; key 3: 0.
	assert.Len(t, rows, 4)

	for _, row := range rows {
		k, _ := row[0].AsInteger()
		assert.NotEqual(t, int64(3), k, "key 3 has no right-side match and must not appear in an inner join")
	}
}

// TestLeftJoinPreservesUnmatchedLeftRows covers the left-join edge case: a
// left row whose key has no right-side match still appears once, with right
// columns undefined.
func TestLeftJoinPreservesUnmatchedLeftRows(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	left := sourceFrom([]string{"k", "lv"}, []value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1, 2), ints(10, 20)})
	right := sourceFrom([]string{"k", "rv"}, []value.Kind{value.Integer, value.Integer},
		[][]value.Value{ints(1), ints(100)})

	out, err := Join(context.Background(), rtx, left, right, []ColumnPair{{Left: "k", Right: "k"}}, Left)
	require.NoError(t, err)

	rows := collectRows(t, out)
	require.Len(t, rows, 2)

	var sawUnmatched bool
	for _, row := range rows {
		k, _ := row[0].AsInteger()
		if k == 2 {
			sawUnmatched = true
			assert.True(t, row[2].IsNA())
		}
	}
	assert.True(t, sawUnmatched)
}

func TestJoinTypeMismatchFails(t *testing.T) {
	rtx := rt.NewForTest(t.TempDir())
	left := sourceFrom([]string{"k"}, []value.Kind{value.Integer}, [][]value.Value{ints(1)})
	right := sourceFrom([]string{"k"}, []value.Kind{value.String}, [][]value.Value{{value.NewString("1")}})

	_, err := Join(context.Background(), rtx, left, right, []ColumnPair{{Left: "k", Right: "k"}}, Inner)
	assert.Error(t, err)
}
