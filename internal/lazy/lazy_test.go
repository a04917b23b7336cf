package lazy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sframecore/engine/pkg/value"
)

func intRows(vs ...int64) []Row {
	out := make([]Row, len(vs))
	for i, v := range vs {
		out[i] = Row{value.NewInteger(v)}
	}
	return out
}

func intSource(vs ...int64) *Node {
	schema := []ColumnSchema{{Name: "value", Type: value.Integer}}
	return NewMemorySource(schema, intRows(vs...))
}

func drain(t *testing.T, src RowSource) []Row {
	t.Helper()
	var out []Row
	for {
		row, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, row)
	}
}

func TestMemorySourceKnownRows(t *testing.T) {
	src := intSource(1, 2, 3)
	n, ok := src.NumRows()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	rs, err := src.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()
	rows := drain(t, rs)
	require.Len(t, rows, 3)
}

func TestMemorySourceClampsUnboundedRange(t *testing.T) {
	src := intSource(1, 2, 3)
	rs, err := src.InstantiateRange(0, int64(^uint64(0)>>1))
	require.NoError(t, err)
	defer rs.Close()
	assert.Len(t, drain(t, rs), 3)
}

func TestAppendRowCountIsAdditive(t *testing.T) {
	a := intSource(1, 2, 3)
	b := intSource(4, 5)
	app, err := NewAppend(a, b)
	require.NoError(t, err)

	n, ok := app.NumRows()
	require.True(t, ok)
	assert.Equal(t, int64(5), n)

	rs, err := app.InstantiateRange(0, 5)
	require.NoError(t, err)
	defer rs.Close()
	rows := drain(t, rs)
	require.Len(t, rows, 5)
	for i, want := range []int64{1, 2, 3, 4, 5} {
		got, _ := rows[i][0].AsInteger()
		assert.Equal(t, want, got)
	}
}

func TestAppendRangeStraddlesChildBoundary(t *testing.T) {
	a := intSource(1, 2, 3)
	b := intSource(4, 5)
	app, err := NewAppend(a, b)
	require.NoError(t, err)

	rs, err := app.InstantiateRange(2, 4)
	require.NoError(t, err)
	defer rs.Close()
	rows := drain(t, rs)
	require.Len(t, rows, 2)
	g0, _ := rows[0][0].AsInteger()
	g1, _ := rows[1][0].AsInteger()
	assert.Equal(t, int64(3), g0)
	assert.Equal(t, int64(4), g1)
}

func TestZipAlignsChildrenRowForRow(t *testing.T) {
	a := intSource(1, 2, 3)
	b := intSource(10, 20, 30)
	z, err := NewZip(a, b)
	require.NoError(t, err)
	require.Len(t, z.Schema, 2)

	rs, err := z.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()
	rows := drain(t, rs)
	require.Len(t, rows, 3)
	for i, row := range rows {
		left, _ := row[0].AsInteger()
		right, _ := row[1].AsInteger()
		assert.Equal(t, int64(i+1), left)
		assert.Equal(t, int64((i+1)*10), right)
	}
}

func TestFilterPredicateRowCountUnknown(t *testing.T) {
	src := intSource(1, 2, 3, 4)
	f := NewFilterPredicate(src, func(row Row) (bool, error) {
		i, _ := row[0].AsInteger()
		return i%2 == 0, nil
	})
	_, ok := f.NumRows()
	assert.False(t, ok)

	rs, err := f.InstantiateRange(0, 4)
	require.NoError(t, err)
	defer rs.Close()
	rows := drain(t, rs)
	require.Len(t, rows, 2)
}

func TestFlatMapExpandsAndDropsRows(t *testing.T) {
	src := intSource(0, 2, 3)
	fm := NewFlatMap(src, src.Schema, func(row Row) ([]Row, error) {
		n, _ := row[0].AsInteger()
		out := make([]Row, n)
		for i := range out {
			out[i] = Row{row[0]}
		}
		return out, nil
	})

	rs, err := fm.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()
	// 0 copies of 0, 2 copies of 2, 3 copies of 3.
	assert.Len(t, drain(t, rs), 5)
}

// --- pace assignment (smart sharing) ---

func TestTransformChildInheritsPace(t *testing.T) {
	src := intSource(1, 2, 3)
	tr := NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })

	pa := NewPaceAssignment()
	pace := pa.Walk(tr)
	assert.True(t, pa.SharesInstance(src.ID, pace),
		"a 1-to-1 transform consumes its input row-for-row; the child shares the pace-id")
}

func TestFilterChildGetsFreshPace(t *testing.T) {
	src := intSource(1, 2, 3)
	f := NewFilterPredicate(src, func(Row) (bool, error) { return true, nil })

	pa := NewPaceAssignment()
	pace := pa.Walk(f)
	assert.False(t, pa.SharesInstance(src.ID, pace),
		"a pace-changing filter's input advances at a different cadence than its output")
}

func TestZipOverTransformsSharesSource(t *testing.T) {
	src := intSource(1, 2, 3)
	t1 := NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })
	t2 := NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })
	z, err := NewZip(t1, t2)
	require.NoError(t, err)

	pa := NewPaceAssignment()
	pace := pa.Walk(z)
	// Both transforms inherit the zip's pace, so src is reached twice under
	// the same pace-id and one execution instance can serve both consumers.
	assert.True(t, pa.SharesInstance(src.ID, pace))
}

func TestUnionChildrenGetIndependentPaces(t *testing.T) {
	a := intSource(1, 2)
	b := intSource(3, 4)
	u, err := NewUnion(a, b)
	require.NoError(t, err)

	pa := NewPaceAssignment()
	pace := pa.Walk(u)
	assert.False(t, pa.SharesInstance(a.ID, pace))
	assert.False(t, pa.SharesInstance(b.ID, pace))
}

func TestTwoIndependentConsumersDoNotShare(t *testing.T) {
	src := intSource(1, 2, 3)
	t1 := NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })
	t2 := NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })

	pa := NewPaceAssignment()
	p1 := pa.Walk(t1)
	p2 := pa.Walk(t2)
	assert.NotEqual(t, p1, p2)
	assert.True(t, pa.SharesInstance(src.ID, p1))
	assert.True(t, pa.SharesInstance(src.ID, p2))
	// src appears under both pace-ids: each top-level consumer re-executes
	// the shared subtree independently.
}

// --- runtime sharing: same pace executes once, different pace twice ---

func TestSameNodeSamePaceExecutesOnce(t *testing.T) {
	src := intSource(1, 2, 3)
	var calls int
	counted := NewTransform(src, src.Schema, func(row Row) (Row, error) {
		calls++
		return row, nil
	})
	t1 := NewTransform(counted, counted.Schema, func(row Row) (Row, error) { return row, nil })
	t2 := NewTransform(counted, counted.Schema, func(row Row) (Row, error) { return row, nil })
	z, err := NewZip(t1, t2)
	require.NoError(t, err)

	rs, err := z.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()

	rows := drain(t, rs)
	require.Len(t, rows, 3)
	for i, row := range rows {
		left, _ := row[0].AsInteger()
		right, _ := row[1].AsInteger()
		assert.Equal(t, int64(i+1), left)
		assert.Equal(t, int64(i+1), right)
	}
	assert.Equal(t, 3, calls, "both zip arms reach the counted node at the same pace; it must run once per row, not once per consumer")
}

func TestSameNodeDifferentPaceExecutesIndependently(t *testing.T) {
	src := intSource(1, 2, 3)
	var calls int
	counted := NewTransform(src, src.Schema, func(row Row) (Row, error) {
		calls++
		return row, nil
	})
	// The filter changes cadence, so its arm consumes counted under a
	// different pace-id than the direct arm and must not share an instance.
	keepAll := NewFilterPredicate(counted, func(Row) (bool, error) { return true, nil })
	z, err := NewZip(counted, keepAll)
	require.NoError(t, err)

	rs, err := z.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()

	rows := drain(t, rs)
	require.Len(t, rows, 3)
	assert.Equal(t, 6, calls, "a different-pace consumer re-executes the shared subtree independently")
}

// TestSharedConsumersMatchIndependentExecution: rows seen through a shared
// instance equal those of a standalone run of the same subtree.
func TestSharedConsumersMatchIndependentExecution(t *testing.T) {
	mk := func() *Node {
		src := intSource(4, 5, 6)
		return NewTransform(src, src.Schema, func(row Row) (Row, error) { return row, nil })
	}

	shared := mk()
	z, err := NewZip(shared, shared)
	require.NoError(t, err)
	rs, err := z.InstantiateRange(0, 3)
	require.NoError(t, err)
	defer rs.Close()
	sharedRows := drain(t, rs)

	standalone, err := mk().InstantiateRange(0, 3)
	require.NoError(t, err)
	defer standalone.Close()
	independentRows := drain(t, standalone)

	require.Len(t, sharedRows, len(independentRows))
	for i := range sharedRows {
		assert.True(t, sharedRows[i][0].Equal(independentRows[i][0]))
		assert.True(t, sharedRows[i][1].Equal(independentRows[i][0]))
	}
}

