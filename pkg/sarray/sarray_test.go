package sarray

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rt "github.com/sframecore/engine/pkg/runtime"
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

// TestTransformThenFilter: [1,2,3,4,5], x -> x*2, filter
// > 5, materialize -> [6,8,10].
func TestTransformThenFilter(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(1, 2, 3, 4, 5))

	doubled := a.Transform(func(v value.Value) (value.Value, error) {
		i, _ := v.AsInteger()
		return value.NewInteger(i * 2), nil
	}, value.Integer)

	filtered := doubled.Filter(func(v value.Value) (bool, error) {
		i, _ := v.AsInteger()
		return i > 5, nil
	})

	out, err := filtered.Collect()
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, want := range []int64{6, 8, 10} {
		got, _ := out[i].AsInteger()
		assert.Equal(t, want, got)
	}

	mat, err := filtered.Materialize()
	require.NoError(t, err)
	assert.True(t, mat.IsMaterialized())
	n, ok := mat.Size()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
}

// TestAppendAdditiveSize: append reports size without
// materialization and round-trips the concatenated content.
func TestAppendAdditiveSize(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(1, 2, 3))
	b := FromValues(r, value.Integer, ints(4, 5))

	appended, err := a.Append(b)
	require.NoError(t, err)

	n, ok := appended.Size()
	require.True(t, ok)
	assert.Equal(t, int64(5), n)
	assert.False(t, appended.IsMaterialized())

	out, err := appended.Collect()
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, want := range []int64{1, 2, 3, 4, 5} {
		got, _ := out[i].AsInteger()
		assert.Equal(t, want, got)
	}
}

func TestLogicalFilterAllFalseMaskIsEmpty(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(1, 2, 3))
	mask := FromValues(r, value.Integer, ints(0, 0, 0))

	filtered, err := a.LogicalFilter(mask)
	require.NoError(t, err)

	out, err := filtered.Collect()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRoundTripMaterialize(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(10, 20, 30))

	mat, err := a.Materialize()
	require.NoError(t, err)

	reopened, err := Open(r, materializedIndexPath(t, mat))
	require.NoError(t, err)

	out, err := reopened.Collect()
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, want := range []int64{10, 20, 30} {
		got, _ := out[i].AsInteger()
		assert.Equal(t, want, got)
	}
}

func materializedIndexPath(t *testing.T, a *SArray) string {
	t.Helper()
	require.NotNil(t, a.handle)
	return a.handle.URL()
}

func TestDropMissingAndFillMissing(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, []value.Value{
		value.NewInteger(1), value.NewUndefined(), value.NewInteger(3),
	})

	dropped, err := a.DropMissing().Collect()
	require.NoError(t, err)
	assert.Len(t, dropped, 2)

	filled := a.FillMissing(value.NewInteger(0))
	out, err := filled.Collect()
	require.NoError(t, err)
	require.Len(t, out, 3)
	got, _ := out[1].AsInteger()
	assert.Equal(t, int64(0), got)
}

func TestSumMeanVar(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(1, 2, 3, 4))

	sum, err := a.Sum()
	require.NoError(t, err)
	sumF, _ := sum.AsFloat()
	assert.Equal(t, 10.0, sumF)

	mean, err := a.Mean()
	require.NoError(t, err)
	assert.Equal(t, 2.5, mean)
}

func TestNgramCounts(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.String, []value.Value{value.NewString("a b a")})
	counts, err := a.NgramCounts(1, true)
	require.NoError(t, err)
	out, err := counts.Collect()
	require.NoError(t, err)
	require.Len(t, out, 1)
	entries, ok := out[0].AsDict()
	require.True(t, ok)
	seen := map[string]int64{}
	for _, e := range entries {
		s, _ := e.Key.AsString()
		n, _ := e.Val.AsInteger()
		seen[s] = n
	}
	assert.Equal(t, int64(2), seen["a"])
	assert.Equal(t, int64(1), seen["b"])
}

func TestCloseReclaimsMaterializedFiles(t *testing.T) {
	r := testRuntime(t)
	a := FromValues(r, value.Integer, ints(1, 2, 3))

	mat, err := a.Materialize()
	require.NoError(t, err)
	indexPath := materializedIndexPath(t, mat)
	segPath := strings.TrimSuffix(indexPath, ".sidx") + ".0.sseg"
	require.FileExists(t, indexPath)
	require.FileExists(t, segPath)

	require.NoError(t, mat.Close())
	assert.NoFileExists(t, indexPath)
	assert.NoFileExists(t, segPath, "segment files are reclaimed with the index on last release")
}

