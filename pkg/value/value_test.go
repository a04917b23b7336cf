package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNA(t *testing.T) {
	assert.True(t, NewUndefined().IsNA())
	assert.True(t, NewFloat(math.NaN()).IsNA())
	assert.False(t, NewFloat(1.0).IsNA())
	assert.False(t, NewInteger(0).IsNA())
}

func TestNoCrossTypeEquality(t *testing.T) {
	assert.False(t, NewInteger(3).Equal(NewString("3")))
	assert.False(t, NewInteger(3).Equal(NewFloat(3)))
	assert.True(t, NewInteger(3).Equal(NewInteger(3)))
}

func TestNoCrossTypeHashCollisionExpected(t *testing.T) {
	// Integer 3 must hash differently than string "3".
	assert.NotEqual(t, NewInteger(3).Hash64(), NewString("3").Hash64())
}

func TestUndefinedHashIsFixedConstant(t *testing.T) {
	a := NewUndefined().Hash64()
	b := NewUndefined().Hash64()
	assert.Equal(t, a, b)

	// Constant across a second independently constructed value too.
	c := Value{}.Hash64()
	assert.Equal(t, a, c)
}

func TestDictEqualityOrderIndependent(t *testing.T) {
	d1 := NewDict([]DictEntry{
		{Key: NewString("a"), Val: NewInteger(1)},
		{Key: NewString("b"), Val: NewInteger(2)},
	})
	d2 := NewDict([]DictEntry{
		{Key: NewString("b"), Val: NewInteger(2)},
		{Key: NewString("a"), Val: NewInteger(1)},
	})
	assert.True(t, d1.Equal(d2))
	assert.Equal(t, d1.Hash64(), d2.Hash64())
}

func TestDictXORFoldCanCollideBySwappedPairs(t *testing.T) {
	// Documented design note: {a:1,b:2} and {a:2,b:1} collide under
	// XOR-fold hashing even though they are not Equal. This test locks in
	// that documented (not "fixed") behavior rather than silently patching it.
	d1 := NewDict([]DictEntry{
		{Key: NewString("a"), Val: NewInteger(1)},
		{Key: NewString("b"), Val: NewInteger(2)},
	})
	d2 := NewDict([]DictEntry{
		{Key: NewString("a"), Val: NewInteger(2)},
		{Key: NewString("b"), Val: NewInteger(1)},
	})
	assert.False(t, d1.Equal(d2))
	assert.Equal(t, d1.Hash64(), d2.Hash64(), "XOR fold is documented to collide on swapped pairings")
}

func TestVectorEquality(t *testing.T) {
	a := NewVector([]float64{1, 2, 3})
	b := NewVector([]float64{1, 2, 3})
	c := NewVector([]float64{1, 2, 4})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCompareNumericCrossKind(t *testing.T) {
	cmp, ok := NewInteger(3).Compare(NewFloat(3.5))
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)
}

func TestCompareIncomparableKinds(t *testing.T) {
	_, ok := NewString("x").Compare(NewDateTime(DateTimeData{Seconds: 1}))
	assert.False(t, ok)
}

func TestCSVQuotingAndEscaping(t *testing.T) {
	opts := DefaultCSVOptions()
	v := NewString(`hello, "world"`)
	csv := v.CSV(opts)
	assert.Equal(t, `"hello, ""world"""`, csv)
}

func TestCSVUndefinedRendersNAText(t *testing.T) {
	opts := DefaultCSVOptions()
	opts.NAText = "NULL"
	assert.Equal(t, "NULL", NewUndefined().CSV(opts))
}

func TestJSONEmission(t *testing.T) {
	d := NewDict([]DictEntry{{Key: NewString("x"), Val: NewInteger(1)}})
	js, err := d.JSON()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(js))
}
