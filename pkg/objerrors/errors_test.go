package objerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesContext(t *testing.T) {
	err := New(CodeFormatError, "bad footer magic").
		WithComponent("blockfmt").
		WithOperation("open_segment").
		WithURL("s3://bucket/seg.bin").
		WithRows(10, 20).
		WithColumn("user")

	msg := err.Error()
	assert.Contains(t, msg, "blockfmt:open_segment")
	assert.Contains(t, msg, "FORMAT_ERROR")
	assert.Contains(t, msg, "s3://bucket/seg.bin")
	assert.Contains(t, msg, "[10,20)")
	assert.Contains(t, msg, "user")
}

func TestErrorIsMatchesByCode(t *testing.T) {
	e1 := New(CodeIoError, "read failed")
	e2 := New(CodeIoError, "different message, same code")
	e3 := New(CodeTypeError, "unrelated")

	assert.True(t, errors.Is(e1, e2))
	assert.False(t, errors.Is(e1, e3))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := IoError("write", "/tmp/x", cause)

	require.Error(t, err)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestCategoryDerivedFromCode(t *testing.T) {
	cases := []struct {
		code Code
		want Category
	}{
		{CodeOpenError, CategoryIO},
		{CodeIoError, CategoryIO},
		{CodeFormatError, CategoryFormat},
		{CodeTypeError, CategoryType},
		{CodeConfigError, CategoryConfig},
		{CodeRangeError, CategoryRange},
		{CodeUnsupportedOperation, CategoryUnsupported},
		{CodeCancelled, CategoryCancellation},
		{CodeInternal, CategoryInternal},
	}
	for _, c := range cases {
		got := New(c.code, "x")
		assert.Equal(t, c.want, got.Category, "code=%s", c.code)
	}
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(Cancelled()))
	assert.False(t, IsCancelled(Internal("boom")))
	assert.False(t, IsCancelled(errors.New("plain")))
}

func TestJSONOmitsCause(t *testing.T) {
	err := IoError("read", "file:///tmp/a", errors.New("secret-ish detail"))
	js := err.JSON()
	assert.Contains(t, js, "IO_ERROR")
	assert.NotContains(t, js, "secret-ish detail")
}
