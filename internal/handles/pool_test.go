package handles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSharesHandleForSameURL(t *testing.T) {
	p := New(Config{}, nil)
	h1 := p.Register("file:///tmp/a")
	h2 := p.Register("file:///tmp/a")

	assert.Equal(t, 1, p.LiveCount())

	h1.Release()
	assert.Equal(t, 1, p.LiveCount(), "second reference still live")
	h2.Release()
	assert.Equal(t, 0, p.LiveCount())
}

func TestDeleteOnlyHappensAfterLastHandleDrops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	p := New(Config{}, nil)
	h1 := p.Register(path)
	h2 := h1.Retain()
	h1.MarkForDelete()

	h1.Release()
	assert.FileExists(t, path, "file must survive while h2 is still live")

	h2.Release()
	assert.NoFileExists(t, path, "file removed once last handle drops")
}

func TestWithoutDeleteOnDropFileSurvives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	p := New(Config{}, nil)
	h := p.Register(path)
	h.Release()

	assert.FileExists(t, path)
}

func TestMarkForDeleteViaPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	p := New(Config{}, nil)
	h := p.Register(path)
	p.MarkForDelete(path)
	h.Release()

	assert.NoFileExists(t, path)
}

func TestSweepEveryNRegistrations(t *testing.T) {
	p := New(Config{SweepEveryN: 4}, nil)
	for i := 0; i < 3; i++ {
		h := p.Register("file:///tmp/transient")
		h.Release()
	}
	// Fourth registration triggers a sweep pass; the entry should still be
	// gone since refcount dropped to zero each time.
	h := p.Register("file:///tmp/transient")
	defer h.Release()
	assert.Equal(t, 1, p.LiveCount())
}

func TestDeleteRemovesAssociatedFiles(t *testing.T) {
	dir := t.TempDir()
	idx := filepath.Join(dir, "col.sidx")
	seg := filepath.Join(dir, "col.0.sseg")
	require.NoError(t, os.WriteFile(idx, []byte("i"), 0o644))
	require.NoError(t, os.WriteFile(seg, []byte("s"), 0o644))

	p := New(Config{}, nil)
	h := p.Register(idx, seg)
	h.MarkForDelete()
	h.Release()

	assert.NoFileExists(t, idx)
	assert.NoFileExists(t, seg, "segment files belong to the artifact and are removed with it")
}

