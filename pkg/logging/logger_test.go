package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: Warn, Output: &buf, Format: FormatText})

	l.Info("should not appear")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestJSONFormatIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: Debug, Output: &buf, Format: FormatJSON}).WithComponent("cache")

	l.Debug("spill", "cache_id", 42, "bytes", 1024)

	var entry Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "DEBUG", entry.Level)
	assert.Equal(t, "cache", entry.Component)
	assert.Equal(t, "spill", entry.Message)
	assert.EqualValues(t, 42, entry.Fields["cache_id"])
}

func TestWithAttachesFieldsToSubsequentEntries(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: Info, Output: &buf, Format: FormatText}).With("query_id", "q1")

	l.Info("started")
	assert.Contains(t, buf.String(), "query_id=q1")
}

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	root := New(Config{Level: Warn, Output: &buf, Format: FormatText})
	root.SetComponentLevel("noisy", Debug)

	child := root.WithComponent("noisy")
	child.Debug("verbose detail")

	assert.True(t, strings.Contains(buf.String(), "verbose detail"))
}
