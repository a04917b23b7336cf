package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPerBlockLimit(t *testing.T) {
	cfg := Default()
	cfg.Cache.PerBlockLimitBytes = cfg.Cache.GlobalBudgetBytes + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_block_limit_bytes")
}

func TestValidateRejectsBadCompressionRatio(t *testing.T) {
	cfg := Default()
	cfg.BlockFormat.CompressionDisableRatio = 1.5
	require.Error(t, cfg.Validate())
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "groupby:\n  buckets: 128\n  row_budget: 5000\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Groupby.Buckets)
	assert.Equal(t, 5000, cfg.Groupby.RowBudget)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().Sort.PivotSampleSize, cfg.Sort.PivotSampleSize)
}

func TestValidateQuantileLevel(t *testing.T) {
	assert.NoError(t, ValidateQuantileLevel(0))
	assert.NoError(t, ValidateQuantileLevel(1))
	assert.NoError(t, ValidateQuantileLevel(0.5))
	assert.Error(t, ValidateQuantileLevel(-0.1))
	assert.Error(t, ValidateQuantileLevel(1.1))
}
