// Package config holds the engine's runtime-mutable configuration surface,
// loadable from YAML, with range-checked validation.
package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/sframecore/engine/pkg/objerrors"
)

// Configuration is the complete set of runtime-mutable engine options.
type Configuration struct {
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	BlockFormat BlockFormatConfig `yaml:"block_format"`
	Decode      DecodeConfig      `yaml:"decode"`
	CSV         CSVConfig         `yaml:"csv"`
	Groupby     GroupbyConfig     `yaml:"groupby"`
	Join        JoinConfig        `yaml:"join"`
	Sort        SortConfig        `yaml:"sort"`
	IO          IOConfig          `yaml:"io"`
}

// StorageConfig covers segment layout and S3 buffer sizing.
type StorageConfig struct {
	DefaultSegmentCount int `yaml:"default_segment_count"`
	S3BufferSizeBytes   int `yaml:"s3_buffer_size_bytes"`
}

// CacheConfig covers the process-wide cache manager.
type CacheConfig struct {
	GlobalBudgetBytes int64 `yaml:"global_budget_bytes"`
	PerBlockLimitBytes int64 `yaml:"per_block_limit_bytes"`
}

// BlockFormatConfig covers the column block writer.
type BlockFormatConfig struct {
	TargetBlockSizeBytes   int     `yaml:"target_block_size_bytes"`
	BootstrapBlockElements int     `yaml:"bootstrap_block_elements"`
	CompressionDisableRatio float64 `yaml:"compression_disable_ratio"`
	ReaderBufferSizeBytes  int     `yaml:"reader_buffer_size_bytes"`
	WriterBufferSizeBytes  int     `yaml:"writer_buffer_size_bytes"`
}

// DecodeConfig covers the decode-side buffer pool.
type DecodeConfig struct {
	MaxInMemoryBlocks int `yaml:"max_in_memory_blocks"`
}

// CSVConfig covers the CSV reader/writer surface.
type CSVConfig struct {
	ReadChunkSizeBytes int    `yaml:"read_chunk_size_bytes"`
	Delimiter          string `yaml:"delimiter"`
	QuoteChar          string `yaml:"quote_char"`
	EscapeChar         string `yaml:"escape_char"`
	DoubleQuote        bool   `yaml:"double_quote"`
	SkipInitialSpace   bool   `yaml:"skip_initial_space"`
	NAValues           []string `yaml:"na_values"`
}

// GroupbyConfig covers the groupby aggregator.
type GroupbyConfig struct {
	Buckets       int   `yaml:"buckets"`
	RowBudget     int   `yaml:"row_budget"`
}

// JoinConfig covers the grace-hash join.
type JoinConfig struct {
	CellsBudget int64 `yaml:"cells_budget"`
}

// SortConfig covers the quantile-sketch-guided scatter sort.
type SortConfig struct {
	BufferBytes       int64 `yaml:"buffer_bytes"`
	PivotSampleSize   int   `yaml:"pivot_sample_size"`
	MaxSortSegments   int   `yaml:"max_sort_segments"`
}

// IOConfig covers the installation-wide spinning-disk read-lock switch.
type IOConfig struct {
	ReadLockEnabled   bool  `yaml:"read_lock_enabled"`
	ReadLockThreshold int64 `yaml:"read_lock_threshold_bytes"`
}

// Default returns the engine's default configuration.
func Default() *Configuration {
	return &Configuration{
		Storage: StorageConfig{
			DefaultSegmentCount: 1,
			S3BufferSizeBytes:   8 * 1024 * 1024,
		},
		Cache: CacheConfig{
			GlobalBudgetBytes:  2 * 1024 * 1024 * 1024,
			PerBlockLimitBytes: 64 * 1024 * 1024,
		},
		BlockFormat: BlockFormatConfig{
			TargetBlockSizeBytes:    64 * 1024,
			BootstrapBlockElements:  1024,
			CompressionDisableRatio: 0.9,
			ReaderBufferSizeBytes:   256 * 1024,
			WriterBufferSizeBytes:   256 * 1024,
		},
		Decode: DecodeConfig{
			MaxInMemoryBlocks: 64,
		},
		CSV: CSVConfig{
			ReadChunkSizeBytes: 1024 * 1024,
			Delimiter:          ",",
			QuoteChar:          `"`,
			EscapeChar:         `\`,
			DoubleQuote:        true,
			NAValues:           []string{"", "NA", "null"},
		},
		Groupby: GroupbyConfig{
			Buckets:   64,
			RowBudget: 1_000_000,
		},
		Join: JoinConfig{
			CellsBudget: 50_000_000,
		},
		Sort: SortConfig{
			BufferBytes:     256 * 1024 * 1024,
			PivotSampleSize: 2_000_000,
			MaxSortSegments: 4096,
		},
		IO: IOConfig{
			ReadLockEnabled:   false,
			ReadLockThreshold: 512 * 1024 * 1024,
		},
	}
}

// Load reads a YAML configuration file, applying defaults for any field left
// zero-valued, then validates the result.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, objerrors.OpenError(path, err).WithComponent("config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, objerrors.ConfigError("failed to parse configuration").WithURL(path).WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces range checks on every runtime-mutable option:
// quantile-like fractions in [0,1], positive capacities, and internally
// consistent flags.
func (c *Configuration) Validate() error {
	if c.Storage.DefaultSegmentCount < 1 {
		return objerrors.ConfigError("storage.default_segment_count must be >= 1").WithComponent("config")
	}
	if c.Cache.GlobalBudgetBytes <= 0 {
		return objerrors.ConfigError("cache.global_budget_bytes must be > 0").WithComponent("config")
	}
	if c.Cache.PerBlockLimitBytes <= 0 || c.Cache.PerBlockLimitBytes > c.Cache.GlobalBudgetBytes {
		return objerrors.ConfigError("cache.per_block_limit_bytes must be in (0, global_budget_bytes]").WithComponent("config")
	}
	if c.BlockFormat.TargetBlockSizeBytes <= 0 {
		return objerrors.ConfigError("block_format.target_block_size_bytes must be > 0").WithComponent("config")
	}
	if c.BlockFormat.CompressionDisableRatio <= 0 || c.BlockFormat.CompressionDisableRatio > 1 {
		return objerrors.ConfigError("block_format.compression_disable_ratio must be in (0,1]").WithComponent("config")
	}
	if c.Decode.MaxInMemoryBlocks < 1 {
		return objerrors.ConfigError("decode.max_in_memory_blocks must be >= 1").WithComponent("config")
	}
	if c.Groupby.Buckets < 1 {
		return objerrors.ConfigError("groupby.buckets must be >= 1").WithComponent("config")
	}
	if c.Groupby.RowBudget < 1 {
		return objerrors.ConfigError("groupby.row_budget must be >= 1").WithComponent("config")
	}
	if c.Join.CellsBudget < 1 {
		return objerrors.ConfigError("join.cells_budget must be >= 1").WithComponent("config")
	}
	if c.Sort.BufferBytes <= 0 {
		return objerrors.ConfigError("sort.buffer_bytes must be > 0").WithComponent("config")
	}
	if c.Sort.PivotSampleSize < 1 {
		return objerrors.ConfigError("sort.pivot_sample_size must be >= 1").WithComponent("config")
	}
	if c.Sort.MaxSortSegments < 1 {
		return objerrors.ConfigError("sort.max_sort_segments must be >= 1").WithComponent("config")
	}
	if c.IO.ReadLockEnabled && c.IO.ReadLockThreshold < 0 {
		return objerrors.ConfigError("io.read_lock_threshold_bytes must be >= 0 when read_lock_enabled").WithComponent("config")
	}
	return nil
}

// ValidateQuantileLevel checks a single quantile level parsed out of a
// reducer name suffix (e.g. "quantile-0.5,0.9").
func ValidateQuantileLevel(level float64) error {
	if level < 0 || level > 1 {
		return objerrors.RangeError("quantile level must be in [0,1]").WithDetail("level", level)
	}
	return nil
}

// TempDir resolves the temp directory used for spilled cache blocks and
// intermediate shuffle files: TMPDIR, then /var/tmp, then /tmp.
func TempDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	if info, err := os.Stat("/var/tmp"); err == nil && info.IsDir() {
		return "/var/tmp"
	}
	return "/tmp"
}

// ProcessTempDir returns a process-identified subdirectory of TempDir so
// that unused temp directories of dead processes can be reaped externally.
func ProcessTempDir() string {
	return TempDir() + "/sframecore-" + pidString()
}

func pidString() string {
	return itoa(os.Getpid())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
