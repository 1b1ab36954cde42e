// Package config loads and validates the TOML configuration schema of §6:
// extraction.*, security.*, paths.*, performance.*, audit.*, and
// checkpoint.* keys, via github.com/spf13/viper. Loading is out of scope
// for the original specification's own command interface, but every
// ambient-stack concern still gets a real config layer in the teacher's
// idiom rather than hardcoded defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/beam-cloud/larc/pkg/engine"
	"github.com/beam-cloud/larc/pkg/pathmap"
	"github.com/beam-cloud/larc/pkg/security"
	"github.com/spf13/viper"
)

// Extraction bundles the extraction.* keys.
type Extraction struct {
	MaxDepth              int   `mapstructure:"max_depth"`
	MaxFileSize           int64 `mapstructure:"max_file_size"`
	MaxTotalSize          int64 `mapstructure:"max_total_size"`
	MaxWorkspaceSize      int64 `mapstructure:"max_workspace_size"`
	ConcurrentExtractions int   `mapstructure:"concurrent_extractions"`
	BufferSize            int   `mapstructure:"buffer_size"`
	// SkipMimePatterns holds filename globs (e.g. "*.exe", "*.dll") whose
	// matching entries are skipped during extraction rather than stored,
	// the glob layer of the file-type filter supplement.
	SkipMimePatterns []string `mapstructure:"skip_mime_patterns"`
}

// Security bundles the security.* keys.
type Security struct {
	CompressionRatioThreshold   float64 `mapstructure:"compression_ratio_threshold"`
	ExponentialBackoffThreshold float64 `mapstructure:"exponential_backoff_threshold"`
	EnableZipBombDetection      bool    `mapstructure:"enable_zip_bomb_detection"`
}

// Paths bundles the paths.* keys.
type Paths struct {
	EnableLongPaths     bool    `mapstructure:"enable_long_paths"`
	ShorteningThreshold float64 `mapstructure:"shortening_threshold"`
	HashAlgorithm       string  `mapstructure:"hash_algorithm"`
	HashLength          int     `mapstructure:"hash_length"`
}

// Performance bundles the performance.* keys.
type Performance struct {
	TempDirTTLHours        int  `mapstructure:"temp_dir_ttl_hours"`
	EnableStreaming        bool `mapstructure:"enable_streaming"`
	DirectoryBatchSize     int  `mapstructure:"directory_batch_size"`
	ParallelFilesPerArchive int `mapstructure:"parallel_files_per_archive"`
}

// Audit bundles the audit.* keys.
type Audit struct {
	EnableAuditLogging bool   `mapstructure:"enable_audit_logging"`
	LogFormat          string `mapstructure:"log_format"`
	LogLevel           string `mapstructure:"log_level"`
	LogSecurityEvents  bool   `mapstructure:"log_security_events"`
}

// Checkpoint bundles the checkpoint.* keys.
type Checkpoint struct {
	FileInterval int64 `mapstructure:"file_interval"`
	ByteInterval int64 `mapstructure:"byte_interval"`
	Enabled      bool  `mapstructure:"enabled"`
}

// Config is the fully parsed, validated configuration tree.
type Config struct {
	Extraction  Extraction  `mapstructure:"extraction"`
	Security    Security    `mapstructure:"security"`
	Paths       Paths       `mapstructure:"paths"`
	Performance Performance `mapstructure:"performance"`
	Audit       Audit       `mapstructure:"audit"`
	Checkpoint  Checkpoint  `mapstructure:"checkpoint"`
}

// Defaults mirrors engine.DefaultConfig/security.DefaultThresholds/
// pathmap.DefaultOptions so a config file only needs to override what it
// wants to change.
func Defaults() Config {
	return Config{
		Extraction: Extraction{
			MaxDepth: 15, MaxFileSize: 10 << 30, MaxTotalSize: 0, MaxWorkspaceSize: 0,
			ConcurrentExtractions: 0, BufferSize: 256 * 1024,
			SkipMimePatterns:      nil,
		},
		Security: Security{
			CompressionRatioThreshold: 100, ExponentialBackoffThreshold: 1e6,
			EnableZipBombDetection: true,
		},
		Paths: Paths{
			EnableLongPaths: true, ShorteningThreshold: 0.8,
			HashAlgorithm: "SHA256", HashLength: 16,
		},
		Performance: Performance{
			TempDirTTLHours: 24, EnableStreaming: true,
			DirectoryBatchSize: 500, ParallelFilesPerArchive: 1,
		},
		Audit: Audit{
			EnableAuditLogging: true, LogFormat: "json", LogLevel: "info",
			LogSecurityEvents: true,
		},
		Checkpoint: Checkpoint{FileInterval: 500, ByteInterval: 64 << 20, Enabled: true},
	}
}

// Load reads a TOML config file at path through viper, merging it over
// Defaults(), and validates every field. A missing file is not an error —
// Defaults() alone is returned — but a malformed file or an out-of-range
// value is a common.Error{Kind: ConfigInvalid} naming the violated field,
// per §9 Open Question 1's TOML resolution.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	cfg := Defaults()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
			return Config{}, common.NewError(common.KindConfigInvalid, common.SeverityFatal, path, fmt.Errorf("reading config: %w", err))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, common.NewError(common.KindConfigInvalid, common.SeverityFatal, path, fmt.Errorf("decoding config: %w", err))
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("extraction.max_depth", cfg.Extraction.MaxDepth)
	v.SetDefault("extraction.max_file_size", cfg.Extraction.MaxFileSize)
	v.SetDefault("extraction.max_total_size", cfg.Extraction.MaxTotalSize)
	v.SetDefault("extraction.max_workspace_size", cfg.Extraction.MaxWorkspaceSize)
	v.SetDefault("extraction.concurrent_extractions", cfg.Extraction.ConcurrentExtractions)
	v.SetDefault("extraction.buffer_size", cfg.Extraction.BufferSize)
	v.SetDefault("extraction.skip_mime_patterns", cfg.Extraction.SkipMimePatterns)

	v.SetDefault("security.compression_ratio_threshold", cfg.Security.CompressionRatioThreshold)
	v.SetDefault("security.exponential_backoff_threshold", cfg.Security.ExponentialBackoffThreshold)
	v.SetDefault("security.enable_zip_bomb_detection", cfg.Security.EnableZipBombDetection)

	v.SetDefault("paths.enable_long_paths", cfg.Paths.EnableLongPaths)
	v.SetDefault("paths.shortening_threshold", cfg.Paths.ShorteningThreshold)
	v.SetDefault("paths.hash_algorithm", cfg.Paths.HashAlgorithm)
	v.SetDefault("paths.hash_length", cfg.Paths.HashLength)

	v.SetDefault("performance.temp_dir_ttl_hours", cfg.Performance.TempDirTTLHours)
	v.SetDefault("performance.enable_streaming", cfg.Performance.EnableStreaming)
	v.SetDefault("performance.directory_batch_size", cfg.Performance.DirectoryBatchSize)
	v.SetDefault("performance.parallel_files_per_archive", cfg.Performance.ParallelFilesPerArchive)

	v.SetDefault("audit.enable_audit_logging", cfg.Audit.EnableAuditLogging)
	v.SetDefault("audit.log_format", cfg.Audit.LogFormat)
	v.SetDefault("audit.log_level", cfg.Audit.LogLevel)
	v.SetDefault("audit.log_security_events", cfg.Audit.LogSecurityEvents)

	v.SetDefault("checkpoint.file_interval", cfg.Checkpoint.FileInterval)
	v.SetDefault("checkpoint.byte_interval", cfg.Checkpoint.ByteInterval)
	v.SetDefault("checkpoint.enabled", cfg.Checkpoint.Enabled)
}

// Validate rejects values outside the ranges documented in §6, naming the
// violated field in the returned error.
func Validate(cfg Config) error {
	invalid := func(field string, cause error) error {
		return common.NewError(common.KindConfigInvalid, common.SeverityFatal, field, cause)
	}

	if cfg.Extraction.MaxDepth < 1 || cfg.Extraction.MaxDepth > 20 {
		return invalid("extraction.max_depth", fmt.Errorf("must be in 1..20, got %d", cfg.Extraction.MaxDepth))
	}
	if cfg.Extraction.ConcurrentExtractions < 0 {
		return invalid("extraction.concurrent_extractions", fmt.Errorf("must be >= 0 (0 = auto), got %d", cfg.Extraction.ConcurrentExtractions))
	}
	if cfg.Extraction.BufferSize <= 0 {
		return invalid("extraction.buffer_size", fmt.Errorf("must be > 0, got %d", cfg.Extraction.BufferSize))
	}

	if cfg.Security.CompressionRatioThreshold <= 0 {
		return invalid("security.compression_ratio_threshold", fmt.Errorf("must be > 0, got %f", cfg.Security.CompressionRatioThreshold))
	}
	if cfg.Security.ExponentialBackoffThreshold <= 0 {
		return invalid("security.exponential_backoff_threshold", fmt.Errorf("must be > 0, got %f", cfg.Security.ExponentialBackoffThreshold))
	}

	if cfg.Paths.ShorteningThreshold <= 0 || cfg.Paths.ShorteningThreshold > 1 {
		return invalid("paths.shortening_threshold", fmt.Errorf("must be in (0, 1], got %f", cfg.Paths.ShorteningThreshold))
	}
	if cfg.Paths.HashLength < 8 || cfg.Paths.HashLength > 32 {
		return invalid("paths.hash_length", fmt.Errorf("must be in 8..32, got %d", cfg.Paths.HashLength))
	}
	if cfg.Paths.HashAlgorithm != "SHA256" && cfg.Paths.HashAlgorithm != "SHA512" {
		return invalid("paths.hash_algorithm", fmt.Errorf(`must be "SHA256" or "SHA512", got %q`, cfg.Paths.HashAlgorithm))
	}

	if cfg.Audit.LogFormat != "json" && cfg.Audit.LogFormat != "text" {
		return invalid("audit.log_format", fmt.Errorf(`must be "json" or "text", got %q`, cfg.Audit.LogFormat))
	}

	if cfg.Checkpoint.FileInterval < 0 {
		return invalid("checkpoint.file_interval", fmt.Errorf("must be >= 0, got %d", cfg.Checkpoint.FileInterval))
	}
	if cfg.Checkpoint.ByteInterval < 0 {
		return invalid("checkpoint.byte_interval", fmt.Errorf("must be >= 0, got %d", cfg.Checkpoint.ByteInterval))
	}

	return nil
}

// EngineConfig translates the parsed configuration into engine.Config.
func (c Config) EngineConfig() engine.Config {
	policy := common.DefaultPolicyFor(common.PolicyDefault)
	policy.MaxDepth = c.Extraction.MaxDepth

	return engine.Config{
		Policy:                 policy,
		MaxFileSize:            c.Extraction.MaxFileSize,
		BufferSize:             c.Extraction.BufferSize,
		Thresholds:             c.securityThresholds(),
		DiskSpaceSafetyRatio:   1.2,
		CheckpointFileInterval: c.Checkpoint.FileInterval,
		CheckpointByteInterval: c.Checkpoint.ByteInterval,
		CheckpointEnabled:      c.Checkpoint.Enabled,
		SkipMimePatterns:       c.Extraction.SkipMimePatterns,
	}
}

func (c Config) securityThresholds() security.Thresholds {
	t := security.DefaultThresholds(c.Extraction.MaxDepth)
	t.CompressionRatio = c.Security.CompressionRatioThreshold
	t.ExponentialBackoff = c.Security.ExponentialBackoffThreshold
	t.EnableZipBombDetection = c.Security.EnableZipBombDetection
	return t
}

// PathmapOptions translates the parsed configuration into pathmap.Options.
func (c Config) PathmapOptions() pathmap.Options {
	return pathmap.Options{
		MaxPathLength:       260,
		ShorteningThreshold: c.Paths.ShorteningThreshold,
		HashLength:          c.Paths.HashLength,
		EnableLongPaths:     c.Paths.EnableLongPaths,
	}
}
