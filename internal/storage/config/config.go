package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/evtrack/config"
)

// Config represents the complete evtrack configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// RegistryPath points to a schema registry YAML file.
	// Empty selects the embedded default registry.
	RegistryPath string `yaml:"registry_path"`

	// Reassembly configures the pending record tables.
	Reassembly ReassemblyConfig `yaml:"reassembly"`

	// Storage configures partition and summary files.
	Storage StorageConfig `yaml:"storage"`

	// Rollup configures the monthly fleet summary.
	Rollup RollupConfig `yaml:"rollup"`

	// Journal configures the packet journal.
	Journal JournalConfig `yaml:"journal"`

	// Backpressure configures load shedding on the pending tables.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Retention configures the housekeeping sweeper.
	Retention RetentionConfig `yaml:"retention"`

	// Feed configures inbound packet sources.
	Feed FeedConfig `yaml:"feed"`

	// HTTP configures the query and upload surface.
	HTTP HTTPConfig `yaml:"http"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ReassemblyConfig configures the pending record tables.
type ReassemblyConfig struct {
	// PendingTTL is the maximum age of a pending record since its last
	// update. Zero disables eviction.
	PendingTTL time.Duration `yaml:"pending_ttl"`

	// EvictionInterval is the period of the eviction worker.
	EvictionInterval time.Duration `yaml:"eviction_interval"`

	// ScopeByVIN adds the vehicle identifier to the pending record key.
	// When false, trip records are keyed by (timestamp, id) and charge
	// records by timestamp alone.
	ScopeByVIN bool `yaml:"scope_by_vin"`
}

// StorageConfig configures partition and summary files.
type StorageConfig struct {
	// Compression is the Parquet codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`
}

// RollupConfig configures the monthly fleet summary.
type RollupConfig struct {
	// BatteryCapacityWh is the usable capacity used for the average range.
	BatteryCapacityWh float64 `yaml:"battery_capacity_wh"`

	// SketchAccuracy is the relative accuracy of the distance percentiles.
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// JournalConfig configures the packet journal.
type JournalConfig struct {
	// Enabled enables journaling of accepted packets.
	Enabled bool `yaml:"enabled"`

	// Dir is the journal directory. Defaults to {DataDir}/journal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// BackpressureConfig configures load shedding on the pending tables.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// MaxPending is the number of pending records, trips and charges
	// together, that counts as full.
	MaxPending int `yaml:"max_pending"`

	// CheckInterval is how often the pending tables are measured.
	CheckInterval time.Duration `yaml:"check_interval"`

	// Thresholds defines pending usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines pending usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// RetentionConfig configures the housekeeping sweeper.
type RetentionConfig struct {
	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval"`

	// TempFileGrace is the minimum age of an orphaned temp file before removal.
	TempFileGrace time.Duration `yaml:"temp_file_grace"`
}

// FeedConfig configures inbound packet sources.
type FeedConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the broker source.
type KafkaConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	GroupID     string        `yaml:"group_id"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	// Listen is the listen address. Empty disables the server.
	Listen string `yaml:"listen"`

	// MaxBodySize limits packet uploads, for example "4MB".
	MaxBodySize string `yaml:"max_body_size"`

	// DrainTimeout is the graceful shutdown window.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaults.DefaultDataDir,
		Reassembly: ReassemblyConfig{
			PendingTTL:       defaults.DefaultPendingTTL,
			EvictionInterval: defaults.DefaultEvictionInterval,
			ScopeByVIN:       true,
		},
		Storage: StorageConfig{
			Compression: defaults.DefaultCompression,
		},
		Rollup: RollupConfig{
			BatteryCapacityWh: defaults.DefaultBatteryCapacityWh,
			SketchAccuracy:    defaults.DefaultSketchAccuracy,
		},
		Journal: JournalConfig{
			Enabled:        true,
			SyncMode:       defaults.DefaultJournalSyncMode,
			SyncInterval:   defaults.DefaultJournalSyncInterval,
			MaxSegmentSize: defaults.DefaultJournalMaxSegmentSize,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			MaxPending:    defaults.DefaultMaxPending,
			CheckInterval: defaults.DefaultBackpressureCheckInterval,
			Thresholds: BackpressureThresholds{
				Warning:   defaults.DefaultBackpressureWarning,
				Critical:  defaults.DefaultBackpressureCritical,
				Emergency: defaults.DefaultBackpressureEmergency,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: defaults.DefaultBackpressureHysteresis,
				Cooldown:   defaults.DefaultBackpressureCooldown,
			},
		},
		Retention: RetentionConfig{
			Interval:      defaults.DefaultSweepInterval,
			TempFileGrace: defaults.DefaultTempFileGrace,
		},
		Feed: FeedConfig{
			Kafka: KafkaConfig{
				Topic:       defaults.DefaultKafkaTopic,
				GroupID:     defaults.DefaultKafkaGroupID,
				PollTimeout: defaults.DefaultKafkaPollTimeout,
			},
		},
		HTTP: HTTPConfig{
			Listen:       defaults.DefaultListenAddress,
			MaxBodySize:  "4MB",
			DrainTimeout: defaults.DefaultDrainTimeoutSec * time.Second,
		},
		Query: QueryConfig{
			MemoryLimit: defaults.DefaultQueryMemoryLimit,
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// PartitionsDir returns the directory holding the monthly partition files.
func (c *Config) PartitionsDir() string {
	return filepath.Join(c.DataDir, "partitions")
}

// LockPath returns the path of the data directory lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "LOCK")
}

// SummaryPath returns the path of the summary table.
func (c *Config) SummaryPath() string {
	return filepath.Join(c.DataDir, "summary.parquet")
}

// JournalDir returns the journal directory path.
func (c *Config) JournalDir() string {
	if c.Journal.Dir != "" {
		return c.Journal.Dir
	}
	return filepath.Join(c.DataDir, "journal")
}
