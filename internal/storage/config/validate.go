package config

import (
	"errors"
	"fmt"
	"os"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Reassembly
	if err := c.Reassembly.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reassembly: %w", err))
	}

	// Storage
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	// Rollup
	if err := c.Rollup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}

	// Journal
	if err := c.Journal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}

	// Backpressure
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Feed
	if err := c.Feed.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("feed.kafka: %w", err))
	}

	// HTTP
	if err := c.HTTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the reassembly configuration.
func (c *ReassemblyConfig) Validate() error {
	var errs []error

	if c.PendingTTL < 0 {
		errs = append(errs, errors.New("pending_ttl must be non-negative"))
	}

	if c.PendingTTL > 0 && c.EvictionInterval <= 0 {
		errs = append(errs, errors.New("eviction_interval must be positive when pending_ttl is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression] {
		return errors.New("compression must be one of: snappy, zstd, lz4, gzip, none")
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if c.BatteryCapacityWh <= 0 {
		errs = append(errs, errors.New("battery_capacity_wh must be positive"))
	}

	if c.SketchAccuracy <= 0 || c.SketchAccuracy >= 1 {
		errs = append(errs, errors.New("sketch_accuracy must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the journal configuration.
func (c *JournalConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.SyncMode] {
		errs = append(errs, errors.New("sync_mode must be one of: async, sync, fsync"))
	}

	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive for async mode"))
	}

	if c.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("max_segment_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.MaxPending <= 0 {
		errs = append(errs, errors.New("max_pending must be positive"))
	}

	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}

	t := c.Thresholds
	if t.Warning <= 0 || t.Warning > t.Critical || t.Critical > t.Emergency || t.Emergency > 1 {
		errs = append(errs, errors.New("thresholds must satisfy 0 < warning <= critical <= emergency <= 1"))
	}

	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 1 {
		errs = append(errs, errors.New("recovery.hysteresis must be in [0, 1)"))
	}

	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.New("recovery.cooldown must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.TempFileGrace <= 0 {
		errs = append(errs, errors.New("temp_file_grace must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the Kafka source configuration.
func (c *KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers is required when enabled"))
	}

	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required when enabled"))
	}

	if c.GroupID == "" {
		errs = append(errs, errors.New("group_id is required when enabled"))
	}

	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("poll_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	var errs []error

	if c.MaxBodySize != "" {
		if _, err := ParseByteSize(c.MaxBodySize); err != nil {
			errs = append(errs, fmt.Errorf("max_body_size: %w", err))
		}
	}

	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain_timeout must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.MemoryLimit != "" {
		if _, err := ParseByteSize(c.MemoryLimit); err != nil {
			errs = append(errs, fmt.Errorf("memory_limit: %w", err))
		}
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.PartitionsDir(),
	}
	if c.Journal.Enabled {
		dirs = append(dirs, c.JournalDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
