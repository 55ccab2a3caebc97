// Package config provides configuration defaults
// for the evtrack application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root of the partition files, the summary table and
	// the packet journal.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/evtrack"

	// DefaultCompression is the codec used for partition and summary files.
	// One of: snappy, zstd, lz4, gzip, none.
	// Override via config: storage.compression
	DefaultCompression = "zstd"

	// DefaultTempFileGrace is the age after which an orphaned partition temp
	// file is removed by the retention sweeper. Temp files only survive a
	// crash in the middle of a rewrite.
	// Override via config: retention.temp_file_grace
	DefaultTempFileGrace = 1 * time.Hour

	// DefaultSweepInterval is how often the retention sweeper runs.
	// Override via config: retention.interval
	DefaultSweepInterval = 1 * time.Hour
)

// =============================================================================
// Reassembly Defaults
// =============================================================================

const (
	// DefaultPendingTTL is how long a partially assembled record may wait for
	// its remaining message types before it is evicted. A vehicle sends every
	// message type of a trip or charge within seconds, so a day is generous.
	// Zero disables eviction.
	// Override via config: reassembly.pending_ttl
	DefaultPendingTTL = 24 * time.Hour

	// DefaultEvictionInterval is how often the eviction worker scans the
	// pending tables.
	// Override via config: reassembly.eviction_interval
	DefaultEvictionInterval = 1 * time.Minute
)

// =============================================================================
// Rollup Defaults
// =============================================================================

const (
	// DefaultBatteryCapacityWh is the usable battery capacity used to turn the
	// average consumption into an average range.
	// Override via config: rollup.battery_capacity_wh
	DefaultBatteryCapacityWh = 7500

	// DefaultSketchAccuracy is the relative accuracy of the trip distance
	// percentile sketch (0.01 = 1% error).
	// Override via config: rollup.sketch_accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultMaxPending is the pending record count, trips and charges
	// together, at which the pending tables count as full.
	// Override via config: backpressure.max_pending
	DefaultMaxPending = 100000

	// DefaultBackpressureCheckInterval is how often the pending tables are
	// measured.
	// Override via config: backpressure.check_interval
	DefaultBackpressureCheckInterval = 1 * time.Second

	// Usage thresholds of MaxPending for the warning, critical and emergency
	// levels. At emergency, uploads are refused with 503 and the broker
	// source pauses.
	// Override via config: backpressure.thresholds
	DefaultBackpressureWarning   = 0.50
	DefaultBackpressureCritical  = 0.80
	DefaultBackpressureEmergency = 0.95

	// DefaultBackpressureHysteresis keeps a level from flapping around its
	// threshold.
	// Override via config: backpressure.recovery.hysteresis
	DefaultBackpressureHysteresis = 0.05

	// DefaultBackpressureCooldown is the minimum time between level changes.
	// Override via config: backpressure.recovery.cooldown
	DefaultBackpressureCooldown = 5 * time.Second
)

// =============================================================================
// Journal Defaults
// =============================================================================

const (
	// DefaultJournalSyncMode controls when journal writes reach the disk.
	// One of: async, sync, fsync.
	// Override via config: journal.sync_mode
	DefaultJournalSyncMode = "async"

	// DefaultJournalSyncInterval is the flush interval in async mode.
	// Override via config: journal.sync_interval
	DefaultJournalSyncInterval = 1 * time.Second

	// DefaultJournalMaxSegmentSize is the segment size before rotation.
	// Override via config: journal.max_segment_size
	DefaultJournalMaxSegmentSize = 16 * 1024 * 1024
)

// =============================================================================
// Feed Defaults
// =============================================================================

const (
	// DefaultKafkaTopic is the topic carrying feed envelopes.
	// Override via config: feed.kafka.topic
	DefaultKafkaTopic = "ev.telemetry"

	// DefaultKafkaGroupID is the consumer group of the daemon.
	// Override via config: feed.kafka.group_id
	DefaultKafkaGroupID = "evtrackd"

	// DefaultKafkaPollTimeout bounds a single fetch so shutdown is observed.
	// Override via config: feed.kafka.poll_timeout
	DefaultKafkaPollTimeout = 5 * time.Second
)

// =============================================================================
// Server Defaults
// =============================================================================

const (
	// DefaultListenAddress is the HTTP listen address.
	// Override via config: http.listen
	DefaultListenAddress = "0.0.0.0:8087"

	// DefaultMaxBodySize limits the body of a packet upload.
	// Override via config: http.max_body_size
	DefaultMaxBodySize = 4 * 1024 * 1024

	// DefaultDrainTimeoutSec is how long to wait for in-flight requests during
	// shutdown.
	// Override via config: http.drain_timeout
	DefaultDrainTimeoutSec = 30

	// DefaultUploadFailureLimit is the number of malformed packet uploads a
	// client may send within DefaultUploadFailureWindow before it is refused
	// with 429 until the window expires.
	DefaultUploadFailureLimit = 20

	// DefaultUploadFailureWindow is the window for counting malformed uploads.
	DefaultUploadFailureWindow = 1 * time.Minute
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "1GB"

	// DefaultQueryTimeout bounds ad-hoc SQL.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultQueryMaxRows caps the rows returned by ad-hoc SQL.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 100000
)
