// Package storage implements the persistence side of the evtrack telemetry
// pipeline.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│  Partition  │────▶│   Rollup    │
//	│   Service   │     │    Store    │     │  Aggregator │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                   │                   │
//	       ▼                   ▼                   ▼
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Journal   │     │    Query    │◀────│   Summary   │
//	│    (WAL)    │     │  (DuckDB)   │     │    Table    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//
// The storage system provides:
//   - One Parquet partition per month and record kind, rewritten atomically
//   - Idempotent appends keyed by the record key
//   - A monthly fleet summary recomputed on every append
//   - A packet journal replayed on startup to rebuild pending records
//   - DuckDB analytics over the partition files in place
//   - Housekeeping of orphaned temp files and old journal segments
package storage
