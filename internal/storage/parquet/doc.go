// Package parquet implements the columnar file formats of evtrack.
//
// The package provides:
//   - A registry-driven record schema (RecordSchema) with RecordWriter,
//     WriteRecords and ReadRecords for monthly partitions
//   - SummaryRow with WriteSummaries/ReadSummaries for the summary table
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - WriteFileAtomic, the temp-file, fsync and rename sequence every file
//     rewrite goes through
//
// Record files carry vin, timestamp (TIMESTAMP millis), id for kinds with a
// trip id, and one double column per stored column of the kind. A file whose
// schema does not match the registry is rejected on read; there is no schema
// evolution.
package parquet
