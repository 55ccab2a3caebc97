// Package types defines the core data types used throughout the pipeline.
//
// Key types:
//   - Packet: one raw feed message with its vehicle identifier
//   - FieldGroup: a decoded packet's named integer-or-null values
//   - CompleteRecord: a fully reassembled record in raw units
//   - Record: a normalized record in physical units, the unit of storage
//   - Month: the calendar month that routes a record to its partition
//   - Summary: one monthly fleet rollup row
package types
