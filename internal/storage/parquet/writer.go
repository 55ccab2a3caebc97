package parquet

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Options configures the Parquet writers.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// String returns the config name of the compression type.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Column names shared by every record file.
const (
	ColumnVIN       = types.ColumnVIN
	ColumnTimestamp = types.ColumnTimestamp
	ColumnID        = types.ColumnID
)

// RecordSchema describes the on-disk layout of one record kind.
type RecordSchema struct {
	kind    types.Kind
	stored  []string
	schema  *parquet.Schema
	indexes map[string]int
}

// NewRecordSchema builds the Parquet schema of a kind from its registry entry.
func NewRecordSchema(ks *schema.KindSchema) (*RecordSchema, error) {
	group := parquet.Group{
		ColumnVIN:       parquet.String(),
		ColumnTimestamp: parquet.Timestamp(parquet.Millisecond),
	}
	if ks.Kind.HasID() {
		group[ColumnID] = parquet.Int(64)
	}

	stored := ks.Stored()
	for _, name := range stored {
		if _, ok := group[name]; ok {
			return nil, fmt.Errorf("column %s collides with a record key column", name)
		}
		group[name] = parquet.Leaf(parquet.DoubleType)
	}

	s := parquet.NewSchema(ks.Kind.String(), group)

	return &RecordSchema{
		kind:    ks.Kind,
		stored:  stored,
		schema:  s,
		indexes: columnIndexes(s),
	}, nil
}

// Kind returns the record kind of the schema.
func (s *RecordSchema) Kind() types.Kind {
	return s.kind
}

// Schema returns the underlying Parquet schema.
func (s *RecordSchema) Schema() *parquet.Schema {
	return s.schema
}

// columnIndexes maps leaf names to column indexes. Group fields are ordered
// by name, so the index of a flat leaf is its position in Fields.
func columnIndexes(s *parquet.Schema) map[string]int {
	fields := s.Fields()
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.Name()] = i
	}
	return idx
}

// row converts a record into a Parquet row.
func (s *RecordSchema) row(rec *types.Record) (parquet.Row, error) {
	if rec.Kind != s.kind {
		return nil, fmt.Errorf("%s record in %s file", rec.Kind, s.kind)
	}
	if len(rec.Values) != len(s.stored) {
		return nil, fmt.Errorf("record has %d values, schema has %d columns", len(rec.Values), len(s.stored))
	}

	row := make(parquet.Row, len(s.indexes))
	put := func(name string, v parquet.Value) {
		i := s.indexes[name]
		row[i] = v.Level(0, 0, i)
	}

	put(ColumnVIN, parquet.ByteArrayValue([]byte(rec.VIN)))
	put(ColumnTimestamp, parquet.Int64Value(rec.Timestamp.UnixMilli()))
	if s.kind.HasID() {
		put(ColumnID, parquet.Int64Value(rec.ID))
	}
	for i, name := range s.stored {
		if rec.Columns != nil && rec.Columns[i] != name {
			return nil, fmt.Errorf("column %d is %s, schema expects %s", i, rec.Columns[i], name)
		}
		put(name, parquet.DoubleValue(rec.Values[i]))
	}
	return row, nil
}

// RecordWriter writes records of one kind to a Parquet stream.
type RecordWriter struct {
	mu     sync.Mutex
	schema *RecordSchema
	writer *parquet.Writer
	closed bool
}

// NewRecordWriter creates a record writer on w.
func NewRecordWriter(w io.Writer, s *RecordSchema, opts Options) *RecordWriter {
	return &RecordWriter{
		schema: s,
		writer: parquet.NewWriter(w,
			s.schema,
			parquet.Compression(getCompression(opts.Compression)),
		),
	}
}

// Write writes records in the given order.
func (w *RecordWriter) Write(recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]parquet.Row, len(recs))
	for i, rec := range recs {
		row, err := w.schema.row(rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		rows[i] = row
	}

	if _, err := w.writer.WriteRows(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	return nil
}

// Close flushes the footer. It does not close the underlying stream.
func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// WriteRecords writes a complete record file to w.
func WriteRecords(w io.Writer, s *RecordSchema, recs []*types.Record, opts Options) error {
	rw := NewRecordWriter(w, s, opts)
	if err := rw.Write(recs); err != nil {
		return err
	}
	return rw.Close()
}

// SummaryRow is one month of the summary table in Parquet format.
type SummaryRow struct {
	Month string `parquet:"month"`

	ConnectedVehicles int64 `parquet:"connected_vehicles"`
	Trips             int64 `parquet:"trips"`
	Charges           int64 `parquet:"charges"`

	TotalDistance   float64 `parquet:"total_distance"`
	CityPct         float64 `parquet:"city_pct"`
	SportPct        float64 `parquet:"sport_pct"`
	FlowPct         float64 `parquet:"flow_pct"`
	AvgTripDistance float64 `parquet:"avg_trip_distance"`

	AvgConsumption float64 `parquet:"avg_consumption"`
	AvgRange       float64 `parquet:"avg_range"`

	AvgChargedSoC     float64 `parquet:"avg_charged_soc"`
	AvgFinalSoC       float64 `parquet:"avg_final_soc"`
	SchukoPct         float64 `parquet:"schuko_pct"`
	OtherConnectorPct float64 `parquet:"other_connector_pct"`

	MaxTripDistance    float64 `parquet:"max_trip_distance"`
	MaxTripVIN         string  `parquet:"max_trip_vin"`
	MaxMonthlyDistance float64 `parquet:"max_monthly_distance"`
	MaxMonthlyVIN      string  `parquet:"max_monthly_vin"`
	MaxOdometer        float64 `parquet:"max_odometer"`
	MaxOdometerVIN     string  `parquet:"max_odometer_vin"`

	TripsBetweenCharges float64 `parquet:"trips_between_charges"`

	P50TripDistance float64 `parquet:"p50_trip_distance"`
	P90TripDistance float64 `parquet:"p90_trip_distance"`
}

// SummaryToRow converts a summary to a Parquet row.
func SummaryToRow(s *types.Summary) SummaryRow {
	return SummaryRow{
		Month:               s.Month.String(),
		ConnectedVehicles:   s.ConnectedVehicles,
		Trips:               s.Trips,
		Charges:             s.Charges,
		TotalDistance:       s.TotalDistance,
		CityPct:             s.CityPct,
		SportPct:            s.SportPct,
		FlowPct:             s.FlowPct,
		AvgTripDistance:     s.AvgTripDistance,
		AvgConsumption:      s.AvgConsumption,
		AvgRange:            s.AvgRange,
		AvgChargedSoC:       s.AvgChargedSoC,
		AvgFinalSoC:         s.AvgFinalSoC,
		SchukoPct:           s.SchukoPct,
		OtherConnectorPct:   s.OtherConnectorPct,
		MaxTripDistance:     s.MaxTripDistance,
		MaxTripVIN:          s.MaxTripVIN,
		MaxMonthlyDistance:  s.MaxMonthlyDistance,
		MaxMonthlyVIN:       s.MaxMonthlyVIN,
		MaxOdometer:         s.MaxOdometer,
		MaxOdometerVIN:      s.MaxOdometerVIN,
		TripsBetweenCharges: s.TripsBetweenCharges,
		P50TripDistance:     s.P50TripDistance,
		P90TripDistance:     s.P90TripDistance,
	}
}

// WriteSummaries writes the summary table to w in the given order.
func WriteSummaries(w io.Writer, summaries []types.Summary, opts Options) error {
	writer := parquet.NewGenericWriter[SummaryRow](w,
		parquet.Compression(getCompression(opts.Compression)),
	)

	rows := make([]SummaryRow, len(summaries))
	for i := range summaries {
		rows[i] = SummaryToRow(&summaries[i])
	}

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
