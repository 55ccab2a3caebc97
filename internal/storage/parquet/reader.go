package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// ErrSchemaMismatch is returned when a file does not have the expected columns.
var ErrSchemaMismatch = errors.New("parquet schema mismatch")

const readBatch = 256

// CheckSchema verifies that a file schema has exactly the expected leaf
// columns with the expected physical types.
func (s *RecordSchema) CheckSchema(file *parquet.Schema) error {
	want := s.schema.Fields()
	got := file.Fields()
	if len(got) != len(want) {
		return fmt.Errorf("%w: file has %d columns, expected %d", ErrSchemaMismatch, len(got), len(want))
	}

	byName := make(map[string]parquet.Field, len(got))
	for _, f := range got {
		byName[f.Name()] = f
	}
	for _, w := range want {
		f, ok := byName[w.Name()]
		if !ok {
			return fmt.Errorf("%w: missing column %s", ErrSchemaMismatch, w.Name())
		}
		if !f.Leaf() || f.Type().Kind() != w.Type().Kind() {
			return fmt.Errorf("%w: column %s has type %s, expected %s", ErrSchemaMismatch, w.Name(), f.Type(), w.Type())
		}
	}
	return nil
}

// ReadRecords reads every record of a record file.
func ReadRecords(r io.ReaderAt, size int64, s *RecordSchema) ([]*types.Record, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	if err := s.CheckSchema(f.Schema()); err != nil {
		return nil, err
	}

	idx := columnIndexes(f.Schema())
	reader := parquet.NewReader(f)
	defer reader.Close()

	recs := make([]*types.Record, 0, f.NumRows())
	buf := make([]parquet.Row, readBatch)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			recs = append(recs, s.record(row, idx))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	return recs, nil
}

// ReadRecordsFile reads a record file from disk.
func ReadRecordsFile(path string, s *RecordSchema) ([]*types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return ReadRecords(f, stat.Size(), s)
}

func (s *RecordSchema) record(row parquet.Row, idx map[string]int) *types.Record {
	rec := &types.Record{
		VIN:       string(row[idx[ColumnVIN]].ByteArray()),
		Kind:      s.kind,
		Timestamp: time.UnixMilli(row[idx[ColumnTimestamp]].Int64()).UTC(),
		Columns:   s.stored,
		Values:    make([]float64, len(s.stored)),
	}
	if s.kind.HasID() {
		rec.ID = row[idx[ColumnID]].Int64()
	}
	for i, name := range s.stored {
		rec.Values[i] = row[idx[name]].Double()
	}
	return rec
}

// RowToSummary converts a Parquet row to a summary.
func RowToSummary(r *SummaryRow) (types.Summary, error) {
	m, err := types.ParseMonth(r.Month)
	if err != nil {
		return types.Summary{}, err
	}
	return types.Summary{
		Month:               m,
		ConnectedVehicles:   r.ConnectedVehicles,
		Trips:               r.Trips,
		Charges:             r.Charges,
		TotalDistance:       r.TotalDistance,
		CityPct:             r.CityPct,
		SportPct:            r.SportPct,
		FlowPct:             r.FlowPct,
		AvgTripDistance:     r.AvgTripDistance,
		AvgConsumption:      r.AvgConsumption,
		AvgRange:            r.AvgRange,
		AvgChargedSoC:       r.AvgChargedSoC,
		AvgFinalSoC:         r.AvgFinalSoC,
		SchukoPct:           r.SchukoPct,
		OtherConnectorPct:   r.OtherConnectorPct,
		MaxTripDistance:     r.MaxTripDistance,
		MaxTripVIN:          r.MaxTripVIN,
		MaxMonthlyDistance:  r.MaxMonthlyDistance,
		MaxMonthlyVIN:       r.MaxMonthlyVIN,
		MaxOdometer:         r.MaxOdometer,
		MaxOdometerVIN:      r.MaxOdometerVIN,
		TripsBetweenCharges: r.TripsBetweenCharges,
		P50TripDistance:     r.P50TripDistance,
		P90TripDistance:     r.P90TripDistance,
	}, nil
}

// ReadSummaries reads the whole summary table.
func ReadSummaries(r io.ReaderAt, size int64) ([]types.Summary, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[SummaryRow](f)
	defer reader.Close()

	rows := make([]SummaryRow, reader.NumRows())
	read := 0
	for read < len(rows) {
		n, err := reader.Read(rows[read:])
		read += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}

	out := make([]types.Summary, 0, read)
	for i := range rows[:read] {
		s, err := RowToSummary(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadSummariesFile reads the summary table from disk.
func ReadSummariesFile(path string) ([]types.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return ReadSummaries(f, stat.Size())
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
	NumCols int
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
		NumCols: len(pf.Schema().Fields()),
	}, nil
}
