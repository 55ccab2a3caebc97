// Package partition implements the monthly partition store.
//
// Each (calendar month, record kind) pair maps to one Parquet file,
// <dir>/YYYY_MM_<kind>.parquet. An append loads the partition, unions it
// with the new records, keeps the last occurrence of every uniqueness key,
// sorts by timestamp and replaces the file atomically. Appends to the same
// partition are serialized; readers always see a complete file.
package partition

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Store manages the partition files of a data directory.
type Store struct {
	dir     string
	opts    parquet.Options
	schemas map[types.Kind]*parquet.RecordSchema
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[partitionKey]*sync.Mutex

	stats Stats
}

type partitionKey struct {
	month types.Month
	kind  types.Kind
}

// Stats holds partition store statistics.
type Stats struct {
	Appends        atomic.Int64
	RecordsWritten atomic.Int64
	Duplicates     atomic.Int64
	Failures       atomic.Int64
}

// New creates a store rooted at dir.
func New(dir string, reg *schema.Registry, opts parquet.Options) (*Store, error) {
	s := &Store{
		dir:     dir,
		opts:    opts,
		schemas: make(map[types.Kind]*parquet.RecordSchema),
		logger:  logging.Component("partition"),
		locks:   make(map[partitionKey]*sync.Mutex),
	}

	for _, kind := range types.AllKinds() {
		rs, err := parquet.NewRecordSchema(reg.Kind(kind))
		if err != nil {
			return nil, errors.Wrapf(err, "%s schema", kind)
		}
		s.schemas[kind] = rs
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewPartitionError("mkdir", dir, err)
	}
	return s, nil
}

// Dir returns the partition directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a partition.
func (s *Store) Path(month types.Month, kind types.Kind) string {
	return filepath.Join(s.dir, month.PartitionName(kind))
}

// Glob returns a pattern matching every partition of kind.
func (s *Store) Glob(kind types.Kind) string {
	return filepath.Join(s.dir, "*_"+kind.String()+".parquet")
}

// Schema returns the Parquet schema of kind.
func (s *Store) Schema(kind types.Kind) *parquet.RecordSchema {
	return s.schemas[kind]
}

func (s *Store) lock(key partitionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Append persists records of one kind. The batch is split by the UTC month
// of each record; every touched partition is rewritten once. It returns the
// months whose partitions were successfully written, in ascending order.
// A failure is a *errors.PartitionError; partitions written before the
// failure stay written and the failing one keeps its prior content.
func (s *Store) Append(kind types.Kind, recs ...*types.Record) ([]types.Month, error) {
	rs, ok := s.schemas[kind]
	if !ok {
		return nil, errors.NewSchemaMismatch("unknown record kind %s", kind)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	byMonth := make(map[types.Month][]*types.Record)
	for _, rec := range recs {
		if rec.Kind != kind {
			return nil, errors.NewSchemaMismatch("%s record in %s append", rec.Kind, kind)
		}
		m := rec.Month()
		byMonth[m] = append(byMonth[m], rec)
	}

	months := make([]types.Month, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	written := make([]types.Month, 0, len(months))
	for _, m := range months {
		if err := s.appendPartition(rs, m, byMonth[m]); err != nil {
			s.stats.Failures.Add(1)
			return written, err
		}
		written = append(written, m)
	}
	return written, nil
}

func (s *Store) appendPartition(rs *parquet.RecordSchema, month types.Month, recs []*types.Record) error {
	key := partitionKey{month: month, kind: rs.Kind()}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	path := s.Path(month, rs.Kind())

	existing, err := s.read(rs, path)
	if err != nil && !errors.Is(err, errors.ErrNoData) {
		return err
	}

	merged, dups := Merge(existing, recs)
	s.stats.Duplicates.Add(int64(dups))

	err = parquet.WriteFileAtomic(path, func(w io.Writer) error {
		return parquet.WriteRecords(w, rs, merged, s.opts)
	})
	if err != nil {
		return errors.NewPartitionError("write", path, err)
	}

	s.stats.Appends.Add(1)
	s.stats.RecordsWritten.Add(int64(len(recs)))

	s.logger.Debug("partition written",
		"partition", filepath.Base(path),
		"appended", len(recs),
		"duplicates", dups,
		"rows", len(merged),
		"duration", time.Since(start))
	return nil
}

// Merge unions existing and incoming records, keeps the last occurrence of
// every uniqueness key and sorts the result by timestamp, then VIN, then ID.
// It returns the merged records and the number of replaced duplicates.
func Merge(existing, incoming []*types.Record) ([]*types.Record, int) {
	out := make([]*types.Record, 0, len(existing)+len(incoming))
	seen := make(map[types.Key]int, len(existing)+len(incoming))
	dups := 0

	add := func(rec *types.Record) {
		k := rec.Key()
		if i, ok := seen[k]; ok {
			out[i] = rec
			dups++
			return
		}
		seen[k] = len(out)
		out = append(out, rec)
	}
	for _, rec := range existing {
		add(rec)
	}
	for _, rec := range incoming {
		add(rec)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, dups
}

// Exists reports whether the partition file exists.
func (s *Store) Exists(month types.Month, kind types.Kind) bool {
	_, err := os.Stat(s.Path(month, kind))
	return err == nil
}

// Load reads every record of a partition. A missing partition returns an
// error wrapping errors.ErrNoData.
func (s *Store) Load(month types.Month, kind types.Kind) ([]*types.Record, error) {
	rs, ok := s.schemas[kind]
	if !ok {
		return nil, errors.NewSchemaMismatch("unknown record kind %s", kind)
	}
	return s.read(rs, s.Path(month, kind))
}

func (s *Store) read(rs *parquet.RecordSchema, path string) ([]*types.Record, error) {
	recs, err := parquet.ReadRecordsFile(path, rs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("partition %s: %w", filepath.Base(path), errors.ErrNoData)
		}
		return nil, errors.NewPartitionError("read", path, err)
	}
	return recs, nil
}

// Count returns the number of rows of a partition without loading it.
// A missing partition has zero rows.
func (s *Store) Count(month types.Month, kind types.Kind) (int64, error) {
	path := s.Path(month, kind)
	info, err := parquet.GetFileInfo(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.NewPartitionError("stat", path, err)
	}
	return info.NumRows, nil
}

// Months returns the months with a partition of kind, ascending.
func (s *Store) Months(kind types.Kind) ([]types.Month, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}

	var months []types.Month
	for _, info := range infos {
		if info.Kind == kind {
			months = append(months, info.Month)
		}
	}
	return months, nil
}

// Info describes one partition file.
type Info struct {
	Month types.Month
	Kind  types.Kind
	Path  string
	Size  int64
}

// List returns every partition file, ordered by month then kind.
// Files that do not follow the partition naming are ignored.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPartitionError("list", s.dir, err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || parquet.IsTempFile(entry.Name()) {
			continue
		}

		month, kind, err := types.ParsePartitionName(entry.Name())
		if err != nil {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		infos = append(infos, Info{
			Month: month,
			Kind:  kind,
			Path:  filepath.Join(s.dir, entry.Name()),
			Size:  fi.Size(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Month != infos[j].Month {
			return infos[i].Month.Before(infos[j].Month)
		}
		return infos[i].Kind < infos[j].Kind
	})
	return infos, nil
}

// StoreStats is a snapshot of Stats.
type StoreStats struct {
	Appends        int64
	RecordsWritten int64
	Duplicates     int64
	Failures       int64
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Appends:        s.stats.Appends.Load(),
		RecordsWritten: s.stats.RecordsWritten.Load(),
		Duplicates:     s.stats.Duplicates.Load(),
		Failures:       s.stats.Failures.Load(),
	}
}
