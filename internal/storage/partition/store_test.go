package partition

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
	"github.com/xtxerr/evtrack/internal/testutil"
)

var jan = types.Month{Year: 2024, Month: time.January}

func newStore(t *testing.T) (*Store, *schema.Registry) {
	t.Helper()
	reg := testutil.Registry(t)
	s, err := New(filepath.Join(t.TempDir(), "partitions"), reg, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, reg
}

func trip(reg *schema.Registry, vin string, ts time.Time, id int64, dist float64) *types.Record {
	return testutil.Record(reg, types.KindTrip, vin, ts, id, map[string]float64{"total_distance": dist})
}

func TestAppendAndLoad(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	months, err := s.Append(types.KindTrip,
		trip(reg, "VIN2", ts.Add(time.Hour), 2, 20),
		trip(reg, "VIN1", ts, 1, 10),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(months) != 1 || months[0] != jan {
		t.Fatalf("expected [2024-01], got %v", months)
	}

	if !s.Exists(jan, types.KindTrip) {
		t.Fatal("partition should exist")
	}
	if s.Exists(jan, types.KindCharge) {
		t.Error("charge partition should not exist")
	}
	if base := filepath.Base(s.Path(jan, types.KindTrip)); base != "2024_01_trip.parquet" {
		t.Errorf("unexpected file name %s", base)
	}

	recs, err := s.Load(jan, types.KindTrip)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].VIN != "VIN1" || recs[1].VIN != "VIN2" {
		t.Errorf("records not sorted by timestamp: %s, %s", recs[0].VIN, recs[1].VIN)
	}

	n, err := s.Count(jan, types.KindTrip)
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestAppendDeduplicatesLastWins(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.Append(types.KindTrip, trip(reg, "VIN1", ts, 1, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(types.KindTrip,
		trip(reg, "VIN1", ts, 1, 11),
		trip(reg, "VIN1", ts, 1, 12),
		trip(reg, "VIN1", ts, 2, 30),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := s.Load(jan, types.KindTrip)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after dedup, got %d", len(recs))
	}
	if recs[0].ID != 1 || recs[0].Value("total_distance") != 12 {
		t.Errorf("expected last occurrence to win, got id=%d dist=%v", recs[0].ID, recs[0].Value("total_distance"))
	}
	if st := s.Stats(); st.Duplicates != 2 {
		t.Errorf("expected 2 duplicates, got %d", st.Duplicates)
	}
}

func TestAppendIdempotent(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	rec := testutil.Record(reg, types.KindCharge, "VIN1", ts, 0, map[string]float64{"usoc_f": 90})

	for i := 0; i < 3; i++ {
		if _, err := s.Append(types.KindCharge, rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	n, _ := s.Count(jan, types.KindCharge)
	if n != 1 {
		t.Errorf("expected 1 charge after repeated appends, got %d", n)
	}
}

func TestChargeKeyIgnoresID(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	a := testutil.Record(reg, types.KindCharge, "VIN1", ts, 0, nil)
	b := testutil.Record(reg, types.KindCharge, "VIN2", ts, 0, nil)
	if _, err := s.Append(types.KindCharge, a, b); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, _ := s.Count(jan, types.KindCharge)
	if n != 2 {
		t.Errorf("charges of different vehicles must not collide, got %d rows", n)
	}
}

func TestAppendSplitsByMonth(t *testing.T) {
	s, reg := newStore(t)

	months, err := s.Append(types.KindTrip,
		trip(reg, "VIN1", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 2, 10),
		trip(reg, "VIN1", time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC), 1, 10),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(months) != 2 || months[0] != jan || months[1] != jan.Next() {
		t.Fatalf("expected [2024-01 2024-02], got %v", months)
	}

	listed, err := s.Months(types.KindTrip)
	if err != nil {
		t.Fatalf("Months: %v", err)
	}
	if len(listed) != 2 || listed[0] != jan {
		t.Errorf("unexpected months %v", listed)
	}

	for _, m := range months {
		n, _ := s.Count(m, types.KindTrip)
		if n != 1 {
			t.Errorf("%s: expected 1 row, got %d", m, n)
		}
	}
}

func TestAppendFailureKeepsPriorContent(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	if _, err := s.Append(types.KindTrip, trip(reg, "VIN1", ts, 1, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before, _ := os.ReadFile(s.Path(jan, types.KindTrip))

	bad := trip(reg, "VIN2", ts, 2, 10)
	bad.Values = bad.Values[:3]
	bad.Columns = bad.Columns[:3]

	months, err := s.Append(types.KindTrip, bad)
	if !errors.Is(err, errors.ErrPartitionIO) {
		t.Fatalf("expected ErrPartitionIO, got %v", err)
	}
	var pe *errors.PartitionError
	if !errors.As(err, &pe) || pe.Op != "write" {
		t.Errorf("expected write PartitionError, got %v", err)
	}
	if len(months) != 0 {
		t.Errorf("no month should be reported written, got %v", months)
	}

	after, _ := os.ReadFile(s.Path(jan, types.KindTrip))
	if string(before) != string(after) {
		t.Error("failed append modified the partition")
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if parquet.IsTempFile(e.Name()) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLoadMissing(t *testing.T) {
	s, _ := newStore(t)

	if _, err := s.Load(jan, types.KindTrip); !errors.Is(err, errors.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
	if n, err := s.Count(jan, types.KindTrip); n != 0 || err != nil {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s, _ := newStore(t)
	if err := os.WriteFile(s.Path(jan, types.KindTrip), []byte("not parquet"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(jan, types.KindTrip); !errors.Is(err, errors.ErrPartitionIO) {
		t.Errorf("expected ErrPartitionIO, got %v", err)
	}
}

func TestAppendRejectsMixedKinds(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	charge := testutil.Record(reg, types.KindCharge, "VIN1", ts, 0, nil)

	if _, err := s.Append(types.KindTrip, charge); !errors.Is(err, errors.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s, reg := newStore(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.Append(types.KindTrip, trip(reg, "VIN1", ts.Add(time.Duration(id)*time.Minute), id, 5)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	n, _ := s.Count(jan, types.KindTrip)
	if n != 8 {
		t.Errorf("expected 8 rows, got %d", n)
	}
}

func TestMerge(t *testing.T) {
	reg := testutil.Registry(t)
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	existing := []*types.Record{
		trip(reg, "VIN2", ts, 1, 1),
		trip(reg, "VIN1", ts, 1, 2),
	}
	incoming := []*types.Record{
		trip(reg, "VIN1", ts.Add(-time.Minute), 9, 3),
		trip(reg, "VIN2", ts, 1, 4),
	}

	merged, dups := Merge(existing, incoming)
	if dups != 1 || len(merged) != 3 {
		t.Fatalf("expected 3 records and 1 duplicate, got %d and %d", len(merged), dups)
	}

	want := []struct {
		vin  string
		dist float64
	}{{"VIN1", 3}, {"VIN1", 2}, {"VIN2", 4}}
	for i, w := range want {
		if merged[i].VIN != w.vin || merged[i].Value("total_distance") != w.dist {
			t.Errorf("record %d: expected %s/%v, got %s/%v", i, w.vin, w.dist, merged[i].VIN, merged[i].Value("total_distance"))
		}
	}
}
