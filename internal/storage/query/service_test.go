package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/partition"
	"github.com/xtxerr/evtrack/internal/storage/rollup"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/testutil"
)

type fixture struct {
	svc   *Service
	store *partition.Store
	table *rollup.Table
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	store, err := partition.New(cfg.PartitionsDir(), testutil.Registry(t), parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	table := rollup.NewTable(cfg.SummaryPath(), parquet.DefaultOptions())

	svc, err := New(cfg, store, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &fixture{svc: svc, store: store, table: table, cfg: cfg}
}

func (f *fixture) seedSummaries(t *testing.T, months ...types.Month) {
	t.Helper()
	for i, m := range months {
		if err := f.table.Upsert(types.Summary{Month: m, Trips: int64(i + 1)}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
}

func month(y int, m time.Month) types.Month {
	return types.Month{Year: y, Month: m}
}

func TestLastMonths(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.LastMonths(3); !errors.Is(err, errors.ErrNoData) {
		t.Fatalf("expected ErrNoData without a summary table, got %v", err)
	}

	f.seedSummaries(t, month(2024, time.March), month(2024, time.January), month(2024, time.February))

	tests := []struct {
		n    int
		want []string
	}{
		{2, []string{"2024-02", "2024-03"}},
		{3, []string{"2024-01", "2024-02", "2024-03"}},
		{10, []string{"2024-01", "2024-02", "2024-03"}},
		{0, []string{}},
		{-1, []string{}},
	}

	for _, tt := range tests {
		got, err := f.svc.LastMonths(tt.n)
		if err != nil {
			t.Fatalf("LastMonths(%d): %v", tt.n, err)
		}
		if got == nil {
			t.Fatalf("LastMonths(%d) returned nil", tt.n)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("LastMonths(%d): expected %d rows, got %d", tt.n, len(tt.want), len(got))
		}
		for i, w := range tt.want {
			if got[i].Month.String() != w {
				t.Errorf("LastMonths(%d)[%d] = %s, expected %s", tt.n, i, got[i].Month, w)
			}
		}
	}
}

func TestLastMonthsNonPositiveWithoutTable(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.LastMonths(0)
	if err != nil || len(got) != 0 {
		t.Errorf("LastMonths(0) = %v, %v", got, err)
	}
}

func TestLastMonthsConcurrent(t *testing.T) {
	f := newFixture(t)
	f.seedSummaries(t, month(2024, time.January), month(2024, time.February))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := f.svc.LastMonths(1)
			if err != nil {
				t.Errorf("LastMonths: %v", err)
				return
			}
			if len(rows) != 1 || rows[0].Month.String() != "2024-02" {
				t.Errorf("unexpected rows %+v", rows)
			}
			// Callers own their slice.
			rows[0].Trips = -1
		}()
	}
	wg.Wait()

	rows, _ := f.svc.LastMonths(1)
	if rows[0].Trips != 2 {
		t.Errorf("shared read leaked a caller mutation: %d", rows[0].Trips)
	}
}

func TestExecuteSQL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.svc.ExecuteSQL(ctx, "SELECT 1 AS value")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	stats := f.svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}

	if _, err := f.svc.ExecuteSQL(ctx, "SELECT * FROM trips"); err == nil {
		t.Error("expected an error querying trips before any partition exists")
	}
}

func TestExecuteSQLOverPartitions(t *testing.T) {
	f := newFixture(t)
	reg := testutil.Registry(t)
	ts := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := testutil.Record(reg, types.KindTrip, "VIN1", ts.Add(time.Duration(i)*time.Hour), int64(i), map[string]float64{"total_distance": 10})
		if _, err := f.store.Append(types.KindTrip, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	results, err := f.svc.ExecuteSQL(context.Background(), "SELECT vin, sum(total_distance) AS d FROM trips GROUP BY vin")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 row, got %d", len(results))
	}
	if d, ok := results[0]["d"].(float64); !ok || d != 30 {
		t.Errorf("expected d=30, got %v", results[0]["d"])
	}
}

func TestExecuteSQLMaxRows(t *testing.T) {
	f := newFixture(t)
	f.cfg.Query.MaxRows = 5

	results, err := f.svc.ExecuteSQL(context.Background(), "SELECT * FROM range(100)")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 rows, got %d", len(results))
	}
}

func TestVehicleMonthly(t *testing.T) {
	f := newFixture(t)
	reg := testutil.Registry(t)
	ctx := context.Background()

	got, err := f.svc.VehicleMonthly(ctx, "VIN1")
	if err != nil {
		t.Fatalf("VehicleMonthly: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty result without partitions, got %v", got)
	}

	recs := []*types.Record{
		testutil.Record(reg, types.KindTrip, "VIN1", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), 1, map[string]float64{
			"total_distance": 20, "total_energy": 3000, "total_regen": 600, "end_odometer": 100,
		}),
		testutil.Record(reg, types.KindTrip, "VIN1", time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), 2, map[string]float64{
			"total_distance": 20, "total_energy": 3000, "total_regen": 600, "end_odometer": 120,
		}),
		testutil.Record(reg, types.KindTrip, "VIN1", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 3, map[string]float64{
			"total_distance": 5, "total_energy": 500, "end_odometer": 125,
		}),
		testutil.Record(reg, types.KindTrip, "VIN2", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), 1, map[string]float64{
			"total_distance": 99,
		}),
	}
	if _, err := f.store.Append(types.KindTrip, recs...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err = f.svc.VehicleMonthly(ctx, "VIN1")
	if err != nil {
		t.Fatalf("VehicleMonthly: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 months, got %d", len(got))
	}

	jan := got[0]
	if jan.Month != "2024-01" || jan.Trips != 2 || jan.Distance != 40 || jan.MaxOdometer != 120 {
		t.Errorf("unexpected january %+v", jan)
	}
	if jan.Consumption != 120 {
		t.Errorf("expected consumption 120 Wh/km, got %v", jan.Consumption)
	}
	if got[1].Month != "2024-02" || got[1].Trips != 1 {
		t.Errorf("unexpected february %+v", got[1])
	}
}
