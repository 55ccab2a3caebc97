package rollup

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/storage/partition"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Aggregator recomputes monthly summaries after partitions change.
type Aggregator struct {
	store  *partition.Store
	table  *Table
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	locks map[types.Month]*sync.Mutex

	stats Stats
}

// Stats holds rollup statistics.
type Stats struct {
	Refreshes atomic.Int64
	Skipped   atomic.Int64
	Failures  atomic.Int64
}

// NewAggregator creates an aggregator over store writing into table.
func NewAggregator(store *partition.Store, table *Table, opts Options) *Aggregator {
	return &Aggregator{
		store:  store,
		table:  table,
		opts:   opts.withDefaults(),
		logger: logging.Component("rollup"),
		locks:  make(map[types.Month]*sync.Mutex),
	}
}

// Table returns the summary table.
func (a *Aggregator) Table() *Table {
	return a.table
}

func (a *Aggregator) lock(m types.Month) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[m]
	if !ok {
		l = &sync.Mutex{}
		a.locks[m] = l
	}
	return l
}

// Refresh recomputes the summary of month and upserts it. The month is
// skipped with ErrAggregation unless both its trip and charge partitions
// exist. Recomputations of the same month are serialized.
func (a *Aggregator) Refresh(month types.Month) (types.Summary, error) {
	l := a.lock(month)
	l.Lock()
	defer l.Unlock()

	if !a.store.Exists(month, types.KindTrip) || !a.store.Exists(month, types.KindCharge) {
		a.stats.Skipped.Add(1)
		return types.Summary{}, errors.NewAggregation("%s: trip and charge partitions are both required", month)
	}

	trips, err := a.store.Load(month, types.KindTrip)
	if err != nil {
		a.stats.Failures.Add(1)
		return types.Summary{}, err
	}
	charges, err := a.store.Load(month, types.KindCharge)
	if err != nil {
		a.stats.Failures.Add(1)
		return types.Summary{}, err
	}

	s, err := Compute(month, trips, charges, a.opts)
	if err != nil {
		a.stats.Skipped.Add(1)
		return types.Summary{}, err
	}

	if err := a.table.Upsert(s); err != nil {
		a.stats.Failures.Add(1)
		return types.Summary{}, err
	}

	a.stats.Refreshes.Add(1)
	a.logger.Info("summary refreshed",
		"month", month.String(),
		"trips", s.Trips,
		"charges", s.Charges,
		"vehicles", s.ConnectedVehicles)
	return s, nil
}

// RefreshAll refreshes every month that has a trip partition. Months that
// cannot be aggregated are logged and skipped; I/O failures stop the run.
func (a *Aggregator) RefreshAll() (int, error) {
	months, err := a.store.Months(types.KindTrip)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range months {
		if _, err := a.Refresh(m); err != nil {
			if errors.Is(err, errors.ErrAggregation) {
				a.logger.Warn("month skipped", "month", m.String(), "error", err)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// VehicleSummary computes the summary of one vehicle for month. It is not
// persisted. ErrNoData is returned when the vehicle has no trip or no
// charge in that month.
func (a *Aggregator) VehicleSummary(month types.Month, vin string) (types.Summary, error) {
	trips, err := a.store.Load(month, types.KindTrip)
	if err != nil {
		return types.Summary{}, err
	}
	charges, err := a.store.Load(month, types.KindCharge)
	if err != nil {
		return types.Summary{}, err
	}

	trips = FilterVIN(trips, vin)
	charges = FilterVIN(charges, vin)
	if len(trips) == 0 || len(charges) == 0 {
		return types.Summary{}, fmt.Errorf("vehicle %s in %s: %w", vin, month, errors.ErrNoData)
	}

	return Compute(month, trips, charges, a.opts)
}

// AggregatorStats is a snapshot of Stats.
type AggregatorStats struct {
	Refreshes int64
	Skipped   int64
	Failures  int64
}

// Stats returns rollup statistics.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{
		Refreshes: a.stats.Refreshes.Load(),
		Skipped:   a.stats.Skipped.Load(),
		Failures:  a.stats.Failures.Load(),
	}
}
