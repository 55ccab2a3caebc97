// Package query serves the summary table and ad-hoc analytics over the
// monthly partitions.
//
// LastMonths reads the summary table; concurrent calls share one read.
// ExecuteSQL and VehicleMonthly run on an in-memory DuckDB instance that
// reads the partition files in place through the views trips, charges and
// summary.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/partition"
	"github.com/xtxerr/evtrack/internal/storage/rollup"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/validation"
)

// Service provides query capabilities over stored data.
type Service struct {
	mu sync.Mutex

	config *config.Config
	store  *partition.Store
	table  *rollup.Table
	db     *sql.DB

	group singleflight.Group

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	Errors          atomic.Int64
	SharedReads     atomic.Int64
}

// New creates a new query service.
func New(cfg *config.Config, store *partition.Store, table *rollup.Table) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if cfg.Query.MemoryLimit != "" {
		_, err = db.Exec("SET memory_limit=" + validation.QuoteLiteral(cfg.Query.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		store:  store,
		table:  table,
		db:     db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LastMonths returns the last n rows of the summary table in ascending
// month order, or every row when n exceeds the row count. n <= 0 returns an
// empty slice. A missing summary table returns an error wrapping
// errors.ErrNoData.
func (s *Service) LastMonths(n int) ([]types.Summary, error) {
	if n <= 0 {
		return []types.Summary{}, nil
	}

	v, err, shared := s.group.Do("summary", func() (interface{}, error) {
		return s.table.All()
	})
	if shared {
		s.stats.SharedReads.Add(1)
	}
	if err != nil {
		if !errors.Is(err, errors.ErrNoData) {
			s.stats.Errors.Add(1)
		}
		return nil, err
	}

	rows := v.([]types.Summary)
	if n > len(rows) {
		n = len(rows)
	}

	out := make([]types.Summary, n)
	copy(out, rows[len(rows)-n:])

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(n))
	return out, nil
}

// VehicleMonth is the monthly activity of one vehicle.
type VehicleMonth struct {
	Month       string  `json:"month"`
	Trips       int64   `json:"trips"`
	Distance    float64 `json:"distance_km"`
	Energy      float64 `json:"energy_wh"`
	Regen       float64 `json:"regen_wh"`
	Consumption float64 `json:"consumption_wh_km"`
	MaxOdometer float64 `json:"max_odometer_km"`
}

// VehicleMonthly aggregates the trips of one vehicle per month across every
// trip partition. No partitions yields an empty result.
func (s *Service) VehicleMonthly(ctx context.Context, vin string) ([]VehicleMonth, error) {
	pattern := s.store.Glob(types.KindTrip)
	if !hasFiles(pattern) {
		return []VehicleMonth{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			strftime("timestamp", '%Y-%m') AS month,
			count(*) AS trips,
			sum(total_distance),
			sum(total_energy),
			sum(total_regen),
			max(end_odometer)
		FROM read_parquet(` + validation.QuoteLiteral(pattern) + `)
		WHERE vin = ?
		GROUP BY month
		ORDER BY month
	`

	rows, err := s.db.QueryContext(ctx, query, vin)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	results := []VehicleMonth{}
	for rows.Next() {
		var m VehicleMonth
		if err := rows.Scan(&m.Month, &m.Trips, &m.Distance, &m.Energy, &m.Regen, &m.MaxOdometer); err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if m.Distance > 0 {
			m.Consumption = (m.Energy - m.Regen) / m.Distance
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))
	return results, nil
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// The views trips, charges and summary are available when their files exist.
// At most Query.MaxRows rows are returned.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if err := s.refreshViews(ctx); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]interface{}{}
	maxRows := s.config.Query.MaxRows

	for rows.Next() {
		if maxRows > 0 && len(results) >= maxRows {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.stats.Errors.Add(1)
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))

	return results, rows.Err()
}

// refreshViews points the views at the current files. A view whose files do
// not exist yet is dropped.
func (s *Service) refreshViews(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := map[string]string{
		"trips":   s.store.Glob(types.KindTrip),
		"charges": s.store.Glob(types.KindCharge),
		"summary": s.table.Path(),
	}

	for name, pattern := range views {
		var stmt string
		if hasFiles(pattern) {
			stmt = fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)", name, validation.QuoteLiteral(pattern))
		} else {
			stmt = "DROP VIEW IF EXISTS " + name
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("refresh view %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Query.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Query.Timeout)
	}
	return context.WithCancel(ctx)
}

func hasFiles(pattern string) bool {
	matches, err := filepath.Glob(pattern)
	return err == nil && len(matches) > 0
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
	SharedReads     int64
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		Errors:          s.stats.Errors.Load(),
		SharedReads:     s.stats.SharedReads.Load(),
	}
}

