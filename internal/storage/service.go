package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/metrics"
	"github.com/xtxerr/evtrack/internal/storage/backpressure"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/ingestion"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/partition"
	"github.com/xtxerr/evtrack/internal/storage/query"
	"github.com/xtxerr/evtrack/internal/storage/retention"
	"github.com/xtxerr/evtrack/internal/storage/rollup"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/storage/wal"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Options configures New.
type Options struct {
	// Registry is the schema registry. Nil loads cfg.RegistryPath, or the
	// embedded default registry when that is empty.
	Registry *schema.Registry

	// Metrics is optional.
	Metrics *metrics.Metrics

	// ReadOnly opens the stack without a journal writer and without the data
	// directory lock. Inspection tools use it so they can run next to a
	// daemon; they must call LockForWrite before writing anything.
	ReadOnly bool
}

// Service is the storage stack: partitions, the summary table, the journal,
// ingestion, queries and retention, wired from one configuration.
type Service struct {
	mu sync.RWMutex

	config   *config.Config
	registry *schema.Registry
	logger   *slog.Logger

	// Components
	store      *partition.Store
	table      *rollup.Table
	aggregator *rollup.Aggregator
	journal    *wal.Writer
	ingestion  *ingestion.Service
	query      *query.Service
	retention  *retention.Manager

	backpressure *backpressure.Controller

	// lock is held by stacks that write to the data directory.
	lock *os.File

	// State
	running atomic.Bool
	closed  atomic.Bool

	// Statistics
	startTime time.Time
}

// LoadRegistry loads the registry at path, or the embedded default registry
// when path is empty.
func LoadRegistry(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.Default()
	}
	return schema.Load(path)
}

// New creates the storage stack. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if opts.ReadOnly {
		ro := *cfg
		ro.Journal.Enabled = false
		cfg = &ro
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	// The lock comes before the journal so a second daemon fails without
	// touching its segments.
	var lock *os.File
	if !opts.ReadOnly {
		var err error
		if lock, err = lockDir(cfg.LockPath()); err != nil {
			return nil, err
		}
	}

	svc, err := build(cfg, opts)
	if err != nil {
		if lock != nil {
			lock.Close()
		}
		return nil, err
	}
	svc.lock = lock
	return svc, nil
}

func build(cfg *config.Config, opts Options) (*Service, error) {
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = LoadRegistry(cfg.RegistryPath); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}

	popts := parquet.Options{Compression: parquet.ParseCompressionType(cfg.Storage.Compression)}

	store, err := partition.New(cfg.PartitionsDir(), reg, popts)
	if err != nil {
		return nil, fmt.Errorf("create partition store: %w", err)
	}

	table := rollup.NewTable(cfg.SummaryPath(), popts)
	aggregator := rollup.NewAggregator(store, table, rollup.Options{
		BatteryCapacityWh: cfg.Rollup.BatteryCapacityWh,
		SketchAccuracy:    cfg.Rollup.SketchAccuracy,
	})

	var journal *wal.Writer
	if cfg.Journal.Enabled {
		journal, err = wal.NewWriter(cfg.JournalDir(), wal.Options{
			MaxSegmentSize: cfg.Journal.MaxSegmentSize,
			SyncMode:       cfg.Journal.SyncMode,
			SyncInterval:   cfg.Journal.SyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	ing, err := ingestion.New(cfg, reg, ingestion.Options{
		Store:      store,
		Aggregator: aggregator,
		Journal:    journal,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		closeJournal(journal)
		return nil, fmt.Errorf("create ingestion: %w", err)
	}

	qry, err := query.New(cfg, store, table)
	if err != nil {
		closeJournal(journal)
		return nil, fmt.Errorf("create query: %w", err)
	}

	// Create backpressure controller
	bp := backpressure.New(cfg.Backpressure, func() int {
		return ing.Pending(types.KindTrip) + ing.Pending(types.KindCharge)
	})
	m := opts.Metrics
	bp.SetOnLevelChange(func(_, level backpressure.Level) {
		m.SetBackpressure(int(level))
	})

	return &Service{
		config:     cfg,
		registry:   reg,
		logger:     logging.Component("storage"),
		store:      store,
		table:      table,
		aggregator: aggregator,
		journal:    journal,
		ingestion:  ing,
		query:      qry,
		retention:  retention.New(cfg, journal),

		backpressure: bp,
	}, nil
}

func closeJournal(w *wal.Writer) {
	if w != nil {
		w.Close()
	}
}

// Recover replays the journal, rebuilding the pending tables lost by the
// previous shutdown, then recomputes every month from its partitions.
func (s *Service) Recover(ctx context.Context) (ingestion.ReplayResult, error) {
	var result ingestion.ReplayResult

	if s.journal != nil {
		var err error
		result, err = s.ingestion.Replay(ctx, s.journal.Dir())
		if err != nil {
			return result, err
		}
	}

	n, err := s.aggregator.RefreshAll()
	if err != nil {
		return result, fmt.Errorf("refresh rollups: %w", err)
	}
	s.logger.Info("recovered",
		"replayed", result.Packets.Total(),
		"months", n)
	return result, nil
}

// Start starts ingestion.
func (s *Service) Start() error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if s.running.Load() {
		return fmt.Errorf("service already running")
	}

	if err := s.ingestion.Start(); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()
	s.running.Store(true)
	return nil
}

// Run runs the journal sync loop, the backpressure checks and the retention
// sweeper until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.journal != nil {
		g.Go(func() error {
			s.journal.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.backpressure.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.retention.Run(ctx)
		return nil
	})
	return g.Wait()
}

// Stop stops ingestion and closes the journal and the query engine.
func (s *Service) Stop() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)

	var errs []error

	if err := s.ingestion.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop ingestion: %w", err))
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	if err := s.query.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}

	s.mu.Lock()
	if s.lock != nil {
		s.lock.Close()
		s.lock = nil
	}
	s.mu.Unlock()

	return errors.Join(errs...)
}

// LockForWrite takes the data directory lock if the service does not hold it
// yet. It fails with errors.ErrLocked while another process holds it.
func (s *Service) LockForWrite() error {
	if s.closed.Load() {
		return errors.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		return nil
	}
	lock, err := lockDir(s.config.LockPath())
	if err != nil {
		return err
	}
	s.lock = lock
	return nil
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running    bool
	Uptime     time.Duration
	Partitions partition.StoreStats
	Rollup     rollup.AggregatorStats
	Ingestion  ingestion.ServiceStats
	Query      query.ServiceStats
	Retention  retention.Stats
	Journal    *wal.WriterStats

	Backpressure backpressure.ControllerStats
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if s.running.Load() && !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	stats := ServiceStats{
		Running:    s.running.Load(),
		Uptime:     uptime,
		Partitions: s.store.Stats(),
		Rollup:     s.aggregator.Stats(),
		Ingestion:  s.ingestion.Stats(),
		Query:      s.query.Stats(),
		Retention:  s.retention.Stats(),

		Backpressure: s.backpressure.Stats(),
	}
	if s.journal != nil {
		js := s.journal.Stats()
		stats.Journal = &js
	}
	return stats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// Registry returns the schema registry.
func (s *Service) Registry() *schema.Registry {
	return s.registry
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Store returns the partition store.
func (s *Service) Store() *partition.Store {
	return s.store
}

// Table returns the summary table.
func (s *Service) Table() *rollup.Table {
	return s.table
}

// Aggregator returns the rollup aggregator.
func (s *Service) Aggregator() *rollup.Aggregator {
	return s.aggregator
}

// Ingestion returns the ingestion service.
func (s *Service) Ingestion() *ingestion.Service {
	return s.ingestion
}

// Query returns the query service.
func (s *Service) Query() *query.Service {
	return s.query
}

// Retention returns the retention manager.
func (s *Service) Retention() *retention.Manager {
	return s.retention
}

// Backpressure returns the backpressure controller.
func (s *Service) Backpressure() *backpressure.Controller {
	return s.backpressure
}

// Journal returns the journal writer, or nil when journaling is disabled.
func (s *Service) Journal() *wal.Writer {
	return s.journal
}
