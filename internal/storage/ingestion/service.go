// Package ingestion runs packets through the pipeline:
// Packet → Journal → Decoder → Reassembler → Normalizer → Partition → Rollup.
//
// Rejected packets and records are logged and counted; the pipeline moves
// on. Partition I/O failures are returned to the caller. The completed
// record stays in its pending table until an append succeeds, so sending
// any packet of the record again retries the append.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/metrics"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/partition"
	"github.com/xtxerr/evtrack/internal/storage/rollup"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/storage/wal"
	"github.com/xtxerr/evtrack/internal/telemetry/decoder"
	"github.com/xtxerr/evtrack/internal/telemetry/normalize"
	"github.com/xtxerr/evtrack/internal/telemetry/reassembly"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Outcome is the result of ingesting one packet.
type Outcome int

const (
	// OutcomePending means the packet was merged into a record that still
	// waits for other message types.
	OutcomePending Outcome = iota
	// OutcomeStored means the packet completed a record that was appended.
	OutcomeStored
	// OutcomeRejected means the packet or its record was discarded.
	OutcomeRejected
	// OutcomeFailed means the completed record could not be persisted. It
	// stays pending and is appended again by the next packet of its key.
	OutcomeFailed
	// OutcomeDuplicate means the packet repeated a record already stored.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeStored:
		return "stored"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options wires the service to its storage.
type Options struct {
	Store      *partition.Store
	Aggregator *rollup.Aggregator

	// Journal receives every decodable packet before reassembly. Optional.
	Journal *wal.Writer

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service orchestrates the packet ingestion pipeline.
type Service struct {
	config *config.Config

	// Components
	decoder     *decoder.Decoder
	reassembler *reassembly.Reassembler
	normalizer  *normalize.Normalizer
	store       *partition.Store
	aggregator  *rollup.Aggregator
	journal     *wal.Writer
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger

	// State
	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats
}

// Stats holds ingestion statistics.
type Stats struct {
	PacketsReceived atomic.Int64
	PacketsRejected atomic.Int64
	Duplicates      atomic.Int64
	RecordsRejected atomic.Int64
	RecordsStored   atomic.Int64
	RecordsEvicted  atomic.Int64
	PacketsReplayed atomic.Int64
	Failures        atomic.Int64
}

// New creates a new ingestion service.
func New(cfg *config.Config, reg *schema.Registry, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Store == nil || opts.Aggregator == nil {
		return nil, fmt.Errorf("%w: ingestion needs a partition store and an aggregator", errors.ErrInvalidConfig)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	normalizer, err := normalize.New(reg)
	if err != nil {
		return nil, fmt.Errorf("create normalizer: %w", err)
	}

	reassembler := reassembly.New(reg, reassembly.Options{
		ScopeByVIN: cfg.Reassembly.ScopeByVIN,
		PendingTTL: cfg.Reassembly.PendingTTL,
		Now:        opts.Now,
	})

	return &Service{
		config:      cfg,
		decoder:     decoder.New(reg),
		reassembler: reassembler,
		normalizer:  normalizer,
		store:       opts.Store,
		aggregator:  opts.Aggregator,
		journal:     opts.Journal,
		metrics:     opts.Metrics,
		now:         opts.Now,
		logger:      logging.Component("ingestion"),
	}, nil
}

// Start starts the eviction worker.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go s.evictionWorker(ctx)

	return nil
}

// Stop stops the eviction worker and syncs the journal.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()
	s.wg.Wait()

	if s.journal != nil {
		if err := s.journal.Sync(); err != nil && !errors.Is(err, errors.ErrClosed) {
			return fmt.Errorf("sync journal: %w", err)
		}
	}

	return nil
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Ingest runs one packet through the pipeline. A recoverable rejection
// returns OutcomeRejected with the cause; the caller moves on. A failed
// append returns OutcomeFailed with an error wrapping errors.ErrPartitionIO.
func (s *Service) Ingest(ctx context.Context, p types.Packet) (Outcome, error) {
	if !s.running.Load() {
		return OutcomeRejected, errors.ErrNotRunning
	}
	return s.process(ctx, p, s.journal != nil)
}

func (s *Service) process(ctx context.Context, p types.Packet, journal bool) (Outcome, error) {
	s.stats.PacketsReceived.Add(1)
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = s.now()
	}

	ctx = logging.ContextWithVIN(ctx, p.VIN)

	group, err := s.decoder.Decode(p.Raw)
	if err != nil {
		s.stats.PacketsRejected.Add(1)
		return s.reject(ctx, p, err)
	}
	ctx = logging.ContextWithKind(ctx, group.Kind.String())

	if journal {
		if err := s.journal.Write(p); err != nil {
			s.stats.Failures.Add(1)
			s.metrics.Packet("journal_error")
			return OutcomeFailed, fmt.Errorf("journal packet: %w", err)
		}
	}

	rec, complete, err := s.reassembler.Ingest(p.VIN, group)
	if errors.Is(err, reassembly.ErrDuplicate) {
		s.stats.Duplicates.Add(1)
		s.metrics.Packet(OutcomeDuplicate.String())
		return OutcomeDuplicate, nil
	}
	if err != nil {
		s.stats.PacketsRejected.Add(1)
		return s.reject(ctx, p, err)
	}
	s.metrics.SetPending(group.Kind.String(), s.reassembler.Pending(group.Kind))
	if !complete {
		s.metrics.Packet(OutcomePending.String())
		return OutcomePending, nil
	}

	norm, err := s.normalizer.Normalize(rec)
	if err != nil {
		s.stats.RecordsRejected.Add(1)
		s.release(rec)
		return s.reject(ctx, p, err)
	}

	if err := s.Persist(ctx, norm); err != nil {
		s.metrics.Packet(errors.Category(err))
		return OutcomeFailed, err
	}
	s.release(rec)

	s.metrics.Packet(OutcomeStored.String())
	return OutcomeStored, nil
}

// release retires a completed record from its pending table.
func (s *Service) release(rec *types.CompleteRecord) {
	s.reassembler.Release(rec)
	s.metrics.SetPending(rec.Kind.String(), s.reassembler.Pending(rec.Kind))
}

func (s *Service) reject(ctx context.Context, p types.Packet, err error) (Outcome, error) {
	s.metrics.Packet(errors.Category(err))
	logging.FromContext(ctx, s.logger).Warn("packet rejected",
		"tag", decoder.Tag(p.Raw),
		"category", errors.Category(err),
		"error", err)
	return OutcomeRejected, err
}

// Persist appends a normalized record and refreshes the rollup of its month.
// It is safe to call again for a record whose append failed. It does not
// touch the pending tables.
func (s *Service) Persist(ctx context.Context, rec *types.Record) error {
	start := time.Now()
	months, err := s.store.Append(rec.Kind, rec)
	s.metrics.ObserveAppend(time.Since(start))
	if err != nil {
		s.stats.Failures.Add(1)
		logging.FromContext(ctx, s.logger).Error("partition append failed",
			"month", rec.Month().String(),
			"error", err)
		return err
	}

	s.stats.RecordsStored.Add(1)
	s.metrics.RecordsStored(rec.Kind.String(), 1)

	s.refresh(months)
	return nil
}

// refresh rolls up every touched month. A rollup failure does not undo the
// append: the month is recomputed by its next append or by RefreshAll.
func (s *Service) refresh(months []types.Month) {
	for _, m := range months {
		_, err := s.aggregator.Refresh(m)
		switch {
		case err == nil:
			s.metrics.Rollup("refreshed")
		case errors.Is(err, errors.ErrAggregation):
			s.metrics.Rollup("skipped")
			s.logger.Debug("rollup skipped", "month", m.String(), "reason", err)
		default:
			s.metrics.Rollup("failed")
			s.logger.Error("rollup failed", "month", m.String(), "error", err)
		}
	}
}

// BatchResult counts the outcomes of a batch.
type BatchResult struct {
	Stored     int
	Pending    int
	Rejected   int
	Duplicates int
}

// Total returns the number of packets processed.
func (r BatchResult) Total() int {
	return r.Stored + r.Pending + r.Rejected + r.Duplicates
}

// IngestBatch ingests packets grouped by VIN, keeping the feed order of
// each vehicle. Rejections are counted and skipped; the first persistence
// failure stops the batch and is returned with the counts so far.
func (s *Service) IngestBatch(ctx context.Context, packets []types.Packet) (BatchResult, error) {
	var result BatchResult

	sorted := make([]types.Packet, len(packets))
	copy(sorted, packets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VIN < sorted[j].VIN
	})

	for _, p := range sorted {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := s.Ingest(ctx, p)
		switch outcome {
		case OutcomeStored:
			result.Stored++
		case OutcomePending:
			result.Pending++
		case OutcomeDuplicate:
			result.Duplicates++
		case OutcomeRejected:
			if err != nil && !errors.IsRecoverable(err) {
				return result, err
			}
			result.Rejected++
		case OutcomeFailed:
			return result, err
		}
	}

	return result, nil
}

// ReplayResult summarizes a journal replay.
type ReplayResult struct {
	Packets BatchResult
	// Torn counts segments cut short by a torn or corrupt record.
	Torn int
}

// Replay feeds the packets journaled in dir back through the pipeline
// without journaling them again, rebuilding the pending tables after a
// restart. Records completed by replayed packets are appended again, which
// leaves their partitions unchanged.
func (s *Service) Replay(ctx context.Context, dir string) (ReplayResult, error) {
	var result ReplayResult

	torn, err := wal.Walk(dir, func(p types.Packet) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.stats.PacketsReplayed.Add(1)
		outcome, err := s.process(ctx, p, false)
		switch outcome {
		case OutcomeStored:
			result.Packets.Stored++
		case OutcomePending:
			result.Packets.Pending++
		case OutcomeDuplicate:
			result.Packets.Duplicates++
		case OutcomeRejected:
			result.Packets.Rejected++
		case OutcomeFailed:
			return err
		}
		return nil
	})
	result.Torn = torn
	if err != nil {
		return result, fmt.Errorf("replay journal: %w", err)
	}

	if torn > 0 {
		s.logger.Warn("journal segments cut short", "segments", torn)
	}
	s.logger.Info("journal replayed",
		"packets", result.Packets.Total(),
		"stored", result.Packets.Stored,
		"pending", s.reassembler.Pending(types.KindTrip)+s.reassembler.Pending(types.KindCharge))
	return result, nil
}

// evictionWorker periodically evicts stale pending records.
func (s *Service) evictionWorker(ctx context.Context) {
	defer s.wg.Done()

	interval := s.config.Reassembly.EvictionInterval
	if interval <= 0 || s.config.Reassembly.PendingTTL <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}

// Evict removes pending records that have not been updated within the
// pending TTL and returns them.
func (s *Service) Evict() []reassembly.Evicted {
	evicted := s.reassembler.Evict(s.now())

	for _, e := range evicted {
		s.stats.RecordsEvicted.Add(1)
		s.metrics.Evicted(e.Kind.String())
		s.logger.Warn("pending record evicted",
			"vin", e.VIN,
			"kind", e.Kind.String(),
			"timestamp", e.Timestamp,
			"id", e.ID,
			"missing", e.Missing,
			"age", e.Age.String())
	}

	for _, kind := range types.AllKinds() {
		s.metrics.SetPending(kind.String(), s.reassembler.Pending(kind))
	}
	return evicted
}

// Pending returns the number of pending records of a kind.
func (s *Service) Pending(kind types.Kind) int {
	return s.reassembler.Pending(kind)
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Running:         s.running.Load(),
		PacketsReceived: s.stats.PacketsReceived.Load(),
		PacketsRejected: s.stats.PacketsRejected.Load(),
		Duplicates:      s.stats.Duplicates.Load(),
		RecordsRejected: s.stats.RecordsRejected.Load(),
		RecordsStored:   s.stats.RecordsStored.Load(),
		RecordsEvicted:  s.stats.RecordsEvicted.Load(),
		PacketsReplayed: s.stats.PacketsReplayed.Load(),
		Failures:        s.stats.Failures.Load(),
		PendingTrips:    s.reassembler.Pending(types.KindTrip),
		PendingCharges:  s.reassembler.Pending(types.KindCharge),
	}
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running         bool
	PacketsReceived int64
	PacketsRejected int64
	Duplicates      int64
	RecordsRejected int64
	RecordsStored   int64
	RecordsEvicted  int64
	PacketsReplayed int64
	Failures        int64
	PendingTrips    int
	PendingCharges  int
}

// Store returns the partition store.
func (s *Service) Store() *partition.Store {
	return s.store
}

// Aggregator returns the rollup aggregator.
func (s *Service) Aggregator() *rollup.Aggregator {
	return s.aggregator
}
