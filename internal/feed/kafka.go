package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/storage/config"
)

// messageReader is the part of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes feed envelopes from a Kafka topic.
//
// A message is committed once the pipeline has accepted, stored or
// rejected its packet. A persistence failure stops the source without
// committing, so the message is fetched again after a restart.
type KafkaSource struct {
	cfg    config.KafkaConfig
	reader messageReader
	sink   Sink
	logger *slog.Logger
	poll   time.Duration
	now    func() time.Time

	throttle Throttle

	stats SourceStats
}

// SourceStats holds source statistics.
type SourceStats struct {
	Messages  atomic.Int64
	Malformed atomic.Int64
	Committed atomic.Int64
	Errors    atomic.Int64
}

// NewKafkaSource creates a consumer group reader for cfg.
func NewKafkaSource(cfg config.KafkaConfig, sink Sink) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.NewValidation("feed.kafka.brokers", "at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.NewValidation("feed.kafka.topic", "must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.NewValidation("feed.kafka.group_id", "must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	return newKafkaSource(cfg, reader, sink), nil
}

func newKafkaSource(cfg config.KafkaConfig, reader messageReader, sink Sink) *KafkaSource {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &KafkaSource{
		cfg:    cfg,
		reader: reader,
		sink:   sink,
		logger: logging.Component("feed"),
		poll:   poll,
		now:    time.Now,
	}
}

// Throttle slows a source down under load.
type Throttle interface {
	ThrottleDelay() time.Duration
}

// SetThrottle makes the source wait ThrottleDelay before every fetch.
func (s *KafkaSource) SetThrottle(t Throttle) {
	s.throttle = t
}

// Close shuts down the underlying Kafka reader.
func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// Run consumes messages until ctx is cancelled or the reader is closed.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info("kafka source started",
		"topic", s.cfg.Topic,
		"group", s.cfg.GroupID,
		"brokers", strings.Join(s.cfg.Brokers, ","),
		"poll_timeout", s.poll)
	defer s.logger.Info("kafka source stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.throttle != nil {
			if d := s.throttle.ThrottleDelay(); d > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d):
				}
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.poll)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			s.stats.Errors.Add(1)
			s.logger.Error("kafka fetch error", "error", err)
			continue
		}

		s.stats.Messages.Add(1)
		if err := s.handle(ctx, msg); err != nil {
			return err
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, s.poll)
		err = s.reader.CommitMessages(commitCtx, msg)
		commitCancel()
		if err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				s.stats.Errors.Add(1)
				s.logger.Error("kafka commit error", "error", err, "offset", msg.Offset)
			}
			continue
		}
		s.stats.Committed.Add(1)
	}
}

func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) error {
	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		s.stats.Malformed.Add(1)
		s.logger.Warn("malformed feed message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		return nil
	}

	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	_, err = s.sink.Ingest(ctx, env.Packet(receivedAt.UTC()))
	if err != nil && !errors.IsRecoverable(err) {
		s.stats.Errors.Add(1)
		return fmt.Errorf("ingest offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Stats returns a snapshot of the source statistics.
func (s *KafkaSource) Stats() Stats {
	return s.stats.snapshot()
}

// Stats is a snapshot of SourceStats.
type Stats struct {
	Messages  int64
	Malformed int64
	Committed int64
	Errors    int64
}

func (s *SourceStats) snapshot() Stats {
	return Stats{
		Messages:  s.Messages.Load(),
		Malformed: s.Malformed.Load(),
		Committed: s.Committed.Load(),
		Errors:    s.Errors.Load(),
	}
}
