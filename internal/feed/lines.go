package feed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/logging"
)

// maxLineSize bounds one envelope line.
const maxLineSize = 1 << 20

// LineSource reads one JSON envelope per line from r, for example an
// exported feed file.
type LineSource struct {
	r      io.Reader
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	stats SourceStats
}

// NewLineSource creates a source over r.
func NewLineSource(r io.Reader, sink Sink) *LineSource {
	return &LineSource{
		r:      r,
		sink:   sink,
		logger: logging.Component("feed"),
		now:    time.Now,
	}
}

// Run feeds every line to the sink until r is exhausted or ctx is
// cancelled. Blank lines are skipped; malformed lines are logged and
// counted. A non-recoverable pipeline error stops the run.
func (s *LineSource) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		s.stats.Messages.Add(1)

		env, err := DecodeEnvelope(raw)
		if err != nil {
			s.stats.Malformed.Add(1)
			s.logger.Warn("malformed feed line", "line", line, "error", err)
			continue
		}

		_, err = s.sink.Ingest(ctx, env.Packet(s.now().UTC()))
		if err != nil && !errors.IsRecoverable(err) {
			s.stats.Errors.Add(1)
			return fmt.Errorf("ingest line %d: %w", line, err)
		}
		s.stats.Committed.Add(1)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the source statistics.
func (s *LineSource) Stats() Stats {
	return s.stats.snapshot()
}
