package feed

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/ingestion"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

type recordingSink struct {
	mu      sync.Mutex
	packets []types.Packet
	fail    map[string]error
}

func (s *recordingSink) Ingest(_ context.Context, p types.Packet) (ingestion.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	if err, ok := s.fail[p.Raw]; ok {
		return ingestion.OutcomeFailed, err
	}
	return ingestion.OutcomePending, nil
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		vin     string
		wantErr bool
	}{
		{"valid", `{"DeviceId":"VIN1","OriginalMessage":"$G1:1,2,3,4,5,#&"}`, "VIN1", false},
		{"extra fields", `{"DeviceId":" VIN2 ","OriginalMessage":"$H8:1,2,3,0,#&","Ts":5}`, "VIN2", false},
		{"missing vin", `{"OriginalMessage":"$G1:1,#&"}`, "", true},
		{"missing message", `{"DeviceId":"VIN1"}`, "", true},
		{"not json", `DeviceId=VIN1`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, errors.ErrParse) {
					t.Errorf("expected ErrParse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p := env.Packet(time.Unix(0, 0)); p.VIN != tt.vin {
				t.Errorf("expected VIN %q, got %q", tt.vin, p.VIN)
			}
		})
	}
}

func TestDecodeEnvelopes(t *testing.T) {
	envs, err := DecodeEnvelopes([]byte(` [{"DeviceId":"A","OriginalMessage":"x"},{"DeviceId":"B","OriginalMessage":"y"}]`))
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	if len(envs) != 2 || envs[1].DeviceId != "B" {
		t.Errorf("unexpected envelopes %+v", envs)
	}

	envs, err = DecodeEnvelopes([]byte(`{"DeviceId":"A","OriginalMessage":"x"}`))
	if err != nil || len(envs) != 1 {
		t.Errorf("single object: %v, %v", envs, err)
	}

	for _, bad := range []string{"", "[", `[{"DeviceId":"A"}]`} {
		if _, err := DecodeEnvelopes([]byte(bad)); !errors.Is(err, errors.ErrParse) {
			t.Errorf("%q: expected ErrParse, got %v", bad, err)
		}
	}
}

func TestLineSource(t *testing.T) {
	input := strings.Join([]string{
		`{"DeviceId":"VIN1","OriginalMessage":"one"}`,
		``,
		`garbage`,
		`{"DeviceId":"VIN2","OriginalMessage":"two"}`,
	}, "\n")

	sink := &recordingSink{}
	src := NewLineSource(strings.NewReader(input), sink)
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.packets) != 2 || sink.packets[0].Raw != "one" || sink.packets[1].VIN != "VIN2" {
		t.Errorf("unexpected packets %+v", sink.packets)
	}
	stats := src.Stats()
	if stats.Messages != 3 || stats.Malformed != 1 || stats.Committed != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestLineSourceStopsOnIOError(t *testing.T) {
	input := `{"DeviceId":"VIN1","OriginalMessage":"bad"}
{"DeviceId":"VIN1","OriginalMessage":"never"}`

	sink := &recordingSink{fail: map[string]error{
		"bad": errors.NewPartitionError("write", "/x", io.ErrShortWrite),
	}}
	err := NewLineSource(strings.NewReader(input), sink).Run(context.Background())
	if !errors.Is(err, errors.ErrPartitionIO) {
		t.Fatalf("expected ErrPartitionIO, got %v", err)
	}
	if len(sink.packets) != 1 {
		t.Errorf("source should stop at the failing line, ingested %d", len(sink.packets))
	}
}

// fakeReader serves queued messages, then blocks until the fetch context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return kafka.Message{}, io.EOF
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func kafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       "ev.telemetry",
		GroupID:     "test",
		PollTimeout: 10 * time.Millisecond,
	}
}

func TestNewKafkaSourceValidation(t *testing.T) {
	cfg := kafkaConfig()
	cfg.Brokers = nil
	if _, err := NewKafkaSource(cfg, &recordingSink{}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without brokers, got %v", err)
	}

	cfg = kafkaConfig()
	cfg.Topic = " "
	if _, err := NewKafkaSource(cfg, &recordingSink{}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without topic, got %v", err)
	}
}

func TestKafkaSourceRun(t *testing.T) {
	sent := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Time: sent, Value: []byte(`{"DeviceId":"VIN1","OriginalMessage":"one"}`)},
		{Offset: 2, Value: []byte(`nope`)},
		{Offset: 3, Value: []byte(`{"DeviceId":"VIN2","OriginalMessage":"two"}`)},
	}}
	sink := &recordingSink{}
	src := newKafkaSource(kafkaConfig(), reader, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := reader.commits(); len(got) != 3 {
		t.Fatalf("expected every message committed, got %v", got)
	}
	if len(sink.packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(sink.packets))
	}
	if !sink.packets[0].ReceivedAt.Equal(sent) {
		t.Errorf("received time should come from the message, got %v", sink.packets[0].ReceivedAt)
	}
	if stats := src.Stats(); stats.Messages != 3 || stats.Malformed != 1 || stats.Committed != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestKafkaSourceStopsWithoutCommitOnIOError(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 7, Value: []byte(`{"DeviceId":"VIN1","OriginalMessage":"bad"}`)},
	}}
	sink := &recordingSink{fail: map[string]error{
		"bad": errors.NewPartitionError("write", "/x", io.ErrShortWrite),
	}}
	src := newKafkaSource(kafkaConfig(), reader, sink)

	err := src.Run(context.Background())
	if !errors.Is(err, errors.ErrPartitionIO) {
		t.Fatalf("expected ErrPartitionIO, got %v", err)
	}
	if len(reader.commits()) != 0 {
		t.Error("a failed message must not be committed")
	}
}

func TestKafkaSourceClosedReader(t *testing.T) {
	reader := &fakeReader{}
	src := newKafkaSource(kafkaConfig(), reader, &recordingSink{})
	src.Close()

	if err := src.Run(context.Background()); err != nil {
		t.Errorf("a closed reader ends the run cleanly, got %v", err)
	}
}

type fixedThrottle struct {
	delay time.Duration
	calls atomic.Int64
}

func (f *fixedThrottle) ThrottleDelay() time.Duration {
	f.calls.Add(1)
	return f.delay
}

func TestKafkaSourceThrottle(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"DeviceId":"VIN1","OriginalMessage":"one"}`)},
	}}
	src := newKafkaSource(kafkaConfig(), reader, &recordingSink{})
	throttle := &fixedThrottle{delay: time.Hour}
	src.SetThrottle(throttle)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := src.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if throttle.calls.Load() != 1 {
		t.Errorf("expected one throttle call, got %d", throttle.calls.Load())
	}
	if len(reader.commits()) != 0 {
		t.Error("a throttled source must not fetch")
	}
}
