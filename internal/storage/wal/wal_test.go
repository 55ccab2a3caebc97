package wal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

var received = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func packet(i int) types.Packet {
	return types.Packet{
		VIN:        "VIN1",
		Raw:        fmt.Sprintf("$G1:%d,%d,NA,#&", 1705305600+i, i),
		ReceivedAt: received.Add(time.Duration(i) * time.Millisecond),
	}
}

func TestEncodeDecode(t *testing.T) {
	packets := []types.Packet{
		packet(1),
		{VIN: "", Raw: "", ReceivedAt: received},
		{VIN: "WVWZZZ1JZXW000001", Raw: "$H8:1705305600,20,90,0,#&", ReceivedAt: received},
	}

	data, err := encodePackets(packets)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodePackets(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(packets) {
		t.Fatalf("expected %d packets, got %d", len(packets), len(decoded))
	}
	for i, p := range packets {
		d := decoded[i]
		if d.VIN != p.VIN || d.Raw != p.Raw || !d.ReceivedAt.Equal(p.ReceivedAt) {
			t.Errorf("packet %d mismatch: %+v vs %+v", i, d, p)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := encodePackets([]types.Packet{packet(1), packet(2)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, n := range []int{0, 3, 10, len(data) - 1} {
		if _, err := decodePackets(data[:n]); err == nil {
			t.Errorf("decoding %d of %d bytes should fail", n, len(data))
		}
	}
}

func TestWriter_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write(packet(1), packet(2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 1 {
		t.Errorf("expected 1 record written, got %d", stats.RecordsWritten)
	}

	if err := w.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestWriter_Closed(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Write(packet(1)); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWriter_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 1024 // Small segment for testing

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 100; i++ {
		if err := w.Write(packet(i)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments due to rotation, got %d", len(segments))
	}

	stats := w.Stats()
	if stats.SegmentsCreated < 2 {
		t.Errorf("expected at least 2 segments created, got %d", stats.SegmentsCreated)
	}
}

func TestReader_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	written := []types.Packet{packet(0), packet(1), packet(2)}
	if err := w.Write(written...); err != nil {
		t.Fatalf("Write: %v", err)
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	r, err := NewReader(segmentPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	read, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(read) != len(written) {
		t.Fatalf("expected %d packets, got %d", len(written), len(read))
	}
	for i, p := range written {
		if read[i].Raw != p.Raw || read[i].VIN != p.VIN {
			t.Errorf("packet %d mismatch", i)
		}
	}
	if st := r.Stats(); st.PacketsRead != 3 || st.RecordsRead != 1 {
		t.Errorf("unexpected reader stats %+v", st)
	}
}

func TestReader_StopsAtTornRecord(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write(packet(i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	segmentPath := w.CurrentSegment()
	w.Close()

	// Simulate a crash in the middle of the last record.
	info, _ := os.Stat(segmentPath)
	if err := os.Truncate(segmentPath, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(segmentPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	read, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(read) != 2 {
		t.Errorf("expected the 2 intact packets, got %d", len(read))
	}
	if r.Stats().CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", r.Stats().CorruptRecords)
	}
}

func TestReader_BadMagic(t *testing.T) {
	path := t.TempDir() + "/0000000000000000.wal"
	if err := os.WriteFile(path, make([]byte, 32), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(path); err == nil {
		t.Error("expected error for invalid magic")
	}
}

func TestReadDirAcrossSegments(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 512 // Small for quick rotation

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := w.Write(packet(i)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	w.Close()

	all, err := ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(all) != 50 {
		t.Fatalf("expected 50 packets, got %d", len(all))
	}
	for i, p := range all {
		if p.Raw != packet(i).Raw {
			t.Fatalf("packet %d out of order: %s", i, p.Raw)
		}
	}

	// A writer reopened on the directory continues the sequence.
	w2, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w2.Write(packet(50)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w2.Close()

	all, _ = ReadDir(tmpDir)
	if len(all) != 51 || all[50].Raw != packet(50).Raw {
		t.Errorf("expected reopened writer to append after existing segments, got %d packets", len(all))
	}
}

func TestReadDirMissing(t *testing.T) {
	all, err := ReadDir(t.TempDir() + "/absent")
	if err != nil || len(all) != 0 {
		t.Errorf("ReadDir on missing dir = %v, %v", all, err)
	}
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	tmpDir := t.TempDir()
	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write(packet(0), packet(1), packet(2))
	w.Close()

	stop := fmt.Errorf("stop")
	seen := 0
	_, err = Walk(tmpDir, func(types.Packet) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Errorf("expected callback error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("expected walk to stop after 2 packets, saw %d", seen)
	}
}

func TestIterator(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := w.Write(packet(i)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	segmentPath := w.CurrentSegment()
	w.Close()

	it, err := NewIterator(segmentPath)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	count := 0
	for it.Next() {
		p := it.Packet()
		if p.Raw != packet(count).Raw {
			t.Errorf("packet %d: unexpected %q", count, p.Raw)
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Errorf("iterator error: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 packets, got %d", count)
	}
}

func TestWriter_DeleteSegmentsOlderThan(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 30; i++ {
		if err := w.Write(packet(i)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) < 3 {
		t.Fatalf("expected at least 3 segments, got %d", len(segments))
	}

	old := time.Now().Add(-48 * time.Hour)
	for _, p := range segments[:2] {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := w.DeleteSegmentsOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteSegmentsOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	remaining, _ := w.ListSegments()
	if len(remaining) != len(segments)-2 {
		t.Errorf("expected %d segments, got %d", len(segments)-2, len(remaining))
	}

	if err := w.DeleteSegment(w.CurrentSegment()); err == nil {
		t.Error("deleting the current segment must fail")
	}
}

func TestWriter_RunSyncs(t *testing.T) {
	opts := DefaultOptions()
	opts.SyncInterval = 5 * time.Millisecond

	w, err := NewWriter(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().SyncsPerformed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w.Stats().SyncsPerformed == 0 {
		t.Error("expected Run to sync the journal")
	}
}
