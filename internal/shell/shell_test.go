package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/feed"
	"github.com/xtxerr/evtrack/internal/storage"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/testutil"
)

var jan = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func newShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	return newShellAt(t, t.TempDir())
}

func newShellAt(t *testing.T, dir string) (*Shell, *bytes.Buffer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	svc, err := storage.New(cfg, storage.Options{Registry: testutil.Registry(t), ReadOnly: true})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var out bytes.Buffer
	return New(svc, &out), &out
}

// writeEnvelopes writes the trip and charge of vin as feed lines.
func writeEnvelopes(t *testing.T, vin string) string {
	t.Helper()
	reg := testutil.Registry(t)
	packets := append(testutil.TripPackets(reg, vin, jan, 1), testutil.ChargePackets(reg, vin, jan.Add(time.Hour))...)

	var buf bytes.Buffer
	for _, p := range packets {
		line, err := json.Marshal(feed.Envelope{DeviceId: p.VIN, OriginalMessage: p.Raw})
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("not an envelope\n")

	path := filepath.Join(t.TempDir(), "feed.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func seed(t *testing.T, sh *Shell, out *bytes.Buffer) {
	t.Helper()
	if err := sh.Execute(context.Background(), "import "+writeEnvelopes(t, "VIN1")); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out.String(), "15 envelopes, 1 malformed, 2 records stored") {
		t.Fatalf("unexpected import output %q", out.String())
	}
	out.Reset()
}

func TestExecuteUnknownAndEmpty(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()

	if err := sh.Execute(ctx, "   "); err != nil {
		t.Errorf("empty line: %v", err)
	}
	if err := sh.Execute(ctx, "# comment"); err != nil {
		t.Errorf("comment: %v", err)
	}
	if err := sh.Execute(ctx, "frobnicate"); err == nil {
		t.Error("expected an error for an unknown command")
	}
	if err := sh.Execute(ctx, "QUIT"); !errors.Is(err, ErrExit) {
		t.Errorf("expected ErrExit, got %v", err)
	}
}

func TestUsageErrors(t *testing.T) {
	sh, _ := newShell(t)

	for _, line := range []string{"last x", "last 1 2", "vehicle", "sql", "import", "sweep now"} {
		if err := sh.Execute(context.Background(), line); !errors.Is(err, ErrUsage) {
			t.Errorf("%q: expected ErrUsage, got %v", line, err)
		}
	}
}

func TestLastWithoutData(t *testing.T) {
	sh, _ := newShell(t)

	if err := sh.Execute(context.Background(), "last 3"); !errors.Is(err, errors.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestImportAndLast(t *testing.T) {
	sh, out := newShell(t)
	seed(t, sh, out)

	if err := sh.Execute(context.Background(), "last"); err != nil {
		t.Fatalf("last: %v", err)
	}
	if !strings.Contains(out.String(), "2024-01") || !strings.Contains(out.String(), "VIN1") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestVehicle(t *testing.T) {
	sh, out := newShell(t)
	ctx := context.Background()

	if err := sh.Execute(ctx, "vehicle VIN1"); err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	if !strings.Contains(out.String(), "no trips for VIN1") {
		t.Errorf("unexpected output %q", out.String())
	}

	seed(t, sh, out)

	if err := sh.Execute(ctx, "vehicle VIN1"); err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	if !strings.Contains(out.String(), "2024-01") {
		t.Errorf("expected the monthly series, got %q", out.String())
	}
	out.Reset()

	if err := sh.Execute(ctx, "vehicle VIN1 2024-01"); err != nil {
		t.Fatalf("vehicle month: %v", err)
	}
	if !strings.Contains(out.String(), "avg consumption Wh/km") {
		t.Errorf("expected the vehicle summary, got %q", out.String())
	}

	if err := sh.Execute(ctx, "vehicle VIN2 2024-01"); !errors.Is(err, errors.ErrNoData) {
		t.Errorf("expected ErrNoData for an unknown vehicle, got %v", err)
	}
	if err := sh.Execute(ctx, "vehicle VIN1 jan"); err == nil {
		t.Error("expected an error for a bad month")
	}
}

func TestSQL(t *testing.T) {
	sh, out := newShell(t)
	seed(t, sh, out)

	if err := sh.Execute(context.Background(), "SQL select vin, count(*) AS n from trips group by vin"); err != nil {
		t.Fatalf("sql: %v", err)
	}
	if !strings.Contains(out.String(), "VIN1") || !strings.Contains(out.String(), "(1 rows)") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestPartitionsAndUsage(t *testing.T) {
	sh, out := newShell(t)
	seed(t, sh, out)
	ctx := context.Background()

	if err := sh.Execute(ctx, "partitions"); err != nil {
		t.Fatalf("partitions: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, types.KindTrip.String()) || !strings.Contains(got, types.KindCharge.String()) {
		t.Errorf("unexpected output %q", got)
	}
	out.Reset()

	if err := sh.Execute(ctx, "usage"); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(out.String(), "partitions: 2 files") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRefreshSweepStatsHelp(t *testing.T) {
	sh, out := newShell(t)
	seed(t, sh, out)
	ctx := context.Background()

	if err := sh.Execute(ctx, "refresh"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(out.String(), "refreshed 1 months") {
		t.Errorf("unexpected output %q", out.String())
	}
	out.Reset()

	if err := sh.Execute(ctx, "sweep dry-run"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out.String(), "would remove 0 temp files") {
		t.Errorf("unexpected output %q", out.String())
	}
	out.Reset()

	for _, line := range []string{"stats", "help"} {
		if err := sh.Execute(ctx, line); err != nil {
			t.Errorf("%s: %v", line, err)
		}
	}
	if !strings.Contains(out.String(), "records stored") || !strings.Contains(out.String(), "vehicle VIN [YYYY-MM]") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestWriteCommandsRefusedWhileLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no flock")
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	daemon, err := storage.New(cfg, storage.Options{Registry: testutil.Registry(t)})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer daemon.Stop()

	sh, out := newShellAt(t, cfg.DataDir)
	ctx := context.Background()

	for _, line := range []string{"refresh", "sweep", "import " + writeEnvelopes(t, "VIN1")} {
		if err := sh.Execute(ctx, line); !errors.Is(err, errors.ErrLocked) {
			t.Errorf("%q: expected ErrLocked, got %v", line, err)
		}
	}
	if out.Len() != 0 {
		t.Errorf("refused commands should print nothing, got %q", out.String())
	}
	if _, err := os.Stat(cfg.SummaryPath()); !os.IsNotExist(err) {
		t.Errorf("summary table should not be written, stat: %v", err)
	}
	if infos, err := sh.svc.Store().List(); err != nil || len(infos) != 0 {
		t.Errorf("no partitions should be written, got %d (%v)", len(infos), err)
	}

	// Reads keep working next to the daemon.
	if err := sh.Execute(ctx, "sweep dry-run"); err != nil {
		t.Errorf("sweep dry-run: %v", err)
	}
	if err := sh.Execute(ctx, "last"); !errors.Is(err, errors.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}

	daemon.Stop()
	out.Reset()
	if err := sh.Execute(ctx, "refresh"); err != nil {
		t.Fatalf("refresh after the daemon stopped: %v", err)
	}
	if !strings.Contains(out.String(), "refreshed 0 months") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunScript(t *testing.T) {
	sh, out := newShell(t)

	script := "help\nbogus\nexit\nlast\n"
	err := sh.RunScript(context.Background(), strings.NewReader(script))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("expected the bogus command error, got %v", err)
	}
	if !strings.Contains(out.String(), "error: unknown command") {
		t.Errorf("errors should be printed, got %q", out.String())
	}
}

func TestSuggest(t *testing.T) {
	sh, _ := newShell(t)

	tests := []struct {
		before string
		want   []string
	}{
		{"", nil},
		{"ve", []string{"vehicle"}},
		{"sql SELECT * FROM tr", []string{"trips"}},
		{"sql ", []string{"trips", "charges", "summary"}},
		{"vehicle ", []string{}},
	}

	for _, tt := range tests {
		got := sh.suggest(tt.before)
		if tt.want == nil {
			if len(got) != len(sh.commands) {
				t.Errorf("%q: expected every command, got %d", tt.before, len(got))
			}
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.before, tt.want, got)
			continue
		}
		for i := range got {
			if got[i].Text != tt.want[i] {
				t.Errorf("%q: expected %v, got %v", tt.before, tt.want, got)
			}
		}
	}
}
