package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/evtrack/internal/storage/types"
)

func TestFixturesCoverRegistry(t *testing.T) {
	reg := Registry(t)
	ts := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

	trip := TripValues(ts, 1)
	for _, f := range reg.Fields(types.KindTrip) {
		c, _ := reg.Kind(types.KindTrip).Column(f)
		v, ok := trip[f]
		if !ok {
			t.Errorf("trip fixture missing %s", f)
			continue
		}
		if !c.Contains(float64(v)) {
			t.Errorf("trip fixture %s=%d outside [%v, %v]", f, v, c.Min, c.Max)
		}
	}

	charge := ChargeValues(ts)
	for _, f := range reg.Fields(types.KindCharge) {
		c, _ := reg.Kind(types.KindCharge).Column(f)
		v, ok := charge[f]
		if !ok {
			t.Errorf("charge fixture missing %s", f)
			continue
		}
		if !c.Contains(float64(v)) {
			t.Errorf("charge fixture %s=%d outside [%v, %v]", f, v, c.Min, c.Max)
		}
	}
}

func TestMessageRendering(t *testing.T) {
	reg := Registry(t)
	m, _ := reg.Message("H8")

	got := Message(m, map[string]int64{"timestamp": 10, "usoc_i": 20, "connector": 1})
	if got != "$H8:10,20,NA,1,#&" {
		t.Errorf("unexpected message %q", got)
	}

	pkts := TripPackets(reg, "VIN1", time.Unix(1706745600, 0), 3)
	if len(pkts) != 9 {
		t.Fatalf("expected 9 trip packets, got %d", len(pkts))
	}
	if !strings.HasPrefix(pkts[0].Raw, "$G1:1706745600,") {
		t.Errorf("unexpected first packet %q", pkts[0].Raw)
	}
}

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTest(t)
	for i := 0; i < 5; i++ {
		gt.Go(func() error { return nil })
	}
	gt.Wait()

	done := make(chan struct{})
	close(done)
	if err := Eventually(time.Second, time.Millisecond, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}); err != nil {
		t.Error(err)
	}
}
