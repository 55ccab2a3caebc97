package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.Packet("stored")
	m.Packet("stored")
	m.Packet("parse_error")
	m.RecordsStored("trip", 3)
	m.RecordsStored("trip", 0)
	m.Evicted("charge")
	m.Rollup("refreshed")
	m.SetPending("trip", 7)
	m.ObserveAppend(10 * time.Millisecond)

	if got := testutil.ToFloat64(m.packets.WithLabelValues("stored")); got != 2 {
		t.Errorf("stored packets = %v, expected 2", got)
	}
	if got := testutil.ToFloat64(m.packets.WithLabelValues("parse_error")); got != 1 {
		t.Errorf("parse_error packets = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("trip")); got != 3 {
		t.Errorf("stored records = %v, expected 3", got)
	}
	if got := testutil.ToFloat64(m.evictions.WithLabelValues("charge")); got != 1 {
		t.Errorf("evictions = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(m.pending.WithLabelValues("trip")); got != 7 {
		t.Errorf("pending = %v, expected 7", got)
	}
	if got := testutil.CollectAndCount(m.appendLatency); got != 1 {
		t.Errorf("append histogram series = %d, expected 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.Packet("stored")
	m.RecordsStored("trip", 1)
	m.Evicted("trip")
	m.Rollup("skipped")
	m.SetPending("trip", 1)
	m.ObserveAppend(time.Second)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if m.WrapHandler("x", h) == nil {
		t.Error("nil metrics must return the wrapped handler")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Packet("stored")

	wrapped := m.WrapHandler("teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`evtrack_packets_total{outcome="stored"} 1`,
		`evtrack_http_requests_total{route="teapot",status="418"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
