// Package server provides the HTTP surface of evtrackd.
//
// The server exposes the monthly fleet summary, per-vehicle rollups and
// ad-hoc monthly series, accepts packet uploads in the feed envelope format
// and serves health and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/evtrack/config"
	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/feed"
	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/metrics"
	"github.com/xtxerr/evtrack/internal/storage/backpressure"
	"github.com/xtxerr/evtrack/internal/storage/ingestion"
	"github.com/xtxerr/evtrack/internal/storage/query"
	"github.com/xtxerr/evtrack/internal/storage/rollup"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

var log = logging.Component("server")

const (
	// defaultMonths is the summary window when ?months is absent.
	defaultMonths = 12

	// retryAfterSec is the Retry-After hint of a refused upload.
	retryAfterSec = 5
)

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Query serves the summary table and monthly series (required).
	Query *query.Service

	// Aggregator computes per-vehicle rollups (required).
	Aggregator *rollup.Aggregator

	// Ingest accepts uploaded packets. Nil disables uploads.
	Ingest *ingestion.Service

	// Metrics is exposed at /metrics. Optional.
	Metrics *metrics.Metrics

	// Backpressure refuses uploads at the emergency level. Optional.
	Backpressure *backpressure.Controller

	// Listen is the address to listen on (e.g., "0.0.0.0:8087").
	Listen string

	// MaxBodySize limits packet uploads.
	MaxBodySize int64

	// DrainTimeout bounds the graceful shutdown.
	DrainTimeout time.Duration

	// Upload failure rate limiting.
	UploadFailureLimit  int
	UploadFailureWindow time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the evtrack HTTP server.
type Server struct {
	cfg     *Config
	router  *mux.Router
	limiter *RateLimiter
	now     func() time.Time
}

// New creates a new server.
func New(cfg *Config) *Server {
	// Apply defaults
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = config.DefaultMaxBodySize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeoutSec * time.Second
	}
	if cfg.UploadFailureLimit == 0 {
		cfg.UploadFailureLimit = config.DefaultUploadFailureLimit
	}
	if cfg.UploadFailureWindow <= 0 {
		cfg.UploadFailureWindow = config.DefaultUploadFailureWindow
	}

	s := &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.UploadFailureLimit, cfg.UploadFailureWindow),
		now:     time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	m := s.cfg.Metrics

	r.Handle("/healthz", m.WrapHandler("healthz", http.HandlerFunc(s.health))).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/summary", m.WrapHandler("summary", http.HandlerFunc(s.summary))).Methods(http.MethodGet)
	api.Handle("/summary/{month}/vehicles/{vin}", m.WrapHandler("vehicle_summary", http.HandlerFunc(s.vehicleSummary))).Methods(http.MethodGet)
	api.Handle("/vehicles/{vin}/monthly", m.WrapHandler("vehicle_monthly", http.HandlerFunc(s.vehicleMonthly))).Methods(http.MethodGet)
	api.Handle("/packets", m.WrapHandler("packets", http.HandlerFunc(s.packets))).Methods(http.MethodPost)

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests for at most
// DrainTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.limiter.Close()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "drain_timeout", s.cfg.DrainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.cfg.Ingest != nil {
		st := s.cfg.Ingest.Stats()
		resp["ingesting"] = st.Running
		resp["pending_trips"] = st.PendingTrips
		resp["pending_charges"] = st.PendingCharges
		resp["records_stored"] = st.RecordsStored
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	n := defaultMonths
	if v := r.URL.Query().Get("months"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "months must be an integer")
			return
		}
		n = parsed
	}

	rows, err := s.cfg.Query.LastMonths(n)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]SummaryView, len(rows))
	for i, row := range rows {
		out[i] = NewSummaryView(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"months": out})
}

func (s *Server) vehicleSummary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	month, err := types.ParseMonth(vars["month"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sum, err := s.cfg.Aggregator.VehicleSummary(month, vars["vin"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSummaryView(sum))
}

func (s *Server) vehicleMonthly(w http.ResponseWriter, r *http.Request) {
	vin := mux.Vars(r)["vin"]

	months, err := s.cfg.Query.VehicleMonthly(r.Context(), vin)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vin": vin, "months": months})
}

func (s *Server) packets(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "packet uploads are disabled")
		return
	}

	if s.cfg.Backpressure.ShouldDrop() {
		s.cfg.Backpressure.RecordDrop()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
		writeError(w, http.StatusServiceUnavailable, "overloaded", "too many incomplete records, retry later")
		return
	}

	ip := extractIP(r.RemoteAddr)
	if s.limiter.IsBlocked(ip) {
		log.Warn("upload refused after repeated malformed bodies", "remote", ip,
			"failure_count", s.limiter.GetFailureCount(ip))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many malformed uploads")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}

	envs, err := feed.DecodeEnvelopes(body)
	if err != nil {
		s.limiter.RecordFailure(ip)
		writeErr(w, err)
		return
	}
	s.limiter.Reset(ip)

	receivedAt := s.now().UTC()
	packets := make([]types.Packet, len(envs))
	for i, env := range envs {
		packets[i] = env.Packet(receivedAt)
	}

	result, err := s.cfg.Ingest.IngestBatch(r.Context(), packets)
	resp := map[string]any{
		"received":   len(packets),
		"stored":     result.Stored,
		"pending":    result.Pending,
		"rejected":   result.Rejected,
		"duplicates": result.Duplicates,
	}
	if err != nil {
		log.Error("packet upload failed", "remote", ip, "error", err)
		resp["error"] = errors.Category(err)
		resp["message"] = err.Error()
		// The failed record stays pending; resending the batch retries it.
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// =============================================================================
// Responses
// =============================================================================

// SummaryView is the JSON form of a summary row.
type SummaryView struct {
	Month               string  `json:"month"`
	ConnectedVehicles   int64   `json:"connected_vehicles"`
	Trips               int64   `json:"trips"`
	Charges             int64   `json:"charges"`
	TotalDistance       float64 `json:"total_distance_km"`
	CityPct             float64 `json:"city_pct"`
	SportPct            float64 `json:"sport_pct"`
	FlowPct             float64 `json:"flow_pct"`
	AvgTripDistance     float64 `json:"avg_trip_distance_km"`
	AvgConsumption      float64 `json:"avg_consumption_wh_km"`
	AvgRange            float64 `json:"avg_range_km"`
	AvgChargedSoC       float64 `json:"avg_charged_soc"`
	AvgFinalSoC         float64 `json:"avg_final_soc"`
	SchukoPct           float64 `json:"schuko_pct"`
	OtherConnectorPct   float64 `json:"other_connector_pct"`
	MaxTripDistance     float64 `json:"max_trip_distance_km"`
	MaxTripVIN          string  `json:"max_trip_vin"`
	MaxMonthlyDistance  float64 `json:"max_monthly_distance_km"`
	MaxMonthlyVIN       string  `json:"max_monthly_vin"`
	MaxOdometer         float64 `json:"max_odometer_km"`
	MaxOdometerVIN      string  `json:"max_odometer_vin"`
	TripsBetweenCharges float64 `json:"trips_between_charges"`
	P50TripDistance     float64 `json:"p50_trip_distance_km"`
	P90TripDistance     float64 `json:"p90_trip_distance_km"`
}

// NewSummaryView converts a summary row.
func NewSummaryView(s types.Summary) SummaryView {
	return SummaryView{
		Month:               s.Month.String(),
		ConnectedVehicles:   s.ConnectedVehicles,
		Trips:               s.Trips,
		Charges:             s.Charges,
		TotalDistance:       s.TotalDistance,
		CityPct:             s.CityPct,
		SportPct:            s.SportPct,
		FlowPct:             s.FlowPct,
		AvgTripDistance:     s.AvgTripDistance,
		AvgConsumption:      s.AvgConsumption,
		AvgRange:            s.AvgRange,
		AvgChargedSoC:       s.AvgChargedSoC,
		AvgFinalSoC:         s.AvgFinalSoC,
		SchukoPct:           s.SchukoPct,
		OtherConnectorPct:   s.OtherConnectorPct,
		MaxTripDistance:     s.MaxTripDistance,
		MaxTripVIN:          s.MaxTripVIN,
		MaxMonthlyDistance:  s.MaxMonthlyDistance,
		MaxMonthlyVIN:       s.MaxMonthlyVIN,
		MaxOdometer:         s.MaxOdometer,
		MaxOdometerVIN:      s.MaxOdometerVIN,
		TripsBetweenCharges: s.TripsBetweenCharges,
		P50TripDistance:     s.P50TripDistance,
		P90TripDistance:     s.P90TripDistance,
	}
}

// writeErr maps a pipeline error onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNoData):
		status = http.StatusNotFound
	case errors.IsPacketError(err):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrAggregation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	writeError(w, status, errors.Category(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}
