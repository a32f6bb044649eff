// Package server provides the HTTP boundary of the bridge: the inbound
// alert webhook, health and insight endpoints, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/phystech/zbridge/internal/delivery"
	"github.com/phystech/zbridge/internal/ingress"
	"github.com/phystech/zbridge/internal/insight"
	"github.com/phystech/zbridge/internal/probe"
	"github.com/phystech/zbridge/internal/store"
	"github.com/phystech/zbridge/internal/zabbix"
)

// MonitoringClient is the slice of the query client the server needs.
// Defined consumer-side so tests can substitute a double.
type MonitoringClient interface {
	APIVersion(ctx context.Context) (string, error)
	ListOpenProblems(ctx context.Context) ([]zabbix.Problem, error)
	ListHosts(ctx context.Context) ([]zabbix.Host, error)
	FetchMetricHistory(ctx context.Context, itemID int64, windowMinutes int) ([]zabbix.MetricSample, error)
}

// HostProber issues direct ICMP reachability checks.
type HostProber interface {
	Probe(ctx context.Context, host string, count int) (*probe.PingResult, error)
}

// Ingestor validates and formats inbound alert payloads.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) (delivery.Message, error)
}

// EventLog reads the persisted alert event history.
type EventLog interface {
	RecentEvents(ctx context.Context, limit int) ([]store.Event, error)
	EventTimestamps(ctx context.Context) ([]time.Time, error)
}

// ChartRenderer renders metric samples to PNG.
type ChartRenderer interface {
	Render(samples []zabbix.MetricSample, title string) ([]byte, error)
}

// Config holds server settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	WebhookRPS      float64
	WebhookBurst    int
	SurgeThreshold  float64
}

// Server is the bridge HTTP server.
type Server struct {
	httpServer      *http.Server
	logger          *zap.Logger
	client          MonitoringClient
	ingestor        Ingestor
	events          EventLog
	charts          ChartRenderer
	prober          HostProber
	surgeThreshold  float64
	shutdownTimeout time.Duration
}

// New creates a server with routes and middleware wired up.
func New(cfg Config, client MonitoringClient, ingestor Ingestor, events EventLog, charts ChartRenderer, prober HostProber, logger *zap.Logger) *Server {
	s := &Server{
		logger:          logger,
		client:          client,
		ingestor:        ingestor,
		events:          events,
		charts:          charts,
		prober:          prober,
		surgeThreshold:  cfg.SurgeThreshold,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.surgeThreshold <= 0 {
		s.surgeThreshold = 3.0
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	webhookLimit := RateLimitMiddleware(cfg.WebhookRPS, cfg.WebhookBurst)
	mux.Handle("POST /api/v1/alert", webhookLimit(http.HandlerFunc(s.handleAlert)))

	mux.HandleFunc("GET /api/v1/problems", s.handleProblems)
	mux.HandleFunc("GET /api/v1/hosts", s.handleHosts)
	mux.HandleFunc("GET /api/v1/ping", s.handlePing)
	mux.HandleFunc("GET /api/v1/events/recent", s.handleRecentEvents)
	mux.HandleFunc("GET /api/v1/insight/surge", s.handleSurge)
	mux.HandleFunc("GET /api/v1/insight/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/v1/graph", s.handleGraph)

	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/metrics"}),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the full handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	version, err := s.client.APIVersion(ctx)
	if err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		UpstreamUnavailable(w, "monitoring API unreachable", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"zabbix_version": version,
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		BadRequest(w, "unreadable request body", r.URL.Path)
		return
	}

	msg, err := s.ingestor.Ingest(r.Context(), body)
	switch {
	case errors.Is(err, ingress.ErrInvalidPayload):
		BadRequest(w, err.Error(), r.URL.Path)
		return
	case err != nil:
		s.logger.Error("alert ingestion failed", zap.Error(err))
		InternalError(w, "alert ingestion failed", r.URL.Path)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subject": msg.Subject})
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := s.client.ListOpenProblems(r.Context())
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	type problemJSON struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Severity     string `json:"severity"`
		Host         string `json:"host"`
		StartedAt    string `json:"started_at"`
		Acknowledged bool   `json:"acknowledged"`
	}
	out := make([]problemJSON, 0, len(problems))
	for _, p := range problems {
		out = append(out, problemJSON{
			ID:           p.ID,
			Name:         p.Name,
			Severity:     p.Severity.String(),
			Host:         p.Host,
			StartedAt:    p.StartedAt.UTC().Format(time.RFC3339),
			Acknowledged: p.Acknowledged,
		})
	}

	counts := zabbix.CountBySeverity(problems)
	summary := make(map[string]int, len(counts))
	for sev, n := range counts {
		summary[sev.String()] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"problems": out,
		"summary":  summary,
	})
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.client.ListHosts(r.Context())
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	type hostJSON struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Availability string   `json:"availability"`
		ProblemIDs   []string `json:"problem_ids"`
	}
	out := make([]hostJSON, 0, len(hosts))
	for _, h := range hosts {
		ids := h.ProblemIDs
		if ids == nil {
			ids = []string{}
		}
		out = append(out, hostJSON{
			ID:           h.ID,
			Name:         h.Name,
			Availability: h.Availability.String(),
			ProblemIDs:   ids,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		BadRequest(w, "missing host parameter", r.URL.Path)
		return
	}
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(w, "count must be an integer", r.URL.Path)
			return
		}
		count = n
	}

	result, err := s.prober.Probe(r.Context(), host, count)
	switch {
	case errors.Is(err, probe.ErrValidation):
		BadRequest(w, err.Error(), r.URL.Path)
		return
	case errors.Is(err, probe.ErrResolution):
		NotFound(w, err.Error(), r.URL.Path)
		return
	case err != nil:
		s.logger.Error("probe failed", zap.Error(err))
		InternalError(w, "probe failed", r.URL.Path)
		return
	}

	body := map[string]any{
		"host":     result.Host,
		"sent":     result.Sent,
		"received": result.Received,
		"loss":     result.Loss,
	}
	if result.Latency != nil {
		body["latency"] = map[string]string{
			"min": result.Latency.Min.String(),
			"avg": result.Latency.Avg.String(),
			"max": result.Latency.Max.String(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer", r.URL.Path)
			return
		}
		limit = n
	}

	events, err := s.events.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent events query failed", zap.Error(err))
		InternalError(w, "event log unavailable", r.URL.Path)
		return
	}

	type eventJSON struct {
		Timestamp string `json:"timestamp"`
		Subject   string `json:"subject"`
		Message   string `json:"message"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			Timestamp: e.CreatedAt.UTC().Format(time.RFC3339),
			Subject:   e.Subject,
			Message:   e.Message,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSurge(w http.ResponseWriter, r *http.Request) {
	timestamps, err := s.events.EventTimestamps(r.Context())
	if err != nil {
		s.logger.Error("surge check failed", zap.Error(err))
		InternalError(w, "event log unavailable", r.URL.Path)
		return
	}

	result := insight.SurgeCheck(insight.HourlyCounts(timestamps), s.surgeThreshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"checked":  result.Checked,
		"surge":    result.IsSurge,
		"z_score":  result.ZScore,
		"severity": result.Severity,
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	itemID, window, ok := s.itemParams(w, r)
	if !ok {
		return
	}

	steps := 5
	if raw := r.URL.Query().Get("steps"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 50 {
			BadRequest(w, "steps must be in [1, 50]", r.URL.Path)
			return
		}
		steps = n
	}

	samples, err := s.client.FetchMetricHistory(r.Context(), itemID, window)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	forecast := insight.Forecast(values, steps)
	if forecast == nil {
		forecast = []float64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":  itemID,
		"samples":  len(samples),
		"forecast": forecast,
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	itemID, window, ok := s.itemParams(w, r)
	if !ok {
		return
	}

	samples, err := s.client.FetchMetricHistory(r.Context(), itemID, window)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	title := r.URL.Query().Get("title")
	if title == "" {
		title = fmt.Sprintf("item %d", itemID)
	}
	png, err := s.charts.Render(samples, title)
	if err != nil {
		s.logger.Error("chart rendering failed", zap.Error(err))
		InternalError(w, "chart rendering failed", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// itemParams parses the item (required) and window (optional) query
// parameters shared by the forecast and graph endpoints.
func (s *Server) itemParams(w http.ResponseWriter, r *http.Request) (itemID int64, window int, ok bool) {
	raw := r.URL.Query().Get("item")
	if raw == "" {
		BadRequest(w, "missing item parameter", r.URL.Path)
		return 0, 0, false
	}
	itemID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		BadRequest(w, "item must be a numeric id", r.URL.Path)
		return 0, 0, false
	}

	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err = strconv.Atoi(raw)
		if err != nil {
			BadRequest(w, "window must be an integer number of minutes", r.URL.Path)
			return 0, 0, false
		}
	}
	return itemID, window, true
}

// writeQueryError maps query-client error kinds to problem responses,
// preserving each kind's distinct, actionable status.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, zabbix.ErrValidation):
		BadRequest(w, err.Error(), r.URL.Path)
	case errors.Is(err, zabbix.ErrNotFound):
		NotFound(w, err.Error(), r.URL.Path)
	case errors.Is(err, zabbix.ErrAuth), errors.Is(err, zabbix.ErrTransport), errors.Is(err, zabbix.ErrSchema):
		s.logger.Warn("monitoring API query failed", zap.Error(err))
		UpstreamUnavailable(w, "monitoring API query failed", r.URL.Path)
	default:
		s.logger.Error("unexpected query failure", zap.Error(err))
		InternalError(w, "unexpected query failure", r.URL.Path)
	}
}
