package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/phystech/zbridge/internal/delivery"
	"github.com/phystech/zbridge/internal/ingress"
	"github.com/phystech/zbridge/internal/probe"
	"github.com/phystech/zbridge/internal/store"
	"github.com/phystech/zbridge/internal/zabbix"
)

type fakeClient struct {
	version     string
	versionErr  error
	problems    []zabbix.Problem
	problemsErr error
	hosts       []zabbix.Host
	hostsErr    error
	samples     []zabbix.MetricSample
	historyErr  error
}

func (f *fakeClient) APIVersion(context.Context) (string, error) {
	return f.version, f.versionErr
}

func (f *fakeClient) ListOpenProblems(context.Context) ([]zabbix.Problem, error) {
	return f.problems, f.problemsErr
}

func (f *fakeClient) ListHosts(context.Context) ([]zabbix.Host, error) {
	return f.hosts, f.hostsErr
}

func (f *fakeClient) FetchMetricHistory(context.Context, int64, int) ([]zabbix.MetricSample, error) {
	return f.samples, f.historyErr
}

type fakeProber struct {
	result *probe.PingResult
	err    error
}

func (f *fakeProber) Probe(context.Context, string, int) (*probe.PingResult, error) {
	return f.result, f.err
}

type fakeIngestor struct {
	msg delivery.Message
	err error
}

func (f *fakeIngestor) Ingest(context.Context, []byte) (delivery.Message, error) {
	return f.msg, f.err
}

type fakeEvents struct {
	events     []store.Event
	timestamps []time.Time
	err        error
}

func (f *fakeEvents) RecentEvents(context.Context, int) ([]store.Event, error) {
	return f.events, f.err
}

func (f *fakeEvents) EventTimestamps(context.Context) ([]time.Time, error) {
	return f.timestamps, f.err
}

type fakeCharts struct {
	png []byte
	err error
}

func (f *fakeCharts) Render([]zabbix.MetricSample, string) ([]byte, error) {
	return f.png, f.err
}

type testDeps struct {
	client *fakeClient
	ingest *fakeIngestor
	events *fakeEvents
	charts *fakeCharts
	prober *fakeProber
}

func newTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()
	if deps.client == nil {
		deps.client = &fakeClient{version: "7.0.0"}
	}
	if deps.ingest == nil {
		deps.ingest = &fakeIngestor{}
	}
	if deps.events == nil {
		deps.events = &fakeEvents{}
	}
	if deps.charts == nil {
		deps.charts = &fakeCharts{png: []byte("\x89PNG")}
	}
	if deps.prober == nil {
		deps.prober = &fakeProber{result: &probe.PingResult{Host: "h", Sent: 4, Received: 4}}
	}
	return New(Config{
		Addr:         "127.0.0.1:0",
		WebhookRPS:   100,
		WebhookBurst: 100,
	}, deps.client, deps.ingest, deps.events, deps.charts, deps.prober, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testDeps{client: &fakeClient{version: "7.0.4"}})
	rec := do(t, s, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["zabbix_version"] != "7.0.4" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthz_UpstreamDown(t *testing.T) {
	s := newTestServer(t, testDeps{client: &fakeClient{
		versionErr: fmt.Errorf("dial: %w", zabbix.ErrTransport),
	}})
	rec := do(t, s, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestAlert_Accepted(t *testing.T) {
	s := newTestServer(t, testDeps{ingest: &fakeIngestor{
		msg: delivery.Message{Subject: "Host down"},
	}})
	rec := do(t, s, http.MethodPost, "/api/v1/alert",
		`{"subject":"Host down","status":"PROBLEM"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true || body["subject"] != "Host down" {
		t.Errorf("body = %v", body)
	}
}

func TestAlert_InvalidPayload(t *testing.T) {
	s := newTestServer(t, testDeps{ingest: &fakeIngestor{
		err: fmt.Errorf("%w: missing subject", ingress.ErrInvalidPayload),
	}})
	rec := do(t, s, http.MethodPost, "/api/v1/alert", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != ProblemTypeBadRequest {
		t.Errorf("problem type = %q", p.Type)
	}
}

func TestAlert_RateLimited(t *testing.T) {
	s := New(Config{
		Addr:         "127.0.0.1:0",
		WebhookRPS:   0.01,
		WebhookBurst: 1,
	}, &fakeClient{}, &fakeIngestor{}, &fakeEvents{}, &fakeCharts{}, &fakeProber{}, zap.NewNop())

	first := do(t, s, http.MethodPost, "/api/v1/alert", `{"subject":"x"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}
	second := do(t, s, http.MethodPost, "/api/v1/alert", `{"subject":"x"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
}

func TestProblems(t *testing.T) {
	started := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	s := newTestServer(t, testDeps{client: &fakeClient{problems: []zabbix.Problem{
		{ID: "101", Name: "High CPU", Severity: zabbix.SeverityHigh, Host: "web01", StartedAt: started},
		{ID: "102", Name: "Disk low", Severity: zabbix.SeverityWarning, Host: "db01", StartedAt: started, Acknowledged: true},
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/problems", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Problems []struct {
			ID           string `json:"id"`
			Severity     string `json:"severity"`
			Host         string `json:"host"`
			StartedAt    string `json:"started_at"`
			Acknowledged bool   `json:"acknowledged"`
		} `json:"problems"`
		Summary map[string]int `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Problems) != 2 {
		t.Fatalf("problems = %d, want 2", len(body.Problems))
	}
	if body.Problems[0].Severity != "high" || body.Problems[0].Host != "web01" {
		t.Errorf("first problem = %+v", body.Problems[0])
	}
	if body.Problems[0].StartedAt != "2025-06-01T09:30:00Z" {
		t.Errorf("started_at = %q", body.Problems[0].StartedAt)
	}
	if body.Summary["high"] != 1 || body.Summary["warning"] != 1 {
		t.Errorf("summary = %v", body.Summary)
	}
}

func TestProblems_UpstreamError(t *testing.T) {
	s := newTestServer(t, testDeps{client: &fakeClient{
		problemsErr: fmt.Errorf("%w: not authorised", zabbix.ErrAuth),
	}})
	rec := do(t, s, http.MethodGet, "/api/v1/problems", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestHosts(t *testing.T) {
	s := newTestServer(t, testDeps{client: &fakeClient{hosts: []zabbix.Host{
		{ID: "1", Name: "db01", Availability: zabbix.AvailabilityUp},
		{ID: "2", Name: "web01", Availability: zabbix.AvailabilityDown, ProblemIDs: []string{"101"}},
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/hosts", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []struct {
		Name         string   `json:"name"`
		Availability string   `json:"availability"`
		ProblemIDs   []string `json:"problem_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("hosts = %d, want 2", len(body))
	}
	if body[0].Availability != "up" || len(body[0].ProblemIDs) != 0 {
		t.Errorf("first host = %+v", body[0])
	}
	if body[1].Availability != "down" || len(body[1].ProblemIDs) != 1 {
		t.Errorf("second host = %+v", body[1])
	}
}

func TestPing(t *testing.T) {
	s := newTestServer(t, testDeps{prober: &fakeProber{result: &probe.PingResult{
		Host:     "db01",
		Sent:     4,
		Received: 3,
		Loss:     0.25,
		Latency:  &probe.LatencyStats{Min: time.Millisecond, Avg: 2 * time.Millisecond, Max: 3 * time.Millisecond},
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/ping?host=db01", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Host    string  `json:"host"`
		Sent    int     `json:"sent"`
		Loss    float64 `json:"loss"`
		Latency struct {
			Avg string `json:"avg"`
		} `json:"latency"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Host != "db01" || body.Sent != 4 || body.Loss != 0.25 {
		t.Errorf("body = %+v", body)
	}
	if body.Latency.Avg != "2ms" {
		t.Errorf("latency avg = %q, want 2ms", body.Latency.Avg)
	}
}

func TestPing_OmitsLatencyWhenAllLost(t *testing.T) {
	s := newTestServer(t, testDeps{prober: &fakeProber{result: &probe.PingResult{
		Host: "dead01", Sent: 4, Received: 0, Loss: 1,
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/ping?host=dead01", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, present := body["latency"]; present {
		t.Error("latency should be absent when nothing was received")
	}
}

func TestPing_ParamAndProbeErrors(t *testing.T) {
	cases := []struct {
		name   string
		target string
		prober *fakeProber
		want   int
	}{
		{"missing host", "/api/v1/ping", nil, http.StatusBadRequest},
		{"bad count", "/api/v1/ping?host=h&count=lots", nil, http.StatusBadRequest},
		{"count rejected", "/api/v1/ping?host=h&count=999",
			&fakeProber{err: fmt.Errorf("%w: count", probe.ErrValidation)}, http.StatusBadRequest},
		{"unresolvable", "/api/v1/ping?host=nope.invalid",
			&fakeProber{err: fmt.Errorf("%w: nope.invalid", probe.ErrResolution)}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, testDeps{prober: tc.prober})
			rec := do(t, s, http.MethodGet, tc.target, "")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRecentEvents(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestServer(t, testDeps{events: &fakeEvents{events: []store.Event{
		{CreatedAt: now, Subject: "Host down", Message: "icmp fail"},
		{CreatedAt: now.Add(-time.Hour), Subject: "Disk low", Message: "80%"},
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/events/recent?limit=2", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []struct {
		Timestamp string `json:"timestamp"`
		Subject   string `json:"subject"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("len = %d, want 2", len(body))
	}
	if body[0].Subject != "Host down" || body[0].Timestamp != "2025-06-01T12:00:00Z" {
		t.Errorf("first event = %+v", body[0])
	}
}

func TestRecentEvents_BadLimit(t *testing.T) {
	s := newTestServer(t, testDeps{})
	for _, limit := range []string{"zero", "-3", "0"} {
		rec := do(t, s, http.MethodGet, "/api/v1/events/recent?limit="+limit, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestSurge(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var timestamps []time.Time
	// One event per hour for ten hours, then a burst in the last hour.
	for h := 0; h < 10; h++ {
		timestamps = append(timestamps, base.Add(time.Duration(h)*time.Hour))
	}
	last := base.Add(10 * time.Hour)
	for i := 0; i < 40; i++ {
		timestamps = append(timestamps, last.Add(time.Duration(i)*time.Minute))
	}

	s := newTestServer(t, testDeps{events: &fakeEvents{timestamps: timestamps}})
	rec := do(t, s, http.MethodGet, "/api/v1/insight/surge", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Checked  bool    `json:"checked"`
		Surge    bool    `json:"surge"`
		ZScore   float64 `json:"z_score"`
		Severity string  `json:"severity"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Checked || !body.Surge {
		t.Errorf("burst not flagged: %+v", body)
	}
}

func TestForecast(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newTestServer(t, testDeps{client: &fakeClient{samples: []zabbix.MetricSample{
		{Timestamp: base, Value: 10},
		{Timestamp: base.Add(time.Minute), Value: 12},
		{Timestamp: base.Add(2 * time.Minute), Value: 14},
	}}})
	rec := do(t, s, http.MethodGet, "/api/v1/insight/forecast?item=42&steps=2", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ItemID   int64     `json:"item_id"`
		Samples  int       `json:"samples"`
		Forecast []float64 `json:"forecast"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ItemID != 42 || body.Samples != 3 {
		t.Errorf("body = %+v", body)
	}
	want := []float64{16, 18}
	if len(body.Forecast) != len(want) {
		t.Fatalf("forecast = %v, want %v", body.Forecast, want)
	}
	for i := range want {
		if diff := body.Forecast[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("forecast[%d] = %v, want %v", i, body.Forecast[i], want[i])
		}
	}
}

func TestForecast_ParamValidation(t *testing.T) {
	s := newTestServer(t, testDeps{})
	cases := []string{
		"/api/v1/insight/forecast",
		"/api/v1/insight/forecast?item=abc",
		"/api/v1/insight/forecast?item=42&steps=0",
		"/api/v1/insight/forecast?item=42&steps=200",
		"/api/v1/insight/forecast?item=42&window=soon",
	}
	for _, target := range cases {
		rec := do(t, s, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestGraph(t *testing.T) {
	s := newTestServer(t, testDeps{
		client: &fakeClient{samples: []zabbix.MetricSample{
			{Timestamp: time.Now(), Value: 1},
		}},
		charts: &fakeCharts{png: []byte("\x89PNG\r\n")},
	})
	rec := do(t, s, http.MethodGet, "/api/v1/graph?item=7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Error("body is not the rendered PNG")
	}
}

func TestQueryErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: window too large", zabbix.ErrValidation), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: item 7", zabbix.ErrNotFound), http.StatusNotFound},
		{"auth", fmt.Errorf("%w: session terminated", zabbix.ErrAuth), http.StatusBadGateway},
		{"transport", fmt.Errorf("%w: connection refused", zabbix.ErrTransport), http.StatusBadGateway},
		{"schema", fmt.Errorf("%w: unexpected shape", zabbix.ErrSchema), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, testDeps{client: &fakeClient{historyErr: tc.err}})
			rec := do(t, s, http.MethodGet, "/api/v1/graph?item=7", "")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, testDeps{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "upstream-id" {
		t.Errorf("X-Request-ID = %q, want upstream-id", got)
	}
}
