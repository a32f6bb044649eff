package zabbix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prometheus metrics for outbound API traffic.
var apiCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zabbix_api_calls_total",
		Help: "Total number of Zabbix API calls by method and outcome.",
	},
	[]string{"method", "outcome"},
)

func init() {
	prometheus.MustRegister(apiCallsTotal)
}

const (
	defaultWindowMinutes = 60
	maxWindowMinutes     = 7 * 24 * 60
	defaultTimeout       = 30 * time.Second

	// Zabbix's default session idle timeout is 15m; refresh one minute
	// early so an almost-expired session id is never surfaced.
	defaultSessionTTL = 14 * time.Minute
)

// Config holds the connection settings injected at construction.
// Token takes precedence over Username/Password when both are set.
type Config struct {
	URL        string
	Token      string
	Username   string
	Password   string
	VerifyTLS  bool
	Timeout    time.Duration
	SessionTTL time.Duration
}

// Client is a typed Zabbix JSON-RPC API client. All methods are safe for
// concurrent use; the only shared mutable state is the session credential.
type Client struct {
	httpClient *http.Client
	url        string
	session    *Session
	logger     *zap.Logger
}

// NewClient creates a Zabbix API client from the given config.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // G402: self-signed monitoring deployments are a supported boundary option
		},
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		url:        strings.TrimRight(cfg.URL, "/"),
		logger:     logger,
	}

	if cfg.Token != "" {
		c.session = NewStaticSession(cfg.Token)
	} else {
		username, password := cfg.Username, cfg.Password
		c.session = NewLoginSession(func(ctx context.Context) (string, error) {
			return c.login(ctx, username, password)
		}, ttl)
	}
	return c
}

// Session exposes the credential lifecycle, chiefly for Invalidate.
func (c *Client) Session() *Session {
	return c.session
}

type rpcRequest struct {
	JSONRPC string  `json:"jsonrpc"`
	Method  string  `json:"method"`
	Params  any     `json:"params"`
	Auth    *string `json:"auth,omitempty"`
	ID      int     `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// authFailure reports whether the server-side error indicates a rejected
// or expired credential rather than a bad request.
func (e *rpcError) authFailure() bool {
	text := strings.ToLower(e.Message + " " + e.Data)
	for _, marker := range []string{
		"not authorised",
		"not authorized",
		"session terminated",
		"re-login",
		"incorrect user name or password",
		"api token expired",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

// post performs one JSON-RPC round trip. It does not touch the session;
// cred may be nil for unauthenticated methods.
func (c *Client) post(ctx context.Context, method string, params any, cred *Credential) (json.RawMessage, error) {
	rpcReq := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}

	var bearer string
	if cred != nil {
		if cred.Bearer {
			bearer = cred.Secret
		} else {
			// Pre-6.0 servers take the session id in the request body.
			rpcReq.Auth = &cred.Secret
		}
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", method, err, ErrTransport)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %v: %w", method, err, ErrTransport)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: http %d: %w", method, resp.StatusCode, ErrTransport)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %v: %w", method, err, ErrSchema)
	}

	if rpcResp.Error != nil {
		e := rpcResp.Error
		if e.authFailure() {
			return nil, fmt.Errorf("%s: %s %s: %w", method, e.Message, e.Data, ErrAuth)
		}
		return nil, fmt.Errorf("%s: api error %d: %s %s: %w", method, e.Code, e.Message, e.Data, ErrSchema)
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("%s: response has neither result nor error: %w", method, ErrSchema)
	}
	return rpcResp.Result, nil
}

// call performs an authenticated API call and decodes the result. On an
// auth failure the cached credential is invalidated and the call retried
// exactly once with a fresh login.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	for attempt := 0; ; attempt++ {
		cred, err := c.session.Acquire(ctx)
		if err != nil {
			apiCallsTotal.WithLabelValues(method, "error").Inc()
			return err
		}

		raw, err := c.post(ctx, method, params, &cred)
		if err != nil {
			if errors.Is(err, ErrAuth) && !c.session.Static() && attempt == 0 {
				c.logger.Warn("credential rejected, re-authenticating",
					zap.String("method", method),
				)
				c.session.Invalidate()
				continue
			}
			apiCallsTotal.WithLabelValues(method, "error").Inc()
			return err
		}
		apiCallsTotal.WithLabelValues(method, "ok").Inc()

		if result != nil {
			if err := json.Unmarshal(raw, result); err != nil {
				return fmt.Errorf("%s: decode result: %v: %w", method, err, ErrSchema)
			}
		}
		return nil
	}
}

// login performs user.login and returns the session id.
func (c *Client) login(ctx context.Context, username, password string) (string, error) {
	params := map[string]string{"username": username, "password": password}
	raw, err := c.post(ctx, "user.login", params, nil)
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("user.login: decode session id: %v: %w", err, ErrSchema)
	}
	if id == "" {
		return "", fmt.Errorf("user.login: empty session id: %w", ErrSchema)
	}
	c.logger.Info("authenticated against monitoring server")
	return id, nil
}

// APIVersion returns the server's API version. The method requires no
// authentication and doubles as the reachability health check.
func (c *Client) APIVersion(ctx context.Context) (string, error) {
	raw, err := c.post(ctx, "apiinfo.version", []any{}, nil)
	if err != nil {
		return "", err
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return "", fmt.Errorf("apiinfo.version: decode result: %v: %w", err, ErrSchema)
	}
	return version, nil
}

// Wire representations. Zabbix encodes all scalar fields as strings.
type rpcProblem struct {
	EventID      string `json:"eventid"`
	ObjectID     string `json:"objectid"`
	Name         string `json:"name"`
	Severity     string `json:"severity"`
	Clock        string `json:"clock"`
	Acknowledged string `json:"acknowledged"`
}

type rpcHostRef struct {
	HostID string `json:"hostid"`
	Host   string `json:"host"`
	Name   string `json:"name"`
}

func (r rpcHostRef) displayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Host
}

type rpcTrigger struct {
	TriggerID string       `json:"triggerid"`
	Hosts     []rpcHostRef `json:"hosts"`
}

type rpcHost struct {
	HostID          string `json:"hostid"`
	Host            string `json:"host"`
	Name            string `json:"name"`
	ActiveAvailable string `json:"active_available"`
}

type rpcHistory struct {
	Clock string `json:"clock"`
	NS    string `json:"ns"`
	Value string `json:"value"`
}

// ListOpenProblems returns all unresolved problems tagged with host and
// severity, ordered by severity descending then start time ascending.
func (c *Client) ListOpenProblems(ctx context.Context) ([]Problem, error) {
	var raw []rpcProblem
	params := map[string]any{
		"output":    "extend",
		"recent":    false,
		"sortfield": []string{"eventid"},
	}
	if err := c.call(ctx, "problem.get", params, &raw); err != nil {
		return nil, err
	}

	hostsByTrigger, err := c.triggerHosts(ctx, triggerIDs(raw))
	if err != nil {
		return nil, err
	}

	problems := make([]Problem, 0, len(raw))
	for _, p := range raw {
		severity, err := ParseSeverity(p.Severity)
		if err != nil {
			return nil, fmt.Errorf("problem %s: %w", p.EventID, err)
		}
		started, err := parseClock(p.Clock)
		if err != nil {
			return nil, fmt.Errorf("problem %s: %w", p.EventID, err)
		}
		var host string
		if ref, ok := hostsByTrigger[p.ObjectID]; ok {
			host = ref.displayName()
		}
		problems = append(problems, Problem{
			ID:           p.EventID,
			Name:         p.Name,
			Severity:     severity,
			Host:         host,
			StartedAt:    started,
			Acknowledged: p.Acknowledged == "1",
		})
	}

	sortProblems(problems)
	return problems, nil
}

// ListHosts returns all monitored hosts with their open problem ids.
func (c *Client) ListHosts(ctx context.Context) ([]Host, error) {
	var rawHosts []rpcHost
	hostParams := map[string]any{
		"output": []string{"hostid", "host", "name", "active_available"},
	}
	if err := c.call(ctx, "host.get", hostParams, &rawHosts); err != nil {
		return nil, err
	}

	var rawProblems []rpcProblem
	problemParams := map[string]any{
		"output": []string{"eventid", "objectid"},
		"recent": false,
	}
	if err := c.call(ctx, "problem.get", problemParams, &rawProblems); err != nil {
		return nil, err
	}

	hostsByTrigger, err := c.triggerHosts(ctx, triggerIDs(rawProblems))
	if err != nil {
		return nil, err
	}

	problemsByHost := make(map[string][]string)
	for _, p := range rawProblems {
		if ref, ok := hostsByTrigger[p.ObjectID]; ok {
			problemsByHost[ref.HostID] = append(problemsByHost[ref.HostID], p.EventID)
		}
	}

	hosts := make([]Host, 0, len(rawHosts))
	for _, h := range rawHosts {
		availability, err := parseAvailability(h.ActiveAvailable)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.HostID, err)
		}
		name := h.Name
		if name == "" {
			name = h.Host
		}
		hosts = append(hosts, Host{
			ID:           h.HostID,
			Name:         name,
			Availability: availability,
			ProblemIDs:   problemsByHost[h.HostID],
		})
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

// FetchMetricHistory returns float history for one item over
// [now-window, now], timestamps ascending with duplicates preserved.
// windowMinutes of 0 means the default of 60; negative or over-long
// windows are rejected before any network call. An empty result for an
// existing item is valid; an unknown item id is ErrNotFound.
func (c *Client) FetchMetricHistory(ctx context.Context, itemID int64, windowMinutes int) ([]MetricSample, error) {
	if itemID <= 0 {
		return nil, fmt.Errorf("item id %d must be positive: %w", itemID, ErrValidation)
	}
	if windowMinutes == 0 {
		windowMinutes = defaultWindowMinutes
	}
	if windowMinutes < 0 || windowMinutes > maxWindowMinutes {
		return nil, fmt.Errorf("window %d minutes outside (0, %d]: %w", windowMinutes, maxWindowMinutes, ErrValidation)
	}

	now := time.Now()
	from := now.Add(-time.Duration(windowMinutes) * time.Minute)
	id := strconv.FormatInt(itemID, 10)

	var raw []rpcHistory
	params := map[string]any{
		"history":   0,
		"itemids":   []string{id},
		"time_from": from.Unix(),
		"time_till": now.Unix(),
		"output":    "extend",
		"sortfield": "clock",
		"sortorder": "ASC",
	}
	if err := c.call(ctx, "history.get", params, &raw); err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		// Distinguish legitimately-empty history from an unknown item.
		var items []struct {
			ItemID string `json:"itemid"`
		}
		itemParams := map[string]any{
			"itemids": []string{id},
			"output":  []string{"itemid"},
		}
		if err := c.call(ctx, "item.get", itemParams, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("item %d: %w", itemID, ErrNotFound)
		}
		return []MetricSample{}, nil
	}

	samples := make([]MetricSample, 0, len(raw))
	for i, h := range raw {
		ts, err := parseClock(h.Clock)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		value, err := strconv.ParseFloat(h.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: value %q: %w", i, h.Value, ErrSchema)
		}
		samples = append(samples, MetricSample{Timestamp: ts, Value: value})
	}

	// The server sorts by clock; a stable re-sort guards against
	// out-of-order responses while preserving duplicate timestamps.
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples, nil
}

// triggerHosts resolves trigger ids to their first associated host.
func (c *Client) triggerHosts(ctx context.Context, ids []string) (map[string]rpcHostRef, error) {
	hosts := make(map[string]rpcHostRef, len(ids))
	if len(ids) == 0 {
		return hosts, nil
	}

	var raw []rpcTrigger
	params := map[string]any{
		"triggerids":  ids,
		"output":      []string{"triggerid"},
		"selectHosts": []string{"hostid", "host", "name"},
	}
	if err := c.call(ctx, "trigger.get", params, &raw); err != nil {
		return nil, err
	}

	for _, t := range raw {
		if len(t.Hosts) > 0 {
			hosts[t.TriggerID] = t.Hosts[0]
		}
	}
	return hosts, nil
}

func triggerIDs(problems []rpcProblem) []string {
	seen := make(map[string]bool, len(problems))
	ids := make([]string, 0, len(problems))
	for _, p := range problems {
		if p.ObjectID != "" && !seen[p.ObjectID] {
			seen[p.ObjectID] = true
			ids = append(ids, p.ObjectID)
		}
	}
	return ids
}

func parseClock(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", raw, ErrSchema)
	}
	return time.Unix(n, 0), nil
}
