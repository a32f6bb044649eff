// Package probe issues ICMP reachability checks against arbitrary hosts.
// These are direct network probes, not monitoring-API calls.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Error kinds returned by the prober.
var (
	// ErrResolution indicates the host name does not resolve. This is
	// distinct from a resolvable host that drops every probe.
	ErrResolution = errors.New("hostname does not resolve")

	// ErrValidation indicates invalid probe parameters.
	ErrValidation = errors.New("invalid probe parameters")
)

const (
	defaultCount           = 4
	maxCount               = 20
	defaultPerProbeTimeout = 2 * time.Second
	resolveTimeout         = 3 * time.Second
)

// LatencyStats aggregates round-trip times over received replies only.
type LatencyStats struct {
	Min time.Duration
	Avg time.Duration
	Max time.Duration
}

// PingResult is the outcome of one probe operation. Latency is nil when
// no reply was received; it is never reported as zero.
type PingResult struct {
	Host     string
	Sent     int
	Received int
	Loss     float64
	Latency  *LatencyStats
}

// Config holds prober policy settings.
type Config struct {
	Count           int
	PerProbeTimeout time.Duration
}

// Prober issues bounded ICMP probes.
type Prober struct {
	count           int
	perProbeTimeout time.Duration
	resolver        *net.Resolver
	logger          *zap.Logger
}

// New creates a prober. Zero config values fall back to defaults
// (4 probes, 2s per probe).
func New(cfg Config, logger *zap.Logger) *Prober {
	count := cfg.Count
	if count <= 0 {
		count = defaultCount
	}
	perProbe := cfg.PerProbeTimeout
	if perProbe <= 0 {
		perProbe = defaultPerProbeTimeout
	}
	return &Prober{
		count:           count,
		perProbeTimeout: perProbe,
		resolver:        net.DefaultResolver,
		logger:          logger,
	}
}

// Probe sends count ICMP echo requests to host and aggregates the
// replies. count of 0 means the configured default. Names that fail DNS
// resolution fail fast without consuming the probe budget. The total
// operation is bounded by count times the per-probe timeout and by ctx.
func (p *Prober) Probe(ctx context.Context, host string, count int) (*PingResult, error) {
	if count == 0 {
		count = p.count
	}
	if count < 0 || count > maxCount {
		return nil, fmt.Errorf("probe count %d outside (0, %d]: %w", count, maxCount, ErrValidation)
	}
	if host == "" {
		return nil, fmt.Errorf("empty host: %w", ErrValidation)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := p.resolver.LookupHost(resolveCtx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %v: %w", host, err, ErrResolution)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: no addresses: %w", host, ErrResolution)
	}

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return nil, fmt.Errorf("create pinger for %q: %w", host, err)
	}
	pinger.Count = count
	pinger.Timeout = time.Duration(count) * p.perProbeTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			p.logger.Debug("ping failed", zap.String("host", host), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		return nil, ctx.Err()
	}

	result := buildResult(host, pinger.Statistics())
	p.logger.Debug("probe complete",
		zap.String("host", host),
		zap.Int("sent", result.Sent),
		zap.Int("received", result.Received),
		zap.Float64("loss", result.Loss),
	)
	return result, nil
}

// buildResult aggregates pinger statistics into a PingResult. Loss is a
// fraction; latency stats are absent when nothing was received.
func buildResult(host string, stats *probing.Statistics) *PingResult {
	result := &PingResult{
		Host:     host,
		Sent:     stats.PacketsSent,
		Received: stats.PacketsRecv,
	}
	if stats.PacketsSent > 0 {
		result.Loss = 1 - float64(stats.PacketsRecv)/float64(stats.PacketsSent)
	}
	if stats.PacketsRecv > 0 {
		result.Latency = &LatencyStats{
			Min: stats.MinRtt,
			Avg: stats.AvgRtt,
			Max: stats.MaxRtt,
		}
	}
	return result
}
