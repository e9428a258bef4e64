package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/flowforge/conductor/core"
)

// HealthConfig tunes the independent probe loop.
type HealthConfig struct {
	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	SuccessesToHealthy  int
	FailuresToUnhealthy int
	Logger              core.Logger
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SuccessesToHealthy <= 0 {
		c.SuccessesToHealthy = 2
	}
	if c.FailuresToUnhealthy <= 0 {
		c.FailuresToUnhealthy = 3
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	return c
}

type probeStreak struct {
	consecutiveSuccesses int
	consecutiveFailures  int
	lastProbeAt          time.Time
}

// HealthMonitor runs independently of request traffic, probing every
// known server on an interval and transitioning its status based on
// consecutive probe outcomes. It never touches expires_at: that is the
// heartbeat's job (see spec.md §4.2's liveness/reachability split).
type HealthMonitor struct {
	cfg      HealthConfig
	registry *Registry
	client   *http.Client

	mu      sync.Mutex
	streaks map[string]*probeStreak

	stop chan struct{}
	done chan struct{}
}

// NewHealthMonitor wires a HealthMonitor to registry. Call Start to begin
// probing.
func NewHealthMonitor(registry *Registry, cfg HealthConfig) *HealthMonitor {
	cfg = cfg.withDefaults()
	return &HealthMonitor{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		streaks:  make(map[string]*probeStreak),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop; it runs until ctx is cancelled or Stop
// is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *HealthMonitor) probeAll(ctx context.Context) {
	for _, rec := range m.registry.All() {
		if rec.Status == Expired {
			continue
		}
		m.probeOne(ctx, rec)
	}
}

func (m *HealthMonitor) probeOne(ctx context.Context, rec ServerRecord) {
	ok := m.probe(ctx, rec)

	m.mu.Lock()
	s, exists := m.streaks[rec.ID]
	if !exists {
		s = &probeStreak{}
		m.streaks[rec.ID] = s
	}
	s.lastProbeAt = time.Now()
	if ok {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
		s.consecutiveSuccesses = 0
	}
	successes, failures := s.consecutiveSuccesses, s.consecutiveFailures
	m.mu.Unlock()

	var next *Status
	if rec.Status != Healthy && successes >= m.cfg.SuccessesToHealthy {
		v := Healthy
		next = &v
	} else if failures >= m.cfg.FailuresToUnhealthy {
		v := Unhealthy
		next = &v
	}

	if next != nil {
		if err := m.registry.Update(rec.ID, Patch{Status: next}); err != nil {
			m.cfg.Logger.Warn("health monitor failed to update server status", map[string]interface{}{
				"server_id": rec.ID,
				"error":     err.Error(),
			})
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context, rec ServerRecord) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rec.Endpoint+rec.HealthCheckPath, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Forget drops probe-streak bookkeeping for a server that's been
// deregistered or expired.
func (m *HealthMonitor) Forget(serverID string) {
	m.mu.Lock()
	delete(m.streaks, serverID)
	m.mu.Unlock()
}
