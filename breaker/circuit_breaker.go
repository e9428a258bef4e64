// Package breaker implements the per-server Circuit-Breaker Bank: a
// Closed/Open/HalfOpen admission controller keyed by server identity.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/conductor/core"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one server's circuit breaker. Zero values are replaced by
// DefaultConfig's defaults when passed to NewBank.
type Config struct {
	// WindowDuration is the tumbling window's length.
	WindowDuration time.Duration
	// MinRequests is the minimum number of requests observed in a window
	// before the failure-rate threshold is evaluated.
	MinRequests int
	// FailureThresholdPercent is the failure rate (0-100) that opens the
	// circuit once MinRequests has been reached.
	FailureThresholdPercent float64
	// RecoveryTimeout is how long the circuit stays Open before the next
	// admission attempt transitions it to HalfOpen.
	RecoveryTimeout time.Duration
	// HalfOpenMaxInFlight caps concurrent admissions while HalfOpen.
	HalfOpenMaxInFlight int
	// Logger receives state-transition events. Defaults to a no-op.
	Logger core.Logger
}

// DefaultConfig returns the reference values named in the circuit-breaker
// contract: 60s window, 10 minimum requests, 50% failure threshold, 30s
// recovery timeout, 5 half-open slots.
func DefaultConfig() Config {
	return Config{
		WindowDuration:          60 * time.Second,
		MinRequests:             10,
		FailureThresholdPercent: 50,
		RecoveryTimeout:         30 * time.Second,
		HalfOpenMaxInFlight:     5,
		Logger:                  &core.NoOpLogger{},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowDuration <= 0 {
		c.WindowDuration = d.WindowDuration
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.FailureThresholdPercent <= 0 {
		c.FailureThresholdPercent = d.FailureThresholdPercent
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxInFlight <= 0 {
		c.HalfOpenMaxInFlight = d.HalfOpenMaxInFlight
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// tumblingWindow counts requests and failures within a fixed-length
// window that resets, rather than slides, on the first observation after
// it expires. This bounds memory to two counters per server regardless
// of request rate.
type tumblingWindow struct {
	duration     time.Duration
	windowStart  time.Time
	requestCount uint64
	failureCount uint64
}

func newTumblingWindow(d time.Duration, now time.Time) *tumblingWindow {
	return &tumblingWindow{duration: d, windowStart: now}
}

// record must be called with the owning server's mutex held. It tumbles
// the window if needed, then records one outcome.
func (w *tumblingWindow) record(now time.Time, failed bool) {
	if now.Sub(w.windowStart) >= w.duration {
		w.windowStart = now
		w.requestCount = 0
		w.failureCount = 0
	}
	w.requestCount++
	if failed {
		w.failureCount++
	}
}

func (w *tumblingWindow) failureRatePercent() float64 {
	if w.requestCount == 0 {
		return 0
	}
	return float64(w.failureCount) / float64(w.requestCount) * 100
}

// server holds one server's breaker state.
type server struct {
	mu               sync.Mutex
	state            State
	window           *tumblingWindow
	stateChangedAt   time.Time
	halfOpenInFlight int64
}

// Bank is the Circuit-Breaker Bank: a registry of per-server state
// machines, created lazily on first reference and removed when the
// server is evicted from the Capability Registry.
type Bank struct {
	cfg     Config
	mu      sync.RWMutex
	servers map[string]*server
}

// NewBank creates a Circuit-Breaker Bank with cfg (zero fields fall back
// to DefaultConfig's values).
func NewBank(cfg Config) *Bank {
	return &Bank{
		cfg:     cfg.withDefaults(),
		servers: make(map[string]*server),
	}
}

func (b *Bank) serverFor(id string) *server {
	b.mu.RLock()
	s, ok := b.servers[id]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.servers[id]; ok {
		return s
	}
	s = &server{
		state:          Closed,
		window:         newTumblingWindow(b.cfg.WindowDuration, time.Now()),
		stateChangedAt: time.Now(),
	}
	b.servers[id] = s
	return s
}

// Allow reports whether a new call to serverID may be admitted. In
// HalfOpen it atomically reserves one of the limited concurrent slots;
// the caller must pair a true result with exactly one Report call.
func (b *Bank) Allow(serverID string) bool {
	s := b.serverFor(serverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return true

	case Open:
		if time.Since(s.stateChangedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(serverID, s, HalfOpen)
		fallthrough

	case HalfOpen:
		for {
			cur := atomic.LoadInt64(&s.halfOpenInFlight)
			if cur >= int64(b.cfg.HalfOpenMaxInFlight) {
				return false
			}
			if atomic.CompareAndSwapInt64(&s.halfOpenInFlight, cur, cur+1) {
				return true
			}
		}
	}
	return false
}

// CanAdmit reports whether serverID currently accepts calls, without
// reserving a HalfOpen slot. Used by the Dispatcher to filter candidates
// before the balancer picks one; the actual reservation happens via
// Allow on the chosen candidate only, so peeking at candidates that are
// not ultimately picked never consumes HalfOpen capacity.
func (b *Bank) CanAdmit(serverID string) bool {
	s := b.serverFor(serverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return true
	case Open:
		if time.Since(s.stateChangedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(serverID, s, HalfOpen)
		return atomic.LoadInt64(&s.halfOpenInFlight) < int64(b.cfg.HalfOpenMaxInFlight)
	default: // HalfOpen
		return atomic.LoadInt64(&s.halfOpenInFlight) < int64(b.cfg.HalfOpenMaxInFlight)
	}
}

// Report records the outcome of a call previously admitted by Allow and
// applies the resulting state transition, if any.
func (b *Bank) Report(serverID string, success bool) {
	s := b.serverFor(serverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		s.window.record(time.Now(), !success)
		if int(s.window.requestCount) >= b.cfg.MinRequests &&
			s.window.failureRatePercent() >= b.cfg.FailureThresholdPercent {
			b.transition(serverID, s, Open)
		}

	case HalfOpen:
		atomic.AddInt64(&s.halfOpenInFlight, -1)
		if success {
			b.transition(serverID, s, Closed)
		} else {
			b.transition(serverID, s, Open)
		}

	case Open:
		// A report arriving for a call admitted just before the circuit
		// reopened; nothing further to do.
	}
}

// transition must be called with s.mu held.
func (b *Bank) transition(serverID string, s *server, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.stateChangedAt = time.Now()

	switch to {
	case Closed:
		s.window = newTumblingWindow(b.cfg.WindowDuration, s.stateChangedAt)
	case HalfOpen:
		atomic.StoreInt64(&s.halfOpenInFlight, 0)
	case Open:
		atomic.StoreInt64(&s.halfOpenInFlight, 0)
	}

	b.cfg.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"server_id": serverID,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// State reports serverID's current state. Intended for observability and
// tests; dispatch decisions should use Allow.
func (b *Bank) State(serverID string) State {
	s := b.serverFor(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remove drops all breaker state for serverID, e.g. when the Registry
// evicts an expired or deregistered server.
func (b *Bank) Remove(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.servers, serverID)
}
