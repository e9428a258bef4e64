// Package dispatch implements the Dispatcher: the load-balanced,
// circuit-broken, retry-aware request layer every workflow step call
// goes through.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowforge/conductor/breaker"
	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/registry"
)

// Config tunes one Dispatcher instance.
type Config struct {
	CallTimeout          time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryFactor          float64
	RetryJitter          bool
	Balancer             Policy
	MaxInFlightGlobal    int
	MaxInFlightPerServer int
	// StickySessions, when true, routes a call carrying a non-empty
	// SessionID to the candidate whose hashed identity matches the
	// session's hash bucket. The hash is taken over the current
	// candidates only, so when the session's earlier server is not among
	// them the call goes to the next candidate on the ring; Balancer is
	// not consulted for calls that carry a SessionID.
	StickySessions bool
	Logger         core.Logger
	Telemetry      core.Telemetry
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = 2.0
	}
	if c.Balancer == "" {
		c.Balancer = RoundRobin
	}
	if c.MaxInFlightGlobal <= 0 {
		c.MaxInFlightGlobal = 2000
	}
	if c.MaxInFlightPerServer <= 0 {
		c.MaxInFlightPerServer = 1000
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &core.NoOpTelemetry{}
	}
	return c
}

// Request is one call to dispatch.
type Request struct {
	Capability string
	Endpoint   string
	Payload    interface{}
	// RoutingKey selects the ConsistentHash/IpHash bucket (IpHash uses
	// CallerIP instead when it is set). Sticky sessions key on SessionID
	// only.
	RoutingKey string
	SessionID  string
	CallerIP   string
	// Timeout overrides Config.CallTimeout for this one call; zero uses
	// the Dispatcher default.
	Timeout time.Duration
}

type inFlightCounters struct {
	mu        sync.Mutex
	perServer map[string]*int64
}

func newInFlightCounters() *inFlightCounters {
	return &inFlightCounters{perServer: make(map[string]*int64)}
}

func (t *inFlightCounters) counterFor(serverID string) *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.perServer[serverID]
	if !ok {
		var zero int64
		c = &zero
		t.perServer[serverID] = c
	}
	return c
}

// Dispatcher is the Dispatcher component: resolves a capability to a
// server, applies circuit-breaking and load balancing, executes the
// HTTP call with bounded retry, and reports the outcome back to the
// Circuit-Breaker Bank and latency tracking.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	breakers *breaker.Bank
	balancer *balancer
	client   *http.Client

	globalInFlight int64
	counters       *inFlightCounters
	latencies      sync.Map // server_id -> *ewma
}

// New creates a Dispatcher backed by reg and breakers.
func New(reg *registry.Registry, breakers *breaker.Bank, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		breakers: breakers,
		balancer: newBalancer(cfg.Balancer),
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		counters: newInFlightCounters(),
	}
}

// Dispatch executes the pipeline in spec.md §4.4: resolve, filter by
// circuit state and per-server in-flight cap, balance, pre-call admit,
// HTTP POST with retry, post-call report.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := d.cfg.Telemetry.StartSpan(ctx, "dispatch.Dispatch")
	span.SetAttribute("capability", req.Capability)
	span.SetAttribute("endpoint", req.Endpoint)
	defer span.End()

	body, err := d.dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return body, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	snapshot := d.registry.LookupByCapability(req.Capability)
	if len(snapshot) == 0 {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindNoTarget, core.ErrNoHealthyServer)
	}

	candidates := make([]candidate, 0, len(snapshot))
	for _, rec := range snapshot {
		if !d.breakers.CanAdmit(rec.ID) {
			continue
		}
		counter := d.counters.counterFor(rec.ID)
		inFlight := atomic.LoadInt64(counter)
		if inFlight >= int64(d.cfg.MaxInFlightPerServer) {
			continue
		}
		candidates = append(candidates, candidate{record: rec, inFlight: inFlight})
	}
	if len(candidates) == 0 {
		// Distinguish "all circuits open" from "all at per-server cap"
		// only for the common case; either is a legitimate dispatch
		// failure under spec.md §7.
		anyOpenOnly := true
		for _, rec := range snapshot {
			if d.breakers.CanAdmit(rec.ID) {
				anyOpenOnly = false
				break
			}
		}
		if anyOpenOnly {
			return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindCircuitOpen, core.ErrCircuitOpen)
		}
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindOverloaded, core.ErrOverloaded)
	}

	chosen, ok := d.pick(candidates, req)
	if !ok {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindOverloaded, core.ErrOverloaded)
	}

	if atomic.AddInt64(&d.globalInFlight, 1) > int64(d.cfg.MaxInFlightGlobal) {
		atomic.AddInt64(&d.globalInFlight, -1)
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindOverloaded, core.ErrOverloaded)
	}
	defer atomic.AddInt64(&d.globalInFlight, -1)

	if !d.breakers.Allow(chosen.record.ID) {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindCircuitOpen, core.ErrCircuitOpen)
	}

	counter := d.counters.counterFor(chosen.record.ID)
	atomic.AddInt64(counter, 1)
	defer atomic.AddInt64(counter, -1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CallTimeout
	}

	start := time.Now()
	body, callErr := d.callWithRetry(ctx, chosen.record, req, timeout)
	d.breakers.Report(chosen.record.ID, callErr == nil)
	if callErr == nil {
		d.recordLatency(chosen.record.ID, time.Since(start))
	}
	return body, callErr
}

// pick applies sticky-session routing when enabled and the request
// carries a SessionID, otherwise the configured balancing Policy. Sticky
// sessions are resolved against the current candidate set only: if the
// session's prior server has since dropped out of the pool (expired,
// unhealthy, circuit open), the session hashes to another candidate on
// the ring. There is no fallback to the Policy and no record of earlier
// picks.
func (d *Dispatcher) pick(candidates []candidate, req Request) (candidate, bool) {
	if d.cfg.StickySessions && req.SessionID != "" {
		return pickByHash(candidates, req.SessionID), true
	}
	key := req.RoutingKey
	if d.cfg.Balancer == IpHash && req.CallerIP != "" {
		key = req.CallerIP
	}
	return d.balancer.pick(candidates, key)
}

// callWithRetry executes the HTTP POST, retrying transient failures
// (connection errors, timeouts, 5xx, 408, 425, 429) up to
// Config.MaxRetries with exponential backoff. Other 4xx responses are
// permanent and never retried.
func (d *Dispatcher) callWithRetry(ctx context.Context, rec registry.ServerRecord, req Request, timeout time.Duration) (json.RawMessage, error) {
	delay := d.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries+1; attempt++ {
		select {
		case <-ctx.Done():
			return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindCancelled, ctx.Err())
		default:
		}

		body, err := d.call(ctx, rec, req, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err

		fe, isFramework := err.(*core.FrameworkError)
		if isFramework && fe.Kind == core.KindPermanent {
			return nil, err
		}
		if attempt > d.cfg.MaxRetries {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * d.cfg.RetryFactor)
			if delay > d.cfg.RetryMaxDelay {
				delay = d.cfg.RetryMaxDelay
			}
		}
		sleep := delay
		if d.cfg.RetryJitter {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			sleep += jitter
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindTransient, fmt.Errorf("%w: %v", core.ErrMaxRetriesExceeded, lastErr))
}

func (d *Dispatcher) call(ctx context.Context, rec registry.ServerRecord, req Request, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, rec.Endpoint+req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.RawMessage(data), nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == 425:
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindTransient,
			fmt.Errorf("capability server returned status %d", resp.StatusCode))
	default:
		return nil, core.NewFrameworkError("dispatch.Dispatch", core.KindPermanent,
			fmt.Errorf("capability server returned status %d", resp.StatusCode))
	}
}

// ewma is an exponentially weighted moving average of completed-call
// durations, with a smoothing factor tuned for slow-moving latency
// signals rather than per-request jitter.
type ewma struct {
	mu    sync.Mutex
	value time.Duration
	set   bool
}

const ewmaAlpha = 0.2

func (d *Dispatcher) recordLatency(serverID string, observed time.Duration) {
	v, _ := d.latencies.LoadOrStore(serverID, &ewma{})
	e := v.(*ewma)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.value = observed
		e.set = true
		return
	}
	e.value = time.Duration(ewmaAlpha*float64(observed) + (1-ewmaAlpha)*float64(e.value))
}

// Latency returns the current EWMA latency for serverID, or zero if no
// completed call has been observed yet.
func (d *Dispatcher) Latency(serverID string) time.Duration {
	v, ok := d.latencies.Load(serverID)
	if !ok {
		return 0
	}
	e := v.(*ewma)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
