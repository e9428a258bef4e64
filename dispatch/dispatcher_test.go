package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/breaker"
	"github.com/flowforge/conductor/registry"
)

func newFixture(t *testing.T, srv *httptest.Server, cfg Config) (*Dispatcher, string) {
	t.Helper()
	reg := registry.New(registry.Config{ExpirySweepPeriod: time.Hour})
	t.Cleanup(reg.Close)

	id, err := reg.Register(registry.Description{Name: "s", Endpoint: srv.URL, Capabilities: []string{"content"}})
	require.NoError(t, err)
	healthy := registry.Healthy
	require.NoError(t, reg.Update(id, registry.Patch{Status: &healthy}))

	bank := breaker.NewBank(breaker.DefaultConfig())
	d := New(reg, bank, cfg)
	return d, id
}

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	d, _ := newFixture(t, srv, Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	body, err := d.Dispatch(context.Background(), Request{Capability: "content", Endpoint: "/step"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDispatchNoTarget(t *testing.T) {
	reg := registry.New(registry.Config{ExpirySweepPeriod: time.Hour})
	t.Cleanup(reg.Close)
	bank := breaker.NewBank(breaker.DefaultConfig())
	d := New(reg, bank, Config{})

	_, err := d.Dispatch(context.Background(), Request{Capability: "nonexistent", Endpoint: "/x"})
	require.Error(t, err)
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	d, _ := newFixture(t, srv, Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	_, err := d.Dispatch(context.Background(), Request{Capability: "content", Endpoint: "/step"})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDispatchDoesNotRetryPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	d, _ := newFixture(t, srv, Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	_, err := d.Dispatch(context.Background(), Request{Capability: "content", Endpoint: "/step"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDispatchOpensCircuitAfterSustainedFailure(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d, serverID := newFixture(t, srv, Config{MaxRetries: 0, RetryBaseDelay: time.Millisecond})

	for i := 0; i < 10; i++ {
		_, err := d.Dispatch(context.Background(), Request{Capability: "content", Endpoint: "/step"})
		require.Error(t, err)
	}

	precallCounter := *d.counters.counterFor(serverID)
	precallHits := hits

	_, err := d.Dispatch(context.Background(), Request{Capability: "content", Endpoint: "/step"})
	require.Error(t, err)

	// The 11th call must be rejected by the circuit breaker without
	// incrementing the per-server in-flight counter (no HTTP attempt).
	assert.Equal(t, precallCounter, *d.counters.counterFor(serverID))
	assert.Equal(t, precallHits, hits)
}

func TestBalancerRoundRobinCyclesCandidates(t *testing.T) {
	b := newBalancer(RoundRobin)
	cands := []candidate{
		{record: serverRecord("a")},
		{record: serverRecord("b")},
	}
	first, _ := b.pick(cands, "")
	second, _ := b.pick(cands, "")
	assert.NotEqual(t, first.record.ID, second.record.ID)
}

func TestBalancerLeastConnectionsPicksFewest(t *testing.T) {
	b := newBalancer(LeastConnections)
	cands := []candidate{
		{record: serverRecord("a"), inFlight: 5},
		{record: serverRecord("b"), inFlight: 1},
	}
	picked, _ := b.pick(cands, "")
	assert.Equal(t, "b", picked.record.ID)
}

func TestBalancerConsistentHashIsStable(t *testing.T) {
	b := newBalancer(ConsistentHash)
	cands := []candidate{
		{record: serverRecord("a")},
		{record: serverRecord("b")},
		{record: serverRecord("c")},
	}
	first, _ := b.pick(cands, "session-42")
	second, _ := b.pick(cands, "session-42")
	assert.Equal(t, first.record.ID, second.record.ID)
}

func serverRecord(id string) registry.ServerRecord {
	return registry.ServerRecord{ID: id, Weight: 100}
}
