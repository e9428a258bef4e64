package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/breaker"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/registry"
	"github.com/flowforge/conductor/template"
	"github.com/flowforge/conductor/workflow"
)

func newFixture(t *testing.T, srv *httptest.Server, cfg Config) *Supervisor {
	t.Helper()
	reg := registry.New(registry.Config{ExpirySweepPeriod: time.Hour})
	t.Cleanup(reg.Close)

	id, err := reg.Register(registry.Description{Name: "s", Endpoint: srv.URL, Capabilities: []string{"content"}})
	require.NoError(t, err)
	healthy := registry.Healthy
	require.NoError(t, reg.Update(id, registry.Patch{Status: &healthy}))

	bank := breaker.NewBank(breaker.DefaultConfig())
	d := dispatch.New(reg, bank, dispatch.Config{MaxRetries: 1, RetryBaseDelay: time.Millisecond})

	tmpl := template.WorkflowTemplate{
		Name:           "single",
		RequiredParams: []string{"topic"},
		Steps: []template.StepTemplate{
			{StepName: "a", Capability: "content", Endpoint: "/x",
				ParameterTemplate: map[string]interface{}{"topic": "{{params.topic}}"}},
		},
	}
	cat, err := template.NewCatalog([]template.WorkflowTemplate{tmpl})
	require.NoError(t, err)

	return New(cat, d, cfg)
}

func waitTerminal(t *testing.T, s *Supervisor, id string) workflow.View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := s.Get(id); ok {
			switch snap.State {
			case workflow.Completed, workflow.Failed, workflow.Cancelled:
				return snap
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("workflow did not reach a terminal state in time")
	return workflow.View{}
}

func TestSupervisorSubmitAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	s := newFixture(t, srv, Config{})
	id, err := s.Submit(context.Background(), "single", map[string]interface{}{"topic": "go"}, SubmitOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitTerminal(t, s, id)
	assert.Equal(t, workflow.Completed, snap.State)
}

func TestSupervisorRejectsOverAdmissionCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	s := newFixture(t, srv, Config{MaxConcurrentWorkflows: 1})
	_, err := s.Submit(context.Background(), "single", map[string]interface{}{"topic": "go"}, SubmitOptions{})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "single", map[string]interface{}{"topic": "go"}, SubmitOptions{})
	require.Error(t, err)
}

func TestSupervisorUnknownTemplateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	s := newFixture(t, srv, Config{})
	_, err := s.Submit(context.Background(), "nonexistent", nil, SubmitOptions{})
	require.Error(t, err)
}

func TestSupervisorCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	s := newFixture(t, srv, Config{})
	id, err := s.Submit(context.Background(), "single", map[string]interface{}{"topic": "go"}, SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	snap := waitTerminal(t, s, id)
	assert.Equal(t, workflow.Cancelled, snap.State)
}

func TestSupervisorListFiltersByState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	s := newFixture(t, srv, Config{})
	id, err := s.Submit(context.Background(), "single", map[string]interface{}{"topic": "go"}, SubmitOptions{})
	require.NoError(t, err)
	waitTerminal(t, s, id)

	completed := s.List(Filter{State: workflow.Completed})
	assert.Len(t, completed, 1)

	failed := s.List(Filter{State: workflow.Failed})
	assert.Len(t, failed, 0)
}
