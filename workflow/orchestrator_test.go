package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/template"
)

// fakeDispatcher lets tests script per-capability/endpoint behavior
// without a real Registry, Circuit-Breaker Bank, or HTTP server.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(calls int, req dispatch.Request) (interface{}, error)
}

func (f *fakeDispatcher) dispatch(ctx context.Context, req dispatch.Request) (interface{}, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, req)
}

func twoStepDAG() *template.DAG {
	return &template.DAG{
		TemplateName: "t",
		Steps: []template.Step{
			{ID: "s1", Name: "research", Capability: "text-analysis", Endpoint: "/a", Parameters: map[string]interface{}{}},
			{ID: "s2", Name: "draft", Capability: "content", Endpoint: "/b", DependsOn: []string{"s1"},
				Parameters: map[string]interface{}{"keywords": "{{step1.keywords}}"}},
		},
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		if req.Endpoint == "/a" {
			return map[string]interface{}{"keywords": []interface{}{"go", "concurrency"}}, nil
		}
		return map[string]interface{}{"body": "draft text"}, nil
	}}

	wf := NewFromDAG(twoStepDAG(), Options{})
	o := New(wf, fd.dispatch, Config{})
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Completed, snap.State)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, StepCompleted, snap.Steps[0].State)
	assert.Equal(t, StepCompleted, snap.Steps[1].State)
}

func TestOrchestratorFailFastSkipsDependents(t *testing.T) {
	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		if req.Endpoint == "/a" {
			return nil, core.NewFrameworkError("x", core.KindPermanent, errors.New("boom"))
		}
		return map[string]interface{}{"ok": true}, nil
	}}

	wf := NewFromDAG(twoStepDAG(), Options{FailureStrategy: FailFast})
	o := New(wf, fd.dispatch, Config{})
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, StepFailed, snap.Steps[0].State)
	assert.Equal(t, StepSkipped, snap.Steps[1].State)
}

func TestOrchestratorContinueOnErrorRunsIndependentBranch(t *testing.T) {
	dag := &template.DAG{
		TemplateName: "t",
		Steps: []template.Step{
			{ID: "s1", Name: "a", Capability: "c", Endpoint: "/fail"},
			{ID: "s2", Name: "b", Capability: "c", Endpoint: "/ok", DependsOn: []string{"s1"}},
			{ID: "s3", Name: "c", Capability: "c", Endpoint: "/independent"},
		},
	}
	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		if req.Endpoint == "/fail" {
			return nil, core.NewFrameworkError("x", core.KindPermanent, errors.New("boom"))
		}
		return map[string]interface{}{"ok": true}, nil
	}}

	wf := NewFromDAG(dag, Options{FailureStrategy: ContinueOnError})
	o := New(wf, fd.dispatch, Config{})
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Failed, snap.State) // any step Failed => workflow Failed
	assert.Equal(t, StepFailed, snap.Steps[0].State)
	assert.Equal(t, StepSkipped, snap.Steps[1].State)
	assert.Equal(t, StepCompleted, snap.Steps[2].State) // independent branch still ran
}

func TestOrchestratorCancellationMidFlight(t *testing.T) {
	dag := &template.DAG{TemplateName: "t"}
	for i := 0; i < 5; i++ {
		dag.Steps = append(dag.Steps, template.Step{ID: ordinal(i + 1), Name: ordinal(i + 1), Capability: "c", Endpoint: "/slow"})
	}

	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]interface{}{"ok": true}, nil
	}}

	wf := NewFromDAG(dag, Options{MaxConcurrentSteps: 5})
	o := New(wf, fd.dispatch, Config{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Cancel()
	}()
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Cancelled, snap.State)
}

func TestOrchestratorOverallTimeoutBehavesLikeCancellation(t *testing.T) {
	dag := &template.DAG{
		TemplateName: "t",
		Steps:        []template.Step{{ID: "s1", Name: "s1", Capability: "c", Endpoint: "/slow"}},
	}
	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return map[string]interface{}{"ok": true}, nil
	}}

	wf := NewFromDAG(dag, Options{OverallTimeout: 20 * time.Millisecond})
	o := New(wf, fd.dispatch, Config{})
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Cancelled, snap.State)
}

func TestOrchestratorRetryStrategyRecoversTransientFailure(t *testing.T) {
	dag := &template.DAG{
		TemplateName: "t",
		Steps:        []template.Step{{ID: "s1", Name: "s1", Capability: "c", Endpoint: "/flaky"}},
	}
	fd := &fakeDispatcher{fn: func(n int, req dispatch.Request) (interface{}, error) {
		if n < 2 {
			return nil, core.NewFrameworkError("x", core.KindTransient, errors.New("flaky"))
		}
		return map[string]interface{}{"ok": true}, nil
	}}

	wf := NewFromDAG(dag, Options{FailureStrategy: Retry, MaxStepRetries: 3})
	o := New(wf, fd.dispatch, Config{})
	o.Run(context.Background())

	snap := o.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, StepCompleted, snap.Steps[0].State)
	assert.GreaterOrEqual(t, snap.Steps[0].RetryCount, 1)
}
