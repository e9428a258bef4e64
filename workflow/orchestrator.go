package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/resolve"
)

// dispatchFunc is the call shape the Orchestrator drives every ready
// step through. NewWithDispatcher adapts a *dispatch.Dispatcher's
// json.RawMessage result into the decoded interface{} this expects;
// tests can supply any other function matching this signature.
type dispatchFunc func(ctx context.Context, req dispatch.Request) (result interface{}, err error)

// Config tunes one Orchestrator. Zero fields fall back to no-op
// implementations.
type Config struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Orchestrator owns exactly one Workflow from Queued through a terminal
// state.
type Orchestrator struct {
	wf        *Workflow
	disp      dispatchFunc
	logger    core.Logger
	telemetry core.Telemetry

	mu           sync.Mutex // guards Steps' mutable fields and Workflow.State/UpdatedAt
	runningCount int
	failFast     bool // set once a Failure under FailFast/Retry-exhausted halts new dispatch

	stepDone  chan struct{} // buffered 1; coalesces completion notifications
	cancelCh  chan struct{}
	cancelled bool
	runCtx    context.Context
	runCancel context.CancelFunc

	dependents map[string][]string // stepID -> step IDs that depend on it
}

// New creates an Orchestrator for wf. disp is typically
// (*dispatch.Dispatcher).Dispatch, adapted to return interface{} instead
// of json.RawMessage; see NewWithDispatcher for the common case.
func New(wf *Workflow, disp dispatchFunc, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	o := &Orchestrator{
		wf:         wf,
		disp:       disp,
		logger:     cfg.Logger,
		telemetry:  cfg.Telemetry,
		stepDone:   make(chan struct{}, 1),
		cancelCh:   make(chan struct{}),
		dependents: buildDependents(wf.Steps),
	}
	return o
}

// NewWithDispatcher wraps a *dispatch.Dispatcher so its json.RawMessage
// result satisfies dispatchFunc's interface{} return.
func NewWithDispatcher(wf *Workflow, d *dispatch.Dispatcher, cfg Config) *Orchestrator {
	return New(wf, func(ctx context.Context, req dispatch.Request) (interface{}, error) {
		body, err := d.Dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		var decoded interface{}
		if len(body) > 0 {
			if decodeErr := json.Unmarshal(body, &decoded); decodeErr != nil {
				return nil, core.NewFrameworkError("orchestrator.dispatch", core.KindPermanent, decodeErr)
			}
		}
		return decoded, nil
	}, cfg)
}

func buildDependents(steps []*Step) map[string][]string {
	m := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			m[dep] = append(m[dep], s.ID)
		}
	}
	return m
}

func (o *Orchestrator) stepByID(id string) *Step {
	for _, s := range o.wf.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Run executes the scheduling loop to a terminal Workflow state. It
// blocks until the workflow is Completed, Failed, or Cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, span := o.telemetry.StartSpan(ctx, "workflow.Run")
	span.SetAttribute("workflow_id", o.wf.ID)
	span.SetAttribute("template", o.wf.TemplateName)
	defer span.End()

	o.mu.Lock()
	o.wf.State = Running
	o.wf.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.runCtx, o.runCancel = context.WithCancel(ctx)
	defer o.runCancel()

	var timeoutC <-chan time.Time
	if o.wf.Options.OverallTimeout > 0 {
		timer := time.NewTimer(o.wf.Options.OverallTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-timeoutC:
			o.requestCancel()
		case <-ctx.Done():
			o.requestCancel()
		default:
		}

		if o.isCancelled() {
			o.applyCancellation()
			return
		}

		ready := o.computeReadySet()
		running := o.runningStepCount()

		if len(ready) == 0 && running == 0 {
			o.finalize()
			return
		}

		capacity := o.freeCapacity()
		if (len(ready) == 0 || capacity <= 0) && running > 0 {
			select {
			case <-o.stepDone:
			case <-o.cancelCh:
			case <-timeoutC:
				o.requestCancel()
			case <-ctx.Done():
				o.requestCancel()
			}
			continue
		}

		o.dispatchReady(ready)

		if o.isCancelled() {
			o.applyCancellation()
			return
		}
	}
}

// computeReadySet returns Pending steps whose DependsOn are all
// Completed, sorted by descending Priority with a stable tie-break on
// declaration order. Returns nil (not merely empty) once a FailFast
// halt has been triggered, since no further dispatch may occur.
func (o *Orchestrator) computeReadySet() []*Step {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failFast {
		return nil
	}

	completed := make(map[string]bool)
	for _, s := range o.wf.Steps {
		if s.State == StepCompleted {
			completed[s.ID] = true
		}
	}

	var ready []*Step
	for _, s := range o.wf.Steps {
		if s.State != Pending {
			continue
		}
		allDepsDone := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, s)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].declOrder < ready[j].declOrder
	})
	return ready
}

func (o *Orchestrator) runningStepCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runningCount
}

// freeCapacity returns how many more steps may be dispatched right now
// under MaxConcurrentSteps.
func (o *Orchestrator) freeCapacity() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wf.Options.MaxConcurrentSteps - o.runningCount
}

// dispatchReady launches up to the concurrency cap of ready steps as
// independent goroutines.
func (o *Orchestrator) dispatchReady(ready []*Step) {
	capacity := o.freeCapacity()
	if capacity <= 0 {
		return
	}
	if capacity > len(ready) {
		capacity = len(ready)
	}

	for i := 0; i < capacity; i++ {
		step := ready[i]
		o.mu.Lock()
		step.State = StepRunning
		step.StartedAt = time.Now()
		o.runningCount++
		o.wf.UpdatedAt = time.Now()
		o.mu.Unlock()

		go o.runStep(step)
	}
}

// runStep resolves step's parameters, dispatches it, applies the
// result, and signals the scheduling loop.
func (o *Orchestrator) runStep(step *Step) {
	defer o.notifyStepDone()

	stepCtx, span := o.telemetry.StartSpan(o.runCtx, "workflow.step")
	span.SetAttribute("step_id", step.ID)
	span.SetAttribute("step_name", step.Name)
	span.SetAttribute("capability", step.Capability)
	defer span.End()

	resolved, err := resolve.Resolve(step.Parameters, o.completedResultsLocked())
	if err != nil {
		span.RecordError(err)
		o.completeStep(step, nil, err)
		return
	}

	req := dispatch.Request{
		Capability: step.Capability,
		Endpoint:   step.Endpoint,
		Payload:    resolved,
		Timeout:    step.Timeout,
	}

	result, dispatchErr := o.disp(stepCtx, req)
	if dispatchErr != nil {
		span.RecordError(dispatchErr)
	}

	if dispatchErr != nil && o.wf.Options.FailureStrategy == Retry && step.RetryCount < o.wf.Options.MaxStepRetries {
		o.retryStep(step, req)
		return
	}

	o.completeStep(step, result, dispatchErr)
}

// retryStep re-dispatches step with exponential backoff, counted
// against MaxStepRetries, before falling through to ordinary
// completion (and thus FailFast semantics) on exhaustion.
func (o *Orchestrator) retryStep(step *Step, req dispatch.Request) {
	backoff := 100 * time.Millisecond
	for step.RetryCount < o.wf.Options.MaxStepRetries {
		o.mu.Lock()
		step.RetryCount++
		o.mu.Unlock()

		timer := time.NewTimer(backoff)
		select {
		case <-o.runCtx.Done():
			timer.Stop()
			o.completeStep(step, nil, o.runCtx.Err())
			return
		case <-timer.C:
		}
		backoff *= 2

		result, err := o.disp(o.runCtx, req)
		if err == nil {
			o.completeStep(step, result, nil)
			return
		}
		if step.RetryCount >= o.wf.Options.MaxStepRetries {
			o.completeStep(step, nil, err)
			return
		}
	}
}

// completedResultsLocked builds the ordinal+name indexed result map the
// Parameter Resolver needs, reading current Workflow state under lock.
func (o *Orchestrator) completedResultsLocked() map[string]resolve.StepResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]resolve.StepResult, len(o.wf.Steps)*2)
	for i, s := range o.wf.Steps {
		if s.State != StepCompleted {
			continue
		}
		r := resolve.StepResult{Name: s.Name, Result: s.Result}
		out[ordinal(i+1)] = r
		if s.Name != "" {
			out[s.Name] = r
		}
	}
	return out
}

func ordinal(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "step" + string(digits[n])
	}
	// Workflows with >=10 steps are uncommon but not disallowed.
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "step" + string(buf)
}

// completeStep marks step Completed or Failed, applies the configured
// failure strategy's side effects, and records timing.
func (o *Orchestrator) completeStep(step *Step, result interface{}, err error) {
	o.mu.Lock()
	if step.State != StepRunning {
		// Already forcibly finalized by applyCancellation while this
		// dispatch was still in flight; the late result is discarded.
		o.mu.Unlock()
		return
	}
	step.CompletedAt = time.Now()
	o.runningCount--
	o.wf.UpdatedAt = time.Now()

	if err != nil {
		step.State = StepFailed
		step.Error = err.Error()
	} else {
		step.State = StepCompleted
		step.Result = result
	}
	o.mu.Unlock()

	if err == nil {
		return
	}

	switch o.wf.Options.FailureStrategy {
	case ContinueOnError:
		o.skipTransitiveDependents(step.ID)
	default: // FailFast, and Retry after exhaustion
		o.mu.Lock()
		o.failFast = true
		o.mu.Unlock()
		o.skipAllPending()
	}
}

// skipTransitiveDependents marks every step reachable from failedID
// through the dependents graph Skipped, provided it is still Pending.
func (o *Orchestrator) skipTransitiveDependents(failedID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var visit func(id string)
	visit = func(id string) {
		for _, depID := range o.dependents[id] {
			dep := o.stepByID(depID)
			if dep == nil || dep.State != Pending {
				continue
			}
			dep.State = StepSkipped
			visit(depID)
		}
	}
	visit(failedID)
}

// skipAllPending marks every still-Pending step Skipped. Used once
// FailFast (or Retry-exhausted) halts new dispatch: no step already
// Running is touched, matching "in-flight steps are allowed to
// complete."
func (o *Orchestrator) skipAllPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.wf.Steps {
		if s.State == Pending {
			s.State = StepSkipped
		}
	}
}

func (o *Orchestrator) notifyStepDone() {
	select {
	case o.stepDone <- struct{}{}:
	default:
	}
}

// requestCancel signals cancellation to the running scheduling loop and
// to any in-flight Dispatch calls via runCtx.
func (o *Orchestrator) requestCancel() {
	o.mu.Lock()
	already := o.cancelled
	o.cancelled = true
	o.mu.Unlock()
	if already {
		return
	}
	close(o.cancelCh)
	if o.runCancel != nil {
		o.runCancel()
	}
}

// Cancel requests cancellation of the owned Workflow. Safe to call
// concurrently and more than once.
func (o *Orchestrator) Cancel() {
	o.requestCancel()
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// applyCancellation marks every Pending step Skipped and every Running
// step Failed (with a cancellation error), then transitions the
// Workflow to Cancelled.
func (o *Orchestrator) applyCancellation() {
	o.mu.Lock()
	now := time.Now()
	for _, s := range o.wf.Steps {
		switch s.State {
		case Pending:
			s.State = StepSkipped
		case StepRunning:
			s.State = StepFailed
			s.Error = "cancelled"
			s.CompletedAt = now
		}
	}
	o.wf.State = Cancelled
	o.wf.UpdatedAt = now
	o.mu.Unlock()
}

// finalize computes the Workflow's terminal state once no step is
// Pending or Running: Failed if any step Failed, Completed otherwise.
func (o *Orchestrator) finalize() {
	o.mu.Lock()
	defer o.mu.Unlock()

	anyFailed := false
	for _, s := range o.wf.Steps {
		if s.State == StepFailed {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		o.wf.State = Failed
	} else {
		o.wf.State = Completed
	}
	o.wf.UpdatedAt = time.Now()
}

// Snapshot returns an immutable View of the owned Workflow. Safe to
// call concurrently with Run; the lock is held only long enough to copy.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	steps := make([]StepView, len(o.wf.Steps))
	for i, s := range o.wf.Steps {
		steps[i] = snapshotStep(s)
	}
	return View{
		ID:           o.wf.ID,
		TemplateName: o.wf.TemplateName,
		SubmittedAt:  o.wf.SubmittedAt,
		UpdatedAt:    o.wf.UpdatedAt,
		State:        o.wf.State,
		Steps:        steps,
	}
}
