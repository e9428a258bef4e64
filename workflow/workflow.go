// Package workflow implements the Workflow/Step domain model and the
// Workflow Orchestrator: the component that owns one running workflow,
// schedules steps whose dependencies are satisfied, routes each
// dispatch through the Dispatcher, applies the configured failure
// strategy, and exposes lock-free snapshot reads.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/conductor/template"
)

// State is a Workflow's lifecycle state.
type State string

const (
	Queued    State = "Queued"
	Running   State = "Running"
	Completed State = "Completed"
	Failed    State = "Failed"
	Cancelled State = "Cancelled"
)

// StepState is a Step's lifecycle state. Legal transitions are
// Pending->Running->{Completed|Failed}, or Pending->Skipped.
type StepState string

const (
	Pending        StepState = "Pending"
	StepRunning    StepState = "Running"
	StepCompleted  StepState = "Completed"
	StepFailed     StepState = "Failed"
	StepSkipped    StepState = "Skipped"
)

// FailureStrategy controls how the Orchestrator reacts to a step
// Failure.
type FailureStrategy string

const (
	// FailFast cancels un-dispatched Pending steps on the first
	// Failure; in-flight steps are allowed to complete but no new
	// dispatch occurs.
	FailFast FailureStrategy = "FailFast"
	// ContinueOnError records the Failure, marks transitive dependents
	// Skipped, and continues independent branches.
	ContinueOnError FailureStrategy = "ContinueOnError"
	// Retry re-dispatches a Failed step up to MaxStepRetries with
	// backoff before falling through to FailFast semantics.
	Retry FailureStrategy = "Retry"
)

// Options are per-submission overrides passed in at Workflow creation.
type Options struct {
	OverallTimeout      time.Duration
	FailureStrategy     FailureStrategy
	MaxConcurrentSteps  int
	MaxStepRetries      int
	NotificationWebhook string
}

func (o Options) withDefaults() Options {
	if o.FailureStrategy == "" {
		o.FailureStrategy = FailFast
	}
	if o.MaxConcurrentSteps <= 0 {
		o.MaxConcurrentSteps = 8
	}
	if o.MaxStepRetries <= 0 {
		o.MaxStepRetries = 2
	}
	return o
}

// Step is one dynamic unit of work within a Workflow.
type Step struct {
	ID         string
	Name       string
	Capability string
	Endpoint   string
	Parameters map[string]interface{}
	DependsOn  []string
	Priority   int
	MaxRetries int
	Timeout    time.Duration

	State       StepState
	Result      interface{}
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int

	declOrder int
}

func (s *Step) durationMs() int64 {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt).Milliseconds()
}

// Workflow is one submission's full dynamic state.
type Workflow struct {
	ID           string
	TemplateName string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
	State        State
	Steps        []*Step
	Options      Options
}

// NewFromDAG builds a Queued Workflow from a Template Expander DAG.
func NewFromDAG(dag *template.DAG, opts Options) *Workflow {
	opts = opts.withDefaults()
	steps := make([]*Step, len(dag.Steps))
	for i, s := range dag.Steps {
		timeout := time.Duration(s.Timeout) * time.Second
		steps[i] = &Step{
			ID:         s.ID,
			Name:       s.Name,
			Capability: s.Capability,
			Endpoint:   s.Endpoint,
			Parameters: s.Parameters,
			DependsOn:  append([]string(nil), s.DependsOn...),
			Priority:   s.Priority,
			MaxRetries: s.MaxRetries,
			Timeout:    timeout,
			State:      Pending,
			declOrder:  i,
		}
	}
	now := time.Now()
	return &Workflow{
		ID:           uuid.NewString(),
		TemplateName: dag.TemplateName,
		SubmittedAt:  now,
		UpdatedAt:    now,
		State:        Queued,
		Steps:        steps,
		Options:      opts,
	}
}

// StepView is an immutable snapshot of one Step.
type StepView struct {
	ID          string
	Name        string
	Capability  string
	Endpoint    string
	DependsOn   []string
	State       StepState
	Result      interface{}
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	RetryCount  int
}

// View is an immutable snapshot of a Workflow, safe to read without
// further synchronization.
type View struct {
	ID           string
	TemplateName string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
	State        State
	Steps        []StepView
}

func snapshotStep(s *Step) StepView {
	return StepView{
		ID:          s.ID,
		Name:        s.Name,
		Capability:  s.Capability,
		Endpoint:    s.Endpoint,
		DependsOn:   append([]string(nil), s.DependsOn...),
		State:       s.State,
		Result:      s.Result,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		DurationMs:  s.durationMs(),
		RetryCount:  s.RetryCount,
	}
}

// ResultJSON marshals a step's result to JSON, mainly for API layers
// that need a wire representation of a View.
func (v StepView) ResultJSON() (json.RawMessage, error) {
	if v.Result == nil {
		return nil, nil
	}
	return json.Marshal(v.Result)
}
