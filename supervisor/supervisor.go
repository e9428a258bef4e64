// Package supervisor implements the Workflow Supervisor: multiplexes
// many concurrent workflows, routes submissions/lookups/cancels by
// workflow ID, and enforces the global in-flight workflow ceiling.
package supervisor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/eventbus"
	"github.com/flowforge/conductor/template"
	"github.com/flowforge/conductor/webhook"
	"github.com/flowforge/conductor/workflow"
)

// Config tunes one Supervisor.
type Config struct {
	// MaxConcurrentWorkflows is the admission ceiling on non-terminal
	// workflows; submissions beyond it fail with KindOverloaded rather
	// than blocking.
	MaxConcurrentWorkflows int
	// TerminalRetention bounds how many terminal workflows stay queryable
	// after completion, evicted LRU once exceeded.
	TerminalRetention int
	// EventChannel is the pub/sub channel lifecycle events publish to.
	EventChannel string
	Publisher    eventbus.Publisher
	// Webhook delivers a terminal workflow's NotificationWebhook, when
	// set, its completion state. Defaults to a no-op.
	Webhook   webhook.Notifier
	Logger    core.Logger
	Telemetry core.Telemetry
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = 200
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10000
	}
	if c.EventChannel == "" {
		c.EventChannel = "conductor.workflow.events"
	}
	if c.Publisher == nil {
		c.Publisher = eventbus.NoOp{}
	}
	if c.Webhook == nil {
		c.Webhook = webhook.NoOp{}
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &core.NoOpTelemetry{}
	}
	return c
}

// SubmitOptions mirrors the external submission options from spec.md
// §6's HTTP contract, translated into workflow.Options at admission
// time.
type SubmitOptions struct {
	TimeoutSeconds      int
	FailureStrategy     workflow.FailureStrategy
	MaxConcurrentSteps  int
	MaxStepRetries      int
	NotificationWebhook string
}

func (o SubmitOptions) toWorkflowOptions() workflow.Options {
	return workflow.Options{
		OverallTimeout:      time.Duration(o.TimeoutSeconds) * time.Second,
		FailureStrategy:     o.FailureStrategy,
		MaxConcurrentSteps:  o.MaxConcurrentSteps,
		MaxStepRetries:      o.MaxStepRetries,
		NotificationWebhook: o.NotificationWebhook,
	}
}

// entry is what the Supervisor tracks per workflow: the live
// Orchestrator while non-terminal, and an LRU element once terminal.
type entry struct {
	orchestrator *workflow.Orchestrator
	lruElem      *list.Element // non-nil only once terminal and tracked for eviction
}

// Supervisor multiplexes many concurrent Orchestrators.
type Supervisor struct {
	cfg     Config
	catalog *template.Catalog
	dispatcher *dispatch.Dispatcher

	// runCtx is the lifetime context every Orchestrator.Run is launched
	// under. It is deliberately independent of any HTTP request context:
	// submission is non-blocking (spec §4.8) and a workflow must keep
	// running after handleSubmit's response is written and net/http
	// cancels the request context. runCancel tears every in-flight
	// workflow down together on process shutdown (Close).
	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	entries     map[string]*entry
	nonTerminal int
	lru         *list.List // front = most recently touched terminal entry
}

// New creates a Supervisor that expands templates from catalog and
// dispatches steps through d.
func New(catalog *template.Catalog, d *dispatch.Dispatcher, cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		catalog:    catalog,
		dispatcher: d,
		runCtx:     runCtx,
		runCancel:  runCancel,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}
}

// Close cancels every workflow still running under this Supervisor.
// Call once on process shutdown.
func (s *Supervisor) Close() {
	s.runCancel()
}

// Submit expands templateName against params, admits the resulting
// workflow if the non-terminal ceiling allows it, and launches its
// Orchestrator concurrently. Returns the new workflow's ID immediately;
// submission never blocks on workflow execution.
func (s *Supervisor) Submit(ctx context.Context, templateName string, params map[string]interface{}, opts SubmitOptions) (string, error) {
	s.mu.Lock()
	if s.nonTerminal >= s.cfg.MaxConcurrentWorkflows {
		s.mu.Unlock()
		return "", core.NewFrameworkError("supervisor.Submit", core.KindOverloaded, core.ErrWorkflowQueueFull)
	}
	s.mu.Unlock()

	dag, err := s.catalog.Expand(templateName, params)
	if err != nil {
		return "", err
	}

	wf := workflow.NewFromDAG(dag, opts.toWorkflowOptions())
	o := workflow.NewWithDispatcher(wf, s.dispatcher, workflow.Config{Logger: s.cfg.Logger, Telemetry: s.cfg.Telemetry})

	s.mu.Lock()
	if s.nonTerminal >= s.cfg.MaxConcurrentWorkflows {
		s.mu.Unlock()
		return "", core.NewFrameworkError("supervisor.Submit", core.KindOverloaded, core.ErrWorkflowQueueFull)
	}
	s.entries[wf.ID] = &entry{orchestrator: o}
	s.nonTerminal++
	s.mu.Unlock()

	s.cfg.Publisher.Publish(ctx, s.cfg.EventChannel, eventbus.Event{
		Type:       eventbus.WorkflowSubmitted,
		WorkflowID: wf.ID,
		Template:   templateName,
		OccurredAt: time.Now(),
	})

	// Run lives under the Supervisor's own lifetime context, not ctx:
	// ctx belongs to the inbound request and net/http cancels it the
	// moment handleSubmit returns, which would force-cancel every
	// workflow microseconds after submission. Only admission work above
	// (template expansion, the event publish below) may use the caller's
	// ctx.
	go s.run(wf.ID, o, templateName, wf.Options.NotificationWebhook)

	return wf.ID, nil
}

// run drives one Orchestrator to completion, then retires it into the
// terminal LRU, publishes a lifecycle event, and delivers
// webhookURL's completion notification if one was given at submission.
// It runs under the Supervisor's own lifetime context so it outlives
// the HTTP request that triggered Submit.
func (s *Supervisor) run(id string, o *workflow.Orchestrator, templateName, webhookURL string) {
	o.Run(s.runCtx)

	snap := o.Snapshot()
	eventType := eventbus.WorkflowCompleted
	switch snap.State {
	case workflow.Failed:
		eventType = eventbus.WorkflowFailed
	case workflow.Cancelled:
		eventType = eventbus.WorkflowCancelled
	}

	s.retire(id)

	s.cfg.Publisher.Publish(s.runCtx, s.cfg.EventChannel, eventbus.Event{
		Type:       eventType,
		WorkflowID: id,
		Template:   templateName,
		OccurredAt: time.Now(),
	})

	if webhookURL != "" {
		s.cfg.Webhook.Notify(s.runCtx, webhookURL, webhook.Payload{
			WorkflowID:   id,
			TemplateName: templateName,
			State:        string(snap.State),
			OccurredAt:   time.Now(),
		})
	}
}

// retire moves a now-terminal workflow from the active count into the
// bounded LRU, evicting the oldest terminal entry if over capacity.
func (s *Supervisor) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	s.nonTerminal--
	e.lruElem = s.lru.PushFront(id)

	for s.lru.Len() > s.cfg.TerminalRetention {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(string))
	}
}

// Get returns a snapshot of workflowID, or false if unknown or already
// evicted from the terminal LRU.
func (s *Supervisor) Get(workflowID string) (workflow.View, bool) {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	if ok && e.lruElem != nil {
		s.lru.MoveToFront(e.lruElem)
	}
	s.mu.Unlock()
	if !ok {
		return workflow.View{}, false
	}
	return e.orchestrator.Snapshot(), true
}

// Cancel requests cancellation of workflowID's Orchestrator. Returns a
// KindValidation error if the workflow is unknown; no-op if it is already
// terminal.
func (s *Supervisor) Cancel(workflowID string) error {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	s.mu.Unlock()
	if !ok {
		return core.NewFrameworkError("supervisor.Cancel", core.KindValidation, core.ErrServerNotFound)
	}
	e.orchestrator.Cancel()
	return nil
}

// Filter narrows List's results.
type Filter struct {
	State        workflow.State
	TemplateName string
}

func (f Filter) matches(v workflow.View) bool {
	if f.State != "" && v.State != f.State {
		return false
	}
	if f.TemplateName != "" && v.TemplateName != f.TemplateName {
		return false
	}
	return true
}

// List returns snapshots of every tracked workflow matching filter.
func (s *Supervisor) List(filter Filter) []workflow.View {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]workflow.View, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Get(id); ok && filter.matches(snap) {
			out = append(out, snap)
		}
	}
	return out
}
