// Package webhook delivers a workflow's terminal-state notification to
// an external URL, per spec.md §3/§6's optional completion-notification
// target. Delivery is best-effort: failures are logged, never returned
// to the Supervisor whose workflow completed.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowforge/conductor/core"
)

// Payload is the body posted to a workflow's NotificationWebhook on
// completion.
type Payload struct {
	WorkflowID   string    `json:"workflow_id"`
	TemplateName string    `json:"template_name"`
	State        string    `json:"state"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers one terminal-state Payload to url.
type Notifier interface {
	Notify(ctx context.Context, url string, payload Payload)
}

// NoOp discards every notification. Used when a workflow carries no
// NotificationWebhook.
type NoOp struct{}

func (NoOp) Notify(ctx context.Context, url string, payload Payload) {}

// Config tunes an HTTPNotifier. Defaults follow the retry/timeout shape
// the original integration service's webhook processor uses for
// outbound delivery (30s per-attempt timeout, retry on transient
// failure) — its circuit-breaker-per-sink and rule-based routing engine
// are not reused here: a single best-effort POST per terminal workflow
// has no request volume to justify per-sink circuit breaking, and there
// is exactly one routing destination (the URL the submitter gave us),
// not a rule engine to evaluate.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	Logger     core.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	return c
}

// HTTPNotifier POSTs Payload as JSON to the target URL, retrying
// transient failures (connection errors, timeouts, 5xx, 408, 429) with
// exponential backoff up to Config.MaxRetries. Other 4xx responses are
// treated as permanent and not retried.
type HTTPNotifier struct {
	cfg    Config
	client *http.Client
}

// NewHTTPNotifier builds an HTTPNotifier from cfg.
func NewHTTPNotifier(cfg Config) *HTTPNotifier {
	cfg = cfg.withDefaults()
	return &HTTPNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Notify delivers payload to url, logging and swallowing any failure
// once retries are exhausted.
func (n *HTTPNotifier) Notify(ctx context.Context, url string, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.cfg.Logger.Error("webhook: failed to marshal payload", map[string]interface{}{
			"workflow_id": payload.WorkflowID,
			"error":       err.Error(),
		})
		return
	}

	delay := n.cfg.BaseDelay
	var lastErr error
retryLoop:
	for attempt := 1; attempt <= n.cfg.MaxRetries+1; attempt++ {
		err := n.post(ctx, url, body)
		if err == nil {
			return
		}
		lastErr = err
		if !isTransient(err) || attempt > n.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			break retryLoop
		case <-timer.C:
		}
		delay *= 2
	}

	n.cfg.Logger.Warn("webhook: delivery failed, giving up", map[string]interface{}{
		"workflow_id": payload.WorkflowID,
		"url":         url,
		"error":       lastErr.Error(),
	})
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

func (n *HTTPNotifier) post(ctx context.Context, url string, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err // malformed URL: permanent, not retried
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
}
