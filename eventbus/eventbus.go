// Package eventbus publishes Workflow lifecycle events (submitted,
// completed, failed, cancelled) so external systems can observe
// Supervisor activity without polling. A Redis-backed Publisher is the
// production path; NoOp is used when no event sink is configured.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowforge/conductor/core"
)

// EventType names one lifecycle transition a Workflow can emit.
type EventType string

const (
	WorkflowSubmitted EventType = "workflow.submitted"
	WorkflowCompleted EventType = "workflow.completed"
	WorkflowFailed    EventType = "workflow.failed"
	WorkflowCancelled EventType = "workflow.cancelled"
)

// Event is one published lifecycle notification.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	Template   string    `json:"template_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle Events. Implementations must not block the
// Supervisor on a slow or unavailable sink; Publish errors are logged,
// not propagated to the caller whose workflow state change triggered
// them.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event)
}

// NoOp discards every event. The default when no event sink is
// configured.
type NoOp struct{}

func (NoOp) Publish(ctx context.Context, channel string, event Event) {}

// RedisPublisher publishes events to a Redis pub/sub channel as JSON.
type RedisPublisher struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisPublisher wraps an existing Redis client. client is not
// owned by the Publisher; the caller manages its lifecycle.
func NewRedisPublisher(client *redis.Client, logger core.Logger) *RedisPublisher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish marshals event and publishes it to channel. Failures are
// logged and swallowed: event delivery is best-effort and must never
// block or fail workflow lifecycle processing.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("eventbus: failed to marshal event", map[string]interface{}{
			"event_type": event.Type,
			"error":      err.Error(),
		})
		return
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn("eventbus: failed to publish event", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
	}
}
