package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpPublishDoesNotPanic(t *testing.T) {
	var p Publisher = NoOp{}
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "conductor.workflow.events", Event{
			Type:       WorkflowSubmitted,
			WorkflowID: "wf-1",
			Template:   "blog_post_campaign",
			OccurredAt: time.Unix(0, 0),
		})
	})
}

func TestEventRoundTripsThroughJSON(t *testing.T) {
	e := Event{
		Type:       WorkflowCompleted,
		WorkflowID: "wf-2",
		Template:   "content_analysis",
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}

	payload, err := json.Marshal(e)
	assert.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"workflow.completed"`)
	assert.Contains(t, string(payload), `"workflow_id":"wf-2"`)
}
