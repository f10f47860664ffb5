package out

import "context"

// Event is published for job transitions and tree updates. The
// core treats the sink as best-effort: publish failures are swallowed
// with a warning by the caller, never propagated as pipeline errors.
type Event struct {
	Type      string         `json:"type"`
	AccountID string         `json:"account_id"`
	JobID     string         `json:"job_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	EventJobTransitioned = "job.transitioned"
	EventTreeUpdated     = "tree.updated"
)

// EventSink is the optional collaborator that fans out notifications.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}
