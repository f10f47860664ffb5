package domain

import "time"

// TopicSummary aggregates Messages and Contacts into a compact,
// LLM-free structured unit. Produced by the Organizer, versioned per
// snapshot.
type TopicSummary struct {
	TopicID        string          `json:"topic_id"`
	Label          string          `json:"label"`
	Participants   []string        `json:"participants"`
	MessageRefs    []int64         `json:"message_refs"`
	SpanFrom       time.Time       `json:"span_from"`
	SpanTo         time.Time       `json:"span_to"`
	KeyPoints      []string        `json:"key_points"`
	BusinessDomain string          `json:"business_domain"`
	StatusMatrix   map[string]RelationshipStatus `json:"status_matrix"` // address -> status at organize time
}
