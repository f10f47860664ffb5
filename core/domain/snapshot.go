package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrganizedSnapshot is the sole input to Phase 2: a cheap, LLM-free
// structured summary of all organized mail at a point in time.
// Snapshots are append-only; the Store retains the last S (default 5)
// for diffing and rollback.
type OrganizedSnapshot struct {
	SnapshotID      string                        `json:"snapshot_id"`
	AccountID       uuid.UUID                     `json:"account_id"`
	GeneratedAt     time.Time                     `json:"generated_at"`
	MessageCount    int                           `json:"message_count"`
	Fingerprint     string                        `json:"fingerprint"`
	Topics          []TopicSummary                `json:"topics"`
	ContactMatrix   map[string]ContactMatrixEntry `json:"contact_matrix"`
	ContactToTopics map[string][]string           `json:"contact_to_topics"`
	TopicToContacts map[string][]string           `json:"topic_to_contacts"`
}

// ContactMatrixEntry is the Organizer's per-contact cross-reference row,
// drawn from the Analyzer's output.
type ContactMatrixEntry struct {
	Address         string             `json:"address"`
	Status          RelationshipStatus `json:"status"`
	EngagementScore float64            `json:"engagement_score"`
}

// MessagesInSnapshot returns the set of message ids referenced by any
// topic in the snapshot, used to enforce evidence soundness.
func (s *OrganizedSnapshot) MessagesInSnapshot() map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, t := range s.Topics {
		for _, ref := range t.MessageRefs {
			out[ref] = struct{}{}
		}
	}
	return out
}
