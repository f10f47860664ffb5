package organizer

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

func TestBuildGroupsSharedTopic(t *testing.T) {
	now := time.Now()
	acc := uuid.New()
	messages := []domain.Message{
		{ID: 1, AccountID: acc, Direction: domain.DirectionOutbound, Timestamp: now.Add(-48 * time.Hour), Subject: "Roadmap planning", Body: "Let's discuss the roadmap for next quarter in detail.", ThreadID: "t1", From: "me@x.com", To: []string{"a@y.com", "b@y.com"}},
		{ID: 2, AccountID: acc, Direction: domain.DirectionInbound, Timestamp: now.Add(-47 * time.Hour), Subject: "Re: Roadmap planning", Body: "Sounds good, sending thoughts on the roadmap shortly.", ThreadID: "t1", From: "a@y.com", To: []string{"me@x.com"}},
		{ID: 3, AccountID: acc, Direction: domain.DirectionOutbound, Timestamp: now.Add(-24 * time.Hour), Subject: "Roadmap planning follow up", Body: "Following up on the roadmap discussion from before.", ThreadID: "t2", From: "me@x.com", To: []string{"a@y.com", "b@y.com"}},
	}
	cfg := NewConfig(2, 2, nil)
	snap := Build(acc, "snap-1", now, messages, map[string]domain.ContactMatrixEntry{}, cfg)

	if len(snap.Topics) != 1 {
		t.Fatalf("expected the two threads to merge into one topic, got %d", len(snap.Topics))
	}
	if len(snap.Topics[0].MessageRefs) != 3 {
		t.Fatalf("expected 3 message refs, got %d", len(snap.Topics[0].MessageRefs))
	}
	if snap.Fingerprint == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
}

func TestFingerprintStableForSameInput(t *testing.T) {
	topics := []domain.TopicSummary{{TopicID: "topic-1", Participants: []string{"a@x.com"}, SpanTo: time.Unix(1000, 0)}}
	f1 := Fingerprint(topics, 5)
	f2 := Fingerprint(topics, 5)
	if f1 != f2 {
		t.Fatalf("fingerprint is not stable: %s vs %s", f1, f2)
	}
}
