package mongodoc

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

func TestSnapshotDocRoundTrip(t *testing.T) {
	accountID := uuid.New()
	snap := domain.OrganizedSnapshot{
		SnapshotID:   "snap-1",
		AccountID:    accountID,
		GeneratedAt:  time.Now().UTC().Round(time.Nanosecond),
		MessageCount: 42,
		Fingerprint:  "abc123",
		Topics: []domain.TopicSummary{
			{TopicID: "topic-1", Label: "Acme deal"},
		},
		ContactMatrix: map[string]domain.ContactMatrixEntry{
			"a@example.com": {Address: "a@example.com", EngagementScore: 0.8},
		},
	}

	doc := toSnapshotDoc(accountID, snap)
	if doc.AccountID != accountID.String() {
		t.Fatalf("account id not preserved: %s", doc.AccountID)
	}

	got := doc.toDomain()
	if got.SnapshotID != snap.SnapshotID || got.AccountID != accountID || got.Fingerprint != snap.Fingerprint {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.GeneratedAt.Equal(snap.GeneratedAt) {
		t.Fatalf("generated_at mismatch: want %v got %v", snap.GeneratedAt, got.GeneratedAt)
	}
	if len(got.Topics) != 1 || got.Topics[0].TopicID != "topic-1" {
		t.Fatalf("topics not preserved: %+v", got.Topics)
	}
}

func TestTreeDocRoundTrip(t *testing.T) {
	accountID := uuid.New()
	tree := domain.KnowledgeTree{
		TreeID:           "tree-1",
		GeneratedAt:      time.Now().UTC().Round(time.Nanosecond),
		SourceSnapshotID: "snap-1",
		Version:          2,
		Nodes: []domain.TreeNode{
			{ID: "n1", Kind: "topic", Label: "Acme deal"},
		},
		Edges: []domain.TreeEdge{
			{FromNodeID: "n1", ToNodeID: "n2", Weight: 0.5},
		},
		FailedAnalysts: []domain.AnalystKind{domain.AnalystKind("predictive")},
	}

	doc := toTreeDoc(accountID, tree)
	if doc.AccountID != accountID.String() {
		t.Fatalf("account id not preserved: %s", doc.AccountID)
	}

	got := doc.toDomain()
	if got.TreeID != tree.TreeID || got.SourceSnapshotID != tree.SourceSnapshotID || got.Version != tree.Version {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.FailedAnalysts) != 1 || got.FailedAnalysts[0] != domain.AnalystKind("predictive") {
		t.Fatalf("failed analysts not preserved: %+v", got.FailedAnalysts)
	}
	if len(got.Nodes) != 1 || len(got.Edges) != 1 {
		t.Fatalf("nodes/edges not preserved: %+v", got)
	}
}

func TestMustParseUUIDFallsBackToNil(t *testing.T) {
	if got := mustParseUUID("not-a-uuid"); got != uuid.Nil {
		t.Fatalf("expected uuid.Nil for invalid input, got %s", got)
	}
}
