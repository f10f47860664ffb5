package synthesizer

import (
	"testing"
	"time"

	"knowledgetree/core/domain"
)

func TestDedupeMergesSimilarFindings(t *testing.T) {
	snapshot := &domain.OrganizedSnapshot{
		SnapshotID: "snap-1",
		Topics:     []domain.TopicSummary{{TopicID: "topic-1", BusinessDomain: "sales"}},
	}
	findings := []domain.AnalystFinding{
		{AnalystKind: domain.AnalystBusinessStrategy, Topic: "topic-1", Content: "the deal is at risk of stalling", Confidence: 0.6, Evidence: []int64{1, 2}},
		{AnalystKind: domain.AnalystRelationshipDynamics, Topic: "topic-1", Content: "The deal is at risk of stalls.", Confidence: 0.5, Evidence: []int64{2, 3}},
	}
	tree := Synthesize("tree-1", time.Now(), snapshot, findings, nil, 1)

	var findingNodes int
	for _, n := range tree.Nodes {
		if n.Kind == "finding" {
			findingNodes++
		}
	}
	if findingNodes != 1 {
		t.Fatalf("expected the two similar findings to merge into one node, got %d", findingNodes)
	}
}

func TestCrossDomainEdgeOnSharedEvidence(t *testing.T) {
	snapshot := &domain.OrganizedSnapshot{
		SnapshotID: "snap-1",
		Topics: []domain.TopicSummary{
			{TopicID: "topic-1", BusinessDomain: "sales"},
			{TopicID: "topic-2", BusinessDomain: "engineering"},
		},
	}
	findings := []domain.AnalystFinding{
		{AnalystKind: domain.AnalystBusinessStrategy, Topic: "topic-1", Content: "pricing negotiation heating up", Confidence: 0.7, Evidence: []int64{10, 11}},
		{AnalystKind: domain.AnalystTechnicalEvolution, Topic: "topic-2", Content: "architecture migration unrelated text entirely", Confidence: 0.7, Evidence: []int64{10, 11}},
	}
	tree := Synthesize("tree-1", time.Now(), snapshot, findings, nil, 1)
	if len(tree.Edges) != 1 {
		t.Fatalf("expected one cross-domain edge, got %d", len(tree.Edges))
	}
	if tree.Edges[0].Weight != 1 {
		t.Fatalf("expected weight 1 (2 shared / min(2,2)), got %f", tree.Edges[0].Weight)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	snapshot := &domain.OrganizedSnapshot{SnapshotID: "snap-1", Topics: []domain.TopicSummary{{TopicID: "topic-1", BusinessDomain: "sales"}}}
	findings := []domain.AnalystFinding{
		{AnalystKind: domain.AnalystBusinessStrategy, Topic: "topic-1", Content: "alpha signal", Confidence: 0.9, Evidence: []int64{1}},
		{AnalystKind: domain.AnalystPredictive, Topic: "topic-1", Content: "beta signal", Confidence: 0.4, Evidence: []int64{2}},
	}
	now := time.Now()
	t1 := Synthesize("tree-1", now, snapshot, findings, nil, 1)
	t2 := Synthesize("tree-1", now, snapshot, findings, nil, 1)
	if len(t1.Nodes) != len(t2.Nodes) {
		t.Fatalf("node count differs across identical runs")
	}
	for i := range t1.Nodes {
		if t1.Nodes[i].ID != t2.Nodes[i].ID {
			t.Fatalf("node ordering is not reproducible at index %d: %s vs %s", i, t1.Nodes[i].ID, t2.Nodes[i].ID)
		}
	}
}
