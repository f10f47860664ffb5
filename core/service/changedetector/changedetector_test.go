package changedetector

import (
	"strings"
	"testing"

	"knowledgetree/core/domain"
)

func snap(fingerprint string, messageCount int, topicIDs ...string) *domain.OrganizedSnapshot {
	s := &domain.OrganizedSnapshot{Fingerprint: fingerprint, MessageCount: messageCount}
	for _, id := range topicIDs {
		s.Topics = append(s.Topics, domain.TopicSummary{TopicID: id})
	}
	return s
}

func TestDecideForceAlwaysRuns(t *testing.T) {
	prev := snap("f1", 100, "t1")
	d := Decide(prev, snap("f1", 100, "t1"), true, NewConfig(0))
	if !d.ShouldRun {
		t.Fatalf("force must always re-run, got %+v", d)
	}
}

func TestDecideNoPriorSnapshotRuns(t *testing.T) {
	d := Decide(nil, snap("f1", 10, "t1"), false, NewConfig(0))
	if !d.ShouldRun {
		t.Fatalf("first build must run, got %+v", d)
	}
}

func TestDecideUnchangedFingerprintReuses(t *testing.T) {
	prev := snap("f1", 100, "t1")
	d := Decide(prev, snap("f1", 100, "t1"), false, NewConfig(0))
	if d.ShouldRun {
		t.Fatalf("identical fingerprints must skip phase 2, got %+v", d)
	}
	if !strings.Contains(d.Reason, "reused") {
		t.Fatalf("reuse decision must say so, got %q", d.Reason)
	}
}

func TestDecideNewMessagesAboveThresholdRuns(t *testing.T) {
	prev := snap("f1", 100, "t1")
	current := snap("f2", 106, "t1")
	d := Decide(prev, current, false, NewConfig(5))
	if !d.ShouldRun {
		t.Fatalf("6%% new messages must trigger a rebuild, got %+v", d)
	}
}

func TestDecideNewMessagesBelowThresholdReuses(t *testing.T) {
	prev := snap("f1", 100, "t1")
	current := snap("f2", 102, "t1")
	d := Decide(prev, current, false, NewConfig(5))
	if d.ShouldRun {
		t.Fatalf("2%% new messages with no new topic must reuse, got %+v", d)
	}
}

func TestDecideNewTopicRuns(t *testing.T) {
	prev := snap("f1", 100, "t1")
	current := snap("f2", 101, "t1", "t2")
	d := Decide(prev, current, false, NewConfig(5))
	if !d.ShouldRun {
		t.Fatalf("one new topic must trigger a rebuild, got %+v", d)
	}
}
