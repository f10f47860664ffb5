package analyzer

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

func msg(dir domain.Direction, daysAgo int, subject, body string, thread string, now time.Time) domain.Message {
	return domain.Message{
		AccountID: uuid.New(),
		Direction: dir,
		Timestamp: now.Add(-time.Duration(daysAgo) * 24 * time.Hour),
		Subject:   subject,
		Body:      body,
		ThreadID:  thread,
	}
}

func TestAttemptedVC(t *testing.T) {
	now := time.Now()
	messages := []domain.Message{
		msg(domain.DirectionOutbound, 30, "intro", string(make([]byte, 500)), "t1", now),
	}
	result := Analyze(messages, "", now, NewConfig(0, 0))
	if result.Status != domain.StatusAttempted {
		t.Fatalf("expected attempted, got %s", result.Status)
	}
	if result.EngagementScore > 0.15 {
		t.Fatalf("expected engagement_score <= 0.15, got %f", result.EngagementScore)
	}
}

func TestEstablishedPartner(t *testing.T) {
	now := time.Now()
	var messages []domain.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, msg(domain.DirectionOutbound, 90-i*9, "project", "let's discuss the roadmap", "t1", now))
	}
	for i := 0; i < 8; i++ {
		messages = append(messages, msg(domain.DirectionInbound, 89-i*9, "re: project", "Sounds great, here is my detailed take on the roadmap and next steps for the quarter.", "t1", now))
	}
	messages = append(messages, msg(domain.DirectionInbound, 5, "re: project", "Following up with more substantial thoughts on timelines.", "t1", now))
	result := Analyze(messages, "", now, NewConfig(0, 0))
	if result.Status != domain.StatusEstablished {
		t.Fatalf("expected established, got %s", result.Status)
	}
	if result.EngagementScore < 0.7 {
		t.Fatalf("expected engagement_score >= 0.7, got %f", result.EngagementScore)
	}
}

func TestDormant(t *testing.T) {
	now := time.Now()
	var messages []domain.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, msg(domain.DirectionOutbound, 250+i, "catch up", "hey how's things going, lots to share", "t1", now))
		messages = append(messages, msg(domain.DirectionInbound, 249+i, "re: catch up", "great to hear from you, let's find time to talk about it in depth", "t1", now))
	}
	result := Analyze(messages, domain.StatusOngoing, now, NewConfig(0, 0))
	if result.Status != domain.StatusDormant {
		t.Fatalf("expected dormant, got %s", result.Status)
	}
}

func TestDeterminism(t *testing.T) {
	now := time.Now()
	messages := []domain.Message{
		msg(domain.DirectionOutbound, 5, "hi", "hello there", "t1", now),
		msg(domain.DirectionInbound, 4, "re: hi", "hello back", "t1", now),
	}
	r1 := Analyze(messages, "", now, NewConfig(0, 0))
	r2 := Analyze(messages, "", now, NewConfig(0, 0))
	if r1.Status != r2.Status || r1.EngagementScore != r2.EngagementScore {
		t.Fatalf("analyzer is not deterministic: %+v vs %+v", r1, r2)
	}
}
