package analyst

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowledgetree/core/domain"
)

type fakeClient struct {
	response string
	err      error
	calls    int32
}

func (f *fakeClient) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.response, f.err
}

type rateLimitedErr struct{ retryAfter time.Duration }

func (e rateLimitedErr) Error() string             { return "rate limited" }
func (e rateLimitedErr) RetryAfter() time.Duration { return e.retryAfter }

func snapshot() *domain.OrganizedSnapshot {
	return &domain.OrganizedSnapshot{
		SnapshotID: "snap-1",
		Topics: []domain.TopicSummary{
			{TopicID: "topic-1", BusinessDomain: "sales", Label: "pricing talk", Participants: []string{"a@x.com"}, KeyPoints: []string{"discount requested"}},
		},
	}
}

func TestRunParsesValidFindings(t *testing.T) {
	client := &fakeClient{response: `{"findings":[{"category":"risk","content":"deal at risk","confidence":0.8,"evidence":[1,2]}]}`}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	findings, err := Run(context.Background(), client, Registry()[0], snapshot(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 1 || findings[0].Category != "risk" {
		t.Fatalf("expected one risk finding, got %+v", findings)
	}
}

func TestRunReasksOnceOnInvalidJSON(t *testing.T) {
	client := &fakeClient{response: "not json"}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	findings, err := Run(context.Background(), client, Registry()[0], snapshot(), cfg, nil)
	if err != nil {
		t.Fatalf("invalid json should be a non-fatal empty result, got error: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected empty findings after failed reask, got %+v", findings)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly one reask (2 calls total), got %d", client.calls)
	}
}

func TestRunRetriesTransportErrorsThenSucceeds(t *testing.T) {
	attempts := 0
	client := &retryingClient{
		fn: func() (string, error) {
			attempts++
			if attempts < 2 {
				return "", errors.New("transport reset")
			}
			return `{"findings":[]}`, nil
		},
	}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	cfg.Timeout = time.Second
	_, err := Run(context.Background(), client, Registry()[0], snapshot(), cfg, nil)
	if err != nil {
		t.Fatalf("expected eventual success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

type retryingClient struct {
	fn func() (string, error)
}

func (c *retryingClient) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	return c.fn()
}

func TestRunPoolCoversAllFiveKinds(t *testing.T) {
	client := &fakeClient{response: `{"findings":[{"category":"risk","content":"x","confidence":0.5,"evidence":[1]}]}`}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	result := RunPool(context.Background(), client, snapshot(), cfg, nil)
	if len(result.Failed) != 0 {
		t.Fatalf("expected no failures, got %+v", result.Failed)
	}
	if len(result.Findings) != len(domain.AllAnalystKinds) {
		t.Fatalf("expected one finding per analyst, got %d", len(result.Findings))
	}
	for i := 1; i < len(result.Findings); i++ {
		prev := result.Findings[i-1].AnalystKind
		cur := result.Findings[i].AnalystKind
		var prevIdx, curIdx int
		for k, kind := range domain.AllAnalystKinds {
			if kind == prev {
				prevIdx = k
			}
			if kind == cur {
				curIdx = k
			}
		}
		if prevIdx > curIdx {
			t.Fatalf("findings not ordered by fixed analyst-kind order")
		}
	}
}

func TestCompleteWithRetryWaitsOutRateLimit(t *testing.T) {
	attempts := 0
	client := &retryingClientWithErr{
		fn: func() (string, error) {
			attempts++
			if attempts == 1 {
				return "", rateLimitedErr{retryAfter: 10 * time.Millisecond}
			}
			return `{"findings":[]}`, nil
		},
	}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	text, err := completeWithRetry(context.Background(), client, "prompt", cfg)
	if err != nil {
		t.Fatalf("expected rate-limit wait to resolve into success, got %v", err)
	}
	if text != `{"findings":[]}` {
		t.Fatalf("unexpected completion text: %s", text)
	}
}

type retryingClientWithErr struct {
	fn func() (string, error)
}

func (c *retryingClientWithErr) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	return c.fn()
}

type fakeLimiter struct {
	mu       sync.Mutex
	denyOnce map[string]bool
	seen     []string
}

func (l *fakeLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, key)
	if l.denyOnce[key] {
		l.denyOnce[key] = false
		return false, 5 * time.Millisecond
	}
	return true, 0
}

func TestRunWaitsForRateLimiterSlot(t *testing.T) {
	client := &fakeClient{response: `{"findings":[]}`}
	cfg := NewConfig(5, 3, 0.3, 32000, 4000)
	a := Registry()[0]
	limiter := &fakeLimiter{denyOnce: map[string]bool{string(a.Kind): true}}

	_, err := Run(context.Background(), client, a, snapshot(), cfg, limiter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limiter.seen) < 2 {
		t.Fatalf("expected Allow to be consulted at least twice (deny then allow), got %d calls", len(limiter.seen))
	}
	if client.calls != 1 {
		t.Fatalf("expected the LLM call to happen only once the limiter allowed it, got %d calls", client.calls)
	}
}

func TestRunPoolToleratesPartialFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	cfg := NewConfig(5, 1, 0.3, 32000, 4000)
	cfg.Timeout = time.Second
	result := RunPool(context.Background(), client, snapshot(), cfg, nil)
	if len(result.Failed) != len(domain.AllAnalystKinds) {
		t.Fatalf("expected all analysts to fail, got %d", len(result.Failed))
	}
	if len(result.Findings) != 0 {
		t.Fatalf("expected no findings on total failure, got %+v", result.Findings)
	}
}
