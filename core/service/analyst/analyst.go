// Package analyst implements the Analyst Pool: a fixed set of
// specialized LLM analysts that consume an OrganizedSnapshot in
// parallel and return typed findings. Analysts never read raw mail;
// the snapshot is their only input.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
)

// Config carries the pool and per-analyst budget tunables.
type Config struct {
	PoolSize        int
	RetryMax        int
	Temperature     float64
	MaxInputTokens  int
	MaxOutputTokens int
	Timeout         time.Duration
}

func NewConfig(poolSize, retryMax int, temperature float64, maxInputTokens, maxOutputTokens int) Config {
	if poolSize <= 0 {
		poolSize = 5
	}
	if retryMax <= 0 {
		retryMax = 3
	}
	if temperature == 0 {
		temperature = 0.3
	}
	if maxInputTokens <= 0 {
		maxInputTokens = 32000
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4000
	}
	return Config{
		PoolSize: poolSize, RetryMax: retryMax, Temperature: temperature,
		MaxInputTokens: maxInputTokens, MaxOutputTokens: maxOutputTokens,
		Timeout: 60 * time.Second,
	}
}

// Analyst describes one of the five fixed specializations: its kind,
// prompt builder and the categories it's expected to emit. Prompt and
// schema live together so an analyst kind is one self-contained value.
type Analyst struct {
	Kind        domain.AnalystKind
	Categories  []string
	BuildPrompt func(snapshot *domain.OrganizedSnapshot) string
}

// Registry is the fixed set; naming is part of the contract.
func Registry() []Analyst {
	return []Analyst{
		{
			Kind:       domain.AnalystBusinessStrategy,
			Categories: []string{"decision", "risk", "opportunity", "positioning"},
			BuildPrompt: func(s *domain.OrganizedSnapshot) string {
				return buildPrompt(s, "business-strategy analyst", "strategic decisions, positioning, risks, and opportunities", []string{"decision", "risk", "opportunity", "positioning"})
			},
		},
		{
			Kind:       domain.AnalystRelationshipDynamics,
			Categories: []string{"influence_map", "communication_pattern", "collaboration_health", "attempted"},
			BuildPrompt: func(s *domain.OrganizedSnapshot) string {
				return buildPrompt(s, "relationship-dynamics analyst", "influence maps, communication patterns, and collaboration health", []string{"influence_map", "communication_pattern", "collaboration_health", "attempted"})
			},
		},
		{
			Kind:       domain.AnalystTechnicalEvolution,
			Categories: []string{"technical_decision", "architecture_direction"},
			BuildPrompt: func(s *domain.OrganizedSnapshot) string {
				return buildPrompt(s, "technical-evolution analyst", "technical decisions and architecture direction", []string{"technical_decision", "architecture_direction"})
			},
		},
		{
			Kind:       domain.AnalystMarketIntelligence,
			Categories: []string{"market_signal", "competitive_move", "timing"},
			BuildPrompt: func(s *domain.OrganizedSnapshot) string {
				return buildPrompt(s, "market-intelligence analyst", "market signals, competitive moves, and timing", []string{"market_signal", "competitive_move", "timing"})
			},
		},
		{
			Kind:       domain.AnalystPredictive,
			Categories: []string{"forecast", "decision_point"},
			BuildPrompt: func(s *domain.OrganizedSnapshot) string {
				return buildPrompt(s, "predictive analyst", "pattern-derived forecasts and upcoming decision points", []string{"forecast", "decision_point"})
			},
		},
	}
}

func buildPrompt(s *domain.OrganizedSnapshot, role, focus string, categories []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a %s. Analyze the organized communication snapshot below for %s.\n", role, focus)
	fmt.Fprintf(&sb, "Return ONLY JSON: {\"findings\":[{\"category\":one of %v,\"content\":string,\"confidence\":0..1,\"evidence\":[message ids],\"topic\":string (optional)}]}\n\n", categories)
	for _, t := range s.Topics {
		fmt.Fprintf(&sb, "Topic %s (%s): participants=%v key_points=%v\n", t.TopicID, t.BusinessDomain, t.Participants, t.KeyPoints)
	}
	return sb.String()
}

// truncate drops oldest topics first until the prompt fits the token
// budget, approximating tokens as 4 chars each.
func truncate(s *domain.OrganizedSnapshot, maxInputTokens int) *domain.OrganizedSnapshot {
	approxTokens := func(snap *domain.OrganizedSnapshot) int {
		total := 0
		for _, t := range snap.Topics {
			total += len(t.Label) + len(strings.Join(t.KeyPoints, " "))
		}
		return total / 4
	}
	if approxTokens(s) <= maxInputTokens {
		return s
	}
	topics := append([]domain.TopicSummary(nil), s.Topics...)
	sort.Slice(topics, func(i, j int) bool { return topics[i].SpanTo.Before(topics[j].SpanTo) })
	for len(topics) > 0 && approxTokens(&domain.OrganizedSnapshot{Topics: topics}) > maxInputTokens {
		topics = topics[1:]
	}
	clone := *s
	clone.Topics = topics
	return &clone
}

// RateLimiter throttles Complete calls per analyst kind: a token
// bucket, default 10/min, burst 3, that does not busy-wait. Satisfied by
// pkg/ratelimit.SlidingWindowLimiter; a nil RateLimiter disables
// throttling, which is what the unit tests below want.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// awaitSlot blocks until limiter grants key a slot, sleeping between
// checks instead of busy-waiting, or returns ctx.Err() if ctx ends first.
func awaitSlot(ctx context.Context, limiter RateLimiter, key string) error {
	if limiter == nil {
		return nil
	}
	for {
		allowed, wait := limiter.Allow(ctx, key)
		if allowed {
			return nil
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type findingsPayload struct {
	Findings []struct {
		Category   string  `json:"category"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Evidence   []int64 `json:"evidence"`
		Topic      string  `json:"topic"`
	} `json:"findings"`
}

// Run executes one Analyst against the snapshot, first waiting for
// limiter to grant its kind a token-bucket slot, then retrying
// transport errors with exponential backoff (base 2s, factor 2, cap 60s,
// max 3 attempts), re-asking once on schema mismatch, and parking
// (without counting against attempts) on rate-limit responses.
// Cancellation via ctx is checked at every suspension point.
func Run(ctx context.Context, client out.LLMClient, a Analyst, snapshot *domain.OrganizedSnapshot, cfg Config, limiter RateLimiter) ([]domain.AnalystFinding, error) {
	prompt := buildPromptFor(a, truncate(snapshot, cfg.MaxInputTokens))

	key := string(a.Kind)
	if err := awaitSlot(ctx, limiter, key); err != nil {
		return nil, err
	}
	text, err := completeWithRetry(ctx, client, prompt, cfg)
	if err != nil {
		return nil, err
	}

	findings, ok := parseFindings(text, a.Kind)
	if !ok {
		reaskPrompt := prompt + "\n\nYour previous response was not valid JSON. Return only JSON."
		if err := awaitSlot(ctx, limiter, key); err != nil {
			return nil, err
		}
		text2, err2 := completeWithRetry(ctx, client, reaskPrompt, cfg)
		if err2 == nil {
			if f2, ok2 := parseFindings(text2, a.Kind); ok2 {
				return f2, nil
			}
		}
		// second failure: empty finding set, non-fatal
		return nil, nil
	}
	return findings, nil
}

func buildPromptFor(a Analyst, s *domain.OrganizedSnapshot) string {
	return a.BuildPrompt(s)
}

func parseFindings(text string, kind domain.AnalystKind) ([]domain.AnalystFinding, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return nil, false
	}
	var payload findingsPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, false
	}
	out := make([]domain.AnalystFinding, 0, len(payload.Findings))
	for _, f := range payload.Findings {
		conf := f.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		out = append(out, domain.AnalystFinding{
			AnalystKind: kind,
			Category:    f.Category,
			Topic:       f.Topic,
			Content:     f.Content,
			Confidence:  conf,
			Evidence:    f.Evidence,
		})
	}
	return out, true
}

// completeWithRetry implements the transport/rate-limit retry
// policy around one LLMClient.Complete call.
func completeWithRetry(ctx context.Context, client out.LLMClient, prompt string, cfg Config) (string, error) {
	backoff := 2 * time.Second
	const backoffCap = 60 * time.Second
	const maxCumulativeWait = 5 * time.Minute
	var cumulativeWait time.Duration

	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		text, err := client.Complete(ctx, prompt, cfg.Temperature, cfg.MaxOutputTokens, cfg.Timeout)
		if err == nil {
			return text, nil
		}

		if rl, ok := err.(interface{ RetryAfter() time.Duration }); ok {
			wait := rl.RetryAfter()
			cumulativeWait += wait
			if cumulativeWait > maxCumulativeWait {
				return "", err
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			attempt-- // rate-limit waits don't count against attempts
			continue
		}

		if attempt == cfg.RetryMax {
			return "", err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return "", fmt.Errorf("llm completion exhausted retries")
}

// PoolResult is the fan-out's aggregate outcome.
type PoolResult struct {
	Findings []domain.AnalystFinding
	Failed   []domain.AnalystKind
}

// RunPool fans the registry out over at most cfg.PoolSize concurrent
// goroutines. Analysts are independent; no analyst observes another's
// output, but all of them
// share limiter's per-kind token buckets. If ctx is cancelled (Job
// entering stopping), in-flight analysts stop at their next suspension
// point and whatever they'd already produced is dropped; partial pool
// results are reported by the caller via the Job message, not by this
// function.
func RunPool(ctx context.Context, client out.LLMClient, snapshot *domain.OrganizedSnapshot, cfg Config, limiter RateLimiter) PoolResult {
	analysts := Registry()
	sem := make(chan struct{}, cfg.PoolSize)
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := PoolResult{}

	for _, a := range analysts {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			findings, err := Run(ctx, client, a, snapshot, cfg, limiter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || (findings == nil && ctx.Err() == nil) {
				result.Failed = append(result.Failed, a.Kind)
				return
			}
			if ctx.Err() != nil {
				result.Failed = append(result.Failed, a.Kind)
				return
			}
			result.Findings = append(result.Findings, findings...)
		}()
	}
	wg.Wait()

	// deterministic ordering: sort findings by analyst kind for the
	// Synthesizer's reproducibility guarantee.
	kindOrder := map[domain.AnalystKind]int{}
	for i, k := range domain.AllAnalystKinds {
		kindOrder[k] = i
	}
	sort.SliceStable(result.Findings, func(i, j int) bool {
		return kindOrder[result.Findings[i].AnalystKind] < kindOrder[result.Findings[j].AnalystKind]
	})
	sort.Slice(result.Failed, func(i, j int) bool {
		return kindOrder[result.Failed[i]] < kindOrder[result.Failed[j]]
	})

	return result
}
