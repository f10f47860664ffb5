// Package changedetector decides whether Phase 2 must re-run: a small
// pure function over the current and previous snapshot fingerprints.
package changedetector

import "knowledgetree/core/domain"

// Config carries the rebuild threshold.
type Config struct {
	MinNewMessagesPct int // default 5
}

func NewConfig(pct int) Config {
	if pct <= 0 {
		pct = 5
	}
	return Config{MinNewMessagesPct: pct}
}

// Decision records whether Phase 2 should run and why, so rebuild
// economics are auditable on the Job.
type Decision struct {
	ShouldRun bool
	Reason    string
}

// Decide applies the conservative default from the Open Questions
// section: always re-run if there is no prior snapshot, `force` was
// requested, or the snapshot differs by >= Δ% new messages or >= 1 new
// topic versus the previous snapshot.
func Decide(prev, current *domain.OrganizedSnapshot, force bool, cfg Config) Decision {
	if force {
		return Decision{ShouldRun: true, Reason: "force requested"}
	}
	if prev == nil {
		return Decision{ShouldRun: true, Reason: "no prior snapshot"}
	}
	if current.Fingerprint == prev.Fingerprint {
		return Decision{ShouldRun: false, Reason: "reused: fingerprint unchanged"}
	}

	newMessages := current.MessageCount - prev.MessageCount
	if newMessages < 0 {
		newMessages = 0
	}
	var pct float64
	if prev.MessageCount > 0 {
		pct = float64(newMessages) / float64(prev.MessageCount) * 100
	} else if current.MessageCount > 0 {
		pct = 100
	}

	prevTopics := map[string]struct{}{}
	for _, t := range prev.Topics {
		prevTopics[t.TopicID] = struct{}{}
	}
	newTopicCount := 0
	for _, t := range current.Topics {
		if _, ok := prevTopics[t.TopicID]; !ok {
			newTopicCount++
		}
	}

	if pct >= float64(cfg.MinNewMessagesPct) {
		return Decision{ShouldRun: true, Reason: "new messages exceed threshold"}
	}
	if newTopicCount >= 1 {
		return Decision{ShouldRun: true, Reason: "new topic discovered"}
	}
	return Decision{ShouldRun: false, Reason: "reused: below rebuild threshold"}
}
