// Package analyzer implements the Communication-Intelligence
// Analyzer: a pure, deterministic classifier that turns a
// contact's observed message timeline into a relationship status and
// engagement score.
package analyzer

import (
	"sort"
	"strings"
	"time"

	"knowledgetree/core/domain"
)

// Config carries the tunable classification thresholds. Zero values are
// replaced with the stated defaults by NewConfig.
type Config struct {
	DormantDays   int // dormant gap threshold, default 180
	AttemptedDays int // cold->attempted gap threshold, default 14
}

func NewConfig(dormantDays, attemptedDays int) Config {
	if dormantDays <= 0 {
		dormantDays = 180
	}
	if attemptedDays <= 0 {
		attemptedDays = 14
	}
	return Config{DormantDays: dormantDays, AttemptedDays: attemptedDays}
}

// ReplyQuality buckets an inbound reply by substance.
type ReplyQuality string

const (
	QualitySubstantive ReplyQuality = "substantive"
	QualityBrief       ReplyQuality = "brief"
	QualityAuto        ReplyQuality = "auto"
	QualityNone        ReplyQuality = "none"
)

var autoReplyMarkers = []string{
	"out of office", "auto-reply", "autoreply", "automatic reply",
	"do not reply", "no-reply", "undeliverable", "delivery status notification",
}

// classifyReplyQuality heuristically buckets one inbound message by
// header hints and body length.
func classifyReplyQuality(subject, body string) ReplyQuality {
	lowerSubj := strings.ToLower(subject)
	lowerBody := strings.ToLower(body)
	for _, marker := range autoReplyMarkers {
		if strings.Contains(lowerSubj, marker) || strings.Contains(lowerBody, marker) {
			return QualityAuto
		}
	}
	trimmed := strings.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		return QualityNone
	case len(trimmed) < 40:
		return QualityBrief
	default:
		return QualitySubstantive
	}
}

// qualityRank orders qualities so the "best observed reply" in a
// timeline can be picked with a simple max.
var qualityRank = map[ReplyQuality]int{
	QualityNone:        0,
	QualityAuto:        1,
	QualityBrief:       2,
	QualitySubstantive: 3,
}

// Features are the per-contact derived signals.
type Features struct {
	OutboundCount       int
	InboundCount        int
	ReplyRatio          float64
	FirstOutboundAt     time.Time
	FirstInboundAt      time.Time
	LastActivityAt      time.Time
	MedianReplyLatency  time.Duration
	DormantGap          time.Duration
	BestReplyQuality    ReplyQuality
}

// Result is the Analyzer's output for one contact.
type Result struct {
	Features        Features
	Status          domain.RelationshipStatus
	EngagementScore float64
}

// DeriveFeatures computes Features from a contact's full message
// timeline. messages must all belong to the same (account, contact)
// pair; order is not assumed, DeriveFeatures sorts internally.
func DeriveFeatures(messages []domain.Message, now time.Time) Features {
	sorted := make([]domain.Message, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var f Features
	f.BestReplyQuality = QualityNone

	// thread id -> last outbound timestamp awaiting a reply, to match
	// outbound->inbound pairs within the same thread for latency.
	pendingOutbound := map[string]time.Time{}
	var latencies []time.Duration

	for _, m := range sorted {
		switch m.Direction {
		case domain.DirectionOutbound:
			f.OutboundCount++
			if f.FirstOutboundAt.IsZero() {
				f.FirstOutboundAt = m.Timestamp
			}
			pendingOutbound[m.ThreadID] = m.Timestamp
		case domain.DirectionInbound:
			f.InboundCount++
			if f.FirstInboundAt.IsZero() {
				f.FirstInboundAt = m.Timestamp
			}
			q := classifyReplyQuality(m.Subject, m.Body)
			if qualityRank[q] > qualityRank[f.BestReplyQuality] {
				f.BestReplyQuality = q
			}
			if sentAt, ok := pendingOutbound[m.ThreadID]; ok && m.Timestamp.After(sentAt) {
				latencies = append(latencies, m.Timestamp.Sub(sentAt))
				delete(pendingOutbound, m.ThreadID)
			}
		}
		if f.LastActivityAt.IsZero() || m.Timestamp.After(f.LastActivityAt) {
			f.LastActivityAt = m.Timestamp
		}
	}

	if f.OutboundCount > 0 {
		f.ReplyRatio = float64(f.InboundCount) / float64(f.OutboundCount)
	}
	f.MedianReplyLatency = median(latencies)
	if !f.LastActivityAt.IsZero() {
		f.DormantGap = now.Sub(f.LastActivityAt)
	}
	return f
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Classify applies the deterministic precedence table. prevStatus
// is the contact's status as of the previous snapshot (zero value if
// none), needed by the dormant rule.
func Classify(f Features, prevStatus domain.RelationshipStatus, cfg Config) domain.RelationshipStatus {
	dormantGapDays := f.DormantGap.Hours() / 24
	attemptedDays := float64(cfg.AttemptedDays)
	dormantDays := float64(cfg.DormantDays)

	// Checked ahead of established/ongoing: lifetime reply history never
	// decays on its own, so a contact silent past the dormant gap must
	// fall to dormant before the history-based rules get a chance to
	// re-confirm whatever status it held before going quiet.
	if (prevStatus == domain.StatusEstablished || prevStatus == domain.StatusOngoing) && dormantGapDays >= dormantDays {
		return domain.StatusDormant
	}
	if f.InboundCount >= 1 && f.BestReplyQuality == QualitySubstantive && f.ReplyRatio >= 0.3 {
		return domain.StatusEstablished
	}
	if f.InboundCount >= 2 && dormantGapDays <= 60 {
		return domain.StatusOngoing
	}
	if f.OutboundCount >= 1 &&
		(f.InboundCount == 0 || f.BestReplyQuality == QualityNone || f.BestReplyQuality == QualityAuto) &&
		dormantGapDays >= attemptedDays {
		return domain.StatusAttempted
	}
	if dormantGapDays < attemptedDays {
		return domain.StatusCold
	}
	// Fallback: none of the precedence rows matched outright (e.g. a
	// contact whose only reply was a brief one, silent for at least the
	// attempted threshold). Treat conservatively as attempted once any
	// outbound exists, else cold.
	if f.OutboundCount >= 1 {
		return domain.StatusAttempted
	}
	return domain.StatusCold
}

var qualityWeight = map[ReplyQuality]float64{
	QualitySubstantive: 1.0,
	QualityBrief:       0.5,
	QualityAuto:        0.1,
	QualityNone:        0,
}

// EngagementScore computes the weighted engagement formula, clamped
// to [0,1].
func EngagementScore(f Features) float64 {
	replyRatio := f.ReplyRatio
	if replyRatio > 1 {
		replyRatio = 1
	}
	// An unanswered outreach has no engagement to be recent or voluminous
	// about; recency/volume only score once at least one reply has come
	// back, so a fresh, ignored cold-open can't outscore actual contact.
	var recencyWeight, volumeWeight float64
	if f.BestReplyQuality != QualityNone {
		recencyWeight = 1 - f.DormantGap.Hours()/24/365
		if recencyWeight < 0 {
			recencyWeight = 0
		}
		volumeWeight = float64(f.OutboundCount+f.InboundCount) / 20
		if volumeWeight > 1 {
			volumeWeight = 1
		}
	}

	score := 0.4*replyRatio + 0.3*qualityWeight[f.BestReplyQuality] + 0.2*recencyWeight + 0.1*volumeWeight
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Analyze runs feature derivation, classification and scoring for one
// contact's timeline. Pure over its inputs: identical messages + config
// + now always produce the identical Result.
func Analyze(messages []domain.Message, prevStatus domain.RelationshipStatus, now time.Time, cfg Config) Result {
	f := DeriveFeatures(messages, now)
	return Result{
		Features:        f,
		Status:          Classify(f, prevStatus, cfg),
		EngagementScore: EngagementScore(f),
	}
}
