// Package extractor implements the Trusted-Contact Extractor: a scan
// of sent mail over the lookback window that tallies outbound contact
// and assigns a trust tier. Progress is checkpointed (messages scanned
// so far) for the caller to record; a failed page stream is re-read
// from the start of the lookback window.
package extractor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
	"knowledgetree/pkg/apperr"
	"knowledgetree/pkg/logger"
)

// Config carries the extraction tunables.
type Config struct {
	LookbackDays   int
	Tier1Threshold int // outbound count at/above which a contact is tier1

	CheckpointEvery int // messages between checkpoint saves

	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
	MaxAttempts   int
}

func NewConfig(lookbackDays, tier1Threshold int) Config {
	if lookbackDays <= 0 {
		lookbackDays = 365
	}
	if tier1Threshold <= 0 {
		tier1Threshold = 3
	}
	return Config{
		LookbackDays:    lookbackDays,
		Tier1Threshold:  tier1Threshold,
		CheckpointEvery: 200,
		BackoffBase:     time.Second,
		BackoffFactor:   2,
		BackoffCap:      30 * time.Second,
		MaxAttempts:     5,
	}
}

// Checkpoint reports incremental progress so the caller (the Job
// Supervisor) can persist resume state between retries.
type Checkpoint struct {
	ScannedCount int
	ContactCount int
}

// Result is the tally produced by one extraction pass: every address
// the account sent to over the lookback window, with outbound volume
// and the send-time span.
type Result struct {
	Contacts map[string]*tally
}

type tally struct {
	OutboundCount int
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// Run scans ListSent since now-LookbackDays, tallying recipients per
// address. It checkpoints via onCheckpoint every cfg.CheckpointEvery
// messages and retries the page stream with exponential backoff
// (base/factor/cap per cfg) up to MaxAttempts on a channel error;
// exhausted retries return an apperr.MailSourceUnavailable error. ctx
// cancellation is checked before each attempt, while draining and
// during backoff; a cancelled run returns an apperr.Cancelled error.
func Run(ctx context.Context, source out.MailSource, accountID uuid.UUID, cfg Config, onCheckpoint func(Checkpoint)) (*Result, error) {
	since := time.Now().AddDate(0, 0, -cfg.LookbackDays)
	result := &Result{Contacts: map[string]*tally{}}

	backoff := cfg.BackoffBase
	var attempt int

	for {
		select {
		case <-ctx.Done():
			return nil, apperr.Cancelled("contact extraction cancelled")
		default:
		}

		// Each attempt re-reads the whole window, so it starts from an
		// empty tally rather than adding onto the failed attempt's counts.
		result.Contacts = map[string]*tally{}
		scanned, err := drainSent(ctx, source, accountID, since, result, cfg, onCheckpoint)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.Cancelled("contact extraction cancelled")
		}

		attempt++
		if attempt >= cfg.MaxAttempts {
			logger.Error("[extractor] giving up after %d attempts (%d messages scanned): %v", attempt, scanned, err)
			return nil, apperr.MailSourceUnavailable(err)
		}

		logger.Warn("[extractor] page stream failed (attempt %d/%d), retrying in %v: %v", attempt, cfg.MaxAttempts, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, apperr.Cancelled("contact extraction cancelled")
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.BackoffCap {
			backoff = cfg.BackoffCap
		}
	}
}

// drainSent reads msgs to completion before consulting errs: the
// channel contract is that a MailSource closes msgs once it has nothing
// further to send, whether or not a terminal error follows on errs, so
// checking errs only after msgs closes avoids racing the two channels.
func drainSent(ctx context.Context, source out.MailSource, accountID uuid.UUID, since time.Time, result *Result, cfg Config, onCheckpoint func(Checkpoint)) (int, error) {
	msgs, errs := source.ListSent(ctx, accountID, since)
	scanned := 0
drain:
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				break drain
			}
			applyOutbound(result, m)
			scanned++
			if onCheckpoint != nil && scanned%cfg.CheckpointEvery == 0 {
				onCheckpoint(Checkpoint{ScannedCount: scanned, ContactCount: len(result.Contacts)})
			}
		case <-ctx.Done():
			return scanned, ctx.Err()
		}
	}
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			return scanned, err
		}
	default:
	}
	return scanned, nil
}

func applyOutbound(result *Result, m domain.Message) {
	for _, addr := range m.Participants() {
		if addr == m.From {
			continue
		}
		t, ok := result.Contacts[addr]
		if !ok {
			t = &tally{FirstSeenAt: m.Timestamp, LastSeenAt: m.Timestamp}
			result.Contacts[addr] = t
		}
		t.OutboundCount++
		if m.Timestamp.Before(t.FirstSeenAt) {
			t.FirstSeenAt = m.Timestamp
		}
		if m.Timestamp.After(t.LastSeenAt) {
			t.LastSeenAt = m.Timestamp
		}
	}
}

// Tier assigns a trust tier: tier1 needs outbound >= Tier1Threshold
// plus at least one reply ever observed from the address, tier2 is the
// same outbound volume with no reply yet, tier3 is everything else and
// is never ingested.
func Tier(outboundCount, inboundCount int, cfg Config) domain.TrustTier {
	switch {
	case outboundCount >= cfg.Tier1Threshold && inboundCount >= 1:
		return domain.TrustTier1
	case outboundCount >= cfg.Tier1Threshold:
		return domain.TrustTier2
	default:
		return domain.TrustTier3
	}
}

// BuildContacts converts a Result into Contact records ready for the
// Store, one per address reaching at least tier2. inboundByAddress is
// what the store already holds per address (the sent-mail scan alone
// can't see replies); tier1 candidacy depends on it.
func BuildContacts(accountID uuid.UUID, result *Result, inboundByAddress map[string]int, cfg Config) []domain.Contact {
	contacts := make([]domain.Contact, 0, len(result.Contacts))
	for addr, t := range result.Contacts {
		inbound := inboundByAddress[addr]
		tier := Tier(t.OutboundCount, inbound, cfg)
		if tier == domain.TrustTier3 {
			continue
		}
		contacts = append(contacts, domain.Contact{
			AccountID:     accountID,
			Address:       addr,
			Domain:        domainOf(addr),
			FirstSeenAt:   t.FirstSeenAt,
			LastSeenAt:    t.LastSeenAt,
			OutboundCount: t.OutboundCount,
			InboundCount:  inbound,
			TrustTier:     tier,
		})
	}
	return contacts
}

func domainOf(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			return address[i+1:]
		}
	}
	return ""
}
