package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

type fakeMailSource struct {
	batches [][]domain.Message
	errs    []error
}

func (f *fakeMailSource) ListSent(ctx context.Context, accountID uuid.UUID, since time.Time) (<-chan domain.Message, <-chan error) {
	msgs := make(chan domain.Message)
	errs := make(chan error, 1)
	go func() {
		defer close(msgs)
		defer close(errs)
		batch := f.batches[0]
		f.batches = f.batches[1:]
		for _, m := range batch {
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
		if len(f.errs) > 0 {
			err := f.errs[0]
			f.errs = f.errs[1:]
			if err != nil {
				errs <- err
			}
		}
	}()
	return msgs, errs
}

func (f *fakeMailSource) ListWith(ctx context.Context, accountID uuid.UUID, address string, since time.Time) (<-chan domain.Message, <-chan error) {
	panic("not used by extractor")
}

func msg(from string, ts time.Time) domain.Message {
	return domain.Message{From: from, To: []string{"me@example.com"}, Timestamp: ts, ThreadID: "t1"}
}

func TestRunTalliesOutboundRecipients(t *testing.T) {
	now := time.Now()
	source := &fakeMailSource{
		batches: [][]domain.Message{{
			msg("me@example.com", now), // should be skipped, From == participant self-send edge case
		}},
	}
	// message.Participants() includes From; extractor skips the sender address itself.
	source.batches[0][0].To = []string{"a@x.com", "a@x.com", "b@x.com"}

	result, err := Run(context.Background(), source, uuid.New(), NewConfig(365, 3), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Contacts["a@x.com"].OutboundCount != 1 {
		t.Fatalf("expected deduplicated participant count of 1, got %d", result.Contacts["a@x.com"].OutboundCount)
	}
	if _, ok := result.Contacts["b@x.com"]; !ok {
		t.Fatalf("expected b@x.com to be tallied")
	}
	if _, ok := result.Contacts["me@example.com"]; ok {
		t.Fatalf("sender's own address must not be tallied as a contact")
	}
}

func TestTierAssignment(t *testing.T) {
	cfg := NewConfig(365, 3)
	if Tier(3, 1, cfg) != domain.TrustTier1 {
		t.Fatalf("expected tier1 at threshold with a reply")
	}
	if Tier(3, 0, cfg) != domain.TrustTier2 {
		t.Fatalf("expected tier2 at threshold with no reply")
	}
	if Tier(2, 5, cfg) != domain.TrustTier3 {
		t.Fatalf("expected tier3 below the outbound threshold regardless of replies")
	}
	if Tier(0, 0, cfg) != domain.TrustTier3 {
		t.Fatalf("expected tier3 with no outbound")
	}
}

func TestRunRetriesOnPageError(t *testing.T) {
	source := &fakeMailSource{
		batches: [][]domain.Message{
			{msg("me@example.com", time.Now())},
			{msg("me@example.com", time.Now())},
		},
		errs: []error{errors.New("page fetch failed"), nil},
	}
	cfg := NewConfig(365, 3)
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = time.Millisecond
	result, err := Run(context.Background(), source, uuid.New(), cfg, nil)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if result == nil {
		t.Fatalf("expected a result after successful retry")
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := NewConfig(365, 3)
	cfg.MaxAttempts = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = time.Millisecond
	source := &fakeMailSource{
		batches: [][]domain.Message{{}, {}},
		errs:    []error{errors.New("fail 1"), errors.New("fail 2")},
	}
	_, err := Run(context.Background(), source, uuid.New(), cfg, nil)
	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
}

func TestBuildContactsExcludesTier3(t *testing.T) {
	result := &Result{Contacts: map[string]*tally{
		"a@x.com": {OutboundCount: 5},
		"b@x.com": {OutboundCount: 1},
	}}
	contacts := BuildContacts(uuid.New(), result, nil, NewConfig(365, 3))
	if len(contacts) != 1 || contacts[0].Address != "a@x.com" {
		t.Fatalf("expected only the tier1/tier2 contact to survive, got %+v", contacts)
	}
}

func TestBuildContactsSeedsInboundFromStore(t *testing.T) {
	result := &Result{Contacts: map[string]*tally{
		"a@x.com": {OutboundCount: 5},
	}}
	contacts := BuildContacts(uuid.New(), result, map[string]int{"a@x.com": 2}, NewConfig(365, 3))
	if len(contacts) != 1 || contacts[0].TrustTier != domain.TrustTier1 {
		t.Fatalf("a replied-to contact at threshold must be tier1, got %+v", contacts)
	}
	if contacts[0].InboundCount != 2 {
		t.Fatalf("expected store-held inbound count preserved, got %d", contacts[0].InboundCount)
	}
}
