package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
}

func (s *fakeStore) UpsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}
func (s *fakeStore) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	return nil, nil
}
func (s *fakeStore) UpsertContact(ctx context.Context, contact domain.Contact) error { return nil }
func (s *fakeStore) ListContacts(ctx context.Context, filter domain.ContactFilter) ([]domain.Contact, error) {
	return nil, nil
}
func (s *fakeStore) GetContact(ctx context.Context, accountID uuid.UUID, address string) (*domain.Contact, error) {
	return nil, nil
}
func (s *fakeStore) PutSnapshot(ctx context.Context, snapshot domain.OrganizedSnapshot) error {
	return nil
}
func (s *fakeStore) GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error) {
	return nil, nil
}
func (s *fakeStore) PutTree(ctx context.Context, tree domain.KnowledgeTree) error { return nil }
func (s *fakeStore) GetLatestTree(ctx context.Context, accountID uuid.UUID) (*domain.KnowledgeTree, error) {
	return nil, nil
}
func (s *fakeStore) PutJob(ctx context.Context, job domain.Job) error    { return nil }
func (s *fakeStore) UpdateJob(ctx context.Context, job domain.Job) error { return nil }
func (s *fakeStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, nil
}
func (s *fakeStore) WithSnapshot(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx out.Store) error) error {
	return fn(ctx, s)
}

type fakeSource struct {
	byAddress map[string][]domain.Message
	failFor   map[string]error
}

func (f *fakeSource) ListSent(ctx context.Context, accountID uuid.UUID, since time.Time) (<-chan domain.Message, <-chan error) {
	panic("not used by ingest")
}

func (f *fakeSource) ListWith(ctx context.Context, accountID uuid.UUID, address string, since time.Time) (<-chan domain.Message, <-chan error) {
	msgs := make(chan domain.Message)
	errs := make(chan error, 1)
	go func() {
		defer close(msgs)
		defer close(errs)
		for _, m := range f.byAddress[address] {
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
		if err, ok := f.failFor[address]; ok {
			errs <- err
		}
	}()
	return msgs, errs
}

func TestRunIngestsAllContactsConcurrently(t *testing.T) {
	now := time.Now()
	source := &fakeSource{byAddress: map[string][]domain.Message{
		"a@x.com": {{From: "a@x.com", To: []string{"me@x.com"}, Timestamp: now, ThreadID: "t1"}},
		"b@x.com": {{From: "b@x.com", To: []string{"me@x.com"}, Timestamp: now, ThreadID: "t2"}},
	}}
	contacts := []domain.Contact{{Address: "a@x.com"}, {Address: "b@x.com"}}

	summary, err := Run(context.Background(), source, &fakeStore{}, uuid.New(), contacts, nil, NewConfig(365, 4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Messages) != 2 {
		t.Fatalf("expected 2 messages across both contacts, got %d", len(summary.Messages))
	}
	if len(summary.NextCursors) != 2 {
		t.Fatalf("expected a cursor per successful contact, got %d", len(summary.NextCursors))
	}
}

func TestRunIsolatesPerContactFailure(t *testing.T) {
	now := time.Now()
	source := &fakeSource{
		byAddress: map[string][]domain.Message{
			"a@x.com": {{From: "a@x.com", To: []string{"me@x.com"}, Timestamp: now, ThreadID: "t1"}},
		},
		failFor: map[string]error{"b@x.com": errors.New("transport down")},
	}
	contacts := []domain.Contact{{Address: "a@x.com"}, {Address: "b@x.com"}}

	summary, err := Run(context.Background(), source, &fakeStore{}, uuid.New(), contacts, nil, NewConfig(365, 4))
	if err != nil {
		t.Fatalf("a single contact's failure must not abort the run: %v", err)
	}
	var failed, ok int
	for _, r := range summary.Results {
		if r.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("expected exactly one failed and one ok contact, got failed=%d ok=%d", failed, ok)
	}
}

func TestRunAdvancesCursorToNewestMessage(t *testing.T) {
	now := time.Now()
	source := &fakeSource{byAddress: map[string][]domain.Message{
		"a@x.com": {
			{From: "a@x.com", To: []string{"me@x.com"}, Timestamp: now.Add(-48 * time.Hour), ThreadID: "t1"},
			{From: "me@x.com", To: []string{"a@x.com"}, Timestamp: now, ThreadID: "t1"},
		},
	}}
	contacts := []domain.Contact{{Address: "a@x.com"}}

	summary, err := Run(context.Background(), source, &fakeStore{}, uuid.New(), contacts, nil, NewConfig(365, 4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.NextCursors) != 1 {
		t.Fatalf("expected one cursor, got %d", len(summary.NextCursors))
	}
	if !summary.NextCursors[0].Since.Equal(now) {
		t.Fatalf("expected cursor at the newest message timestamp, got %v", summary.NextCursors[0].Since)
	}
}

func TestDeriveThreadsGroupsByThreadID(t *testing.T) {
	now := time.Now()
	msgs := []domain.Message{
		{ID: 1, ThreadID: "t1", From: "a@x.com", Timestamp: now},
		{ID: 2, ThreadID: "t1", From: "b@x.com", Timestamp: now.Add(time.Minute)},
		{ID: 3, ThreadID: "t2", From: "c@x.com", Timestamp: now},
	}
	threads := DeriveThreads(msgs)
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	if len(threads["t1"].MessageRefs) != 2 {
		t.Fatalf("expected t1 to hold 2 messages, got %d", len(threads["t1"].MessageRefs))
	}
}
