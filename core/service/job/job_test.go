package job

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/in"
	"knowledgetree/core/port/out"
	"knowledgetree/core/service/analyst"
	"knowledgetree/core/service/analyzer"
	"knowledgetree/core/service/changedetector"
	"knowledgetree/core/service/extractor"
	"knowledgetree/core/service/ingest"
	"knowledgetree/core/service/organizer"
	"knowledgetree/pkg/snowflake"
)

func TestMain(m *testing.M) {
	_ = snowflake.Init(1)
	os.Exit(m.Run())
}

// memStore is an in-memory out.Store for supervisor tests. It records
// every progress value written per job so tests can assert monotonicity.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[string]domain.Message
	contacts  map[string]domain.Contact
	jobs      map[string]domain.Job
	snapshots []domain.OrganizedSnapshot
	trees     []domain.KnowledgeTree
	progress  map[string][]int
}

func newMemStore() *memStore {
	return &memStore{
		messages: map[string]domain.Message{},
		contacts: map[string]domain.Contact{},
		jobs:     map[string]domain.Job{},
		progress: map[string][]int{},
	}
}

func (s *memStore) UpsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ExternalID]; ok {
		return existing.ID, nil
	}
	s.nextID++
	msg.ID = s.nextID
	s.messages[msg.ExternalID] = msg
	return msg.ID, nil
}

func (s *memStore) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if filter.Address != nil && !touches(m, *filter.Address) {
			continue
		}
		out = append(out, m)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Timestamp.Before(out[i].Timestamp) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func touches(m domain.Message, address string) bool {
	if m.From == address {
		return true
	}
	for _, a := range m.To {
		if a == address {
			return true
		}
	}
	return false
}

func (s *memStore) UpsertContact(ctx context.Context, contact domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.Address] = contact
	return nil
}

func (s *memStore) ListContacts(ctx context.Context, filter domain.ContactFilter) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Contact
	for _, c := range s.contacts {
		if len(filter.Tiers) > 0 {
			match := false
			for _, t := range filter.Tiers {
				if c.TrustTier == t {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) GetContact(ctx context.Context, accountID uuid.UUID, address string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[address]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) PutSnapshot(ctx context.Context, snapshot domain.OrganizedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *memStore) GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil, nil
	}
	snap := s.snapshots[len(s.snapshots)-1]
	return &snap, nil
}

func (s *memStore) PutTree(ctx context.Context, tree domain.KnowledgeTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees = append(s.trees, tree)
	return nil
}

func (s *memStore) GetLatestTree(ctx context.Context, accountID uuid.UUID) (*domain.KnowledgeTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.trees) == 0 {
		return nil, nil
	}
	tree := s.trees[len(s.trees)-1]
	return &tree, nil
}

func (s *memStore) PutJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	return nil
}

func (s *memStore) UpdateJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	s.progress[job.JobID] = append(s.progress[job.JobID], job.Progress)
	return nil
}

func (s *memStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return &j, nil
	}
	return nil, nil
}

func (s *memStore) WithSnapshot(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx out.Store) error) error {
	return fn(ctx, s)
}

func (s *memStore) treeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trees)
}

// memMail serves a fixed mailbox: outbound messages stream from
// ListSent, both directions from ListWith.
type memMail struct {
	outbound []domain.Message
	inbound  []domain.Message
}

func stream(ctx context.Context, batch []domain.Message) (<-chan domain.Message, <-chan error) {
	msgs := make(chan domain.Message)
	errs := make(chan error, 1)
	go func() {
		defer close(msgs)
		defer close(errs)
		for _, m := range batch {
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return msgs, errs
}

func (m *memMail) ListSent(ctx context.Context, accountID uuid.UUID, since time.Time) (<-chan domain.Message, <-chan error) {
	return stream(ctx, m.outbound)
}

func (m *memMail) ListWith(ctx context.Context, accountID uuid.UUID, address string, since time.Time) (<-chan domain.Message, <-chan error) {
	var both []domain.Message
	for _, msg := range append(append([]domain.Message(nil), m.outbound...), m.inbound...) {
		if touches(msg, address) {
			both = append(both, msg)
		}
	}
	return stream(ctx, both)
}

// scriptedLLM answers every analyst with one valid finding, except the
// kinds in badJSON, which get an unparseable response on every call.
type scriptedLLM struct {
	badJSON []string
	block   bool
}

func (l *scriptedLLM) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	if l.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	for _, marker := range l.badJSON {
		if strings.Contains(prompt, marker) {
			return "I cannot answer in JSON today.", nil
		}
	}
	return `{"findings":[{"category":"risk","content":"pricing pressure building","confidence":0.8,"evidence":[1],"topic":"topic-1"}]}`, nil
}

func mailboxFixture(me, them string, now time.Time) *memMail {
	var outbound, inbound []domain.Message
	for i := 0; i < 4; i++ {
		outbound = append(outbound, domain.Message{
			ExternalID: fmt.Sprintf("out-%d", i),
			Direction:  domain.DirectionOutbound,
			Timestamp:  now.Add(-time.Duration(40-i*10) * 24 * time.Hour),
			From:       me,
			To:         []string{them},
			Subject:    "pricing proposal draft",
			Body:       "sharing the latest pricing proposal for review",
			ThreadID:   "t1",
		})
	}
	for i := 0; i < 3; i++ {
		inbound = append(inbound, domain.Message{
			ExternalID: fmt.Sprintf("in-%d", i),
			Direction:  domain.DirectionInbound,
			Timestamp:  now.Add(-time.Duration(39-i*10) * 24 * time.Hour),
			From:       them,
			To:         []string{me},
			Subject:    "re: pricing proposal draft",
			Body:       "Thanks, here is my detailed feedback on the proposal and what I would change before we sign.",
			ThreadID:   "t1",
		})
	}
	return &memMail{outbound: outbound, inbound: inbound}
}

func testConfig() Config {
	return Config{
		Extract:            extractor.NewConfig(365, 3),
		Ingest:             ingest.NewConfig(365, 4),
		Analyzer:           analyzer.NewConfig(0, 0),
		Organizer:          organizer.NewConfig(0, 0, nil),
		ChangeDetector:     changedetector.NewConfig(0),
		Analyst:            analyst.NewConfig(5, 1, 0.3, 32000, 4000),
		ExtractTimeout:     30 * time.Second,
		IngestTimeout:      30 * time.Second,
		AnalystPoolTimeout: 30 * time.Second,
		JobPollInterval:    10 * time.Millisecond,
	}
}

func awaitTerminal(t *testing.T, store *memStore, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := store.GetJob(context.Background(), jobID)
		if j != nil && j.State.Terminal() {
			return *j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.Job{}
}

func awaitPhase(t *testing.T, store *memStore, jobID string, phase domain.Phase) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := store.GetJob(context.Background(), jobID)
		if j != nil {
			if j.Phase == phase {
				return
			}
			if j.State.Terminal() {
				t.Fatalf("job %s terminated in phase %s before reaching %s", jobID, j.Phase, phase)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached phase %s", jobID, phase)
}

func TestRunPipelineCompletesAndCommitsTree(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	sup := New(store, mail, &scriptedLLM{}, nil, nil, nil, nil, nil, testConfig())

	jobID, err := sup.RunPipeline(context.Background(), uuid.New(), in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := awaitTerminal(t, store, jobID)
	if j.State != domain.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.State, j.Message)
	}
	if store.treeCount() != 1 {
		t.Fatalf("expected one committed tree, got %d", store.treeCount())
	}
	tree, _ := store.GetLatestTree(context.Background(), j.AccountID)
	snap, _ := store.GetLatestSnapshot(context.Background(), j.AccountID)
	if tree.SourceSnapshotID != snap.SnapshotID {
		t.Fatalf("tree must reference the snapshot it was built from: %s vs %s", tree.SourceSnapshotID, snap.SnapshotID)
	}
	if c, ok := store.contacts["partner@x.com"]; !ok || c.Status != domain.StatusEstablished {
		t.Fatalf("expected partner classified established, got %+v", c)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	sup := New(store, mail, &scriptedLLM{}, nil, nil, nil, nil, nil, testConfig())

	jobID, err := sup.RunPipeline(context.Background(), uuid.New(), in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	awaitTerminal(t, store, jobID)

	store.mu.Lock()
	progress := append([]int(nil), store.progress[jobID]...)
	store.mu.Unlock()
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress decreased at index %d: %v", i, progress)
		}
	}
}

func TestSecondRunWithNoNewMailIsReused(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	sup := New(store, mail, &scriptedLLM{}, nil, nil, nil, nil, nil, testConfig())
	accountID := uuid.New()

	first, err := sup.RunPipeline(context.Background(), accountID, in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	awaitTerminal(t, store, first)
	if store.treeCount() != 1 {
		t.Fatalf("expected first run to commit a tree, got %d", store.treeCount())
	}

	second, err := sup.RunPipeline(context.Background(), accountID, in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := awaitTerminal(t, store, second)
	if j.State != domain.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.State, j.Message)
	}
	if !strings.Contains(j.Message, "reused") {
		t.Fatalf("expected a reused outcome, got %q", j.Message)
	}
	if store.treeCount() != 1 {
		t.Fatalf("a reused run must not write a new tree, got %d", store.treeCount())
	}
}

func TestForceOverridesReuse(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	sup := New(store, mail, &scriptedLLM{}, nil, nil, nil, nil, nil, testConfig())
	accountID := uuid.New()

	first, _ := sup.RunPipeline(context.Background(), accountID, in.RunOptions{})
	awaitTerminal(t, store, first)

	second, _ := sup.RunPipeline(context.Background(), accountID, in.RunOptions{Force: true})
	j := awaitTerminal(t, store, second)
	if j.State != domain.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.State, j.Message)
	}
	if store.treeCount() != 2 {
		t.Fatalf("force must rebuild the tree, got %d trees", store.treeCount())
	}
}

func TestAnalystFailureDoesNotFailTheJob(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	llm := &scriptedLLM{badJSON: []string{"technical-evolution"}}
	sup := New(store, mail, llm, nil, nil, nil, nil, nil, testConfig())

	jobID, err := sup.RunPipeline(context.Background(), uuid.New(), in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := awaitTerminal(t, store, jobID)
	if j.State != domain.JobCompleted {
		t.Fatalf("a failing analyst must not fail the job, got %s (%s)", j.State, j.Message)
	}
	tree, _ := store.GetLatestTree(context.Background(), j.AccountID)
	if tree == nil {
		t.Fatalf("expected a tree despite the failed analyst")
	}
	for _, n := range tree.Nodes {
		if n.Finding != nil && n.Finding.AnalystKind == domain.AnalystTechnicalEvolution {
			t.Fatalf("failed analyst's findings must be absent from the tree")
		}
	}
	var found bool
	for _, k := range tree.FailedAnalysts {
		if k == domain.AnalystTechnicalEvolution {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected technical-evolution recorded as failed, got %v", tree.FailedAnalysts)
	}
}

func TestStopDuringAnalystPool(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	mail := mailboxFixture("me@corp.com", "partner@x.com", now)
	sup := New(store, mail, &scriptedLLM{block: true}, nil, nil, nil, nil, nil, testConfig())

	jobID, err := sup.RunPipeline(context.Background(), uuid.New(), in.RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	awaitPhase(t, store, jobID, domain.PhaseAnalystPool)
	if err := sup.Stop(context.Background(), jobID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	j := awaitTerminal(t, store, jobID)
	if j.State != domain.JobStopped {
		t.Fatalf("expected stopped, got %s (%s)", j.State, j.Message)
	}
	if j.ResumeInfo == nil || !j.ResumeInfo.CanResume {
		t.Fatalf("a stopped job must be resumable, got %+v", j.ResumeInfo)
	}
	if j.ResumeInfo.NextStep != string(domain.PhaseAnalystPool) {
		t.Fatalf("expected next_step analyst_pool, got %q", j.ResumeInfo.NextStep)
	}
	if store.treeCount() != 0 {
		t.Fatalf("a stopped run must not publish a tree, got %d", store.treeCount())
	}
	if snap, _ := store.GetLatestSnapshot(context.Background(), j.AccountID); snap == nil {
		t.Fatalf("the organized snapshot must survive the stop")
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	store := newMemStore()
	sup := New(store, &memMail{}, &scriptedLLM{}, nil, nil, nil, nil, nil, testConfig())
	j := &domain.Job{JobID: "job-x", State: domain.JobCompleted}
	if err := sup.transition(context.Background(), j, domain.JobRunning, domain.PhaseSynthesize, 0, ""); err == nil {
		t.Fatalf("terminal states must be immutable")
	}
}
