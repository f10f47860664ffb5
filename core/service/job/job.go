// Package job implements the Job Supervisor: the state machine,
// progress reporting, and phase orchestration that drives the
// two-phase pipeline end to end. It is the one place that is allowed to
// mutate a Job's transitions; everything else only reads through
// core/port/in.JobService.
package job

import (
	"context"
	"fmt"
	"sync"
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
	"knowledgetree/pkg/apperr"
	"knowledgetree/pkg/logger"
	"knowledgetree/pkg/snowflake"
)

// Config bundles every phase's tunables plus the Supervisor's own
// timeouts and polling cadence.
type Config struct {
	Extract        extractor.Config
	Ingest         ingest.Config
	Analyzer       analyzer.Config
	Organizer      organizer.Config
	ChangeDetector changedetector.Config
	Analyst        analyst.Config

	ExtractTimeout     time.Duration
	IngestTimeout      time.Duration
	AnalystPoolTimeout time.Duration

	JobPollInterval time.Duration
}

// Supervisor implements both in.PipelineService and in.JobService. One
// Supervisor is shared by the HTTP layer and the worker runtime.
type Supervisor struct {
	store    out.Store
	mail     out.MailSource
	llm      out.LLMClient
	enricher out.Enricher        // optional, may be nil
	sink     out.EventSink       // optional, may be nil
	mirror   out.GraphMirror     // optional, may be nil
	cache    out.Cache           // optional, may be nil; holds per-address ingest cursors
	limiter  analyst.RateLimiter // optional, may be nil; governs LLM call pacing per analyst kind
	cfg      Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

var _ in.PipelineService = (*Supervisor)(nil)
var _ in.JobService = (*Supervisor)(nil)

func New(store out.Store, mail out.MailSource, llm out.LLMClient, enricher out.Enricher, sink out.EventSink, mirror out.GraphMirror, cache out.Cache, limiter analyst.RateLimiter, cfg Config) *Supervisor {
	if cfg.JobPollInterval <= 0 {
		cfg.JobPollInterval = 5 * time.Second
	}
	return &Supervisor{
		store:    store,
		mail:     mail,
		llm:      llm,
		enricher: enricher,
		sink:     sink,
		mirror:   mirror,
		cache:    cache,
		limiter:  limiter,
		cfg:      cfg,
		cancels:  map[string]context.CancelFunc{},
	}
}

func newJobID() string {
	return fmt.Sprintf("job-%d", snowflake.NextID())
}

func (s *Supervisor) publish(ctx context.Context, eventType, accountID, jobID string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, out.Event{Type: eventType, AccountID: accountID, JobID: jobID, Payload: payload}); err != nil {
		logger.Warn("[job] event publish failed: %v", err)
	}
}

// createJob persists a new pending Job and immediately transitions it to
// running; pending is only the instant before the supervisor claims
// it, so readers never observe it.
func (s *Supervisor) createJob(ctx context.Context, accountID uuid.UUID, kind domain.JobKind) (*domain.Job, error) {
	now := time.Now().UTC()
	j := &domain.Job{
		JobID:     newJobID(),
		AccountID: accountID,
		Kind:      kind,
		State:     domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutJob(ctx, *j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.transition(ctx, j, domain.JobRunning, j.Phase, 0, "started"); err != nil {
		return nil, err
	}
	return j, nil
}

// transition enforces the Job state machine and persists the result.
func (s *Supervisor) transition(ctx context.Context, j *domain.Job, to domain.JobState, phase domain.Phase, progress int, message string) error {
	if j.State != to && !domain.CanTransition(j.State, to) {
		return fmt.Errorf("illegal job transition %s -> %s", j.State, to)
	}
	j.State = to
	j.Phase = phase
	j.Progress = progress
	j.Message = message
	j.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateJob(ctx, *j); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	s.publish(ctx, out.EventJobTransitioned, j.AccountID.String(), j.JobID, map[string]any{
		"state": string(j.State), "phase": string(j.Phase), "progress": j.Progress,
	})
	return nil
}

// progressWithin maps a [0,1] fraction of work done within a phase onto
// that phase's reserved progress bracket (domain.PhaseProgressSpans).
func progressWithin(phase domain.Phase, frac float64) int {
	span, ok := domain.PhaseProgressSpans[phase]
	if !ok {
		return 0
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return span.Low + int(float64(span.High-span.Low)*frac)
}

// report updates a running Job's progress within its current phase
// without changing state, swallowing persistence errors as a warning;
// progress reporting must never abort the phase it describes.
func (s *Supervisor) report(ctx context.Context, j *domain.Job, phase domain.Phase, frac float64, message string) {
	if ctx.Err() != nil {
		return
	}
	// A stop request may have flipped the persisted state to stopping;
	// writing the in-memory running state over it would lose the stop.
	if fresh, err := s.store.GetJob(ctx, j.JobID); err == nil && fresh != nil && fresh.State != domain.JobRunning {
		return
	}
	j.Phase = phase
	j.Progress = progressWithin(phase, frac)
	j.Message = message
	j.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateJob(ctx, *j); err != nil {
		logger.Warn("[job %s] progress report failed: %v", j.JobID, err)
		return
	}
	s.publish(ctx, out.EventJobTransitioned, j.AccountID.String(), j.JobID, map[string]any{
		"phase": string(phase), "progress": j.Progress, "message": message,
	})
}

// fail marks a Job terminally failed, classifying err through the
// error taxonomy and recording resumability when the failure happened
// mid phase. ResumeInfo.NextStep names the failed phase for
// extract/ingest and organize for every later phase, since the analyst
// pool and synthesizer run over a freshly built snapshot.
func (s *Supervisor) fail(ctx context.Context, j *domain.Job, phase domain.Phase, err error) {
	kind := domain.ErrorKind(apperr.AsAppError(err).ErrorKind())
	j.ErrorKind = kind
	j.ResumeInfo = resumeInfoFor(phase, kind)
	if tErr := s.transition(ctx, j, domain.JobFailed, phase, j.Progress, err.Error()); tErr != nil {
		logger.Error("[job %s] failed to persist failure: %v", j.JobID, tErr)
	}
}

func resumeInfoFor(phase domain.Phase, kind domain.ErrorKind) *domain.ResumeInfo {
	if kind == domain.ErrCancelled {
		return &domain.ResumeInfo{CanResume: true, NextStep: string(phase), Reason: "stopped by request"}
	}
	switch phase {
	case domain.PhaseContactExtraction, domain.PhaseMessageIngest:
		return &domain.ResumeInfo{CanResume: true, NextStep: string(phase), Reason: "transient failure; checkpoint preserved"}
	default:
		return &domain.ResumeInfo{CanResume: true, NextStep: string(domain.PhaseOrganize), Reason: "phase 2 always restarts from the latest snapshot"}
	}
}

func (s *Supervisor) registerCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = cancel
}

func (s *Supervisor) unregisterCancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

// Get returns the read-only projection of a Job, the only thing the
// HTTP layer may do besides request stop/resume.
func (s *Supervisor) Get(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, apperr.NotFound("job")
	}
	status := j.Status()
	return &status, nil
}

// Stop requests cooperative cancellation: the Job moves to stopping and
// in-flight work is cancelled at its next suspension point; the
// caller is responsible for observing the eventual stopped transition
// via Watch.
func (s *Supervisor) Stop(ctx context.Context, jobID string) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return apperr.NotFound("job")
	}
	if j.State.Terminal() {
		return nil
	}
	if err := s.transition(ctx, j, domain.JobStopping, j.Phase, j.Progress, "stop requested"); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Resume starts a fresh full-pipeline Job for the same account when the
// failed/stopped Job's ResumeInfo marks it resumable. A Job's id is
// immutable once created, so resuming always allocates a new one. The
// new Job runs every phase from contact extraction; it does not start at
// the recorded NextStep or ProgressCheckpoint.
func (s *Supervisor) Resume(ctx context.Context, jobID string) (string, error) {
	prev, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if prev == nil {
		return "", apperr.NotFound("job")
	}
	if !prev.State.Terminal() {
		return "", apperr.BadRequest("job is still active")
	}
	if prev.ResumeInfo == nil || !prev.ResumeInfo.CanResume {
		return "", apperr.BadRequest("job is not resumable")
	}
	return s.RunPipeline(ctx, prev.AccountID, in.RunOptions{})
}

// Watch polls the Store for status changes until the Job reaches a
// terminal state or ctx is cancelled; this feeds the SSE handler. Jobs
// are supervised process-wide through the Store, not just in this
// Supervisor's memory, so polling (rather than an in-memory fan-out) is
// what lets Watch observe a Job driven by a different process.
func (s *Supervisor) Watch(ctx context.Context, jobID string) (<-chan domain.JobStatus, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	ch := make(chan domain.JobStatus, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.cfg.JobPollInterval)
		defer ticker.Stop()
		var last domain.JobStatus
		for {
			j, err := s.store.GetJob(ctx, jobID)
			if err != nil {
				logger.Warn("[job %s] watch poll failed: %v", jobID, err)
			} else if j != nil {
				status := j.Status()
				if status.State != last.State || status.Progress != last.Progress || status.Phase != last.Phase {
					last = status
					select {
					case ch <- status:
					case <-ctx.Done():
						return
					}
					if j.State.Terminal() {
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}
