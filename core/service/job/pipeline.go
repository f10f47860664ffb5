package job

import (
	"context"
	"fmt"
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
	"knowledgetree/core/service/synthesizer"
	"knowledgetree/pkg/apperr"
	"knowledgetree/pkg/logger"
	"knowledgetree/pkg/snowflake"
)

// classifyCtxErr distinguishes a phase's own deadline from an external
// cancellation (Stop, or the caller's ctx) so the Job records the right
// entry in the error taxonomy.
func classifyCtxErr(phase domain.Phase, err error) error {
	switch err {
	case context.DeadlineExceeded:
		return apperr.PhaseTimeout(string(phase))
	case context.Canceled:
		return apperr.Cancelled(fmt.Sprintf("%s cancelled", phase))
	default:
		return nil
	}
}

// RunPipeline drives the whole two-phase pipeline under
// one Job and returns immediately; the Job runs to completion in the
// background, reporting progress through the Store.
func (s *Supervisor) RunPipeline(ctx context.Context, accountID uuid.UUID, opts in.RunOptions) (string, error) {
	j, err := s.createJob(context.Background(), accountID, domain.JobKindPipeline)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.registerCancel(j.JobID, cancel)

	go func() {
		defer s.unregisterCancel(j.JobID)
		defer cancel()
		s.runFullPipeline(runCtx, j, opts)
	}()

	return j.JobID, nil
}

func (s *Supervisor) runFullPipeline(ctx context.Context, j *domain.Job, opts in.RunOptions) {
	contacts, err := s.runExtract(ctx, j, s.cfg.Extract)
	if err != nil {
		s.failOrStop(ctx, j, domain.PhaseContactExtraction, err)
		return
	}

	if err := s.runIngest(ctx, j, contacts, s.cfg.Ingest); err != nil {
		s.failOrStop(ctx, j, domain.PhaseMessageIngest, err)
		return
	}

	statusByAddress, err := s.runAnalyze(ctx, j, contacts)
	if err != nil {
		s.failOrStop(ctx, j, domain.PhaseCommIntelligence, err)
		return
	}

	// Load the comparison baseline before runOrganize persists the new
	// snapshot, or the detector would always compare the snapshot to
	// itself.
	prev := previousSnapshot(ctx, s, j.AccountID)

	snapshot, err := s.runOrganize(ctx, j, statusByAddress)
	if err != nil {
		s.failOrStop(ctx, j, domain.PhaseOrganize, err)
		return
	}

	decision := changedetector.Decide(prev, snapshot, opts.Force, s.cfg.ChangeDetector)
	if !decision.ShouldRun {
		if prevTree, terr := s.store.GetLatestTree(ctx, j.AccountID); terr != nil || prevTree == nil {
			decision = changedetector.Decision{ShouldRun: true, Reason: "no prior tree"}
		}
	}
	if !decision.ShouldRun {
		logger.Info("[job %s] phase 2 skipped: %s", j.JobID, decision.Reason)
		if err := s.transition(ctx, j, domain.JobCompleted, domain.PhaseSynthesize, 100, decision.Reason); err != nil {
			logger.Error("[job %s] failed to complete: %v", j.JobID, err)
		}
		return
	}

	tree, failedPhase, err := s.runPhase2(ctx, j, snapshot)
	if err != nil {
		s.failOrStop(ctx, j, failedPhase, err)
		return
	}

	if err := s.transition(ctx, j, domain.JobCompleted, domain.PhaseSynthesize, 100, "pipeline complete"); err != nil {
		logger.Error("[job %s] failed to complete: %v", j.JobID, err)
		return
	}
	s.publish(ctx, out.EventTreeUpdated, j.AccountID.String(), j.JobID, map[string]any{"tree_id": tree.TreeID, "version": tree.Version})
}

// failOrStop resolves whether a phase ended because the operator asked
// to stop (Stop sets state=stopping before cancelling) or because it
// genuinely errored, and persists the right terminal state: a
// stopping Job that reaches a suspension point becomes stopped, not
// failed.
func (s *Supervisor) failOrStop(ctx context.Context, j *domain.Job, phase domain.Phase, err error) {
	fresh, gErr := s.store.GetJob(context.Background(), j.JobID)
	if gErr == nil && fresh != nil && fresh.State == domain.JobStopping {
		j.State = domain.JobStopping // Stop persisted this; the in-memory copy is behind
		j.ResumeInfo = resumeInfoFor(phase, domain.ErrCancelled)
		if tErr := s.transition(context.Background(), j, domain.JobStopped, phase, j.Progress, "stopped"); tErr != nil {
			logger.Error("[job %s] failed to persist stop: %v", j.JobID, tErr)
		}
		return
	}
	s.fail(context.Background(), j, phase, err)
}

func previousSnapshot(ctx context.Context, s *Supervisor, accountID uuid.UUID) *domain.OrganizedSnapshot {
	prev, err := s.store.GetLatestSnapshot(ctx, accountID)
	if err != nil {
		logger.Warn("[job] failed to load previous snapshot: %v", err)
		return nil
	}
	return prev
}

// runExtract wraps the Trusted-Contact Extractor as Phase 1 step 1,
// persisting checkpoints as ResumeInfo and contacts via
// UpsertContact.
func (s *Supervisor) runExtract(ctx context.Context, j *domain.Job, cfg extractor.Config) ([]domain.Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	defer cancel()

	s.report(ctx, j, domain.PhaseContactExtraction, 0, "scanning sent mail")
	result, err := extractor.Run(ctx, s.mail, j.AccountID, cfg, func(cp extractor.Checkpoint) {
		j.ResumeInfo = &domain.ResumeInfo{CanResume: true, NextStep: string(domain.PhaseContactExtraction), ProgressCheckpoint: cp.ScannedCount}
		s.report(ctx, j, domain.PhaseContactExtraction, fractionOf(cp.ScannedCount, cp.ScannedCount+1), fmt.Sprintf("scanned %d messages, %d contacts", cp.ScannedCount, cp.ContactCount))
	})
	if err != nil {
		if cerr := classifyCtxErr(domain.PhaseContactExtraction, ctx.Err()); cerr != nil {
			return nil, cerr
		}
		return nil, apperr.MailSourceUnavailable(err)
	}

	// Tier1 requires a reply observed somewhere in the account; the
	// sent-mail scan can't see those, so seed inbound counts from what
	// the store already holds.
	inboundByAddress := map[string]int{}
	prevStatusByAddress := map[string]domain.RelationshipStatus{}
	if known, lErr := s.store.ListContacts(ctx, domain.ContactFilter{AccountID: j.AccountID}); lErr == nil {
		for _, c := range known {
			inboundByAddress[c.Address] = c.InboundCount
			prevStatusByAddress[c.Address] = c.Status
		}
	}

	contacts := extractor.BuildContacts(j.AccountID, result, inboundByAddress, cfg)
	for i := range contacts {
		// Keep the last classification: runAnalyze hands it to the
		// Analyzer as the previous status its dormant rule reads.
		contacts[i].Status = prevStatusByAddress[contacts[i].Address]
		if err := s.store.UpsertContact(ctx, contacts[i]); err != nil {
			return nil, apperr.StoreConflict(err)
		}
	}
	s.report(ctx, j, domain.PhaseContactExtraction, 1, fmt.Sprintf("%d trusted contacts", len(contacts)))
	return contacts, nil
}

// runIngest wraps the Message Ingester as Phase 1 step 2: only
// tier1/tier2 contacts are ingested.
func (s *Supervisor) runIngest(ctx context.Context, j *domain.Job, contacts []domain.Contact, cfg ingest.Config) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
	defer cancel()

	eligible := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.TrustTier == domain.TrustTier1 || c.TrustTier == domain.TrustTier2 {
			eligible = append(eligible, c)
		}
	}

	s.report(ctx, j, domain.PhaseMessageIngest, 0, fmt.Sprintf("ingesting %d contacts", len(eligible)))
	summary, err := ingest.Run(ctx, s.mail, s.store, j.AccountID, eligible, s.loadCursors(ctx, j.AccountID), cfg)
	if err != nil {
		if cerr := classifyCtxErr(domain.PhaseMessageIngest, ctx.Err()); cerr != nil {
			return cerr
		}
		return apperr.MailSourceUnavailable(err)
	}
	s.saveCursors(ctx, j.AccountID, summary.NextCursors)

	var failed int
	for _, r := range summary.Results {
		if r.Err != nil {
			failed++
		}
	}
	s.report(ctx, j, domain.PhaseMessageIngest, 1, fmt.Sprintf("%d messages ingested, %d contacts failed", len(summary.Messages), failed))
	return nil
}

func cursorKey(accountID uuid.UUID) string {
	return "ingest:cursors:" + accountID.String()
}

// loadCursors reads the per-address ingest bookmarks saved by the last
// run. A missing or unreadable cursor set just means a full-window
// fetch; the store's (account, external id) dedupe keeps that correct,
// only slower.
func (s *Supervisor) loadCursors(ctx context.Context, accountID uuid.UUID) map[string]time.Time {
	if s.cache == nil {
		return nil
	}
	fields, err := s.cache.HGetAll(ctx, cursorKey(accountID))
	if err != nil {
		logger.Warn("[job] cursor load failed for %s: %v", accountID, err)
		return nil
	}
	cursors := make(map[string]time.Time, len(fields))
	for addr, raw := range fields {
		if ts, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			cursors[addr] = ts
		}
	}
	return cursors
}

func (s *Supervisor) saveCursors(ctx context.Context, accountID uuid.UUID, cursors []ingest.Cursor) {
	if s.cache == nil {
		return
	}
	for _, c := range cursors {
		if err := s.cache.HSet(ctx, cursorKey(accountID), c.Address, []byte(c.Since.UTC().Format(time.RFC3339Nano))); err != nil {
			logger.Warn("[job] cursor save failed for %s/%s: %v", accountID, c.Address, err)
			return
		}
	}
}

// runAnalyze wraps the Relationship Analyzer as Phase 1 step 3,
// classifying every tier1/tier2 contact's true engagement from its
// message history and persisting the updated status.
func (s *Supervisor) runAnalyze(ctx context.Context, j *domain.Job, contacts []domain.Contact) (map[string]domain.ContactMatrixEntry, error) {
	s.report(ctx, j, domain.PhaseCommIntelligence, 0, "classifying relationships")
	now := time.Now().UTC()
	statusByAddress := map[string]domain.ContactMatrixEntry{}

	for i, c := range contacts {
		if c.TrustTier == domain.TrustTier3 {
			continue
		}
		filter := domain.MessageFilter{AccountID: j.AccountID, Address: &c.Address}
		messages, err := s.store.GetMessages(ctx, filter)
		if err != nil {
			return nil, apperr.StoreConflict(err)
		}
		result := analyzer.Analyze(messages, c.Status, now, s.cfg.Analyzer)
		c.PrevStatus = c.Status
		c.Status = result.Status
		c.EngagementScore = result.EngagementScore
		c.OutboundCount = result.Features.OutboundCount
		c.InboundCount = result.Features.InboundCount
		if !result.Features.LastActivityAt.IsZero() {
			c.LastSeenAt = result.Features.LastActivityAt
		}

		if s.enricher != nil {
			if record, err := s.enricher.Enrich(ctx, c); err != nil {
				logger.Warn("[job %s] enrichment failed for %s: %v", j.JobID, c.Address, err)
				c.EnrichmentStatus = domain.EnrichmentFailed
			} else {
				c.EnrichmentRecord = record
				c.EnrichmentStatus = domain.EnrichmentOK
			}
		}

		if err := s.store.UpsertContact(ctx, c); err != nil {
			return nil, apperr.StoreConflict(err)
		}
		statusByAddress[c.Address] = domain.ContactMatrixEntry{Address: c.Address, Status: c.Status, EngagementScore: c.EngagementScore}

		s.report(ctx, j, domain.PhaseCommIntelligence, fractionOf(i+1, len(contacts)), fmt.Sprintf("classified %d/%d contacts", i+1, len(contacts)))

		if ctx.Err() != nil {
			return nil, apperr.Cancelled("analysis cancelled")
		}
	}
	return statusByAddress, nil
}

// runOrganize wraps the Organizer as Phase 1 step 4, building a
// new OrganizedSnapshot over every ingested message.
func (s *Supervisor) runOrganize(ctx context.Context, j *domain.Job, statusByAddress map[string]domain.ContactMatrixEntry) (*domain.OrganizedSnapshot, error) {
	s.report(ctx, j, domain.PhaseOrganize, 0, "organizing topics")
	messages, err := s.store.GetMessages(ctx, domain.MessageFilter{AccountID: j.AccountID})
	if err != nil {
		return nil, apperr.StoreConflict(err)
	}
	snapshotID := fmt.Sprintf("snap-%d", snowflake.NextID())
	snapshot := organizer.Build(j.AccountID, snapshotID, time.Now().UTC(), messages, statusByAddress, s.cfg.Organizer)
	if err := s.store.PutSnapshot(ctx, snapshot); err != nil {
		return nil, apperr.StoreConflict(err)
	}
	s.report(ctx, j, domain.PhaseOrganize, 1, fmt.Sprintf("%d topics organized", len(snapshot.Topics)))
	return &snapshot, nil
}

// runPhase2 wraps the Analyst Pool and the Synthesizer, committing the
// resulting tree through Store.WithSnapshot (its source snapshot was
// already persisted by runOrganize). On
// error it also returns the sub-phase that failed, so the caller's
// ResumeInfo.NextStep names the actual point of failure rather than
// always blaming synthesize.
func (s *Supervisor) runPhase2(ctx context.Context, j *domain.Job, snapshot *domain.OrganizedSnapshot) (*domain.KnowledgeTree, domain.Phase, error) {
	poolCtx, cancel := context.WithTimeout(ctx, s.cfg.AnalystPoolTimeout)
	defer cancel()

	s.report(ctx, j, domain.PhaseAnalystPool, 0, "running analyst pool")
	pool := analyst.RunPool(poolCtx, s.llm, snapshot, s.cfg.Analyst, s.limiter)
	if len(pool.Failed) > 0 {
		logger.Warn("[job %s] %d analysts failed: %v", j.JobID, len(pool.Failed), pool.Failed)
	}
	j.FailedAnalysts = pool.Failed
	s.report(ctx, j, domain.PhaseAnalystPool, 1, fmt.Sprintf("%d findings, %d analysts failed", len(pool.Findings), len(pool.Failed)))

	if cerr := classifyCtxErr(domain.PhaseAnalystPool, poolCtx.Err()); cerr != nil {
		return nil, domain.PhaseAnalystPool, cerr
	}

	s.report(ctx, j, domain.PhaseSynthesize, 0, "synthesizing knowledge tree")
	prevTree, err := s.store.GetLatestTree(ctx, j.AccountID)
	if err != nil {
		return nil, domain.PhaseSynthesize, apperr.StoreConflict(err)
	}
	version := 1
	if prevTree != nil {
		version = prevTree.Version + 1
	}
	treeID := fmt.Sprintf("tree-%d", snowflake.NextID())
	tree := synthesizer.Synthesize(treeID, time.Now().UTC(), snapshot, pool.Findings, pool.Failed, version)

	committed := tree
	err = s.store.WithSnapshot(ctx, j.AccountID, func(txCtx context.Context, tx out.Store) error {
		return tx.PutTree(txCtx, committed)
	})
	if err != nil {
		return nil, domain.PhaseSynthesize, apperr.StoreConflict(err)
	}
	s.report(ctx, j, domain.PhaseSynthesize, 1, fmt.Sprintf("tree %s v%d committed", tree.TreeID, tree.Version))

	if s.mirror != nil {
		if err := s.mirror.MirrorTree(ctx, committed); err != nil {
			logger.Warn("[job %s] graph mirror failed: %v", j.JobID, err)
		}
	}
	return &committed, domain.PhaseSynthesize, nil
}

func fractionOf(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// Extract runs only the Trusted-Contact Extractor under its own Job,
// for operators who want to re-seed trust tiers without touching
// message history.
func (s *Supervisor) Extract(ctx context.Context, accountID uuid.UUID, lookbackDays int) error {
	j, err := s.createJob(ctx, accountID, domain.JobKindExtract)
	if err != nil {
		return err
	}
	cfg := s.cfg.Extract
	if lookbackDays > 0 {
		cfg.LookbackDays = lookbackDays
	}

	if _, err := s.runExtract(ctx, j, cfg); err != nil {
		s.fail(ctx, j, domain.PhaseContactExtraction, err)
		return err
	}
	return s.transition(ctx, j, domain.JobCompleted, domain.PhaseContactExtraction, 100, "extraction complete")
}

// Ingest runs only the Message Ingester under its own Job over every
// tier1/tier2 contact already on file.
func (s *Supervisor) Ingest(ctx context.Context, accountID uuid.UUID, windowDays int) error {
	j, err := s.createJob(ctx, accountID, domain.JobKindIngest)
	if err != nil {
		return err
	}
	contacts, err := s.store.ListContacts(ctx, domain.ContactFilter{AccountID: accountID, Tiers: []domain.TrustTier{domain.TrustTier1, domain.TrustTier2}})
	if err != nil {
		s.fail(ctx, j, domain.PhaseMessageIngest, apperr.StoreConflict(err))
		return err
	}
	cfg := s.cfg.Ingest
	if windowDays > 0 {
		cfg.WindowDays = windowDays
	}

	if err := s.runIngest(ctx, j, contacts, cfg); err != nil {
		s.fail(ctx, j, domain.PhaseMessageIngest, err)
		return err
	}
	return s.transition(ctx, j, domain.JobCompleted, domain.PhaseMessageIngest, 100, "ingest complete")
}

// Analyze runs only the Relationship Analyzer under its own Job over
// every contact already ingested.
func (s *Supervisor) Analyze(ctx context.Context, accountID uuid.UUID) error {
	j, err := s.createJob(ctx, accountID, domain.JobKindAnalyze)
	if err != nil {
		return err
	}
	contacts, err := s.store.ListContacts(ctx, domain.ContactFilter{AccountID: accountID})
	if err != nil {
		s.fail(ctx, j, domain.PhaseCommIntelligence, apperr.StoreConflict(err))
		return err
	}
	if _, err := s.runAnalyze(ctx, j, contacts); err != nil {
		s.fail(ctx, j, domain.PhaseCommIntelligence, err)
		return err
	}
	return s.transition(ctx, j, domain.JobCompleted, domain.PhaseCommIntelligence, 100, "analysis complete")
}

// Organize runs only the Organizer under its own Job and returns the
// resulting snapshot.
func (s *Supervisor) Organize(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error) {
	j, err := s.createJob(ctx, accountID, domain.JobKindOrganize)
	if err != nil {
		return nil, err
	}
	contacts, err := s.store.ListContacts(ctx, domain.ContactFilter{AccountID: accountID})
	if err != nil {
		s.fail(ctx, j, domain.PhaseOrganize, apperr.StoreConflict(err))
		return nil, err
	}
	statusByAddress := map[string]domain.ContactMatrixEntry{}
	for _, c := range contacts {
		statusByAddress[c.Address] = domain.ContactMatrixEntry{Address: c.Address, Status: c.Status, EngagementScore: c.EngagementScore}
	}
	snapshot, err := s.runOrganize(ctx, j, statusByAddress)
	if err != nil {
		s.fail(ctx, j, domain.PhaseOrganize, err)
		return nil, err
	}
	if err := s.transition(ctx, j, domain.JobCompleted, domain.PhaseOrganize, 100, "organize complete"); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// BuildTree runs only Phase 2 (Analyst Pool + Synthesizer) under its own
// Job over an already-organized snapshot.
func (s *Supervisor) BuildTree(ctx context.Context, accountID uuid.UUID, snapshotID string, opts in.RunOptions) (*domain.KnowledgeTree, error) {
	j, err := s.createJob(ctx, accountID, domain.JobKindBuildTree)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.store.GetLatestSnapshot(ctx, accountID)
	if err != nil {
		s.fail(ctx, j, domain.PhaseSynthesize, apperr.StoreConflict(err))
		return nil, err
	}
	if snapshot == nil || (snapshotID != "" && snapshot.SnapshotID != snapshotID) {
		err := apperr.NotFound("snapshot")
		s.fail(ctx, j, domain.PhaseSynthesize, err)
		return nil, err
	}
	tree, failedPhase, err := s.runPhase2(ctx, j, snapshot)
	if err != nil {
		s.fail(ctx, j, failedPhase, err)
		return nil, err
	}
	if err := s.transition(ctx, j, domain.JobCompleted, domain.PhaseSynthesize, 100, "tree built"); err != nil {
		return nil, err
	}
	return tree, nil
}
