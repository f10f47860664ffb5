package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the Supervisor's state machine. Legal transitions:
// pending->running, running->running (progress), running->{completed,
// failed}, running->stopping, stopping->stopped. All other states are
// terminal and immutable.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobStopping  JobState = "stopping"
	JobStopped   JobState = "stopped"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStopped, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates every edge the state machine allows.
var legalTransitions = map[JobState]map[JobState]bool{
	JobPending:  {JobRunning: true},
	JobRunning:  {JobRunning: true, JobCompleted: true, JobFailed: true, JobStopping: true},
	JobStopping: {JobStopped: true},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to JobState) bool {
	return legalTransitions[from][to]
}

// JobKind names the core invocation a Job drives: one phase in
// isolation, or the whole pipeline.
type JobKind string

const (
	JobKindExtract   JobKind = "extract"
	JobKindIngest    JobKind = "ingest"
	JobKindAnalyze   JobKind = "analyze"
	JobKindOrganize  JobKind = "organize"
	JobKindBuildTree JobKind = "build_tree"
	JobKindPipeline  JobKind = "pipeline"
)

// Phase is drawn from the fixed vocabulary consumers render.
type Phase string

const (
	PhaseContactExtraction Phase = "contact_extraction"
	PhaseMessageIngest     Phase = "message_ingest"
	PhaseCommIntelligence  Phase = "comm_intelligence"
	PhaseOrganize          Phase = "organize"
	PhaseAnalystPool       Phase = "analyst_pool"
	PhaseSynthesize        Phase = "synthesize"
)

// ProgressSpan is the [low, high) progress bracket reserved for a phase.
type ProgressSpan struct{ Low, High int }

var PhaseProgressSpans = map[Phase]ProgressSpan{
	PhaseContactExtraction: {0, 15},
	PhaseMessageIngest:     {15, 40},
	PhaseCommIntelligence:  {40, 50},
	PhaseOrganize:          {50, 60},
	PhaseAnalystPool:       {60, 90},
	PhaseSynthesize:        {90, 100},
}

// ErrorKind classifies a Job failure for consumers.
type ErrorKind string

const (
	ErrAuthMissing           ErrorKind = "auth_missing"
	ErrMailSourceUnavailable ErrorKind = "mail_source_unavailable"
	ErrStoreConflict         ErrorKind = "store_conflict"
	ErrLLMTransport          ErrorKind = "llm_transport"
	ErrLLMSchema             ErrorKind = "llm_schema"
	ErrLLMRateLimited        ErrorKind = "llm_rate_limited"
	ErrPhaseTimeout          ErrorKind = "phase_timeout"
	ErrCancelled             ErrorKind = "cancelled"
	ErrInvalidInput          ErrorKind = "invalid_input"
)

// ResumeInfo tells a restarted Job where to pick up.
type ResumeInfo struct {
	CanResume          bool   `json:"can_resume"`
	NextStep           string `json:"next_step,omitempty"`
	Reason             string `json:"reason,omitempty"`
	ProgressCheckpoint int    `json:"progress_checkpoint,omitempty"`
}

// Job is the first-class supervised pipeline execution. Terminal states
// are immutable; the HTTP layer only reads this, it never mutates
// transitions directly.
type Job struct {
	JobID            string        `json:"job_id" db:"job_id"`
	AccountID        uuid.UUID     `json:"account_id" db:"account_id"`
	Kind             JobKind       `json:"kind" db:"kind"`
	State            JobState      `json:"state" db:"state"`
	Progress         int           `json:"progress" db:"progress"`
	Phase            Phase         `json:"phase" db:"phase"`
	Message          string        `json:"message" db:"message"`
	ErrorKind        ErrorKind     `json:"error_kind,omitempty" db:"error_kind"`
	PartialResultRef string        `json:"partial_result_ref,omitempty" db:"partial_result_ref"`
	ResumeInfo       *ResumeInfo   `json:"resume_info,omitempty" db:"-"`
	FailedAnalysts   []AnalystKind `json:"failed_analysts,omitempty" db:"-"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// JobStatus is the read-only surface consumed by the thin HTTP layer.
// It is a projection of Job, not a separate entity.
type JobStatus struct {
	JobID            string      `json:"job_id"`
	State            JobState    `json:"state"`
	Progress         int         `json:"progress"`
	Phase            Phase       `json:"phase"`
	Message          string      `json:"message"`
	PartialResultRef string      `json:"partial_result,omitempty"`
	ResumeInfo       *ResumeInfo `json:"resume_info,omitempty"`
}

func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:            j.JobID,
		State:            j.State,
		Progress:         j.Progress,
		Phase:            j.Phase,
		Message:          j.Message,
		PartialResultRef: j.PartialResultRef,
		ResumeInfo:       j.ResumeInfo,
	}
}
