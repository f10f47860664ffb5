package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"knowledgetree/core/domain"
)

func toJobRow(job domain.Job) (jobRow, error) {
	row := jobRow{
		JobID:            job.JobID,
		AccountID:        job.AccountID,
		Kind:             string(job.Kind),
		State:            string(job.State),
		Progress:         job.Progress,
		Phase:            string(job.Phase),
		Message:          job.Message,
		ErrorKind:        nullStr(string(job.ErrorKind)),
		PartialResultRef: nullStr(job.PartialResultRef),
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	if job.ResumeInfo != nil {
		buf, err := json.Marshal(job.ResumeInfo)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal resume info: %w", err)
		}
		row.ResumeInfoJSON = nullStr(string(buf))
	}
	if len(job.FailedAnalysts) > 0 {
		kinds := make([]string, len(job.FailedAnalysts))
		for i, k := range job.FailedAnalysts {
			kinds[i] = string(k)
		}
		row.FailedAnalystsCSV = nullStr(strings.Join(kinds, ","))
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.UpdatedAt = time.Now().UTC()
	return row, nil
}

func (r jobRow) toDomain() (domain.Job, error) {
	job := domain.Job{
		JobID:            r.JobID,
		AccountID:        r.AccountID,
		Kind:             domain.JobKind(r.Kind),
		State:            domain.JobState(r.State),
		Progress:         r.Progress,
		Phase:            domain.Phase(r.Phase),
		Message:          r.Message,
		ErrorKind:        domain.ErrorKind(r.ErrorKind.String),
		PartialResultRef: r.PartialResultRef.String,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ResumeInfoJSON.Valid && r.ResumeInfoJSON.String != "" {
		var ri domain.ResumeInfo
		if err := json.Unmarshal([]byte(r.ResumeInfoJSON.String), &ri); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal resume info: %w", err)
		}
		job.ResumeInfo = &ri
	}
	if r.FailedAnalystsCSV.Valid && r.FailedAnalystsCSV.String != "" {
		parts := strings.Split(r.FailedAnalystsCSV.String, ",")
		kinds := make([]domain.AnalystKind, len(parts))
		for i, p := range parts {
			kinds[i] = domain.AnalystKind(p)
		}
		job.FailedAnalysts = kinds
	}
	return job, nil
}
