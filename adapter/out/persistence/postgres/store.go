// Package postgres implements the relational half of the Message Store
// port (messages, contacts, jobs) over pgx/sqlx, with ON CONFLICT
// upserts keyed by each entity's natural id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"knowledgetree/core/domain"
)

// Store implements the message/contact/job slice of out.Store.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- messages -----------------------------------------------------------

type messageRow struct {
	ID         int64          `db:"id"`
	AccountID  uuid.UUID      `db:"account_id"`
	ExternalID string         `db:"external_id"`
	Direction  string         `db:"direction"`
	Timestamp  time.Time      `db:"timestamp"`
	From       string         `db:"from_address"`
	To         pq.StringArray `db:"to_addresses"`
	Cc         pq.StringArray `db:"cc_addresses"`
	Bcc        pq.StringArray `db:"bcc_addresses"`
	Subject    string         `db:"subject"`
	Body       string         `db:"body"`
	ThreadID   string         `db:"thread_id"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:         r.ID,
		AccountID:  r.AccountID,
		ExternalID: r.ExternalID,
		Direction:  domain.Direction(r.Direction),
		Timestamp:  r.Timestamp,
		From:       r.From,
		To:         []string(r.To),
		Cc:         []string(r.Cc),
		Bcc:        []string(r.Bcc),
		Subject:    r.Subject,
		Body:       r.Body,
		ThreadID:   r.ThreadID,
	}
}

// UpsertMessage is idempotent and keyed by (account_id, external_id).
// Messages are immutable once upserted, so a
// conflict is a no-op beyond returning the existing row's id.
func (s *Store) UpsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	const q = `
		INSERT INTO messages (
			account_id, external_id, direction, timestamp,
			from_address, to_addresses, cc_addresses, bcc_addresses,
			subject, body, thread_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, external_id) DO UPDATE SET
			thread_id = messages.thread_id
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, q,
		msg.AccountID, msg.ExternalID, string(msg.Direction), msg.Timestamp,
		msg.From, pq.Array(msg.To), pq.Array(msg.Cc), pq.Array(msg.Bcc),
		msg.Subject, msg.Body, msg.ThreadID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert message: %w", err)
	}
	return id, nil
}

// GetMessages honors the filter's address/thread/direction/range scoping
// and ordering by timestamp when requested.
func (s *Store) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, account_id, external_id, direction, timestamp, from_address, to_addresses, cc_addresses, bcc_addresses, subject, body, thread_id FROM messages WHERE account_id = $1`)
	args := []any{filter.AccountID}

	if filter.Address != nil {
		args = append(args, *filter.Address)
		sb.WriteString(fmt.Sprintf(" AND (from_address = $%d OR $%d = ANY(to_addresses) OR $%d = ANY(cc_addresses) OR $%d = ANY(bcc_addresses))", len(args), len(args), len(args), len(args)))
	}
	if filter.ThreadID != nil {
		args = append(args, *filter.ThreadID)
		sb.WriteString(fmt.Sprintf(" AND thread_id = $%d", len(args)))
	}
	if filter.Direction != nil {
		args = append(args, string(*filter.Direction))
		sb.WriteString(fmt.Sprintf(" AND direction = $%d", len(args)))
	}
	if filter.Range.From != nil {
		args = append(args, *filter.Range.From)
		sb.WriteString(fmt.Sprintf(" AND timestamp >= $%d", len(args)))
	}
	if filter.Range.To != nil {
		args = append(args, *filter.Range.To)
		sb.WriteString(fmt.Sprintf(" AND timestamp <= $%d", len(args)))
	}

	order := "ASC"
	if filter.Sort != nil && filter.Sort.Order == domain.SortDesc {
		order = "DESC"
	}
	sb.WriteString(" ORDER BY timestamp " + order)

	if filter.Page != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Page.Limit(), filter.Page.Offset()))
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	msgs := make([]domain.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.toDomain()
	}
	return msgs, nil
}

// --- contacts -------------------------------------------------------------

type contactRow struct {
	AccountID        uuid.UUID      `db:"account_id"`
	Address          string         `db:"address"`
	DisplayName      sql.NullString `db:"display_name"`
	Domain           string         `db:"domain"`
	FirstSeenAt      time.Time      `db:"first_seen_at"`
	LastSeenAt       time.Time      `db:"last_seen_at"`
	OutboundCount    int            `db:"outbound_count"`
	InboundCount     int            `db:"inbound_count"`
	TrustTier        string         `db:"trust_tier"`
	Status           string         `db:"status"`
	PrevStatus       sql.NullString `db:"prev_status"`
	EngagementScore  float64        `db:"engagement_score"`
	EnrichmentRecord sql.NullString `db:"enrichment_record"`
	EnrichmentStatus sql.NullString `db:"enrichment_status"`
}

func (r contactRow) toDomain() domain.Contact {
	return domain.Contact{
		AccountID:        r.AccountID,
		Address:          r.Address,
		DisplayName:      r.DisplayName.String,
		Domain:           r.Domain,
		FirstSeenAt:      r.FirstSeenAt,
		LastSeenAt:       r.LastSeenAt,
		OutboundCount:    r.OutboundCount,
		InboundCount:     r.InboundCount,
		TrustTier:        domain.TrustTier(r.TrustTier),
		Status:           domain.RelationshipStatus(r.Status),
		PrevStatus:       domain.RelationshipStatus(r.PrevStatus.String),
		EngagementScore:  r.EngagementScore,
		EnrichmentRecord: r.EnrichmentRecord.String,
		EnrichmentStatus: domain.EnrichmentStatus(r.EnrichmentStatus.String),
	}
}

// UpsertContact is idempotent, keyed by (account_id, address).
func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	const q = `
		INSERT INTO contacts (
			account_id, address, display_name, domain, first_seen_at, last_seen_at,
			outbound_count, inbound_count, trust_tier, status, prev_status,
			engagement_score, enrichment_record, enrichment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id, address) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			domain = EXCLUDED.domain,
			last_seen_at = GREATEST(contacts.last_seen_at, EXCLUDED.last_seen_at),
			outbound_count = EXCLUDED.outbound_count,
			inbound_count = EXCLUDED.inbound_count,
			trust_tier = EXCLUDED.trust_tier,
			prev_status = contacts.status,
			status = EXCLUDED.status,
			engagement_score = EXCLUDED.engagement_score,
			enrichment_record = COALESCE(NULLIF(EXCLUDED.enrichment_record, ''), contacts.enrichment_record),
			enrichment_status = COALESCE(NULLIF(EXCLUDED.enrichment_status, ''), contacts.enrichment_status)`

	_, err := s.db.ExecContext(ctx, q,
		c.AccountID, c.Address, nullStr(c.DisplayName), c.Domain, c.FirstSeenAt, c.LastSeenAt,
		c.OutboundCount, c.InboundCount, string(c.TrustTier), string(c.Status), string(c.PrevStatus),
		c.EngagementScore, c.EnrichmentRecord, string(c.EnrichmentStatus),
	)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (s *Store) ListContacts(ctx context.Context, filter domain.ContactFilter) ([]domain.Contact, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT account_id, address, display_name, domain, first_seen_at, last_seen_at, outbound_count, inbound_count, trust_tier, status, prev_status, engagement_score, enrichment_record, enrichment_status FROM contacts WHERE account_id = $1`)
	args := []any{filter.AccountID}

	if len(filter.Tiers) > 0 {
		tiers := make([]string, len(filter.Tiers))
		for i, t := range filter.Tiers {
			tiers[i] = string(t)
		}
		args = append(args, pq.Array(tiers))
		sb.WriteString(fmt.Sprintf(" AND trust_tier = ANY($%d)", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		sb.WriteString(fmt.Sprintf(" AND status = ANY($%d)", len(args)))
	}
	sb.WriteString(" ORDER BY address ASC")
	if filter.Page != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Page.Limit(), filter.Page.Offset()))
	}

	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	contacts := make([]domain.Contact, len(rows))
	for i, r := range rows {
		contacts[i] = r.toDomain()
	}
	return contacts, nil
}

func (s *Store) GetContact(ctx context.Context, accountID uuid.UUID, address string) (*domain.Contact, error) {
	const q = `SELECT account_id, address, display_name, domain, first_seen_at, last_seen_at, outbound_count, inbound_count, trust_tier, status, prev_status, engagement_score, enrichment_record, enrichment_status FROM contacts WHERE account_id = $1 AND address = $2`
	var row contactRow
	if err := s.db.GetContext(ctx, &row, q, accountID, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	c := row.toDomain()
	return &c, nil
}

// --- jobs -------------------------------------------------------------

type jobRow struct {
	JobID             string         `db:"job_id"`
	AccountID         uuid.UUID      `db:"account_id"`
	Kind              string         `db:"kind"`
	State             string         `db:"state"`
	Progress          int            `db:"progress"`
	Phase             string         `db:"phase"`
	Message           string         `db:"message"`
	ErrorKind         sql.NullString `db:"error_kind"`
	PartialResultRef  sql.NullString `db:"partial_result_ref"`
	ResumeInfoJSON    sql.NullString `db:"resume_info"`
	FailedAnalystsCSV sql.NullString `db:"failed_analysts"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (s *Store) PutJob(ctx context.Context, job domain.Job) error {
	const q = `
		INSERT INTO jobs (job_id, account_id, kind, state, progress, phase, message, error_kind, partial_result_ref, resume_info, failed_analysts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state, progress = EXCLUDED.progress, phase = EXCLUDED.phase,
			message = EXCLUDED.message, error_kind = EXCLUDED.error_kind,
			partial_result_ref = EXCLUDED.partial_result_ref, resume_info = EXCLUDED.resume_info,
			failed_analysts = EXCLUDED.failed_analysts, updated_at = EXCLUDED.updated_at`
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q, row.JobID, row.AccountID, row.Kind, row.State, row.Progress, row.Phase,
		row.Message, row.ErrorKind, row.PartialResultRef, row.ResumeInfoJSON, row.FailedAnalystsCSV, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

// UpdateJob enforces the Job state machine: a caller moving a Job
// between illegal states is a programming error caught here rather than
// silently persisted.
func (s *Store) UpdateJob(ctx context.Context, job domain.Job) error {
	existing, err := s.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State != job.State && !domain.CanTransition(existing.State, job.State) {
		return fmt.Errorf("illegal job transition %s -> %s", existing.State, job.State)
	}
	if existing != nil && existing.State.Terminal() {
		return fmt.Errorf("job %s is in terminal state %s, immutable", job.JobID, existing.State)
	}
	return s.PutJob(ctx, job)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	const q = `SELECT job_id, account_id, kind, state, progress, phase, message, error_kind, partial_result_ref, resume_info, failed_analysts, created_at, updated_at FROM jobs WHERE job_id = $1`
	var row jobRow
	if err := s.db.GetContext(ctx, &row, q, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
