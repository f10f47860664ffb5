package out

import (
	"context"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

// Store is the Message Store collaborator surface: typed
// persistence for messages, contacts, enrichment records, jobs, and
// knowledge-tree snapshots. Upserts are idempotent, keyed by each
// entity's natural id.
type Store interface {
	UpsertMessage(ctx context.Context, msg domain.Message) (int64, error)
	GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error)

	UpsertContact(ctx context.Context, contact domain.Contact) error
	ListContacts(ctx context.Context, filter domain.ContactFilter) ([]domain.Contact, error)
	GetContact(ctx context.Context, accountID uuid.UUID, address string) (*domain.Contact, error)

	PutSnapshot(ctx context.Context, snapshot domain.OrganizedSnapshot) error
	GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error)

	PutTree(ctx context.Context, tree domain.KnowledgeTree) error
	GetLatestTree(ctx context.Context, accountID uuid.UUID) (*domain.KnowledgeTree, error)

	PutJob(ctx context.Context, job domain.Job) error
	UpdateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// WithSnapshot commits a KnowledgeTree and its source
	// OrganizedSnapshot atomically. fn
	// receives a Store bound to the transaction; any error aborts the
	// commit.
	WithSnapshot(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx Store) error) error
}
