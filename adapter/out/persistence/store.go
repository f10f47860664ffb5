// Package persistence composes the relational (postgres) and document
// (mongodoc) halves behind the single out.Store surface the core
// expects: one Message Store collaborator, not N independent
// repositories.
package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"knowledgetree/adapter/out/mongodoc"
	"knowledgetree/adapter/out/persistence/postgres"
	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
)

// CompositeStore implements out.Store, the Message Store collaborator
// surface: messages/contacts/jobs live relationally, organized
// snapshots and knowledge trees live as documents.
type CompositeStore struct {
	rel  *postgres.Store
	docs *mongodoc.Store
}

func New(rel *postgres.Store, docs *mongodoc.Store) *CompositeStore {
	return &CompositeStore{rel: rel, docs: docs}
}

var _ out.Store = (*CompositeStore)(nil)

func (c *CompositeStore) UpsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	return c.rel.UpsertMessage(ctx, msg)
}

func (c *CompositeStore) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	return c.rel.GetMessages(ctx, filter)
}

func (c *CompositeStore) UpsertContact(ctx context.Context, contact domain.Contact) error {
	return c.rel.UpsertContact(ctx, contact)
}

func (c *CompositeStore) ListContacts(ctx context.Context, filter domain.ContactFilter) ([]domain.Contact, error) {
	return c.rel.ListContacts(ctx, filter)
}

func (c *CompositeStore) GetContact(ctx context.Context, accountID uuid.UUID, address string) (*domain.Contact, error) {
	return c.rel.GetContact(ctx, accountID, address)
}

func (c *CompositeStore) PutSnapshot(ctx context.Context, snapshot domain.OrganizedSnapshot) error {
	return c.docs.PutSnapshot(ctx, snapshot)
}

func (c *CompositeStore) GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error) {
	return c.docs.GetLatestSnapshot(ctx, accountID)
}

func (c *CompositeStore) PutTree(ctx context.Context, tree domain.KnowledgeTree) error {
	return c.docs.PutTree(ctx, tree)
}

func (c *CompositeStore) GetLatestTree(ctx context.Context, accountID uuid.UUID) (*domain.KnowledgeTree, error) {
	return c.docs.GetLatestTree(ctx, accountID)
}

func (c *CompositeStore) PutJob(ctx context.Context, job domain.Job) error {
	return c.rel.PutJob(ctx, job)
}

func (c *CompositeStore) UpdateJob(ctx context.Context, job domain.Job) error {
	return c.rel.UpdateJob(ctx, job)
}

func (c *CompositeStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.rel.GetJob(ctx, jobID)
}

// WithSnapshot commits a KnowledgeTree and its source OrganizedSnapshot
// atomically (the snapshot must exist when the tree is written) via a
// Mongo session transaction; the relational side is
// untouched by this call, so there is nothing to roll back there.
func (c *CompositeStore) WithSnapshot(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx out.Store) error) error {
	err := c.docs.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		return fn(sessCtx, c)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", string(domain.ErrStoreConflict), err)
	}
	return nil
}
