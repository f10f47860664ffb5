// Package mongodoc implements the document half of out.Store:
// OrganizedSnapshots and KnowledgeTrees, the two artifacts Phase 2
// reads and writes wholesale rather than querying field-by-field. A
// collection per concern, with the client session transaction
// WithSnapshot needs driven from here as well.
package mongodoc

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

const (
	collectionSnapshots = "organized_snapshots"
	collectionTrees     = "knowledge_trees"
)

// Store implements the document-store half of out.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func New(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{client: client, db: db}
}

// EnsureIndexes creates the indexes every query below relies on. Safe
// to call repeatedly; Mongo no-ops on an existing index with the same
// keys and options.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	snapshots := s.db.Collection(collectionSnapshots)
	if _, err := snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "generated_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("ensure snapshot index: %w", err)
	}

	trees := s.db.Collection(collectionTrees)
	if _, err := trees.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "generated_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("ensure tree index: %w", err)
	}
	return nil
}

// snapshotDoc mirrors domain.OrganizedSnapshot with bson tags; the
// account id is stored alongside the snapshot itself since the
// document carries no separate account-keyed parent.
type snapshotDoc struct {
	SnapshotID      string                                `bson:"snapshot_id"`
	AccountID       string                                `bson:"account_id"`
	GeneratedAt     int64                                 `bson:"generated_at"`
	MessageCount    int                                   `bson:"message_count"`
	Fingerprint     string                                `bson:"fingerprint"`
	Topics          []domain.TopicSummary                 `bson:"topics"`
	ContactMatrix   map[string]domain.ContactMatrixEntry  `bson:"contact_matrix"`
	ContactToTopics map[string][]string                   `bson:"contact_to_topics"`
	TopicToContacts map[string][]string                   `bson:"topic_to_contacts"`
}

func toSnapshotDoc(accountID uuid.UUID, snap domain.OrganizedSnapshot) snapshotDoc {
	return snapshotDoc{
		SnapshotID:      snap.SnapshotID,
		AccountID:       accountID.String(),
		GeneratedAt:     snap.GeneratedAt.UnixNano(),
		MessageCount:    snap.MessageCount,
		Fingerprint:     snap.Fingerprint,
		Topics:          snap.Topics,
		ContactMatrix:   snap.ContactMatrix,
		ContactToTopics: snap.ContactToTopics,
		TopicToContacts: snap.TopicToContacts,
	}
}

func (d snapshotDoc) toDomain() domain.OrganizedSnapshot {
	return domain.OrganizedSnapshot{
		SnapshotID:      d.SnapshotID,
		AccountID:       mustParseUUID(d.AccountID),
		GeneratedAt:     unixNanoToTime(d.GeneratedAt),
		MessageCount:    d.MessageCount,
		Fingerprint:     d.Fingerprint,
		Topics:          d.Topics,
		ContactMatrix:   d.ContactMatrix,
		ContactToTopics: d.ContactToTopics,
		TopicToContacts: d.TopicToContacts,
	}
}

// PutSnapshot upserts the account's snapshot for this generation; a
// snapshot is never mutated once written, so this always
// inserts a new document rather than replacing the latest one.
func (s *Store) PutSnapshot(ctx context.Context, snap domain.OrganizedSnapshot) error {
	doc := toSnapshotDoc(snap.AccountID, snap)
	_, err := s.db.Collection(collectionSnapshots).ReplaceOne(ctx,
		bson.M{"snapshot_id": doc.SnapshotID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recently generated snapshot for
// the account, or nil if the Organizer has never run for it.
func (s *Store) GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "generated_at", Value: -1}})
	var doc snapshotDoc
	err := s.db.Collection(collectionSnapshots).FindOne(ctx, bson.M{"account_id": accountID.String()}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	out := doc.toDomain()
	return &out, nil
}

// treeDoc mirrors domain.KnowledgeTree. FailedAnalysts is stored as a
// plain string slice; domain.AnalystKind round-trips through bson as a
// string without a custom marshaler.
type treeDoc struct {
	TreeID           string             `bson:"tree_id"`
	AccountID        string             `bson:"account_id"`
	GeneratedAt      int64              `bson:"generated_at"`
	Nodes            []domain.TreeNode  `bson:"nodes"`
	Edges            []domain.TreeEdge  `bson:"edges"`
	SourceSnapshotID string             `bson:"source_snapshot_id"`
	Version          int                `bson:"version"`
	FailedAnalysts   []string           `bson:"failed_analysts"`
}

func toTreeDoc(accountID uuid.UUID, tree domain.KnowledgeTree) treeDoc {
	failed := make([]string, len(tree.FailedAnalysts))
	for i, k := range tree.FailedAnalysts {
		failed[i] = string(k)
	}
	return treeDoc{
		TreeID:           tree.TreeID,
		AccountID:        accountID.String(),
		GeneratedAt:      tree.GeneratedAt.UnixNano(),
		Nodes:            tree.Nodes,
		Edges:            tree.Edges,
		SourceSnapshotID: tree.SourceSnapshotID,
		Version:          tree.Version,
		FailedAnalysts:   failed,
	}
}

func (d treeDoc) toDomain() domain.KnowledgeTree {
	failed := make([]domain.AnalystKind, len(d.FailedAnalysts))
	for i, k := range d.FailedAnalysts {
		failed[i] = domain.AnalystKind(k)
	}
	return domain.KnowledgeTree{
		TreeID:           d.TreeID,
		GeneratedAt:      unixNanoToTime(d.GeneratedAt),
		Nodes:            d.Nodes,
		Edges:            d.Edges,
		SourceSnapshotID: d.SourceSnapshotID,
		Version:          d.Version,
		FailedAnalysts:   failed,
	}
}

// PutTree stores tree, keyed by its source snapshot's account since
// domain.KnowledgeTree carries no account field of its own; the tree
// is addressed by snapshot lineage, not by an account it's written
// against directly.
func (s *Store) PutTree(ctx context.Context, tree domain.KnowledgeTree) error {
	var snap snapshotDoc
	err := s.db.Collection(collectionSnapshots).FindOne(ctx, bson.M{"snapshot_id": tree.SourceSnapshotID}).Decode(&snap)
	if err != nil {
		return fmt.Errorf("resolve tree's source snapshot: %w", err)
	}
	doc := toTreeDoc(mustParseUUID(snap.AccountID), tree)
	_, err = s.db.Collection(collectionTrees).ReplaceOne(ctx,
		bson.M{"tree_id": doc.TreeID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put tree: %w", err)
	}
	return nil
}

// GetLatestTree returns the most recently generated tree for the
// account, or nil if the pipeline has never reached Phase 2 for it.
func (s *Store) GetLatestTree(ctx context.Context, accountID uuid.UUID) (*domain.KnowledgeTree, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "generated_at", Value: -1}})
	var doc treeDoc
	err := s.db.Collection(collectionTrees).FindOne(ctx, bson.M{"account_id": accountID.String()}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest tree: %w", err)
	}
	out := doc.toDomain()
	return &out, nil
}

// WithTransaction runs fn inside a Mongo client session transaction;
// a tree is never committed without the snapshot it was built from.
func (s *Store) WithTransaction(ctx context.Context, fn func(mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return nil, fn(sessCtx)
	})
	if err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	return nil
}

func mustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
