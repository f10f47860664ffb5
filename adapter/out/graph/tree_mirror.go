package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
)

// TreeMirror implements out.GraphMirror over Neo4j: session-per-call,
// MERGE-based upserts so re-mirroring the same tree is idempotent.
type TreeMirror struct {
	driver neo4j.DriverWithContext
	dbName string
}

func NewTreeMirror(driver neo4j.DriverWithContext, dbName string) *TreeMirror {
	return &TreeMirror{driver: driver, dbName: dbName}
}

var _ out.GraphMirror = (*TreeMirror)(nil)

// EnsureIndexes creates the constraints/indexes the mirror writer
// relies on for idempotent MERGE. Errors from an already-existing index
// are ignored; the mirror is best effort end to end.
func (m *TreeMirror) EnsureIndexes(ctx context.Context) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT tree_node_unique IF NOT EXISTS FOR (n:TreeNode) REQUIRE (n.tree_id, n.node_id) IS UNIQUE`,
		`CREATE INDEX tree_node_kind_idx IF NOT EXISTS FOR (n:TreeNode) ON (n.kind)`,
	}
	for _, q := range queries {
		if _, err := session.Run(ctx, q, nil); err != nil {
			continue
		}
	}
	return nil
}

// MirrorTree upserts every TreeNode as a node, links parent/child pairs,
// and writes every cross-domain TreeEdge as a weighted RELATES_TO
// relationship; cross-domain edge traversal is what Mongo's nested
// arrays cannot do cheaply.
func (m *TreeMirror) MirrorTree(ctx context.Context, tree domain.KnowledgeTree) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.dbName})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range tree.Nodes {
			var category, topic string
			if n.Finding != nil {
				category = n.Finding.Category
				topic = n.Finding.Topic
			}
			_, err := tx.Run(ctx, `
				MERGE (n:TreeNode {tree_id: $treeID, node_id: $nodeID})
				SET n.kind = $kind, n.label = $label, n.category = $category, n.topic = $topic
			`, map[string]any{
				"treeID": tree.TreeID, "nodeID": n.ID, "kind": n.Kind, "label": n.Label,
				"category": category, "topic": topic,
			})
			if err != nil {
				return nil, fmt.Errorf("merge node %s: %w", n.ID, err)
			}
			if n.ParentID != "" {
				_, err := tx.Run(ctx, `
					MATCH (p:TreeNode {tree_id: $treeID, node_id: $parentID}), (c:TreeNode {tree_id: $treeID, node_id: $nodeID})
					MERGE (p)-[:PARENT_OF]->(c)
				`, map[string]any{"treeID": tree.TreeID, "parentID": n.ParentID, "nodeID": n.ID})
				if err != nil {
					return nil, fmt.Errorf("link parent of %s: %w", n.ID, err)
				}
			}
		}

		for _, e := range tree.Edges {
			_, err := tx.Run(ctx, `
				MATCH (a:TreeNode {tree_id: $treeID, node_id: $from}), (b:TreeNode {tree_id: $treeID, node_id: $to})
				MERGE (a)-[r:RELATES_TO]->(b)
				SET r.weight = $weight
			`, map[string]any{"treeID": tree.TreeID, "from": e.FromNodeID, "to": e.ToNodeID, "weight": e.Weight})
			if err != nil {
				return nil, fmt.Errorf("merge edge %s->%s: %w", e.FromNodeID, e.ToNodeID, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mirror tree %s: %w", tree.TreeID, err)
	}
	return nil
}
