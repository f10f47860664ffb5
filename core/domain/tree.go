package domain

import "time"

// TreeNode is one entry in the node arena. Nodes reference children by
// id, never by pointer, so the tree has no cycles even though findings
// can cross-reference each other via Edges.
type TreeNode struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"` // "domain" | "topic" | "project" | "finding"
	Label    string          `json:"label"`
	ParentID string          `json:"parent_id,omitempty"`
	Children []string        `json:"children,omitempty"`
	Finding  *AnalystFinding `json:"finding,omitempty"`
}

// TreeEdge links two finding nodes that share evidence.
type TreeEdge struct {
	FromNodeID string  `json:"from_node_id"`
	ToNodeID   string  `json:"to_node_id"`
	Weight     float64 `json:"weight"`
}

// KnowledgeTree is the top-level artifact. Each successful Phase 2 run
// writes a new one; it references exactly one OrganizedSnapshot, which
// must exist at write time.
type KnowledgeTree struct {
	TreeID           string     `json:"tree_id"`
	GeneratedAt      time.Time  `json:"generated_at"`
	Nodes            []TreeNode `json:"nodes"`
	Edges            []TreeEdge `json:"edges"`
	SourceSnapshotID string     `json:"source_snapshot_id"`
	Version          int        `json:"version"`
	// FailedAnalysts records analyst kinds that did not contribute
	// findings to this tree; their absence is never fatal.
	FailedAnalysts []AnalystKind `json:"failed_analysts,omitempty"`
}

// NodeByID is a convenience lookup into the arena.
func (t *KnowledgeTree) NodeByID(id string) *TreeNode {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i]
		}
	}
	return nil
}
