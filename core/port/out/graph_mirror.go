package out

import (
	"context"

	"knowledgetree/core/domain"
)

// GraphMirror is the optional collaborator that projects a committed
// KnowledgeTree's nodes and cross-domain edges into a graph database for
// traversal queries the document store doesn't serve well. Mirroring
// runs after the tree is durably committed via Store.WithSnapshot; a
// mirror failure is logged and never fails the pipeline, the same as
// Enricher and EventSink failures.
type GraphMirror interface {
	MirrorTree(ctx context.Context, tree domain.KnowledgeTree) error
}
