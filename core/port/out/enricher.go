package out

import (
	"context"

	"knowledgetree/core/domain"
)

// Enricher is the optional third-party enrichment collaborator.
// Core treats failures as non-fatal; the caller marks the Contact's
// EnrichmentStatus accordingly rather than failing the job.
type Enricher interface {
	Enrich(ctx context.Context, contact domain.Contact) (record string, err error)
}
