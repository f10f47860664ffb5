// Package enricher provides the default out.Enricher implementation.
// Third-party contact enrichment (company lookups, social scraping) is
// out of scope for the core; NoOp exists so an operator can wire
// the Enricher collaborator explicitly without it doing anything, as an
// alternative to leaving the port unwired (nil) entirely.
package enricher

import (
	"context"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
)

// NoOp implements out.Enricher by doing nothing; callers get
// EnrichmentOK with an empty record rather than EnrichmentFailed, since
// "no enrichment configured" isn't a failure.
type NoOp struct{}

var _ out.Enricher = NoOp{}

func (NoOp) Enrich(ctx context.Context, contact domain.Contact) (string, error) {
	return "", nil
}
