package advisor

import (
	"context"

	"github.com/linnemanlabs/warden/internal/exception"
)

// Provider is the boundary for an external narrative generation service.
// Implementations enrich the deterministic summary with prose; they never
// receive anything mutable and their failure degrades to the deterministic
// summary alone.
type Provider interface {
	Narrative(ctx context.Context, e *exception.Exception, s *Summary) (string, error)
}

// Enrich runs the deterministic summary and, when a provider is configured,
// replaces the summary text with the generated narrative. Provider errors
// are returned alongside the still-usable deterministic summary.
func Enrich(ctx context.Context, p Provider, e *exception.Exception, s *Summary) (*Summary, error) {
	if p == nil {
		return s, nil
	}
	narrative, err := p.Narrative(ctx, e, s)
	if err != nil {
		return s, err
	}
	enriched := *s
	enriched.Summary = narrative
	return &enriched, nil
}
