package out

import (
	"context"
	"time"
)

// LLMClient is the remote text-completion collaborator. The core
// never addresses a specific provider through this port; each Analyst
// builds its own prompt and asks for a completion.
type LLMClient interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error)
}
