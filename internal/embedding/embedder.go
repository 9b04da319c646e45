package embedding

import "context"

// Provider converts free text into numeric vectors. Implementations return
// exactly one vector per input, in input order, and mark retryable failures
// with domain.MarkTransient.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Priority decides which callers get provider capacity first.
type Priority int

const (
	// PriorityBulk is used for document ingestion.
	PriorityBulk Priority = iota
	// PriorityInteractive is used for user queries and is always served first.
	PriorityInteractive
)

func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "bulk"
}
