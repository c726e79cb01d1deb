package engine

import (
	"context"

	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

// Request carries everything a generation backend needs for one turn.
type Request struct {
	DebateID string
	Topic    string
	Turn     script.TurnConfig
	// PriorTurns is the debate so far, in script order.
	PriorTurns []sequencer.CompletedTurn
	// Continuation is previously streamed partial content from an interrupted
	// turn. Providers extend it instead of regenerating from scratch; the
	// exact continuation mechanism (replay as context vs. incremental resume)
	// is the provider's concern.
	Continuation string
}

// Result is the authoritative outcome of one generation call. Content
// supersedes every streamed chunk.
type Result struct {
	Content    string
	TokenCount int
}

// Provider is the black-box generation backend: it yields a sequence of text
// chunks through onChunk and returns the final content with a token count.
// A non-nil error from onChunk stops generation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request, onChunk func(chunk string) error) (*Result, error)
}
