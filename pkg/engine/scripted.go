package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/podium/pkg/script"
)

// ScriptedProvider streams canned argumentation without calling any external
// backend. It honors the continuation contract: with prior partial content it
// extends the text instead of regenerating it.
type ScriptedProvider struct {
	ProviderName string
	// ChunkDelay paces the stream so local runs resemble real generation.
	ChunkDelay time.Duration
}

func NewScriptedProvider(name string, chunkDelay time.Duration) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: name, ChunkDelay: chunkDelay}
}

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Generate(ctx context.Context, req Request, onChunk func(string) error) (*Result, error) {
	full := p.compose(req)
	rest := full
	if req.Continuation != "" && strings.HasPrefix(full, req.Continuation) {
		rest = full[len(req.Continuation):]
	}

	for _, word := range strings.SplitAfter(rest, " ") {
		if word == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := onChunk(word); err != nil {
			return nil, err
		}
		if p.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.ChunkDelay):
			}
		}
	}
	return &Result{Content: full, TokenCount: len(strings.Fields(full))}, nil
}

func (p *ScriptedProvider) compose(req Request) string {
	topic := req.Topic
	if topic == "" {
		topic = "the motion"
	}
	switch req.Turn.Speaker {
	case script.SpeakerModerator:
		return fmt.Sprintf(
			"Welcome back. We continue our debate on %s; the next remarks are a %s turn. "+
				"Speakers, please keep to your allotted time.",
			topic, req.Turn.Type,
		)
	default:
		return fmt.Sprintf(
			"Speaking %s %s, I offer my %s statement. "+
				"My position rests on three pillars: evidence, proportionality, and precedent. "+
				"Each of them, examined honestly, supports my side of this debate.",
			req.Turn.Speaker, topic, req.Turn.Type,
		)
	}
}
