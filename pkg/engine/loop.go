package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/emitter"
	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

// Config wires one engine loop. Exactly one loop instance drives one debate
// at a time; many debates run as independent loops concurrently.
type Config struct {
	DebateID  string
	Topic     string
	Sequencer *sequencer.Sequencer
	Bus       *bus.DebateBus
	Snapshots sequencer.SnapshotStore
	Abort     *AbortController

	// Providers maps the script's provider assignment to a backend.
	Providers map[string]Provider
	// DefaultProvider serves turns whose assignment has no registered entry.
	DefaultProvider Provider

	Emitter emitter.Options
	// TokenBudget emits a single budget_warning once recorded usage crosses
	// 80% of it. Zero disables the warning.
	TokenBudget int
}

// Loop drives the sequencer forward: it invokes the generation backend per
// turn, routes output through a batched emitter into the event bus, and
// persists a sequencer snapshot after every mutation.
type Loop struct {
	cfg    Config
	logger zerolog.Logger

	budgetWarned bool
}

func NewLoop(cfg Config) (*Loop, error) {
	if cfg.DebateID == "" {
		return nil, errors.New("debate id is empty")
	}
	if cfg.Sequencer == nil {
		return nil, errors.New("sequencer is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is nil")
	}
	if cfg.Snapshots == nil {
		return nil, errors.New("snapshot store is nil")
	}
	if cfg.Abort == nil {
		cfg.Abort = NewAbortController(context.Background())
	}
	if len(cfg.Providers) == 0 && cfg.DefaultProvider == nil {
		return nil, errors.New("no providers configured")
	}
	return &Loop{
		cfg: cfg,
		logger: log.With().
			Str("component", "engine").
			Str("debate_id", cfg.DebateID).
			Logger(),
	}, nil
}

// Run executes turns until the script is exhausted or the loop halts on
// pause, cancel or error. A paused debate is resumed by running a fresh loop
// over a sequencer reconstructed from its snapshot.
func (l *Loop) Run(ctx context.Context) error {
	seq := l.cfg.Sequencer

	fresh := seq.Status() == sequencer.StatusPending
	seq.SetStatus(sequencer.StatusActive)
	l.persist(ctx)
	if fresh {
		l.publish(ctx, events.NewDebateStarted(l.cfg.DebateID, l.cfg.Topic, seq.Progress().TotalTurns))
	}

	for {
		turn := seq.CurrentTurn()
		if turn == nil {
			break
		}
		halt, err := l.runTurn(ctx, *turn)
		if err != nil {
			return err
		}
		if halt {
			return nil
		}
	}

	l.persist(ctx)
	l.publish(ctx, &events.DebateCompleted{
		Meta:        events.Meta{Type: events.TypeDebateCompleted, DebateID: l.cfg.DebateID},
		TotalTurns:  seq.Progress().TotalTurns,
		TotalTokens: seq.TotalTokens(),
	})
	l.logger.Info().Int("total_tokens", seq.TotalTokens()).Msg("debate completed")
	return nil
}

// TurnID derives the stable per-turn identifier; it survives pause/resume so
// clients keep appending to the same view-state entry.
func TurnID(debateID string, index int) string {
	return fmt.Sprintf("%s:turn:%d", debateID, index)
}

// runTurn executes one scripted turn. halt=true stops the loop without the
// script being exhausted (pause, cancel, shutdown).
func (l *Loop) runTurn(ctx context.Context, turn script.TurnConfig) (bool, error) {
	seq := l.cfg.Sequencer
	debateID := l.cfg.DebateID
	turnID := TurnID(debateID, turn.Index)

	provider, err := l.provider(turn.Provider)
	if err != nil {
		seq.Fail(err)
		l.persist(ctx)
		l.publish(ctx, events.NewTurnError(debateID, turnID, turn.Speaker, err))
		l.publish(ctx, events.NewDebateError(debateID, err))
		return true, err
	}

	continuation := seq.PartialContent()
	if continuation != "" {
		l.publish(ctx, events.NewTurnResumed(debateID, turnID, turn.Speaker, len(continuation)))
	} else {
		l.publish(ctx, events.NewTurnStarted(debateID, turn, turnID))
	}
	startedAt := time.Now()

	// flushed tracks content actually delivered to subscribers, including the
	// continuation prefix from an earlier interruption.
	var mu sync.Mutex
	flushed := continuation

	em, err := emitter.New(func(fctx context.Context, batch string) error {
		mu.Lock()
		accumulated := len(flushed) + len(batch)
		mu.Unlock()
		ev := events.NewTurnStreaming(debateID, turnID, turn.Speaker, batch, accumulated)
		if err := l.cfg.Bus.Publish(fctx, ev); err != nil {
			return err
		}
		mu.Lock()
		flushed += batch
		mu.Unlock()
		return nil
	}, l.cfg.Emitter)
	if err != nil {
		return true, err
	}

	runCtx := l.cfg.Abort.Context()
	onChunk := func(chunk string) error {
		if l.cfg.Abort.Reason() != "" {
			return ErrAborted
		}
		if runCtx.Err() != nil {
			return errors.Wrap(runCtx.Err(), "generation context done")
		}
		if err := em.AddChunk(runCtx, chunk); err != nil {
			// A failed flush re-buffers its batch; the debate goes on.
			l.logger.Warn().Err(err).Str("turn_id", turnID).Msg("chunk flush failed, content re-buffered")
		}
		return nil
	}

	res, genErr := provider.Generate(runCtx, Request{
		DebateID:     debateID,
		Topic:        l.cfg.Topic,
		Turn:         turn,
		PriorTurns:   seq.CompletedTurns(),
		Continuation: continuation,
	}, onChunk)

	if reason := l.cfg.Abort.Reason(); reason != "" {
		return true, l.interrupt(ctx, turn, turnID, reason, em, &mu, &flushed, startedAt)
	}
	if genErr != nil {
		drained := em.Abort()
		mu.Lock()
		partial := flushed + drained
		mu.Unlock()
		if runCtx.Err() != nil {
			// Shutdown rather than a modeled interruption: persist position so
			// a cold start reconstructs the turn, leave the status alone.
			seq.SetPartialContent(partial)
			l.persist(ctx)
			return true, errors.Wrap(genErr, "generation stopped by shutdown")
		}
		seq.Fail(genErr)
		l.persist(ctx)
		l.publish(ctx, events.NewTurnError(debateID, turnID, turn.Speaker, genErr))
		l.publish(ctx, events.NewDebateError(debateID, genErr))
		l.logger.Error().Err(genErr).Str("turn_id", turnID).Msg("generation backend failed")
		return true, errors.Wrapf(genErr, "turn %d generation", turn.Index)
	}

	// Finalize before the turn-completed signal so no trailing content is
	// dropped. If even the final flush fails, the authoritative content on
	// turn_completed supersedes the lost chunks.
	if err := em.Finalize(runCtx); err != nil {
		l.logger.Warn().Err(err).Str("turn_id", turnID).Msg("final flush failed, authoritative content follows")
		_ = em.Abort()
	}

	rec := sequencer.CompletedTurn{
		TurnID:     turnID,
		Speaker:    turn.Speaker,
		Type:       turn.Type,
		Provider:   provider.Name(),
		Content:    res.Content,
		TokenCount: res.TokenCount,
		StartedAt:  startedAt,
		EndedAt:    time.Now(),
	}
	seq.RecordTurn(rec)
	l.persist(ctx)
	l.publish(ctx, events.NewTurnCompleted(debateID, turnID, turn.Speaker, res.Content, res.TokenCount))
	l.publishProgress(ctx)
	l.checkBudget(ctx)
	return false, nil
}

// interrupt handles the modeled pause/cancel paths. The drained emitter
// buffer joins the flushed prefix so nothing generated is lost.
func (l *Loop) interrupt(
	ctx context.Context,
	turn script.TurnConfig,
	turnID string,
	reason events.InterruptReason,
	em *emitter.Emitter,
	mu *sync.Mutex,
	flushed *string,
	startedAt time.Time,
) error {
	seq := l.cfg.Sequencer
	drained := em.Abort()
	mu.Lock()
	partial := *flushed + drained
	mu.Unlock()

	switch reason {
	case events.ReasonPaused:
		seq.SetPartialContent(partial)
		seq.SetStatus(sequencer.StatusPaused)
		l.persist(ctx)
		l.publish(ctx, events.NewTurnInterrupted(l.cfg.DebateID, turnID, turn.Speaker, partial, reason))
		l.logger.Info().Str("turn_id", turnID).Int("partial_len", len(partial)).Msg("debate paused")
		return nil
	case events.ReasonCancelled:
		seq.Cancel(sequencer.CompletedTurn{
			TurnID:    turnID,
			Speaker:   turn.Speaker,
			Type:      turn.Type,
			Provider:  turn.Provider,
			Content:   partial,
			StartedAt: startedAt,
			EndedAt:   time.Now(),
		})
		l.persist(ctx)
		l.publish(ctx, events.NewTurnInterrupted(l.cfg.DebateID, turnID, turn.Speaker, partial, reason))
		l.publish(ctx, &events.DebateCancelled{
			Meta:   events.Meta{Type: events.TypeDebateCancelled, DebateID: l.cfg.DebateID},
			Reason: string(reason),
		})
		l.logger.Info().Str("turn_id", turnID).Msg("debate cancelled")
		return nil
	default:
		return errors.Errorf("unknown interrupt reason %q", reason)
	}
}

func (l *Loop) provider(name string) (Provider, error) {
	if p, ok := l.cfg.Providers[name]; ok {
		return p, nil
	}
	if l.cfg.DefaultProvider != nil {
		return l.cfg.DefaultProvider, nil
	}
	return nil, errors.Errorf("no provider registered for %q", name)
}

func (l *Loop) publish(ctx context.Context, e events.Event) {
	if err := l.cfg.Bus.Publish(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn().Err(err).Str("event_type", string(e.EventType())).Msg("event publish failed")
	}
}

func (l *Loop) publishProgress(ctx context.Context) {
	p := l.cfg.Sequencer.Progress()
	l.publish(ctx, &events.ProgressUpdate{
		Meta:                  events.Meta{Type: events.TypeProgressUpdate, DebateID: l.cfg.DebateID},
		CurrentTurn:           p.CurrentTurn,
		TotalTurns:            p.TotalTurns,
		PercentComplete:       p.PercentComplete,
		DebaterTurnsCompleted: p.DebaterTurnsCompleted,
		DebaterTurnsTotal:     p.DebaterTurnsTotal,
	})
}

func (l *Loop) checkBudget(ctx context.Context) {
	if l.cfg.TokenBudget <= 0 || l.budgetWarned {
		return
	}
	used := l.cfg.Sequencer.TotalTokens()
	if used*5 < l.cfg.TokenBudget*4 {
		return
	}
	l.budgetWarned = true
	l.publish(ctx, &events.BudgetWarning{
		Meta:        events.Meta{Type: events.TypeBudgetWarning, DebateID: l.cfg.DebateID},
		TokensUsed:  used,
		TokenBudget: l.cfg.TokenBudget,
	})
}

// persist snapshots the sequencer. Snapshot failures are observable but do
// not halt the debate; the event log still carries every emitted event.
func (l *Loop) persist(ctx context.Context) {
	snap := l.cfg.Sequencer.Snapshot()
	if err := l.cfg.Snapshots.Save(context.WithoutCancel(ctx), snap); err != nil {
		l.logger.Warn().Err(err).Msg("sequencer snapshot save failed")
	}
}
