package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/emitter"
	"github.com/go-go-golems/podium/pkg/engine"
	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

func newRunCmd() *cobra.Command {
	var (
		formatPath  string
		topic       string
		perSide     int
		moderated   bool
		crossExam   bool
		tokenBudget int
		chunkDelay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full scripted debate in-process and print the event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			format := script.Format{
				Topic:            topic,
				TurnsPerSide:     perSide,
				Moderated:        moderated,
				CrossExamination: crossExam,
			}
			if formatPath != "" {
				loaded, err := loadFormat(formatPath)
				if err != nil {
					return err
				}
				format = overrideFormat(loaded, cmd, format)
			}
			return runDebate(ctx, format, tokenBudget, chunkDelay)
		},
	}
	cmd.Flags().StringVar(&formatPath, "format", "", "YAML debate format file (flags set explicitly still override)")
	cmd.Flags().StringVar(&topic, "topic", "This house believes software estimates are fiction", "debate topic")
	cmd.Flags().IntVar(&perSide, "turns-per-side", 2, "turns per debater")
	cmd.Flags().BoolVar(&moderated, "moderated", true, "bracket the debate with moderator turns")
	cmd.Flags().BoolVar(&crossExam, "cross-examination", false, "include a cross-examination phase")
	cmd.Flags().IntVar(&tokenBudget, "token-budget", 0, "token budget for the budget warning (0 disables)")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 10*time.Millisecond, "scripted provider delay between chunks")
	return cmd
}

func loadFormat(path string) (script.Format, error) {
	var f script.Format
	data, err := os.ReadFile(path)
	if err != nil {
		return f, errors.Wrapf(err, "could not read format file %s", path)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, errors.Wrapf(err, "could not parse format file %s", path)
	}
	return f, nil
}

// overrideFormat lets explicitly-set flags win over the file.
func overrideFormat(base script.Format, cmd *cobra.Command, flags script.Format) script.Format {
	if cmd.Flags().Changed("topic") {
		base.Topic = flags.Topic
	}
	if cmd.Flags().Changed("turns-per-side") {
		base.TurnsPerSide = flags.TurnsPerSide
	}
	if cmd.Flags().Changed("moderated") {
		base.Moderated = flags.Moderated
	}
	if cmd.Flags().Changed("cross-examination") {
		base.CrossExamination = flags.CrossExamination
	}
	return base
}

func runDebate(ctx context.Context, format script.Format, tokenBudget int, chunkDelay time.Duration) error {
	debateID := uuid.NewString()
	backend := bus.NewMemoryBackend()
	defer backend.Close()
	logStore := eventlog.NewMemoryStore()

	debateBus, err := bus.NewDebateBus(backend.Publisher(), logStore)
	if err != nil {
		return err
	}

	sub, owned, err := backend.BuildSubscriber(ctx, debateID)
	if err != nil {
		return err
	}
	if owned {
		defer sub.Close()
	}
	ch, err := sub.Subscribe(ctx, bus.Topic(debateID))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range ch {
			printFrame(msg.Payload)
			msg.Ack()
		}
	}()

	turns, err := script.Build(format)
	if err != nil {
		return err
	}
	seq, err := sequencer.New(debateID, format.Topic, turns)
	if err != nil {
		return err
	}
	loop, err := engine.NewLoop(engine.Config{
		DebateID:        debateID,
		Topic:           format.Topic,
		Sequencer:       seq,
		Bus:             debateBus,
		Snapshots:       sequencer.NewMemorySnapshotStore(),
		Abort:           engine.NewAbortController(ctx),
		DefaultProvider: engine.NewScriptedProvider("scripted", chunkDelay),
		Emitter:         emitter.Options{},
		TokenBudget:     tokenBudget,
	})
	if err != nil {
		return err
	}
	runErr := loop.Run(ctx)

	// Give the in-process channel a moment to drain before closing it.
	time.Sleep(50 * time.Millisecond)
	backend.Close()
	wg.Wait()
	return runErr
}

// printFrame renders one wire event for terminal consumption. Streaming
// chunks print inline; everything else gets its own line.
func printFrame(payload []byte) {
	e, err := events.NewEventFromJSON(payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "podium").Msg("undecodable frame")
		return
	}
	switch ev := e.(type) {
	case *events.TurnStarted:
		fmt.Printf("\n[%s/%s] ", ev.Speaker, ev.TurnType)
	case *events.TurnStreaming:
		fmt.Print(ev.Chunk)
	case *events.TurnCompleted:
		fmt.Printf("\n  -- %d tokens\n", ev.TokenCount)
	case *events.TurnInterrupted:
		fmt.Printf("\n  -- interrupted (%s)\n", ev.Reason)
	case *events.DebateCompleted:
		fmt.Printf("\ndebate complete: %d turns, %d tokens\n", ev.TotalTurns, ev.TotalTokens)
	case *events.DebateError:
		fmt.Fprintf(os.Stderr, "\ndebate error: %s\n", ev.ErrorString)
	default:
		fmt.Printf("\n[%s]\n", e.EventType())
	}
}
