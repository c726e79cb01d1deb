package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/viewstate"
)

func newReplayCmd() *cobra.Command {
	var (
		last     int
		afterSeq uint64
		render   bool
	)
	cmd := &cobra.Command{
		Use:   "replay <debate-id>",
		Short: "Replay a debate's durable event log from Redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, cli, err := openRedisLog(cfg)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx := cmd.Context()
			debateID := args[0]
			var stored []eventlog.StoredEvent
			switch {
			case last > 0:
				stored, err = store.LastEvents(ctx, debateID, last)
			case afterSeq > 0:
				stored, err = store.EventsAfterSeq(ctx, debateID, afterSeq, 0)
			default:
				stored, err = store.Events(ctx, debateID)
			}
			if err != nil {
				return err
			}
			if len(stored) == 0 {
				return errors.Errorf("no events recorded for debate %s", debateID)
			}
			if render {
				return renderTranscript(stored)
			}
			for _, se := range stored {
				payload, err := events.ToJSON(se.Event)
				if err != nil {
					continue
				}
				fmt.Printf("%s\t%s\n", se.ID, payload)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 0, "only the last n events")
	cmd.Flags().Uint64Var(&afterSeq, "after-seq", 0, "events after this sequence number")
	cmd.Flags().BoolVar(&render, "render", false, "project the log into a readable transcript")
	return cmd
}

// renderTranscript folds the log through the same projection the stream
// clients use, so replay output matches what a viewer would have seen.
func renderTranscript(stored []eventlog.StoredEvent) error {
	vs := viewstate.NewStore()
	for _, se := range stored {
		vs.Apply(se.Event)
	}
	for _, entry := range vs.Entries() {
		marker := ""
		if entry.InterruptReason != "" {
			marker = fmt.Sprintf(" [interrupted: %s]", entry.InterruptReason)
		}
		fmt.Printf("%2d %s/%s (%d tokens)%s\n%s\n\n",
			entry.TurnIndex, entry.Speaker, entry.TurnType, entry.TokenCount, marker, entry.Content)
	}
	fmt.Printf("status: %s\n", vs.Status())
	return nil
}

func openRedisLog(cfg AppConfig) (*eventlog.RedisStore, *redis.Client, error) {
	addr := cfg.Redis.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	store, err := eventlog.NewRedisStore(cli, eventlog.RedisStoreOptions{})
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return store, cli, nil
}
