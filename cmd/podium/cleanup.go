package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <debate-id>",
		Short: "Delete a debate's event log and state snapshot from Redis",
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
			exists, err := store.HasEvents(ctx, debateID)
			if err != nil {
				return err
			}
			if !exists {
				log.Warn().
					Str("component", "podium").
					Str("debate_id", debateID).
					Msg("no event log found, deleting snapshot only")
			}
			count, err := store.Count(ctx, debateID)
			if err != nil {
				return err
			}
			if err := store.Delete(ctx, debateID); err != nil {
				return err
			}
			snapshots := sequencer.NewRedisSnapshotStore(cli, eventlog.DefaultRetention)
			if err := snapshots.Delete(ctx, debateID); err != nil {
				return err
			}
			log.Info().
				Str("component", "podium").
				Str("debate_id", debateID).
				Int64("events_deleted", count).
				Msg("debate log and snapshot deleted")
			return nil
		},
	}
	return cmd
}
