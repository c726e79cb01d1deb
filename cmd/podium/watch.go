package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/podium/pkg/client"
	"github.com/go-go-golems/podium/pkg/viewstate"
)

func newWatchCmd() *cobra.Command {
	var (
		serverURL string
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <debate-id>",
		Short: "Follow a debate's live stream from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchDebate(ctx, serverURL, args[0], interval)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8088", "base URL of the debate server")
	cmd.Flags().DurationVar(&interval, "refresh", 250*time.Millisecond, "terminal redraw interval")
	return cmd
}

func watchDebate(ctx context.Context, serverURL, debateID string, interval time.Duration) error {
	store := viewstate.NewStore()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/debate/" + debateID + "/stream"

	terminal := make(chan error, 1)
	catchup := &client.HTTPCatchupSource{BaseURL: serverURL}
	var c *client.StreamClient
	c, err := client.New(client.Config{
		DebateID:        debateID,
		Store:           store,
		Dial:            client.WebsocketDial(wsURL),
		OnTerminalError: func(err error) { terminal <- err },
		// First connect pulls everything published before we attached;
		// reconnects pull whatever the outage swallowed.
		OnConnect: func() {
			if err := c.Hydrate(ctx, catchup); err != nil {
				log.Warn().
					Err(err).
					Str("component", "podium").
					Str("debate_id", debateID).
					Msg("catch-up read failed")
			}
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	c.Connect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastRendered uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-terminal:
			return err
		case <-ticker.C:
			seq := store.LastSeq()
			if seq == lastRendered {
				continue
			}
			lastRendered = seq
			renderViewState(store)
			if st := store.Status(); st == "completed" || st == "cancelled" || st == "error" {
				fmt.Printf("debate %s: %s\n", debateID, st)
				return nil
			}
		}
	}
}

func renderViewState(store *viewstate.Store) {
	for _, entry := range store.Entries() {
		state := "done"
		switch {
		case entry.Streaming:
			state = "streaming"
		case entry.InterruptReason != "":
			state = string(entry.InterruptReason)
		}
		fmt.Printf("[%d %s/%s %s] %s\n", entry.TurnIndex, entry.Speaker, entry.TurnType, state, entry.Content)
	}
	for _, n := range store.Notices() {
		fmt.Printf("! %s: %s\n", n.Type, n.Message)
	}
	fmt.Println(strings.Repeat("-", 40))
}
