package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/emitter"
	"github.com/go-go-golems/podium/pkg/engine"
	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/sequencer"
	"github.com/go-go-golems/podium/pkg/server"
)

type serveSettings struct {
	addr        string
	idleSeconds int
	chunkDelay  time.Duration
}

func newServeCmd() *cobra.Command {
	var st serveSettings
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the debate orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = st.addr
			}
			if cmd.Flags().Changed("idle-timeout") || cfg.Server.IdleTimeoutSeconds == 0 {
				cfg.Server.IdleTimeoutSeconds = st.idleSeconds
			}
			return runServe(cmd.Context(), cfg, st)
		},
	}
	cmd.Flags().StringVar(&st.addr, "addr", ":8088", "HTTP listen address")
	cmd.Flags().IntVar(&st.idleSeconds, "idle-timeout", 30, "seconds a viewerless stream stays subscribed")
	cmd.Flags().DurationVar(&st.chunkDelay, "chunk-delay", 20*time.Millisecond, "scripted provider delay between chunks")
	return cmd
}

func runServe(parent context.Context, cfg AppConfig, st serveSettings) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(cfg.Redis)
	if err != nil {
		return err
	}
	defer stores.close()

	debateBus, err := bus.NewDebateBus(stores.backend.Publisher(), stores.logStore)
	if err != nil {
		return err
	}

	scripted := engine.NewScriptedProvider("scripted", st.chunkDelay)
	srv, err := newServer(ctx, cfg, stores, debateBus, scripted)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := srv.BuildHTTPServer()
	log.Info().
		Str("component", "podium").
		Str("addr", cfg.Server.Addr).
		Bool("redis", cfg.Redis.Enabled).
		Msg("starting debate server")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func newServer(ctx context.Context, cfg AppConfig, stores *storeSet, debateBus *bus.DebateBus, scripted engine.Provider) (*server.Server, error) {
	return server.New(server.Config{
		BaseCtx:         ctx,
		Backend:         stores.backend,
		Bus:             debateBus,
		LogStore:        stores.logStore,
		Snapshots:       stores.snapshots,
		Providers:       map[string]engine.Provider{scripted.Name(): scripted},
		DefaultProvider: scripted,
		Emitter:         emitter.Options{},
		Settings:        cfg.Server,
	})
}

// storeSet bundles the durable stores and transport built for one process.
type storeSet struct {
	backend   bus.StreamBackend
	logStore  eventlog.Store
	snapshots sequencer.SnapshotStore
	redisCli  *redis.Client
}

func (s *storeSet) close() {
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			log.Warn().Err(err).Str("component", "podium").Msg("backend close failed")
		}
	}
	if s.redisCli != nil {
		if err := s.redisCli.Close(); err != nil {
			log.Warn().Err(err).Str("component", "podium").Msg("redis close failed")
		}
	}
}

func buildStores(rs bus.Settings) (*storeSet, error) {
	backend, err := bus.NewStreamBackend(rs)
	if err != nil {
		return nil, err
	}
	if !rs.Enabled {
		return &storeSet{
			backend:   backend,
			logStore:  eventlog.NewMemoryStore(),
			snapshots: sequencer.NewMemorySnapshotStore(),
		}, nil
	}
	addr := rs.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	logStore, err := eventlog.NewRedisStore(cli, eventlog.RedisStoreOptions{})
	if err != nil {
		backend.Close()
		cli.Close()
		return nil, err
	}
	return &storeSet{
		backend:   backend,
		logStore:  logStore,
		snapshots: sequencer.NewRedisSnapshotStore(cli, eventlog.DefaultRetention),
		redisCli:  cli,
	}, nil
}
