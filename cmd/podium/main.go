package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/server"
)

// AppConfig is the on-disk configuration for the podium daemon.
type AppConfig struct {
	Server server.Settings `yaml:"server"`
	Redis  bus.Settings    `yaml:"redis"`
}

var (
	logLevel   string
	configPath string

	redisEnabled  bool
	redisAddr     string
	redisGroup    string
	redisConsumer string
)

func initLogging() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", logLevel)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

// loadConfig reads the optional config file, then layers the redis flags on
// top so the command line always wins.
func loadConfig(cmd *cobra.Command) (AppConfig, error) {
	var cfg AppConfig
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", configPath)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", configPath)
		}
	}
	if cmd.Flags().Changed("redis") {
		cfg.Redis.Enabled = redisEnabled
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.Redis.Addr = redisAddr
	}
	if cmd.Flags().Changed("redis-group") {
		cfg.Redis.Group = redisGroup
	}
	if cmd.Flags().Changed("redis-consumer") {
		cfg.Redis.Consumer = redisConsumer
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "podium",
		Short: "Streaming debate orchestration daemon and tools",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&redisEnabled, "redis", false, "use Redis Streams for transport and the event log")
	root.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	root.PersistentFlags().StringVar(&redisGroup, "redis-group", "debate-viewers", "Redis consumer group for viewers")
	root.PersistentFlags().StringVar(&redisConsumer, "redis-consumer", "viewer-1", "Redis consumer name")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newCleanupCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
