package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/streamrl/internal/config"
)

var buildVersion = "dev"

var (
	configPath string
	portFlag   int
)

var rootCmd = &cobra.Command{
	Use:   "streamrl",
	Short: "Streaming actor/learner RL orchestration",
	Long: `streamrl runs the roles of a streaming reinforcement learning system:
a coordinator that owns model versions, inference services that serve them,
actors that step environments, and a learner that trains on their shards.

Every role reads the same config file; --port picks this process's listener.

Examples:
  streamrl coordinator --config streamrl.yaml --port 8080
  streamrl inference --config streamrl.yaml --port 8081
  streamrl local --config streamrl.yaml`,
	SilenceUsage: true,
	Version:      buildVersion,
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "HTTP listen port, overrides server.port")

	rootCmd.AddCommand(coordinatorCmd, inferenceCmd, learnerCmd, actorCmd, localCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config (or the defaults) and applies --port.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	for _, id := range []*string{&cfg.Inference.ID, &cfg.Learner.ID, &cfg.Actor.ID} {
		if *id == "" {
			*id = "streamrl-" + uuid.NewString()[:8]
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a development logger for debug and a production one otherwise.
func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// runRole loads the config and runs fn until the process is signalled. When
// a config file is given, edits to it restart fn with the new settings.
func runRole(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error) error {
	ctx := cmd.Context()
	for {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Server.LogLevel)
		if err != nil {
			return err
		}

		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if configPath != "" {
			runCtx, cancel, err = config.WatchContext(ctx, configPath)
			if err != nil {
				logger.Warn("config reload disabled", zap.Error(err))
				runCtx, cancel = ctx, func() {}
			}
		}

		logger.Info("starting", zap.String("command", cmd.Name()), zap.String("version", buildVersion), zap.String("config", configPath))
		err = fn(runCtx, cfg, logger)
		reloaded := runCtx.Err() != nil && ctx.Err() == nil
		cause := context.Cause(runCtx)
		cancel()
		_ = logger.Sync()

		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if !reloaded {
			return nil
		}
		logger.Info("config changed, restarting", zap.NamedError("cause", cause))
	}
}
