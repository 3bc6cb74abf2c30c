package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/talkavatar/internal/app"
	"github.com/ent0n29/talkavatar/internal/config"
	"github.com/ent0n29/talkavatar/internal/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
	mock       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "talkavatar",
		Short: "Talking-avatar client: setup, chat and manual speech",
		Long: `talkavatar drives a remote voice-clone and avatar rendering service.

Run "talkavatar setup voice|clone|image" once to create the avatar, then
"talkavatar say" or "talkavatar chat" to make it speak. "talkavatar serve"
exposes the same operations over a local HTTP and WebSocket API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (overrides APP_CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error")
	cmd.PersistentFlags().BoolVar(&opts.mock, "mock", false, "use the in-process mock remote")

	cmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newSetupCmd(opts),
		newChatCmd(opts),
		newSayCmd(opts),
		newPreviewCmd(opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.configFile != "" {
		if err := os.Setenv("APP_CONFIG_FILE", o.configFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.mock {
		cfg.RemoteMode = config.RemoteModeMock
	}
	return cfg, nil
}

// build loads config and wires the full object graph. One-shot commands log
// quietly to stderr unless a level was asked for.
func (o *rootOptions) build(ctx context.Context, quiet bool) (*app.BuildResult, zerolog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if quiet && o.logLevel == "" {
		cfg.LogLevel = "warn"
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return res, logger, nil
}

func closeQuietly(res *app.BuildResult, logger zerolog.Logger) {
	if err := res.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
