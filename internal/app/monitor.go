package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/config"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/observability"
)

type monitorSetup struct {
	monitor generation.Monitor
	detail  string
	cleanup func() error
}

// resolveMonitor picks the task monitor for cfg.MonitorMode. Push monitors
// are always wrapped with polling as the fallback.
func resolveMonitor(cfg config.Config, client generation.StatusClient, metrics *observability.Metrics, logger zerolog.Logger) (monitorSetup, error) {
	poll := generation.NewPollMonitor(client, generation.PollConfig{
		Interval:  cfg.PollInterval,
		MaxErrors: cfg.MaxPollErrors,
	}, metrics, logger)

	mode := strings.ToLower(strings.TrimSpace(cfg.MonitorMode))
	if mode == "" {
		mode = config.MonitorModeAuto
	}
	if cfg.RemoteMode == config.RemoteModeMock && mode != config.MonitorModePoll {
		logger.Info().Str("monitor_mode", mode).Msg("mock remote has no push channel; polling")
		mode = config.MonitorModePoll
	}

	withStream := func() monitorSetup {
		stream := generation.NewStreamMonitor(cfg.RemoteStreamURL, logger)
		return monitorSetup{
			monitor: generation.NewFailoverMonitor(stream, poll, metrics, logger),
			detail:  "stream " + cfg.RemoteStreamURL + " with polling fallback",
			cleanup: stream.Close,
		}
	}

	tryNATS := func(fatal bool) (monitorSetup, bool, error) {
		conn, err := generation.ConnectNATS(cfg.NATSURL, 0, logger)
		if err != nil {
			if fatal {
				return monitorSetup{}, false, fmt.Errorf("nats monitor init failed: %w", err)
			}
			logger.Warn().Err(err).Msg("nats unavailable")
			return monitorSetup{}, false, nil
		}
		push := generation.NewNATSMonitor(conn, cfg.NATSSubjectPrefix, logger)
		return monitorSetup{
			monitor: generation.NewFailoverMonitor(push, poll, metrics, logger),
			detail:  "nats " + cfg.NATSURL + " with polling fallback",
			cleanup: func() error {
				conn.Close()
				return nil
			},
		}, true, nil
	}

	switch mode {
	case config.MonitorModePoll:
		return monitorSetup{monitor: poll, detail: fmt.Sprintf("polling every %s", cfg.PollInterval)}, nil
	case config.MonitorModeStream:
		return withStream(), nil
	case config.MonitorModeNATS:
		setup, _, err := tryNATS(true)
		return setup, err
	case config.MonitorModeAuto:
		if strings.TrimSpace(cfg.NATSURL) != "" {
			if setup, ok, _ := tryNATS(false); ok {
				return setup, nil
			}
		}
		if strings.TrimSpace(cfg.RemoteStreamURL) != "" {
			return withStream(), nil
		}
		return monitorSetup{monitor: poll, detail: fmt.Sprintf("polling every %s", cfg.PollInterval)}, nil
	default:
		return monitorSetup{}, fmt.Errorf("invalid MONITOR_MODE: %q (expected auto|poll|stream|nats)", cfg.MonitorMode)
	}
}
