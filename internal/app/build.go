package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/capture"
	"github.com/ent0n29/talkavatar/internal/config"
	"github.com/ent0n29/talkavatar/internal/conversation"
	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/httpapi"
	"github.com/ent0n29/talkavatar/internal/manual"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/remote"
	"github.com/ent0n29/talkavatar/internal/session"
	"github.com/ent0n29/talkavatar/internal/setup"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Remote   remote.Service
	Store    session.Store
	Setup    *setup.Orchestrator
	Chat     *conversation.Orchestrator
	Manual   *manual.Orchestrator
	Player   *media.Controller
	Bus      *events.Bus
	Recorder *capture.BufferRecorder
	Metrics  *observability.Metrics
	Monitor  string

	// Cleanup releases the session store, push connections and the trace
	// exporter. Call it once on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	shutdownTracing, err := observability.SetupTracing(cfg.TraceExporter, os.Stderr)
	if err != nil {
		return nil, err
	}

	svc, resolveURL, err := resolveRemote(cfg, metrics, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	store, err := session.NewStore(ctx, cfg.SessionStoreURL, cfg.SessionProfile)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	mon, err := resolveMonitor(cfg, svc, metrics, logger)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}
	logger.Info().Str("monitor", mon.detail).Str("session_store", store.Kind()).Str("remote_mode", cfg.RemoteMode).Msg("components resolved")

	bus := events.NewBus(
		events.WithQueueSize(cfg.EventSubscriberQueue),
		events.WithDropHook(func(events.Event) { metrics.ObserveEventDropped() }),
	)
	player := media.NewController(bus, media.WithObserver(metrics))

	setupOrch := setup.New(svc, store, bus, metrics, setup.Limits{
		MaxVoiceBytes:    cfg.MaxVoiceBytes,
		MaxImageBytes:    cfg.MaxImageBytes,
		MinVoiceSeconds:  float64(cfg.MinVoiceSeconds),
		DefaultCloneName: cfg.DefaultCloneName,
	}, logger)
	if snap, err := setupOrch.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not restore session; starting setup from scratch")
	} else {
		logger.Info().Str("state", string(snap.State)).Msg("session restored")
	}

	pipelineOpts := []generation.Option{
		generation.WithMetrics(metrics),
		generation.WithTaskTimeout(cfg.TaskTimeout),
		generation.WithURLResolver(resolveURL),
	}
	chatPipeline := generation.NewPipeline(conversation.Source, mon.monitor, player, bus, logger, pipelineOpts...)
	manualPipeline := generation.NewPipeline(manual.Source, mon.monitor, player, bus, logger, pipelineOpts...)

	recorder := capture.NewBufferRecorder(cfg.CaptureSampleRate, int(cfg.MaxVoiceBytes))
	chat := conversation.New(svc, setupOrch, chatPipeline, player, recorder, bus, conversation.Options{
		GenerateVideo: cfg.ChatGenerateVideo,
	}, logger)
	man := manual.New(svc, setupOrch, manualPipeline, player, bus, manual.Options{
		MaxChars:     cfg.ManualMaxChars,
		HistoryLimit: cfg.ManualHistoryLimit,
	}, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Setup:     setupOrch,
		Chat:      chat,
		Manual:    man,
		Pipelines: []*generation.Pipeline{chatPipeline, manualPipeline},
		Player:    player,
		Bus:       bus,
		Recorder:  recorder,
		Remote:    svc,
		Metrics:   metrics,
		StoreKind: store.Kind(),
		Logger:    logger,
	})

	cleanup := func() error {
		var errs []string
		if mon.cleanup != nil {
			if err := mon.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Remote:   svc,
		Store:    store,
		Setup:    setupOrch,
		Chat:     chat,
		Manual:   man,
		Player:   player,
		Bus:      bus,
		Recorder: recorder,
		Metrics:  metrics,
		Monitor:  mon.detail,
		Cleanup:  cleanup,
	}, nil
}

func resolveRemote(cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) (remote.Service, func(string) string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RemoteMode)) {
	case config.RemoteModeMock:
		logger.Warn().Msg("remote mode: mock (no real generation)")
		return remote.NewMock(), func(s string) string { return s }, nil
	case "", config.RemoteModeHTTP:
		client, err := remote.NewHTTPClient(remote.ClientConfig{
			BaseURL: cfg.RemoteBaseURL,
			Timeout: cfg.RemoteTimeout,
		}, metrics, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("remote client init failed: %w", err)
		}
		return client, client.ResolveURL, nil
	default:
		return nil, nil, fmt.Errorf("invalid REMOTE_MODE: %q (expected http|mock)", cfg.RemoteMode)
	}
}
