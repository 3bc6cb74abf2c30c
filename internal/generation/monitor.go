package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/reliability"
	"github.com/ent0n29/talkavatar/internal/remote"
)

// Monitor follows a submitted task until it reaches a terminal status.
//
// Await returns the terminal result, ctx.Err() when the caller stops
// waiting, or an error wrapping ErrMonitorInterrupted when the channel to
// the remote broke. Push monitors that cannot subscribe at all wrap
// ErrPushUnavailable instead. progress receives intermediate results.
type Monitor interface {
	Await(ctx context.Context, ack protocol.Ack, progress func(protocol.TaskResult)) (protocol.TaskResult, error)
	Name() string
}

// StageRecorder is the subset of observability.Metrics monitors report to.
type StageRecorder interface {
	ObserveStage(stage string, d time.Duration)
	CountIndicator(name string)
}

type nopStages struct{}

func (nopStages) ObserveStage(string, time.Duration) {}
func (nopStages) CountIndicator(string)             {}

// StatusClient is the status endpoint the poll monitor reads.
type StatusClient interface {
	TaskStatus(ctx context.Context, taskID string) (protocol.TaskResult, error)
}

type PollConfig struct {
	Interval time.Duration
	// MaxErrors is the number of consecutive failed polls tolerated before
	// monitoring is reported as interrupted.
	MaxErrors int
}

// PollMonitor asks the status endpoint at a fixed interval, backing off
// while status calls fail.
type PollMonitor struct {
	client    StatusClient
	interval  time.Duration
	maxErrors int
	stages    StageRecorder
	log       zerolog.Logger
}

func NewPollMonitor(client StatusClient, cfg PollConfig, stages StageRecorder, logger zerolog.Logger) *PollMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	if stages == nil {
		stages = nopStages{}
	}
	return &PollMonitor{
		client:    client,
		interval:  cfg.Interval,
		maxErrors: cfg.MaxErrors,
		stages:    stages,
		log:       logger.With().Str("component", "poll_monitor").Logger(),
	}
}

func (m *PollMonitor) Name() string { return "poll" }

func (m *PollMonitor) Await(ctx context.Context, ack protocol.Ack, progress func(protocol.TaskResult)) (protocol.TaskResult, error) {
	key := ack.Key()
	if key == "" {
		return protocol.TaskResult{}, fmt.Errorf("%w: acknowledgement carries no task id", ErrMonitorInterrupted)
	}
	failures := 0
	wait := m.interval
	for {
		if err := reliability.Sleep(ctx, wait); err != nil {
			return protocol.TaskResult{}, err
		}

		started := time.Now()
		res, err := m.client.TaskStatus(ctx, key)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.TaskResult{}, ctxErr
		}
		if err == nil && !res.Status.Valid() {
			err = fmt.Errorf("%w: status %q", protocol.ErrMalformedResponse, res.Status)
		}
		if err != nil {
			failures++
			m.stages.CountIndicator(observability.IndicatorPollError)
			m.log.Warn().Err(err).Str("task_id", key).Int("failures", failures).Msg("status poll failed")
			permanent := !reliability.IsTransientError(err) && !errors.Is(err, remote.ErrNotFound) &&
				!errors.Is(err, protocol.ErrMalformedResponse)
			if permanent || failures >= m.maxErrors {
				return protocol.TaskResult{}, fmt.Errorf("%w: %d consecutive status errors: %w", ErrMonitorInterrupted, failures, err)
			}
			wait = reliability.ExponentialBackoff(failures, m.interval, 8*m.interval)
			continue
		}
		m.stages.ObserveStage(observability.StagePollRoundTrip, time.Since(started))
		failures = 0
		wait = m.interval

		if res.TaskID == "" {
			res.TaskID = ack.TaskID
		}
		if res.Status.Terminal() {
			return res, nil
		}
		if progress != nil {
			progress(res)
		}
	}
}

// isStopped reports whether err means the caller stopped waiting.
func isStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
