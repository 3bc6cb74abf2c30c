package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

const defaultFailoverCooldown = 30 * time.Second

// FailoverMonitor prefers a push monitor and falls back to polling when the
// push channel cannot start or breaks mid-task. Once fallback is active it
// is used until the cooldown passes; then the primary is tried again.
type FailoverMonitor struct {
	primary  Monitor
	fallback Monitor
	stages   StageRecorder
	log      zerolog.Logger
	cooldown time.Duration
	now      func() time.Time

	mu            sync.Mutex
	fallbackUntil time.Time
}

func NewFailoverMonitor(primary, fallback Monitor, stages StageRecorder, logger zerolog.Logger) *FailoverMonitor {
	if stages == nil {
		stages = nopStages{}
	}
	return &FailoverMonitor{
		primary:  primary,
		fallback: fallback,
		stages:   stages,
		log:      logger.With().Str("component", "failover_monitor").Logger(),
		cooldown: defaultFailoverCooldown,
		now:      time.Now,
	}
}

func (m *FailoverMonitor) Name() string {
	return m.primary.Name() + "+" + m.fallback.Name()
}

// FallbackActive reports whether new tasks currently skip the primary.
func (m *FailoverMonitor) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.fallbackUntil)
}

func (m *FailoverMonitor) Await(ctx context.Context, ack protocol.Ack, progress func(protocol.TaskResult)) (protocol.TaskResult, error) {
	if m.FallbackActive() {
		res, fbErr := m.fallback.Await(ctx, ack, progress)
		if fbErr == nil || isStopped(fbErr) {
			return res, fbErr
		}
		// Fallback broke while active; give the primary another chance.
		res, prErr := m.primary.Await(ctx, ack, progress)
		if prErr == nil {
			m.deactivate()
			return res, nil
		}
		if isStopped(prErr) {
			return res, prErr
		}
		return protocol.TaskResult{}, fmt.Errorf("%s failed: %v; %s failed: %w", m.fallback.Name(), fbErr, m.primary.Name(), prErr)
	}

	res, prErr := m.primary.Await(ctx, ack, progress)
	if prErr == nil || isStopped(prErr) {
		return res, prErr
	}
	if !errors.Is(prErr, ErrPushUnavailable) && !errors.Is(prErr, ErrMonitorInterrupted) {
		return res, prErr
	}
	m.activate()
	m.stages.CountIndicator(observability.IndicatorMonitorFallback)
	m.log.Warn().Err(prErr).Str("task_id", ack.Key()).Str("fallback", m.fallback.Name()).Msg("push monitor unavailable, falling back")

	res, fbErr := m.fallback.Await(ctx, ack, progress)
	if fbErr == nil || isStopped(fbErr) {
		return res, fbErr
	}
	return protocol.TaskResult{}, fmt.Errorf("%s failed: %v; %s failed: %w", m.primary.Name(), prErr, m.fallback.Name(), fbErr)
}

func (m *FailoverMonitor) activate() {
	m.mu.Lock()
	m.fallbackUntil = m.now().Add(m.cooldown)
	m.mu.Unlock()
}

func (m *FailoverMonitor) deactivate() {
	m.mu.Lock()
	m.fallbackUntil = time.Time{}
	m.mu.Unlock()
}
