package observability

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(4)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	for _, ms := range []int{100, 200, 300, 400, 500} {
		w.Observe(StageSubmitAck, time.Duration(ms)*time.Millisecond)
	}
	w.Observe("", time.Second)
	w.Observe(StagePollRoundTrip, -time.Second)
	w.Count(IndicatorPollError)
	w.Count(IndicatorPollError)
	w.Count(" ")

	snap := w.Snapshot()
	assert.Equal(t, 4, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	stats := snap.Stages[0]
	assert.Equal(t, StageSubmitAck, stats.Stage)
	assert.Equal(t, 4, stats.Samples, "oldest sample is evicted")
	assert.Equal(t, 500.0, stats.LastMS)
	assert.Equal(t, 350.0, stats.AvgMS)
	assert.Equal(t, 350.0, stats.P50MS)
	assert.Equal(t, 1500.0, stats.TargetP95MS)
	assert.False(t, stats.OverTarget)

	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, IndicatorCount{Name: IndicatorPollError, Count: 2}, snap.Indicators[0])

	w.Reset()
	assert.Empty(t, w.Snapshot().Stages)
}

func TestStageWindowFlagsTargetOverrun(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StagePollRoundTrip, 2*time.Second)
	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.True(t, snap.Stages[0].OverTarget)
}

func TestQuantileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, quantile(sorted, 0))
	assert.Equal(t, 40.0, quantile(sorted, 1))
	assert.InDelta(t, 25.0, quantile(sorted, 0.5), 0.0001)
	assert.Equal(t, 0.0, quantile(nil, 0.5))
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("talkavatar_test")
	m.ObserveRemoteRequest("send_message", 200, 40*time.Millisecond)
	m.ObserveRemoteRequest("task_status", 0, time.Millisecond)
	m.ObservePlayback("video")
	m.ObserveTaskStarted("chat")
	m.ObserveTaskFinished("chat", "full", "completed", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `talkavatar_test_remote_requests_total{code="200",op="send_message"} 1`)
	assert.Contains(t, text, `talkavatar_test_remote_requests_total{code="error",op="task_status"} 1`)
	assert.Contains(t, text, `talkavatar_test_playback_changes_total{authority="video"} 1`)
	assert.Contains(t, text, `talkavatar_test_generation_active_tasks{owner="chat"} 0`)

	snap := m.SnapshotStages()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, StageSubmitToTerminal, snap.Stages[0].Stage)
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageSubmitAck, time.Second)
	m.CountIndicator(IndicatorLateResult)
	m.ObserveEventDropped()
	assert.Empty(t, m.SnapshotStages().Stages)
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := SetupTracing("none", nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = SetupTracing("jaeger", nil)
	require.Error(t, err)

	var buf bytes.Buffer
	shutdown, err = SetupTracing("stdout", &buf)
	require.NoError(t, err)
	_, span := Tracer().Start(context.Background(), "unit")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.True(t, strings.Contains(buf.String(), `"Name": "unit"`))
}
