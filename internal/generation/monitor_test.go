package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/remote"
)

type statusFunc func(ctx context.Context, id string) (protocol.TaskResult, error)

func (f statusFunc) TaskStatus(ctx context.Context, id string) (protocol.TaskResult, error) {
	return f(ctx, id)
}

func TestPollMonitorToleratesTransientErrors(t *testing.T) {
	mock := remote.NewMock()
	mock.FailNext(remote.OpTaskStatus, &remote.StatusError{Op: remote.OpTaskStatus, Code: 503})
	metrics := observability.NewMetrics("poll_test")
	monitor := NewPollMonitor(mock, PollConfig{Interval: time.Millisecond, MaxErrors: 3}, metrics, zerolog.Nop())

	ack, err := mock.Synthesize(context.Background(), protocol.DefaultSynthesizeRequest("clone", "hi"))
	require.NoError(t, err)

	var progressed []protocol.TaskResult
	res, err := monitor.Await(context.Background(), ack, func(r protocol.TaskResult) { progressed = append(progressed, r) })
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.AudioURL)
	require.Len(t, progressed, 1)
	assert.Equal(t, protocol.StatusProcessing, progressed[0].Status)

	snap := metrics.SnapshotStages()
	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, observability.IndicatorPollError, snap.Indicators[0].Name)
}

func TestPollMonitorInterruptsAfterMaxErrors(t *testing.T) {
	calls := 0
	client := statusFunc(func(context.Context, string) (protocol.TaskResult, error) {
		calls++
		return protocol.TaskResult{}, &remote.StatusError{Op: remote.OpTaskStatus, Code: 502}
	})
	monitor := NewPollMonitor(client, PollConfig{Interval: time.Millisecond, MaxErrors: 3}, nil, zerolog.Nop())

	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	require.ErrorIs(t, err, ErrMonitorInterrupted)
	assert.Equal(t, 3, calls)
}

func TestPollMonitorInterruptsOnPermanentError(t *testing.T) {
	calls := 0
	client := statusFunc(func(context.Context, string) (protocol.TaskResult, error) {
		calls++
		return protocol.TaskResult{}, &remote.StatusError{Op: remote.OpTaskStatus, Code: 401}
	})
	monitor := NewPollMonitor(client, PollConfig{Interval: time.Millisecond, MaxErrors: 5}, nil, zerolog.Nop())

	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	require.ErrorIs(t, err, ErrMonitorInterrupted)
	assert.Equal(t, 1, calls)
}

func TestPollMonitorStopsOnCancel(t *testing.T) {
	client := statusFunc(func(context.Context, string) (protocol.TaskResult, error) {
		return protocol.TaskResult{Status: protocol.StatusProcessing}, nil
	})
	monitor := NewPollMonitor(client, PollConfig{Interval: time.Millisecond}, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := monitor.Await(ctx, protocol.Ack{TaskID: "t"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// streamServer answers every subscribe with the scripted messages for that key.
func streamServer(t *testing.T, script func(key string) []protocol.StreamMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var sub protocol.StreamMessage
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			if sub.Type != protocol.StreamSubscribe {
				continue
			}
			for _, msg := range script(sub.Key()) {
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamMonitorMergesMediaIntoResult(t *testing.T) {
	srv := streamServer(t, func(key string) []protocol.StreamMessage {
		return []protocol.StreamMessage{
			{Type: protocol.StreamType("noise"), TaskID: key},
			{Type: protocol.StreamStatus, TaskID: key, Progress: 30},
			{Type: protocol.StreamChunk, TaskID: key, Content: "Hel"},
			{Type: protocol.StreamChunk, TaskID: key, Content: "lo"},
			{Type: protocol.StreamAudio, TaskID: key, AudioURL: "http://x/a.mp3"},
			{Type: protocol.StreamVideo, TaskID: key, VideoURL: "http://x/v.mp4"},
			{Type: protocol.StreamComplete, TaskID: key},
		}
	})
	monitor := NewStreamMonitor(wsURL(srv), zerolog.Nop())
	defer monitor.Close()

	var mu sync.Mutex
	progress := 0
	res, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t-1"}, func(protocol.TaskResult) {
		mu.Lock()
		progress++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "http://x/a.mp3", res.AudioURL)
	assert.Equal(t, "http://x/v.mp4", res.VideoURL)
	assert.Equal(t, "Hello", res.ResponseText)
	assert.Equal(t, 30, res.Progress)
	assert.Equal(t, 5, progress)

	// The connection is shared by later tasks.
	res, err = monitor.Await(context.Background(), protocol.Ack{TaskID: "t-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "t-2", res.TaskID)
}

func TestStreamMonitorReportsFailure(t *testing.T) {
	srv := streamServer(t, func(key string) []protocol.StreamMessage {
		return []protocol.StreamMessage{{Type: protocol.StreamError, TaskID: key, Message: "render crashed"}}
	})
	monitor := NewStreamMonitor(wsURL(srv), zerolog.Nop())
	defer monitor.Close()

	res, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, "render crashed", res.Error)
}

func TestStreamMonitorUnavailable(t *testing.T) {
	monitor := NewStreamMonitor("ws://127.0.0.1:1/none", zerolog.Nop())
	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	assert.ErrorIs(t, err, ErrPushUnavailable)
}

func TestStreamMonitorConnectionLoss(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub protocol.StreamMessage
		_ = conn.ReadJSON(&sub)
		_ = conn.Close()
	}))
	defer srv.Close()

	monitor := NewStreamMonitor(wsURL(srv), zerolog.Nop())
	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	assert.ErrorIs(t, err, ErrMonitorInterrupted)
}

func TestStreamRouteDropsProgressForSlowWaiter(t *testing.T) {
	monitor := NewStreamMonitor("ws://unused", zerolog.Nop())
	slow := &streamWaiter{ch: make(chan protocol.StreamMessage, 1), done: make(chan struct{})}
	fast := &streamWaiter{ch: make(chan protocol.StreamMessage, 1), done: make(chan struct{})}
	monitor.waiters["slow"] = slow
	monitor.waiters["fast"] = fast
	slow.ch <- protocol.StreamMessage{Type: protocol.StreamChunk, TaskID: "slow", Content: "a"}

	routed := make(chan struct{})
	go func() {
		monitor.route(protocol.StreamMessage{Type: protocol.StreamStatus, TaskID: "slow", Progress: 40})
		monitor.route(protocol.StreamMessage{Type: protocol.StreamComplete, TaskID: "fast"})
		close(routed)
	}()
	select {
	case <-routed:
	case <-time.After(time.Second):
		t.Fatal("a full waiter blocked routing for other tasks")
	}
	assert.Equal(t, protocol.StreamComplete, (<-fast.ch).Type)
	assert.Equal(t, "a", (<-slow.ch).Content, "only the progress update was dropped")

	slow.ch <- protocol.StreamMessage{Type: protocol.StreamChunk, TaskID: "slow", Content: "b"}
	routed = make(chan struct{})
	go func() {
		monitor.route(protocol.StreamMessage{Type: protocol.StreamVideo, TaskID: "slow", VideoURL: "http://x/v.mp4"})
		close(routed)
	}()
	<-slow.ch
	select {
	case <-routed:
	case <-time.After(time.Second):
		t.Fatal("media update was not delivered once the waiter caught up")
	}
	assert.Equal(t, "http://x/v.mp4", (<-slow.ch).VideoURL)
}

type fakeMonitor struct {
	name  string
	mu    sync.Mutex
	calls int
	res   protocol.TaskResult
	err   error
}

func (m *fakeMonitor) Name() string { return m.name }

func (m *fakeMonitor) Await(context.Context, protocol.Ack, func(protocol.TaskResult)) (protocol.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.res, m.err
}

func (m *fakeMonitor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestFailoverMonitorFallsBackToPolling(t *testing.T) {
	done := protocol.TaskResult{TaskID: "t", Status: protocol.StatusCompleted, AudioURL: "http://x/a"}
	primary := &fakeMonitor{name: "stream", err: ErrPushUnavailable}
	fallback := &fakeMonitor{name: "poll", res: done}
	metrics := observability.NewMetrics("failover_test")
	monitor := NewFailoverMonitor(primary, fallback, metrics, zerolog.Nop())
	assert.Equal(t, "stream+poll", monitor.Name())

	res, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, done, res)
	assert.True(t, monitor.FallbackActive())

	_, err = monitor.Await(context.Background(), protocol.Ack{TaskID: "t2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls(), "primary skipped while fallback is active")
	assert.Equal(t, 2, fallback.Calls())

	now := time.Now().Add(time.Hour)
	monitor.now = func() time.Time { return now }
	assert.False(t, monitor.FallbackActive())
}

func TestFailoverMonitorReturnsCombinedError(t *testing.T) {
	primary := &fakeMonitor{name: "stream", err: ErrPushUnavailable}
	fallback := &fakeMonitor{name: "poll", err: ErrMonitorInterrupted}
	monitor := NewFailoverMonitor(primary, fallback, nil, zerolog.Nop())

	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	require.ErrorIs(t, err, ErrMonitorInterrupted)
	assert.Contains(t, err.Error(), "stream failed")
}

func TestFailoverMonitorPassesThroughCancellation(t *testing.T) {
	primary := &fakeMonitor{name: "stream", err: context.Canceled}
	fallback := &fakeMonitor{name: "poll"}
	monitor := NewFailoverMonitor(primary, fallback, nil, zerolog.Nop())

	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t"}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, fallback.Calls())
}

func TestNATSMonitorSubjects(t *testing.T) {
	monitor := NewNATSMonitor(nil, " avatar.tasks. ", zerolog.Nop())
	assert.Equal(t, "avatar.tasks.t-1", monitor.Subject("t-1"))

	_, err := monitor.Await(context.Background(), protocol.Ack{TaskID: "t-1"}, nil)
	assert.ErrorIs(t, err, ErrPushUnavailable)
}

func TestNATSMonitorReceivesUpdates(t *testing.T) {
	url := os.Getenv("TALKAVATAR_TEST_NATS_URL")
	if url == "" {
		t.Skip("TALKAVATAR_TEST_NATS_URL not set")
	}
	conn, err := ConnectNATS(url, time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	monitor := NewNATSMonitor(conn, "talkavatar.test", zerolog.Nop())
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = conn.Publish(monitor.Subject("t-nats"), []byte(`{"type":"audio","task_id":"t-nats","audio_url":"http://x/a"}`))
		_ = conn.Publish(monitor.Subject("t-nats"), []byte(`{"type":"complete","task_id":"t-nats"}`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := monitor.Await(ctx, protocol.Ack{TaskID: "t-nats"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://x/a", res.AudioURL)
}
