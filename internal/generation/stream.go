package generation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/protocol"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamWaiterBuffer = 32
)

// StreamMonitor receives task updates over one shared WebSocket. Each Await
// subscribes by task key; the read loop routes messages to the waiter.
type StreamMonitor struct {
	url    string
	dialer websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	lost    chan struct{}
	waiters map[string]*streamWaiter
	closed  bool

	writeMu sync.Mutex
}

type streamWaiter struct {
	ch   chan protocol.StreamMessage
	done chan struct{}
	// lost is closed when the connection serving this waiter drops.
	lost chan struct{}
}

func NewStreamMonitor(url string, logger zerolog.Logger) *StreamMonitor {
	return &StreamMonitor{
		url: url,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		log:     logger.With().Str("component", "stream_monitor").Logger(),
		waiters: make(map[string]*streamWaiter),
	}
}

func (m *StreamMonitor) Name() string { return "stream" }

func (m *StreamMonitor) Await(ctx context.Context, ack protocol.Ack, progress func(protocol.TaskResult)) (protocol.TaskResult, error) {
	key := ack.Key()
	if key == "" {
		return protocol.TaskResult{}, fmt.Errorf("%w: acknowledgement carries no task id", ErrPushUnavailable)
	}
	w, err := m.subscribe(ctx, key)
	if err != nil {
		return protocol.TaskResult{}, err
	}
	defer m.unsubscribe(key, w)

	acc := protocol.NewStreamAccumulator(ack)
	for {
		select {
		case <-ctx.Done():
			return protocol.TaskResult{}, ctx.Err()
		case <-w.lost:
			return protocol.TaskResult{}, fmt.Errorf("%w: stream connection lost", ErrMonitorInterrupted)
		case msg := <-w.ch:
			res, terminal := acc.Apply(msg)
			if terminal {
				return res, nil
			}
			if progress != nil {
				progress(res)
			}
		}
	}
}

// Close drops the shared connection. Pending waiters report interruption.
func (m *StreamMonitor) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *StreamMonitor) subscribe(ctx context.Context, key string) (*streamWaiter, error) {
	conn, err := m.connection(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPushUnavailable, err)
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: stream connection lost during subscribe", ErrPushUnavailable)
	}
	w := &streamWaiter{
		ch:   make(chan protocol.StreamMessage, streamWaiterBuffer),
		done: make(chan struct{}),
		lost: m.lost,
	}
	m.waiters[key] = w
	m.mu.Unlock()

	if err := m.write(conn, protocol.SubscribeMessage(key)); err != nil {
		m.unsubscribe(key, w)
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrPushUnavailable, key, err)
	}
	return w, nil
}

func (m *StreamMonitor) unsubscribe(key string, w *streamWaiter) {
	m.mu.Lock()
	if m.waiters[key] == w {
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	close(w.done)
}

// connection returns the live connection, dialing when needed.
func (m *StreamMonitor) connection(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("stream monitor closed")
	}
	if m.conn != nil {
		return m.conn, nil
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}
	m.conn = conn
	m.lost = make(chan struct{})
	go m.readLoop(conn, m.lost)
	m.log.Debug().Str("url", m.url).Msg("stream connected")
	return conn, nil
}

func (m *StreamMonitor) readLoop(conn *websocket.Conn, lost chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
		close(lost)
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.log.Debug().Err(err).Msg("stream read ended")
			return
		}
		msg, err := protocol.ParseStreamMessage(raw)
		if err != nil {
			m.log.Debug().Err(err).Msg("ignoring stream message")
			continue
		}
		m.route(msg)
	}
}

// route hands msg to its waiter. Progress updates are dropped when the
// waiter is behind so one slow task cannot hold up the shared connection;
// content, media and terminal messages wait for room.
func (m *StreamMonitor) route(msg protocol.StreamMessage) {
	key := msg.Key()
	m.mu.Lock()
	w := m.waiters[key]
	m.mu.Unlock()
	if w == nil {
		return
	}
	if msg.ProgressOnly() {
		select {
		case w.ch <- msg:
		case <-w.done:
		default:
			m.log.Debug().Str("task_id", key).Str("type", string(msg.Type)).Msg("waiter behind, dropping progress update")
		}
		return
	}
	select {
	case w.ch <- msg:
	case <-w.done:
	}
}

func (m *StreamMonitor) write(conn *websocket.Conn, msg protocol.StreamMessage) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(msg)
}
