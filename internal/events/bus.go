// Package events carries orchestrator state transitions to observers.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	SetupStateChanged Type = "setup_state_changed"
	SetupAdvisory     Type = "setup_advisory"
	SetupFailed       Type = "setup_failed"

	TaskSubmitted   Type = "task_submitted"
	TaskProgress    Type = "task_progress"
	TaskCompleted   Type = "task_completed"
	TaskFailed      Type = "task_failed"
	TaskRejected    Type = "task_rejected"
	TaskAbandoned   Type = "task_abandoned"
	TaskInterrupted Type = "task_interrupted"
	TaskIgnored     Type = "task_late_result_ignored"

	TurnAppended        Type = "conversation_turn_appended"
	ConversationCleared Type = "conversation_cleared"
	RecordingStarted    Type = "recording_started"
	RecordingStopped    Type = "recording_stopped"

	ManualInputChanged   Type = "manual_input_changed"
	ManualHistoryUpdated Type = "manual_history_updated"

	PlaybackChanged Type = "playback_changed"
)

// Event is one observable transition. Payload holds the producer's typed
// snapshot and is encoded as-is on the websocket feed.
type Event struct {
	Type    Type      `json:"type"`
	Source  string    `json:"source"`
	TaskID  string    `json:"task_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is the narrow view producers depend on.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than block producers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
	history     []Event
	historyMax  int
	queueSize   int
	onDrop      func(Event)
	now         func() time.Time
}

type Option func(*Bus)

// WithHistory keeps the last n events for late subscribers.
func WithHistory(n int) Option {
	return func(b *Bus) { b.historyMax = n }
}

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithDropHook is invoked (outside the lock) for each event a full
// subscriber queue rejects.
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[int]chan Event),
		historyMax:  64,
		queueSize:   256,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = b.now().UTC()
	}

	var dropped int
	b.mu.Lock()
	if b.historyMax > 0 {
		b.history = append(b.history, evt)
		if len(b.history) > b.historyMax {
			b.history = append([]Event(nil), b.history[len(b.history)-b.historyMax:]...)
		}
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	onDrop := b.onDrop
	b.mu.Unlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(evt)
		}
	}
}

// Recent returns up to n retained events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriberCount is exported for readiness reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}
