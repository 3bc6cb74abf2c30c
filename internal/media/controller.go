package media

import (
	"sync"
	"time"

	"github.com/ent0n29/talkavatar/internal/events"
)

// Authority names the element currently allowed to be heard.
type Authority string

const (
	AuthorityVideo       Authority = "video"
	AuthorityAudio       Authority = "audio"
	AuthorityPlaceholder Authority = "placeholder"
)

// State is a snapshot of the playback slot.
type State struct {
	VideoURL  string    `json:"video_url,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Authority Authority `json:"authority"`
	Playing   bool      `json:"playing"`
	Muted     bool      `json:"muted"`
	Progress  float64   `json:"progress"`
	Source    string    `json:"source,omitempty"`
	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Current returns the reference that is audible under the precedence rules.
func (s State) Current() (Ref, bool) {
	switch s.Authority {
	case AuthorityVideo:
		return Video(s.VideoURL), true
	case AuthorityAudio:
		return Audio(s.AudioURL), true
	default:
		return Ref{}, false
	}
}

// Observer receives authority changes, typically for metrics.
type Observer interface {
	ObservePlayback(authority string)
}

// Controller owns the video and audio slots. Writes from any orchestrator
// are last-write-wins per slot; a set video always outranks audio.
type Controller struct {
	mu       sync.Mutex
	state    State
	pub      events.Publisher
	observer Observer
	now      func() time.Time
}

type ControllerOption func(*Controller)

func WithObserver(o Observer) ControllerOption {
	return func(c *Controller) { c.observer = o }
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(pub events.Publisher, opts ...ControllerOption) *Controller {
	c := &Controller{
		pub: events.OrDiscard(pub),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = State{Authority: AuthorityPlaceholder, UpdatedAt: c.now().UTC()}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Present hands a resolved reference to the slot. A video starts playing from
// zero and takes over from any audio; audio only plays when no video is set.
func (c *Controller) Present(source string, ref Ref) bool {
	if !ref.Valid() {
		return false
	}
	c.mu.Lock()
	switch ref.Kind {
	case KindVideo:
		c.state.VideoURL = ref.URL
		c.state.Progress = 0
		c.state.Playing = true
	case KindAudio:
		c.state.AudioURL = ref.URL
		if c.state.VideoURL == "" {
			c.state.Playing = true
		}
	}
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
	return true
}

// Clear empties both slots and returns to the placeholder.
func (c *Controller) Clear(source string) {
	c.mu.Lock()
	c.state.VideoURL = ""
	c.state.AudioURL = ""
	c.state.Playing = false
	c.state.Progress = 0
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
}

// DismissVideo drops the video so a stored audio reference becomes audible.
func (c *Controller) DismissVideo(source string) bool {
	c.mu.Lock()
	if c.state.VideoURL == "" {
		c.mu.Unlock()
		return false
	}
	c.state.VideoURL = ""
	c.state.Progress = 0
	c.state.Playing = c.state.AudioURL != ""
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
	return true
}

func (c *Controller) Pause(source string) bool  { return c.setPlaying(source, false) }
func (c *Controller) Resume(source string) bool { return c.setPlaying(source, true) }

func (c *Controller) setPlaying(source string, playing bool) bool {
	c.mu.Lock()
	if c.state.Authority == AuthorityPlaceholder || c.state.Playing == playing {
		c.mu.Unlock()
		return false
	}
	c.state.Playing = playing
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
	return true
}

// SetMuted applies to whichever element is authoritative.
func (c *Controller) SetMuted(source string, muted bool) {
	c.mu.Lock()
	if c.state.Muted == muted {
		c.mu.Unlock()
		return
	}
	c.state.Muted = muted
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
}

// UpdateProgress records the video position as a fraction of its duration.
// It is ignored unless video is authoritative.
func (c *Controller) UpdateProgress(position, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}
	frac := float64(position) / float64(duration)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Authority != AuthorityVideo {
		return false
	}
	c.state.Progress = frac
	// Progress ticks are frequent; they bump the revision but are not published.
	c.state.Revision++
	return true
}

// Ended marks playback of the authoritative element as finished.
func (c *Controller) Ended(source string) {
	c.mu.Lock()
	if c.state.Authority == AuthorityPlaceholder {
		c.mu.Unlock()
		return
	}
	c.state.Playing = false
	c.state.Progress = 0
	snap := c.commitLocked(source)
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) commitLocked(source string) State {
	prev := c.state.Authority
	switch {
	case c.state.VideoURL != "":
		c.state.Authority = AuthorityVideo
	case c.state.AudioURL != "":
		c.state.Authority = AuthorityAudio
	default:
		c.state.Authority = AuthorityPlaceholder
		c.state.Playing = false
	}
	c.state.Source = source
	c.state.Revision++
	c.state.UpdatedAt = c.now().UTC()
	if c.observer != nil && prev != c.state.Authority {
		c.observer.ObservePlayback(string(c.state.Authority))
	}
	return c.state
}

func (c *Controller) emit(s State) {
	c.pub.Publish(events.Event{
		Type:    events.PlaybackChanged,
		Source:  s.Source,
		Payload: s,
	})
}
