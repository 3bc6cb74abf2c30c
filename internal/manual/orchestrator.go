// Package manual makes the avatar speak text typed by the user.
package manual

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/logging"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/setup"
)

const Source = "manual"

const (
	DefaultMaxChars     = 5000
	DefaultHistoryLimit = 10
)

var (
	ErrEmptyText       = errors.New("text is empty")
	ErrUnknownEntry    = errors.New("no history entry for task")
	ErrNothingToReplay = errors.New("history entry has no media")
)

// HistoryEntry summarises one finished speak task. Failed tasks are kept
// with no media and cannot be replayed.
type HistoryEntry struct {
	TaskID      string          `json:"task_id"`
	Text        string          `json:"text"`
	PreviewOnly bool            `json:"preview_only"`
	Status      protocol.Status `json:"status"`
	Media       *media.Ref      `json:"media,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type State struct {
	Input     string           `json:"input"`
	Chars     int              `json:"chars"`
	MaxChars  int              `json:"max_chars"`
	Truncated bool             `json:"truncated,omitempty"`
	Active    *generation.Task `json:"active,omitempty"`
	History   []HistoryEntry   `json:"history"`
}

type Remote interface {
	Speak(ctx context.Context, req protocol.ManualSpeakRequest) (protocol.Ack, error)
	Synthesize(ctx context.Context, req protocol.SynthesizeRequest) (protocol.Ack, error)
}

type CredentialSource interface {
	Credentials() (setup.Credentials, error)
}

type Presenter interface {
	Present(source string, ref media.Ref) bool
}

type Options struct {
	MaxChars     int
	HistoryLimit int
}

type Orchestrator struct {
	remote   Remote
	creds    CredentialSource
	pipeline *generation.Pipeline
	player   Presenter
	pub      events.Publisher
	maxChars int
	limit    int
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	input     string
	truncated bool
	history   []HistoryEntry
}

func New(remote Remote, creds CredentialSource, pipeline *generation.Pipeline, player Presenter, pub events.Publisher, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Orchestrator{
		remote:   remote,
		creds:    creds,
		pipeline: pipeline,
		player:   player,
		pub:      events.OrDiscard(pub),
		maxChars: opts.MaxChars,
		limit:    opts.HistoryLimit,
		log:      logger.With().Str("component", "manual").Logger(),
		now:      time.Now,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	s := State{
		Input:     o.input,
		Chars:     utf8.RuneCountInString(o.input),
		MaxChars:  o.maxChars,
		Truncated: o.truncated,
		History:   append([]HistoryEntry(nil), o.history...),
	}
	o.mu.Unlock()
	if task, ok := o.pipeline.Active(); ok {
		s.Active = &task
	}
	return s
}

// History returns finished tasks, newest first.
func (o *Orchestrator) History() []HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]HistoryEntry(nil), o.history...)
}

// SetInput replaces the input buffer. Text beyond the character limit is
// cut off rather than rejected.
func (o *Orchestrator) SetInput(text string) State {
	clipped, truncated := truncateRunes(text, o.maxChars)
	o.mu.Lock()
	o.input = clipped
	o.truncated = truncated
	o.mu.Unlock()

	o.publish(events.ManualInputChanged, "", "", nil)
	return o.State()
}

// Preview synthesises audio only. It does not touch video or history. An
// empty text previews the input buffer.
func (o *Orchestrator) Preview(ctx context.Context, text string) (generation.Task, error) {
	text, creds, err := o.prepare(text)
	if err != nil {
		return generation.Task{}, err
	}
	o.log.Info().Str("text", logging.SafeText(text, 80)).Msg("preview requested")
	return o.pipeline.Submit(ctx, generation.Request{
		Kind:       generation.KindPreview,
		SourceText: text,
		Submit: func(ctx context.Context) (protocol.Ack, error) {
			return o.remote.Synthesize(ctx, protocol.DefaultSynthesizeRequest(creds.CloneID, text))
		},
	})
}

// Speak runs the full pipeline. previewOnly asks the speak endpoint for
// audio without a rendered video. On success the task heads the history and
// the input buffer is cleared.
func (o *Orchestrator) Speak(ctx context.Context, text string, previewOnly bool) (generation.Task, error) {
	text, creds, err := o.prepare(text)
	if err != nil {
		return generation.Task{}, err
	}
	o.log.Info().Str("text", logging.SafeText(text, 80)).Bool("preview_only", previewOnly).Msg("speak requested")
	return o.pipeline.Submit(ctx, generation.Request{
		Kind:       generation.KindFull,
		SourceText: text,
		Submit: func(ctx context.Context) (protocol.Ack, error) {
			return o.remote.Speak(ctx, protocol.ManualSpeakRequest{
				Text:        text,
				CloneID:     creds.CloneID,
				ImageID:     creds.ImageID,
				PreviewOnly: previewOnly,
			})
		},
		OnDone: func(task generation.Task, err error) { o.record(task, previewOnly, err) },
	})
}

// Replay presents a stored result again without a new request.
func (o *Orchestrator) Replay(taskID string) (HistoryEntry, error) {
	o.mu.Lock()
	var entry *HistoryEntry
	for i := range o.history {
		if o.history[i].TaskID == taskID {
			e := o.history[i]
			entry = &e
			break
		}
	}
	o.mu.Unlock()

	if entry == nil {
		return HistoryEntry{}, ErrUnknownEntry
	}
	if entry.Media == nil {
		return *entry, ErrNothingToReplay
	}
	o.player.Present(Source, *entry.Media)
	return *entry, nil
}

// Wait blocks until the active task, if any, finishes.
func (o *Orchestrator) Wait(ctx context.Context) (generation.Task, error) {
	return o.pipeline.Wait(ctx, "")
}

func (o *Orchestrator) prepare(text string) (string, setup.Credentials, error) {
	if strings.TrimSpace(text) == "" {
		o.mu.Lock()
		text = o.input
		o.mu.Unlock()
	}
	text, _ = truncateRunes(strings.TrimSpace(text), o.maxChars)
	if text == "" {
		return "", setup.Credentials{}, ErrEmptyText
	}
	creds, err := o.creds.Credentials()
	if err != nil {
		return "", setup.Credentials{}, err
	}
	return text, creds, nil
}

func (o *Orchestrator) record(task generation.Task, previewOnly bool, err error) {
	if err != nil {
		return
	}
	entry := HistoryEntry{
		TaskID:      task.ID,
		Text:        task.SourceText,
		PreviewOnly: previewOnly,
		Status:      task.Status,
		Error:       task.Error,
		CreatedAt:   o.now().UTC(),
	}
	if task.Succeeded() && task.Media.Valid() {
		ref := task.Media
		entry.Media = &ref
	}

	o.mu.Lock()
	o.history = append([]HistoryEntry{entry}, o.history...)
	if len(o.history) > o.limit {
		o.history = o.history[:o.limit]
	}
	cleared := task.Succeeded()
	if cleared {
		o.input = ""
		o.truncated = false
	}
	o.mu.Unlock()

	o.publish(events.ManualHistoryUpdated, task.ID, string(task.Status), entry)
	if cleared {
		o.publish(events.ManualInputChanged, task.ID, "cleared", nil)
	}
}

func (o *Orchestrator) publish(typ events.Type, taskID, detail string, payload any) {
	o.pub.Publish(events.Event{
		Type:    typ,
		Source:  Source,
		TaskID:  taskID,
		Detail:  detail,
		Payload: payload,
		At:      o.now().UTC(),
	})
}

func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
