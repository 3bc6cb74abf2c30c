// Package conversation drives the auto-reply chat with the avatar over text
// and recorded voice.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/logging"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/setup"
)

const (
	// Source tags events, playback writes and the pipeline owner.
	Source = "chat"

	ErrorReply       = "Sorry, something went wrong. Please try again."
	VoicePlaceholder = "[voice message]"

	forgetTimeout = 10 * time.Second
)

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrEmptyRecording   = errors.New("recording captured no audio")
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNoRecorder       = errors.New("no audio recorder configured")
	ErrNoConversation   = errors.New("no conversation started")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnStatus tracks the optimistic write of a user turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnConfirmed TurnStatus = "confirmed"
	TurnFailed    TurnStatus = "failed"
	TurnAbandoned TurnStatus = "abandoned"
)

type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Status    TurnStatus `json:"status"`
	TaskID    string     `json:"task_id,omitempty"`
	Media     *MediaRef  `json:"media,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// MediaRef mirrors media.Ref for transcript entries.
type MediaRef struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type State struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Transcript     []Turn `json:"transcript"`
	Pending        bool   `json:"pending"`
	Recording      bool   `json:"recording"`
	TaskID         string `json:"task_id,omitempty"`
}

// Remote is the chat surface of the remote service.
type Remote interface {
	SendMessage(ctx context.Context, req protocol.ChatRequest) (protocol.Ack, error)
	SendVoice(ctx context.Context, req protocol.VoiceChatRequest) (protocol.Ack, error)
	ChatHistory(ctx context.Context, conversationID string) (protocol.ChatHistory, error)
	ClearChat(ctx context.Context, conversationID string) error
}

type CredentialSource interface {
	Credentials() (setup.Credentials, error)
}

// Recorder captures microphone audio between Start and Stop.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (audio.Clip, error)
	Recording() bool
}

// Playback is the part of the playback controller Clear needs.
type Playback interface {
	Clear(source string)
}

type Options struct {
	GenerateVideo bool
}

type Orchestrator struct {
	remote   Remote
	creds    CredentialSource
	pipeline *generation.Pipeline
	player   Playback
	recorder Recorder
	pub      events.Publisher
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	// epoch changes on Clear. Completion callbacks compare it before taking
	// mu because Clear holds mu while abandoning the task.
	epoch atomic.Uint64

	mu    sync.Mutex
	state State
}

func New(remote Remote, creds CredentialSource, pipeline *generation.Pipeline, player Playback, recorder Recorder, pub events.Publisher, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		remote:   remote,
		creds:    creds,
		pipeline: pipeline,
		player:   player,
		recorder: recorder,
		pub:      events.OrDiscard(pub),
		opts:     opts,
		log:      logger.With().Str("component", "conversation").Logger(),
		now:      time.Now,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Transcript = append([]Turn(nil), o.state.Transcript...)
	return s
}

// SendText appends the user turn immediately and submits the message. The
// reply arrives asynchronously; Wait blocks for it.
func (o *Orchestrator) SendText(ctx context.Context, text string) (generation.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return generation.Task{}, ErrEmptyMessage
	}
	creds, err := o.creds.Credentials()
	if err != nil {
		return generation.Task{}, err
	}

	o.mu.Lock()
	if o.state.Pending {
		taskID := o.state.TaskID
		o.mu.Unlock()
		return generation.Task{ID: taskID}, generation.ErrTaskActive
	}
	epoch := o.epoch.Load()
	userTurn := o.newTurn(RoleUser, text, TurnPending)
	o.state.Transcript = append(o.state.Transcript, userTurn)
	o.state.Pending = true
	req := protocol.ChatRequest{
		Message:        text,
		CloneID:        creds.CloneID,
		ImageID:        creds.ImageID,
		ConversationID: o.state.ConversationID,
		GenerateVideo:  o.opts.GenerateVideo,
	}
	o.mu.Unlock()
	o.publishTurn(userTurn)

	o.log.Info().Str("text", logging.SafeText(text, 80)).Msg("sending message")
	return o.submit(ctx, epoch, userTurn.ID, generation.Request{
		Kind:       generation.KindFull,
		SourceText: text,
		Submit: func(ctx context.Context) (protocol.Ack, error) {
			return o.remote.SendMessage(ctx, req)
		},
	})
}

// SendVoice submits a captured clip. Turns are appended once the remote
// answered, starting with the transcription.
func (o *Orchestrator) SendVoice(ctx context.Context, clip audio.Clip) (generation.Task, error) {
	if clip.Empty() {
		return generation.Task{}, ErrEmptyRecording
	}
	wav, err := clip.WAV()
	if err != nil {
		return generation.Task{}, fmt.Errorf("package recording: %w", err)
	}
	return o.SendVoiceFile(ctx, "recording.wav", wav)
}

// SendVoiceFile submits an already encoded audio file.
func (o *Orchestrator) SendVoiceFile(ctx context.Context, filename string, data []byte) (generation.Task, error) {
	if len(data) == 0 {
		return generation.Task{}, ErrEmptyRecording
	}
	creds, err := o.creds.Credentials()
	if err != nil {
		return generation.Task{}, err
	}

	o.mu.Lock()
	if o.state.Pending {
		taskID := o.state.TaskID
		o.mu.Unlock()
		return generation.Task{ID: taskID}, generation.ErrTaskActive
	}
	epoch := o.epoch.Load()
	o.state.Pending = true
	req := protocol.VoiceChatRequest{
		Audio:          data,
		Filename:       filename,
		CloneID:        creds.CloneID,
		ImageID:        creds.ImageID,
		ConversationID: o.state.ConversationID,
		GenerateVideo:  o.opts.GenerateVideo,
	}
	o.mu.Unlock()

	o.log.Info().Int("bytes", len(data)).Msg("sending voice message")
	return o.submit(ctx, epoch, "", generation.Request{
		Kind:       generation.KindFull,
		SourceText: VoicePlaceholder,
		Submit: func(ctx context.Context) (protocol.Ack, error) {
			return o.remote.SendVoice(ctx, req)
		},
	})
}

// StartRecording begins microphone capture.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	if o.recorder == nil {
		return ErrNoRecorder
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Recording {
		return ErrAlreadyRecording
	}
	if err := o.recorder.Start(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	o.state.Recording = true
	o.publish(events.RecordingStarted, "", "", nil)
	return nil
}

// StopRecording ends capture and submits the clip.
func (o *Orchestrator) StopRecording(ctx context.Context) (generation.Task, error) {
	if o.recorder == nil {
		return generation.Task{}, ErrNoRecorder
	}
	o.mu.Lock()
	if !o.state.Recording {
		o.mu.Unlock()
		return generation.Task{}, ErrNotRecording
	}
	o.state.Recording = false
	clip, err := o.recorder.Stop()
	o.mu.Unlock()
	if err != nil {
		return generation.Task{}, fmt.Errorf("stop recording: %w", err)
	}
	o.publish(events.RecordingStopped, "", clip.Duration().String(), nil)
	return o.SendVoice(ctx, clip)
}

// Clear resets the transcript, the conversation id and the playback slot
// together and abandons any in-flight reply. The remote context of the
// dropped conversation is cleared in the background; failures are logged.
func (o *Orchestrator) Clear() State {
	o.mu.Lock()
	o.epoch.Add(1)
	dropped := o.state.ConversationID
	if o.state.Recording && o.recorder != nil {
		if _, err := o.recorder.Stop(); err != nil {
			o.log.Debug().Err(err).Msg("discarding recording")
		}
	}
	if o.state.Pending {
		if _, err := o.pipeline.Abandon(""); err != nil && !errors.Is(err, generation.ErrNoActiveTask) {
			o.log.Warn().Err(err).Msg("abandon on clear failed")
		}
	}
	o.state = State{}
	o.player.Clear(Source)
	snap := o.state
	o.mu.Unlock()

	o.log.Info().Msg("conversation cleared")
	o.publish(events.ConversationCleared, "", "", snap)
	if dropped != "" {
		go o.forget(dropped)
	}
	return snap
}

// RemoteHistory fetches the service's view of the current conversation.
func (o *Orchestrator) RemoteHistory(ctx context.Context) (protocol.ChatHistory, error) {
	o.mu.Lock()
	id := o.state.ConversationID
	o.mu.Unlock()
	if id == "" {
		return protocol.ChatHistory{}, ErrNoConversation
	}
	return o.remote.ChatHistory(ctx, id)
}

func (o *Orchestrator) forget(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := o.remote.ClearChat(ctx, conversationID); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("clearing remote conversation failed")
		return
	}
	o.log.Debug().Str("conversation_id", conversationID).Msg("remote conversation cleared")
}

// Wait blocks until the pending reply (if any) has been applied.
func (o *Orchestrator) Wait(ctx context.Context) (State, error) {
	o.mu.Lock()
	pending, taskID := o.state.Pending, o.state.TaskID
	o.mu.Unlock()
	if !pending {
		return o.State(), nil
	}
	if _, err := o.pipeline.Wait(ctx, taskID); err != nil && !errors.Is(err, generation.ErrNoActiveTask) {
		return o.State(), err
	}
	return o.State(), nil
}

func (o *Orchestrator) submit(ctx context.Context, epoch uint64, userTurnID string, req generation.Request) (generation.Task, error) {
	req.OnDone = func(task generation.Task, err error) { o.resolve(epoch, userTurnID, task, err) }
	req.Current = func() bool { return o.epoch.Load() == epoch }
	task, err := o.pipeline.Submit(ctx, req)
	if err != nil {
		if !errors.Is(err, generation.ErrAbandoned) {
			o.resolve(epoch, userTurnID, task, err)
		}
		return task, err
	}
	if o.epoch.Load() != epoch {
		// Cleared before the slot was reserved, so Clear had nothing to abandon.
		if _, aerr := o.pipeline.Abandon(task.ID); aerr != nil && !errors.Is(aerr, generation.ErrNoActiveTask) {
			o.log.Warn().Err(aerr).Str("task_id", task.ID).Msg("abandon after clear failed")
		}
		return task, generation.ErrAbandoned
	}

	o.mu.Lock()
	if o.epoch.Load() == epoch && o.state.Pending {
		o.state.TaskID = task.ID
	}
	o.mu.Unlock()
	return task, nil
}

// resolve records the outcome of a submission. It is a no-op when the
// conversation was cleared after the submission started.
func (o *Orchestrator) resolve(epoch uint64, userTurnID string, task generation.Task, err error) {
	if o.epoch.Load() != epoch {
		return
	}
	o.mu.Lock()
	if o.epoch.Load() != epoch || !o.state.Pending {
		o.mu.Unlock()
		return
	}
	o.state.Pending = false
	o.state.TaskID = ""

	var appended []Turn
	switch {
	case errors.Is(err, generation.ErrAbandoned):
		o.markLocked(userTurnID, TurnAbandoned)
	case err == nil && task.Succeeded():
		o.markLocked(userTurnID, TurnConfirmed)
		if task.ConversationID != "" {
			o.state.ConversationID = task.ConversationID
		}
		if userTurnID == "" {
			text := strings.TrimSpace(task.Transcription)
			if text == "" {
				text = VoicePlaceholder
			}
			appended = append(appended, o.newTurn(RoleUser, text, TurnConfirmed))
		}
		reply := o.newTurn(RoleAssistant, task.ResponseText, TurnConfirmed)
		reply.TaskID = task.ID
		if task.Media.Valid() {
			reply.Media = &MediaRef{Kind: string(task.Media.Kind), URL: task.Media.URL}
		}
		appended = append(appended, reply)
	default:
		o.markLocked(userTurnID, TurnFailed)
		reply := o.newTurn(RoleAssistant, ErrorReply, TurnConfirmed)
		reply.TaskID = task.ID
		appended = append(appended, reply)
		if err != nil {
			o.log.Warn().Err(err).Msg("chat submission failed")
		} else {
			o.log.Warn().Str("task_id", task.ID).Str("error", task.Error).Msg("chat reply failed")
		}
	}
	o.state.Transcript = append(o.state.Transcript, appended...)
	o.mu.Unlock()

	for _, turn := range appended {
		o.publishTurn(turn)
	}
}

func (o *Orchestrator) markLocked(turnID string, status TurnStatus) {
	if turnID == "" {
		return
	}
	for i := range o.state.Transcript {
		if o.state.Transcript[i].ID == turnID {
			o.state.Transcript[i].Status = status
			return
		}
	}
}

func (o *Orchestrator) newTurn(role Role, text string, status TurnStatus) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Status:    status,
		CreatedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) publishTurn(turn Turn) {
	o.publish(events.TurnAppended, turn.TaskID, string(turn.Role), turn)
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
