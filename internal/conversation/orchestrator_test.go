package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/remote"
	"github.com/ent0n29/talkavatar/internal/setup"
)

type staticCreds struct{ err error }

func (c staticCreds) Credentials() (setup.Credentials, error) {
	if c.err != nil {
		return setup.Credentials{}, c.err
	}
	return setup.Credentials{CloneID: "clone-1", ImageID: "image-1"}, nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	clip      audio.Clip
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	return nil
}

func (r *fakeRecorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	return r.clip, nil
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

type fixture struct {
	mock     *remote.Mock
	player   *media.Controller
	pipeline *generation.Pipeline
	recorder *fakeRecorder
	conv     *Orchestrator
	bus      *events.Bus
}

func newFixture(t *testing.T, r Remote, creds CredentialSource) *fixture {
	t.Helper()
	mock := remote.NewMock()
	if r == nil {
		r = mock
	}
	bus := events.NewBus()
	player := media.NewController(bus)
	monitor := generation.NewPollMonitor(mock, generation.PollConfig{Interval: time.Millisecond}, nil, zerolog.Nop())
	pipeline := generation.NewPipeline(Source, monitor, player, bus, zerolog.Nop())
	rec := &fakeRecorder{clip: audio.Clip{PCM: make([]byte, 2*audio.DefaultSampleRate), SampleRate: audio.DefaultSampleRate}}
	conv := New(r, creds, pipeline, player, rec, bus, Options{GenerateVideo: true}, zerolog.Nop())
	return &fixture{mock: mock, player: player, pipeline: pipeline, recorder: rec, conv: conv, bus: bus}
}

func TestSendTextAppendsOptimisticTurnThenReply(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	f.mock.Hold()
	ctx := context.Background()

	_, err := f.conv.SendText(ctx, "  hello avatar ")
	require.NoError(t, err)

	state := f.conv.State()
	require.True(t, state.Pending)
	require.Len(t, state.Transcript, 1)
	assert.Equal(t, RoleUser, state.Transcript[0].Role)
	assert.Equal(t, "hello avatar", state.Transcript[0].Text)
	assert.Equal(t, TurnPending, state.Transcript[0].Status)

	req := f.mock.LastChat()
	assert.Equal(t, "clone-1", req.CloneID)
	assert.Equal(t, "image-1", req.ImageID)
	assert.Empty(t, req.ConversationID)
	assert.True(t, req.GenerateVideo)

	f.mock.Release()
	state, err = f.conv.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, state.Pending)
	require.Len(t, state.Transcript, 2)
	assert.Equal(t, TurnConfirmed, state.Transcript[0].Status)
	reply := state.Transcript[1]
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, "I heard you: hello avatar", reply.Text)
	require.NotNil(t, reply.Media)
	assert.Equal(t, "video", reply.Media.Kind)
	assert.NotEmpty(t, state.ConversationID)
	assert.Equal(t, media.AuthorityVideo, f.player.State().Authority)

	_, err = f.conv.SendText(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, state.ConversationID, f.mock.LastChat().ConversationID)
	state, err = f.conv.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Transcript, 4)
}

func TestSendTextRemoteFailureAppendsErrorTurn(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	f.mock.FailNextTask("lip sync crashed")
	ctx := context.Background()

	_, err := f.conv.SendText(ctx, "hi")
	require.NoError(t, err)
	state, err := f.conv.Wait(ctx)
	require.NoError(t, err)

	require.Len(t, state.Transcript, 2)
	assert.Equal(t, "hi", state.Transcript[0].Text, "user turn is never rolled back")
	assert.Equal(t, TurnFailed, state.Transcript[0].Status)
	assert.Equal(t, ErrorReply, state.Transcript[1].Text)
	assert.Empty(t, state.ConversationID)
	assert.Equal(t, media.AuthorityPlaceholder, f.player.State().Authority)
}

func TestSendTextSubmissionErrorAppendsErrorTurn(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	f.mock.FailNext(remote.OpSendMessage, &remote.StatusError{Op: remote.OpSendMessage, Code: 500})

	_, err := f.conv.SendText(context.Background(), "hi")
	require.ErrorIs(t, err, generation.ErrSubmission)

	state := f.conv.State()
	assert.False(t, state.Pending)
	require.Len(t, state.Transcript, 2)
	assert.Equal(t, TurnFailed, state.Transcript[0].Status)
	assert.Equal(t, ErrorReply, state.Transcript[1].Text)
}

func TestSecondMessageRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	f.mock.Hold()
	ctx := context.Background()

	_, err := f.conv.SendText(ctx, "first")
	require.NoError(t, err)
	_, err = f.conv.SendText(ctx, "second")
	require.ErrorIs(t, err, generation.ErrTaskActive)

	state := f.conv.State()
	require.Len(t, state.Transcript, 1)
	assert.Equal(t, "first", state.Transcript[0].Text)
	assert.Equal(t, 1, f.mock.Calls(remote.OpSendMessage))

	f.mock.Release()
	_, err = f.conv.Wait(ctx)
	require.NoError(t, err)
}

func TestSendRequiresReadySetup(t *testing.T) {
	f := newFixture(t, nil, staticCreds{err: setup.ErrNotReady})

	_, err := f.conv.SendText(context.Background(), "hi")
	require.ErrorIs(t, err, setup.ErrNotReady)
	_, err = f.conv.SendText(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, f.conv.State().Transcript)
	assert.Equal(t, 0, f.mock.Calls(remote.OpSendMessage))
}

func TestClearIsAtomicAndDropsLateReply(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	ctx := context.Background()

	_, err := f.conv.SendText(ctx, "one")
	require.NoError(t, err)
	_, err = f.conv.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, media.AuthorityVideo, f.player.State().Authority)

	f.mock.Hold()
	_, err = f.conv.SendText(ctx, "two")
	require.NoError(t, err)

	state := f.conv.Clear()
	assert.Empty(t, state.Transcript)
	assert.Empty(t, state.ConversationID)
	assert.False(t, state.Pending)
	assert.Equal(t, media.AuthorityPlaceholder, f.player.State().Authority)
	_, active := f.pipeline.Active()
	assert.False(t, active)

	f.mock.Release()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.conv.State().Transcript)
	assert.Equal(t, media.AuthorityPlaceholder, f.player.State().Authority)

	_, err = f.conv.SendText(ctx, "fresh start")
	require.NoError(t, err)
	assert.Empty(t, f.mock.LastChat().ConversationID)
	_, err = f.conv.Wait(ctx)
	require.NoError(t, err)
}

// clearOnUserTurn clears the conversation the moment the optimistic user
// turn is published, before the pipeline slot is reserved.
type clearOnUserTurn struct {
	once sync.Once
	conv *Orchestrator
}

func (c *clearOnUserTurn) Publish(evt events.Event) {
	turn, ok := evt.Payload.(Turn)
	if evt.Type != events.TurnAppended || !ok || turn.Role != RoleUser {
		return
	}
	c.once.Do(func() { c.conv.Clear() })
}

func TestClearBeforeSlotReservedDropsMedia(t *testing.T) {
	mock := remote.NewMock()
	player := media.NewController(nil)
	monitor := generation.NewPollMonitor(mock, generation.PollConfig{Interval: time.Millisecond}, nil, zerolog.Nop())
	pipeline := generation.NewPipeline(Source, monitor, player, nil, zerolog.Nop())
	pub := &clearOnUserTurn{}
	conv := New(mock, staticCreds{}, pipeline, player, nil, pub, Options{GenerateVideo: true}, zerolog.Nop())
	pub.conv = conv
	ctx := context.Background()

	_, err := conv.SendText(ctx, "hello")
	require.ErrorIs(t, err, generation.ErrAbandoned)

	_, active := pipeline.Active()
	assert.False(t, active, "slot is released after the clear")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, media.AuthorityPlaceholder, player.State().Authority)
	state := conv.State()
	assert.Empty(t, state.Transcript)
	assert.False(t, state.Pending)

	_, err = conv.SendText(ctx, "after clear")
	require.NoError(t, err)
	state, err = conv.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, state.Transcript, 2)
	assert.Equal(t, media.AuthorityVideo, player.State().Authority)
}

func TestClearDropsRemoteConversation(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	ctx := context.Background()

	f.conv.Clear()
	_, err := f.conv.RemoteHistory(ctx)
	require.ErrorIs(t, err, ErrNoConversation)

	_, err = f.conv.SendText(ctx, "remember me")
	require.NoError(t, err)
	state, err := f.conv.Wait(ctx)
	require.NoError(t, err)
	convID := state.ConversationID
	require.NotEmpty(t, convID)

	history, err := f.conv.RemoteHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, convID, history.ConversationID)
	assert.Len(t, history.Messages, 2)

	f.conv.Clear()
	require.Eventually(t, func() bool { return f.mock.Calls(remote.OpClearChat) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := f.mock.ChatHistory(ctx, convID)
		return errors.Is(err, remote.ErrNotFound)
	}, time.Second, time.Millisecond)
}

func TestClearSurvivesRemoteFailure(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	ctx := context.Background()
	_, err := f.conv.SendText(ctx, "hi")
	require.NoError(t, err)
	_, err = f.conv.Wait(ctx)
	require.NoError(t, err)

	f.mock.FailNext(remote.OpClearChat, errors.New("chat service down"))
	state := f.conv.Clear()
	assert.Empty(t, state.Transcript)
	assert.Empty(t, state.ConversationID)
	require.Eventually(t, func() bool { return f.mock.Calls(remote.OpClearChat) == 1 }, time.Second, time.Millisecond)
}

func TestVoiceRecordingRoundTrip(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	ctx := context.Background()
	sub, cancel := f.bus.Subscribe()
	defer cancel()

	_, err := f.conv.StopRecording(ctx)
	require.ErrorIs(t, err, ErrNotRecording)

	require.NoError(t, f.conv.StartRecording(ctx))
	require.ErrorIs(t, f.conv.StartRecording(ctx), ErrAlreadyRecording)
	assert.True(t, f.conv.State().Recording)
	assert.Equal(t, events.RecordingStarted, (<-sub).Type)

	f.mock.Hold()
	_, err = f.conv.StopRecording(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.conv.State().Transcript, "voice turns wait for the transcription")
	f.mock.Release()

	state, err := f.conv.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, state.Transcript, 2)
	assert.Equal(t, "voice message of 1.0 seconds", state.Transcript[0].Text)
	assert.Equal(t, RoleAssistant, state.Transcript[1].Role)

	sent := f.mock.LastVoice()
	assert.Equal(t, "recording.wav", sent.Filename)
	info, err := audio.InspectWAV(sent.Audio)
	require.NoError(t, err)
	assert.Equal(t, time.Second, info.Duration())
}

func TestEmptyRecordingIsRejected(t *testing.T) {
	f := newFixture(t, nil, staticCreds{})
	f.recorder.clip = audio.Clip{}
	ctx := context.Background()

	require.NoError(t, f.conv.StartRecording(ctx))
	_, err := f.conv.StopRecording(ctx)
	require.ErrorIs(t, err, ErrEmptyRecording)
	assert.False(t, f.conv.State().Pending)
}

// untranscribed answers voice messages synchronously without a transcript.
type untranscribed struct{ *remote.Mock }

func (u untranscribed) SendVoice(context.Context, protocol.VoiceChatRequest) (protocol.Ack, error) {
	res := protocol.TaskResult{TaskID: "t-sync", ConversationID: "conv-9", Status: protocol.StatusCompleted, AudioURL: "http://x/a.mp3", ResponseText: "ok"}
	return protocol.Ack{TaskID: "t-sync", Status: protocol.StatusCompleted, Result: &res}, nil
}

func TestVoiceWithoutTranscriptionUsesPlaceholder(t *testing.T) {
	f := newFixture(t, untranscribed{remote.NewMock()}, staticCreds{})

	task, err := f.conv.SendVoiceFile(context.Background(), "clip.wav", []byte("RIFF"))
	require.NoError(t, err)
	assert.True(t, task.Terminal())

	state := f.conv.State()
	require.Len(t, state.Transcript, 2)
	assert.Equal(t, VoicePlaceholder, state.Transcript[0].Text)
	assert.Equal(t, "conv-9", state.ConversationID)
	assert.Equal(t, media.AuthorityAudio, f.player.State().Authority)
}
