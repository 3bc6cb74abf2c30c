package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/talkavatar/internal/protocol"
)

type recordedRequest struct {
	op   string
	code int
}

type observerStub struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (o *observerStub) ObserveRemoteRequest(op string, code int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, recordedRequest{op, code})
}

func newTestClient(t *testing.T, h http.Handler) (*HTTPClient, *observerStub) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	obs := &observerStub{}
	c, err := NewHTTPClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, obs, zerolog.Nop())
	require.NoError(t, err)
	return c, obs
}

func TestUploadVoiceSendsMultipart(t *testing.T) {
	c, obs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/voice/upload", r.URL.Path)
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "sample.wav", hdr.Filename)
		assert.Equal(t, "RIFFdata", string(body))
		_ = json.NewEncoder(w).Encode(map[string]any{"voice_id": "v-1", "filename": "sample.wav", "duration": 12.5, "status": "pending"})
	}))

	res, err := c.UploadVoice(context.Background(), "/home/me/sample.wav", []byte("RIFFdata"))
	require.NoError(t, err)
	assert.Equal(t, "v-1", res.VoiceID)
	assert.InDelta(t, 12.5, res.Duration, 1e-9)
	require.Len(t, obs.seen, 1)
	assert.Equal(t, recordedRequest{OpUploadVoice, 200}, obs.seen[0])
}

func TestStatusErrorCarriesFastAPIDetail(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"No face detected in image"}`))
	}))

	_, err := c.UploadImage(context.Background(), "me.png", []byte("png"))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "No face detected in image", se.UserMessage())
	assert.False(t, se.Retryable())
}

func TestValidationErrorListDetail(t *testing.T) {
	detail := errorDetail([]byte(`{"detail":[{"loc":["body","text"],"msg":"ensure this value has at most 5000 characters"}]}`))
	assert.Equal(t, "ensure this value has at most 5000 characters", detail)
}

func TestSendMessageResolvesRelativeMedia(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hi", req.Message)
		assert.Equal(t, "conv-1", req.ConversationID)
		assert.True(t, req.GenerateVideo)
		_, _ = w.Write([]byte(`{"conversation_id":"conv-1","status":"completed","video_id":"v9",
			"message":{"role":"user","content":"hi"},
			"response":{"role":"assistant","content":"hello","audio_url":"/api/v1/voice/audio/a9","video_url":"/api/v1/avatar/v9/video"}}`))
	}))

	ack, err := c.SendMessage(context.Background(), protocol.ChatRequest{Message: "hi", CloneID: "c", ImageID: "i", ConversationID: "conv-1", GenerateVideo: true})
	require.NoError(t, err)
	require.NotNil(t, ack.Result)
	assert.Equal(t, c.base.String()+"/api/v1/avatar/v9/video", ack.Result.VideoURL)
	assert.Equal(t, c.base.String()+"/api/v1/voice/audio/a9", ack.Result.AudioURL)
}

func TestSendVoiceUsesQueryParameters(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/voice", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "clone-1", q.Get("clone_id"))
		assert.Equal(t, "image-1", q.Get("image_id"))
		assert.Equal(t, "false", q.Get("generate_video"))
		assert.Empty(t, q.Get("conversation_id"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "recording.wav", hdr.Filename)
		_, _ = w.Write([]byte(`{"task_id":"t-voice","status":"pending"}`))
	}))

	ack, err := c.SendVoice(context.Background(), protocol.VoiceChatRequest{Audio: []byte("RIFF"), CloneID: "clone-1", ImageID: "image-1"})
	require.NoError(t, err)
	assert.Equal(t, "t-voice", ack.TaskID)
	assert.Nil(t, ack.Result)
}

func TestTaskStatusNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/t-1/status", r.URL.Path)
		http.Error(w, `{"detail":"Task not found"}`, http.StatusNotFound)
	}))

	_, err := c.TaskStatus(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStatusDecodes(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","video_url":"https://cdn.example.com/v.mp4"}`))
	}))

	res, err := c.TaskStatus(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, "t-2", res.TaskID)
	assert.Equal(t, "https://cdn.example.com/v.mp4", res.VideoURL)
}

func TestCreateCloneFailedStatusIsError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"clone_id":"","voice_id":"v","status":"failed","message":"sample too noisy"}`))
	}))

	_, err := c.CreateClone(context.Background(), protocol.CloneRequest{VoiceID: "v", Name: "My Clone"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "sample too noisy", se.Detail)
}

func TestNewHTTPClientRejectsRelativeBase(t *testing.T) {
	_, err := NewHTTPClient(ClientConfig{BaseURL: "localhost:8000"}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestMockPollsThenCompletes(t *testing.T) {
	m := NewMock()
	m.PollsToComplete = 2
	ctx := context.Background()

	ack, err := m.Speak(ctx, protocol.ManualSpeakRequest{Text: "hi", CloneID: "c", ImageID: "i"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, ack.Status)

	for i := 0; i < 2; i++ {
		res, err := m.TaskStatus(ctx, ack.TaskID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusProcessing, res.Status)
	}
	res, err := m.TaskStatus(ctx, ack.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.VideoURL)
}

func TestMockFailNext(t *testing.T) {
	m := NewMock()
	boom := errors.New("boom")
	m.FailNext(OpUploadImage, boom)

	_, err := m.UploadImage(context.Background(), "a.png", nil)
	assert.ErrorIs(t, err, boom)
	_, err = m.UploadImage(context.Background(), "a.png", nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Calls(OpUploadImage))
}

func TestChatHistoryRoundTrip(t *testing.T) {
	var deleted []string
	var mu sync.Mutex
	c, obs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/chat/history/conv-1":
			_, _ = w.Write([]byte(`{"conversation_id":"conv-1","created_at":"2024-05-01T10:00:00.123456","updated_at":"2024-05-01T10:01:00",
				"messages":[{"role":"user","content":"hi","timestamp":"2024-05-01T10:00:00"},
				{"role":"assistant","content":"hello","timestamp":"2024-05-01T10:00:01","video_url":"/api/v1/avatar/v1/video"}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/chat/history/conv-1":
			mu.Lock()
			deleted = append(deleted, "conv-1")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"status":"cleared","conversation_id":"conv-1"}`))
		default:
			http.Error(w, `{"detail":"Conversation not found"}`, http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	history, err := c.ChatHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", history.ConversationID)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "assistant", history.Messages[1].Role)
	assert.Equal(t, c.base.String()+"/api/v1/avatar/v1/video", history.Messages[1].VideoURL)
	assert.Equal(t, "2024-05-01T10:00:00.123456", history.CreatedAt)

	require.NoError(t, c.ClearChat(ctx, "conv-1"))
	mu.Lock()
	assert.Equal(t, []string{"conv-1"}, deleted)
	mu.Unlock()

	_, err = c.ChatHistory(ctx, "conv-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.ClearChat(ctx, "conv-2"), ErrNotFound)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, recordedRequest{OpClearChat, http.StatusOK}, obs.seen[1])
}

func TestMockChatHistoryFollowsConversation(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	ack, err := m.SendMessage(ctx, protocol.ChatRequest{Message: "hi", CloneID: "c", ImageID: "i"})
	require.NoError(t, err)
	history, err := m.ChatHistory(ctx, ack.ConversationID)
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hi", history.Messages[0].Content)

	require.NoError(t, m.ClearChat(ctx, ack.ConversationID))
	_, err = m.ChatHistory(ctx, ack.ConversationID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.ClearChat(ctx, ack.ConversationID), ErrNotFound)
}
