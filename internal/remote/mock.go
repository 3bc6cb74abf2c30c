package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

// Mock is a deterministic in-process stand-in for the remote services. It is
// used by tests and by REMOTE_MODE=mock for offline demos.
type Mock struct {
	BaseURL string
	// PollsToComplete is how many status polls a task answers "processing"
	// before it resolves.
	PollsToComplete int
	// Synchronous makes submissions answer with the terminal result directly,
	// like the reference backend does.
	Synchronous bool
	Latency     time.Duration

	mu           sync.Mutex
	calls        map[string]int
	failNext     map[string]error
	failTasks    []string
	hold         bool
	tasks        map[string]*mockTask
	lastChat     protocol.ChatRequest
	lastSpeak    protocol.ManualSpeakRequest
	lastVoice    protocol.VoiceChatRequest
	conversation map[string]int
	history      map[string][]protocol.HistoryMessage
}

type mockTask struct {
	result protocol.TaskResult
	polls  int
}

func NewMock() *Mock {
	return &Mock{
		BaseURL:         "http://mock.local",
		PollsToComplete: 1,
		calls:           make(map[string]int),
		failNext:        make(map[string]error),
		tasks:           make(map[string]*mockTask),
		conversation:    make(map[string]int),
		history:         make(map[string][]protocol.HistoryMessage),
	}
}

// FailNext makes the next call to op return err.
func (m *Mock) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// FailNextTask makes the next submitted generation task resolve as failed.
// An empty message simulates an unstructured failure.
func (m *Mock) FailNextTask(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTasks = append(m.failTasks, message)
}

// Hold keeps every task in "processing" until Release is called.
func (m *Mock) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

func (m *Mock) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = false
}

func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Mock) LastChat() protocol.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChat
}

func (m *Mock) LastSpeak() protocol.ManualSpeakRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSpeak
}

func (m *Mock) LastVoice() protocol.VoiceChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVoice
}

func (m *Mock) enter(ctx context.Context, op string) error {
	if m.Latency > 0 {
		t := time.NewTimer(m.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func (m *Mock) UploadVoice(ctx context.Context, filename string, data []byte) (protocol.VoiceUploadResponse, error) {
	if err := m.enter(ctx, OpUploadVoice); err != nil {
		return protocol.VoiceUploadResponse{}, err
	}
	var seconds float64
	if info, err := audio.InspectWAV(data); err == nil {
		seconds = info.Duration().Seconds()
	}
	return protocol.VoiceUploadResponse{
		VoiceID:  "voice-" + shortID(),
		Filename: filename,
		Duration: seconds,
		Status:   protocol.StatusPending,
		Message:  "Voice sample uploaded successfully",
	}, nil
}

func (m *Mock) CreateClone(ctx context.Context, req protocol.CloneRequest) (protocol.CloneResponse, error) {
	if err := m.enter(ctx, OpCreateClone); err != nil {
		return protocol.CloneResponse{}, err
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		return protocol.CloneResponse{}, &StatusError{Op: OpCreateClone, Code: 404, Detail: "Voice sample not found"}
	}
	return protocol.CloneResponse{
		CloneID: "clone-" + shortID(),
		VoiceID: req.VoiceID,
		Status:  protocol.StatusCompleted,
		Message: fmt.Sprintf("Voice clone %q created", req.Name),
	}, nil
}

func (m *Mock) UploadImage(ctx context.Context, filename string, data []byte) (protocol.ImageUploadResponse, error) {
	if err := m.enter(ctx, OpUploadImage); err != nil {
		return protocol.ImageUploadResponse{}, err
	}
	return protocol.ImageUploadResponse{
		ImageID:      "image-" + shortID(),
		Filename:     filename,
		Width:        512,
		Height:       512,
		FaceDetected: true,
		Status:       protocol.StatusCompleted,
		Message:      "Image uploaded successfully",
	}, nil
}

func (m *Mock) SendMessage(ctx context.Context, req protocol.ChatRequest) (protocol.Ack, error) {
	if err := m.enter(ctx, OpSendMessage); err != nil {
		return protocol.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChat = req
	convID := m.conversationLocked(req.ConversationID)
	res := protocol.TaskResult{
		ConversationID: convID,
		AudioURL:       m.BaseURL + "/api/v1/voice/audio/" + shortID(),
		ResponseText:   mockReply(req.Message, m.conversation[convID]),
	}
	if req.GenerateVideo {
		res.VideoURL = m.BaseURL + "/api/v1/avatar/" + shortID() + "/video"
	}
	m.recordLocked(convID, req.Message, res)
	return m.submitLocked(res), nil
}

func (m *Mock) SendVoice(ctx context.Context, req protocol.VoiceChatRequest) (protocol.Ack, error) {
	if err := m.enter(ctx, OpSendVoice); err != nil {
		return protocol.Ack{}, err
	}
	transcript := "hello from a voice message"
	if info, err := audio.InspectWAV(req.Audio); err == nil {
		transcript = fmt.Sprintf("voice message of %.1f seconds", info.Duration().Seconds())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastVoice = req
	convID := m.conversationLocked(req.ConversationID)
	res := protocol.TaskResult{
		ConversationID: convID,
		Transcription:  transcript,
		AudioURL:       m.BaseURL + "/api/v1/voice/audio/" + shortID(),
		ResponseText:   mockReply(transcript, m.conversation[convID]),
	}
	if req.GenerateVideo {
		res.VideoURL = m.BaseURL + "/api/v1/avatar/" + shortID() + "/video"
	}
	m.recordLocked(convID, transcript, res)
	return m.submitLocked(res), nil
}

func (m *Mock) Speak(ctx context.Context, req protocol.ManualSpeakRequest) (protocol.Ack, error) {
	if err := m.enter(ctx, OpSpeak); err != nil {
		return protocol.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSpeak = req
	res := protocol.TaskResult{AudioURL: m.BaseURL + "/api/v1/voice/audio/" + shortID()}
	if !req.PreviewOnly {
		res.VideoURL = m.BaseURL + "/api/v1/avatar/" + shortID() + "/video"
	}
	return m.submitLocked(res), nil
}

func (m *Mock) Synthesize(ctx context.Context, req protocol.SynthesizeRequest) (protocol.Ack, error) {
	if err := m.enter(ctx, OpSynthesize); err != nil {
		return protocol.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitLocked(protocol.TaskResult{AudioURL: m.BaseURL + "/api/v1/voice/audio/" + shortID()}), nil
}

func (m *Mock) TaskStatus(ctx context.Context, taskID string) (protocol.TaskResult, error) {
	if err := m.enter(ctx, OpTaskStatus); err != nil {
		return protocol.TaskResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return protocol.TaskResult{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if m.hold || t.polls < m.PollsToComplete {
		if !m.hold {
			t.polls++
		}
		progress := 50
		if m.PollsToComplete > 0 {
			progress = 100 * t.polls / (m.PollsToComplete + 1)
		}
		return protocol.TaskResult{TaskID: taskID, ConversationID: t.result.ConversationID, Status: protocol.StatusProcessing, Progress: progress}, nil
	}
	return t.result, nil
}

func (m *Mock) Health(ctx context.Context) (protocol.HealthResponse, error) {
	if err := m.enter(ctx, OpHealth); err != nil {
		return protocol.HealthResponse{}, err
	}
	return protocol.HealthResponse{
		Status:  "healthy",
		Version: "mock",
		Services: map[string]string{
			"voice_clone": "demo_mode",
			"llm":         "demo_mode",
			"stt":         "demo_mode",
			"avatar_gen":  "demo_mode",
		},
	}, nil
}

func (m *Mock) ChatHistory(ctx context.Context, conversationID string) (protocol.ChatHistory, error) {
	if err := m.enter(ctx, OpChatHistory); err != nil {
		return protocol.ChatHistory{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.history[conversationID]
	if !ok {
		return protocol.ChatHistory{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return protocol.ChatHistory{
		ConversationID: conversationID,
		Messages:       append([]protocol.HistoryMessage(nil), msgs...),
	}, nil
}

func (m *Mock) ClearChat(ctx context.Context, conversationID string) error {
	if err := m.enter(ctx, OpClearChat); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[conversationID]; !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	delete(m.history, conversationID)
	delete(m.conversation, conversationID)
	return nil
}

func (m *Mock) recordLocked(convID, message string, res protocol.TaskResult) {
	m.history[convID] = append(m.history[convID],
		protocol.HistoryMessage{Role: "user", Content: message},
		protocol.HistoryMessage{Role: "assistant", Content: res.ResponseText, AudioURL: res.AudioURL, VideoURL: res.VideoURL},
	)
}

func (m *Mock) submitLocked(res protocol.TaskResult) protocol.Ack {
	res.TaskID = "task-" + shortID()
	res.Status = protocol.StatusCompleted
	res.Progress = 100
	if len(m.failTasks) > 0 {
		msg := m.failTasks[0]
		m.failTasks = m.failTasks[1:]
		res = protocol.TaskResult{TaskID: res.TaskID, ConversationID: res.ConversationID, Status: protocol.StatusFailed, Error: msg}
	}
	ack := protocol.Ack{TaskID: res.TaskID, ConversationID: res.ConversationID, Status: protocol.StatusPending}
	if m.Synchronous && !m.hold {
		r := res
		ack.Status = r.Status
		ack.Result = &r
		return ack
	}
	m.tasks[res.TaskID] = &mockTask{result: res}
	return ack
}

func (m *Mock) conversationLocked(id string) string {
	if id == "" {
		id = "conv-" + shortID()
	}
	m.conversation[id]++
	return id
}

func mockReply(message string, turn int) string {
	base := strings.TrimSpace(message)
	if base == "" {
		base = "I am listening."
	}
	if turn <= 1 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you again (turn %d): %s", turn, base)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
