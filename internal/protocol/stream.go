package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamType identifies push-channel payload variants.
type StreamType string

const (
	StreamAck      StreamType = "ack"
	StreamChunk    StreamType = "chunk"
	StreamStatus   StreamType = "status"
	StreamAudio    StreamType = "audio"
	StreamVideo    StreamType = "video"
	StreamComplete StreamType = "complete"
	StreamError    StreamType = "error"

	// StreamSubscribe is sent by the client to attach to a task.
	StreamSubscribe StreamType = "subscribe"
)

// StreamMessage is a single push update. Only complete and error are terminal.
type StreamMessage struct {
	Type           StreamType `json:"type"`
	TaskID         string     `json:"task_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Message        string     `json:"message,omitempty"`
	Content        string     `json:"content,omitempty"`
	Status         string     `json:"status,omitempty"`
	Progress       int        `json:"progress,omitempty"`
	AudioURL       string     `json:"audio_url,omitempty"`
	Duration       float64    `json:"duration,omitempty"`
	VideoURL       string     `json:"video_url,omitempty"`
	VideoID        string     `json:"video_id,omitempty"`
	Transcription  string     `json:"transcription,omitempty"`
	Response       string     `json:"response,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (m StreamMessage) Terminal() bool {
	return m.Type == StreamComplete || m.Type == StreamError
}

// ProgressOnly reports whether the message carries nothing a result needs,
// so a receiver may skip it.
func (m StreamMessage) ProgressOnly() bool {
	return m.Type == StreamAck || m.Type == StreamStatus
}

// Key returns the task identifier the message is addressed to, if any.
func (m StreamMessage) Key() string {
	if m.TaskID != "" {
		return m.TaskID
	}
	return m.ConversationID
}

// SubscribeMessage asks the stream to forward updates for key.
func SubscribeMessage(key string) StreamMessage {
	return StreamMessage{Type: StreamSubscribe, TaskID: key}
}

// ParseStreamMessage validates a raw push payload.
func ParseStreamMessage(raw []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("invalid stream message: %w", err)
	}
	switch msg.Type {
	case StreamAck, StreamChunk, StreamStatus, StreamComplete:
	case StreamAudio:
		if strings.TrimSpace(msg.AudioURL) == "" {
			return StreamMessage{}, fmt.Errorf("invalid %s message: missing audio_url", msg.Type)
		}
	case StreamVideo:
		if strings.TrimSpace(msg.VideoURL) == "" {
			return StreamMessage{}, fmt.Errorf("invalid %s message: missing video_url", msg.Type)
		}
	case StreamError:
		if strings.TrimSpace(msg.Error) == "" {
			msg.Error = strings.TrimSpace(msg.Message)
		}
	default:
		return StreamMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}
	return msg, nil
}

// StreamAccumulator folds a sequence of push messages into a TaskResult.
// Media URLs arrive in audio/video messages ahead of the terminal complete.
type StreamAccumulator struct {
	res  TaskResult
	text strings.Builder
}

func NewStreamAccumulator(ack Ack) *StreamAccumulator {
	return &StreamAccumulator{res: TaskResult{
		TaskID:         ack.TaskID,
		ConversationID: ack.ConversationID,
		Status:         StatusPending,
	}}
}

// Apply folds msg in and reports whether the result became terminal.
func (a *StreamAccumulator) Apply(msg StreamMessage) (TaskResult, bool) {
	if msg.ConversationID != "" {
		a.res.ConversationID = msg.ConversationID
	}
	if msg.Progress > 0 {
		a.res.Progress = msg.Progress
	}
	switch msg.Type {
	case StreamChunk:
		a.text.WriteString(msg.Content)
		a.res.Status = StatusProcessing
	case StreamStatus, StreamAck:
		a.res.Status = StatusProcessing
	case StreamAudio:
		a.res.AudioURL = msg.AudioURL
		a.res.Status = StatusProcessing
	case StreamVideo:
		a.res.VideoURL = msg.VideoURL
		a.res.Status = StatusProcessing
	case StreamComplete:
		if msg.AudioURL != "" {
			a.res.AudioURL = msg.AudioURL
		}
		if msg.VideoURL != "" {
			a.res.VideoURL = msg.VideoURL
		}
		if msg.Transcription != "" {
			a.res.Transcription = msg.Transcription
		}
		a.res.ResponseText = msg.Response
		if a.res.ResponseText == "" {
			a.res.ResponseText = a.text.String()
		}
		a.res.Status = StatusCompleted
		return a.res, true
	case StreamError:
		a.res.Status = StatusFailed
		a.res.Error = msg.Error
		return a.res, true
	}
	return a.res, false
}
