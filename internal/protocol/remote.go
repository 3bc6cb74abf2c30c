package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state reported by the remote generation services.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

var ErrMalformedResponse = errors.New("malformed remote response")

type VoiceUploadResponse struct {
	VoiceID  string  `json:"voice_id"`
	Filename string  `json:"filename"`
	Duration float64 `json:"duration"`
	Status   Status  `json:"status"`
	Message  string  `json:"message,omitempty"`
}

type CloneRequest struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type CloneResponse struct {
	CloneID string `json:"clone_id"`
	VoiceID string `json:"voice_id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type ImageUploadResponse struct {
	ImageID      string `json:"image_id"`
	Filename     string `json:"filename"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FaceDetected bool   `json:"face_detected"`
	Status       Status `json:"status"`
	Message      string `json:"message,omitempty"`
}

type ChatRequest struct {
	Message        string `json:"message"`
	CloneID        string `json:"clone_id"`
	ImageID        string `json:"image_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	GenerateVideo  bool   `json:"generate_video"`
}

// VoiceChatRequest is sent as multipart; ids travel as query parameters.
type VoiceChatRequest struct {
	Audio          []byte
	Filename       string
	CloneID        string
	ImageID        string
	ConversationID string
	GenerateVideo  bool
}

type ManualSpeakRequest struct {
	Text        string `json:"text"`
	CloneID     string `json:"clone_id"`
	ImageID     string `json:"image_id"`
	PreviewOnly bool   `json:"preview_only"`
}

type SynthesizeRequest struct {
	CloneID         string  `json:"clone_id"`
	Text            string  `json:"text"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// DefaultSynthesizeRequest applies the service's documented voice settings.
func DefaultSynthesizeRequest(cloneID, text string) SynthesizeRequest {
	return SynthesizeRequest{CloneID: cloneID, Text: text, Stability: 0.5, SimilarityBoost: 0.75}
}

// TaskResult is the normalised status of a generation task.
type TaskResult struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         Status `json:"status"`
	Progress       int    `json:"progress,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	Transcription  string `json:"transcription,omitempty"`
	ResponseText   string `json:"response_text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Ack is the submission acknowledgement. Result is set when the service
// answered synchronously with a terminal body.
type Ack struct {
	TaskID         string      `json:"task_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Status         Status      `json:"status"`
	Result         *TaskResult `json:"result,omitempty"`
}

// Key is the identifier monitors subscribe with.
func (a Ack) Key() string {
	if a.TaskID != "" {
		return a.TaskID
	}
	return a.ConversationID
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// HistoryMessage is one entry of a server-side conversation.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
}

// ChatHistory is the conversation context the chat service keeps.
// Timestamps are passed through as sent; the service omits the zone.
type ChatHistory struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []HistoryMessage `json:"messages"`
	CreatedAt      string           `json:"created_at,omitempty"`
	UpdatedAt      string           `json:"updated_at,omitempty"`
}

type chatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	AudioURL string `json:"audio_url"`
	VideoURL string `json:"video_url"`
}

// wireBody is the union of every submission/status body the services emit:
// async acks, chat responses, manual speak, synthesis and avatar status.
type wireBody struct {
	TaskID         string          `json:"task_id"`
	VideoID        string          `json:"video_id"`
	AudioID        string          `json:"audio_id"`
	ConversationID string          `json:"conversation_id"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	AudioURL       string          `json:"audio_url"`
	VideoURL       string          `json:"video_url"`
	Transcription  string          `json:"transcription"`
	Text           string          `json:"text"`
	Error          string          `json:"error"`
	Message        json.RawMessage `json:"message"`
	Response       json.RawMessage `json:"response"`
}

func decodeWireBody(raw []byte) (wireBody, error) {
	var body wireBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return wireBody{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Status == "" {
		body.Status = StatusPending
	}
	if !body.Status.Valid() {
		return wireBody{}, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, body.Status)
	}
	return body, nil
}

func (b wireBody) id() string {
	for _, id := range []string{b.TaskID, b.VideoID, b.AudioID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (b wireBody) result() TaskResult {
	res := TaskResult{
		TaskID:         b.id(),
		ConversationID: b.ConversationID,
		Status:         b.Status,
		Progress:       b.Progress,
		AudioURL:       b.AudioURL,
		VideoURL:       b.VideoURL,
		Transcription:  b.Transcription,
		Error:          b.Error,
	}
	// Chat bodies nest the assistant message under "response"; async status
	// bodies may carry the reply as a bare string.
	if len(b.Response) > 0 {
		var reply chatMessage
		if err := json.Unmarshal(b.Response, &reply); err == nil {
			res.ResponseText = reply.Content
			if res.AudioURL == "" {
				res.AudioURL = reply.AudioURL
			}
			if res.VideoURL == "" {
				res.VideoURL = reply.VideoURL
			}
		} else {
			var text string
			if json.Unmarshal(b.Response, &text) == nil {
				res.ResponseText = text
			}
		}
	}
	if res.Status == StatusFailed && strings.TrimSpace(res.Error) == "" && len(b.Message) > 0 {
		var msg string
		if json.Unmarshal(b.Message, &msg) == nil {
			res.Error = msg
		}
	}
	return res
}

// DecodeAck parses a submission response body.
func DecodeAck(raw []byte) (Ack, error) {
	body, err := decodeWireBody(raw)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{TaskID: body.id(), ConversationID: body.ConversationID, Status: body.Status}
	if ack.Key() == "" && !body.Status.Terminal() {
		return Ack{}, fmt.Errorf("%w: acknowledgement without task or conversation id", ErrMalformedResponse)
	}
	if body.Status.Terminal() {
		res := body.result()
		ack.Result = &res
	}
	return ack, nil
}

// DecodeTaskResult parses a status poll response body.
func DecodeTaskResult(raw []byte) (TaskResult, error) {
	body, err := decodeWireBody(raw)
	if err != nil {
		return TaskResult{}, err
	}
	return body.result(), nil
}
