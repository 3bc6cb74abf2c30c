// Package generation runs remote speech and avatar generation tasks: one
// active task per owner, submitted, monitored until terminal and handed to
// the playback controller.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

type Kind string

const (
	// KindPreview produces audio only.
	KindPreview Kind = "preview"
	// KindFull produces audio and, when the backend renders one, a video.
	KindFull Kind = "full"
)

func (k Kind) Valid() bool { return k == KindPreview || k == KindFull }

// GenericFailure is reported for failed tasks that carry no error text.
const GenericFailure = "generation failed"

var (
	ErrTaskActive         = errors.New("a generation task is already active")
	ErrSubmission         = errors.New("task submission failed")
	ErrMonitorInterrupted = errors.New("task monitoring interrupted")
	ErrPushUnavailable    = errors.New("push channel unavailable")
	ErrNoActiveTask       = errors.New("no active generation task")
	ErrNotInterrupted     = errors.New("task is not interrupted")
	ErrAbandoned          = errors.New("task abandoned")
	ErrTimedOut           = errors.New("generation timed out")
)

// Task is a snapshot of one generation request. ID stays empty until the
// remote acknowledges the submission.
type Task struct {
	ID             string          `json:"task_id,omitempty"`
	Owner          string          `json:"owner"`
	Kind           Kind            `json:"kind"`
	SourceText     string          `json:"source_text,omitempty"`
	Status         protocol.Status `json:"status"`
	Progress       int             `json:"progress,omitempty"`
	Interrupted    bool            `json:"interrupted,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	AudioURL       string          `json:"audio_url,omitempty"`
	VideoURL       string          `json:"video_url,omitempty"`
	Transcription  string          `json:"transcription,omitempty"`
	ResponseText   string          `json:"response_text,omitempty"`
	Media          media.Ref       `json:"media,omitzero"`
	Error          string          `json:"error,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FinishedAt     time.Time       `json:"finished_at,omitzero"`
}

func (t Task) Terminal() bool { return t.Status.Terminal() }

func (t Task) Succeeded() bool { return t.Status == protocol.StatusCompleted }

// SubmitFunc performs the owner-specific remote call.
type SubmitFunc func(ctx context.Context) (protocol.Ack, error)

// Request describes one submission.
type Request struct {
	Kind       Kind
	SourceText string
	Submit     SubmitFunc
	// OnDone runs once, outside pipeline locks, when the task turns terminal
	// (err == nil) or is abandoned (err wraps ErrAbandoned). It is not called
	// when the submission itself fails; Submit returns that error instead.
	OnDone func(Task, error)
	// Current reports whether the submitter still wants the result
	// presented. It is checked under the pipeline lock right before media
	// reaches the presenter and must not block or take submitter locks.
	Current func() bool
}

// mediaFor derives the playable reference for a completed result.
func mediaFor(kind Kind, videoURL, audioURL string) (media.Ref, bool) {
	if kind == KindPreview {
		ref := media.Audio(audioURL)
		return ref, ref.Valid()
	}
	return media.Prefer(videoURL, audioURL)
}

func (t *Task) apply(res protocol.TaskResult) {
	if res.TaskID != "" {
		t.ID = res.TaskID
	}
	if res.ConversationID != "" {
		t.ConversationID = res.ConversationID
	}
	if res.Status.Valid() {
		t.Status = res.Status
	}
	if res.Progress > t.Progress {
		t.Progress = res.Progress
	}
	if res.AudioURL != "" {
		t.AudioURL = res.AudioURL
	}
	if res.VideoURL != "" {
		t.VideoURL = res.VideoURL
	}
	if res.Transcription != "" {
		t.Transcription = res.Transcription
	}
	if res.ResponseText != "" {
		t.ResponseText = res.ResponseText
	}
	if res.Error != "" {
		t.Error = res.Error
	}
}
