// Package remote talks to the voice-clone, chat and avatar rendering services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/reliability"
)

// Operation names, shared by metrics, logs and the mock.
const (
	OpUploadVoice = "upload_voice"
	OpCreateClone = "create_clone"
	OpUploadImage = "upload_image"
	OpSendMessage = "send_message"
	OpSendVoice   = "send_voice"
	OpSpeak       = "manual_speak"
	OpSynthesize  = "synthesize"
	OpTaskStatus  = "task_status"
	OpHealth      = "health"
	OpChatHistory = "chat_history"
	OpClearChat   = "clear_chat"
)

// Service is everything the orchestrators need from the remote side.
type Service interface {
	UploadVoice(ctx context.Context, filename string, data []byte) (protocol.VoiceUploadResponse, error)
	CreateClone(ctx context.Context, req protocol.CloneRequest) (protocol.CloneResponse, error)
	UploadImage(ctx context.Context, filename string, data []byte) (protocol.ImageUploadResponse, error)
	SendMessage(ctx context.Context, req protocol.ChatRequest) (protocol.Ack, error)
	SendVoice(ctx context.Context, req protocol.VoiceChatRequest) (protocol.Ack, error)
	Speak(ctx context.Context, req protocol.ManualSpeakRequest) (protocol.Ack, error)
	Synthesize(ctx context.Context, req protocol.SynthesizeRequest) (protocol.Ack, error)
	TaskStatus(ctx context.Context, taskID string) (protocol.TaskResult, error)
	Health(ctx context.Context) (protocol.HealthResponse, error)
	ChatHistory(ctx context.Context, conversationID string) (protocol.ChatHistory, error)
	ClearChat(ctx context.Context, conversationID string) error
}

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: remote status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote status %d: %s", e.Op, e.Code, e.Detail)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Code) }

// UserMessage is the detail suitable for showing to the user.
func (e *StatusError) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	return http.StatusText(e.Code)
}

var ErrNotFound = errors.New("remote resource not found")

// RequestObserver records per-request outcomes.
type RequestObserver interface {
	ObserveRemoteRequest(op string, code int, d time.Duration)
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// StatusPath is a fmt template receiving the task id.
	StatusPath string
}

// HTTPClient implements Service over the REST API.
type HTTPClient struct {
	base       *url.URL
	statusPath string
	client     *http.Client
	observer   RequestObserver
	log        zerolog.Logger
}

func NewHTTPClient(cfg ClientConfig, observer RequestObserver, logger zerolog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	statusPath := cfg.StatusPath
	if statusPath == "" {
		statusPath = "/api/v1/tasks/%s/status"
	}
	return &HTTPClient{
		base:       base,
		statusPath: statusPath,
		client:     &http.Client{Timeout: timeout},
		observer:   observer,
		log:        logger.With().Str("component", "remote").Logger(),
	}, nil
}

func (c *HTTPClient) UploadVoice(ctx context.Context, filename string, data []byte) (protocol.VoiceUploadResponse, error) {
	var out protocol.VoiceUploadResponse
	body, err := c.doMultipart(ctx, OpUploadVoice, "/api/v1/voice/upload", nil, filename, data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%s: decode: %w", OpUploadVoice, err)
	}
	if strings.TrimSpace(out.VoiceID) == "" {
		return out, fmt.Errorf("%s: %w: missing voice_id", OpUploadVoice, protocol.ErrMalformedResponse)
	}
	return out, nil
}

func (c *HTTPClient) CreateClone(ctx context.Context, req protocol.CloneRequest) (protocol.CloneResponse, error) {
	var out protocol.CloneResponse
	body, err := c.doJSON(ctx, OpCreateClone, http.MethodPost, "/api/v1/voice/clone", req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%s: decode: %w", OpCreateClone, err)
	}
	if out.Status == protocol.StatusFailed {
		return out, &StatusError{Op: OpCreateClone, Code: http.StatusBadGateway, Detail: out.Message}
	}
	if strings.TrimSpace(out.CloneID) == "" {
		return out, fmt.Errorf("%s: %w: missing clone_id", OpCreateClone, protocol.ErrMalformedResponse)
	}
	return out, nil
}

func (c *HTTPClient) UploadImage(ctx context.Context, filename string, data []byte) (protocol.ImageUploadResponse, error) {
	var out protocol.ImageUploadResponse
	body, err := c.doMultipart(ctx, OpUploadImage, "/api/v1/avatar/upload-image", nil, filename, data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%s: decode: %w", OpUploadImage, err)
	}
	if strings.TrimSpace(out.ImageID) == "" {
		return out, fmt.Errorf("%s: %w: missing image_id", OpUploadImage, protocol.ErrMalformedResponse)
	}
	return out, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, req protocol.ChatRequest) (protocol.Ack, error) {
	body, err := c.doJSON(ctx, OpSendMessage, http.MethodPost, "/api/v1/chat/message", req)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.decodeAck(OpSendMessage, body)
}

func (c *HTTPClient) SendVoice(ctx context.Context, req protocol.VoiceChatRequest) (protocol.Ack, error) {
	q := url.Values{}
	q.Set("clone_id", req.CloneID)
	q.Set("image_id", req.ImageID)
	if req.ConversationID != "" {
		q.Set("conversation_id", req.ConversationID)
	}
	q.Set("generate_video", strconv.FormatBool(req.GenerateVideo))
	filename := req.Filename
	if filename == "" {
		filename = "recording.wav"
	}
	body, err := c.doMultipart(ctx, OpSendVoice, "/api/v1/chat/voice", q, filename, req.Audio)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.decodeAck(OpSendVoice, body)
}

func (c *HTTPClient) Speak(ctx context.Context, req protocol.ManualSpeakRequest) (protocol.Ack, error) {
	body, err := c.doJSON(ctx, OpSpeak, http.MethodPost, "/api/v1/manual/speak", req)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.decodeAck(OpSpeak, body)
}

func (c *HTTPClient) Synthesize(ctx context.Context, req protocol.SynthesizeRequest) (protocol.Ack, error) {
	body, err := c.doJSON(ctx, OpSynthesize, http.MethodPost, "/api/v1/voice/synthesize", req)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.decodeAck(OpSynthesize, body)
}

func (c *HTTPClient) TaskStatus(ctx context.Context, taskID string) (protocol.TaskResult, error) {
	path := fmt.Sprintf(c.statusPath, url.PathEscape(taskID))
	body, err := c.doJSON(ctx, OpTaskStatus, http.MethodGet, path, nil)
	if err != nil {
		return protocol.TaskResult{}, notFound(err, "task "+taskID)
	}
	res, err := protocol.DecodeTaskResult(body)
	if err != nil {
		return protocol.TaskResult{}, fmt.Errorf("%s: %w", OpTaskStatus, err)
	}
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	c.resolveMedia(&res)
	return res, nil
}

func (c *HTTPClient) Health(ctx context.Context) (protocol.HealthResponse, error) {
	var out protocol.HealthResponse
	body, err := c.doJSON(ctx, OpHealth, http.MethodGet, "/health", nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%s: decode: %w", OpHealth, err)
	}
	return out, nil
}

func (c *HTTPClient) ChatHistory(ctx context.Context, conversationID string) (protocol.ChatHistory, error) {
	var out protocol.ChatHistory
	body, err := c.doJSON(ctx, OpChatHistory, http.MethodGet, chatHistoryPath(conversationID), nil)
	if err != nil {
		return out, notFound(err, "conversation "+conversationID)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%s: decode: %w", OpChatHistory, err)
	}
	for i := range out.Messages {
		out.Messages[i].AudioURL = c.ResolveURL(out.Messages[i].AudioURL)
		out.Messages[i].VideoURL = c.ResolveURL(out.Messages[i].VideoURL)
	}
	return out, nil
}

// ClearChat drops the server-side context of a conversation.
func (c *HTTPClient) ClearChat(ctx context.Context, conversationID string) error {
	if _, err := c.doJSON(ctx, OpClearChat, http.MethodDelete, chatHistoryPath(conversationID), nil); err != nil {
		return notFound(err, "conversation "+conversationID)
	}
	return nil
}

func chatHistoryPath(conversationID string) string {
	return "/api/v1/chat/history/" + url.PathEscape(conversationID)
}

func notFound(err error, what string) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, what, err)
	}
	return err
}

func (c *HTTPClient) decodeAck(op string, body []byte) (protocol.Ack, error) {
	ack, err := protocol.DecodeAck(body)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("%s: %w", op, err)
	}
	if ack.Result != nil {
		c.resolveMedia(ack.Result)
	}
	return ack, nil
}

// resolveMedia turns service-relative media paths into absolute URLs.
func (c *HTTPClient) resolveMedia(res *protocol.TaskResult) {
	res.AudioURL = c.ResolveURL(res.AudioURL)
	res.VideoURL = c.ResolveURL(res.VideoURL)
}

// ResolveURL resolves raw against the service base URL.
func (c *HTTPClient) ResolveURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.IsAbs() {
		return raw
	}
	return c.base.ResolveReference(ref).String()
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req)
}

func (c *HTTPClient) doMultipart(ctx context.Context, op, path string, query url.Values, filename string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filepath.Base(filename))))
	h.Set("Content-Type", contentTypeFor(filename, data))
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("%s: create form part: %w", op, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("%s: write form part: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: close form: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, query), &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return c.do(op, req)
}

func (c *HTTPClient) do(op string, req *http.Request) ([]byte, error) {
	started := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		c.observe(op, 0, started)
		return nil, fmt.Errorf("%s: send request: %w", op, err)
	}
	defer res.Body.Close()
	c.observe(op, res.StatusCode, started)

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		se := &StatusError{Op: op, Code: res.StatusCode, Detail: errorDetail(body)}
		c.log.Debug().Str("op", op).Int("status", res.StatusCode).Str("detail", se.Detail).Msg("remote request failed")
		return nil, se
	}
	return body, nil
}

func (c *HTTPClient) observe(op string, code int, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveRemoteRequest(op, code, time.Since(started))
	}
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.base
	// path may carry escaped segments (task ids), so build from RawPath.
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + path
	if unescaped, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = unescaped
	} else {
		u.Path = u.RawPath
		u.RawPath = ""
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// errorDetail extracts the message from FastAPI style {"detail": ...} or
// {"error": ...} bodies.
func errorDetail(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	for _, k := range []string{"detail", "error", "message"} {
		switch v := obj[k].(type) {
		case string:
			return v
		case []any:
			// Validation errors: [{"loc": [...], "msg": "..."}]
			if len(v) > 0 {
				if first, ok := v[0].(map[string]any); ok {
					if msg, ok := first["msg"].(string); ok {
						return msg
					}
				}
			}
		}
	}
	return ""
}

func contentTypeFor(filename string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
