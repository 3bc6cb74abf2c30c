package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/capture"
	"github.com/ent0n29/talkavatar/internal/config"
	"github.com/ent0n29/talkavatar/internal/conversation"
	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/generation"
	"github.com/ent0n29/talkavatar/internal/manual"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
	"github.com/ent0n29/talkavatar/internal/remote"
	"github.com/ent0n29/talkavatar/internal/setup"
)

// HealthChecker probes the remote services for /readyz.
type HealthChecker interface {
	Health(ctx context.Context) (protocol.HealthResponse, error)
}

// Deps is the object graph the API drives.
type Deps struct {
	Setup     *setup.Orchestrator
	Chat      *conversation.Orchestrator
	Manual    *manual.Orchestrator
	Pipelines []*generation.Pipeline
	Player    *media.Controller
	Bus       *events.Bus
	Recorder  *capture.BufferRecorder
	Remote    HealthChecker
	Metrics   *observability.Metrics
	StoreKind string
	Logger    zerolog.Logger
}

type Server struct {
	cfg       config.Config
	setup     *setup.Orchestrator
	chat      *conversation.Orchestrator
	manual    *manual.Orchestrator
	pipelines map[string]*generation.Pipeline
	player    *media.Controller
	bus       *events.Bus
	recorder  *capture.BufferRecorder
	remote    HealthChecker
	metrics   *observability.Metrics
	storeKind string
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	pipelines := make(map[string]*generation.Pipeline, len(deps.Pipelines))
	for _, p := range deps.Pipelines {
		pipelines[p.Owner()] = p
	}
	return &Server{
		cfg:       cfg,
		setup:     deps.Setup,
		chat:      deps.Chat,
		manual:    deps.Manual,
		pipelines: pipelines,
		player:    deps.Player,
		bus:       deps.Bus,
		recorder:  deps.Recorder,
		remote:    deps.Remote,
		metrics:   deps.Metrics,
		storeKind: deps.StoreKind,
		log:       deps.Logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the microphone feed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/setup", func(r chi.Router) {
		r.Get("/", s.handleSetupState)
		r.Post("/voice", s.handleSetupVoice)
		r.Post("/clone", s.handleSetupClone)
		r.Post("/image", s.handleSetupImage)
		r.Post("/reset", s.handleSetupReset)
	})
	r.Route("/v1/chat", func(r chi.Router) {
		r.Get("/", s.handleChatState)
		r.Post("/message", s.handleChatMessage)
		r.Post("/voice", s.handleChatVoice)
		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Post("/clear", s.handleChatClear)
		r.Get("/history", s.handleChatHistory)
	})
	r.Route("/v1/manual", func(r chi.Router) {
		r.Get("/", s.handleManualState)
		r.Put("/input", s.handleManualInput)
		r.Post("/preview", s.handleManualPreview)
		r.Post("/speak", s.handleManualSpeak)
		r.Post("/history/{task_id}/replay", s.handleManualReplay)
	})
	r.Get("/v1/tasks/{owner}", s.handleGetTask)
	r.Post("/v1/tasks/{owner}/abandon", s.handleAbandonTask)
	r.Post("/v1/tasks/{owner}/resume", s.handleResumeTask)

	r.Get("/v1/playback", s.handlePlaybackState)
	r.Post("/v1/playback/progress", s.handlePlaybackProgress)
	r.Post("/v1/playback/{action}", s.handlePlaybackAction)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"setup_state":   s.setup.State(),
		"session_store": s.storeKind,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"setup_state":   s.setup.State(),
		"session_store": s.storeKind,
	}
	if s.remote == nil {
		body["status"] = "ready"
		respondJSON(w, http.StatusOK, body)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	health, err := s.remote.Health(ctx)
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	body["remote"] = health
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps orchestrator errors onto the API's error codes.
func respondFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, setup.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, setup.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, generation.ErrTaskActive):
		return http.StatusConflict, "task_active"
	case errors.Is(err, generation.ErrSubmission), errors.Is(err, setup.ErrRemote):
		return http.StatusBadGateway, "submission_failed"
	case errors.Is(err, setup.ErrWrongState),
		errors.Is(err, setup.ErrBusy),
		errors.Is(err, conversation.ErrAlreadyRecording),
		errors.Is(err, conversation.ErrNotRecording),
		errors.Is(err, conversation.ErrNoRecorder),
		errors.Is(err, generation.ErrNotInterrupted),
		errors.Is(err, generation.ErrAbandoned):
		return http.StatusConflict, "wrong_state"
	case errors.Is(err, manual.ErrUnknownEntry),
		errors.Is(err, generation.ErrNoActiveTask),
		errors.Is(err, conversation.ErrNoConversation),
		errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrEmptyRecording),
		errors.Is(err, manual.ErrEmptyText),
		errors.Is(err, manual.ErrNothingToReplay):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// readUpload pulls the multipart "file" field. The body limit leaves room
// past maxBytes so oversized files reach validation and get its message.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (setup.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return setup.Upload{}, fmt.Errorf("parse upload: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return setup.Upload{}, fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return setup.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	return setup.Upload{Filename: header.Filename, Data: data}, nil
}

func respondUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "validation_failed", err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

// respondTask answers 200 for a settled task and 202 while it is in flight.
func respondTask(w http.ResponseWriter, task generation.Task) {
	status := http.StatusAccepted
	if task.Terminal() {
		status = http.StatusOK
	}
	respondJSON(w, status, task)
}
