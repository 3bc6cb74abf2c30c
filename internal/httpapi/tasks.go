package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/talkavatar/internal/generation"
)

const playbackSource = "ui"

type taskView struct {
	Owner  string           `json:"owner"`
	Active *generation.Task `json:"active,omitempty"`
	Last   *generation.Task `json:"last,omitempty"`
}

type progressRequest struct {
	PositionMS int64 `json:"position_ms"`
	DurationMS int64 `json:"duration_ms"`
}

func (s *Server) pipelineFor(w http.ResponseWriter, r *http.Request) (*generation.Pipeline, bool) {
	owner := chi.URLParam(r, "owner")
	p, ok := s.pipelines[owner]
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown task owner: "+owner)
		return nil, false
	}
	return p, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	view := taskView{Owner: p.Owner()}
	if task, ok := p.Active(); ok {
		view.Active = &task
	}
	if task, ok := p.Last(); ok {
		view.Last = &task
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbandonTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	task, err := p.Abandon(r.URL.Query().Get("task_id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	task, err := p.Resume(r.Context(), r.URL.Query().Get("task_id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, task)
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.player.State())
}

var errUnknownAction = errors.New("unknown playback action")

func (s *Server) applyPlayback(action string) error {
	switch action {
	case "pause":
		s.player.Pause(playbackSource)
	case "resume":
		s.player.Resume(playbackSource)
	case "mute":
		s.player.SetMuted(playbackSource, true)
	case "unmute":
		s.player.SetMuted(playbackSource, false)
	case "ended":
		s.player.Ended(playbackSource)
	case "dismiss":
		s.player.DismissVideo(playbackSource)
	default:
		return errUnknownAction
	}
	return nil
}

func (s *Server) handlePlaybackAction(w http.ResponseWriter, r *http.Request) {
	if err := s.applyPlayback(chi.URLParam(r, "action")); err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) handlePlaybackProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.player.UpdateProgress(time.Duration(req.PositionMS)*time.Millisecond, time.Duration(req.DurationMS)*time.Millisecond)
	respondJSON(w, http.StatusOK, s.player.State())
}
