package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type speakRequest struct {
	Text        string `json:"text"`
	PreviewOnly bool   `json:"preview_only"`
}

func (s *Server) handleManualState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.manual.State())
}

func (s *Server) handleManualInput(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.manual.SetInput(req.Text))
}

func (s *Server) handleManualPreview(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manual.Preview(r.Context(), req.Text)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondTask(w, task)
}

func (s *Server) handleManualSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manual.Speak(r.Context(), req.Text, req.PreviewOnly)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondTask(w, task)
}

func (s *Server) handleManualReplay(w http.ResponseWriter, r *http.Request) {
	entry, err := s.manual.Replay(chi.URLParam(r, "task_id"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
