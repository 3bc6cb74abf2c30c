package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

type cloneRequest struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

func (s *Server) handleSetupState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.setup.Snapshot())
}

func (s *Server) handleSetupVoice(w http.ResponseWriter, r *http.Request) {
	upload, err := readUpload(w, r, s.cfg.MaxVoiceBytes)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	snap, err := s.setup.SubmitVoice(r.Context(), upload)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetupClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = s.cfg.DefaultCloneName
	}
	snap, err := s.setup.CreateClone(r.Context(), strings.TrimSpace(req.VoiceID), name)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetupImage(w http.ResponseWriter, r *http.Request) {
	upload, err := readUpload(w, r, s.cfg.MaxImageBytes)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	snap, err := s.setup.SubmitImage(r.Context(), upload)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetupReset(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.setup.Reset(r.Context()))
}
