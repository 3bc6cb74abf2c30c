package httpapi

import (
	"net/http"
)

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChatState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.chat.State())
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.chat.SendText(r.Context(), req.Text)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondTask(w, task)
}

func (s *Server) handleChatVoice(w http.ResponseWriter, r *http.Request) {
	upload, err := readUpload(w, r, s.cfg.MaxVoiceBytes)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	task, err := s.chat.SendVoiceFile(r.Context(), upload.Filename, upload.Data)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondTask(w, task)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.StartRecording(r.Context()); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.chat.State())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	task, err := s.chat.StopRecording(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondTask(w, task)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.chat.RemoteHistory(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleChatClear(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.chat.Clear())
}
