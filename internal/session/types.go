// Package session persists the setup identifiers that survive a reload.
package session

import (
	"errors"
	"strings"
)

// Session holds the identifiers issued by the remote services during setup.
// Media URLs and conversation state are never stored here.
type Session struct {
	VoiceID string `json:"voice_id,omitempty"`
	CloneID string `json:"clone_id,omitempty"`
	ImageID string `json:"image_id,omitempty"`
}

// Ready is true once every identifier is present.
func (s Session) Ready() bool {
	return s.VoiceID != "" && s.CloneID != "" && s.ImageID != ""
}

func (s Session) Empty() bool {
	return s.VoiceID == "" && s.CloneID == "" && s.ImageID == ""
}

// Normalize trims identifiers and keeps only the longest valid prefix of the
// setup sequence, so a clone without a voice (or an image without a clone)
// read back from storage does not skip steps.
func (s Session) Normalize() Session {
	s.VoiceID = strings.TrimSpace(s.VoiceID)
	s.CloneID = strings.TrimSpace(s.CloneID)
	s.ImageID = strings.TrimSpace(s.ImageID)
	if s.VoiceID == "" {
		return Session{}
	}
	if s.CloneID == "" {
		return Session{VoiceID: s.VoiceID}
	}
	return s
}

var ErrUnsupportedStore = errors.New("unsupported session store url")
