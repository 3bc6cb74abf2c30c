// Package media models generated media references and the single playback
// slot they are rendered through.
package media

import "strings"

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Ref points at a rendered asset. Refs are never persisted.
type Ref struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
}

func (r Ref) IsZero() bool {
	return r.Kind == "" && r.URL == ""
}

func (r Ref) Valid() bool {
	return (r.Kind == KindVideo || r.Kind == KindAudio) && strings.TrimSpace(r.URL) != ""
}

func Video(url string) Ref { return Ref{Kind: KindVideo, URL: strings.TrimSpace(url)} }
func Audio(url string) Ref { return Ref{Kind: KindAudio, URL: strings.TrimSpace(url)} }

// Prefer picks the reference a completed task should present. Video wins
// when both are available.
func Prefer(videoURL, audioURL string) (Ref, bool) {
	if strings.TrimSpace(videoURL) != "" {
		return Video(videoURL), true
	}
	if strings.TrimSpace(audioURL) != "" {
		return Audio(audioURL), true
	}
	return Ref{}, false
}
