package setup

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var ErrValidation = errors.New("validation failed")

// ValidationError rejects input before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

var (
	voiceExtensions = map[string]bool{".mp3": true, ".wav": true, ".m4a": true, ".ogg": true}
	imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
)

const maxCloneNameRunes = 100

// Upload is a file handed to a setup step.
type Upload struct {
	Filename string
	Data     []byte
}

func (u Upload) ext() string {
	return strings.ToLower(filepath.Ext(strings.TrimSpace(u.Filename)))
}

func validateVoice(u Upload, maxBytes int64) error {
	if !voiceExtensions[u.ext()] {
		return &ValidationError{Field: "voice", Reason: "unsupported audio type; use mp3, wav, m4a or ogg"}
	}
	if err := validateSize("voice", len(u.Data), maxBytes); err != nil {
		return err
	}
	if !looksLikeAudio(u.Data) {
		return &ValidationError{Field: "voice", Reason: "file content is not mp3, wav, m4a or ogg audio"}
	}
	return nil
}

// looksLikeAudio sniffs the container. http.DetectContentType only knows
// ID3-tagged mp3 and has no m4a rule, so bare mpeg frames and ftyp boxes are
// checked by hand.
func looksLikeAudio(data []byte) bool {
	switch http.DetectContentType(data) {
	case "audio/wave", "audio/mpeg", "application/ogg":
		return true
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return true
	}
	return len(data) >= 12 && string(data[4:8]) == "ftyp"
}

func validateImage(u Upload, maxBytes int64) error {
	if !imageExtensions[u.ext()] {
		return &ValidationError{Field: "image", Reason: "unsupported image type; use jpg, jpeg or png"}
	}
	if err := validateSize("image", len(u.Data), maxBytes); err != nil {
		return err
	}
	switch http.DetectContentType(u.Data) {
	case "image/png", "image/jpeg":
		return nil
	default:
		return &ValidationError{Field: "image", Reason: "file content is not a png or jpeg image"}
	}
}

func validateSize(field string, n int, maxBytes int64) error {
	if n == 0 {
		return &ValidationError{Field: field, Reason: "file is empty"}
	}
	if maxBytes > 0 && int64(n) > maxBytes {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("file is %s; the limit is %s", humanBytes(int64(n)), humanBytes(maxBytes))}
	}
	return nil
}

func normalizeCloneName(name, fallback string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = "My Clone"
	}
	if utf8.RuneCountInString(name) > maxCloneNameRunes {
		return "", &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxCloneNameRunes)}
	}
	return name, nil
}

func humanBytes(n int64) string {
	const mib = 1 << 20
	if n >= mib {
		return fmt.Sprintf("%.1f MB", float64(n)/mib)
	}
	return fmt.Sprintf("%d KB", (n+1023)/1024)
}
