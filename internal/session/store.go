package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store persists one Session per profile.
type Store interface {
	// Load returns the stored session, or an empty one when nothing is stored.
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
	Close() error
	// Kind names the backend for health reporting.
	Kind() string
}

// NewStore picks a backend from rawURL:
//
//	"" or "memory:"          in-process only
//	"file:///path", "/path"  JSON file
//	"sqlite:///path"         SQLite database
//	"postgres://..."         PostgreSQL
//	"redis://..."            Redis
func NewStore(ctx context.Context, rawURL, profile string) (Store, error) {
	rawURL = strings.TrimSpace(rawURL)
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = "default"
	}
	if rawURL == "" || rawURL == "memory:" || rawURL == "memory://" {
		return NewMemoryStore(), nil
	}
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "memory:") {
		return NewFileStore(rawURL, profile), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse session store url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileStore(localPath(u), profile), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, localPath(u), profile)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, rawURL, profile)
	case "redis", "rediss":
		return NewRedisStore(ctx, rawURL, profile)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, u.Scheme)
	}
}

// localPath accepts both file:///abs/path and file:relative/path forms.
func localPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path
	}
	return u.Path
}
