package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps sessions in a small JSON document keyed by profile.
type FileStore struct {
	mu      sync.Mutex
	path    string
	profile string
}

type fileDocument struct {
	Profiles map[string]Session `json:"profiles"`
}

func NewFileStore(path, profile string) *FileStore {
	return &FileStore{path: path, profile: profile}
}

func (s *FileStore) Load(context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return Session{}, err
	}
	return doc.Profiles[s.profile], nil
}

func (s *FileStore) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.Profiles[s.profile] = sess
	return s.writeLocked(doc)
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := doc.Profiles[s.profile]; !ok {
		return nil
	}
	delete(doc.Profiles, s.profile)
	return s.writeLocked(doc)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Kind() string { return "file" }

func (s *FileStore) readLocked() (fileDocument, error) {
	doc := fileDocument{Profiles: map[string]Session{}}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read session file: %w", err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode session file: %w", err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]Session{}
	}
	return doc, nil
}

// writeLocked replaces the file via rename so a crash never leaves a
// truncated document behind.
func (s *FileStore) writeLocked(doc fileDocument) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
