package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActiveSession is the on-disk record of a proxy session that has been
// created but not yet torn down. It exists so that a crashed or interrupted
// run can still release the session's server-side resources later.
type ActiveSession struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Gateway   string    `json:"gateway"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Save(rec ActiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp session state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	return nil
}

func (s *Store) Load() (ActiveSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ActiveSession{}, false, nil
	}
	if err != nil {
		return ActiveSession{}, false, fmt.Errorf("read session state: %w", err)
	}
	var rec ActiveSession
	if err := json.Unmarshal(b, &rec); err != nil {
		return ActiveSession{}, false, fmt.Errorf("parse session state: %w", err)
	}
	if rec.ID == "" {
		return ActiveSession{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session state: %w", err)
	}
	return nil
}
