// Package history persists the conversation transcript between runs as a
// JSON file, capped at a maximum entry count with oldest-first eviction.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Entry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// Store is a file-backed, bounded transcript. Every Append writes through
// to disk so a crash never loses committed turns.
type Store struct {
	path string
	max  int

	mu      sync.Mutex
	entries []Entry
}

// Load opens the store at path, reading any existing transcript. A missing
// file is an empty store, not an error. max <= 0 means unbounded.
func Load(path string, max int) (*Store, error) {
	s := &Store{path: path, max: max}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.entries); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", path, err)
	}
	s.evictLocked()
	return s, nil
}

// Append records one turn entry and persists. The entry's ID and
// Timestamp are assigned here.
func (s *Store) Append(role, content, emotion string) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Emotion:   emotion,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.evictLocked()
	if err := s.saveLocked(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Entries returns a copy of the transcript, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear empties the transcript and persists the empty state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.saveLocked()
}

func (s *Store) evictLocked() {
	if s.max > 0 && len(s.entries) > s.max {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.max:]...)
	}
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("history: write %s: %w", s.path, err)
	}
	return nil
}
