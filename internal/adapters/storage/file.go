package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikey-austin/pubsub/internal/broker"
)

// FileStore keeps the directory as one JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the saved state. ok is false when nothing was saved yet.
func (s *FileStore) Load(_ context.Context) (broker.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return broker.State{}, false, nil
		}
		return broker.State{}, false, err
	}
	var state broker.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return broker.State{}, false, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if state.Topics == nil {
		state.Topics = map[string]broker.TopicState{}
	}
	return state, true, nil
}

// Save replaces the saved state atomically.
func (s *FileStore) Save(_ context.Context, state broker.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeJSON(s.path, state)
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
