package mirror

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Entry is what a client remembers about one topic.
type Entry struct {
	Subscribed bool   `json:"subscribed"`
	NextGet    uint64 `json:"nextGet"`
	NextPut    uint64 `json:"nextPut"`
}

// Store saves the client mirror under XDG_STATE_HOME or ~/.local/state.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a mirror store for a client identity.
func NewStore(identity string) (*Store, error) {
	path, err := mirrorPath(identity)
	if err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

// NewStoreAt creates a mirror store backed by an explicit file.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// NextGet returns the sequence number the next GET on topic presents.
func (s *Store) NextGet(topic string) (uint64, error) {
	entry, err := s.get(topic)
	return entry.NextGet, err
}

// SetNextGet stores the sequence number the next GET on topic presents.
func (s *Store) SetNextGet(topic string, seq uint64) error {
	return s.update(func(data map[string]Entry) {
		entry := data[topic]
		entry.Subscribed = true
		entry.NextGet = seq
		data[topic] = entry
	})
}

// NextPut returns the sequence number the next PUT on topic presents.
func (s *Store) NextPut(topic string) (uint64, error) {
	entry, err := s.get(topic)
	return entry.NextPut, err
}

// SetNextPut stores the sequence number the next PUT on topic presents.
func (s *Store) SetNextPut(topic string, seq uint64) error {
	return s.update(func(data map[string]Entry) {
		entry := data[topic]
		entry.NextPut = seq
		data[topic] = entry
	})
}

// Reset marks a topic subscribed and starts its GET sequence over from zero,
// keeping the PUT counter.
func (s *Store) Reset(topic string) error {
	return s.update(func(data map[string]Entry) {
		entry := data[topic]
		entry.Subscribed = true
		entry.NextGet = 0
		data[topic] = entry
	})
}

// Forget drops the subscription side of a topic. The PUT counter survives
// because the broker still remembers this publisher's last sequence number.
func (s *Store) Forget(topic string) error {
	return s.update(func(data map[string]Entry) {
		entry, ok := data[topic]
		if !ok {
			return
		}
		if entry.NextPut == 0 {
			delete(data, topic)
			return
		}
		data[topic] = Entry{NextPut: entry.NextPut}
	})
}

// Topics returns the next GET sequence number of every subscribed topic.
func (s *Store) Topics() (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(data))
	for topic, entry := range data {
		if entry.Subscribed {
			out[topic] = entry.NextGet
		}
	}
	return out, nil
}

func (s *Store) get(topic string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readAll()
	if err != nil {
		return Entry{}, err
	}
	return data[topic], nil
}

func (s *Store) update(fn func(map[string]Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readAll()
	if err != nil {
		return err
	}
	fn(data)
	return s.writeAll(data)
}

func (s *Store) readAll() (map[string]Entry, error) {
	data := map[string]Entry{}
	file, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, nil
		}
		return nil, err
	}
	if len(file) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(file, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) writeAll(data map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func mirrorPath(identity string) (string, error) {
	name := "mirror.json"
	if id := safeFilename(identity); id != "" {
		name = "mirror-" + id + ".json"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "pubsub", name), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "pubsub", name), nil
}

func safeFilename(id string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	return replacer.Replace(strings.TrimSpace(id))
}
