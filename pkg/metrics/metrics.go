package metrics

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Entry is the latest observed value of one metric. The store keeps no
// history: a later Record for the same key overwrites the earlier one.
type Entry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists metrics as a flat key->entry JSON mapping. External
// dashboards read the file directly, so the format stays a plain
// associative structure keyed by metric name. Writes go to a temp file in
// the same directory followed by a rename, so a concurrent reader never
// observes a half-written store.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		now:  time.Now,
	}
}

// Record sets key to value. Metrics are best-effort: an unwritable store is
// logged as a warning and never escalated to the caller.
func (s *Store) Record(key string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.record(key, value)
	if err != nil {
		log.Println(errors.WithMessagef(err, "failed to record metric %s", key))
	}
}

func (s *Store) record(key string, value string) error {
	entries, err := s.load()
	if err != nil {
		return err
	}

	entries[key] = Entry{
		Value:     value,
		UpdatedAt: s.now(),
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to marshal json")
	}

	dir := filepath.Dir(s.path)

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return errors.WithMessage(err, "failed to create metrics directory")
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return errors.WithMessage(err, "failed to create temp file")
	}

	_, err = tmp.Write(b)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return errors.WithMessage(err, "failed to write temp file")
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return errors.WithMessage(err, "failed to close temp file")
	}

	err = os.Rename(tmp.Name(), s.path)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return errors.WithMessage(err, "failed to rename temp file")
	}

	return nil
}

// Load returns the current contents of the store. A missing file is an
// empty store, not an error.
func (s *Store) Load() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

func (s *Store) load() (map[string]Entry, error) {
	entries := map[string]Entry{}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}

		return nil, errors.WithMessage(err, "failed to read metrics file")
	}

	err = json.Unmarshal(b, &entries)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal metrics file")
	}

	return entries, nil
}
