package consensus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PersistentStore holds the state a node must never forget across
// restarts. Write must be durable when it returns.
type PersistentStore interface {
	Read() (PersistentState, error)
	Write(PersistentState) error
	Close() error
}

type FilePersistentStore struct {
	filePath string
	mu       sync.Mutex
}

func NewFilePersistentStore(filePath string) *FilePersistentStore {
	return &FilePersistentStore{
		filePath: filePath,
	}
}

func (s *FilePersistentStore) Open() error {
	info, err := os.Stat(s.filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	if err == nil && info.Size() > 0 {
		return nil
	}

	if err := s.Write(PersistentState{}); err != nil {
		return fmt.Errorf("cannot write default state to %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *FilePersistentStore) Close() error {
	return nil
}

func (s *FilePersistentStore) Read() (PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state PersistentState

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return state, fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("cannot decode json data from %q: %w",
			s.filePath, err)
	}

	return state, nil
}

// Write replaces the state file atomically: the new state is written and
// synced to a temporary file which is then renamed over the old one.
func (s *FilePersistentStore) Write(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cannot encode state: %w", err)
	}

	tmpPath := s.filePath + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("cannot rename %q to %q: %w", tmpPath, s.filePath,
			err)
	}

	if dir, err := os.Open(filepath.Dir(s.filePath)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

type MemoryPersistentStore struct {
	state PersistentState
	mu    sync.Mutex
}

func NewMemoryPersistentStore() *MemoryPersistentStore {
	return &MemoryPersistentStore{}
}

func (s *MemoryPersistentStore) Read() (PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, nil
}

func (s *MemoryPersistentStore) Write(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	return nil
}

func (s *MemoryPersistentStore) Close() error {
	return nil
}
