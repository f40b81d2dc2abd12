package consensus

import (
	"fmt"
	"sync"
)

// LogStore is the durable replicated log of a node. Indexes start at 1 and
// are contiguous; Append must be durable when it returns.
type LogStore interface {
	Append(LogEntry) error
	Read(LogIndex) (LogEntry, error)
	TruncateFrom(LogIndex) error
	LastIndex() LogIndex
	LastTerm() Term
	Close() error
}

type MemoryLogStore struct {
	entries []LogEntry
	mu      sync.RWMutex
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		entries: make([]LogEntry, 0),
	}
}

func (s *MemoryLogStore) Close() error {
	return nil
}

func (s *MemoryLogStore) LastIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return LogIndex(len(s.entries))
}

func (s *MemoryLogStore) LastTerm() Term {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nbEntries := len(s.entries)
	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

func (s *MemoryLogStore) Append(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected := LogIndex(len(s.entries) + 1); entry.Index != expected {
		return fmt.Errorf("cannot append entry at index %d: expected "+
			"index %d", entry.Index, expected)
	}

	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryLogStore) Read(index LogIndex) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 1 || index > LogIndex(len(s.entries)) {
		return LogEntry{}, fmt.Errorf("%w: index %d", ErrEntryNotFound, index)
	}

	return s.entries[index-1], nil
}

func (s *MemoryLogStore) TruncateFrom(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 1 {
		return fmt.Errorf("invalid truncation index %d", index)
	}

	if index > LogIndex(len(s.entries)) {
		return nil
	}

	s.entries = s.entries[:index-1]
	return nil
}

// Entries returns a copy of the whole log; it is meant for inspection
// (tests, diagnostics), not for the replication path.
func (s *MemoryLogStore) Entries() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)

	return entries
}

// TermAt returns the term of the entry at a given index, 0 for index 0.
func TermAt(store LogStore, index LogIndex) (Term, error) {
	if index == 0 {
		return 0, nil
	}

	entry, err := store.Read(index)
	if err != nil {
		return 0, err
	}

	return entry.Term, nil
}
