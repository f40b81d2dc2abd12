package main

import (
	"fmt"
	"sort"
	"sync"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// Store is the replicated state machine: a map updated by committed ops.
type Store struct {
	Entries map[string]string

	lastIndex consensus.LogIndex

	mu sync.RWMutex
}

var _ consensus.StateMachine = (*Store)(nil)

func NewStore() *Store {
	s := Store{
		Entries: make(map[string]string),
	}

	return &s
}

func (s *Store) Apply(entry consensus.LogEntry) error {
	op, err := DecodeOp(entry.Command)
	if err != nil {
		return fmt.Errorf("cannot decode op: %w", err)
	}

	op.Apply(s)

	s.mu.Lock()
	s.lastIndex = entry.Index
	s.mu.Unlock()

	return nil
}

func (s *Store) LastIndex() consensus.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastIndex
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	value, found := s.Entries[key]
	s.mu.RUnlock()

	return value, found
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.Entries))
	for key := range s.Entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

func (s *Store) Put(key, value string) {
	s.mu.Lock()
	s.Entries[key] = value
	s.mu.Unlock()
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.Entries, key)
	s.mu.Unlock()
}
