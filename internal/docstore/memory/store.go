// Package memory provides an in-memory document store for development and
// testing.
package memory

import (
	"context"
	"sync"

	"github.com/pagesink/pagesink/internal/pipeline"
)

// Store keeps outcomes in a map keyed by task id. Upserts are last-writer-
// wins, matching the contract real backends provide.
type Store struct {
	mu   sync.RWMutex
	docs map[string]pipeline.Outcome
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[string]pipeline.Outcome)}
}

// Upsert writes outcome under its id, replacing any previous document.
func (s *Store) Upsert(_ context.Context, outcome pipeline.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[outcome.ID] = outcome
	return nil
}

// Get returns the stored document for id, if any.
func (s *Store) Get(id string) (pipeline.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Len reports the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
