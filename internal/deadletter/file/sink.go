// Package file provides a filesystem dead-letter sink writing one JSON
// document per line.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pagesink/pagesink/internal/pipeline"
)

type record struct {
	pipeline.DeadLetterEntry
	WrittenAt time.Time `json:"written_at"`
}

// Sink appends dead-letter entries to a JSONL file. The file is opened
// per write so log rotation by rename keeps working.
type Sink struct {
	mu   sync.Mutex
	path string
}

// New creates a Sink writing to path, creating parent directories as needed.
func New(path string) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("file dead letter sink: no path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dead letter directory: %w", err)
	}
	return &Sink{path: path}, nil
}

// Send appends entry as one JSON line.
func (s *Sink) Send(_ context.Context, entry pipeline.DeadLetterEntry) error {
	data, err := json.Marshal(record{DeadLetterEntry: entry, WrittenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open dead letter file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write dead letter record: %w", err)
	}
	return nil
}
