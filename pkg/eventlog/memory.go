package eventlog

import (
	"context"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// MemoryStore is the in-process Store implementation. It backs tests and the
// single-binary deployment; durable backends implement the same contract.
type MemoryStore struct {
	mu       sync.RWMutex
	streams  map[string][]Event
	all      []Event
	position int64
}

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, streamID string, events []Event, expectedVersion int64) (int64, error) {
	if streamID == "" {
		return 0, errkind.Errorf(errkind.Validation, "empty stream id")
	}
	if len(events) == 0 {
		return 0, errkind.Errorf(errkind.Validation, "no events to append")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	current := int64(len(stream))
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, errkind.Errorf(errkind.Conflict, "stream %s at version %d, expected %d", streamID, current, expectedVersion)
	}

	for i := range events {
		e := events[i]
		e.StreamID = streamID
		current++
		s.position++
		e.Version = current
		e.Position = s.position
		stream = append(stream, e)
		s.all = append(s.all, e)
	}
	s.streams[streamID] = stream
	return current, nil
}

// ReadStream implements Store.
func (s *MemoryStore) ReadStream(_ context.Context, streamID string, fromVersion int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "stream %s not found", streamID)
	}
	out := make([]Event, 0, len(stream))
	for _, e := range stream {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadAll implements Store.
func (s *MemoryStore) ReadAll(_ context.Context, fromPosition int64, maxCount int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Event{}
	for _, e := range s.all {
		if e.Position < fromPosition {
			continue
		}
		out = append(out, e)
		if maxCount > 0 && len(out) == maxCount {
			break
		}
	}
	return out, nil
}

// Version returns the current version of streamID, 0 if absent.
func (s *MemoryStore) Version(streamID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID]))
}
