package csmemstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/channel-engine/chorus/cs/csstore"
)

// SessionStore is an in-memory implementation of [csstore.SessionStore].
type SessionStore struct {
	mu   sync.RWMutex
	recs map[string]csstore.SessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		recs: make(map[string]csstore.SessionRecord),
	}
}

func (s *SessionStore) SaveSession(_ context.Context, rec csstore.SessionRecord) error {
	cp := rec
	cp.Vector = rec.Vector.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.ID] = cp
	return nil
}

func (s *SessionStore) LoadSession(_ context.Context, id string) (csstore.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return csstore.SessionRecord{}, fmt.Errorf("load session %q: %w", id, csstore.ErrSessionNotFound)
	}

	rec.Vector = rec.Vector.Clone()
	return rec, nil
}

func (s *SessionStore) ListSessions(_ context.Context) ([]csstore.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]csstore.SessionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec.Vector = rec.Vector.Clone()
		out = append(out, rec)
	}
	return out, nil
}
