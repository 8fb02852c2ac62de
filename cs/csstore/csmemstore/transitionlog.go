package csmemstore

import (
	"context"
	"slices"
	"sync"

	"github.com/channel-engine/chorus/cs/csstore"
)

// TransitionLogStore is an in-memory implementation
// of [csstore.TransitionLogStore].
type TransitionLogStore struct {
	mu   sync.RWMutex
	logs map[string][]csstore.AcceptedTransition
}

func NewTransitionLogStore() *TransitionLogStore {
	return &TransitionLogStore{
		logs: make(map[string][]csstore.AcceptedTransition),
	}
}

func (s *TransitionLogStore) SaveTransition(_ context.Context, sessionID string, tx csstore.AcceptedTransition) error {
	cp := tx
	cp.Vector = tx.Vector.Clone()
	cp.Signatures = slices.Clone(tx.Signatures)

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sessionID]

	// Idempotent on version: a duplicate acknowledgment is a no-op.
	for _, have := range log {
		if have.Version == tx.Version {
			return nil
		}
	}

	// Acks can arrive out of order across transitions;
	// keep the log sorted by version on insert.
	i, _ := slices.BinarySearchFunc(log, cp, func(a, b csstore.AcceptedTransition) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		default:
			return 0
		}
	})
	s.logs[sessionID] = slices.Insert(log, i, cp)
	return nil
}

func (s *TransitionLogStore) LoadTransitions(_ context.Context, sessionID string) ([]csstore.AcceptedTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[sessionID]
	out := make([]csstore.AcceptedTransition, len(log))
	for i, tx := range log {
		out[i] = tx
		out[i].Vector = tx.Vector.Clone()
		out[i].Signatures = slices.Clone(tx.Signatures)
	}
	return out, nil
}
