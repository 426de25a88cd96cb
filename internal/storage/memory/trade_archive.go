package memory

import (
	"context"
	"sort"
	"sync"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

// TradeArchive is an in-memory implementation of storage.TradeArchive.
type TradeArchive struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeRecord // keyed by intent_id
}

// NewTradeArchive creates a new in-memory trade archive.
func NewTradeArchive() *TradeArchive {
	return &TradeArchive{
		data: make(map[string]*domain.TradeRecord),
	}
}

// Archive stores a terminal record. Returns ErrDuplicateKey if intent_id exists.
func (s *TradeArchive) Archive(_ context.Context, intent *domain.TradeIntent, rec *domain.TradeRecord) error {
	if intent == nil || rec == nil || rec.IntentID == "" || rec.IntentID != intent.ID {
		return storage.ErrInvalidInput
	}
	if !rec.State.IsTerminal() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[rec.IntentID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *rec
	if copy.Owner == "" {
		copy.Owner = intent.Owner
	}
	s.data[rec.IntentID] = &copy
	return nil
}

// GetByIntentID retrieves an archived record. Returns ErrNotFound if not exists.
func (s *TradeArchive) GetByIntentID(_ context.Context, intentID string) (*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[intentID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *r
	return &copy, nil
}

// ListByOwner retrieves up to limit records for owner, newest first.
func (s *TradeArchive) ListByOwner(_ context.Context, owner string, limit int) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, r := range s.data {
		if r.Owner == owner {
			copy := *r
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].IntentID < result[j].IntentID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ storage.TradeArchive = (*TradeArchive)(nil)
