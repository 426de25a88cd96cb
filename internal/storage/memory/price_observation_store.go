package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

// PriceObservationStore is an in-memory implementation of storage.PriceObservationStore.
type PriceObservationStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PriceObservation // keyed by (mint, observed_at)
}

// NewPriceObservationStore creates a new in-memory observation store.
func NewPriceObservationStore() *PriceObservationStore {
	return &PriceObservationStore{
		data: make(map[string]*domain.PriceObservation),
	}
}

func observationKey(mint string, at time.Time) string {
	return fmt.Sprintf("%s|%d", mint, at.UnixMilli())
}

// InsertBulk adds multiple observations. Fails entire batch on duplicate.
func (s *PriceObservationStore) InsertBulk(_ context.Context, obs []*domain.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(obs))

	// First pass: check for duplicates (existing + intra-batch)
	for _, o := range obs {
		if o == nil || o.Mint == "" {
			return storage.ErrInvalidInput
		}
		key := observationKey(o.Mint, o.ObservedAt)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, o := range obs {
		obsCopy := *o
		s.data[observationKey(o.Mint, o.ObservedAt)] = &obsCopy
	}

	return nil
}

// GetByTimeRange retrieves observations for mint within [start, end] (inclusive).
func (s *PriceObservationStore) GetByTimeRange(_ context.Context, mint string, start, end time.Time) ([]*domain.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceObservation
	for _, o := range s.data {
		if o.Mint != mint || o.ObservedAt.Before(start) || o.ObservedAt.After(end) {
			continue
		}
		obsCopy := *o
		result = append(result, &obsCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ObservedAt.Before(result[j].ObservedAt)
	})

	return result, nil
}

var _ storage.PriceObservationStore = (*PriceObservationStore)(nil)
