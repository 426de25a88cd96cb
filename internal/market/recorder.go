package market

import (
	"context"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

// Recorder persists every successful observation of the wrapped source.
// Store failures are logged and do not fail the observation.
type Recorder struct {
	source PriceSource
	store  storage.PriceObservationStore
	log    logrus.FieldLogger
}

// NewRecorder wraps source.
func NewRecorder(source PriceSource, store storage.PriceObservationStore, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{source: source, store: store, log: log.WithField("component", "price_recorder")}
}

// Observe implements PriceSource.
func (r *Recorder) Observe(ctx context.Context, mint string) (*domain.PriceObservation, error) {
	obs, err := r.source.Observe(ctx, mint)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertBulk(ctx, []*domain.PriceObservation{obs}); err != nil {
		r.log.WithError(err).WithField("mint", mint).Warn("price observation not recorded")
	}
	return obs, nil
}

var _ PriceSource = (*Recorder)(nil)
