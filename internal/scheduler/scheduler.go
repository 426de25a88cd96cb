// Package scheduler runs the periodic DCA and limit workers. Both submit
// intents to the same trade ledger used by interactive trades.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/observability"
)

// Default tick intervals.
const (
	DefaultDCAInterval   = 10 * time.Second
	DefaultLimitInterval = 12 * time.Second
)

// Ledger is the trade entry point the workers feed.
type Ledger interface {
	Submit(ctx context.Context, intent *domain.TradeIntent) (string, error)
	Execute(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Notifier delivers a message to an owner.
type Notifier interface {
	Notify(ctx context.Context, owner, message string) error
}

// loop calls tick on every interval until ctx is done.
func loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context, time.Time) error, log logrus.FieldLogger, metrics *observability.Metrics) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval).Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return ctx.Err()

		case now := <-ticker.C:
			metrics.RecordTick(name, now)
			if err := tick(ctx, now); err != nil {
				metrics.RecordSchedulerError(name)
				log.WithError(err).Warn("tick failed")
			}
		}
	}
}
