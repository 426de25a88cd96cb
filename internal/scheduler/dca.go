package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/idhash"
	"solana-custody/internal/lock"
	"solana-custody/internal/observability"
	"solana-custody/internal/orders"
	"solana-custody/internal/trade"
)

const workerDCA = "dca"

// DCAWorker buys on a fixed schedule.
type DCAWorker struct {
	store    *orders.Store
	ledger   Ledger
	locker   *lock.Locker
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *observability.Metrics
}

// NewDCAWorker creates a DCAWorker. A non-positive interval selects
// DefaultDCAInterval.
func NewDCAWorker(store *orders.Store, ledger Ledger, locker *lock.Locker, interval time.Duration, log logrus.FieldLogger, metrics *observability.Metrics) *DCAWorker {
	if interval <= 0 {
		interval = DefaultDCAInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DCAWorker{
		store:    store,
		ledger:   ledger,
		locker:   locker,
		interval: interval,
		log:      log.WithField("worker", workerDCA),
		metrics:  metrics,
	}
}

// Run ticks until ctx is cancelled.
func (w *DCAWorker) Run(ctx context.Context) error {
	return loop(ctx, workerDCA, w.interval, w.Tick, w.log, w.metrics)
}

// Tick runs every due order once. Per-order failures are logged and counted;
// only a failure to list orders is returned.
func (w *DCAWorker) Tick(ctx context.Context, now time.Time) error {
	ids, err := w.store.ActiveIDs(ctx, domain.OrderTypeDCA)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.process(ctx, id, now); err != nil {
			w.metrics.RecordSchedulerError(workerDCA)
			w.log.WithError(err).WithField("order_id", id).Warn("dca order not processed")
		}
	}
	return nil
}

func (w *DCAWorker) process(ctx context.Context, id string, now time.Time) error {
	o, err := w.store.GetDCA(ctx, id)
	if err != nil {
		return err
	}
	if !o.Active || o.NextRunAt.After(now) {
		return nil
	}

	lease, err := w.locker.Acquire(ctx, o.ID, lock.ActionOrder, lock.OrderTTL)
	if errors.Is(err, lock.ErrBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	// Another instance may have run it while we waited.
	o, err = w.store.GetDCA(ctx, id)
	if err != nil {
		return err
	}
	if !o.Active || o.NextRunAt.After(now) {
		return nil
	}

	log := w.log.WithFields(logrus.Fields{"order_id": o.ID, "owner": o.Owner, "run": o.Runs})

	intentID := idhash.ComputeIntentID(domain.TradeSourceDCA, o.ID, o.Attempts)
	_, err = w.ledger.Submit(ctx, &domain.TradeIntent{
		ID:          intentID,
		Owner:       o.Owner,
		Side:        domain.TradeSideBuy,
		InputMint:   domain.WrappedSOLMint,
		OutputMint:  o.Mint,
		Amount:      o.Amount,
		SlippageBps: domain.DefaultSlippageBps,
		Source:      domain.TradeSourceDCA,
		SourceRef:   o.ID,
		CreatedAt:   now.UTC(),
	})
	if err != nil && !errors.Is(err, trade.ErrDuplicateIntent) {
		return fmt.Errorf("submit dca run: %w", err)
	}

	execErr := w.ledger.Execute(ctx, intentID)
	if errors.Is(execErr, lock.ErrBusy) {
		if err := w.ledger.Cancel(ctx, intentID); err != nil && !errors.Is(err, trade.ErrStateConflict) {
			log.WithError(err).Warn("busy dca intent not cancelled")
		}
		o.Attempts++
		log.Info("trade lock busy, run deferred")
		return w.store.SaveDCA(ctx, o)
	}

	o.Attempts++
	o.Runs++
	o.LastRunAt = now.UTC()
	o.LastTradeID = intentID
	o.LastError = ""
	if execErr != nil {
		o.LastError = execErr.Error()
		log.WithError(execErr).Warn("dca run failed")
	} else {
		log.WithField("trade_id", intentID).Info("dca run executed")
	}
	o.NextRunAt = now.Add(o.Interval).UTC()
	w.metrics.RecordTrigger(workerDCA, string(domain.LimitKindBuy))

	return w.store.SaveDCA(ctx, o)
}
