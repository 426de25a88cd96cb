package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/idhash"
	"solana-custody/internal/lock"
	"solana-custody/internal/market"
	"solana-custody/internal/observability"
	"solana-custody/internal/orders"
	"solana-custody/internal/trade"
)

const workerLimit = "limit"

// DefaultMinLiquidityUSD is the pool depth below which prices are ignored.
var DefaultMinLiquidityUSD = decimal.NewFromInt(5000)

// LimitConfig tunes the limit worker.
type LimitConfig struct {
	Interval        time.Duration
	MinLiquidityUSD decimal.Decimal
}

// LimitWorker evaluates limit orders and price alerts against live prices.
type LimitWorker struct {
	store    *orders.Store
	ledger   Ledger
	locker   *lock.Locker
	prices   market.PriceSource
	notifier Notifier
	cfg      LimitConfig
	log      logrus.FieldLogger
	metrics  *observability.Metrics
}

// NewLimitWorker creates a LimitWorker. notifier may be nil.
func NewLimitWorker(store *orders.Store, ledger Ledger, locker *lock.Locker, prices market.PriceSource, notifier Notifier, cfg LimitConfig, log logrus.FieldLogger, metrics *observability.Metrics) *LimitWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLimitInterval
	}
	if cfg.MinLiquidityUSD.IsZero() {
		cfg.MinLiquidityUSD = DefaultMinLiquidityUSD
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LimitWorker{
		store:    store,
		ledger:   ledger,
		locker:   locker,
		prices:   prices,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithField("worker", workerLimit),
		metrics:  metrics,
	}
}

// Run ticks until ctx is cancelled.
func (w *LimitWorker) Run(ctx context.Context) error {
	return loop(ctx, workerLimit, w.cfg.Interval, w.Tick, w.log, w.metrics)
}

// Tick evaluates every active limit order and alert once. Each mint is
// observed at most once per tick.
func (w *LimitWorker) Tick(ctx context.Context, now time.Time) error {
	prices := make(map[string]*domain.PriceObservation)
	observe := func(mint string) (*domain.PriceObservation, error) {
		if obs, ok := prices[mint]; ok {
			return obs, nil
		}
		obs, err := w.prices.Observe(ctx, mint)
		if err != nil {
			return nil, err
		}
		prices[mint] = obs
		return obs, nil
	}

	limitIDs, err := w.store.ActiveIDs(ctx, domain.OrderTypeLimit)
	if err != nil {
		return err
	}
	for _, id := range limitIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processLimit(ctx, id, now, observe); err != nil {
			w.metrics.RecordSchedulerError(workerLimit)
			w.log.WithError(err).WithField("order_id", id).Warn("limit order not processed")
		}
	}

	alertIDs, err := w.store.ActiveIDs(ctx, domain.OrderTypeAlert)
	if err != nil {
		return err
	}
	for _, id := range alertIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processAlert(ctx, id, now, observe); err != nil {
			w.metrics.RecordSchedulerError(workerLimit)
			w.log.WithError(err).WithField("order_id", id).Warn("price alert not processed")
		}
	}
	return nil
}

func (w *LimitWorker) processLimit(ctx context.Context, id string, now time.Time, observe func(string) (*domain.PriceObservation, error)) error {
	lease, err := w.locker.Acquire(ctx, id, lock.ActionOrder, lock.OrderTTL)
	if errors.Is(err, lock.ErrBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	o, err := w.store.GetLimit(ctx, id)
	if err != nil {
		return err
	}
	if !o.Active {
		return nil
	}

	obs, err := observe(o.Mint)
	if errors.Is(err, market.ErrNoMarket) {
		w.log.WithField("order_id", id).Debug("no market for order mint")
		return nil
	}
	if err != nil {
		return fmt.Errorf("observe %s: %w", o.Mint, err)
	}

	o.LastCheckedAt = now.UTC()
	o.LastPrice = obs.PriceUSD

	if obs.LiquidityUSD.LessThan(w.cfg.MinLiquidityUSD) {
		w.log.WithFields(logrus.Fields{
			"order_id":      id,
			"liquidity_usd": obs.LiquidityUSD.String(),
		}).Debug("liquidity below floor, skipping evaluation")
		return w.store.SaveLimit(ctx, o)
	}

	if Evaluate(o, obs.PriceUSD) {
		o.ConsecutiveHits++
	} else {
		o.ConsecutiveHits = 0
	}
	if o.ConsecutiveHits < o.Debounce {
		return w.store.SaveLimit(ctx, o)
	}
	return w.trigger(ctx, o, now)
}

// Evaluate updates trailing state and reports whether o's condition holds
// at price.
func Evaluate(o *domain.LimitOrder, price decimal.Decimal) bool {
	if o.Kind != domain.LimitKindTrailingStop {
		return o.Condition.Holds(price, o.TargetPrice)
	}
	if price.GreaterThan(o.PeakPrice) {
		o.PeakPrice = price
		return false
	}
	stop := o.PeakPrice.Mul(decimal.NewFromInt(1).Sub(o.TrailPct))
	return price.LessThanOrEqual(stop)
}

// trigger deactivates o and only then trades it, so a failure never fires
// twice.
func (w *LimitWorker) trigger(ctx context.Context, o *domain.LimitOrder, now time.Time) error {
	claimed, err := w.store.Claim(ctx, domain.OrderTypeLimit, o.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	o.Active = false
	o.TriggeredAt = now.UTC()
	o.TradeID = idhash.ComputeIntentID(domain.TradeSourceLimit, o.ID, 0)
	if err := w.store.SaveLimit(ctx, o); err != nil {
		return err
	}

	log := w.log.WithFields(logrus.Fields{"order_id": o.ID, "owner": o.Owner, "trade_id": o.TradeID, "kind": o.Kind})
	w.metrics.RecordTrigger(workerLimit, string(o.Kind))

	side := o.Kind.Side()
	intent := &domain.TradeIntent{
		ID:          o.TradeID,
		Owner:       o.Owner,
		Side:        side,
		InputMint:   domain.WrappedSOLMint,
		OutputMint:  o.Mint,
		Amount:      o.Amount,
		SlippageBps: domain.DefaultSlippageBps,
		Source:      domain.TradeSourceLimit,
		SourceRef:   o.ID,
		CreatedAt:   now.UTC(),
	}
	if side == domain.TradeSideSell {
		intent.InputMint, intent.OutputMint = o.Mint, domain.WrappedSOLMint
	}

	execErr := w.execute(ctx, intent)
	if execErr != nil {
		o.TriggerError = execErr.Error()
		log.WithError(execErr).Warn("limit order trade failed")
	} else {
		log.Info("limit order executed")
	}
	if err := w.store.SaveLimit(ctx, o); err != nil {
		return err
	}

	w.notify(ctx, o.Owner, limitMessage(o, execErr))
	return nil
}

func (w *LimitWorker) execute(ctx context.Context, intent *domain.TradeIntent) error {
	if _, err := w.ledger.Submit(ctx, intent); err != nil && !errors.Is(err, trade.ErrDuplicateIntent) {
		return err
	}
	err := w.ledger.Execute(ctx, intent.ID)
	if errors.Is(err, lock.ErrBusy) {
		if cerr := w.ledger.Cancel(ctx, intent.ID); cerr != nil && !errors.Is(cerr, trade.ErrStateConflict) {
			w.log.WithError(cerr).WithField("trade_id", intent.ID).Warn("busy limit intent not cancelled")
		}
		return fmt.Errorf("trade lock busy: %w", err)
	}
	return err
}

func (w *LimitWorker) processAlert(ctx context.Context, id string, now time.Time, observe func(string) (*domain.PriceObservation, error)) error {
	a, err := w.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if !a.Active {
		return nil
	}
	obs, err := observe(a.Mint)
	if errors.Is(err, market.ErrNoMarket) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("observe %s: %w", a.Mint, err)
	}
	if !a.Condition.Holds(obs.PriceUSD, a.TargetPrice) {
		return nil
	}

	claimed, err := w.store.Claim(ctx, domain.OrderTypeAlert, a.ID)
	if err != nil || !claimed {
		return err
	}
	a.Active = false
	a.TriggeredAt = now.UTC()
	if err := w.store.SaveAlert(ctx, a); err != nil {
		return err
	}
	w.metrics.RecordTrigger(workerLimit, string(domain.OrderTypeAlert))

	op := ">="
	if a.Condition == domain.ConditionLTE {
		op = "<="
	}
	w.notify(ctx, a.Owner, fmt.Sprintf("Price alert: %s reached $%s (%s $%s)",
		shortMint(a.Mint), obs.PriceUSD.String(), op, a.TargetPrice.String()))
	return nil
}

func (w *LimitWorker) notify(ctx context.Context, owner, message string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, owner, message); err != nil {
		w.log.WithError(err).WithField("owner", owner).Warn("notification not delivered")
	}
}

func limitMessage(o *domain.LimitOrder, err error) string {
	if err != nil {
		return fmt.Sprintf("Limit order %s on %s triggered at $%s but the trade failed.",
			o.Kind, shortMint(o.Mint), o.LastPrice.String())
	}
	return fmt.Sprintf("Limit order %s on %s executed at $%s.", o.Kind, shortMint(o.Mint), o.LastPrice.String())
}

func shortMint(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:8] + "..."
}
