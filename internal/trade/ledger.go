// Package trade executes swap intents through a forward-only state machine
// kept in the shared store.
//
// Every transition is a compare-and-swap on trade:state:<id>. A failed swap
// means another execution owns the record; the loser stops without side
// effects. The signature is recorded in the same step that moves the record
// to SENT, so a transaction is broadcast at most once per intent.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/lock"
	"solana-custody/internal/observability"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
)

// Router quotes routes and builds unsigned swap transactions.
type Router interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*domain.Route, error)
	BuildSwap(ctx context.Context, route *domain.Route, userPubkey string) (string, error)
}

// Wallets resolves the signing wallet of an owner.
type Wallets interface {
	Selected(ctx context.Context, owner string) (*domain.Wallet, error)
	WithSigner(ctx context.Context, w *domain.Wallet, fn func(solana.Signer) error) error
}

// Balances reads and invalidates cached balances.
type Balances interface {
	Balance(ctx context.Context, account, mint string) (uint64, error)
	Invalidate(ctx context.Context, account string) error
}

// Confirmer waits for a broadcast transaction to land.
type Confirmer interface {
	Await(ctx context.Context, signature string) error
}

// Config tunes execution.
type Config struct {
	LockTTL         time.Duration
	SendAttempts    int
	SendBackoff     time.Duration
	MaxManualBuy    uint64        // lamports; 0 disables the cap
	MaxSlippageBps  int
	RecordRetention time.Duration // live keys kept after archiving
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:         lock.TradeTTL,
		SendAttempts:    3,
		SendBackoff:     500 * time.Millisecond,
		MaxManualBuy:    domain.MaxManualBuySOL * domain.LamportsPerSOL,
		MaxSlippageBps:  5000,
		RecordRetention: 7 * 24 * time.Hour,
	}
}

// Deps are the collaborators of a Ledger. Archive and Metrics may be nil.
type Deps struct {
	KV        storage.KV
	Locker    *lock.Locker
	Wallets   Wallets
	Balances  Balances
	Router    Router
	RPC       solana.RPCClient
	Confirmer Confirmer
	Archive   storage.TradeArchive
	Metrics   *observability.Metrics
}

// Ledger submits and executes trade intents.
type Ledger struct {
	Deps
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

// New creates a Ledger.
func New(deps Deps, cfg Config, log logrus.FieldLogger) *Ledger {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = def.SendAttempts
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = def.SendBackoff
	}
	if cfg.MaxSlippageBps <= 0 {
		cfg.MaxSlippageBps = def.MaxSlippageBps
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		Deps: deps,
		cfg:  cfg,
		log:  log.WithField("component", "trade"),
		now:  time.Now,
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func intentKey(id string) string    { return "trade:intent:" + id }
func stateKey(id string) string     { return "trade:state:" + id }
func recordKey(id string) string    { return "trade:record:" + id }
func ownerIndexKey(o string) string { return "trades:" + o }

func stateTimeField(s domain.TradeState) string { return "at:" + string(s) }

// Record hash fields.
const (
	fieldOwner     = "owner"
	fieldRoute     = "route"
	fieldSignature = "signature"
	fieldErrorCode = "error_code"
	fieldError     = "error"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// Submit persists intent in INIT. An empty ID is assigned; a repeated ID
// returns ErrDuplicateIntent and leaves the first submission untouched.
func (l *Ledger) Submit(ctx context.Context, intent *domain.TradeIntent) (string, error) {
	if intent == nil || intent.Owner == "" || intent.Amount == 0 || intent.InputMint == "" || intent.OutputMint == "" {
		return "", ErrInvalidIntent
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = l.now().UTC()
	}
	if intent.SlippageBps == 0 {
		intent.SlippageBps = domain.DefaultSlippageBps
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	ok, err := l.KV.SetNX(ctx, intentKey(intent.ID), string(data), 0)
	if err != nil {
		return "", fmt.Errorf("submit intent: %w", err)
	}
	if !ok {
		return "", ErrDuplicateIntent
	}

	ts := intent.CreatedAt.Format(time.RFC3339Nano)
	record := map[string]string{
		fieldOwner:     intent.Owner,
		fieldCreatedAt: ts,
		fieldUpdatedAt: ts,
	}
	record[stateTimeField(domain.TradeStateInit)] = ts
	err = l.KV.Apply(ctx, func(b storage.Batch) {
		b.Set(stateKey(intent.ID), string(domain.TradeStateInit), 0)
		b.HSet(recordKey(intent.ID), record)
	})
	if err != nil {
		return "", fmt.Errorf("submit intent: %w", err)
	}
	if err := l.KV.LPush(ctx, ownerIndexKey(intent.Owner), intent.ID); err != nil {
		return "", fmt.Errorf("index intent: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"owner":    intent.Owner,
		"trade_id": intent.ID,
		"source":   intent.Source,
		"side":     intent.Side,
	}).Info("trade submitted")
	return intent.ID, nil
}

// Intent loads the immutable intent.
func (l *Ledger) Intent(ctx context.Context, id string) (*domain.TradeIntent, error) {
	raw, err := l.KV.Get(ctx, intentKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	var intent domain.TradeIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", id, err)
	}
	return &intent, nil
}

// Get returns the execution record, falling back to the archive once the
// live keys have expired.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.TradeRecord, error) {
	state, err := l.KV.Get(ctx, stateKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		if l.Archive != nil {
			rec, aerr := l.Archive.GetByIntentID(ctx, id)
			if aerr == nil {
				return rec, nil
			}
			if !errors.Is(aerr, storage.ErrNotFound) {
				return nil, fmt.Errorf("get archived trade: %w", aerr)
			}
		}
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade state: %w", err)
	}

	fields, err := l.KV.HGetAll(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("get trade record: %w", err)
	}

	rec := &domain.TradeRecord{
		IntentID:   id,
		Owner:      fields[fieldOwner],
		State:      domain.TradeState(state),
		Route:      fields[fieldRoute],
		Signature:  fields[fieldSignature],
		ErrorCode:  fields[fieldErrorCode],
		Error:      fields[fieldError],
		CreatedAt:  parseTime(fields[fieldCreatedAt]),
		UpdatedAt:  parseTime(fields[fieldUpdatedAt]),
		StateTimes: make(map[domain.TradeState]time.Time),
	}
	for k, v := range fields {
		if s, ok := strings.CutPrefix(k, "at:"); ok {
			rec.StateTimes[domain.TradeState(s)] = parseTime(v)
		}
	}
	return rec, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ListByOwner returns up to limit of the owner's most recent records.
func (l *Ledger) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := l.KV.LRange(ctx, ownerIndexKey(owner), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	out := make([]*domain.TradeRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := l.Get(ctx, id)
		if errors.Is(err, ErrIntentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Cancel fails an intent that never started. It returns ErrStateConflict
// when the intent is already past INIT.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	intent, err := l.Intent(ctx, id)
	if err != nil {
		return err
	}
	err = l.transition(ctx, id, domain.TradeStateInit, domain.TradeStateFailed, map[string]string{
		fieldErrorCode: domain.TradeErrCancelled,
		fieldError:     "cancelled before execution",
	})
	if err != nil {
		return err
	}
	l.finish(ctx, intent, domain.TradeStateFailed, domain.TradeErrCancelled)
	return nil
}

// transition moves id from one state to the next and records fields.
func (l *Ledger) transition(ctx context.Context, id string, from, to domain.TradeState, fields map[string]string) error {
	swapped, err := l.KV.CompareAndSwap(ctx, stateKey(id), string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition %s->%s: %w", from, to, err)
	}
	if !swapped {
		l.Metrics.RecordStateConflict()
		return fmt.Errorf("%w: %s expected %s", ErrStateConflict, id, from)
	}

	ts := l.now().UTC().Format(time.RFC3339Nano)
	record := map[string]string{
		fieldUpdatedAt:     ts,
		stateTimeField(to): ts,
	}
	for k, v := range fields {
		record[k] = v
	}
	if err := l.KV.HSet(ctx, recordKey(id), record); err != nil {
		return fmt.Errorf("record %s: %w", to, err)
	}
	return nil
}

// finish archives a terminal record and emits metrics. Archive failures are
// logged; the live record stays authoritative.
func (l *Ledger) finish(ctx context.Context, intent *domain.TradeIntent, state domain.TradeState, code string) {
	l.Metrics.RecordTradeTerminal(string(state), code, l.now().Sub(intent.CreatedAt))

	if l.Archive == nil {
		return
	}
	rec, err := l.Get(ctx, intent.ID)
	if err != nil {
		l.log.WithError(err).WithField("trade_id", intent.ID).Warn("trade not archived")
		return
	}
	err = l.Archive.Archive(ctx, intent, rec)
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		l.log.WithError(err).WithField("trade_id", intent.ID).Warn("trade not archived")
		return
	}
	if l.cfg.RecordRetention > 0 {
		for _, k := range []string{stateKey(intent.ID), recordKey(intent.ID)} {
			if err := l.KV.Expire(ctx, k, l.cfg.RecordRetention); err != nil {
				l.log.WithError(err).WithField("trade_id", intent.ID).Debug("retention not set")
			}
		}
	}
}
