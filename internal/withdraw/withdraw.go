// Package withdraw moves SOL out of a custody wallet.
//
// A request is parked in PENDING until the owner approves it with a TOTP or
// backup code. Approval runs under the owner's trade lock, so a withdrawal
// never overlaps a swap spending the same balance. States only move forward
// through compare-and-swap on the state key.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/lock"
	"solana-custody/internal/observability"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
)

// Fee is reserved on top of the amount: one signature at the base rate.
const Fee uint64 = 5000

var (
	ErrNoPending           = errors.New("no withdrawal awaiting approval")
	ErrNotFound            = errors.New("withdrawal not found")
	ErrInvalidAmount       = errors.New("withdrawal amount must be positive")
	ErrInvalidDestination  = errors.New("destination must be a wallet address")
	ErrSameWallet          = errors.New("destination is the source wallet")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBroadcastFailed     = errors.New("broadcast failed")

	// ErrStateConflict means another run moved the record first.
	ErrStateConflict = errors.New("withdrawal state conflict")
)

// Wallets resolves and signs for custody wallets.
type Wallets interface {
	Selected(ctx context.Context, owner string) (*domain.Wallet, error)
	Get(ctx context.Context, id string) (*domain.Wallet, error)
	WithSigner(ctx context.Context, w *domain.Wallet, fn func(solana.Signer) error) error
}

// Authenticator checks the owner's second factor.
type Authenticator interface {
	Verify(ctx context.Context, owner, code string) error
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

// Deps are the collaborators of a Service. Metrics may be nil.
type Deps struct {
	KV        storage.KV
	Locker    *lock.Locker
	Wallets   Wallets
	Auth      Authenticator
	Balances  Balances
	RPC       solana.RPCClient
	Confirmer Confirmer
	Metrics   *observability.Metrics
}

// Config tunes the service.
type Config struct {
	LockTTL    time.Duration
	PendingTTL time.Duration
	Retention  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:    lock.TradeTTL,
		PendingTTL: 5 * time.Minute,
		Retention:  7 * 24 * time.Hour,
	}
}

// Service requests and executes withdrawals.
type Service struct {
	Deps
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

// New creates a Service. Zero config fields take their defaults.
func New(deps Deps, cfg Config, log logrus.FieldLogger) *Service {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		Deps: deps,
		cfg:  cfg,
		log:  log.WithField("component", "withdraw"),
		now:  time.Now,
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func stateKey(id string) string      { return "withdraw:state:" + id }
func recordKey(id string) string     { return "withdraw:record:" + id }
func pendingKey(owner string) string { return "withdraw:pending:" + owner }

// Record hash fields.
const (
	fieldOwner     = "owner"
	fieldWalletID  = "wallet_id"
	fieldFrom      = "from"
	fieldTo        = "to"
	fieldLamports  = "lamports"
	fieldSignature = "signature"
	fieldErrorCode = "error_code"
	fieldError     = "error"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// Request validates a withdrawal of lamports from owner's selected wallet to
// to and parks it until Approve. A newer request replaces a pending one.
func (s *Service) Request(ctx context.Context, owner, to string, lamports uint64) (*domain.Withdrawal, error) {
	if lamports == 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := solana.ParseWalletAddress(to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	w, err := s.Wallets.Selected(ctx, owner)
	if err != nil {
		return nil, err
	}
	if w.PublicKey == to {
		return nil, ErrSameWallet
	}

	if err := s.Cancel(ctx, owner); err != nil && !errors.Is(err, ErrNoPending) {
		return nil, err
	}

	now := s.now().UTC()
	wd := &domain.Withdrawal{
		ID:        uuid.NewString(),
		Owner:     owner,
		WalletID:  w.ID,
		From:      w.PublicKey,
		To:        to,
		Lamports:  lamports,
		State:     domain.WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := now.Format(time.RFC3339Nano)
	err = s.KV.Apply(ctx, func(b storage.Batch) {
		b.Set(stateKey(wd.ID), string(wd.State), s.cfg.Retention)
		b.HSet(recordKey(wd.ID), map[string]string{
			fieldOwner:     owner,
			fieldWalletID:  w.ID,
			fieldFrom:      w.PublicKey,
			fieldTo:        to,
			fieldLamports:  strconv.FormatUint(lamports, 10),
			fieldCreatedAt: ts,
			fieldUpdatedAt: ts,
		})
		b.Set(pendingKey(owner), wd.ID, s.cfg.PendingTTL)
	})
	if err != nil {
		return nil, fmt.Errorf("request withdrawal: %w", err)
	}
	if err := s.KV.Expire(ctx, recordKey(wd.ID), s.cfg.Retention); err != nil {
		s.log.WithError(err).WithField("withdrawal_id", wd.ID).Warn("withdrawal record retention not set")
	}

	s.log.WithFields(logrus.Fields{
		"owner":         owner,
		"withdrawal_id": wd.ID,
		"to":            to,
		"lamports":      lamports,
	}).Info("withdrawal requested")
	return wd, nil
}

// Approve checks code and runs the owner's pending withdrawal to a terminal
// state. lock.ErrBusy and a rejected code leave the request pending. Once
// approved, the returned record reports the outcome even when err is set.
func (s *Service) Approve(ctx context.Context, owner, code string) (*domain.Withdrawal, error) {
	var out *domain.Withdrawal
	err := s.Locker.Do(ctx, owner, lock.ActionTrade, s.cfg.LockTTL, func(ctx context.Context) error {
		id, err := s.KV.Get(ctx, pendingKey(owner))
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoPending
		}
		if err != nil {
			return fmt.Errorf("read pending withdrawal: %w", err)
		}
		wd, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return ErrNoPending
		}
		if err != nil {
			return err
		}
		if wd.State != domain.WithdrawalPending {
			return ErrNoPending
		}

		if err := s.Auth.Verify(ctx, owner, code); err != nil {
			return err
		}

		if ok, err := s.KV.CompareAndDelete(ctx, pendingKey(owner), id); err != nil {
			return fmt.Errorf("consume pending withdrawal: %w", err)
		} else if !ok {
			return ErrNoPending
		}

		runErr := s.execute(ctx, wd)
		if rec, err := s.Get(context.WithoutCancel(ctx), id); err == nil {
			out = rec
		}
		return runErr
	})
	return out, err
}

// Cancel drops the owner's pending withdrawal.
func (s *Service) Cancel(ctx context.Context, owner string) error {
	id, err := s.KV.Get(ctx, pendingKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoPending
	}
	if err != nil {
		return fmt.Errorf("read pending withdrawal: %w", err)
	}
	if _, err := s.KV.CompareAndDelete(ctx, pendingKey(owner), id); err != nil {
		return fmt.Errorf("cancel withdrawal: %w", err)
	}

	err = s.transition(ctx, id, domain.WithdrawalPending, domain.WithdrawalCancelled, nil)
	if errors.Is(err, ErrStateConflict) {
		return ErrNoPending
	}
	if err != nil {
		return err
	}
	s.Metrics.RecordWithdrawal(string(domain.WithdrawalCancelled), "")
	s.log.WithFields(logrus.Fields{"owner": owner, "withdrawal_id": id}).Info("withdrawal cancelled")
	return nil
}

// Get loads a withdrawal record.
func (s *Service) Get(ctx context.Context, id string) (*domain.Withdrawal, error) {
	state, err := s.KV.Get(ctx, stateKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal state: %w", err)
	}
	fields, err := s.KV.HGetAll(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("get withdrawal record: %w", err)
	}
	lamports, _ := strconv.ParseUint(fields[fieldLamports], 10, 64)
	return &domain.Withdrawal{
		ID:        id,
		Owner:     fields[fieldOwner],
		WalletID:  fields[fieldWalletID],
		From:      fields[fieldFrom],
		To:        fields[fieldTo],
		Lamports:  lamports,
		State:     domain.WithdrawalState(state),
		Signature: fields[fieldSignature],
		ErrorCode: fields[fieldErrorCode],
		Error:     fields[fieldError],
		CreatedAt: parseTime(fields[fieldCreatedAt]),
		UpdatedAt: parseTime(fields[fieldUpdatedAt]),
	}, nil
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// transition moves id from one state to the next and records fields.
func (s *Service) transition(ctx context.Context, id string, from, to domain.WithdrawalState, fields map[string]string) error {
	swapped, err := s.KV.CompareAndSwap(ctx, stateKey(id), string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition %s->%s: %w", from, to, err)
	}
	if !swapped {
		s.Metrics.RecordStateConflict()
		return fmt.Errorf("%w: %s expected %s", ErrStateConflict, id, from)
	}

	record := map[string]string{fieldUpdatedAt: s.now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		record[k] = v
	}
	if err := s.KV.HSet(ctx, recordKey(id), record); err != nil {
		return fmt.Errorf("record %s: %w", to, err)
	}
	return nil
}
