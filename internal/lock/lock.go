// Package lock serializes sensitive per-owner actions through the shared store.
//
// A lease is a key lock:<owner>:<action> holding a random token with a TTL.
// There is no heartbeat: a holder that outlives its TTL may overlap with the
// next holder, so TTLs must exceed the worst-case duration of the action.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/observability"
	"solana-custody/internal/storage"
)

// Well-known actions and their default TTLs.
const (
	ActionTrade  = "trade"
	ActionExport = "export"
	ActionOrder  = "order"

	TradeTTL  = 90 * time.Second
	ExportTTL = 30 * time.Second
	OrderTTL  = 60 * time.Second
)

// ErrBusy is returned when another holder owns the lock. It is an expected
// outcome, not a failure.
var ErrBusy = errors.New("lock busy")

// Locker hands out leases.
type Locker struct {
	kv      storage.KV
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// New creates a Locker.
func New(kv storage.KV, log logrus.FieldLogger, metrics *observability.Metrics) *Locker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{kv: kv, log: log, metrics: metrics}
}

// Lease is a held lock. Release it exactly once; extra calls are no-ops.
type Lease struct {
	kv    storage.KV
	key   string
	token string
	log   logrus.FieldLogger
}

// Key builds the store key for owner and action.
func Key(owner, action string) string {
	return fmt.Sprintf("lock:%s:%s", owner, action)
}

// Acquire takes the lock for ttl or returns ErrBusy.
func (l *Locker) Acquire(ctx context.Context, owner, action string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", action)
	}

	key := Key(owner, action)
	token := uuid.NewString()

	ok, err := l.kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	l.metrics.RecordLock(action, ok)
	if !ok {
		return nil, ErrBusy
	}

	return &Lease{kv: l.kv, key: key, token: token, log: l.log}, nil
}

// Do runs fn while holding the lock.
func (l *Locker) Do(ctx context.Context, owner, action string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, owner, action, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Release deletes the key if it still holds this lease's token.
// A lease that already expired, or was taken over, is left alone.
func (s *Lease) Release(ctx context.Context) {
	if s == nil {
		return
	}
	released, err := s.kv.CompareAndDelete(ctx, s.key, s.token)
	if err != nil {
		s.log.WithError(err).WithField("lock", s.key).Warn("lock release failed; key will expire")
		return
	}
	if !released {
		s.log.WithField("lock", s.key).Debug("lock already expired or taken over")
	}
}

// Key returns the store key of the lease.
func (s *Lease) Key() string { return s.key }
