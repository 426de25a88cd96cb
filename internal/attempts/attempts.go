// Package attempts counts failed authorization attempts and enforces
// lockouts and command rate windows in the shared store.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solana-custody/internal/observability"
	"solana-custody/internal/storage"
)

var (
	// ErrAuthorizationFailed is returned for a wrong answer, password or code.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrAuthorizationLocked is returned while a layer is locked out.
	ErrAuthorizationLocked = errors.New("authorization locked")
)

// Policy configures one lockout layer.
type Policy struct {
	MaxFailures int           // failures within Window that trigger a lock
	Window      time.Duration // lifetime of the failure counter
	LockFor     time.Duration
}

// DefaultPolicy is 5 failures within 5 minutes locking for 30 minutes.
var DefaultPolicy = Policy{
	MaxFailures: 5,
	Window:      5 * time.Minute,
	LockFor:     30 * time.Minute,
}

// Limiter tracks failures for one named layer. State lives entirely in the
// KV store so every process sees the same counters.
type Limiter struct {
	kv      storage.KV
	layer   string
	policy  Policy
	metrics *observability.Metrics
}

// NewLimiter creates a limiter for layer. A zero policy field takes the default.
func NewLimiter(kv storage.KV, layer string, policy Policy, metrics *observability.Metrics) *Limiter {
	if policy.MaxFailures <= 0 {
		policy.MaxFailures = DefaultPolicy.MaxFailures
	}
	if policy.Window <= 0 {
		policy.Window = DefaultPolicy.Window
	}
	if policy.LockFor <= 0 {
		policy.LockFor = DefaultPolicy.LockFor
	}
	return &Limiter{kv: kv, layer: layer, policy: policy, metrics: metrics}
}

// Layer returns the limiter's layer name.
func (l *Limiter) Layer() string { return l.layer }

func (l *Limiter) counterKey(owner string) string {
	return fmt.Sprintf("auth:%s:fail:%s", l.layer, owner)
}

func (l *Limiter) lockKey(owner string) string {
	return fmt.Sprintf("auth:%s:lock:%s", l.layer, owner)
}

// Locked reports whether owner is locked and for how much longer.
func (l *Limiter) Locked(ctx context.Context, owner string) (bool, time.Duration, error) {
	ttl, err := l.kv.TTL(ctx, l.lockKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read %s lock: %w", l.layer, err)
	}
	return true, ttl, nil
}

// Check returns ErrAuthorizationLocked if owner is currently locked.
func (l *Limiter) Check(ctx context.Context, owner string) error {
	locked, remaining, err := l.Locked(ctx, owner)
	if err != nil {
		return err
	}
	if locked {
		return &LockedError{Layer: l.layer, Remaining: remaining}
	}
	return nil
}

// Fail records one failure. The returned error always matches either
// ErrAuthorizationFailed or, when this failure started a lock,
// ErrAuthorizationLocked.
func (l *Limiter) Fail(ctx context.Context, owner string) error {
	key := l.counterKey(owner)
	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("count %s failure: %w", l.layer, err)
	}
	if n == 1 {
		if err := l.kv.Expire(ctx, key, l.policy.Window); err != nil {
			return fmt.Errorf("expire %s counter: %w", l.layer, err)
		}
	}

	if int(n) < l.policy.MaxFailures {
		l.metrics.RecordAuthFailure(l.layer, false)
		return &FailedError{Layer: l.layer, Remaining: l.policy.MaxFailures - int(n)}
	}

	err = l.kv.Apply(ctx, func(b storage.Batch) {
		b.Set(l.lockKey(owner), "1", l.policy.LockFor)
		b.Del(key)
	})
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.layer, err)
	}
	l.metrics.RecordAuthFailure(l.layer, true)
	return &LockedError{Layer: l.layer, Remaining: l.policy.LockFor}
}

// Reset clears the failure counter after a success.
func (l *Limiter) Reset(ctx context.Context, owner string) error {
	if err := l.kv.Del(ctx, l.counterKey(owner)); err != nil {
		return fmt.Errorf("reset %s counter: %w", l.layer, err)
	}
	return nil
}

// FailedError carries how many attempts remain before a lock.
type FailedError struct {
	Layer     string
	Remaining int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: %s, %d attempts left", ErrAuthorizationFailed, e.Layer, e.Remaining)
}

func (e *FailedError) Unwrap() error { return ErrAuthorizationFailed }

// LockedError carries the remaining lock duration.
type LockedError struct {
	Layer     string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: %s for %s", ErrAuthorizationLocked, e.Layer, e.Remaining.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrAuthorizationLocked }
