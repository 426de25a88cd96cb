package attempts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solana-custody/internal/storage"
)

// ErrRateLimited is returned when a command exceeds its window budget.
var ErrRateLimited = errors.New("rate limited")

// Rule is a fixed-window budget for one command.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Default command budgets.
var DefaultRules = map[string]Rule{
	"buy":      {Limit: 3, Window: time.Minute},
	"sell":     {Limit: 3, Window: time.Minute},
	"export":   {Limit: 5, Window: time.Minute},
	"wallet":   {Limit: 10, Window: time.Minute},
	"trades":   {Limit: 10, Window: time.Minute},
	"withdraw": {Limit: 10, Window: time.Minute},
}

// RateLimiter enforces fixed-window budgets with INCR + EXPIRE.
type RateLimiter struct {
	kv    storage.KV
	rules map[string]Rule
}

// NewRateLimiter creates a rate limiter. Commands without a rule are unlimited.
func NewRateLimiter(kv storage.KV, rules map[string]Rule) *RateLimiter {
	if rules == nil {
		rules = DefaultRules
	}
	return &RateLimiter{kv: kv, rules: rules}
}

// Allow counts one use of command by owner.
// Returns ErrRateLimited once the window budget is spent.
func (r *RateLimiter) Allow(ctx context.Context, owner, command string) error {
	rule, ok := r.rules[command]
	if !ok {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", command, owner)
	n, err := r.kv.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit %s: %w", command, err)
	}
	if n == 1 {
		if err := r.kv.Expire(ctx, key, rule.Window); err != nil {
			return fmt.Errorf("rate limit %s: %w", command, err)
		}
	}
	if int(n) > rule.Limit {
		return fmt.Errorf("%w: %s", ErrRateLimited, command)
	}
	return nil
}
