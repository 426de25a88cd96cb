// Package balance serves account balances through a short-lived store cache.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
)

// DefaultTTL is how long a fetched balance is served from cache.
const DefaultTTL = 15 * time.Second

func cacheKey(account, mint string) string { return "balance:" + account + ":" + mint }
func indexKey(account string) string       { return "balance:index:" + account }

// Service reads SOL and SPL token balances.
type Service struct {
	rpc solana.RPCClient
	kv  storage.KV
	ttl time.Duration
	log logrus.FieldLogger
}

// New creates a Service. A non-positive ttl selects DefaultTTL.
func New(rpc solana.RPCClient, kv storage.KV, ttl time.Duration, log logrus.FieldLogger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{rpc: rpc, kv: kv, ttl: ttl, log: log.WithField("component", "balance")}
}

// Balance returns the balance of account in mint's smallest unit. The wrapped
// SOL mint reads the native lamport balance.
func (s *Service) Balance(ctx context.Context, account, mint string) (uint64, error) {
	key := cacheKey(account, mint)

	raw, err := s.kv.Get(ctx, key)
	if err == nil {
		if v, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			return v, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.WithError(err).Warn("balance cache read failed")
	}

	var amount uint64
	if mint == domain.WrappedSOLMint {
		amount, err = s.rpc.GetBalance(ctx, account)
	} else {
		amount, err = s.rpc.GetTokenBalance(ctx, account, mint)
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", mint, err)
	}

	err = s.kv.Apply(ctx, func(b storage.Batch) {
		b.Set(key, strconv.FormatUint(amount, 10), s.ttl)
		b.SAdd(indexKey(account), key)
	})
	if err != nil {
		s.log.WithError(err).Warn("balance cache write failed")
	} else if err := s.kv.Expire(ctx, indexKey(account), s.ttl); err != nil {
		s.log.WithError(err).Debug("balance index expiry not set")
	}
	return amount, nil
}

// Invalidate drops every cached balance of account.
func (s *Service) Invalidate(ctx context.Context, account string) error {
	keys, err := s.kv.SMembers(ctx, indexKey(account))
	if err != nil {
		return fmt.Errorf("invalidate balances: %w", err)
	}
	keys = append(keys, indexKey(account))
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate balances: %w", err)
	}
	return nil
}
