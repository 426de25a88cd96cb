package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"solana-custody/internal/storage"
)

// casRetries bounds optimistic retries when a watched key changes mid-transaction.
const casRetries = 3

var compareAndDeleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KV implements storage.KV on top of a go-redis client.
type KV struct {
	client goredis.UniversalClient
}

// NewKV wraps an existing client.
func NewKV(client goredis.UniversalClient) *KV {
	return &KV{client: client}
}

// Compile-time interface check.
var _ storage.KV = (*KV)(nil)

func (s *KV) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", mapError(err)
	}
	return v, nil
}

func (s *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", mapError(err))
	}
	return nil
}

func (s *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", mapError(err))
	}
	return ok, nil
}

func (s *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", mapError(err))
	}
	return n, nil
}

func (s *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", mapError(err))
	}
	return nil
}

func (s *KV) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", mapError(err))
	}
	// PTTL replies -2 for a missing key and -1 for a key without expiry.
	switch {
	case d == -2:
		return 0, storage.ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", mapError(err))
	}
	return nil
}

func (s *KV) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", mapError(err))
	}
	return nil
}

func (s *KV) SRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis srem: %w", mapError(err))
	}
	return n == 1, nil
}

func (s *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", mapError(err))
	}
	return members, nil
}

func (s *KV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", mapError(err))
	}
	return ok, nil
}

func (s *KV) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, hashArgs(fields)...).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", mapError(err))
	}
	return nil
}

func (s *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", mapError(err))
	}
	return m, nil
}

func (s *KV) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.client.LPush(ctx, key, toArgs(values)...).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", mapError(err))
	}
	return nil
}

func (s *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", mapError(err))
	}
	return vals, nil
}

// Apply queues fn's writes into a MULTI/EXEC transaction.
func (s *KV) Apply(ctx context.Context, fn func(storage.Batch)) error {
	b := &pipeBatch{}
	fn(b)
	if len(b.ops) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis multi: %w", mapError(err))
	}
	return nil
}

// CompareAndSwap uses WATCH/MULTI so the write only lands if key is unchanged
// since it was read.
func (s *KV) CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error) {
	var swapped bool
	txf := func(tx *goredis.Tx) error {
		swapped = false
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != expected {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, key, next, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return swapped, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("redis compare-and-swap: %w", mapError(err))
	}
	return false, nil
}

func (s *KV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete: %w", mapError(err))
	}
	return n == 1, nil
}

// SetIfMember watches setKey so a concurrent SREM aborts the write.
func (s *KV) SetIfMember(ctx context.Context, key, value, setKey, member string) (bool, error) {
	var written bool
	txf := func(tx *goredis.Tx) error {
		written = false
		ok, err := tx.SIsMember(ctx, setKey, member).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, setKey)
		if err == nil {
			return written, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("redis set-if-member: %w", mapError(err))
	}
	return false, nil
}

type pipeBatch struct {
	ops []func(ctx context.Context, pipe goredis.Pipeliner)
}

func (b *pipeBatch) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func(ctx context.Context, pipe goredis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
}

func (b *pipeBatch) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe goredis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}

func (b *pipeBatch) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe goredis.Pipeliner) {
		pipe.SAdd(ctx, key, toArgs(members)...)
	})
}

func (b *pipeBatch) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe goredis.Pipeliner) {
		pipe.SRem(ctx, key, toArgs(members)...)
	})
}

func (b *pipeBatch) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe goredis.Pipeliner) {
		pipe.HSet(ctx, key, hashArgs(fields)...)
	})
}

func toArgs(vals []string) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func hashArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
