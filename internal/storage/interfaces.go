package storage

import (
	"context"
	"time"

	"solana-custody/internal/domain"
)

// KV is the shared key/value store every component coordinates through.
// A TTL of zero means the key does not expire.
type KV interface {
	// Get returns the string value of key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key, replacing any previous value and TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if it does not exist. Reports whether it was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr increments the integer at key, creating it at 1 without expiry.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, zero if it never expires.
	// Returns ErrNotFound if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes member and reports whether it was present. The removal is
	// atomic, so exactly one concurrent caller observes true.
	SRem(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns an empty map when key is absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush prepends values; LRange returns [start, stop] inclusive with
	// negative indexes counted from the tail.
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Apply runs every write queued by fn as one atomic unit.
	Apply(ctx context.Context, fn func(Batch)) error

	// CompareAndSwap replaces key with next only if it currently holds
	// expected. The remaining TTL is kept. Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error)

	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// SetIfMember writes key without expiry only while member belongs to the
	// set at setKey. The check and the write are one atomic step. Reports
	// whether the write happened.
	SetIfMember(ctx context.Context, key, value, setKey, member string) (bool, error)
}

// Batch collects writes for KV.Apply.
type Batch interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	HSet(key string, fields map[string]string)
}

// TradeArchive keeps terminal trade records for history and reporting.
type TradeArchive interface {
	// Archive stores a terminal record with its intent.
	// Returns ErrDuplicateKey if the intent was already archived.
	Archive(ctx context.Context, intent *domain.TradeIntent, rec *domain.TradeRecord) error

	// GetByIntentID returns the archived record. Returns ErrNotFound if absent.
	GetByIntentID(ctx context.Context, intentID string) (*domain.TradeRecord, error)

	// ListByOwner returns up to limit records, newest first.
	ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.TradeRecord, error)
}

// PriceObservationStore records the price samples taken by the limit scheduler.
type PriceObservationStore interface {
	// InsertBulk adds observations. Fails entire batch on duplicate (mint, observed_at).
	InsertBulk(ctx context.Context, obs []*domain.PriceObservation) error

	// GetByTimeRange returns observations for mint within [start, end], ordered by time ASC.
	GetByTimeRange(ctx context.Context, mint string, start, end time.Time) ([]*domain.PriceObservation, error)
}
