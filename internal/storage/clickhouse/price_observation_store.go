package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

// PriceObservationStore implements storage.PriceObservationStore using ClickHouse.
// Prices are stored as decimal strings so no precision is lost.
type PriceObservationStore struct {
	conn *Conn
}

// NewPriceObservationStore creates a new PriceObservationStore.
func NewPriceObservationStore(conn *Conn) *PriceObservationStore {
	return &PriceObservationStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceObservationStore = (*PriceObservationStore)(nil)

// InsertBulk adds observations. Fails entire batch on duplicate (mint, observed_at_ms).
func (s *PriceObservationStore) InsertBulk(ctx context.Context, obs []*domain.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}

	type key struct {
		mint string
		ms   int64
	}
	seen := make(map[key]struct{}, len(obs))
	for _, o := range obs {
		if o == nil || o.Mint == "" {
			return storage.ErrInvalidInput
		}
		k := key{o.Mint, o.ObservedAt.UnixMilli()}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// MergeTree does not enforce uniqueness, so check existing rows first.
	for _, o := range obs {
		exists, err := s.exists(ctx, o.Mint, o.ObservedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_observations (
			mint, observed_at_ms, price_usd, liquidity_usd, source
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, o := range obs {
		err = batch.Append(
			o.Mint, uint64(o.ObservedAt.UnixMilli()),
			o.PriceUSD.String(), o.LiquidityUSD.String(), o.Source,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByTimeRange retrieves observations for mint within [start, end] (inclusive).
func (s *PriceObservationStore) GetByTimeRange(ctx context.Context, mint string, start, end time.Time) ([]*domain.PriceObservation, error) {
	query := `
		SELECT mint, observed_at_ms, price_usd, liquidity_usd, source
		FROM price_observations
		WHERE mint = ? AND observed_at_ms >= ? AND observed_at_ms <= ?
		ORDER BY observed_at_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, mint, uint64(start.UnixMilli()), uint64(end.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanPriceObservations(rows)
}

func (s *PriceObservationStore) exists(ctx context.Context, mint string, observedAtMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM price_observations
		WHERE mint = ? AND observed_at_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, mint, uint64(observedAtMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanPriceObservations(rows driver.Rows) ([]*domain.PriceObservation, error) {
	var result []*domain.PriceObservation

	for rows.Next() {
		var o domain.PriceObservation
		var observedAtMs uint64
		var price, liquidity string

		if err := rows.Scan(&o.Mint, &observedAtMs, &price, &liquidity, &o.Source); err != nil {
			return nil, fmt.Errorf("scan price observation row: %w", err)
		}

		var err error
		if o.PriceUSD, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if o.LiquidityUSD, err = decimal.NewFromString(liquidity); err != nil {
			return nil, fmt.Errorf("parse liquidity %q: %w", liquidity, err)
		}
		o.ObservedAt = time.UnixMilli(int64(observedAtMs)).UTC()
		result = append(result, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price observation rows: %w", err)
	}

	return result, nil
}
