package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

// TradeArchive implements storage.TradeArchive using PostgreSQL.
type TradeArchive struct {
	pool *Pool
}

// NewTradeArchive creates a new TradeArchive.
func NewTradeArchive(pool *Pool) *TradeArchive {
	return &TradeArchive{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

// Archive inserts a terminal record. Returns ErrDuplicateKey if intent_id exists.
func (s *TradeArchive) Archive(ctx context.Context, intent *domain.TradeIntent, rec *domain.TradeRecord) error {
	if intent == nil || rec == nil || rec.IntentID != intent.ID || !rec.State.IsTerminal() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_archive (
			intent_id, owner, side, input_mint, output_mint,
			amount, slippage_bps, source, source_ref,
			state, route, signature, error_code, error_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16
		)
	`

	amount := pgtype.Numeric{Int: new(big.Int).SetUint64(intent.Amount), Valid: true}

	_, err := s.pool.Exec(ctx, query,
		intent.ID, intent.Owner, string(intent.Side), intent.InputMint, intent.OutputMint,
		amount, intent.SlippageBps, intent.Source, intent.SourceRef,
		string(rec.State), rec.Route, rec.Signature, rec.ErrorCode, rec.Error,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert archived trade: %w", err)
	}
	return nil
}

// GetByIntentID retrieves an archived record. Returns ErrNotFound if not exists.
func (s *TradeArchive) GetByIntentID(ctx context.Context, intentID string) (*domain.TradeRecord, error) {
	query := `
		SELECT intent_id, owner, state, route, signature, error_code, error_message, created_at, updated_at
		FROM trade_archive
		WHERE intent_id = $1
	`

	row := s.pool.QueryRow(ctx, query, intentID)
	r, err := scanArchivedTrade(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get archived trade: %w", err)
	}
	return r, nil
}

// ListByOwner retrieves up to limit records for owner, newest first.
func (s *TradeArchive) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT intent_id, owner, state, route, signature, error_code, error_message, created_at, updated_at
		FROM trade_archive
		WHERE owner = $1
		ORDER BY updated_at DESC, intent_id ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived trades: %w", err)
	}
	defer rows.Close()

	var result []*domain.TradeRecord
	for rows.Next() {
		r, err := scanArchivedTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived trade row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived trade rows: %w", err)
	}

	return result, nil
}

func scanArchivedTrade(row pgx.Row) (*domain.TradeRecord, error) {
	var r domain.TradeRecord
	var state string

	err := row.Scan(
		&r.IntentID, &r.Owner, &state, &r.Route, &r.Signature,
		&r.ErrorCode, &r.Error, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = domain.TradeState(state)
	return &r, nil
}
