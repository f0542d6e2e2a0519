package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantarb/execbot/internal/domain"
)

// FillStore implements domain.FillStore: an append-only log of
// venue-confirmed fills, unique on (instrument, venue_seq).
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Append records one fill. A fill already recorded for the same instrument
// and venue sequence returns domain.ErrDuplicateFill.
func (s *FillStore) Append(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (id, instrument, signed_qty, price, venue_seq, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.Instrument, fill.SignedQty, fill.Price, fill.VenueSeq, fill.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 is unique_violation.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateFill
		}
		return fmt.Errorf("postgres: append fill %s: %w", fill.ID, err)
	}
	return nil
}

// ListByInstrument returns the instrument's fills in venue-sequence order,
// for replaying inventory after a restart.
func (s *FillStore) ListByInstrument(ctx context.Context, instrument string) ([]domain.Fill, error) {
	const query = `
		SELECT id, instrument, signed_qty, price, venue_seq, filled_at
		FROM fills
		WHERE instrument = $1
		ORDER BY venue_seq ASC`

	rows, err := s.pool.Query(ctx, query, instrument)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for %s: %w", instrument, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for %s: %w", instrument, err)
	}
	return fills, nil
}

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(
			&f.ID, &f.Instrument, &f.SignedQty, &f.Price, &f.VenueSeq, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Compile-time interface check.
var _ domain.FillStore = (*FillStore)(nil)
