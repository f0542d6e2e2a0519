package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantarb/execbot/internal/domain"
)

// InventoryStore implements domain.InventoryStore: periodic projections of
// the fill log so a restart can seed the inventory manager without a full
// replay.
type InventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore creates an InventoryStore backed by the given pool.
func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// SaveSnapshot upserts the instrument's projection at its as-of time.
func (s *InventoryStore) SaveSnapshot(ctx context.Context, state domain.InventoryState) error {
	const query = `
		INSERT INTO inventory_snapshots (
			instrument, as_of, net_position, position_value,
			position_pct, inventory_risk, max_safe, last_venue_seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instrument, as_of) DO UPDATE SET
			net_position = EXCLUDED.net_position,
			position_value = EXCLUDED.position_value,
			position_pct = EXCLUDED.position_pct,
			inventory_risk = EXCLUDED.inventory_risk,
			max_safe = EXCLUDED.max_safe,
			last_venue_seq = EXCLUDED.last_venue_seq`

	_, err := s.pool.Exec(ctx, query,
		state.Instrument, state.AsOf, state.NetPosition, state.PositionValue,
		state.PositionPct, state.InventoryRisk, state.MaxSafePosition, state.LastVenueSeq,
	)
	if err != nil {
		return fmt.Errorf("postgres: save inventory snapshot %s: %w", state.Instrument, err)
	}
	return nil
}

// LatestSnapshots returns the most recent projection per instrument.
func (s *InventoryStore) LatestSnapshots(ctx context.Context) ([]domain.InventoryState, error) {
	const query = `
		SELECT DISTINCT ON (instrument)
			instrument, as_of, net_position, position_value,
			position_pct, inventory_risk, max_safe, last_venue_seq
		FROM inventory_snapshots
		ORDER BY instrument, as_of DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest inventory snapshots: %w", err)
	}
	defer rows.Close()

	var states []domain.InventoryState
	for rows.Next() {
		var st domain.InventoryState
		if err := rows.Scan(
			&st.Instrument, &st.AsOf, &st.NetPosition, &st.PositionValue,
			&st.PositionPct, &st.InventoryRisk, &st.MaxSafePosition, &st.LastVenueSeq,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan inventory snapshot: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: latest inventory snapshots: %w", err)
	}
	return states, nil
}

// Compile-time interface check.
var _ domain.InventoryStore = (*InventoryStore)(nil)
