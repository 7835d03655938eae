package admin

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Limits mirrors the singleton `limits` row: the operator-tunable bet
// bounds, solvency factor, and pause/emergency flags.
type Limits struct {
	MinStake             decimal.Decimal
	MaxStake             decimal.Decimal
	CapMult              decimal.Decimal
	LiabilityFactor      decimal.Decimal
	PerPlayerCooldownMS  int64
	RoundCap             int
	Paused               bool
	Emergency            bool
}

// LimitsStore owns the singleton `limits` row read at startup and mutated
// through the admin surface.
type LimitsStore struct {
	pool *pgxpool.Pool
}

func NewLimitsStore(pool *pgxpool.Pool) *LimitsStore {
	return &LimitsStore{pool: pool}
}

func (s *LimitsStore) Get(ctx context.Context) (*Limits, error) {
	var l Limits
	err := s.pool.QueryRow(ctx, `
		SELECT min_stake, max_stake, cap_mult, liability_factor,
		       per_player_cooldown_ms, round_cap, paused, emergency
		FROM limits WHERE id = true`,
	).Scan(&l.MinStake, &l.MaxStake, &l.CapMult, &l.LiabilityFactor,
		&l.PerPlayerCooldownMS, &l.RoundCap, &l.Paused, &l.Emergency)
	if err != nil {
		return nil, fmt.Errorf("admin: get limits: %w", err)
	}
	return &l, nil
}

// Update persists a full replacement of the editable bounds; paused and
// emergency are not written here. Emergency is set by the ledger
// reconciler; paused is written only by SetPaused, which the pause/resume
// handlers do not call (they pause the engine in memory).
func (s *LimitsStore) Update(ctx context.Context, l Limits) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE limits SET
			min_stake = $1, max_stake = $2, cap_mult = $3, liability_factor = $4,
			per_player_cooldown_ms = $5, round_cap = $6
		WHERE id = true`,
		l.MinStake, l.MaxStake, l.CapMult, l.LiabilityFactor, l.PerPlayerCooldownMS, l.RoundCap)
	if err != nil {
		return fmt.Errorf("admin: update limits: %w", err)
	}
	return nil
}

func (s *LimitsStore) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE limits SET paused = $1 WHERE id = true`, paused)
	if err != nil {
		return fmt.Errorf("admin: set paused: %w", err)
	}
	return nil
}
