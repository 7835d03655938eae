package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoundStore persists round and bet rows. Ledger effects (stake debits,
// win/loss settlement) go through internal/ledger separately and
// immediately; this store only durably records the round/bet shape for
// history, proof verification, and resync after a crash.
type RoundStore struct {
	pool *pgxpool.Pool
}

func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// InsertBettingRound writes the round row the instant betting opens: only
// the commitment is known, seed and crash point stay null until reveal.
func (s *RoundStore) InsertBettingRound(ctx context.Context, r *Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, commit_hash, status, started_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.CommitHash, string(RoundBetting), r.StartedAt)
	if err != nil {
		return fmt.Errorf("engine: insert betting round: %w", err)
	}
	return nil
}

// GetRound fetches a single round row by id, including its reveal once
// settled, for the public proof endpoint.
func (s *RoundStore) GetRound(ctx context.Context, roundID string) (*Round, error) {
	var r Round
	var serverSeed, clientEntropy *string
	var crashPointPPM *int64
	var settledAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, commit_hash, server_seed, client_entropy, crash_point_ppm, status, started_at, settled_at
		FROM rounds WHERE id = $1`, roundID,
	).Scan(&r.ID, &r.CommitHash, &serverSeed, &clientEntropy, &crashPointPPM, &r.Status, &r.StartedAt, &settledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("engine: get round: %w", err)
	}
	if serverSeed != nil {
		r.ServerSeed = *serverSeed
	}
	if clientEntropy != nil {
		r.ClientEntropy = *clientEntropy
	}
	if crashPointPPM != nil {
		r.CrashPointPPM = *crashPointPPM
	}
	r.SettledAt = settledAt
	return &r, nil
}

// MarkRunning flips a round's persisted status to running.
func (s *RoundStore) MarkRunning(ctx context.Context, roundID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET status = $1 WHERE id = $2`, string(RoundRunning), roundID)
	if err != nil {
		return fmt.Errorf("engine: mark round running: %w", err)
	}
	return nil
}

// SettleRound writes the reveal and every bet placed this round in one
// transaction, per the lifecycle rule that bets persist alongside their
// sealed round.
func (s *RoundStore) SettleRound(ctx context.Context, r *Round, bets []*Bet) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("engine: settle round begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE rounds
		SET server_seed = $1, client_entropy = $2, crash_point_ppm = $3, status = $4, settled_at = $5
		WHERE id = $6`,
		r.ServerSeed, r.ClientEntropy, r.CrashPointPPM, string(RoundSettled), r.SettledAt, r.ID)
	if err != nil {
		return fmt.Errorf("engine: settle round update: %w", err)
	}

	for _, bet := range bets {
		var cashoutPPM any
		if bet.CashoutPPM != nil {
			cashoutPPM = *bet.CashoutPPM
		}
		var autoCashoutPPM any
		if bet.AutoCashoutPPM != nil {
			autoCashoutPPM = *bet.AutoCashoutPPM
		}
		var fundingTxHash any
		if bet.FundingTxHash != "" {
			fundingTxHash = bet.FundingTxHash
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bets
				(id, round_id, player, stake, bet_type, funding_tx_hash, auto_cashout_ppm,
				 cashout_ppm, payout, status, placed_at, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			bet.ID, bet.RoundID, bet.Player, bet.Stake, string(bet.Type), fundingTxHash, autoCashoutPPM,
			cashoutPPM, bet.Payout, string(bet.Status), bet.PlacedAt, bet.SettledAt)
		if err != nil {
			return fmt.Errorf("engine: settle round insert bet %s: %w", bet.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("engine: settle round commit: %w", err)
	}
	return nil
}
