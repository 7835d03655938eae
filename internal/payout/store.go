package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store owns the withdrawals queue table. internal/ledger.Store owns the
// balance-side debit (DebitWithdrawAtomic); this store owns the on-chain
// dispatch side, joined by the withdrawal's id/client_id.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts a new queued withdrawal after the caller has already
// debited the account via internal/ledger.DebitWithdrawAtomic. Returns the
// generated withdrawal id.
func (s *Store) Enqueue(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals (id, address, amount, status)
		VALUES ($1, $2, $3, $4)`,
		id, address, amount, StatusPending)
	if err != nil {
		return "", fmt.Errorf("payout: enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext atomically marks and returns the oldest withdrawal ready for
// dispatch — either never-attempted (status=pending) or a retry whose
// backoff has elapsed (status=failed, attempts < maxAttempts, next_retry_at
// <= now) — moving it to status=claimed in the same statement. The inner
// FOR UPDATE SKIP LOCKED plus the outer UPDATE makes this safe even if more
// than one dispatcher process is ever run, though only one worker is
// intended to run at a time.
func (s *Store) ClaimNext(ctx context.Context, maxAttempts int) (*Withdrawal, error) {
	var w Withdrawal
	err := s.pool.QueryRow(ctx, `
		UPDATE withdrawals SET status = $2, updated_at = now()
		WHERE id = (
			SELECT id FROM withdrawals
			WHERE (status = $3)
			   OR (status = $4 AND attempts < $1 AND (next_retry_at IS NULL OR next_retry_at <= now()))
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, address, amount, status, COALESCE(tx_hash, ''), attempts`,
		maxAttempts, StatusClaimed, StatusPending, StatusFailed,
	).Scan(&w.ID, &w.Address, &w.Amount, &w.Status, &w.TxHash, &w.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("payout: claim next: %w", err)
	}
	return &w, nil
}

func (s *Store) MarkBroadcast(ctx context.Context, id, txHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE withdrawals SET status = $1, tx_hash = $2, attempts = attempts + 1, updated_at = now() WHERE id = $3`,
		StatusBroadcast, txHash, id)
	if err != nil {
		return fmt.Errorf("payout: mark broadcast: %w", err)
	}
	return nil
}

func (s *Store) MarkConfirmed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE withdrawals SET status = $1, updated_at = now() WHERE id = $2`, StatusConfirmed, id)
	if err != nil {
		return fmt.Errorf("payout: mark confirmed: %w", err)
	}
	return nil
}

// MarkRetry records a dispatch/confirmation failure and schedules the next
// attempt after delay.
func (s *Store) MarkRetry(ctx context.Context, id string, delay time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE withdrawals SET status = $1, attempts = attempts + 1, next_retry_at = $2, updated_at = now() WHERE id = $3`,
		StatusFailed, time.Now().Add(delay), id)
	if err != nil {
		return fmt.Errorf("payout: mark retry: %w", err)
	}
	return nil
}

// MarkRefunded flips the row once a compensating ledger adjustment has been
// posted for an exhausted-retries withdrawal.
func (s *Store) MarkRefunded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE withdrawals SET status = $1, updated_at = now() WHERE id = $2`, StatusRefunded, id)
	if err != nil {
		return fmt.Errorf("payout: mark refunded: %w", err)
	}
	return nil
}

// PendingAndBroadcast returns withdrawals still awaiting confirmation, used
// by the dispatcher's receipt-polling pass.
func (s *Store) PendingAndBroadcast(ctx context.Context) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, amount, status, COALESCE(tx_hash, ''), attempts
		FROM withdrawals WHERE status = $1`, StatusBroadcast)
	if err != nil {
		return nil, fmt.Errorf("payout: query broadcast: %w", err)
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.Address, &w.Amount, &w.Status, &w.TxHash, &w.Attempts); err != nil {
			return nil, fmt.Errorf("payout: scan broadcast: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
