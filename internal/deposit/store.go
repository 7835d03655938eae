package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the indexer's confirmation cursor and per-deposit rows,
// separately from internal/ledger (which owns the authoritative balance
// mutation). The two are written in separate statements rather than a
// single cross-package transaction, mirroring how the ledger's own atomic
// primitives are the only writers of the accounts/ledger tables.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Cursor returns the last block number the indexer has fully processed.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.pool.QueryRow(ctx, `SELECT block_number FROM deposit_cursor WHERE id = true`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("deposit: read cursor: %w", err)
	}
	return n, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, blockNumber uint64) error {
	_, err := s.pool.Exec(ctx, `UPDATE deposit_cursor SET block_number = $1 WHERE id = true`, blockNumber)
	if err != nil {
		return fmt.Errorf("deposit: advance cursor: %w", err)
	}
	return nil
}

// RecordSeen inserts a deposit row the first time a transfer is observed.
// A conflict on the (tx_hash, log_index) primary key means a prior
// push/poll cycle already recorded it; that is not an error.
func (s *Store) RecordSeen(ctx context.Context, d Deposit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (tx_hash, log_index, address, amount, block_number)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		d.TxHash, d.LogIndex, d.Address, d.Amount, d.BlockNumber)
	if err != nil {
		return fmt.Errorf("deposit: record seen: %w", err)
	}
	return nil
}

func (s *Store) MarkCredited(ctx context.Context, txHash string, logIndex int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE deposits SET credited_at = now() WHERE tx_hash = $1 AND log_index = $2`,
		txHash, logIndex)
	if err != nil {
		return fmt.Errorf("deposit: mark credited: %w", err)
	}
	return nil
}

func (s *Store) MarkOrphaned(ctx context.Context, txHash string, logIndex int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE deposits SET orphaned_at = now() WHERE tx_hash = $1 AND log_index = $2`,
		txHash, logIndex)
	if err != nil {
		return fmt.Errorf("deposit: mark orphaned: %w", err)
	}
	return nil
}

// UncreditedBelow returns deposits observed at or below maxBlock that have
// not yet been credited or orphaned — the candidates for confirmation this
// cycle.
func (s *Store) UncreditedBelow(ctx context.Context, maxBlock uint64) ([]Deposit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, address, amount, block_number
		FROM deposits
		WHERE block_number <= $1 AND credited_at IS NULL AND orphaned_at IS NULL
		ORDER BY block_number`, maxBlock)
	if err != nil {
		return nil, fmt.Errorf("deposit: query uncredited: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		var d Deposit
		if err := rows.Scan(&d.TxHash, &d.LogIndex, &d.Address, &d.Amount, &d.BlockNumber); err != nil {
			return nil, fmt.Errorf("deposit: scan uncredited: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReorgCheckRange returns not-yet-orphaned deposits in [fromBlock, toBlock]
// — the window that has passed confirmation depth but not yet reorg-safe
// depth, and so must be re-verified against the canonical chain before the
// cursor is allowed to advance past it.
func (s *Store) ReorgCheckRange(ctx context.Context, fromBlock, toBlock uint64) ([]Deposit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, address, amount, block_number, credited_at IS NOT NULL
		FROM deposits
		WHERE block_number BETWEEN $1 AND $2 AND orphaned_at IS NULL
		ORDER BY block_number`, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("deposit: query reorg range: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		var d Deposit
		if err := rows.Scan(&d.TxHash, &d.LogIndex, &d.Address, &d.Amount, &d.BlockNumber, &d.Credited); err != nil {
			return nil, fmt.Errorf("deposit: scan reorg range: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreditedFundingTx looks up a credited deposit by tx hash for onchain-bet
// verification. Returns pgx.ErrNoRows (unwrapped) when absent, which callers
// treat as "not yet confirmed" rather than "will never exist".
func (s *Store) CreditedFundingTx(ctx context.Context, txHash string) (*Deposit, error) {
	var d Deposit
	err := s.pool.QueryRow(ctx, `
		SELECT tx_hash, log_index, address, amount, block_number
		FROM deposits
		WHERE tx_hash = $1 AND credited_at IS NOT NULL
		ORDER BY log_index LIMIT 1`, txHash,
	).Scan(&d.TxHash, &d.LogIndex, &d.Address, &d.Amount, &d.BlockNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("deposit: lookup funding tx: %w", err)
	}
	return &d, nil
}
