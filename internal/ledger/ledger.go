// Package ledger is the double-entry ledger store: every balance change is
// a row in an append-only table, applied through single-transaction atomic
// primitives with row-level locking, so concurrent bets and payouts never
// race each other into an inconsistent balance.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashcore/internal/apperr"
)

// HouseAddress is the operator's internal counterparty account. It is
// seeded by the initial migration and never blocked by solvency checks.
const HouseAddress = "house"

const pgUniqueViolation = "23505"

// Balances is the post-operation account snapshot returned by the mutating
// primitives.
type Balances struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Store exposes the ledger's atomic primitives over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pool. The pool's lifecycle is owned by
// internal/database; Store never closes it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func refJSON(clientID string, extra map[string]any) ([]byte, error) {
	m := map[string]any{"client_id": clientID}
	for k, v := range extra {
		m[k] = v
	}
	return json.Marshal(m)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func ensureAccount(ctx context.Context, tx pgx.Tx, address string) error {
	_, err := tx.Exec(ctx, `INSERT INTO accounts (address) VALUES ($1) ON CONFLICT DO NOTHING`, address)
	if err != nil {
		return fmt.Errorf("ledger: ensure account %s: %w", address, err)
	}
	return nil
}

// lockAccount selects the account row FOR UPDATE, returning current
// available/locked, and creating the row first if it does not yet exist
// (accounts are created lazily on first credit).
func lockAccount(ctx context.Context, tx pgx.Tx, address string) (decimal.Decimal, decimal.Decimal, error) {
	if err := ensureAccount(ctx, tx, address); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var available, locked decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT available, locked FROM accounts WHERE address = $1 FOR UPDATE`, address,
	).Scan(&available, &locked)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: lock account %s: %w", address, err)
	}
	return available, locked, nil
}

func insertLedgerRow(ctx context.Context, tx pgx.Tx, account, opType string, amount decimal.Decimal, ref []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger (account_ref, op_type, amount, ref) VALUES ($1, $2, $3, $4)`,
		account, opType, amount, ref)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Duplicate, "ledger entry already recorded for this client_id")
		}
		return fmt.Errorf("ledger: insert %s row: %w", opType, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// PlaceBetAtomic moves amount from account.available to account.locked and
// records a bet_stake row, keyed by clientID for idempotency.
func (s *Store) PlaceBetAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) (*Balances, error) {
	var out Balances
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		available, locked, err := lockAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		if available.LessThan(amount) {
			return apperr.New(apperr.InsufficientFund, "insufficient available balance")
		}

		newAvailable := available.Sub(amount)
		newLocked := locked.Add(amount)
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = $1, locked = $2, version = version + 1, updated_at = now() WHERE address = $3`,
			newAvailable, newLocked, account,
		); err != nil {
			return fmt.Errorf("ledger: update account %s: %w", account, err)
		}

		ref, err := refJSON(clientID, nil)
		if err != nil {
			return err
		}
		if err := insertLedgerRow(ctx, tx, account, "bet_stake", amount.Neg(), ref); err != nil {
			return err
		}

		out = Balances{Available: newAvailable, Locked: newLocked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SettleLossAtomic moves amount from account.locked into the house's
// available balance and records a bet_lose row.
func (s *Store) SettleLossAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, locked, err := lockAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		newLocked := locked.Sub(amount)
		if newLocked.IsNegative() {
			newLocked = decimal.Zero
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET locked = $1, version = version + 1, updated_at = now() WHERE address = $2`,
			newLocked, account,
		); err != nil {
			return fmt.Errorf("ledger: update account %s: %w", account, err)
		}

		if err := ensureAccount(ctx, tx, HouseAddress); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = available + $1, version = version + 1, updated_at = now() WHERE address = $2`,
			amount, HouseAddress,
		); err != nil {
			return fmt.Errorf("ledger: credit house: %w", err)
		}

		ref, err := refJSON(clientID, map[string]any{"player": account})
		if err != nil {
			return err
		}
		if err := insertLedgerRow(ctx, tx, account, "bet_lose", amount.Neg(), ref); err != nil {
			return err
		}
		return nil
	})
}

// SettleWinAtomic unwinds the stake from locked into house, then pays out
// from house.available to account.available, all as one bet_win row.
func (s *Store) SettleWinAtomic(ctx context.Context, account string, stake, payout decimal.Decimal, clientID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		available, locked, err := lockAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		newLocked := locked.Sub(stake)
		if newLocked.IsNegative() {
			newLocked = decimal.Zero
		}
		newAvailable := available.Add(payout)

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = $1, locked = $2, version = version + 1, updated_at = now() WHERE address = $3`,
			newAvailable, newLocked, account,
		); err != nil {
			return fmt.Errorf("ledger: update account %s: %w", account, err)
		}

		if err := ensureAccount(ctx, tx, HouseAddress); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = available - $1, version = version + 1, updated_at = now() WHERE address = $2`,
			payout.Sub(stake), HouseAddress,
		); err != nil {
			return fmt.Errorf("ledger: debit house: %w", err)
		}

		ref, err := refJSON(clientID, map[string]any{"player": account, "stake": stake.String()})
		if err != nil {
			return err
		}
		if err := insertLedgerRow(ctx, tx, account, "bet_win", payout, ref); err != nil {
			return err
		}
		return nil
	})
}

// CreditDepositAtomic credits a confirmed on-chain deposit to account,
// idempotent on tx_hash:log_index.
func (s *Store) CreditDepositAtomic(ctx context.Context, account string, amount decimal.Decimal, txHash string, logIndex int) error {
	clientID := fmt.Sprintf("%s:%d", txHash, logIndex)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, account); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = available + $1, version = version + 1, updated_at = now() WHERE address = $2`,
			amount, account,
		); err != nil {
			return fmt.Errorf("ledger: credit deposit: %w", err)
		}

		ref, err := refJSON(clientID, map[string]any{"tx_hash": txHash, "log_index": logIndex})
		if err != nil {
			return err
		}
		return insertLedgerRow(ctx, tx, account, "deposit", amount, ref)
	})
}

// AdjustmentAtomic posts a signed compensating entry (reorg'd deposit,
// exhausted-retry withdrawal refund). The sign of amount determines credit
// vs debit; account balance is never allowed to go negative.
func (s *Store) AdjustmentAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		available, _, err := lockAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		newAvailable := available.Add(amount)
		if newAvailable.IsNegative() {
			newAvailable = decimal.Zero
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = $1, version = version + 1, updated_at = now() WHERE address = $2`,
			newAvailable, account,
		); err != nil {
			return fmt.Errorf("ledger: adjustment update: %w", err)
		}

		ref, err := refJSON(clientID, map[string]any{"reason": reason})
		if err != nil {
			return err
		}
		return insertLedgerRow(ctx, tx, account, "adjustment", amount, ref)
	})
}

// DebitWithdrawAtomic checks solvency and moves amount out of
// account.available into a pending withdrawal, recorded as a withdraw row.
// The Payout Dispatcher later resolves it by tx hash.
func (s *Store) DebitWithdrawAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		available, _, err := lockAccount(ctx, tx, account)
		if err != nil {
			return err
		}
		if available.LessThan(amount) {
			return apperr.New(apperr.InsufficientFund, "insufficient available balance for withdrawal")
		}

		newAvailable := available.Sub(amount)
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET available = $1, version = version + 1, updated_at = now() WHERE address = $2`,
			newAvailable, account,
		); err != nil {
			return fmt.Errorf("ledger: debit withdraw: %w", err)
		}

		ref, err := refJSON(clientID, map[string]any{"status": "pending_tx"})
		if err != nil {
			return err
		}
		return insertLedgerRow(ctx, tx, account, "withdraw", amount.Neg(), ref)
	})
}

// GetAccount returns an account's current balances without locking.
func (s *Store) GetAccount(ctx context.Context, address string) (*Balances, error) {
	var b Balances
	err := s.pool.QueryRow(ctx,
		`SELECT available, locked FROM accounts WHERE address = $1`, address,
	).Scan(&b.Available, &b.Locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Balances{Available: decimal.Zero, Locked: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("ledger: get account %s: %w", address, err)
	}
	return &b, nil
}
