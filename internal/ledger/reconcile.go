package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ReconcileReport is the outcome of one invariant sweep.
type ReconcileReport struct {
	Healthy    bool
	Violations []string
}

// ReconcileOnce verifies the global ledger invariants and, on any
// violation, flips the system into emergency mode by setting
// limits.emergency = true. Intended to run on a fixed interval from the
// orchestrator.
func (s *Store) ReconcileOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{Healthy: true}

	if v, err := s.checkSumsMatchLedger(ctx); err != nil {
		return nil, err
	} else {
		report.Violations = append(report.Violations, v...)
	}

	if v, err := s.checkGlobalZeroSum(ctx); err != nil {
		return nil, err
	} else {
		report.Violations = append(report.Violations, v...)
	}

	if v, err := s.checkNoNegativeBalances(ctx); err != nil {
		return nil, err
	} else {
		report.Violations = append(report.Violations, v...)
	}

	if v, err := s.checkClientIDUniqueness(ctx); err != nil {
		return nil, err
	} else {
		report.Violations = append(report.Violations, v...)
	}

	if len(report.Violations) > 0 {
		report.Healthy = false
		if err := s.setEmergencyMode(ctx, true); err != nil {
			return report, fmt.Errorf("ledger: enter emergency mode: %w", err)
		}
	}
	return report, nil
}

// checkSumsMatchLedger verifies, for every account, that the sum of its
// ledger rows equals available + locked.
func (s *Store) checkSumsMatchLedger(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.address, a.available, a.locked, COALESCE(SUM(l.amount), 0)
		FROM accounts a
		LEFT JOIN ledger l ON l.account_ref = a.address
		GROUP BY a.address, a.available, a.locked
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile sums query: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var address string
		var available, locked, ledgerSum decimal.Decimal
		if err := rows.Scan(&address, &available, &locked, &ledgerSum); err != nil {
			return nil, fmt.Errorf("ledger: reconcile sums scan: %w", err)
		}
		balance := available.Add(locked)
		if !balance.Equal(ledgerSum) {
			violations = append(violations, fmt.Sprintf(
				"account %s: available+locked=%s but ledger sum=%s", address, balance, ledgerSum))
		}
	}
	return violations, rows.Err()
}

// checkGlobalZeroSum verifies the double-entry invariant: every operation's
// debit and credit legs net to zero across the whole ledger.
func (s *Store) checkGlobalZeroSum(ctx context.Context) ([]string, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile zero-sum query: %w", err)
	}
	if !total.IsZero() {
		return []string{fmt.Sprintf("global ledger sum is %s, want 0", total)}, nil
	}
	return nil, nil
}

func (s *Store) checkNoNegativeBalances(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, available, locked FROM accounts WHERE available < 0 OR locked < 0`)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile negative balances query: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var address string
		var available, locked decimal.Decimal
		if err := rows.Scan(&address, &available, &locked); err != nil {
			return nil, fmt.Errorf("ledger: reconcile negative balances scan: %w", err)
		}
		violations = append(violations, fmt.Sprintf("account %s: available=%s locked=%s", address, available, locked))
	}
	return violations, rows.Err()
}

// checkClientIDUniqueness is a defense-in-depth re-check of the unique
// partial index on ref->>'client_id': it should never find a duplicate,
// since the index itself rejects inserts, but a direct scan catches drift
// from any out-of-band write.
func (s *Store) checkClientIDUniqueness(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ref ->> 'client_id', COUNT(*)
		FROM ledger
		WHERE ref ? 'client_id'
		GROUP BY ref ->> 'client_id'
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile client_id query: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var clientID string
		var count int
		if err := rows.Scan(&clientID, &count); err != nil {
			return nil, fmt.Errorf("ledger: reconcile client_id scan: %w", err)
		}
		violations = append(violations, fmt.Sprintf("client_id %s appears %d times", clientID, count))
	}
	return violations, rows.Err()
}

func (s *Store) setEmergencyMode(ctx context.Context, on bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE limits SET emergency = $1`, on)
	return err
}

// EmergencyMode reports whether the reconciler has latched emergency mode.
func (s *Store) EmergencyMode(ctx context.Context) (bool, error) {
	var emergency bool
	err := s.pool.QueryRow(ctx, `SELECT emergency FROM limits`).Scan(&emergency)
	if err != nil {
		return false, fmt.Errorf("ledger: read emergency flag: %w", err)
	}
	return emergency, nil
}

// ClearEmergencyMode is an explicit admin override once the operator has
// investigated and resolved the underlying violation.
func (s *Store) ClearEmergencyMode(ctx context.Context) error {
	return s.setEmergencyMode(ctx, false)
}
