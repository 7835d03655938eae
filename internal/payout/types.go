// Package payout is the Payout Dispatcher (C4): a single worker draining a
// withdrawal queue by signing and broadcasting hot-wallet transactions, plus
// the Solvency manager shared by the bet book and the admin wallet-status
// endpoint.
package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status mirrors the withdrawals.status CHECK constraint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Withdrawal is a row of the withdrawals table.
type Withdrawal struct {
	ID          string
	Address     string
	Amount      decimal.Decimal
	Status      Status
	TxHash      string
	Attempts    int
	NextRetryAt *time.Time
}
