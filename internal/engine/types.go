// Package engine is the round engine (C5) and its in-memory bet book (C6):
// a single mailbox-serialized state machine cycling betting → running →
// settlement, computing the provably-fair crash point, and validating and
// settling bets against the ledger.
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetType distinguishes balance-funded bets from bets funded directly by
// an on-chain transaction.
type BetType string

const (
	BetBalance BetType = "balance"
	BetOnChain BetType = "onchain"
)

// BetStatus tracks a bet's one-way lifecycle: open → {cashed, lost, refunded}.
type BetStatus string

const (
	BetStatusOpen     BetStatus = "open"
	BetStatusCashed   BetStatus = "cashed"
	BetStatusLost     BetStatus = "lost"
	BetStatusRefunded BetStatus = "refunded"
)

// RoundStatus tracks a round's one-way lifecycle.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundBetting RoundStatus = "betting"
	RoundRunning RoundStatus = "running"
	RoundSettled RoundStatus = "settled"
)

// Bet is held in memory for the duration of its round and persisted, with
// its round, at settlement.
type Bet struct {
	ID             string
	RoundID        string
	Player         string
	Stake          decimal.Decimal
	Type           BetType
	FundingTxHash  string
	AutoCashoutPPM *int64
	CashoutPPM     *int64
	Payout         decimal.Decimal
	Status         BetStatus
	ClientID       string
	PlacedAt       time.Time
	SettledAt      *time.Time
}

// Round carries the seed, client entropy and crash point in memory from
// the moment betting closes; the stored row receives them only when the
// round is sealed at settlement, and the only outbound event carrying them
// is the crash reveal.
type Round struct {
	ID            string
	CommitHash    string
	ServerSeed    string
	ClientEntropy string
	CrashPointPPM int64
	Status        RoundStatus
	StartedAt     time.Time
	RunningAt     time.Time
	SettledAt     *time.Time
}

// PlaceBetRequest is submitted to the engine's mailbox.
type PlaceBetRequest struct {
	Player         string
	Stake          decimal.Decimal
	Type           BetType
	FundingTxHash  string
	AutoCashoutPPM *int64
	ClientID       string
	Response       chan PlaceBetResult
}

type PlaceBetResult struct {
	BetID string
	Err   error
}

// CashoutRequest is submitted to the engine's mailbox.
type CashoutRequest struct {
	Player   string
	ClientID string
	Response chan CashoutResult
}

type CashoutResult struct {
	MultiplierPPM int64
	Payout        decimal.Decimal
	Err           error
}
