// Package admin is the Admin/Health Surface (C8): pause/resume, limits
// CRUD, the provable-fairness proof endpoint, and the liveness/detailed
// health checks. Every route except the /health liveness probe and the
// proof endpoint is gated by a shared admin key.
package admin

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/payout"
)

// RoundController is the subset of *engine.Engine the admin surface drives.
type RoundController interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	UpdateLimits(ctx context.Context, l engine.Limits) error
}

// RoundReader resolves a settled round's reveal for the proof endpoint.
type RoundReader interface {
	GetRound(ctx context.Context, roundID string) (*engine.Round, error)
}

// LedgerHealth is the subset of *ledger.Store the detailed health check
// reads and drives.
type LedgerHealth interface {
	ReconcileOnce(ctx context.Context) (*ledger.ReconcileReport, error)
	EmergencyMode(ctx context.Context) (bool, error)
	ClearEmergencyMode(ctx context.Context) error
}

// DepositLag reports how many blocks behind the chain tip the deposit
// indexer's cursor is.
type DepositLag interface {
	Lag(ctx context.Context) (uint64, error)
}

// WalletStatus is the subset of *payout.Solvency the wallet-status section
// of the detailed health check reads and drives.
type WalletStatus interface {
	Status() payout.Status
	SetLiabilityFactor(factor decimal.Decimal)
}

// Sweeper is the subset of *payout.Dispatcher the admin transfer/sweep
// endpoint drives.
type Sweeper interface {
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// Service bundles every dependency the admin HTTP surface reads or drives.
type Service struct {
	log     *zap.Logger
	round   RoundController
	rounds  RoundReader
	ledger  LedgerHealth
	deposit DepositLag
	wallet  WalletStatus
	sweeper Sweeper
	limits  *LimitsStore
}

func New(log *zap.Logger, round RoundController, rounds RoundReader, ledgerHealth LedgerHealth, deposit DepositLag, wallet WalletStatus, sweeper Sweeper, limits *LimitsStore) *Service {
	return &Service{
		log:     log,
		round:   round,
		rounds:  rounds,
		ledger:  ledgerHealth,
		deposit: deposit,
		wallet:  wallet,
		sweeper: sweeper,
		limits:  limits,
	}
}
