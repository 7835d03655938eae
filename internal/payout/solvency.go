package payout

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
)

// SolvencyConfig holds the hot wallet min/max and liability-factor
// thresholds, all expressed in whole native-currency units (the same scale
// as ledger balances).
type SolvencyConfig struct {
	HotWalletMin    decimal.Decimal // B_min — below this, alert for a refill
	HotWalletMax    decimal.Decimal // B_max — above this, alert to sweep to cold storage
	LiabilityFactor decimal.Decimal // aggregate open liability must stay <= factor * B_hot
	PollInterval    time.Duration
}

// Solvency implements engine.SolvencyChecker against the hot wallet's live
// on-chain balance, and doubles as the source the admin health endpoint
// reads for wallet status. Grounded on the same balance-then-threshold
// shape as internal/ledger.ReconcileOnce, applied to an on-chain balance
// instead of the ledger's internal account sums.
type Solvency struct {
	log    *zap.Logger
	client ChainClient
	wallet common.Address
	cfg    SolvencyConfig

	mu      sync.RWMutex
	balance decimal.Decimal
	refill  bool
	sweep   bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewSolvency(log *zap.Logger, client ChainClient, wallet common.Address, cfg SolvencyConfig) *Solvency {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Solvency{
		log:    log,
		client: client,
		wallet: wallet,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start refreshes the cached hot-wallet balance on cfg.PollInterval so
// CheckLiability never blocks a bet placement on an RPC round trip.
func (sv *Solvency) Start(ctx context.Context) error {
	if err := sv.refresh(ctx); err != nil {
		return fmt.Errorf("payout: initial solvency refresh: %w", err)
	}
	go sv.run(ctx)
	return nil
}

func (sv *Solvency) Stop() {
	sv.once.Do(func() { close(sv.stopCh) })
	<-sv.doneCh
}

func (sv *Solvency) run(ctx context.Context) {
	defer close(sv.doneCh)
	ticker := time.NewTicker(sv.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sv.refresh(ctx); err != nil {
				sv.log.Warn("payout: solvency refresh failed", zap.Error(err))
			}
		}
	}
}

func (sv *Solvency) refresh(ctx context.Context) error {
	wei, err := sv.client.BalanceAt(ctx, sv.wallet, nil)
	if err != nil {
		return err
	}
	balance := weiToDecimal(wei)

	refill := balance.LessThan(sv.cfg.HotWalletMin)
	sweep := balance.GreaterThan(sv.cfg.HotWalletMax)

	sv.mu.Lock()
	prevRefill, prevSweep := sv.refill, sv.sweep
	sv.balance, sv.refill, sv.sweep = balance, refill, sweep
	sv.mu.Unlock()

	if refill && !prevRefill {
		sv.log.Warn("ALERT: hot wallet below minimum, refill required",
			zap.String("balance", balance.String()), zap.String("min", sv.cfg.HotWalletMin.String()))
	}
	if sweep && !prevSweep {
		sv.log.Warn("ALERT: hot wallet above maximum, sweep to cold storage",
			zap.String("balance", balance.String()), zap.String("max", sv.cfg.HotWalletMax.String()))
	}
	return nil
}

// CheckLiability implements engine.SolvencyChecker: aggregate open
// liability must not exceed liability_factor * B_hot.
func (sv *Solvency) CheckLiability(ctx context.Context, openLiability decimal.Decimal) error {
	sv.mu.RLock()
	balance := sv.balance
	factor := sv.cfg.LiabilityFactor
	sv.mu.RUnlock()

	bound := balance.Mul(factor)
	if openLiability.GreaterThan(bound) {
		return apperr.New(apperr.SolvencyBlocked, fmt.Sprintf(
			"open liability %s exceeds bound %s (%.2fx hot wallet balance %s)",
			openLiability, bound, factor.InexactFloat64(), balance))
	}
	return nil
}

// SetLiabilityFactor lets the admin surface adjust the bound live, mirroring
// the `limits.liability_factor` column.
func (sv *Solvency) SetLiabilityFactor(factor decimal.Decimal) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.cfg.LiabilityFactor = factor
}

// Status is the snapshot surfaced on the admin health endpoint.
type Status struct {
	HotWalletBalance decimal.Decimal
	RefillNeeded     bool
	SweepNeeded      bool
}

func (sv *Solvency) Status() Status {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return Status{HotWalletBalance: sv.balance, RefillNeeded: sv.refill, SweepNeeded: sv.sweep}
}

func weiToDecimal(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -int32(weiExponent))
}
