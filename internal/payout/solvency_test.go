package payout

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
)

func weiOf(ether float64) *big.Int {
	d := decimal.NewFromFloat(ether).Shift(weiExponent)
	return d.BigInt()
}

func newTestSolvency(t *testing.T, balanceEther float64, cfg SolvencyConfig) (*Solvency, *fakeChainClient) {
	t.Helper()
	wallet := common.HexToAddress("0x00000000000000000000000000000000000ccc")
	fc := &fakeChainClient{balances: map[common.Address]*big.Int{wallet: weiOf(balanceEther)}}
	sv := NewSolvency(zap.NewNop(), fc, wallet, cfg)
	if err := sv.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return sv, fc
}

func TestCheckLiability_WithinBoundPasses(t *testing.T) {
	sv, _ := newTestSolvency(t, 10, SolvencyConfig{
		HotWalletMin:    decimal.NewFromInt(1),
		HotWalletMax:    decimal.NewFromInt(100),
		LiabilityFactor: decimal.NewFromFloat(0.8),
	})

	if err := sv.CheckLiability(context.Background(), decimal.NewFromInt(5)); err != nil {
		t.Fatalf("expected liability within bound to pass, got %v", err)
	}
}

func TestCheckLiability_ExceedsBoundRejects(t *testing.T) {
	sv, _ := newTestSolvency(t, 10, SolvencyConfig{
		HotWalletMin:    decimal.NewFromInt(1),
		HotWalletMax:    decimal.NewFromInt(100),
		LiabilityFactor: decimal.NewFromFloat(0.8),
	})

	err := sv.CheckLiability(context.Background(), decimal.NewFromInt(9))
	if apperr.CodeOf(err) != apperr.SolvencyBlocked {
		t.Fatalf("expected SOLVENCY_BLOCKED, got %v", err)
	}
}

func TestRefresh_FlagsRefillBelowMinimum(t *testing.T) {
	sv, _ := newTestSolvency(t, 0.5, SolvencyConfig{
		HotWalletMin:    decimal.NewFromInt(1),
		HotWalletMax:    decimal.NewFromInt(100),
		LiabilityFactor: decimal.NewFromFloat(0.8),
	})

	status := sv.Status()
	if !status.RefillNeeded {
		t.Fatal("expected refill flag to be set below B_min")
	}
	if status.SweepNeeded {
		t.Fatal("did not expect sweep flag")
	}
}

func TestRefresh_FlagsSweepAboveMaximum(t *testing.T) {
	sv, _ := newTestSolvency(t, 500, SolvencyConfig{
		HotWalletMin:    decimal.NewFromInt(1),
		HotWalletMax:    decimal.NewFromInt(100),
		LiabilityFactor: decimal.NewFromFloat(0.8),
	})

	status := sv.Status()
	if !status.SweepNeeded {
		t.Fatal("expected sweep flag to be set above B_max")
	}
	if status.RefillNeeded {
		t.Fatal("did not expect refill flag")
	}
}
