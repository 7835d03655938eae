package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/payout"
)

type fakeRoundController struct {
	paused      bool
	pauseErr    error
	updatedWith *engine.Limits
}

func (f *fakeRoundController) Pause(ctx context.Context) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = true
	return nil
}
func (f *fakeRoundController) Resume(ctx context.Context) error { f.paused = false; return nil }
func (f *fakeRoundController) Paused() bool                     { return f.paused }
func (f *fakeRoundController) UpdateLimits(ctx context.Context, l engine.Limits) error {
	f.updatedWith = &l
	return nil
}

type fakeRoundReader struct {
	rounds map[string]*engine.Round
}

func (f *fakeRoundReader) GetRound(ctx context.Context, roundID string) (*engine.Round, error) {
	return f.rounds[roundID], nil
}

type fakeLedgerHealth struct {
	report    *ledger.ReconcileReport
	emergency bool
}

func (f *fakeLedgerHealth) ReconcileOnce(ctx context.Context) (*ledger.ReconcileReport, error) {
	return f.report, nil
}
func (f *fakeLedgerHealth) EmergencyMode(ctx context.Context) (bool, error) { return f.emergency, nil }
func (f *fakeLedgerHealth) ClearEmergencyMode(ctx context.Context) error   { f.emergency = false; return nil }

type fakeDepositLag struct{ lag uint64 }

func (f *fakeDepositLag) Lag(ctx context.Context) (uint64, error) { return f.lag, nil }

type fakeWalletStatus struct {
	status payout.Status
	factor decimal.Decimal
}

func (f *fakeWalletStatus) Status() payout.Status { return f.status }
func (f *fakeWalletStatus) SetLiabilityFactor(factor decimal.Decimal) { f.factor = factor }

func newTestService(t *testing.T) (*Service, *fakeRoundController) {
	t.Helper()
	round := &fakeRoundController{}
	svc := New(
		zap.NewNop(),
		round,
		&fakeRoundReader{rounds: map[string]*engine.Round{
			"settled": {ID: "settled", CommitHash: "abc", Status: engine.RoundSettled, ServerSeed: "seed", CrashPointPPM: 2_000_000},
			"live":    {ID: "live", CommitHash: "def", Status: engine.RoundBetting},
		}},
		&fakeLedgerHealth{report: &ledger.ReconcileReport{Healthy: true}},
		&fakeDepositLag{lag: 3},
		&fakeWalletStatus{status: payout.Status{HotWalletBalance: decimal.NewFromInt(10)}},
		nil,
		nil,
	)
	return svc, round
}

func TestPause_RequiresAdminKey(t *testing.T) {
	svc, _ := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("POST", "/admin/pause", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", resp.StatusCode)
	}
}

func TestPauseHandler_PausesWithValidKey(t *testing.T) {
	svc, round := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("POST", "/admin/pause", nil)
	req.Header.Set("X-Admin-Key", "secret")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !round.paused {
		t.Fatal("expected engine to be paused")
	}
}

func TestProofHandler_SettledRoundRevealsSeed(t *testing.T) {
	svc, _ := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("GET", "/proof/settled", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["server_seed"] != "seed" {
		t.Fatalf("expected server_seed in proof response, got %v", out)
	}
}

func TestProofHandler_UnsettledRoundWithholdsReveal(t *testing.T) {
	svc, _ := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("GET", "/proof/live", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409 for unsettled round, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(body, &out)
	if out["server_seed"] != nil {
		t.Fatal("must not leak server_seed before settlement")
	}
}

func TestProofHandler_UnknownRound(t *testing.T) {
	svc, _ := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("GET", "/proof/nope", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDetailedHealthHandler_ReportsLedgerAndWallet(t *testing.T) {
	svc, _ := newTestService(t)
	app := fiber.New()
	RegisterRoutes(app, svc, "secret")

	req, _ := http.NewRequest("GET", "/health/detailed", nil)
	req.Header.Set("X-Admin-Key", "secret")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["indexer_lag_blocks"] == nil || out["hot_wallet_wei"] == nil {
		t.Fatalf("expected indexer lag and hot wallet fields, got %v", out)
	}
}
