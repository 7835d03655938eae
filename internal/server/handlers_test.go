package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/realtime"
)

type fakeBalanceReader struct {
	balances map[string]*ledger.Balances
	err      error
}

func (f *fakeBalanceReader) GetAccount(ctx context.Context, address string) (*ledger.Balances, error) {
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.balances[address]; ok {
		return b, nil
	}
	return &ledger.Balances{Available: decimal.Zero, Locked: decimal.Zero}, nil
}

type fakeWithdrawLedger struct {
	debited   decimal.Decimal
	clientID  string
	err       error
	emergency bool
}

func (f *fakeWithdrawLedger) DebitWithdrawAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) error {
	if f.err != nil {
		return f.err
	}
	f.debited = amount
	f.clientID = clientID
	return nil
}

func (f *fakeWithdrawLedger) EmergencyMode(ctx context.Context) (bool, error) {
	return f.emergency, nil
}

type fakeWithdrawQueue struct {
	enqueued decimal.Decimal
	err      error
}

func (f *fakeWithdrawQueue) Enqueue(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = amount
	return "withdraw-1", nil
}

type fakeDepositHints struct {
	registered bool
}

func (f *fakeDepositHints) Register(ctx context.Context, txHash, address string, amountWei decimal.Decimal) error {
	f.registered = true
	return nil
}

type fakeBetPlacer struct {
	result engine.PlaceBetResult
}

func (f *fakeBetPlacer) PlaceBet(ctx context.Context, req engine.PlaceBetRequest) engine.PlaceBetResult {
	return f.result
}

type fakeCashouter struct {
	result engine.CashoutResult
}

func (f *fakeCashouter) Cashout(ctx context.Context, req engine.CashoutRequest) engine.CashoutResult {
	return f.result
}

type fakeRoundState struct {
	round *engine.Round
}

func (f *fakeRoundState) CurrentRound() *engine.Round { return f.round }

func newTestServer(t *testing.T) (*Server, *fakeBalanceReader, *fakeWithdrawLedger, *fakeWithdrawQueue) {
	t.Helper()
	balance := &fakeBalanceReader{balances: map[string]*ledger.Balances{
		"0xabc": {Available: decimal.NewFromInt(2), Locked: decimal.Zero},
	}}
	wledger := &fakeWithdrawLedger{}
	wqueue := &fakeWithdrawQueue{}
	hints := &fakeDepositHints{}
	bets := &fakeBetPlacer{result: engine.PlaceBetResult{BetID: "bet-1"}}
	cashout := &fakeCashouter{result: engine.CashoutResult{MultiplierPPM: 2_000_000, Payout: decimal.NewFromInt(1)}}
	round := &fakeRoundState{}
	hub := realtime.New(zap.NewNop(), 64)

	s := New(zap.NewNop(), balance, wledger, wqueue, hints, bets, cashout, round, hub)
	return s, balance, wledger, wqueue
}

func TestBalanceHandler_ReturnsWeiAmounts(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req, _ := http.NewRequest("GET", "/api/balance/0xabc", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["available_wei"] == nil {
		t.Fatalf("expected available_wei in response, got %v", out)
	}
}

func TestBalanceHandler_MissingAddress(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req, _ := http.NewRequest("GET", "/api/balance/", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for missing param route, got %d", resp.StatusCode)
	}
}

func TestBetBalanceHandler_PlacesBet(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body := `{"address":"0xabc","amount_wei":"1000000000000000000","client_id":"c1"}`
	req, _ := http.NewRequest("POST", "/api/bet/balance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	respBody, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(respBody, &out)
	if out["bet_id"] != "bet-1" {
		t.Fatalf("expected bet_id in response, got %v", out)
	}
}

func TestBetBalanceHandler_RejectsZeroStake(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body := `{"address":"0xabc","amount_wei":"0","client_id":"c1"}`
	req, _ := http.NewRequest("POST", "/api/bet/balance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for zero stake, got %d", resp.StatusCode)
	}
}

func TestBetBalanceHandler_SurfacesEngineRejection(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.bets = &fakeBetPlacer{result: engine.PlaceBetResult{Err: apperr.New(apperr.WrongPhase, "betting window closed")}}

	body := `{"address":"0xabc","amount_wei":"1000000000000000000","client_id":"c1"}`
	req, _ := http.NewRequest("POST", "/api/bet/balance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for wrong-phase rejection, got %d", resp.StatusCode)
	}
}

func TestWithdrawHandler_DebitsThenEnqueues(t *testing.T) {
	s, _, wledger, wqueue := newTestServer(t)

	body := `{"address":"0xabc","amount_wei":"1000000000000000000","client_id":"w1"}`
	req, _ := http.NewRequest("POST", "/api/withdraw", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !wledger.debited.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1 ether debited, got %s", wledger.debited)
	}
	if !wqueue.enqueued.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1 ether enqueued, got %s", wqueue.enqueued)
	}
}

func TestWithdrawHandler_InsufficientFundsNotEnqueued(t *testing.T) {
	s, _, wledger, wqueue := newTestServer(t)
	wledger.err = apperr.New(apperr.InsufficientFund, "balance too low")

	body := `{"address":"0xabc","amount_wei":"1000000000000000000","client_id":"w1"}`
	req, _ := http.NewRequest("POST", "/api/withdraw", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !wqueue.enqueued.IsZero() {
		t.Fatal("must not enqueue a withdrawal when the ledger debit fails")
	}
}

func TestWithdrawHandler_BlockedDuringEmergencyMode(t *testing.T) {
	s, _, wledger, wqueue := newTestServer(t)
	wledger.emergency = true

	body := `{"address":"0xabc","amount_wei":"1000000000000000000","client_id":"w1"}`
	req, _ := http.NewRequest("POST", "/api/withdraw", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for emergency mode, got %d", resp.StatusCode)
	}
	if !wledger.debited.IsZero() {
		t.Fatal("must not debit the ledger while in emergency mode")
	}
	if !wqueue.enqueued.IsZero() {
		t.Fatal("must not enqueue a withdrawal while in emergency mode")
	}
}

func TestRegisterDepositHandler_RecordsHint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	hints := s.hints.(*fakeDepositHints)

	body := `{"tx_hash":"0xdead","address":"0xabc","amount_wei":"1000000000000000000"}`
	req, _ := http.NewRequest("POST", "/api/deposits/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !hints.registered {
		t.Fatal("expected deposit hint to be registered")
	}
}
