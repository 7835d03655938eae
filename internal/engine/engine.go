package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
	"crashcore/internal/fairness"
	"crashcore/internal/ledger"
	"crashcore/internal/realtime"
)

// LedgerOps is the subset of internal/ledger.Store the engine drives bets
// through. Accepting the interface rather than *ledger.Store keeps the
// mailbox's unit tests free of a real database.
type LedgerOps interface {
	PlaceBetAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) (*ledger.Balances, error)
	SettleLossAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) error
	SettleWinAtomic(ctx context.Context, account string, stake, payout decimal.Decimal, clientID string) error
	AdjustmentAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID, reason string) error
	EmergencyMode(ctx context.Context) (bool, error)
}

// SolvencyChecker bounds aggregate open liability against the hot wallet;
// implemented by internal/payout's Solvency, which also backs the admin
// wallet-status endpoint.
type SolvencyChecker interface {
	CheckLiability(ctx context.Context, openLiability decimal.Decimal) error
}

// OnChainBetVerifier resolves an onchain-funded bet's proceeds from a
// client-supplied transaction hash; implemented by internal/deposit.
type OnChainBetVerifier interface {
	VerifyFundingTx(ctx context.Context, txHash, player string, expectedStake decimal.Decimal) error
}

// RoundStorer persists round and bet rows. *RoundStore is the pgx-backed
// implementation; accepting the interface keeps the mailbox's unit tests
// free of a real database.
type RoundStorer interface {
	InsertBettingRound(ctx context.Context, r *Round) error
	MarkRunning(ctx context.Context, roundID string) error
	SettleRound(ctx context.Context, r *Round, bets []*Bet) error
}

// Config holds the engine's timing and limit tunables, sourced from
// internal/config and the mutable limits row in Postgres.
type Config struct {
	BettingWindow   time.Duration
	CashoutWindow   time.Duration
	CashoutBuffer   time.Duration
	TickInterval    time.Duration
	PlayerCooldown  time.Duration
	MinStake        decimal.Decimal
	MaxStake        decimal.Decimal
	CapMult         decimal.Decimal
	RoundCap        int
	HouseEdge       float64
}

// Engine runs the single logical ticker owning the authoritative round
// clock. All state transitions funnel through betCh/cashoutCh/controlCh so
// the round's state is touched by exactly one goroutine at a time.
type Engine struct {
	log       *zap.Logger
	cfg       Config
	ledger    LedgerOps
	hub       *realtime.Hub
	rounds    RoundStorer
	solvency  SolvencyChecker
	onChain   OnChainBetVerifier

	betCh     chan PlaceBetRequest
	cashoutCh chan CashoutRequest
	controlCh chan controlMsg
	stopCh    chan struct{}
	stopped   sync.WaitGroup

	paused atomic.Bool

	mu           sync.RWMutex
	currentRound *Round
	currentBook  *book
}

type controlKind int

const (
	controlPause controlKind = iota
	controlResume
	controlUpdateLimits
)

type controlMsg struct {
	kind   controlKind
	ack    chan struct{}
	limits *Limits
}

// Limits is the mutable subset of Config the admin surface can adjust at
// runtime without a restart, mirroring the `limits` table's editable
// columns.
type Limits struct {
	MinStake       decimal.Decimal
	MaxStake       decimal.Decimal
	CapMult        decimal.Decimal
	PlayerCooldown time.Duration
	RoundCap       int
}

// New builds an Engine. Call Start to begin the round loop.
func New(log *zap.Logger, cfg Config, store LedgerOps, hub *realtime.Hub, rounds RoundStorer, solvency SolvencyChecker, onChain OnChainBetVerifier) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Engine{
		log:         log,
		cfg:         cfg,
		ledger:      store,
		hub:         hub,
		rounds:      rounds,
		solvency:    solvency,
		onChain:     onChain,
		currentBook: newBook(),
		betCh:       make(chan PlaceBetRequest, 1000),
		cashoutCh:   make(chan CashoutRequest, 1000),
		controlCh:   make(chan controlMsg),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the round loop in a background goroutine.
func (e *Engine) Start() {
	e.stopped.Add(1)
	go e.loop()
}

// Stop signals the loop to exit after the in-flight round completes and
// blocks until it has.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.stopped.Wait()
}

// Pause prevents entry into the next betting phase; any in-flight round
// always completes. It returns as soon as the engine loop has taken the
// request, which it does in any phase, so a round may still be in flight
// when Pause returns.
func (e *Engine) Pause(ctx context.Context) error {
	return e.sendControl(ctx, controlPause)
}

// Resume clears a pause set by Pause.
func (e *Engine) Resume(ctx context.Context) error {
	return e.sendControl(ctx, controlResume)
}

// Paused reports whether Pause has taken effect.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// UpdateLimits applies new stake/cap/cooldown/round-cap bounds at the next
// control-channel drain, taking effect immediately, including for bets
// still arriving in the current betting phase.
func (e *Engine) UpdateLimits(ctx context.Context, l Limits) error {
	ack := make(chan struct{})
	msg := controlMsg{kind: controlUpdateLimits, ack: ack, limits: &l}
	select {
	case e.controlCh <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return fmt.Errorf("engine: stopped")
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) sendControl(ctx context.Context, kind controlKind) error {
	ack := make(chan struct{})
	msg := controlMsg{kind: kind, ack: ack}
	select {
	case e.controlCh <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return fmt.Errorf("engine: stopped")
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentRound returns a snapshot of the in-flight round, or nil if the
// engine hasn't started a round yet.
func (e *Engine) CurrentRound() *Round {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.currentRound == nil {
		return nil
	}
	r := *e.currentRound
	return &r
}

// PlaceBet submits a bet request to the mailbox and blocks for the result.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) PlaceBetResult {
	respCh := make(chan PlaceBetResult, 1)
	req.Response = respCh
	select {
	case e.betCh <- req:
	case <-ctx.Done():
		return PlaceBetResult{Err: ctx.Err()}
	default:
		return PlaceBetResult{Err: apperr.New(apperr.RateLimited, "bet queue full")}
	}
	select {
	case resp := <-respCh:
		return resp
	case <-ctx.Done():
		return PlaceBetResult{Err: ctx.Err()}
	}
}

// Cashout submits a cashout request to the mailbox and blocks for the result.
func (e *Engine) Cashout(ctx context.Context, req CashoutRequest) CashoutResult {
	respCh := make(chan CashoutResult, 1)
	req.Response = respCh
	select {
	case e.cashoutCh <- req:
	case <-ctx.Done():
		return CashoutResult{Err: ctx.Err()}
	default:
		return CashoutResult{Err: apperr.New(apperr.RateLimited, "cashout queue full")}
	}
	select {
	case resp := <-respCh:
		return resp
	case <-ctx.Done():
		return CashoutResult{Err: ctx.Err()}
	}
}

func (e *Engine) loop() {
	defer e.stopped.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ctl := <-e.controlCh:
			e.applyControl(ctl)
		default:
		}

		if e.paused.Load() {
			select {
			case <-e.stopCh:
				return
			case ctl := <-e.controlCh:
				e.applyControl(ctl)
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		e.runRound()
	}
}

func (e *Engine) applyControl(ctl controlMsg) {
	switch ctl.kind {
	case controlPause:
		e.paused.Store(true)
	case controlResume:
		e.paused.Store(false)
	case controlUpdateLimits:
		if ctl.limits != nil {
			e.cfg.MinStake = ctl.limits.MinStake
			e.cfg.MaxStake = ctl.limits.MaxStake
			e.cfg.CapMult = ctl.limits.CapMult
			e.cfg.PlayerCooldown = ctl.limits.PlayerCooldown
			e.cfg.RoundCap = ctl.limits.RoundCap
		}
	}
	close(ctl.ack)
}

// runRound executes exactly one betting → running → settlement cycle.
func (e *Engine) runRound() {
	ctx := context.Background()

	seed, err := fairness.GenerateSeed()
	if err != nil {
		e.log.Error("engine: generate seed", zap.Error(err))
		return
	}
	commit := fairness.HashCommitment(seed)
	roundID := uuid.NewString()
	now := time.Now()

	round := &Round{
		ID:         roundID,
		CommitHash: commit,
		Status:     RoundBetting,
		StartedAt:  now,
	}
	// The book is long-lived across rounds so lastBetAt survives for the
	// per-player cooldown, which is wall-clock rather than round-scoped.
	bk := e.currentBook
	bk.resetForNewRound()

	e.mu.Lock()
	e.currentRound = round
	e.mu.Unlock()

	if err := e.rounds.InsertBettingRound(ctx, round); err != nil {
		e.log.Error("engine: persist betting round", zap.Error(err))
		return
	}

	bettingEnds := now.Add(e.cfg.BettingWindow)
	e.hub.Publish(realtime.EventRoundCommit, realtime.RoundCommitData{
		RoundID: roundID, CommitHash: commit, BettingEndsAt: bettingEnds,
	})
	e.hub.Publish(realtime.EventBettingOpen, realtime.BettingOpenData{
		RoundID: roundID, CommitHash: commit, BettingStartsAt: now, BettingEndsAt: bettingEnds,
	})

	e.bettingPhase(ctx, bk, bettingEnds)
	if e.stopping() {
		return
	}

	entropy := fairness.ClientEntropy(bk.acceptanceOrder())
	crashPPM := fairness.CrashPointPPM(seed, entropy, e.cfg.HouseEdge)

	round.ClientEntropy = entropy
	round.CrashPointPPM = crashPPM
	round.ServerSeed = seed
	round.Status = RoundRunning
	round.RunningAt = time.Now()

	if err := e.rounds.MarkRunning(ctx, roundID); err != nil {
		e.log.Error("engine: mark round running", zap.Error(err))
	}
	e.hub.Publish(realtime.EventRunningStart, realtime.RunningStartData{
		RoundID: roundID, RunningStartedAt: round.RunningAt,
	})

	crashAt := round.RunningAt.Add(time.Duration(crashOffsetSeconds(crashPPM) * float64(time.Second)))
	e.runningPhase(ctx, bk, round, crashAt)
	if e.stopping() {
		return
	}

	e.settlementPhase(ctx, bk, round)
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) bettingPhase(ctx context.Context, bk *book, bettingEnds time.Time) {
	timer := time.NewTimer(time.Until(bettingEnds))
	defer timer.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
			return
		case ctl := <-e.controlCh:
			e.applyControl(ctl)
		case req := <-e.betCh:
			e.processPlaceBet(ctx, bk, req)
		}
	}
}

func (e *Engine) runningPhase(ctx context.Context, bk *book, round *Round, crashAt time.Time) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case ctl := <-e.controlCh:
			e.applyControl(ctl)
		case req := <-e.cashoutCh:
			e.processCashout(ctx, bk, round, crashAt, req)
		case now := <-ticker.C:
			if !now.Before(crashAt) {
				e.settleCrash(ctx, bk, round)
				return
			}
			elapsed := now.Sub(round.RunningAt).Seconds()
			mPPM := multiplierPPMAt(elapsed)
			e.hub.Publish(realtime.EventMultiplierTick, realtime.MultiplierTickData{
				RoundID: round.ID, MPPM: mPPM, ServerTime: now,
			})
			e.processAutoCashouts(ctx, bk, round, crashAt, mPPM, now)
		}
	}
}

func (e *Engine) settlementPhase(ctx context.Context, bk *book, round *Round) {
	deadline := time.Now().Add(e.cfg.CashoutWindow)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			e.persistSettlement(ctx, bk, round)
			return
		case <-timer.C:
			e.persistSettlement(ctx, bk, round)
			return
		case ctl := <-e.controlCh:
			e.applyControl(ctl)
		case req := <-e.betCh:
			req.Response <- PlaceBetResult{Err: apperr.New(apperr.WrongPhase, "betting closed")}
		case req := <-e.cashoutCh:
			req.Response <- CashoutResult{Err: apperr.New(apperr.WrongPhase, "round already settled")}
		}
	}
}

func (e *Engine) processPlaceBet(ctx context.Context, bk *book, req PlaceBetRequest) {
	if emergency, err := e.ledger.EmergencyMode(ctx); err != nil {
		e.rejectBet(req, fmt.Errorf("engine: check emergency mode: %w", err))
		return
	} else if emergency {
		e.rejectBet(req, apperr.New(apperr.SolvencyBlocked, "ledger is in emergency mode"))
		return
	}

	now := time.Now()
	if err := bk.validate(req.Player, req.ClientID, req.Stake, e.cfg.MinStake, e.cfg.MaxStake, e.cfg.PlayerCooldown, e.cfg.RoundCap, now); err != nil {
		e.rejectBet(req, err)
		return
	}

	projectedLiability := bk.openLiability(e.cfg.CapMult).Add(req.Stake.Mul(e.cfg.CapMult))
	if e.solvency != nil {
		if err := e.solvency.CheckLiability(ctx, projectedLiability); err != nil {
			e.rejectBet(req, apperr.Wrap(apperr.SolvencyBlocked, "aggregate open liability exceeds solvency bound", err))
			return
		}
	}

	switch req.Type {
	case BetOnChain:
		if e.onChain == nil {
			e.rejectBet(req, apperr.New(apperr.InvalidInput, "onchain bets are not configured"))
			return
		}
		if err := e.onChain.VerifyFundingTx(ctx, req.FundingTxHash, req.Player, req.Stake); err != nil {
			e.rejectBet(req, apperr.Wrap(apperr.InvalidInput, "could not verify funding transaction", err))
			return
		}
	default:
		if _, err := e.ledger.PlaceBetAtomic(ctx, req.Player, req.Stake, req.ClientID); err != nil {
			e.rejectBet(req, err)
			return
		}
	}

	betID := uuid.NewString()
	bet := &Bet{
		ID:             betID,
		RoundID:        e.currentRoundID(),
		Player:         req.Player,
		Stake:          req.Stake,
		Type:           req.Type,
		FundingTxHash:  req.FundingTxHash,
		AutoCashoutPPM: req.AutoCashoutPPM,
		Payout:         decimal.Zero,
		Status:         BetStatusOpen,
		ClientID:       req.ClientID,
		PlacedAt:       now,
	}
	bk.add(bet, now)

	e.hub.Publish(realtime.EventBetAccepted, realtime.BetAcceptedData{ClientID: req.ClientID, BetID: betID})
	req.Response <- PlaceBetResult{BetID: betID}
}

func (e *Engine) rejectBet(req PlaceBetRequest, err error) {
	e.hub.Publish(realtime.EventBetRejected, realtime.BetRejectedData{
		ClientID: req.ClientID, Code: string(apperr.CodeOf(err)), Reason: err.Error(),
	})
	req.Response <- PlaceBetResult{Err: err}
}

func (e *Engine) currentRoundID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.currentRound == nil {
		return ""
	}
	return e.currentRound.ID
}

// processCashout handles an explicit client cashout request during the
// running phase, applying the cashout timing buffer.
func (e *Engine) processCashout(ctx context.Context, bk *book, round *Round, crashAt time.Time, req CashoutRequest) {
	now := time.Now()
	bet, ok := bk.openBetForPlayer(req.Player)
	if !ok {
		req.Response <- CashoutResult{Err: apperr.New(apperr.NotFound, "no open bet for player")}
		return
	}

	if crashAt.Sub(now) <= e.cfg.CashoutBuffer {
		e.hub.Publish(realtime.EventCashoutRejected, realtime.CashoutRejectedData{
			ClientID: bet.ClientID, Code: string(apperr.TimingBuffer), Reason: "within cashout buffer of crash",
		})
		req.Response <- CashoutResult{Err: apperr.New(apperr.TimingBuffer, "cashout request arrived within the timing buffer")}
		return
	}

	elapsed := now.Sub(round.RunningAt).Seconds()
	mPPM := multiplierPPMAt(elapsed)
	e.settleCashout(ctx, bet, mPPM, now)
	req.Response <- CashoutResult{MultiplierPPM: mPPM, Payout: bet.Payout}
}

// processAutoCashouts fires any auto_cashout targets reached by this tick's
// multiplier, subject to the same timing buffer as manual cashouts.
func (e *Engine) processAutoCashouts(ctx context.Context, bk *book, round *Round, crashAt time.Time, mPPM int64, now time.Time) {
	if crashAt.Sub(now) <= e.cfg.CashoutBuffer {
		return
	}
	for _, bet := range bk.openBets() {
		if bet.AutoCashoutPPM != nil && mPPM >= *bet.AutoCashoutPPM {
			e.settleCashout(ctx, bet, *bet.AutoCashoutPPM, now)
		}
	}
}

func (e *Engine) settleCashout(ctx context.Context, bet *Bet, mPPM int64, now time.Time) {
	payout := bet.Stake.Mul(decimal.NewFromInt(mPPM)).Div(decimal.NewFromInt(1_000_000)).Truncate(18)
	if err := e.ledger.SettleWinAtomic(ctx, bet.Player, bet.Stake, payout, "win:"+bet.ID); err != nil {
		e.log.Error("engine: settle win", zap.String("bet_id", bet.ID), zap.Error(err))
		return
	}
	ppm := mPPM
	bet.CashoutPPM = &ppm
	bet.Payout = payout
	bet.Status = BetStatusCashed
	settledAt := now
	bet.SettledAt = &settledAt

	e.hub.Publish(realtime.EventCashoutAccepted, realtime.CashoutAcceptedData{
		ClientID: bet.ClientID, BetID: bet.ID, MultiplierPPM: mPPM, Payout: payout.String(),
	})
}

// settleCrash sweeps every still-open bet to lost and publishes the reveal.
func (e *Engine) settleCrash(ctx context.Context, bk *book, round *Round) {
	for _, bet := range bk.openBets() {
		if err := e.ledger.SettleLossAtomic(ctx, bet.Player, bet.Stake, "lose:"+bet.ID); err != nil {
			e.log.Error("engine: settle loss", zap.String("bet_id", bet.ID), zap.Error(err))
			continue
		}
		bet.Status = BetStatusLost
		now := time.Now()
		bet.SettledAt = &now
	}

	e.hub.Publish(realtime.EventCrash, realtime.CrashData{
		RoundID: round.ID, CrashPPM: round.CrashPointPPM,
		ServerSeed: round.ServerSeed, ClientEntropy: round.ClientEntropy,
	})
}

// persistSettlement durably records the sealed round and its bets,
// retrying with exponential backoff up to five times; the loop opens no
// new betting phase while it runs. Once the retries are exhausted every
// bet of the round is refunded via a compensating adjustment and the
// function returns, so the next round starts without this one stored.
func (e *Engine) persistSettlement(ctx context.Context, bk *book, round *Round) {
	now := time.Now()
	round.SettledAt = &now
	round.Status = RoundSettled
	bets := bk.allBets()

	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(func() error {
		return e.rounds.SettleRound(ctx, round, bets)
	}, boff)
	if err == nil {
		return
	}

	e.log.Error("engine: settlement persistence exhausted retries, refunding bets",
		zap.String("round_id", round.ID), zap.Error(err))
	for _, bet := range bets {
		if refundErr := e.ledger.AdjustmentAtomic(ctx, bet.Player, bet.Stake, "refund:"+bet.ID, "round settlement persistence failure"); refundErr != nil {
			e.log.Error("engine: refund failed", zap.String("bet_id", bet.ID), zap.Error(refundErr))
			continue
		}
		bet.Status = BetStatusRefunded
	}
}

