// Package server is the player-facing HTTP and WebSocket surface: balance
// reads, balance-funded bet placement, withdrawal requests, deposit
// registration hints, and the realtime duplex connection clients use to
// watch rounds and place bets/cashouts in-band. The admin/health surface
// lives separately in internal/admin; this package only carries the
// player routes, which take the player address from the request itself
// and do not authenticate it.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/realtime"
)

// BalanceReader is the subset of *ledger.Store the balance endpoint reads.
type BalanceReader interface {
	GetAccount(ctx context.Context, address string) (*ledger.Balances, error)
}

// WithdrawLedger is the subset of *ledger.Store the withdraw endpoint
// drives before handing the withdrawal to the payout queue.
type WithdrawLedger interface {
	DebitWithdrawAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID string) error
	EmergencyMode(ctx context.Context) (bool, error)
}

// WithdrawQueue is the subset of *payout.Store the withdraw endpoint
// enqueues onto once the ledger debit has posted.
type WithdrawQueue interface {
	Enqueue(ctx context.Context, address string, amount decimal.Decimal) (string, error)
}

// DepositHints records client-supplied tx-hash hints. Hints are a
// best-effort, non-authoritative support surface; the deposit indexer does
// not read them and attributes every deposit by its on-chain sender address.
type DepositHints interface {
	Register(ctx context.Context, txHash, address string, amountWei decimal.Decimal) error
}

// BetPlacer is the subset of *engine.Engine the bet endpoints submit
// through the mailbox.
type BetPlacer interface {
	PlaceBet(ctx context.Context, req engine.PlaceBetRequest) engine.PlaceBetResult
}

// Cashouter is the subset of *engine.Engine the WebSocket cashout frame
// submits through the mailbox.
type Cashouter interface {
	Cashout(ctx context.Context, req engine.CashoutRequest) engine.CashoutResult
}

// RoundState reads the engine's in-flight round for the WebSocket
// connect-time state_snapshot.
type RoundState interface {
	CurrentRound() *engine.Round
}

// Server bundles the player HTTP/WS surface's dependencies.
type Server struct {
	*fiber.App

	log     *zap.Logger
	balance BalanceReader
	wledger WithdrawLedger
	wqueue  WithdrawQueue
	hints   DepositHints
	bets    BetPlacer
	cashout Cashouter
	round   RoundState
	hub     *realtime.Hub
}

// New builds the player-facing fiber app. Pass nil for wqueue/hints if the
// payout dispatcher or deposit hint surface is not wired (e.g. in tests
// exercising only the realtime bus).
func New(log *zap.Logger, balance BalanceReader, wledger WithdrawLedger, wqueue WithdrawQueue, hints DepositHints, bets BetPlacer, cashout Cashouter, round RoundState, hub *realtime.Hub) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "crashcore",
		AppName:      "crashcore",
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-Admin-Key",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s := &Server{
		App:     app,
		log:     log,
		balance: balance,
		wledger: wledger,
		wqueue:  wqueue,
		hints:   hints,
		bets:    bets,
		cashout: cashout,
		round:   round,
		hub:     hub,
	}
	RegisterRoutes(s)
	return s
}

// Shutdown quiesces the fiber app within the given deadline, letting
// in-flight requests drain.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.App.ShutdownWithTimeout(timeout)
}
