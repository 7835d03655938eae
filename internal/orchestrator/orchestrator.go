// Package orchestrator wires every component into one running process:
// config, logging, storage, the round engine, the deposit indexer, the
// payout dispatcher and solvency manager, the admin surface, and the
// player-facing HTTP/WebSocket server. cmd/server is a thin wrapper around
// this package: staged construction followed by signal-based shutdown,
// generalized from one http.Server to this system's several background
// loops.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"crashcore/internal/admin"
	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/database"
	"crashcore/internal/deposit"
	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/logging"
	"crashcore/internal/payout"
	"crashcore/internal/realtime"
	"crashcore/internal/server"
)

// reconcileInterval is how often the ledger's invariant checks run in the
// background, independent of the on-demand check the detailed health
// endpoint triggers.
const reconcileInterval = time.Minute

// App holds every wired component so Shutdown can unwind them in the
// reverse of construction order.
type App struct {
	log *zap.Logger
	cfg *config.Config

	db    database.Service
	redis cache.Service
	chain *ethclient.Client

	ledgerStore *ledger.Store
	roundStore  *engine.RoundStore
	depositIdx  *deposit.Indexer
	solvency    *payout.Solvency
	dispatcher  *payout.Dispatcher
	eng         *engine.Engine
	hub         *realtime.Hub

	httpServer *server.Server

	reconcileStop chan struct{}
	reconcileDone chan struct{}
}

// New loads configuration, dials every backing store, and wires the full
// dependency graph. It does not start any background loop; call Start for
// that.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newStartupError(ExitConfigError, fmt.Errorf("orchestrator: load config: %w", err))
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("orchestrator: configuration loaded", zap.String("summary", cfg.String()))

	db, err := database.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, newStartupError(ExitDatabaseUnreachable, fmt.Errorf("orchestrator: connect database: %w", err))
	}

	redisSvc, err := cache.New(cfg.RedisURL, "", 0)
	if err != nil {
		db.Close()
		return nil, newStartupError(ExitDatabaseUnreachable, fmt.Errorf("orchestrator: connect redis: %w", err))
	}

	chain, err := ethclient.DialContext(ctx, cfg.ChainRPCURL)
	if err != nil {
		db.Close()
		redisSvc.Close()
		return nil, newStartupError(ExitChainUnreachable, fmt.Errorf("orchestrator: dial chain rpc: %w", err))
	}

	pool := db.Pool()
	ledgerStore := ledger.New(pool)
	roundStore := engine.NewRoundStore(pool)
	depositStore := deposit.NewStore(pool)
	payoutStore := payout.NewStore(pool)
	limitsStore := admin.NewLimitsStore(pool)
	hintStore := deposit.NewHintStore(redisSvc.GetClient())

	limits, err := limitsStore.Get(ctx)
	if err != nil {
		db.Close()
		redisSvc.Close()
		chain.Close()
		return nil, newStartupError(ExitDatabaseUnreachable, fmt.Errorf("orchestrator: load limits: %w", err))
	}

	hub := realtime.New(log, realtime.DefaultRingSize)

	dispatcher, err := payout.New(log, chain, payoutStore, ledgerStore, payout.Config{
		HotWalletKeyHex: cfg.HotWalletKeyHex,
		MaxRetries:      cfg.WithdrawRetry,
	})
	if err != nil {
		db.Close()
		redisSvc.Close()
		chain.Close()
		return nil, newStartupError(ExitConfigError, fmt.Errorf("orchestrator: build payout dispatcher: %w", err))
	}

	// Solvency tracks the hot wallet the payout dispatcher actually signs
	// from, not the deposit intake address.
	solvency := payout.NewSolvency(log, chain, dispatcher.HotWalletAddress(), payout.SolvencyConfig{
		HotWalletMin:    cfg.HotWalletMin,
		HotWalletMax:    cfg.HotWalletMax,
		LiabilityFactor: limits.LiabilityFactor,
	})

	depositIdx := deposit.New(log, chain, depositStore, ledgerStore, deposit.Config{
		DepositAddress: cfg.DepositAddress,
		ConfirmBlocks:  cfg.ConfirmBlocks,
		ReorgBlocks:    cfg.ReorgBlocks,
	})

	eng := engine.New(log, engine.Config{
		BettingWindow:  cfg.BettingWindow,
		CashoutWindow:  cfg.CashoutWindow,
		CashoutBuffer:  time.Duration(cfg.CashoutBufferMS) * time.Millisecond,
		PlayerCooldown: cfg.PlayerCooldown,
		MinStake:       limits.MinStake,
		MaxStake:       limits.MaxStake,
		CapMult:        limits.CapMult,
		RoundCap:       limits.RoundCap,
		HouseEdge:      cfg.HouseEdge.InexactFloat64(),
	}, ledgerStore, hub, roundStore, solvency, depositIdx)

	adminSvc := admin.New(log, eng, roundStore, ledgerStore, depositIdx, solvency, dispatcher, limitsStore)

	httpSrv := server.New(log, ledgerStore, ledgerStore, payoutStore, hintStore, eng, eng, eng, hub)
	admin.RegisterRoutes(httpSrv.App, adminSvc, cfg.AdminAPIKey)

	report, err := ledgerStore.ReconcileOnce(ctx)
	if err != nil {
		db.Close()
		redisSvc.Close()
		chain.Close()
		return nil, newStartupError(ExitDatabaseUnreachable, fmt.Errorf("orchestrator: startup reconcile: %w", err))
	}
	if !report.Healthy {
		db.Close()
		redisSvc.Close()
		chain.Close()
		return nil, newStartupError(ExitInvariantViolation, fmt.Errorf("orchestrator: ledger invariants already broken at startup: %v", report.Violations))
	}

	return &App{
		log:           log,
		cfg:           cfg,
		db:            db,
		redis:         redisSvc,
		chain:         chain,
		ledgerStore:   ledgerStore,
		roundStore:    roundStore,
		depositIdx:    depositIdx,
		solvency:      solvency,
		dispatcher:    dispatcher,
		eng:           eng,
		hub:           hub,
		httpServer:    httpSrv,
		reconcileStop: make(chan struct{}),
		reconcileDone: make(chan struct{}),
	}, nil
}

// Start launches every background loop and begins serving HTTP. It returns
// once everything has been started; the HTTP listener itself runs in its
// own goroutine, matching fiber's App.Listen blocking contract.
func (a *App) Start(ctx context.Context) error {
	if err := a.solvency.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start solvency manager: %w", err)
	}
	if err := a.depositIdx.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start deposit indexer: %w", err)
	}
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start payout dispatcher: %w", err)
	}
	a.eng.Start()
	go a.reconcileLoop()

	go func() {
		if err := a.httpServer.Listen(a.cfg.HTTPAddress); err != nil {
			a.log.Error("orchestrator: http listener stopped", zap.Error(err))
		}
	}()
	a.log.Info("orchestrator: all components started", zap.String("addr", a.cfg.HTTPAddress))
	return nil
}

// reconcileLoop periodically re-verifies ledger invariants, independent of
// the admin surface's on-demand /health/detailed check.
func (a *App) reconcileLoop() {
	defer close(a.reconcileDone)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.reconcileStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			report, err := a.ledgerStore.ReconcileOnce(ctx)
			cancel()
			if err != nil {
				a.log.Error("orchestrator: periodic reconcile failed", zap.Error(err))
				continue
			}
			if !report.Healthy {
				a.log.Error("ALERT: ledger invariant violation detected", zap.Strings("violations", report.Violations))
				pauseCtx, pauseCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := a.eng.Pause(pauseCtx); err != nil {
					a.log.Error("orchestrator: pause engine after invariant violation", zap.Error(err))
				}
				pauseCancel()
			}
		}
	}
}

// Shutdown quiesces every component in the reverse of construction order:
// stop taking new bets, let the in-flight round settle, drain HTTP, then
// close the backing stores. shutdownTimeout bounds the HTTP drain only;
// the round engine's Stop always waits for its current round to finish.
func (a *App) Shutdown(shutdownTimeout time.Duration) {
	a.log.Info("orchestrator: shutting down")

	close(a.reconcileStop)
	<-a.reconcileDone

	if err := a.httpServer.Shutdown(shutdownTimeout); err != nil {
		a.log.Error("orchestrator: http shutdown", zap.Error(err))
	}

	a.eng.Stop()
	a.dispatcher.Stop()
	a.depositIdx.Stop()
	a.solvency.Stop()

	if err := a.db.Close(); err != nil {
		a.log.Error("orchestrator: close database", zap.Error(err))
	}
	if err := a.redis.Close(); err != nil {
		a.log.Error("orchestrator: close redis", zap.Error(err))
	}
	a.chain.Close()

	a.log.Info("orchestrator: shutdown complete")
	_ = a.log.Sync()
}
