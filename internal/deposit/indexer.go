// Package deposit watches the chain for native-currency transfers to the
// house deposit address and credits them into internal/ledger once they are
// deep enough to be considered final, compensating via an adjustment entry
// if a credited deposit's block is later reorganized out.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
)

// Deposit is a single observed native-currency transfer to the house
// deposit address, tracked from first sighting through credit or orphan.
// LogIndex is always 0 for plain value transfers; it is carried anyway so
// the idempotency key (tx_hash:log_index) stays uniform with the
// contract-log-based deposit shape internal/ledger was grounded on.
type Deposit struct {
	TxHash      string
	LogIndex    int
	Address     string
	Amount      decimal.Decimal
	BlockNumber uint64
	Credited    bool
}

// weiExponent converts a wei *big.Int into a decimal.Decimal at 18 places,
// matching the NUMERIC(38,18) column internal/ledger writes amounts into.
const weiExponent = -18

// Config is the indexer's tunable surface, sourced from internal/config.
type Config struct {
	DepositAddress string
	ConfirmBlocks  uint64 // C_conf: blocks deep before crediting
	ReorgBlocks    uint64 // C_reorg: blocks deep before the cursor treats a block as immutable
	PollInterval   time.Duration
}

// CreditDepositor is the subset of internal/ledger.Store the indexer needs.
// Accepting an interface keeps the indexer's tick logic testable against a
// fake ledger instead of a live Postgres.
type CreditDepositor interface {
	CreditDepositAtomic(ctx context.Context, account string, amount decimal.Decimal, txHash string, logIndex int) error
	AdjustmentAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID, reason string) error
}

// ChainClient narrows *ethclient.Client to what the indexer drives, so unit
// tests can substitute an in-memory fake instead of dialing a real node.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// DepositStore is the persistence surface the indexer drives; *Store is the
// Postgres-backed implementation. Accepting the interface lets the tick
// logic run in unit tests against an in-memory fake instead of Postgres.
type DepositStore interface {
	Cursor(ctx context.Context) (uint64, error)
	AdvanceCursor(ctx context.Context, blockNumber uint64) error
	RecordSeen(ctx context.Context, d Deposit) error
	MarkCredited(ctx context.Context, txHash string, logIndex int) error
	MarkOrphaned(ctx context.Context, txHash string, logIndex int) error
	UncreditedBelow(ctx context.Context, maxBlock uint64) ([]Deposit, error)
	ReorgCheckRange(ctx context.Context, fromBlock, toBlock uint64) ([]Deposit, error)
	CreditedFundingTx(ctx context.Context, txHash string) (*Deposit, error)
}

var _ DepositStore = (*Store)(nil)

// Indexer combines a push subscription and a polling fallback into one
// convergent tick, grounded on the risejack indexer's
// SubscribeFilterLogs-with-polling-fallback shape, generalized from
// contract event logs to plain value transfers.
type Indexer struct {
	log    *zap.Logger
	client ChainClient
	store  DepositStore
	ledger CreditDepositor
	cfg    Config

	depositAddr common.Address
	signer      types.Signer

	mu  sync.RWMutex
	tip uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(log *zap.Logger, client ChainClient, store DepositStore, ledger CreditDepositor, cfg Config) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Indexer{
		log:         log,
		client:      client,
		store:       store,
		ledger:      ledger,
		cfg:         cfg,
		depositAddr: common.HexToAddress(cfg.DepositAddress),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start resolves the chain ID for signature recovery and launches the
// background run loop. It does not block.
func (ix *Indexer) Start(ctx context.Context) error {
	chainID, err := ix.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("deposit: network id: %w", err)
	}
	ix.signer = types.LatestSignerForChainID(chainID)

	go ix.run(ctx)
	return nil
}

func (ix *Indexer) Stop() {
	close(ix.stopCh)
	<-ix.doneCh
}

// Lag reports how many blocks the processing cursor trails the chain tip,
// surfaced by GET /health/detailed.
func (ix *Indexer) Lag(ctx context.Context) (uint64, error) {
	tip, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	cursor, err := ix.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	if tip < cursor {
		return 0, nil
	}
	return tip - cursor, nil
}

func (ix *Indexer) run(ctx context.Context) {
	defer close(ix.doneCh)

	heads := make(chan *types.Header, 16)
	var subErr <-chan error
	sub, err := ix.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		ix.log.Warn("deposit: push subscription unavailable, polling only", zap.Error(err))
	} else {
		defer sub.Unsubscribe()
		subErr = sub.Err()
	}

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		case err := <-subErr:
			ix.log.Warn("deposit: subscription error, falling back to poll loop", zap.Error(err))
			subErr = nil
		case <-heads:
			ix.tickSafely(ctx)
		case <-ticker.C:
			ix.tickSafely(ctx)
		}
	}
}

// tickSafely retries a failed tick a few times with backoff before giving
// up for this cycle; the cursor never advances on failure, so a skipped
// cycle just means the next push or poll event catches up.
func (ix *Indexer) tickSafely(ctx context.Context) {
	err := backoff.Retry(func() error {
		return ix.tick(ctx)
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	if err != nil {
		ix.log.Error("deposit: tick failed after retries, cursor held for next cycle", zap.Error(err))
	}
}

func (ix *Indexer) tick(ctx context.Context) error {
	tip, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("deposit: block number: %w", err)
	}
	ix.mu.Lock()
	ix.tip = tip
	ix.mu.Unlock()

	cursor, err := ix.store.Cursor(ctx)
	if err != nil {
		return err
	}

	var reorgSafe uint64
	if tip > ix.cfg.ReorgBlocks {
		reorgSafe = tip - ix.cfg.ReorgBlocks
	}

	scanFrom := cursor + 1
	for b := scanFrom; b <= tip; b++ {
		if err := ix.scanBlock(ctx, b); err != nil {
			return err
		}
	}

	if err := ix.checkReorgs(ctx, cursor, reorgSafe); err != nil {
		return err
	}

	if tip >= ix.cfg.ConfirmBlocks {
		if err := ix.creditConfirmed(ctx, tip-ix.cfg.ConfirmBlocks); err != nil {
			return err
		}
	}

	if reorgSafe > cursor {
		if err := ix.store.AdvanceCursor(ctx, reorgSafe); err != nil {
			return err
		}
	}
	return nil
}

// scanBlock records every transfer to the deposit address at block number,
// regardless of depth — confirmation and reorg-safety are separate passes
// over already-recorded rows.
func (ix *Indexer) scanBlock(ctx context.Context, number uint64) error {
	block, err := ix.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("deposit: fetch block %d: %w", number, err)
	}
	for _, tx := range block.Transactions() {
		if tx.To() == nil || *tx.To() != ix.depositAddr || tx.Value().Sign() <= 0 {
			continue
		}
		from, err := types.Sender(ix.signer, tx)
		if err != nil {
			ix.log.Warn("deposit: could not recover sender, skipping",
				zap.String("tx", tx.Hash().Hex()), zap.Error(err))
			continue
		}
		d := Deposit{
			TxHash:      tx.Hash().Hex(),
			LogIndex:    0,
			Address:     strings.ToLower(from.Hex()),
			Amount:      decimal.NewFromBigInt(tx.Value(), weiExponent),
			BlockNumber: number,
		}
		if err := ix.store.RecordSeen(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// checkReorgs re-verifies deposits in the window between the old cursor and
// the newly reorg-safe boundary are still present in the canonical chain.
// Anything missing is orphaned; if it had already been credited, a
// compensating adjustment reverses the credit.
func (ix *Indexer) checkReorgs(ctx context.Context, cursor, reorgSafe uint64) error {
	if reorgSafe <= cursor {
		return nil
	}
	pending, err := ix.store.ReorgCheckRange(ctx, cursor+1, reorgSafe)
	if err != nil {
		return err
	}
	for _, d := range pending {
		block, err := ix.client.BlockByNumber(ctx, new(big.Int).SetUint64(d.BlockNumber))
		if err != nil {
			return fmt.Errorf("deposit: reorg recheck block %d: %w", d.BlockNumber, err)
		}
		if blockContainsTx(block, d.TxHash) {
			continue
		}
		ix.log.Warn("deposit: block reorganized out, orphaning deposit",
			zap.String("tx", d.TxHash), zap.Uint64("block", d.BlockNumber))
		if d.Credited {
			reason := fmt.Sprintf("deposit reorg: %s orphaned before reaching reorg-safe depth", d.TxHash)
			if err := ix.ledger.AdjustmentAtomic(ctx, d.Address, d.Amount.Neg(), "reorg:"+d.TxHash, reason); err != nil {
				return fmt.Errorf("deposit: compensating adjustment: %w", err)
			}
		}
		if err := ix.store.MarkOrphaned(ctx, d.TxHash, d.LogIndex); err != nil {
			return err
		}
	}
	return nil
}

func blockContainsTx(block *types.Block, txHash string) bool {
	for _, tx := range block.Transactions() {
		if tx.Hash().Hex() == txHash {
			return true
		}
	}
	return false
}

// creditConfirmed credits every deposit observed at or below maxBlock that
// hasn't been credited yet. CreditDepositAtomic's own idempotency key
// (tx_hash:log_index) makes re-crediting an already-credited deposit a
// no-op rather than a double-spend, so a crash between the ledger write and
// MarkCredited is self-healing on the next tick.
func (ix *Indexer) creditConfirmed(ctx context.Context, maxBlock uint64) error {
	pending, err := ix.store.UncreditedBelow(ctx, maxBlock)
	if err != nil {
		return err
	}
	for _, d := range pending {
		err := ix.ledger.CreditDepositAtomic(ctx, d.Address, d.Amount, d.TxHash, d.LogIndex)
		if err != nil && apperr.CodeOf(err) != apperr.Duplicate {
			return fmt.Errorf("deposit: credit %s: %w", d.TxHash, err)
		}
		if err := ix.store.MarkCredited(ctx, d.TxHash, d.LogIndex); err != nil {
			return err
		}
	}
	return nil
}

var errFundingTxNotConfirmed = errors.New("deposit: funding transaction not yet confirmed")

// VerifyFundingTx implements internal/engine.OnChainBetVerifier: it resolves
// a client-supplied funding transaction hash to a credited deposit and
// checks the sender and amount match the claimed bet.
func (ix *Indexer) VerifyFundingTx(ctx context.Context, txHash, player string, expectedStake decimal.Decimal) error {
	d, err := ix.store.CreditedFundingTx(ctx, txHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Wrap(apperr.ChainPending, "funding transaction not yet confirmed", errFundingTxNotConfirmed)
		}
		return err
	}
	if !strings.EqualFold(d.Address, player) {
		return apperr.New(apperr.InvalidInput, "funding transaction sender does not match player")
	}
	if d.Amount.LessThan(expectedStake) {
		return apperr.New(apperr.InsufficientFund, "funding transaction value below expected stake")
	}
	return nil
}
