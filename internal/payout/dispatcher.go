package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// weiExponent mirrors internal/deposit's; both packages translate between
// shopspring/decimal ledger amounts and go-ethereum wei integers.
const weiExponent = 18

// ChainClient narrows *ethclient.Client to what the dispatcher and solvency
// manager need, so unit tests can substitute an in-memory fake.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// DispatchStore is the persistence surface the dispatcher drives; *Store is
// the Postgres-backed implementation.
type DispatchStore interface {
	ClaimNext(ctx context.Context, maxAttempts int) (*Withdrawal, error)
	MarkBroadcast(ctx context.Context, id, txHash string) error
	MarkConfirmed(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, delay time.Duration) error
	MarkRefunded(ctx context.Context, id string) error
	PendingAndBroadcast(ctx context.Context) ([]Withdrawal, error)
}

var _ DispatchStore = (*Store)(nil)

// RefundLedger is the one internal/ledger primitive the dispatcher needs:
// the compensating adjustment issued when retries are exhausted.
type RefundLedger interface {
	AdjustmentAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID, reason string) error
}

// Config is the dispatcher's tunable surface.
type Config struct {
	HotWalletKeyHex string
	MaxRetries      int // N_retry
	GasLimit        uint64
	PollInterval    time.Duration
}

// Dispatcher is the single worker draining the withdrawals queue: a single
// loop goroutine, ticker-driven, claiming and retrying one withdrawal at a
// time instead of running a round state machine.
type Dispatcher struct {
	log    *zap.Logger
	client ChainClient
	store  DispatchStore
	ledger RefundLedger
	cfg    Config

	privKey *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New(log *zap.Logger, client ChainClient, store DispatchStore, ledger RefundLedger, cfg Config) (*Dispatcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	privKey, err := crypto.HexToECDSA(cfg.HotWalletKeyHex)
	if err != nil {
		return nil, fmt.Errorf("payout: parse hot wallet key: %w", err)
	}
	return &Dispatcher{
		log:     log,
		client:  client,
		store:   store,
		ledger:  ledger,
		cfg:     cfg,
		privKey: privKey,
		from:    crypto.PubkeyToAddress(privKey.PublicKey),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

func (d *Dispatcher) HotWalletAddress() common.Address { return d.from }

// Transfer sends amount directly from the hot wallet to `to`, bypassing
// the withdrawals queue. Used by the admin surface's cold-storage sweep
// and ad-hoc rebalancing transfers, which are operator-initiated and
// don't carry a withdrawal id or retry/refund semantics.
func (d *Dispatcher) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	nonce, err := d.client.PendingNonceAt(ctx, d.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	dest := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    decimalToWei(amount),
		Gas:      d.cfg.GasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, d.signer, d.privKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	chainID, err := d.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("payout: network id: %w", err)
	}
	d.signer = types.LatestSignerForChainID(chainID)

	go d.run(ctx)
	return nil
}

func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchNext(ctx)
			d.pollConfirmations(ctx)
		}
	}
}

func (d *Dispatcher) dispatchNext(ctx context.Context) {
	w, err := d.store.ClaimNext(ctx, d.cfg.MaxRetries)
	if err != nil {
		d.log.Error("payout: claim next withdrawal", zap.Error(err))
		return
	}
	if w == nil {
		return
	}
	if err := d.broadcast(ctx, w); err != nil {
		d.log.Warn("payout: broadcast failed", zap.String("withdrawal_id", w.ID), zap.Error(err))
		d.handleFailure(ctx, w, err)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, w *Withdrawal) error {
	nonce, err := d.client.PendingNonceAt(ctx, d.from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	to := common.HexToAddress(w.Address)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    decimalToWei(w.Amount),
		Gas:      d.cfg.GasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, d.signer, d.privKey)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}
	return d.store.MarkBroadcast(ctx, w.ID, signed.Hash().Hex())
}

// pollConfirmations checks every broadcast-but-unconfirmed withdrawal for a
// receipt; a reverted transaction is treated the same as a broadcast
// failure and re-enters the retry path.
func (d *Dispatcher) pollConfirmations(ctx context.Context) {
	pending, err := d.store.PendingAndBroadcast(ctx)
	if err != nil {
		d.log.Error("payout: list broadcast withdrawals", zap.Error(err))
		return
	}
	for _, w := range pending {
		receipt, err := d.client.TransactionReceipt(ctx, common.HexToHash(w.TxHash))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				continue // still pending
			}
			d.log.Warn("payout: fetch receipt", zap.String("tx_hash", w.TxHash), zap.Error(err))
			continue
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			if err := d.store.MarkConfirmed(ctx, w.ID); err != nil {
				d.log.Error("payout: mark confirmed", zap.Error(err))
			}
			continue
		}
		wCopy := w
		d.handleFailure(ctx, &wCopy, errors.New("transaction reverted"))
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, w *Withdrawal, cause error) {
	if w.Attempts+1 >= d.cfg.MaxRetries {
		d.refund(ctx, w, cause)
		return
	}
	if err := d.store.MarkRetry(ctx, w.ID, retryDelay(w.Attempts)); err != nil {
		d.log.Error("payout: mark retry", zap.Error(err))
	}
}

// refund posts a compensating adjustment and alerts once a withdrawal has
// exhausted its configured retry budget.
func (d *Dispatcher) refund(ctx context.Context, w *Withdrawal, cause error) {
	reason := fmt.Sprintf("payout exhausted %d retries: %v", d.cfg.MaxRetries, cause)
	if err := d.ledger.AdjustmentAtomic(ctx, w.Address, w.Amount, "refund:"+w.ID, reason); err != nil {
		d.log.Error("payout: compensating refund failed, withdrawal stuck", zap.String("withdrawal_id", w.ID), zap.Error(err))
		return
	}
	if err := d.store.MarkRefunded(ctx, w.ID); err != nil {
		d.log.Error("payout: mark refunded", zap.Error(err))
	}
	d.log.Error("ALERT: withdrawal refunded after exhausted retries",
		zap.String("withdrawal_id", w.ID), zap.String("address", w.Address), zap.Error(cause))
}

// retryDelay walks a fresh exponential backoff series attempt+1 steps in,
// so the Nth retry sees the Nth interval rather than always the first.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func decimalToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiExponent).BigInt()
}
