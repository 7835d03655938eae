package payout

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeChainClient struct {
	mu       sync.Mutex
	nonce    uint64
	gasPrice *big.Int
	chainID  *big.Int
	sendErr  error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	balances map[common.Address]*big.Int
}

func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice != nil {
		return f.gasPrice, nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChainClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChainClient) NetworkID(ctx context.Context) (*big.Int, error) {
	if f.chainID != nil {
		return f.chainID, nil
	}
	return big.NewInt(1337), nil
}

type fakeDispatchStore struct {
	mu         sync.Mutex
	queue      []*Withdrawal
	broadcast  map[string]string
	confirmed  map[string]bool
	retried    map[string]time.Duration
	refunded   map[string]bool
	inFlight   []Withdrawal
}

func (f *fakeDispatchStore) ClaimNext(ctx context.Context, maxAttempts int) (*Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	w := f.queue[0]
	f.queue = f.queue[1:]
	return w, nil
}

func (f *fakeDispatchStore) MarkBroadcast(ctx context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcast == nil {
		f.broadcast = map[string]string{}
	}
	f.broadcast[id] = txHash
	return nil
}

func (f *fakeDispatchStore) MarkConfirmed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmed == nil {
		f.confirmed = map[string]bool{}
	}
	f.confirmed[id] = true
	return nil
}

func (f *fakeDispatchStore) MarkRetry(ctx context.Context, id string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retried == nil {
		f.retried = map[string]time.Duration{}
	}
	f.retried[id] = delay
	return nil
}

func (f *fakeDispatchStore) MarkRefunded(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refunded == nil {
		f.refunded = map[string]bool{}
	}
	f.refunded[id] = true
	return nil
}

func (f *fakeDispatchStore) PendingAndBroadcast(ctx context.Context) ([]Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, nil
}

type fakeRefundLedger struct {
	mu          sync.Mutex
	adjustments []string
	failNext    bool
}

func (f *fakeRefundLedger) AdjustmentAtomic(ctx context.Context, account string, amount decimal.Decimal, clientID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("ledger unavailable")
	}
	f.adjustments = append(f.adjustments, clientID)
	return nil
}

func testDispatcher(t *testing.T, client ChainClient, store DispatchStore, ledger RefundLedger) *Dispatcher {
	t.Helper()
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	d, err := New(zap.NewNop(), client, store, ledger, Config{
		HotWalletKeyHex: common.Bytes2Hex(crypto.FromECDSA(privKey)),
		MaxRetries:      3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.signer = types.LatestSignerForChainID(big.NewInt(1337))
	return d
}

func TestDispatchNext_BroadcastsClaimedWithdrawal(t *testing.T) {
	fc := &fakeChainClient{}
	fs := &fakeDispatchStore{queue: []*Withdrawal{{ID: "w1", Address: "0x00000000000000000000000000000000000bbb", Amount: decimal.NewFromFloat(0.1)}}}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.dispatchNext(context.Background())

	if len(fc.sent) != 1 {
		t.Fatalf("expected one transaction sent, got %d", len(fc.sent))
	}
	if fs.broadcast["w1"] == "" {
		t.Fatal("expected withdrawal marked broadcast with a tx hash")
	}
}

func TestDispatchNext_NoQueuedWork(t *testing.T) {
	fc := &fakeChainClient{}
	fs := &fakeDispatchStore{}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.dispatchNext(context.Background())

	if len(fc.sent) != 0 {
		t.Fatal("expected nothing sent when queue is empty")
	}
}

func TestDispatchNext_SendFailureSchedulesRetry(t *testing.T) {
	fc := &fakeChainClient{sendErr: errors.New("rpc unavailable")}
	fs := &fakeDispatchStore{queue: []*Withdrawal{{ID: "w1", Address: "0x00000000000000000000000000000000000bbb", Amount: decimal.NewFromFloat(0.1), Attempts: 0}}}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.dispatchNext(context.Background())

	if _, ok := fs.retried["w1"]; !ok {
		t.Fatal("expected a retry to be scheduled")
	}
	if fs.refunded["w1"] {
		t.Fatal("should not refund before retries are exhausted")
	}
}

func TestDispatchNext_RetriesExhaustedTriggersRefund(t *testing.T) {
	fc := &fakeChainClient{sendErr: errors.New("rpc unavailable")}
	fs := &fakeDispatchStore{queue: []*Withdrawal{{ID: "w1", Address: "0x00000000000000000000000000000000000bbb", Amount: decimal.NewFromFloat(0.1), Attempts: 2}}}
	fl := &fakeRefundLedger{}
	d := testDispatcher(t, fc, fs, fl)
	d.cfg.MaxRetries = 3

	d.dispatchNext(context.Background())

	if len(fl.adjustments) != 1 {
		t.Fatalf("expected one compensating adjustment, got %v", fl.adjustments)
	}
	if !fs.refunded["w1"] {
		t.Fatal("expected withdrawal marked refunded")
	}
}

func TestPollConfirmations_MarksSuccessfulReceiptConfirmed(t *testing.T) {
	txHash := common.HexToHash("0xaaaa")
	fc := &fakeChainClient{receipts: map[common.Hash]*types.Receipt{txHash: {Status: types.ReceiptStatusSuccessful}}}
	fs := &fakeDispatchStore{inFlight: []Withdrawal{{ID: "w1", TxHash: txHash.Hex()}}}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.pollConfirmations(context.Background())

	if !fs.confirmed["w1"] {
		t.Fatal("expected withdrawal marked confirmed")
	}
}

func TestPollConfirmations_RevertedReceiptRetries(t *testing.T) {
	txHash := common.HexToHash("0xbbbb")
	fc := &fakeChainClient{receipts: map[common.Hash]*types.Receipt{txHash: {Status: types.ReceiptStatusFailed}}}
	fs := &fakeDispatchStore{inFlight: []Withdrawal{{ID: "w1", TxHash: txHash.Hex(), Attempts: 0}}}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.pollConfirmations(context.Background())

	if _, ok := fs.retried["w1"]; !ok {
		t.Fatal("expected reverted receipt to schedule a retry")
	}
}

func TestPollConfirmations_NotFoundLeavesWithdrawalAlone(t *testing.T) {
	fc := &fakeChainClient{receipts: map[common.Hash]*types.Receipt{}}
	fs := &fakeDispatchStore{inFlight: []Withdrawal{{ID: "w1", TxHash: common.HexToHash("0xcccc").Hex()}}}
	d := testDispatcher(t, fc, fs, &fakeRefundLedger{})

	d.pollConfirmations(context.Background())

	if fs.confirmed["w1"] || len(fs.retried) != 0 {
		t.Fatal("expected a not-yet-mined receipt to leave the withdrawal untouched")
	}
}

func TestRetryDelay_Increases(t *testing.T) {
	first := retryDelay(0)
	second := retryDelay(1)
	if second <= first {
		t.Fatalf("expected retry delay to grow, got first=%v second=%v", first, second)
	}
}
