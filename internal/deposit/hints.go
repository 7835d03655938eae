package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// hintTTL bounds how long a client-submitted hint waits for its transaction
// to surface on chain before it's forgotten.
const hintTTL = 24 * time.Hour

// HintStore records client-supplied tx-hash-to-address hints in Redis.
// Non-authoritative: deposits are attributed by on-chain sender address
// alone; scanBlock does not consult the stored hints.
type HintStore struct {
	client *redis.Client
}

func NewHintStore(client *redis.Client) *HintStore {
	return &HintStore{client: client}
}

func hintKey(txHash string) string { return "deposit:hint:" + txHash }

// Register implements internal/server.DepositHints.
func (h *HintStore) Register(ctx context.Context, txHash, address string, amountWei decimal.Decimal) error {
	payload := address + "|" + amountWei.String()
	if err := h.client.Set(ctx, hintKey(txHash), payload, hintTTL).Err(); err != nil {
		return fmt.Errorf("deposit: record hint: %w", err)
	}
	return nil
}

// Lookup returns the hinted address for txHash, if one was registered and
// hasn't expired.
func (h *HintStore) Lookup(ctx context.Context, txHash string) (address string, ok bool, err error) {
	val, err := h.client.Get(ctx, hintKey(txHash)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("deposit: lookup hint: %w", err)
	}
	for i := 0; i < len(val); i++ {
		if val[i] == '|' {
			return val[:i], true, nil
		}
	}
	return "", false, nil
}
