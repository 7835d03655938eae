package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashcore/internal/apperr"
	"crashcore/internal/engine"
)

// weiExponent mirrors internal/admin, internal/payout, and internal/deposit:
// the ledger and solvency manager speak ether-scale decimals, while the
// player HTTP surface speaks wei.
const weiExponent = 18

func weiToEther(wei decimal.Decimal) decimal.Decimal { return wei.Shift(-weiExponent) }
func etherToWei(ether decimal.Decimal) decimal.Decimal { return ether.Shift(weiExponent) }

func writeErr(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	return c.Status(apperr.HTTPStatus(code)).JSON(fiber.Map{"error": err.Error(), "code": code})
}

func normalizeAddress(addr string) string { return strings.ToLower(addr) }

func parseDecimalString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, apperr.New(apperr.InvalidInput, "amount is required")
	}
	return decimal.NewFromString(s)
}

// balanceHandler implements GET /api/balance/:address.
func (s *Server) balanceHandler(c *fiber.Ctx) error {
	address := normalizeAddress(c.Params("address"))
	if address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address is required"})
	}
	bal, err := s.balance.GetAccount(c.Context(), address)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{
		"available_wei": etherToWei(bal.Available),
		"locked_wei":    etherToWei(bal.Locked),
	})
}

type placeBalanceBetRequest struct {
	Address        string          `json:"address"`
	AmountWei      decimal.Decimal `json:"amount_wei"`
	AutoCashoutPPM *int64          `json:"auto_cashout_ppm"`
	ClientID       string          `json:"client_id"`
}

// betBalanceHandler implements POST /api/bet/balance: a balance-funded bet
// submitted over plain HTTP rather than the WebSocket frame, for clients
// that don't hold a realtime connection open. It funnels through the same
// engine mailbox as the WebSocket path.
func (s *Server) betBalanceHandler(c *fiber.Ctx) error {
	var req placeBalanceBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Address == "" || req.ClientID == "" || req.AmountWei.LessThanOrEqual(decimal.Zero) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address, client_id, and a positive amount_wei are required"})
	}

	result := s.bets.PlaceBet(c.Context(), engine.PlaceBetRequest{
		Player:         normalizeAddress(req.Address),
		Stake:          weiToEther(req.AmountWei),
		Type:           engine.BetBalance,
		AutoCashoutPPM: req.AutoCashoutPPM,
		ClientID:       req.ClientID,
	})
	if result.Err != nil {
		return writeErr(c, result.Err)
	}
	return c.JSON(fiber.Map{"bet_id": result.BetID})
}

type withdrawRequest struct {
	Address   string          `json:"address"`
	AmountWei decimal.Decimal `json:"amount_wei"`
	ClientID  string          `json:"client_id"`
}

// withdrawHandler implements POST /api/withdraw: debits the ledger
// immediately (so the funds can never be double-spent while the payout
// queue drains) and enqueues the on-chain transfer for the dispatcher.
func (s *Server) withdrawHandler(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Address == "" || req.ClientID == "" || req.AmountWei.LessThanOrEqual(decimal.Zero) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address, client_id, and a positive amount_wei are required"})
	}
	if s.wqueue == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "payout dispatcher not configured"})
	}
	if emergency, err := s.wledger.EmergencyMode(c.Context()); err != nil {
		return writeErr(c, err)
	} else if emergency {
		return writeErr(c, apperr.New(apperr.SolvencyBlocked, "withdrawals are suspended while the ledger is in emergency mode"))
	}

	address := normalizeAddress(req.Address)
	amount := weiToEther(req.AmountWei)

	if err := s.wledger.DebitWithdrawAtomic(c.Context(), address, amount, req.ClientID); err != nil {
		return writeErr(c, err)
	}
	withdrawID, err := s.wqueue.Enqueue(c.Context(), address, amount)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"withdraw_id": withdrawID})
}

type registerDepositRequest struct {
	TxHash    string          `json:"tx_hash"`
	Address   string          `json:"address"`
	AmountWei decimal.Decimal `json:"amount_wei"`
}

// registerDepositHandler implements POST /api/deposits/register. It only
// records a best-effort hint: the indexer's own sender-address attribution
// off the chain data remains authoritative.
func (s *Server) registerDepositHandler(c *fiber.Ctx) error {
	var req registerDepositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.TxHash == "" || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tx_hash and address are required"})
	}
	if s.hints != nil {
		if err := s.hints.Register(c.Context(), req.TxHash, normalizeAddress(req.Address), req.AmountWei); err != nil {
			s.log.Warn("server: record deposit hint", zap.Error(err))
		}
	}
	return c.JSON(fiber.Map{"accepted": true})
}
