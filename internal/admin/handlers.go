package admin

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"crashcore/internal/apperr"
	"crashcore/internal/engine"
)

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// weiExponent mirrors internal/payout/internal/deposit: ledger and
// solvency amounts are ether-scale decimals; the HTTP surface speaks wei.
const weiExponent = 18

func decimalToWei(amount decimal.Decimal) decimal.Decimal { return amount.Shift(weiExponent) }
func weiDecimalToEther(wei decimal.Decimal) decimal.Decimal { return wei.Shift(-weiExponent) }

// RegisterRoutes mounts the admin surface under /admin and
// /health/detailed (both gated by requireAdminKey) plus the public /health
// and /proof/:round_id endpoints, following the
// teacher's App.Get/App.Group route-registration style.
func RegisterRoutes(app *fiber.App, svc *Service, adminKey string) {
	app.Get("/health", svc.healthHandler)
	app.Get("/health/detailed", requireAdminKey(adminKey), svc.detailedHealthHandler)
	app.Get("/proof/:round_id", svc.proofHandler)

	admin := app.Group("/admin", requireAdminKey(adminKey))
	admin.Post("/pause", svc.pauseHandler)
	admin.Post("/unpause", svc.resumeHandler)
	admin.Get("/limits", svc.getLimitsHandler)
	admin.Post("/limits", svc.updateLimitsHandler)
	admin.Get("/wallet-status", svc.walletStatusHandler)
	admin.Post("/transfer", svc.transferHandler)
	admin.Post("/emergency/clear", svc.clearEmergencyHandler)
}

func requireAdminKey(adminKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if adminKey == "" || c.Get("X-Admin-Key") != adminKey {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid admin key"})
		}
		return c.Next()
	}
}

func writeErr(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	return c.Status(apperr.HTTPStatus(code)).JSON(fiber.Map{"error": err.Error(), "code": code})
}

var startedAt = time.Now()

// healthHandler is the unauthenticated liveness probe: process is up and
// serving.
func (s *Service) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "uptime_s": int64(time.Since(startedAt).Seconds())})
}

// detailedHealthHandler reports ledger invariant status, deposit indexer
// lag, and hot wallet balance/thresholds.
func (s *Service) detailedHealthHandler(c *fiber.Ctx) error {
	ctx := c.Context()

	report, err := s.ledger.ReconcileOnce(ctx)
	if err != nil {
		return writeErr(c, err)
	}
	emergency, err := s.ledger.EmergencyMode(ctx)
	if err != nil {
		return writeErr(c, err)
	}

	resp := fiber.Map{
		"engine":    fiber.Map{"paused": s.round.Paused()},
		"ledger_ok": report.Healthy,
		"emergency": emergency,
	}
	if len(report.Violations) > 0 {
		resp["violations"] = report.Violations
	}

	if s.deposit != nil {
		lag, err := s.deposit.Lag(ctx)
		if err != nil {
			resp["indexer_lag_error"] = err.Error()
		} else {
			resp["indexer_lag_blocks"] = lag
		}
	}

	if s.wallet != nil {
		status := s.wallet.Status()
		resp["hot_wallet_wei"] = decimalToWei(status.HotWalletBalance)
	}

	return c.JSON(resp)
}

// walletStatusHandler reports the hot wallet's live balance against its
// B_min/B_max thresholds plus a refill/sweep recommendation. Cold and
// deep-cold wallet balances are outside this service's custody model (the
// operator moves funds there manually after a sweep) so only the hot leg
// is populated.
func (s *Service) walletStatusHandler(c *fiber.Ctx) error {
	if s.wallet == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "solvency manager not configured"})
	}
	status := s.wallet.Status()
	recommendation := "none"
	switch {
	case status.RefillNeeded:
		recommendation = "refill hot wallet from cold storage"
	case status.SweepNeeded:
		recommendation = "sweep hot wallet excess to cold storage"
	}
	return c.JSON(fiber.Map{
		"hot": fiber.Map{
			"balance_wei":   decimalToWei(status.HotWalletBalance),
			"refill_needed": status.RefillNeeded,
			"sweep_needed":  status.SweepNeeded,
		},
		"recommendation": recommendation,
	})
}

type transferRequest struct {
	To       string          `json:"to"`
	AmountWei decimal.Decimal `json:"amount_wei"`
}

// transferHandler moves funds directly out of the hot wallet, for
// operator-initiated rebalancing (e.g. sweeping excess to cold storage).
func (s *Service) transferHandler(c *fiber.Ctx) error {
	if s.sweeper == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "payout dispatcher not configured"})
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.To == "" || req.AmountWei.LessThanOrEqual(decimal.Zero) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "to and a positive amount_wei are required"})
	}
	txHash, err := s.sweeper.Transfer(c.Context(), req.To, weiDecimalToEther(req.AmountWei))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"tx_hash": txHash})
}

func (s *Service) proofHandler(c *fiber.Ctx) error {
	roundID := c.Params("round_id")
	round, err := s.rounds.GetRound(c.Context(), roundID)
	if err != nil {
		return writeErr(c, err)
	}
	if round == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "round not found"})
	}
	if round.Status != engine.RoundSettled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"round_id":    round.ID,
			"commit_hash": round.CommitHash,
			"status":      round.Status,
			"error":       "round not yet settled, reveal withheld",
		})
	}
	return c.JSON(fiber.Map{
		"round_id":        round.ID,
		"commit_hash":     round.CommitHash,
		"server_seed":     round.ServerSeed,
		"client_entropy":  round.ClientEntropy,
		"crash_point_ppm": round.CrashPointPPM,
	})
}

func (s *Service) pauseHandler(c *fiber.Ctx) error {
	if err := s.round.Pause(c.Context()); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"paused": true})
}

func (s *Service) resumeHandler(c *fiber.Ctx) error {
	if err := s.round.Resume(c.Context()); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"paused": false})
}

func (s *Service) getLimitsHandler(c *fiber.Ctx) error {
	l, err := s.limits.Get(c.Context())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(l)
}

type updateLimitsRequest struct {
	MinStake            decimal.Decimal `json:"min_stake"`
	MaxStake            decimal.Decimal `json:"max_stake"`
	CapMult             decimal.Decimal `json:"cap_mult"`
	LiabilityFactor     decimal.Decimal `json:"liability_factor"`
	PerPlayerCooldownMS int64           `json:"per_player_cooldown_ms"`
	RoundCap            int             `json:"round_cap"`
}

// updateLimitsHandler persists the new bounds and pushes them live into the
// round engine and solvency manager, so a change takes effect immediately,
// including for the betting phase in progress, without a restart.
func (s *Service) updateLimitsHandler(c *fiber.Ctx) error {
	var req updateLimitsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.MinStake.GreaterThan(req.MaxStake) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "min_stake must not exceed max_stake"})
	}

	l := Limits{
		MinStake:            req.MinStake,
		MaxStake:            req.MaxStake,
		CapMult:             req.CapMult,
		LiabilityFactor:     req.LiabilityFactor,
		PerPlayerCooldownMS: req.PerPlayerCooldownMS,
		RoundCap:            req.RoundCap,
	}
	if err := s.limits.Update(c.Context(), l); err != nil {
		return writeErr(c, err)
	}

	if err := s.round.UpdateLimits(c.Context(), engine.Limits{
		MinStake:       req.MinStake,
		MaxStake:       req.MaxStake,
		CapMult:        req.CapMult,
		PlayerCooldown: msToDuration(req.PerPlayerCooldownMS),
		RoundCap:       req.RoundCap,
	}); err != nil {
		return writeErr(c, err)
	}
	if s.wallet != nil {
		s.wallet.SetLiabilityFactor(req.LiabilityFactor)
	}

	return c.JSON(fiber.Map{"updated": true})
}

func (s *Service) clearEmergencyHandler(c *fiber.Ctx) error {
	if err := s.ledger.ClearEmergencyMode(c.Context()); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"emergency": false})
}
