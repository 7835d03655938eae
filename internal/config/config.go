// Package config loads the server's environment-driven configuration and
// applies the tunable defaults spec'd for the round engine, solvency
// manager, and deposit indexer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every environment variable and tunable the running process
// needs: network addresses, chain RPC and wallet settings, and the round
// and payout limits.
type Config struct {
	HTTPAddress string

	JWTSecret       string
	AdminAPIKey     string
	ChainRPCURL     string
	DepositAddress  string
	HotWalletKeyHex string
	DBURL           string
	RedisURL        string

	BettingWindow  time.Duration // T_bet
	CashoutWindow  time.Duration // T_cash
	ConfirmBlocks  uint64        // C_conf
	ReorgBlocks    uint64        // C_reorg
	CashoutBufferMS int64        // B, ms-to-crash buffer for cashout rejection
	PlayerCooldown time.Duration // T_cd

	HotWalletMin    decimal.Decimal // B_min
	HotWalletMax    decimal.Decimal // B_max
	LiabilityFactor decimal.Decimal

	MinStake decimal.Decimal
	MaxStake decimal.Decimal
	CapMult  decimal.Decimal

	HouseEdge decimal.Decimal

	RoundCap      int
	WithdrawRetry int // N_retry

	Logging LoggingConfig
}

type LoggingConfig struct {
	Level  string // debug|info|warn|error
	Format string // console|json
}

// Load reads configuration from the process environment, applying the
// defaults spec'd in §6, and validates the result.
func Load() (*Config, error) {
	c := &Config{
		HTTPAddress:     getEnv("HTTP_ADDRESS", ":8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		AdminAPIKey:     os.Getenv("ADMIN_API_KEY"),
		ChainRPCURL:     os.Getenv("CHAIN_RPC_URL"),
		DepositAddress:  os.Getenv("DEPOSIT_ADDRESS"),
		HotWalletKeyHex: os.Getenv("HOT_WALLET_PRIVKEY"),
		DBURL:           os.Getenv("DB_URL"),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),

		BettingWindow:   getEnvDuration("T_BET", 15*time.Second),
		CashoutWindow:   getEnvDuration("T_CASH", 3*time.Second),
		ConfirmBlocks:   getEnvUint("C_CONF", 12),
		ReorgBlocks:     getEnvUint("C_REORG", 25),
		CashoutBufferMS: getEnvInt64("CASHOUT_BUFFER_MS", 50),
		PlayerCooldown:  getEnvDuration("PLAYER_COOLDOWN_MS", 250*time.Millisecond),

		HotWalletMin:    getEnvDecimal("B_MIN", decimal.NewFromInt(1)),
		HotWalletMax:    getEnvDecimal("B_MAX", decimal.NewFromInt(100)),
		LiabilityFactor: getEnvDecimal("LIABILITY_FACTOR", decimal.NewFromFloat(0.8)),

		MinStake: getEnvDecimal("MIN_STAKE", decimal.NewFromFloat(0.001)),
		MaxStake: getEnvDecimal("MAX_STAKE", decimal.NewFromInt(1)),
		CapMult:  getEnvDecimal("CAP_MULT", decimal.NewFromInt(100)),

		HouseEdge: getEnvDecimal("HOUSE_EDGE", decimal.NewFromFloat(0.01)),

		RoundCap:      getEnvInt("ROUND_CAP", 5000),
		WithdrawRetry: getEnvInt("WITHDRAW_RETRY", 5),

		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.DBURL == "" {
		errs = append(errs, "DB_URL must be set")
	}
	if c.AdminAPIKey == "" {
		errs = append(errs, "ADMIN_API_KEY must be set")
	}
	if c.MinStake.GreaterThan(c.MaxStake) {
		errs = append(errs, "MIN_STAKE must not exceed MAX_STAKE")
	}
	if c.HouseEdge.LessThan(decimal.Zero) || c.HouseEdge.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "HOUSE_EDGE must be in [0, 1)")
	}
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return errors.New(msg)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvUint(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// String renders a summary safe for startup logs (no secrets).
func (c *Config) String() string {
	return fmt.Sprintf("http=%s db=<redacted> redis=%s T_bet=%s T_cash=%s C_conf=%d C_reorg=%d",
		c.HTTPAddress, c.RedisURL, c.BettingWindow, c.CashoutWindow, c.ConfirmBlocks, c.ReorgBlocks)
}
