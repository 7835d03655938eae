package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashcore/internal/apperr"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
}

// mustStore boots a disposable Postgres container, applies the migrations,
// and returns a ready Store plus teardown.
func mustStore(t *testing.T) (*Store, func()) {
	t.Helper()
	skipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbName, dbUser, dbPwd := "crashcore", "crashcore", "password"
	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
		postgres.WithInitScripts("../../migrations/000001_init.up.sql"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}

	host, err := container.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPwd, host, port.Port(), dbName)

	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}

	teardown := func() {
		pool.Close()
		_ = container.Terminate(context.Background())
	}
	return New(pool), teardown
}

func TestPlaceBetAtomic_InsufficientFunds(t *testing.T) {
	store, teardown := mustStore(t)
	defer teardown()
	ctx := context.Background()

	_, err := store.PlaceBetAtomic(ctx, "0xplayer1", decimal.NewFromFloat(1.0), "bet-1")
	if apperr.CodeOf(err) != apperr.InsufficientFund {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
}

func TestPlaceBetAtomic_Duplicate(t *testing.T) {
	store, teardown := mustStore(t)
	defer teardown()
	ctx := context.Background()

	if err := store.CreditDepositAtomic(ctx, "0xplayer2", decimal.NewFromFloat(1.0), "0xabc", 0); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	if _, err := store.PlaceBetAtomic(ctx, "0xplayer2", decimal.NewFromFloat(0.1), "bet-dup"); err != nil {
		t.Fatalf("first place_bet: %v", err)
	}
	if _, err := store.PlaceBetAtomic(ctx, "0xplayer2", decimal.NewFromFloat(0.1), "bet-dup"); apperr.CodeOf(err) != apperr.Duplicate {
		t.Fatalf("expected DUPLICATE on retried client_id, got %v", err)
	}
}

func TestBetLifecycle_WinPreservesZeroSum(t *testing.T) {
	store, teardown := mustStore(t)
	defer teardown()
	ctx := context.Background()

	if err := store.CreditDepositAtomic(ctx, "0xplayerA", decimal.NewFromFloat(1.0), "0xdep1", 0); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	stake := decimal.NewFromFloat(0.1)
	if _, err := store.PlaceBetAtomic(ctx, "0xplayerA", stake, "bet-win-1"); err != nil {
		t.Fatalf("place_bet: %v", err)
	}

	payout := decimal.NewFromFloat(0.2)
	if err := store.SettleWinAtomic(ctx, "0xplayerA", stake, payout, "win:bet-win-1"); err != nil {
		t.Fatalf("settle_win: %v", err)
	}

	acct, err := store.GetAccount(ctx, "0xplayerA")
	if err != nil {
		t.Fatalf("get_account: %v", err)
	}
	want := decimal.NewFromFloat(1.1)
	if !acct.Available.Equal(want) {
		t.Fatalf("available = %s, want %s", acct.Available, want)
	}
	if !acct.Locked.IsZero() {
		t.Fatalf("locked = %s, want 0", acct.Locked)
	}

	report, err := store.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("reconcile found violations: %v", report.Violations)
	}
}

func TestBetLifecycle_LossPreservesZeroSum(t *testing.T) {
	store, teardown := mustStore(t)
	defer teardown()
	ctx := context.Background()

	if err := store.CreditDepositAtomic(ctx, "0xplayerB", decimal.NewFromFloat(1.0), "0xdep2", 0); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	stake := decimal.NewFromFloat(0.1)
	if _, err := store.PlaceBetAtomic(ctx, "0xplayerB", stake, "bet-loss-1"); err != nil {
		t.Fatalf("place_bet: %v", err)
	}
	if err := store.SettleLossAtomic(ctx, "0xplayerB", stake, "lose:bet-loss-1"); err != nil {
		t.Fatalf("settle_loss: %v", err)
	}

	acct, err := store.GetAccount(ctx, "0xplayerB")
	if err != nil {
		t.Fatalf("get_account: %v", err)
	}
	want := decimal.NewFromFloat(0.9)
	if !acct.Available.Equal(want) {
		t.Fatalf("available = %s, want %s", acct.Available, want)
	}

	report, err := store.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("reconcile found violations: %v", report.Violations)
	}
}

func TestReconcileOnce_HealthyEmptyLedger(t *testing.T) {
	store, teardown := mustStore(t)
	defer teardown()
	ctx := context.Background()

	report, err := store.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy empty ledger, got violations: %v", report.Violations)
	}

	emergency, err := store.EmergencyMode(ctx)
	if err != nil {
		t.Fatalf("emergency mode: %v", err)
	}
	if emergency {
		t.Fatal("expected emergency mode to be false")
	}
}
