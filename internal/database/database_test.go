package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func mustStartPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbName, dbUser, dbPwd := "crashcore", "crashcore", "password"

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
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
	return url, func() { _ = container.Terminate(context.Background()) }
}

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
}

func TestNewAndHealth(t *testing.T) {
	skipIfNoDocker(t)
	url, teardown := mustStartPostgresContainer(t)
	defer teardown()

	ctx := context.Background()
	svc, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer svc.Close()

	stats := svc.Health()
	if stats["status"] != "up" {
		t.Fatalf("expected status up, got %v", stats)
	}
}

func TestNew_BadDSN(t *testing.T) {
	_, err := New(context.Background(), "not-a-dsn")
	if err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
