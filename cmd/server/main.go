// Command server runs the crash game's round engine, deposit indexer,
// payout dispatcher, and HTTP/WebSocket surface as a single process.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashcore/internal/orchestrator"
)

const shutdownTimeout = 10 * time.Second

// exitFor maps a New()/Start() failure to its process exit code, defaulting
// to 1 for anything that isn't a classified *orchestrator.StartupError.
func exitFor(err error) int {
	var startupErr *orchestrator.StartupError
	if errors.As(err, &startupErr) {
		return int(startupErr.Code)
	}
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := orchestrator.New(ctx)
	if err != nil {
		log.Printf("server: startup failed: %v", err)
		os.Exit(exitFor(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Printf("server: failed to start: %v", err)
		os.Exit(exitFor(err))
	}

	<-ctx.Done()
	log.Println("server: shutdown signal received, draining...")

	app.Shutdown(shutdownTimeout)
	os.Exit(0)
}
