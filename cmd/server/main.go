/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the TinySteps center engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire access guard, scheduler and ledger
  5. Configure HTTP router
  6. Start server with graceful shutdown

CONFIGURATION:
  Flags, each with an environment fallback:
    -port     / PORT          HTTP server port (default: 8080)
    -db       / DB_PATH       SQLite database path (default: center.db)
                              Use ":memory:" for in-memory database
    -cors     / CORS_ORIGINS  Comma-separated allowed origins (default: *)
    -log      / LOG_LEVEL     "dev" for console output, anything else
                              for production JSON (default: prod)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/center.db"

  # Run with in-memory database and console logs
  ./server -db=":memory:" -log=dev

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tinysteps/center-engine/access"
	"github.com/tinysteps/center-engine/api"
	"github.com/tinysteps/center-engine/finance"
	"github.com/tinysteps/center-engine/schedule"
	"github.com/tinysteps/center-engine/store/sqlite"
)

func main() {
	// .env is optional; flags still win over the environment.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "center.db"), "SQLite database path")
	corsOrigins := flag.String("cors", envStr("CORS_ORIGINS", "*"), "comma-separated allowed CORS origins")
	logMode := flag.String("log", envStr("LOG_LEVEL", "prod"), `"dev" for console logs, "prod" for JSON`)
	flag.Parse()

	logger := buildLogger(*logMode)
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	guard := access.NewGuard(store)
	scheduler := schedule.NewScheduler(store, store, guard, logger)
	ledger := finance.NewLedger(store, guard)
	handler := api.NewHandler(scheduler, ledger, store, logger)

	router := api.NewRouter(handler, logger, strings.Split(*corsOrigins, ","))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("db", *dbPath),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func buildLogger(mode string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if mode == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
