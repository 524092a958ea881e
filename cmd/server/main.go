// Package main runs the escrow service: the engine behind a sequencer, the
// HTTP API, the notification stream and the notification archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"group-escrow/internal/api"
	"group-escrow/internal/config"
	"group-escrow/internal/escrow"
	"group-escrow/internal/notify"
	"group-escrow/internal/sequencer"
	"group-escrow/internal/storage"
	chstore "group-escrow/internal/storage/clickhouse"
	"group-escrow/internal/storage/memory"
	"group-escrow/internal/storage/migrations"
	pgstore "group-escrow/internal/storage/postgres"
	"group-escrow/internal/token"
	"group-escrow/internal/verification"
)

// stores holds the storage implementations.
type stores struct {
	ledger        storage.LedgerStore
	notifications storage.NotificationStore
}

func main() {
	envFile := flag.String("env-file", ".env", "Optional .env file loaded before the environment")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides ESCROW_HTTP_ADDR)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL and ClickHouse")
	medium := flag.String("medium", "", "Value medium: memory or rpc (overrides ESCROW_MEDIUM)")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *useMemory {
		cfg.UseMemory = true
	}
	if *medium != "" {
		cfg.Medium = *medium
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	valueMedium := createMedium(cfg)
	// The in-memory ledger has no other way to be funded.
	faucet, _ := valueMedium.(*token.Ledger)
	logger.Printf("Escrow account %s on %s medium", cfg.Account, cfg.Medium)

	hubConfig := notify.DefaultHubConfig()
	hubConfig.PingInterval = cfg.WSPingInterval
	if hubConfig.ReadTimeout <= hubConfig.PingInterval {
		hubConfig.ReadTimeout = 2 * hubConfig.PingInterval
	}
	hub := notify.NewHub(&hubConfig, log.New(os.Stdout, "[hub] ", log.LstdFlags))

	engine := escrow.NewEngine(escrow.EngineOptions{
		Store:    st.ledger,
		Medium:   valueMedium,
		Account:  cfg.Account,
		Notifier: notify.Multi{notify.NewArchiver(st.notifications), hub},
		Logger:   log.New(os.Stdout, "[escrow] ", log.LstdFlags|log.Lshortfile),
	})

	seq := sequencer.New(cfg.SequencerBuffer)
	seq.Start()

	verifier := verification.NewVerifier(verification.VerifierOptions{
		Store:   st.ledger,
		Medium:  valueMedium,
		Account: cfg.Account,
	})

	apiServer := api.NewServer(api.ServerOptions{
		Engine:    engine,
		Sequencer: seq,
		Verifier:  verifier,
		Archive:   st.notifications,
		Stream:    hub,
		Ledger:    faucet,
		Logger:    log.New(os.Stdout, "[api] ", log.LstdFlags),
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Starting HTTP server on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		logger.Printf("HTTP server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	// Stop admitting requests, drain queued mutations, then drop subscribers.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	seq.Close()
	hub.Close()
	cancel()

	submitted, executed := seq.Stats()
	logger.Printf("Shutdown complete (mutations submitted=%d executed=%d)", submitted, executed)
}

// createMedium returns the value medium the engine moves funds on.
func createMedium(cfg *config.Config) token.Medium {
	if cfg.Medium == config.MediumRPC {
		return token.NewRPCClient(cfg.TokenRPCEndpoint,
			token.WithTimeout(cfg.TokenRPCTimeout),
			token.WithMaxRetries(cfg.TokenRPCRetries),
		)
	}

	var opts []token.LedgerOption
	if cfg.MemoryFeeBps > 0 {
		opts = append(opts, token.WithFee(cfg.MemoryFeeBps, cfg.MemoryFeeSink))
	}
	return token.NewLedger(opts...)
}

// createStores creates the ledger and notification stores, applying
// migrations when backed by databases.
func createStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (*stores, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return &stores{
			ledger:        memory.NewLedgerStore(),
			notifications: memory.NewNotificationStore(),
		}, func() {}, nil
	}

	// PostgreSQL
	poolOpts := pgstore.DefaultPoolOptions()
	poolOpts.StatementTimeout = cfg.PostgresStatementTimeout
	poolOpts.LockTimeout = cfg.PostgresLockTimeout
	poolOpts.MaxConns = cfg.PostgresMaxConns
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, poolOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}
	logger.Printf("Postgres migrations applied: %d %v", len(applied), applied)

	// ClickHouse
	chConn, applied, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}
	logger.Printf("ClickHouse migrations applied: %d %v", len(applied), applied)

	st := &stores{
		ledger:        pgstore.NewLedgerStore(pool),
		notifications: chstore.NewNotificationStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return st, cleanup, nil
}
