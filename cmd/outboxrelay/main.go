// Command outboxrelay runs the transactional outbox relay: the claim
// loop, the in-process reaper, and the health/admin HTTP surface, all
// wired from a single YAML + environment configuration.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/admin"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/config"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/health"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/notifylisten"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/publisher/httpwebhook"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/repository"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	log.Printf("Initializing outbox relay (build=%s)...", BuildCommit)

	cfgPath := os.Getenv("OUTBOX_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("Fatal: failed to load configuration: %v", err)
		return 1
	}
	if cfg.DatabaseURL == "" {
		log.Println("Fatal: database_url is required (set OUTBOX_DATABASE_URL or the config file)")
		return 1
	}
	if cfg.WebhookURL == "" {
		log.Println("Fatal: webhook_url is required (set OUTBOX_WEBHOOK_URL or the config file)")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := connectWithRetry(ctx, cfg.DatabaseURL, 5, 2*time.Second)
	if err != nil {
		log.Printf("Fatal: failed to connect to database: %v", err)
		return 1
	}
	defer pool.Close()

	repo := repository.New(pool)
	pub := httpwebhook.New(cfg.WebhookURL, 10*time.Second)

	var wake <-chan struct{}
	if cfg.NotifyListenEnabled {
		listener := notifylisten.New(cfg.DatabaseURL, cfg.NotifyChannel)
		go listener.Run(ctx)
		wake = listener.Wake()
	}

	workerCfg := cfg.WorkerConfig()
	workerCfg.Wake = wake
	w, err := worker.New(repo, repo, pub, workerCfg)
	if err != nil {
		log.Printf("Fatal: invalid worker configuration: %v", err)
		return 1
	}

	router := mux.NewRouter()
	agg := health.New(repo, pool, cfg.HealthThresholds(), cfg.MaxBacklogSize)
	health.NewHandler(agg, 2*time.Second).Register(router)
	if cfg.AdminJWTSecret != "" {
		// w.Reaper() may return a nil *reaper.Reaper; assigning it directly
		// to the admin.Sweeper interface would produce a non-nil interface
		// wrapping a nil pointer, so guard explicitly.
		var sweeper admin.Sweeper
		if r := w.Reaper(); r != nil {
			sweeper = r
		}
		admin.NewHandler(repo, admin.NewAuthMiddleware(cfg.AdminJWTSecret), sweeper).Register(router)
	} else {
		log.Println("admin_jwt_secret not set: admin redrive/DLQ endpoints are disabled")
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Printf("HTTP surface listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-sigCh
	log.Println("signal received, shutting down")

	// Stop only halts new claims; Run keeps ctx alive through shutdown() so
	// in-flight dispatch goroutines can still finalize (Publish,
	// MarkCompleted/MarkFailed) within ShutdownGrace. Cancelling ctx here
	// would fail those calls with context.Canceled and abandon every
	// in-flight event to the reaper instead of letting them finish.
	w.Stop()
	<-done
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("outbox relay stopped")
	return 0
}

func connectWithRetry(ctx context.Context, dbURL string, attempts int, delay time.Duration) (*pgxpool.Pool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		pool, err := pgxpool.New(ctx, dbURL)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				return pool, nil
			} else {
				lastErr = pingErr
				pool.Close()
			}
		} else {
			lastErr = err
		}
		log.Printf("database connect attempt %d/%d failed: %v", i+1, attempts, lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
