package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/finmesa/auction-engine/internal/adjudication"
	"github.com/finmesa/auction-engine/internal/api"
	"github.com/finmesa/auction-engine/internal/audit"
	"github.com/finmesa/auction-engine/internal/auction"
	"github.com/finmesa/auction-engine/internal/commitment"
	"github.com/finmesa/auction-engine/internal/config"
	"github.com/finmesa/auction-engine/internal/ledger"
	"github.com/finmesa/auction-engine/internal/metrics"
	"github.com/finmesa/auction-engine/internal/offer"
	"github.com/finmesa/auction-engine/internal/store"
	"github.com/finmesa/auction-engine/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Tracing ---
	shutdownTracing, err := tracing.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		slog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	})

	// --- Initialize store ---
	var st store.Store

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis commitment cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Audit trail ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	bus := audit.NewBus(audit.LogSink{}, wsHub)
	var auditLog *audit.BoltSink
	if cfg.AuditBoltPath != "" {
		auditLog, err = audit.OpenBoltSink(cfg.AuditBoltPath)
		if err != nil {
			slog.Error("audit log open failed", "path", cfg.AuditBoltPath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { auditLog.Close() })
		bus.Subscribe(auditLog)
		slog.Info("audit log enabled", "path", cfg.AuditBoltPath)
	}
	// Runs before the sinks close.
	cleanup = append(cleanup, bus.Close)

	// --- Engine ---
	lgr := ledger.New(st)
	auctions := auction.NewManager(st, lgr, bus, cfg.MinBiddingWindowMinutes)
	offers := offer.NewIntake(st, auctions, bus)
	registry := commitment.NewRegistry(st)
	coordinator := adjudication.NewCoordinator(st, lgr, registry, auctions, bus, adjudication.Options{
		RequireAdminApproval: cfg.RequireAdminApproval,
		UseTransactions:      cfg.UseTransactions,
	})
	slog.Info("adjudication strategy", "strategy", coordinator.Strategy(),
		"require_admin_approval", cfg.RequireAdminApproval)

	if cfg.SweepInterval > 0 {
		go auctions.RunSweeper(ctx, cfg.SweepInterval)
	}

	svc := api.NewService(api.Deps{
		Store:       st,
		Ledger:      lgr,
		Auctions:    auctions,
		Offers:      offers,
		Coordinator: coordinator,
		Commitments: registry,
		AuditLog:    auditLog,
		Audit:       bus,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)
	r.Use(tracing.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live auction events.
		r.Get("/ws", wsHub.HandleWS(api.OriginChecker(cfg.AllowedOrigins)))
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("auction-engine stopped")
}
