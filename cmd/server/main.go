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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/paper-engine/internal/api"
	"github.com/papertrade/paper-engine/internal/config"
	"github.com/papertrade/paper-engine/internal/events"
	"github.com/papertrade/paper-engine/internal/limits"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/options"
	"github.com/papertrade/paper-engine/internal/oracle"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/scheduler"
	"github.com/papertrade/paper-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
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
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Pricing ---
	quotes, err := oracle.NewClient(cfg.QuoteServiceURL,
		oracle.WithTimeout(cfg.QuoteTimeout),
		oracle.WithCacheTTL(cfg.QuoteCacheTTL, cfg.HistoryCacheTTL),
	)
	if err != nil {
		slog.Error("quote client", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, quotes.Close)

	curve := pricing.NewYieldCurve(quotes, cfg.DefaultRiskFreeRate, cfg.RateRefreshInterval)
	pricer := pricing.NewPricer(quotes, curve, pricing.Config{
		DefaultVolatility: cfg.DefaultVolatility,
		VolatilityWindow:  cfg.VolatilityWindowDays,
	})

	// --- Events ---
	hub := events.NewHub()
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		events.EnsureTopic(ctx, cfg.KafkaBrokers[0], cfg.KafkaTopic)
		cancel()

		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), 5*time.Second)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("Kafka event stream enabled", "topic", cfg.KafkaTopic)
	}

	// --- Lifecycle manager ---
	mgr := options.NewManager(st, pricer, options.Config{
		InitialCash: cfg.InitialCash,
		Limits:      limits.NewPositionLimiter(cfg.MaxContractsPerUnderlying, cfg.MaxShortContracts),
	}, publishers)

	// --- Background work ---
	bg, stopBG := context.WithCancel(context.Background())
	defer stopBG()

	settlement := scheduler.NewScheduler("settlement", cfg.SettlementInterval,
		scheduler.TaskFunc(func(ctx context.Context) error {
			_, err := mgr.SettleExpired(ctx)
			return err
		}), true)
	sweep := scheduler.NewScheduler("risk-sweep", cfg.RiskSweepInterval,
		scheduler.TaskFunc(mgr.RiskSweep), false)

	var g errgroup.Group
	g.Go(func() error { hub.Run(bg); return nil })
	g.Go(func() error { return settlement.Start(bg) })
	g.Go(func() error { return sweep.Start(bg) })

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of ledger events.
		r.Get("/ws", hub.HandleWS)
		api.NewHandler(mgr).Register(r)
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
		slog.Info("paper-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	settlement.Stop()
	sweep.Stop()
	stopBG()
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("background task error", "err", err)
	}
	fmt.Println("paper-engine stopped")
}
