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

	"github.com/gridtokenx/trading-engine/internal/clearing"
	"github.com/gridtokenx/trading-engine/internal/config"
	"github.com/gridtokenx/trading-engine/internal/engine"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/risk"
	"github.com/gridtokenx/trading-engine/internal/store"
	"github.com/gridtokenx/trading-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event publishers ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	publishers := events.Multi{events.LogPublisher{Logger: logger}, wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("Kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	eng := engine.New(engine.Config{
		FeeBps:     cfg.FeeBps,
		DefaultTTL: cfg.DefaultTTL,
		MaxMatches: cfg.MaxMatchesPerCall,
		Treasury:   model.ParticipantID(cfg.TreasuryID),
		Risk: risk.Limiter{
			MaxOrderQuantity: cfg.Risk.MaxOrderQuantity,
			MaxOpenPerType:   cfg.Risk.MaxOpenPerType,
			MaxOpenQuantity:  cfg.Risk.MaxOpenQuantity,
		},
		Certificates: cfg.Certificates,
	}, st, model.SystemClock{}, publishers)

	for id, encoded := range cfg.Authorities {
		key, err := governance.ParseKey(encoded)
		if err == nil {
			err = eng.Governance().AddAuthority(id, key)
		}
		if err != nil {
			slog.Error("invalid certificate authority", "authority", id, "err", err)
			os.Exit(1)
		}
	}

	if err := eng.Restore(ctx); err != nil {
		slog.Error("restore failed", "err", err)
		os.Exit(1)
	}

	// --- Market clearing ---
	scheduler := clearing.New(eng, cfg.ClearingInterval, cfg.ClearingBatch)
	go scheduler.Run(ctx)

	svc := trade.NewService(eng, scheduler, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening",
			"port", cfg.Port,
			"fee_bps", cfg.FeeBps,
			"clearing_interval", cfg.ClearingInterval.String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}

// openStore selects the durable store: PostgreSQL (optionally behind a Redis
// read-through cache), then Pebble, then memory. The returned cleanup
// functions run in reverse order on shutdown.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		cleanup = append(cleanup, func() { pg.Close() })
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(pg, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL.String())
		}
		return st, cleanup, nil

	case cfg.PebbleDir != "":
		ps, err := store.OpenPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble: %w", err)
		}
		cleanup = append(cleanup, func() { ps.Close() })
		slog.Info("using Pebble store", "dir", cfg.PebbleDir)
		return ps, cleanup, nil

	default:
		slog.Warn("DATABASE_URL and PEBBLE_DIR not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}
