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

	"github.com/waxvault/pricing-engine/internal/market"
	"github.com/waxvault/pricing-engine/internal/metrics"
	"github.com/waxvault/pricing-engine/internal/policy"
	"github.com/waxvault/pricing-engine/internal/pricing"
	"github.com/waxvault/pricing-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap snapshot reads with a Redis cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewSnapshotCache(st, rdb, 30*time.Second)
			slog.Info("Redis snapshot cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- External price sources ---
	var discogs, ebay market.PriceSource
	if base := os.Getenv("DISCOGS_BASE_URL"); base != "" {
		discogs = market.NewDiscogsSource(base, os.Getenv("DISCOGS_TOKEN"))
		slog.Info("Discogs price source enabled")
	}
	if base := os.Getenv("EBAY_BASE_URL"); base != "" {
		ebay = market.NewEBaySource(base, os.Getenv("EBAY_TOKEN"))
		slog.Info("eBay price source enabled")
	}
	resolver := market.NewResolver(st, discogs, ebay)

	// --- Policy cache ---
	cache := policy.NewCache(st, policy.DefaultTTL)

	// --- WebSocket hub ---
	hub := pricing.NewHub()
	go hub.Run()

	// --- Pricing service ---
	svc := pricing.NewService(st, cache, resolver, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for admin frontend cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"pricing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for policy-change events.
		r.Get("/ws", hub.HandleWS)

		// Policy administration.
		r.Get("/policies/{scope}", svc.GetActivePolicy)
		r.Put("/policies/{scope}", svc.SavePolicy)
		r.Get("/policies/{scope}/history", svc.ListPolicyHistory)
		r.Post("/policies/{scope}/rollback", svc.RollbackPolicy)
		r.Post("/policies/cache/clear", svc.ClearPolicyCache)

		// Price calculation.
		r.Post("/prices/buy", svc.CalculateBuyPrice)
		r.Post("/prices/sell", svc.CalculateSellPrice)
		r.Post("/prices/markdown", svc.CalculateMarkdown)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pricing-engine listening", "port", port)
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

	slog.Info("shutting down pricing-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pricing-engine stopped")
}
