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

	"github.com/marketfold/prediction-engine/internal/archive"
	"github.com/marketfold/prediction-engine/internal/engine"
	"github.com/marketfold/prediction-engine/internal/feed"
	"github.com/marketfold/prediction-engine/internal/metrics"
	"github.com/marketfold/prediction-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- WebSocket feed hub ---
	hub := feed.NewHub()
	go hub.Run()

	broadcasters := []engine.Broadcaster{hub}

	// --- Optional archive sinks ---
	var pool *pgxpool.Pool
	var rdb *redis.Client

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		slog.Info("connected to PostgreSQL")
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		slog.Info("Redis publishing enabled")
	}
	if pool != nil || rdb != nil {
		arch := archive.New(pool, rdb, 30*time.Second)
		if err := arch.Init(context.Background()); err != nil {
			slog.Error("archive init failed", "err", err)
			os.Exit(1)
		}
		arch.Start()
		defer arch.Close()
		broadcasters = append(broadcasters, arch)
	} else {
		slog.Warn("DATABASE_URL/REDIS_URL not set, trades live in process memory only")
	}

	// --- Registry and trade service ---
	registry := engine.NewRegistry(broadcasters...)
	tradeSvc := trade.NewService(registry)

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
		w.Write([]byte(`{"status":"ok","service":"prediction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint pushing the update payload of every commit.
		r.Get("/ws", hub.HandleWS)

		// Market management.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Post("/markets", tradeSvc.CreateMarket)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/history", tradeSvc.GetMarketHistory)

		// Users.
		r.Post("/users", tradeSvc.RegisterUser)
		r.Get("/users/{userID}", tradeSvc.GetUser)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Portfolio queries.
		r.Get("/portfolio/{userID}", tradeSvc.GetPortfolio)
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
		slog.Info("prediction-engine listening", "port", port)
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

	slog.Info("shutting down prediction-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("prediction-engine stopped")
}
