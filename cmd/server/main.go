package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tokensim/simcore/internal/bus"
	"github.com/tokensim/simcore/internal/kv"
	"github.com/tokensim/simcore/internal/metrics"
	"github.com/tokensim/simcore/internal/model"
	"github.com/tokensim/simcore/internal/orders"
	"github.com/tokensim/simcore/internal/pricefeed"
	"github.com/tokensim/simcore/internal/repo"
	"github.com/tokensim/simcore/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Durable store ---
	var store kv.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg, err := kv.NewPostgresStore(context.Background(), pool)
		if err != nil {
			slog.Error("key-value store init failed", "err", err)
			os.Exit(1)
		}
		store = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using quota-limited in-memory store (data will not persist)")
		store = kv.NewMemoryStore()
	}

	// --- Change-notification bus ---
	var changeBus bus.Bus
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		rb := bus.NewRedisBus(rdb)
		cleanup = append(cleanup, func() { rb.Close() })
		changeBus = rb
		slog.Info("cross-context notifications via Redis")
	} else {
		changeBus = bus.NewLocalBus()
	}

	// --- Core services ---
	repository := repo.New(store, changeBus)

	sessions := session.NewManager(store, repository, changeBus)
	defer sessions.Close()

	startingBalance := int64(0)
	if v := os.Getenv("STARTING_BALANCE_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			startingBalance = n
		}
	}
	engine := orders.NewEngine(repository, sessions, startingBalance)

	// --- Streaming ---
	stream := pricefeed.NewStreamHub()
	go stream.Run()

	feeds := pricefeed.NewHub(stream)
	defer feeds.Stop()

	// Relay session changes to streaming clients.
	defer sessions.Subscribe(context.Background(), func(s *model.Session) {
		msg := pricefeed.StreamMessage{Type: "session_change"}
		if s != nil {
			msg.UserID = s.UserID
			msg.Email = s.Email
		}
		stream.Broadcast(msg)
	})()

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
		w.Write([]byte(`{"status":"ok","service":"simcore"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live price ticks and session events.
		r.Get("/ws", stream.HandleWS)

		// Session lifecycle.
		r.Post("/auth/signup", sessions.HandleSignUp)
		r.Post("/auth/signin", sessions.HandleSignIn)
		r.Post("/auth/signout", sessions.HandleSignOut)
		r.Get("/auth/session", sessions.HandleSession)

		// Order execution and queries.
		r.Post("/orders", engine.HandleSubmit)
		r.Get("/orders/{userID}", engine.HandleListOrders)
		r.Get("/holdings/{userID}", engine.HandleHoldings)

		// Synthetic price feed.
		r.Get("/pricefeed/{assetID}", feeds.HandleSnapshot)
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
		slog.Info("simcore listening", "port", port)
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

	slog.Info("shutting down simcore...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("simcore stopped")
}
