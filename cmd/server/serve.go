package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/staking-engine/internal/api"
	"github.com/atmx/staking-engine/internal/config"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/staking"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/token"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the staking HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Token ledger ---
	ledger, err := openLedger(ctx, cfg, st)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	hubDone := make(chan struct{})
	go func() {
		wsHub.Run(ctx)
		close(hubDone)
	}()

	// --- Staking engine ---
	engineCfg, err := cfg.StakingConfig()
	if err != nil {
		return err
	}
	eng, err := staking.New(ctx, engineCfg, ledger, st,
		staking.WithEmitter(wsHub),
		staking.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	metrics.ObserveGlobals(eng.Globals(), len(eng.Positions()))

	svc := api.NewService(eng, st, ledger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"staking-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		svc.RegisterRoutes(r, wsHub)
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("staking-engine listening", "port", port, "mode", eng.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down staking-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-hubDone
	slog.Info("staking-engine stopped")
	return nil
}

// openStore picks Postgres when a database URL is configured, optionally
// fronted by the Redis event cache, and memory otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Store.DatabaseURL == "" {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL())
	}
	return st, closeAll, nil
}

// openLedger restores the token ledger committed alongside the engine
// state. Only a store that has never held ledger entries is seeded from the
// configured genesis balances and allowances.
func openLedger(ctx context.Context, cfg *config.Config, st store.Store) (*token.MemoryLedger, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snap.Token != nil {
		slog.Info("token ledger restored", "accounts", len(snap.Token.Balances), "allowances", len(snap.Token.Allowances))
		return token.FromState(snap.Token), nil
	}
	if snap.Globals != nil {
		slog.Warn("store holds engine state but no token ledger; seeding from genesis")
	}

	genesis, err := cfg.GenesisBalances()
	if err != nil {
		return nil, err
	}
	ledger := token.NewMemoryLedger(genesis)
	allowances, err := cfg.Allowances()
	if err != nil {
		return nil, err
	}
	for _, a := range allowances {
		if err := ledger.Approve(ctx, a.Owner, a.Spender, a.Amount); err != nil {
			return nil, fmt.Errorf("seed allowance for %s: %w", a.Owner.Hex(), err)
		}
	}
	return ledger, nil
}

// cors allows the dashboard to call the API cross-origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	headers := strings.Join([]string{"Content-Type", "Authorization", api.CallerHeader}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
