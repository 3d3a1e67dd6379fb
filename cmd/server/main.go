package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/playperu/territory/internal/auth"
	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/cache"
	"github.com/playperu/territory/internal/config"
	"github.com/playperu/territory/internal/database"
	"github.com/playperu/territory/internal/handler/docs"
	"github.com/playperu/territory/internal/handler/games"
	"github.com/playperu/territory/internal/handler/health"
	"github.com/playperu/territory/internal/handler/ws"
	"github.com/playperu/territory/internal/live"
	"github.com/playperu/territory/internal/realtime"
	"github.com/playperu/territory/internal/server"
	"github.com/playperu/territory/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	table, err := balance.Load(cfg.BalancePath)
	if err != nil {
		return fmt.Errorf("loading balance table: %w", err)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("configuring tokens: %w", err)
	}

	// --- SQLite ---
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	docStore, err := store.NewDocStore(ctx, db)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	if cfg.SeedDemo {
		if err := docStore.SeedDemo(ctx, logger, table.Player.StartBalance); err != nil {
			return fmt.Errorf("seeding demo: %w", err)
		}
		logDemoTokens(ctx, logger, docStore, tokens)
	}

	// --- Redis ---
	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()
	logger.Info("connected to redis")

	locations := cache.NewLocationCache(rdb, logger, cache.Options{
		TTL:         cfg.LocationTTL,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	})

	// --- Live engine ---
	hub := realtime.NewHub(logger, realtime.Options{
		Rate:  cfg.WSMessagesPerSecond,
		Burst: cfg.WSBurst,
	})
	manager := live.NewManager(live.Deps{
		Store:    docStore,
		Cache:    locations,
		Sender:   hub,
		Presence: hub,
		Table:    table,
		Logger:   logger,
	}, live.Options{
		TickInterval:     cfg.TickInterval,
		LocationInterval: cfg.LocationUpdateInterval,
		DisconnectGrace:  cfg.DisconnectGrace,
	})

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, func(r chi.Router) {
		docs.Mount(r)
		r.Mount("/healthz", health.NewHandler(logger, map[string]health.Checker{
			"sqlite": docStore,
			"redis":  locations,
		}, map[string]health.Gauge{
			"games":       func() int { return len(manager.Games()) },
			"connections": hub.Count,
		}).Routes())
		r.Mount("/ws", ws.NewHandler(logger, manager, hub, tokens).Routes())
		r.Mount("/api/games", games.NewHandler(logger, manager, tokens).Routes())
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// logDemoTokens prints a socket token for every demo user so the seeded game
// can be joined without an account service.
func logDemoTokens(ctx context.Context, logger *slog.Logger, s *store.DocStore, tokens *auth.Tokens) {
	users, err := s.GameUsers(ctx, "demo")
	if err != nil {
		logger.Warn("listing demo users failed", "error", err)
		return
	}
	for _, u := range users {
		tok, err := tokens.Issue(u.UserID)
		if err != nil {
			logger.Warn("issuing demo token failed", "user", u.UserID, "error", err)
			continue
		}
		logger.Info("demo token", "game", "demo", "user", u.UserID, "token", tok)
	}
}
