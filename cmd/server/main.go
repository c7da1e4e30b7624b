package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rafflelive/raffle-backend/internal/clock"
	"github.com/rafflelive/raffle-backend/internal/config"
	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/engine"
	"github.com/rafflelive/raffle-backend/internal/httpapi"
	"github.com/rafflelive/raffle-backend/internal/hub"
	"github.com/rafflelive/raffle-backend/internal/relay"
	"github.com/rafflelive/raffle-backend/internal/store"
	"github.com/rafflelive/raffle-backend/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()
	origin := uuid.NewString()

	var st *store.Store
	if cfg.Postgres.DSN != "" {
		st, err = store.Open(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("open store", zap.Error(err))
		}
	} else {
		logger.Warn("no postgres dsn configured, running without persistence")
	}

	var rel *relay.Relay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rel = relay.New(rdb, origin, logger)
	}

	roomOpts := draw.Options{
		Windows: engine.Windows{
			Selection: cfg.Reservation.SelectionWindow,
			Checkout:  cfg.Reservation.CheckoutWindow,
		},
		Clock:  clk,
		Origin: origin,
		Logger: logger,
	}
	if st != nil {
		roomOpts.Store = st
	}
	if rel != nil {
		roomOpts.Publisher = rel
	}

	hubOpts := hub.Options{Room: roomOpts, Logger: logger}
	if st != nil {
		hubOpts.Loader = st
	}
	if rel != nil {
		hubOpts.Claimer = rel
	}
	h := hub.NewHub(ctx, hubOpts)

	sw := sweeper.New(h, clk, cfg.Reservation.SweepInterval, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: httpapi.SetupRoutes(h, st, logger),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(ctx) })
	if rel != nil {
		g.Go(func() error { return rel.Run(ctx, h) })
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		h.Inbox() <- hub.ShutdownHub{}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
}
