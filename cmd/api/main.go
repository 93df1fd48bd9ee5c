package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papertrade/internal/auth"
	"papertrade/internal/config"
	"papertrade/internal/db"
	"papertrade/internal/engine"
	"papertrade/internal/events"
	"papertrade/internal/health"
	"papertrade/internal/httpserver"
	"papertrade/internal/liquidity"
	"papertrade/internal/logging"
	"papertrade/internal/replication"
	"papertrade/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("config load failed")
	}
	log := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Console:    true,
		FilePath:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	})

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer pool.Close()

	bus := events.NewBus()
	store := storage.NewPostgres(pool)

	opts := []engine.Option{
		engine.WithPublisher(bus),
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
		engine.WithLiquidityConfig(liquidity.Config{
			DepthMultiplier:    cfg.DepthMultiplier,
			ImpactFactor:       cfg.ImpactFactor,
			MinFillRatePerHour: 0.05,
			AllowPartialFills:  true,
			MaxSlippagePct:     cfg.MaxSlippagePct,
		}),
	}
	if len(cfg.SyncPeers) > 0 {
		repl := replication.New(cfg.SyncPeers, cfg.InternalToken, log.With().Str("component", "replication").Logger())
		defer repl.Close()
		opts = append(opts, engine.WithReplicator(repl))
	}

	eng := engine.New(store, engine.Config{
		BaseSlippagePct: cfg.BaseSlippagePct,
		FeePct:          cfg.FeePct,
		MinOrderValue:   cfg.MinOrderValue,
		ImpactFactor:    cfg.ImpactFactor,
	}, opts...)

	authSvc := auth.NewService(pool, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:    auth.NewHandler(authSvc),
		TradingHandler: httpserver.NewTradingHandler(eng),
		HealthHandler:  health.NewHandler(pool, time.Now(), cfg.HTTPAddr, cfg.InternalToken),
		AuthService:    authSvc,
		InternalToken:  cfg.InternalToken,
		WSHandler:      httpserver.NewWSHandler(bus, authSvc, cfg.WebSocketOrigin),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
