// README: Entry point; loads config, wires the dispatch stack, starts the HTTP server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hail/internal/config"
	"hail/internal/dispatch"
	"hail/internal/driver"
	"hail/internal/eventbus"
	"hail/internal/geo"
	httptransport "hail/internal/http"
	"hail/internal/infra"
	"hail/internal/maps"
	"hail/internal/trip"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store trip.Store
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = trip.NewPGStore(pool)
	} else {
		log.Warn("no db.dsn configured; using in-memory trip store")
		store = trip.NewMemStore()
	}

	var index geo.Index
	switch cfg.Geo.Technique {
	case "rtree":
		index = geo.NewRTreeIndex()
	default:
		index = geo.NewCellIndex(cfg.Geo.Precision)
	}

	var mirror *driver.Mirror
	bus := eventbus.New(nil, log)
	if cfg.Redis.Addr != "" {
		redisClient := infra.NewRedis(cfg.Redis.Addr)
		defer redisClient.Close()
		mirror = driver.NewMirror(redisClient)
		bus = eventbus.New(redisClient, log)
	}
	go bus.Run(ctx)

	registry := driver.NewRegistry(index, mirror, log)

	coord := dispatch.NewCoordinator(store, registry, bus, dispatch.Config{
		DefaultRadiusMeters: cfg.Dispatch.DefaultRadiusMeters,
		ArrivalRadiusMeters: cfg.Dispatch.ArrivalRadiusMeters,
	}, log)

	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Error("maps init failed", "err", err)
			os.Exit(1)
		}
		coord = coord.WithRouting(routes)
	}

	if cfg.AMQP.URL != "" {
		publisher, err := eventbus.NewAMQPPublisher(cfg.AMQP.URL, log)
		if err != nil {
			log.Error("amqp init failed", "err", err)
			os.Exit(1)
		}
		defer publisher.Close()
		coord = coord.WithOutbound(publisher)
	}

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Coordinator: coord,
		Registry:    registry,
		Bus:         bus,
		Log:         log,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("hail-api listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
