// hutchat - real-time chat room server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/teenhut/hutchat/internal/api"
	"github.com/teenhut/hutchat/internal/chat"
	"github.com/teenhut/hutchat/internal/config"
	"github.com/teenhut/hutchat/internal/gamify"
	"github.com/teenhut/hutchat/internal/health"
	"github.com/teenhut/hutchat/internal/identity"
	"github.com/teenhut/hutchat/internal/logging"
	"github.com/teenhut/hutchat/internal/middleware"
	"github.com/teenhut/hutchat/internal/realtime"
	"github.com/teenhut/hutchat/internal/room"
	"github.com/teenhut/hutchat/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Driver, "auth", cfg.AuthEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, store.Options{
		Driver:        cfg.Store.Driver,
		SQLitePath:    cfg.Store.DBPath,
		MongoURI:      cfg.Store.MongoURI,
		MongoDatabase: cfg.Store.MongoDatabase,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Realtime core.
	rooms := room.NewRegistry()
	metrics := realtime.NewMetrics(reg, rooms)
	hub := realtime.NewHub(rooms, metrics)

	var backplane *realtime.Backplane
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		backplane = realtime.NewBackplane(rdb, cfg.Redis.Channel, metrics)
		hub.SetPublisher(backplane)
		slog.Info("Cross-node fan-out enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	stats := gamify.NewService(repo, gamify.CountAwards(reg))
	engine := chat.NewEngine(repo, hub, chat.WithStats(stats), chat.WithConversations(repo))
	history := chat.NewHistoryLoader(repo, cfg.HistoryLimit)
	slog.Info("Room history configured", "limit", history.Limit())
	wsHandler := realtime.NewWebSocketHandler(hub, room.NewGuard(repo), history, engine, realtime.HandlerConfig{
		AllowedOrigin:          cfg.FrontendURL,
		IsDev:                  cfg.IsDevelopment(),
		AuthEnabled:            cfg.AuthEnabled(),
		EventRate:              cfg.EventRate,
		EventBurst:             cfg.EventBurst,
		SendRequiresMembership: cfg.SendRequiresMembership,
	})
	apiHandler := api.NewHandler(repo, rooms, cfg.PublicRooms)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.NewVerifier(cfg.AuthJWTSecret), repo))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	var healthSrv *health.Server
	var grpcLis net.Listener
	if cfg.GRPCPort != "" {
		healthSrv = health.NewServer(repo, 0)
		if grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if healthSrv != nil {
		g.Go(func() error { return healthSrv.Serve(grpcLis) })
		g.Go(func() error { return healthSrv.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			healthSrv.Shutdown()
			return nil
		})
	}

	if backplane != nil {
		g.Go(func() error {
			return backplane.Run(gctx, func(roomName string, frame []byte) {
				hub.DeliverLocal(roomName, frame)
			})
		})
	}

	reaper := realtime.NewReaper(hub, cfg.SessionIdleTTL, 0)
	g.Go(func() error { return reaper.Run(gctx) })

	// Wait for a shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		hub.CloseAll("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
