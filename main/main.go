package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"chatserver/auth"
	"chatserver/config"
	"chatserver/db"
	"chatserver/directory"
	"chatserver/hub"
	"chatserver/main/routes"
	"chatserver/metrics"
	"chatserver/pubsub"
	"chatserver/router"
	"chatserver/store"
)

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func rateLimitErrorHandler(c *gin.Context, info ratelimit.Info) {
	c.String(429, "Too many requests. Try again in "+time.Until(info.ResetTime).String())
}

func newLogger(env string) zerolog.Logger {
	if env == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
}

func main() {
	// Load .env when present; deployments set real env vars instead.
	_ = godotenv.Load()

	cfg := config.Load()
	log := newLogger(cfg.Env)

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	conn, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close(conn)
	if err := db.EnsureSchema(conn); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	st := store.New(conn)
	authority := auth.NewAuthority(st, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, log)
	ledger := hub.NewLedger(cfg.ReplayWindow, st)
	registry := hub.NewRegistry(ledger, cfg.SendQueueSize, log)
	dir := directory.New(st, cfg.DefaultMaxMembers, log)
	resolver := directory.NewResolver(st)

	var bus pubsub.Bus
	if cfg.RedisAddr != "" {
		bus, err = pubsub.NewRedisBus(cfg.RedisAddr, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis bus")
	} else {
		bus = pubsub.NewInProcBus()
	}
	defer bus.Close()

	instanceID := uuid.NewString()
	dir.SetBus(bus, instanceID)
	rtr := router.New(st, dir, resolver, registry, bus, instanceID, cfg.MaxContentLength, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deliver cross-instance events to local subscribers; revoked sessions
	// and removed members lose their sockets, stale membership cache entries
	// are dropped.
	go func() {
		if err := bus.Run(ctx, func(ev pubsub.Event) {
			registry.HandleBusEvent(instanceID, ev)
			dir.HandleBusEvent(ev)
		}); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bus consumer stopped")
		}
	}()
	authority.SubscribeRevocations(registry.DisconnectSession)
	dir.OnMembershipRemoved(registry.UnsubscribeUser)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())

	rlStore := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  time.Second,
		Limit: 100, // per-IP requests per second
	})
	r.Use(ratelimit.RateLimiter(rlStore, &ratelimit.Options{
		ErrorHandler: rateLimitErrorHandler,
		KeyFunc:      keyFunc,
	}))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	deps := routes.Deps{
		Auth:     authority,
		Dir:      dir,
		Resolver: resolver,
		Router:   rtr,
		Registry: registry,
		Store:    st,
	}
	routes.SetupAPIRoutes(r, deps)
	routes.SetupWebSocketRoutes(r, deps)
	routes.SetupOpsRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("instance", instanceID).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
