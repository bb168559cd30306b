package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beardcraft/pokering/internal/config"
	"github.com/beardcraft/pokering/internal/gateway"
	"github.com/beardcraft/pokering/internal/metrics"
	"github.com/beardcraft/pokering/internal/poker"
	"github.com/beardcraft/pokering/internal/ratelimit"
	"github.com/beardcraft/pokering/internal/session"
	"github.com/beardcraft/pokering/internal/version"
	"github.com/beardcraft/pokering/internal/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Server.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	store := session.NewStore(clock, cfg.Limits.MaxSessions, cfg.Limits.MaxMembersPerSession)
	limiter := ratelimit.NewLimiter(clock)
	joinCooldown := ratelimit.NewCooldown(clock)
	createCooldown := ratelimit.NewCooldown(clock)

	manager := gateway.NewManager(gateway.DefaultConfig())
	app := poker.NewApp(store, limiter, joinCooldown, manager, clock)
	manager.SetHandler(app)

	sweeper := session.NewSweeper(store, clock, cfg.Expiry.SweepInterval, cfg.Expiry.IdleTimeout, cfg.Expiry.AbsoluteTimeout)
	sweeper.OnEvict = func(evicted int) {
		metrics.SessionsExpired.Add(float64(evicted))
	}

	go manager.Run(ctx)
	go sweeper.Run(ctx)
	go limiter.RunJanitor(ctx, cfg.Cleanup.JanitorInterval, cfg.Cleanup.JanitorGrace)
	go joinCooldown.RunJanitor(ctx, cfg.Cleanup.JanitorInterval, cfg.Cleanup.JanitorGrace)
	go createCooldown.RunJanitor(ctx, cfg.Cleanup.JanitorInterval, cfg.Cleanup.JanitorGrace)
	go runGauges(ctx, clock, store)

	metrics.MaxSessions.Set(float64(cfg.Limits.MaxSessions))

	srv := web.NewServer(cfg, store, limiter, createCooldown, joinCooldown, manager).HTTPServer()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version.Version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

// setupLogging keeps production logs small, matching the warn-level default.
func setupLogging(environment string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if environment == "development" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// runGauges keeps the session gauges fresh for scrapes.
func runGauges(ctx context.Context, clock clockwork.Clock, store *session.Store) {
	ticker := clock.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			metrics.ActiveSessions.Set(float64(store.Len()))
			metrics.MembersTotal.Set(float64(store.TotalMembers()))
		}
	}
}
