package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/dkeye/huddle/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var live atomic.Pointer[calls.Service]
	watcher, err := config.Watch(config.FileName(), func(c *config.Config) {
		if svc := live.Load(); svc != nil {
			svc.SetDailyLimit(c.DailyCallLimit)
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := watcher.Current()
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to open store")
	}
	defer db.Close()

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL)
	}

	clk := clock.New()
	svc := calls.NewService(db, notifier, clk, cfg.DailyCallLimit, cfg.PublicURL)
	live.Store(svc)

	janitor := &calls.Janitor{
		Store:       db,
		Clock:       clk,
		EnvelopeTTL: cfg.EnvelopeTTL,
		SessionTTL:  cfg.SessionTTL,
		StaleAfter:  cfg.StalenessWindow,
		Interval:    cfg.SweepInterval,
	}
	go janitor.Run(ctx)

	r := router.SetupRouter(ctx, cfg, router.Deps{Store: db, Calls: svc, Clock: clk})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("db", db.Path()).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
