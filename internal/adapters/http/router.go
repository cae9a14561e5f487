// Package http serves the call document store: REST writes and websocket subscriptions.
package http

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Store   core.Store
	Calls   *calls.Service
	Clock   clock.Clock
	Limiter *signal.RateLimiter
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(IdentityMiddleware())

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = signal.NewRateLimiter(cfg.EnvelopeRateLimit, cfg.EnvelopeRateInterval, clk)
	}
	h := &callHandlers{
		ctx:     ctx,
		store:   deps.Store,
		calls:   deps.Calls,
		clock:   clk,
		limiter: limiter,
		streams: signal.NewStreamController(deps.Store, cfg.ReadLimit, cfg.PingPeriod),
	}

	api := r.Group("/api")
	api.GET("/quota", h.quota)
	api.POST("/calls", h.createCall)

	call := api.Group("/calls/:id")
	call.GET("", h.getCall)
	call.GET("/stats", h.stats)
	call.GET("/stream", h.stream)
	call.PUT("/participants/:pid", h.setParticipant)
	call.DELETE("/participants/:pid", h.deleteParticipant)
	call.PUT("/waiting/:pid", h.setWaiting)
	call.DELETE("/waiting/:pid", h.deleteWaiting)
	call.PUT("/mute/:pid", h.setMute)
	call.POST("/admit/:pid", h.admit)
	call.POST("/envelopes", h.appendEnvelope)
	call.DELETE("/envelopes/:eid", h.deleteEnvelope)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
