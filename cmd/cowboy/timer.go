package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/timer"
)

// TimerCmd runs the turn timer: it watches the step stream and injects
// Timeout commands for players who sit on their turn too long.
type TimerCmd struct {
	Addr         string   `kong:"default=':8093',env='COWBOY_TIMER_ADDR',help='Health and metrics listen address'"`
	AuthorityURL string   `kong:"name='authority-url',default='http://127.0.0.1:8091',env='COWBOY_AUTHORITY_URL',help='Game authority base URL'"`
	Debug        bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus          BusFlags `kong:"embed"`
}

func (c *TimerCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	auth := authority.NewClient(c.AuthorityURL, 10*time.Second)
	sched := timer.NewScheduler(logger, auth, b)

	logger.Info().
		Str("addr", c.Addr).
		Str("authority_url", c.AuthorityURL).
		Msg("starting turn timer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timer.NewConsumer(b, sched, logger).Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "timer", c.Addr, timerRouter(logger))
	})
	return g.Wait()
}

func timerRouter(logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(logger))
	r.Get("/health", httpx.Health("timer"))
	r.Handle("/metrics", promhttp.Handler())
	return r
}
