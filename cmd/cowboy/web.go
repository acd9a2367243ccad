package main

import (
	"golang.org/x/time/rate"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/web"
)

// WebCmd runs the public command ingress.
type WebCmd struct {
	Addr      string   `kong:"default=':8090',env='COWBOY_WEB_ADDR',help='Listen address'"`
	RateRPS   float64  `kong:"name='rate-rps',default='20',env='COWBOY_RATE_RPS',help='Per-IP sustained requests per second'"`
	RateBurst int      `kong:"name='rate-burst',default='40',env='COWBOY_RATE_BURST',help='Per-IP burst allowance'"`
	Debug     bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus       BusFlags `kong:"embed"`
}

func (c *WebCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	srv := web.NewServer(logger, b, web.WithRateLimit(rate.Limit(c.RateRPS), c.RateBurst))

	logger.Info().
		Str("addr", c.Addr).
		Float64("rate_rps", c.RateRPS).
		Int("rate_burst", c.RateBurst).
		Msg("starting web ingress")

	return serveHTTP(ctx, logger, "web", c.Addr, srv.Router())
}
