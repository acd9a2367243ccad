package main

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/watcher"
)

// WatcherCmd runs the spectator service: the snapshot endpoint and the
// WebSocket stream fed by the step consumer.
type WatcherCmd struct {
	Addr         string   `kong:"default=':8096',env='COWBOY_WATCHER_ADDR',help='Listen address'"`
	AuthorityURL string   `kong:"name='authority-url',default='http://127.0.0.1:8091',env='COWBOY_AUTHORITY_URL',help='Game authority base URL'"`
	Debug        bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus          BusFlags `kong:"embed"`
}

func (c *WatcherCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	games := authority.NewClient(c.AuthorityURL, 10*time.Second)
	hub := watcher.NewHub(logger)
	svc := watcher.NewService(logger, games, hub)

	logger.Info().
		Str("addr", c.Addr).
		Str("authority_url", c.AuthorityURL).
		Msg("starting watcher")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.NewConsumer(b, svc, logger).Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "watcher", c.Addr, watcher.NewServer(logger, games, hub).Router())
	})
	return g.Wait()
}
