package main

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/pipeline"
)

// PipelineCmd runs the command pipeline: the bus consumer that resolves
// command envelopes into step events, plus its internal HTTP sibling.
type PipelineCmd struct {
	Addr         string   `kong:"default=':8092',env='COWBOY_PIPELINE_ADDR',help='Internal HTTP listen address'"`
	AuthorityURL string   `kong:"name='authority-url',default='http://127.0.0.1:8091',env='COWBOY_AUTHORITY_URL',help='Game authority base URL'"`
	RedisURL     string   `kong:"name='redis-url',env='COWBOY_REDIS_URL',help='Redis URL for step records (empty disables)'"`
	Debug        bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus          BusFlags `kong:"embed"`
}

func (c *PipelineCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := openStore(ctx, c.RedisURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	auth := authority.NewClient(c.AuthorityURL, 10*time.Second)
	proc := pipeline.NewProcessor(logger, auth, b, st)

	logger.Info().
		Str("addr", c.Addr).
		Str("authority_url", c.AuthorityURL).
		Bool("store", st.Enabled()).
		Msg("starting command pipeline")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.NewConsumer(b, proc, logger).Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "pipeline", c.Addr, pipeline.NewServer(proc, logger).Router())
	})
	return g.Wait()
}
