// cowboy-agent is the decision sidecar the bot service spawns: one process
// per bot, serving /init /decide /update /shutdown on a loopback address
// its worker chose.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/agent"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Listen  string           `kong:"default='127.0.0.1:0',help='Loopback address to serve the agent API on'"`
	Debug   bool             `kong:"help='Enable debug logging'"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("cowboy-agent"),
		kong.Description("Decision agent spawned per bot by the cowboy bot service"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	kctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	logger := shared.SetupStructuredLogger(cli.Debug)

	srv := agent.NewServer(logger, agent.New(logger))

	ln, err := net.Listen("tcp", cli.Listen)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("agent listening")

	httpSrv := &http.Server{Handler: srv.Router()}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx := shared.SetupSignalHandler(logger)

	select {
	case <-ctx.Done():
	case <-srv.ShutdownRequested():
		logger.Info().Msg("shutdown requested by worker")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
