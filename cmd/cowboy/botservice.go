package main

import (
	"time"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/botsvc"
)

// BotServiceCmd runs one bot worker host: the registry the bot manager
// places bots on, each pairing a bus consumer with a spawned agent process.
type BotServiceCmd struct {
	Addr          string        `kong:"default=':8095',env='COWBOY_BOT_SERVICE_ADDR',help='Listen address'"`
	AuthorityURL  string        `kong:"name='authority-url',default='http://127.0.0.1:8091',env='COWBOY_AUTHORITY_URL',help='Game authority base URL'"`
	AgentCommand  string        `kong:"name='agent-command',default='cowboy-agent',env='COWBOY_AGENT_COMMAND',help='Decision agent binary spawned per bot'"`
	DecideTimeout time.Duration `kong:"name='decide-timeout',default='120s',env='COWBOY_DECIDE_TIMEOUT',help='Agent decide call timeout'"`
	UpdateTimeout time.Duration `kong:"name='update-timeout',default='120s',env='COWBOY_UPDATE_TIMEOUT',help='Agent update call timeout'"`
	Debug         bool          `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus           BusFlags      `kong:"embed"`
}

func (c *BotServiceCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	auth := authority.NewClient(c.AuthorityURL, 10*time.Second)
	registry := botsvc.NewRegistry(logger, b, auth, &botsvc.ProcessLauncher{Command: c.AgentCommand}, botsvc.Config{
		DecideTimeout: c.DecideTimeout,
		UpdateTimeout: c.UpdateTimeout,
	})
	defer registry.Close()

	logger.Info().
		Str("addr", c.Addr).
		Str("agent_command", c.AgentCommand).
		Msg("starting bot service")

	return serveHTTP(ctx, logger, "bot-service", c.Addr, botsvc.NewServer(registry, logger).Router())
}
