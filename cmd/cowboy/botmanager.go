package main

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/botmgr"
)

// BotManagerCmd runs the bot control plane: seat assignment, bot placement
// on hosts, step forwarding and teardown.
type BotManagerCmd struct {
	Addr          string        `kong:"default=':8094',env='COWBOY_BOT_MANAGER_ADDR',help='Listen address'"`
	AuthorityURL  string        `kong:"name='authority-url',default='http://127.0.0.1:8091',env='COWBOY_AUTHORITY_URL',help='Game authority base URL'"`
	BotHosts      []string      `kong:"name='bot-host',default='http://127.0.0.1:8095',env='COWBOY_BOT_HOSTS',help='Bot service host base URLs'"`
	HostCapacity  int           `kong:"name='host-capacity',default='0',env='COWBOY_BOT_HOST_CAPACITY',help='Max bots per host (0 = unlimited)'"`
	GuideVersion  string        `kong:"name='guide-version',default='v1',env='COWBOY_GUIDE_VERSION',help='Game guide version taught to bots'"`
	LLMProfiles   string        `kong:"name='llm-profiles',env='COWBOY_LLM_PROFILES',help='HCL file with LLM profiles'"`
	RedisURL      string        `kong:"name='redis-url',env='COWBOY_REDIS_URL',help='Redis URL for binding records (empty disables)'"`
	UpdateTimeout time.Duration `kong:"name='update-timeout',default='10s',env='COWBOY_BOT_UPDATE_TIMEOUT',help='Per-bot step forward timeout'"`
	Debug         bool          `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus           BusFlags      `kong:"embed"`
}

func (c *BotManagerCmd) Run() error {
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

	profiles, err := botmgr.LoadProfiles(c.LLMProfiles)
	if err != nil {
		return err
	}

	hosts := make([]botmgr.Host, 0, len(c.BotHosts))
	for _, baseURL := range c.BotHosts {
		hosts = append(hosts, botmgr.Host{BaseURL: baseURL, Capacity: c.HostCapacity})
	}

	auth := authority.NewClient(c.AuthorityURL, 10*time.Second)
	mgr := botmgr.NewManager(logger, auth, botmgr.NewHostClient(30*time.Second), st, botmgr.Config{
		Hosts:         hosts,
		GuideVersion:  c.GuideVersion,
		Profiles:      profiles,
		UpdateTimeout: c.UpdateTimeout,
	})
	control := botmgr.NewControl(b, mgr, logger)

	logger.Info().
		Str("addr", c.Addr).
		Strs("bot_hosts", c.BotHosts).
		Str("guide_version", c.GuideVersion).
		Bool("store", st.Enabled()).
		Msg("starting bot manager")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return control.Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "bot-manager", c.Addr, botmgr.NewServer(mgr, logger).Router())
	})
	return g.Wait()
}
