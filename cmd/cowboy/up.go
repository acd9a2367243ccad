package main

import (
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/botmgr"
	"github.com/lox/cowboy/internal/botsvc"
	"github.com/lox/cowboy/internal/pipeline"
	"github.com/lox/cowboy/internal/timer"
	"github.com/lox/cowboy/internal/watcher"
	"github.com/lox/cowboy/internal/web"
)

// UpCmd runs every service in one process against one NATS server. It is
// the development composition; production splits services per subcommand.
type UpCmd struct {
	WebAddr        string   `kong:"name='web-addr',default=':8090',env='COWBOY_WEB_ADDR',help='Public ingress listen address'"`
	ManagerAddr    string   `kong:"name='manager-addr',default=':8091',env='COWBOY_MANAGER_ADDR',help='Game authority listen address'"`
	PipelineAddr   string   `kong:"name='pipeline-addr',default=':8092',env='COWBOY_PIPELINE_ADDR',help='Pipeline internal listen address'"`
	BotManagerAddr string   `kong:"name='bot-manager-addr',default=':8094',env='COWBOY_BOT_MANAGER_ADDR',help='Bot manager listen address'"`
	BotServiceAddr string   `kong:"name='bot-service-addr',default=':8095',env='COWBOY_BOT_SERVICE_ADDR',help='Bot service listen address'"`
	WatcherAddr    string   `kong:"name='watcher-addr',default=':8096',env='COWBOY_WATCHER_ADDR',help='Watcher listen address'"`
	AgentCommand   string   `kong:"name='agent-command',default='cowboy-agent',env='COWBOY_AGENT_COMMAND',help='Decision agent binary spawned per bot'"`
	LLMProfiles    string   `kong:"name='llm-profiles',env='COWBOY_LLM_PROFILES',help='HCL file with LLM profiles'"`
	MapFile        string   `kong:"name='default-map',env='COWBOY_DEFAULT_MAP_FILE',help='YAML map used for games created without one'"`
	RedisURL       string   `kong:"name='redis-url',env='COWBOY_REDIS_URL',help='Redis URL for persistence (empty disables)'"`
	GuideVersion   string   `kong:"name='guide-version',default='v1',env='COWBOY_GUIDE_VERSION',help='Game guide version taught to bots'"`
	Debug          bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus            BusFlags `kong:"embed"`
}

func (c *UpCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)
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

	defaultMap, err := loadDefaultMap(c.MapFile)
	if err != nil {
		return err
	}
	profiles, err := botmgr.LoadProfiles(c.LLMProfiles)
	if err != nil {
		return err
	}

	auth := authority.NewClient(localURL(c.ManagerAddr), 10*time.Second)

	mgr := botmgr.NewManager(logger, auth, botmgr.NewHostClient(30*time.Second), st, botmgr.Config{
		Hosts:        []botmgr.Host{{BaseURL: localURL(c.BotServiceAddr)}},
		GuideVersion: c.GuideVersion,
		Profiles:     profiles,
	})
	control := botmgr.NewControl(b, mgr, logger)

	svc := authority.NewService(logger, b, b, botmgr.NewClient(localURL(c.BotManagerAddr), 30*time.Second), authority.Config{
		DefaultMap: defaultMap,
	})

	proc := pipeline.NewProcessor(logger, auth, b, st)
	sched := timer.NewScheduler(logger, auth, b)

	registry := botsvc.NewRegistry(logger, b, auth, &botsvc.ProcessLauncher{Command: c.AgentCommand}, botsvc.Config{})
	defer registry.Close()

	hub := watcher.NewHub(logger)
	wsvc := watcher.NewService(logger, auth, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, logger, "authority", c.ManagerAddr, authority.NewServer(svc, logger).Router())
	})
	g.Go(func() error {
		return pipeline.NewConsumer(b, proc, logger).Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "pipeline", c.PipelineAddr, pipeline.NewServer(proc, logger).Router())
	})
	g.Go(func() error {
		return timer.NewConsumer(b, sched, logger).Run(gctx)
	})
	g.Go(func() error {
		return control.Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "bot-manager", c.BotManagerAddr, botmgr.NewServer(mgr, logger).Router())
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "bot-service", c.BotServiceAddr, botsvc.NewServer(registry, logger).Router())
	})
	g.Go(func() error {
		return watcher.NewConsumer(b, wsvc, logger).Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "watcher", c.WatcherAddr, watcher.NewServer(logger, auth, hub).Router())
	})
	g.Go(func() error {
		return serveHTTP(gctx, logger, "web", c.WebAddr, web.NewServer(logger, b).Router())
	})

	logger.Info().Str("web", c.WebAddr).Str("authority", c.ManagerAddr).Msg("all services up")
	return g.Wait()
}

// localURL turns a listen address into the loopback base URL other
// in-process services dial it on.
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
