package main

import (
	"time"

	"github.com/lox/cowboy/cmd/cowboy/shared"
	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/botmgr"
)

// ManagerCmd runs the game authority: the single writer of game state.
type ManagerCmd struct {
	Addr          string   `kong:"default=':8091',env='COWBOY_MANAGER_ADDR',help='Listen address'"`
	BotManagerURL string   `kong:"name='bot-manager-url',env='COWBOY_BOT_MANAGER_URL',help='Bot manager base URL (empty disables bot seats)'"`
	MapFile       string   `kong:"name='default-map',env='COWBOY_DEFAULT_MAP_FILE',help='YAML map used for games created without one'"`
	PlayerHP      int      `kong:"name='player-hp',default='10',env='COWBOY_PLAYER_HP',help='Starting hit points per seat'"`
	TurnTimeout   uint64   `kong:"name='turn-timeout',default='120',env='COWBOY_TURN_TIMEOUT_SECONDS',help='Default turn timeout in seconds'"`
	MapRows       int      `kong:"name='map-rows',default='11',env='COWBOY_MAP_ROWS',help='Generated map rows'"`
	MapCols       int      `kong:"name='map-cols',default='11',env='COWBOY_MAP_COLS',help='Generated map columns'"`
	Debug         bool     `kong:"env='COWBOY_DEBUG',help='Enable debug logging'"`
	Bus           BusFlags `kong:"embed"`
}

func (c *ManagerCmd) Run() error {
	logger := shared.SetupStructuredLogger(c.Debug)
	ctx := shared.SetupSignalHandler(logger)

	b, err := c.Bus.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	defaultMap, err := loadDefaultMap(c.MapFile)
	if err != nil {
		return err
	}

	var bots authority.BotAssigner
	if c.BotManagerURL != "" {
		bots = botmgr.NewClient(c.BotManagerURL, 30*time.Second)
	}

	svc := authority.NewService(logger, b, b, bots, authority.Config{
		DefaultMap:            defaultMap,
		PlayerHP:              c.PlayerHP,
		DefaultTimeoutSeconds: c.TurnTimeout,
		DefaultRows:           c.MapRows,
		DefaultCols:           c.MapCols,
	})

	logger.Info().
		Str("addr", c.Addr).
		Bool("bot_manager", bots != nil).
		Bool("default_map", defaultMap != nil).
		Uint64("turn_timeout_seconds", c.TurnTimeout).
		Msg("starting game authority")

	return serveHTTP(ctx, logger, "authority", c.Addr, authority.NewServer(svc, logger).Router())
}
