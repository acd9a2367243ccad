package botmgr

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// ControlDurable is the shared consumer that watches every game's output
// for lifecycle events.
const ControlDurable = "bot-manager-v3-control"

func forwarderDurable(gameID string) string {
	return "bot-manager-v3-" + gameID
}

var forwardersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cowboy_botmgr_forwarders_active",
	Help: "Per-game step forwarders currently running.",
})

// Control reacts to game lifecycle events on the output stream: a game
// start assigns default bots when nobody asked for an explicit split, and
// spawns the game's step forwarder; a game finish stops its bots.
//
// Each live game also gets its own forwarder consumer which replays that
// game's steps to every bound bot over the bot update endpoint.
type Control struct {
	bus    *bus.Bus
	mgr    *Manager
	logger zerolog.Logger

	mu         sync.Mutex
	runCtx     context.Context
	forwarders map[string]context.CancelFunc
}

func NewControl(b *bus.Bus, mgr *Manager, logger zerolog.Logger) *Control {
	c := &Control{
		bus:        b,
		mgr:        mgr,
		logger:     logger.With().Str("component", "botmgr-control").Logger(),
		forwarders: make(map[string]context.CancelFunc),
	}
	mgr.SetForwarders(c)
	return c
}

// Run consumes lifecycle events until ctx ends. Forwarders spawned along
// the way are children of ctx and stop with it.
func (c *Control) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	defer c.stopAll()

	return c.bus.Consume(ctx, bus.ConsumerConfig{
		Stream:  bus.OutputStream,
		Durable: ControlDurable,
		Filter:  c.bus.OutputFilter(),
	}, c.handle)
}

func (c *Control) handle(ctx context.Context, data []byte) error {
	var step protocol.StepEvent
	if err := json.Unmarshal(data, &step); err != nil {
		c.logger.Warn().Err(err).Msg("dropping unparseable step event")
		return nil
	}

	switch step.EventType {
	case game.StepGameStarted:
		if err := c.mgr.EnsureDefaultAssignment(ctx, step.GameID); err != nil {
			c.logger.Warn().Err(err).Str("game_id", step.GameID).Msg("default assignment on game start")
		}
		if c.mgr.HasAssignment(step.GameID) {
			c.Ensure(step.GameID)
		}

	case game.StepGameFinished:
		if _, err := c.mgr.StopBots(ctx, step.GameID, &protocol.StopBotsRequest{Reason: "game finished"}); err != nil {
			c.logger.Warn().Err(err).Str("game_id", step.GameID).Msg("stop bots on game finish")
		}
		c.stop(step.GameID)
		if err := c.bus.DeleteConsumer(ctx, bus.OutputStream, forwarderDurable(step.GameID)); err != nil {
			c.logger.Debug().Err(err).Str("game_id", step.GameID).Msg("delete forwarder consumer")
		}
	}
	return nil
}

// Ensure spawns the game's step forwarder if it is not already running.
func (c *Control) Ensure(gameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runCtx == nil {
		c.logger.Warn().Str("game_id", gameID).Msg("forwarder requested before control loop started")
		return
	}
	if _, ok := c.forwarders[gameID]; ok {
		return
	}
	fctx, cancel := context.WithCancel(c.runCtx)
	c.forwarders[gameID] = cancel
	go c.runForwarder(fctx, gameID)
}

func (c *Control) runForwarder(ctx context.Context, gameID string) {
	logger := c.logger.With().Str("game_id", gameID).Logger()
	logger.Info().Msg("step forwarder started")
	forwardersActive.Inc()
	defer forwardersActive.Dec()

	err := c.bus.Consume(ctx, bus.ConsumerConfig{
		Stream:  bus.OutputStream,
		Durable: forwarderDurable(gameID),
		Filter:  c.bus.OutputSubject(gameID),
	}, func(ctx context.Context, data []byte) error {
		var step protocol.StepEvent
		if err := json.Unmarshal(data, &step); err != nil {
			logger.Warn().Err(err).Msg("dropping unparseable step event")
			return nil
		}
		c.mgr.ForwardStep(ctx, gameID, &step)
		if step.EventType == game.StepGameFinished {
			c.stop(gameID)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("step forwarder failed")
		c.stop(gameID)
		return
	}
	logger.Info().Msg("step forwarder stopped")
}

func (c *Control) stop(gameID string) {
	c.mu.Lock()
	cancel, ok := c.forwarders[gameID]
	if ok {
		delete(c.forwarders, gameID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Control) stopAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.forwarders))
	for id, cancel := range c.forwarders {
		cancels = append(cancels, cancel)
		delete(c.forwarders, id)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
