package watcher

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/protocol"
)

// DurableName is the watcher's durable consumer over every game's output
// subject.
const DurableName = "game-watcher-output-v1"

// Consumer feeds the step stream into the fan-out service.
type Consumer struct {
	bus    *bus.Bus
	svc    *Service
	logger zerolog.Logger
}

func NewConsumer(b *bus.Bus, svc *Service, logger zerolog.Logger) *Consumer {
	return &Consumer{
		bus:    b,
		svc:    svc,
		logger: logger.With().Str("component", "watcher-consumer").Logger(),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, bus.ConsumerConfig{
		Stream:  bus.OutputStream,
		Durable: DurableName,
		Filter:  c.bus.OutputFilter(),
	}, c.handle)
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var step protocol.StepEvent
	if err := json.Unmarshal(data, &step); err != nil {
		c.logger.Error().Err(err).Msg("drop unparseable step")
		return nil
	}
	// A restart can redeliver an already-broadcast step; clients keyed on
	// step_seq treat the duplicate frame as a no-op.
	return c.svc.HandleStep(ctx, &step)
}
