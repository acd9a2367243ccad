package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/protocol"
)

// DurableName is the pipeline's shared durable consumer over every game's
// input subject. All pipeline replicas pull from the same consumer, so each
// command is processed once per delivery.
const DurableName = "game-service-v1"

// Consumer pumps the command stream through a Processor until its context
// ends.
type Consumer struct {
	bus    *bus.Bus
	proc   *Processor
	logger zerolog.Logger
}

func NewConsumer(b *bus.Bus, proc *Processor, logger zerolog.Logger) *Consumer {
	return &Consumer{
		bus:    b,
		proc:   proc,
		logger: logger.With().Str("component", "pipeline-consumer").Logger(),
	}
}

// Run blocks consuming commands. Unparseable payloads are dropped after
// logging; replaying them would fail identically.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, bus.ConsumerConfig{
		Stream:  bus.CommandStream,
		Durable: DurableName,
		Filter:  c.bus.CommandFilter(),
	}, c.handle)
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var env protocol.CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error().Err(err).Msg("drop unparseable command")
		return nil
	}
	_, err := c.proc.Process(ctx, &env)
	return err
}
