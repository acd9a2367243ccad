package timer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/protocol"
)

// DurableName is the timer's durable consumer over every game's output
// subject.
const DurableName = "timer-service-v1"

// Consumer feeds the step stream into a Scheduler.
type Consumer struct {
	bus    *bus.Bus
	sched  *Scheduler
	logger zerolog.Logger
}

func NewConsumer(b *bus.Bus, sched *Scheduler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		bus:    b,
		sched:  sched,
		logger: logger.With().Str("component", "timer-consumer").Logger(),
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
	return c.sched.HandleStep(ctx, &step)
}
