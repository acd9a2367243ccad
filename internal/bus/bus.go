// Package bus is the JetStream layer cowboy services share. Two streams
// carry all traffic: GAME_COMMANDS holds every game's input subject and
// GAME_OUTPUT every game's output subject. A game's "topics" are its two
// subjects, <prefix>.<game_id>.v1, so per-subject ordering gives per-game
// ordering.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/protocol"
)

const (
	CommandStream = "GAME_COMMANDS"
	OutputStream  = "GAME_OUTPUT"

	DefaultURL          = nats.DefaultURL
	DefaultInputPrefix  = "game.commands"
	DefaultOutputPrefix = "game.output"

	// headerMsgKey carries the message key for operators poking at raw
	// messages: command_id on the command stream, game_id on the output
	// stream. Routing itself rides on the subject.
	headerMsgKey = "Cowboy-Msg-Key"

	fetchWait      = 5 * time.Second
	receiveBackoff = 300 * time.Millisecond
)

// Config locates the bus and names the subject prefixes.
type Config struct {
	URL          string
	InputPrefix  string
	OutputPrefix string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.InputPrefix == "" {
		c.InputPrefix = DefaultInputPrefix
	}
	if c.OutputPrefix == "" {
		c.OutputPrefix = DefaultOutputPrefix
	}
	return c
}

// Bus wraps one NATS connection with the cowboy stream layout.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger zerolog.Logger
}

// Connect dials NATS and ensures both streams exist.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL, nats.Name("cowboy"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	b := &Bus{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger.With().Str("component", "bus").Logger(),
	}
	if err := b.EnsureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	b.logger.Info().Str("url", cfg.URL).Msg("connected")
	return b, nil
}

// Close drains the connection so in-flight acks land.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("drain failed")
	}
}

// EnsureStreams creates or updates both streams. It is idempotent and doubles
// as the bus availability check for topic provisioning.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{Name: CommandStream, Subjects: []string{b.cfg.InputPrefix + ".>"}, Storage: jetstream.FileStorage},
		{Name: OutputStream, Subjects: []string{b.cfg.OutputPrefix + ".>"}, Storage: jetstream.FileStorage},
	}
	for _, sc := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// CommandSubject is the input topic for one game.
func (b *Bus) CommandSubject(gameID string) string {
	return b.cfg.InputPrefix + "." + gameID + ".v1"
}

// OutputSubject is the output topic for one game.
func (b *Bus) OutputSubject(gameID string) string {
	return b.cfg.OutputPrefix + "." + gameID + ".v1"
}

// CommandFilter matches every game's input subject.
func (b *Bus) CommandFilter() string {
	return b.cfg.InputPrefix + ".*.v1"
}

// OutputFilter matches every game's output subject.
func (b *Bus) OutputFilter() string {
	return b.cfg.OutputPrefix + ".*.v1"
}

// EnsureTopics provisions a game's topics. Streams already cover every
// per-game subject, so this only re-ensures the streams; a failure here
// means the bus is unusable and game creation must not proceed.
func (b *Bus) EnsureTopics(ctx context.Context, gameID string) error {
	return b.EnsureStreams(ctx)
}

// DeleteTopics purges a finished game's subjects from both streams.
func (b *Bus) DeleteTopics(ctx context.Context, gameID string) error {
	purges := []struct {
		stream  string
		subject string
	}{
		{CommandStream, b.CommandSubject(gameID)},
		{OutputStream, b.OutputSubject(gameID)},
	}
	for _, p := range purges {
		s, err := b.js.Stream(ctx, p.stream)
		if err != nil {
			return fmt.Errorf("open stream %s: %w", p.stream, err)
		}
		if err := s.Purge(ctx, jetstream.WithPurgeSubject(p.subject)); err != nil {
			return fmt.Errorf("purge %s: %w", p.subject, err)
		}
	}
	return nil
}

// PublishCommand puts one envelope on the game's input topic, keyed by
// command_id.
func (b *Bus) PublishCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	return b.publish(ctx, b.CommandSubject(env.GameID), env.CommandID, env)
}

// PublishStep puts one step event on the game's output topic, keyed by
// game_id.
func (b *Bus) PublishStep(ctx context.Context, step *protocol.StepEvent) error {
	return b.publish(ctx, b.OutputSubject(step.GameID), step.GameID, step)
}

func (b *Bus) publish(ctx context.Context, subject, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{headerMsgKey: []string{key}},
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// ConsumerConfig names one durable subscription.
type ConsumerConfig struct {
	Stream  string
	Durable string
	Filter  string
	// DeliverNew skips the backlog and starts at messages published after
	// the consumer exists. Bot workers use it to join games mid-flight.
	DeliverNew bool
}

// Handler processes one message body. Returning an error logs it; the
// message is acked either way, since replaying a poison message would just
// fail again. Correctness across redelivery lives downstream (dedupe,
// idempotent frames).
type Handler func(ctx context.Context, data []byte) error

// Consume runs a pull loop over a durable consumer until ctx ends. Receive
// errors back off briefly instead of tearing the loop down.
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig, handle Handler) error {
	deliver := jetstream.DeliverAllPolicy
	if cfg.DeliverNew {
		deliver = jetstream.DeliverNewPolicy
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	logger := b.logger.With().Str("consumer", cfg.Durable).Logger()
	logger.Info().Str("filter", cfg.Filter).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := cons.Next(jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}

		if err := handle(ctx, msg.Data()); err != nil {
			logger.Error().Err(err).Str("subject", msg.Subject()).Msg("handle message")
		}
		if err := msg.Ack(); err != nil {
			logger.Warn().Err(err).Msg("ack failed")
		}
	}
}

// DeleteConsumer removes a durable consumer once its owner is done with it.
func (b *Bus) DeleteConsumer(ctx context.Context, stream, durable string) error {
	if err := b.js.DeleteConsumer(ctx, stream, durable); err != nil {
		return fmt.Errorf("delete consumer %s: %w", durable, err)
	}
	return nil
}
