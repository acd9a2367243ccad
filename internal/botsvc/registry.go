// Package botsvc hosts bot workers. Each bot pairs a durable consumer on
// its game's output topic with an external decision agent; the worker in
// between turns step events into commands on the input topic.
package botsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/gameid"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Streams is the slice of the bus a bot host needs. *bus.Bus implements
// it.
type Streams interface {
	CommandPublisher
	Consume(ctx context.Context, cfg bus.ConsumerConfig, handle bus.Handler) error
	OutputSubject(gameID string) string
	DeleteConsumer(ctx context.Context, stream, durable string) error
}

// Config bounds every worker the registry starts.
type Config struct {
	DecideTimeout time.Duration
	UpdateTimeout time.Duration
}

// registeredBot is one hosted bot: its registration, and once taught, its
// running worker.
type registeredBot struct {
	cfg          protocol.CreateBotRequest
	status       protocol.BotStatus
	guideVersion string
	worker       *Worker
	cancel       context.CancelFunc
}

// Registry owns the bot_id → worker map for one host process.
type Registry struct {
	logger    zerolog.Logger
	streams   Streams
	snapshots Snapshots
	launcher  AgentLauncher
	clock     quartz.Clock
	cfg       Config

	mu   sync.Mutex
	bots map[string]*registeredBot

	// ctx parents every worker so Close stops them all.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the wall clock, usually with quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

func NewRegistry(logger zerolog.Logger, streams Streams, snapshots Snapshots, launcher AgentLauncher, cfg Config, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:    logger.With().Str("component", "botservice").Logger(),
		streams:   streams,
		snapshots: snapshots,
		launcher:  launcher,
		clock:     quartz.NewReal(),
		cfg:       cfg,
		bots:      make(map[string]*registeredBot),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops every worker. Agents are shut down asynchronously by their
// workers' exit paths.
func (r *Registry) Close() {
	r.cancel()
}

// Create registers a bot. No worker starts until teach-game delivers the
// guide; until then the bot only exists as configuration.
func (r *Registry) Create(req *protocol.CreateBotRequest) (*protocol.CreateBotResponse, error) {
	if req.GameID == "" || req.PlayerID == "" {
		return nil, httpx.BadRequest("game_id and player_id are required")
	}
	botID := req.BotID
	if botID == "" {
		botID = gameid.NewBotID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bots[botID]; exists {
		return nil, httpx.Conflict(fmt.Sprintf("bot %q already exists", botID))
	}
	cfg := *req
	cfg.BotID = botID
	r.bots[botID] = &registeredBot{cfg: cfg, status: protocol.BotStatusCreated}

	r.logger.Info().
		Str("bot_id", botID).
		Str("game_id", cfg.GameID).
		Str("player_name", string(cfg.PlayerName)).
		Msg("bot created")
	return &protocol.CreateBotResponse{BotID: botID, Status: protocol.BotStatusCreated}, nil
}

// Teach moves a bot to READY: it launches the agent, initializes it with
// the bot's identity and LLM profile, and starts the worker loop.
// Re-teaching a running bot just records the new guide version.
func (r *Registry) Teach(ctx context.Context, botID string, req *protocol.TeachGameRequest) (*protocol.TeachGameResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[botID]
	if !ok {
		return nil, httpx.NotFound(fmt.Sprintf("bot %q not found", botID))
	}

	version := req.GameGuideVersion
	if version == "" {
		version = "v1"
	}
	if b.worker == nil {
		if err := r.startWorkerLocked(ctx, b); err != nil {
			return nil, err
		}
		b.status = protocol.BotStatusReady
	}
	b.guideVersion = version

	r.logger.Info().
		Str("bot_id", botID).
		Str("game_guide_version", version).
		Msg("bot taught")
	return &protocol.TeachGameResponse{BotID: botID, Status: b.status, GameGuideVersion: version}, nil
}

func (r *Registry) startWorkerLocked(ctx context.Context, b *registeredBot) error {
	logger := r.logger.With().Str("bot_id", b.cfg.BotID).Str("game_id", b.cfg.GameID).Logger()

	agent, err := r.launcher.Launch(ctx, logger)
	if err != nil {
		return httpx.Internal(fmt.Sprintf("launch agent: %v", err))
	}
	if err := agent.Init(ctx, &protocol.AgentInitRequest{
		BotID:      b.cfg.BotID,
		GameID:     b.cfg.GameID,
		PlayerName: b.cfg.PlayerName,
		PlayerID:   b.cfg.PlayerID,
		LLMBaseURL: b.cfg.LLMBaseURL,
		LLMModel:   b.cfg.LLMModel,
		LLMAPIKey:  b.cfg.LLMAPIKey,
	}); err != nil {
		agent.Stop()
		return httpx.Internal(fmt.Sprintf("init agent: %v", err))
	}

	w := newWorker(logger, r.snapshots, r.streams, agent, r.clock, WorkerConfig{
		BotID:         b.cfg.BotID,
		GameID:        b.cfg.GameID,
		PlayerName:    b.cfg.PlayerName,
		PlayerID:      b.cfg.PlayerID,
		DecideTimeout: r.cfg.DecideTimeout,
		UpdateTimeout: r.cfg.UpdateTimeout,
	})

	wctx, cancel := context.WithCancel(r.ctx)
	b.worker = w
	b.cancel = cancel
	go w.Run(wctx)
	go r.consumeSteps(wctx, b.cfg, w)
	return nil
}

// consumeSteps bridges the game's output topic into the worker's queue.
// The durable starts at new messages: a bot joining mid-game must not act
// on the backlog. The durable is deleted once the worker stops.
func (r *Registry) consumeSteps(ctx context.Context, cfg protocol.CreateBotRequest, w *Worker) {
	durable := consumerName(cfg.BotID)
	err := r.streams.Consume(ctx, bus.ConsumerConfig{
		Stream:     bus.OutputStream,
		Durable:    durable,
		Filter:     r.streams.OutputSubject(cfg.GameID),
		DeliverNew: true,
	}, func(ctx context.Context, data []byte) error {
		var step protocol.StepEvent
		if err := json.Unmarshal(data, &step); err != nil {
			return fmt.Errorf("decode step event: %w", err)
		}
		w.Enqueue(&step)
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("bot_id", cfg.BotID).Msg("step consumer failed")
	}

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.streams.DeleteConsumer(dctx, bus.OutputStream, durable); err != nil {
		r.logger.Debug().Err(err).Str("durable", durable).Msg("delete step consumer")
	}
}

// consumerName is the per-bot durable on the output stream.
func consumerName(botID string) string { return "bot-service-" + botID }

// Update injects one step event, mirroring what the bus consumer would
// deliver. The bot manager's per-game forwarder is the usual caller; the
// worker's step_seq guard absorbs the overlap between the two feeds.
func (r *Registry) Update(botID string, req *protocol.BotUpdateRequest) (*protocol.BotUpdateResponse, error) {
	r.mu.Lock()
	b, ok := r.bots[botID]
	var w *Worker
	if ok {
		w = b.worker
	}
	r.mu.Unlock()

	if !ok {
		return nil, httpx.NotFound(fmt.Sprintf("bot %q not found", botID))
	}
	if w == nil {
		return nil, httpx.Conflict(fmt.Sprintf("bot %q has not been taught", botID))
	}
	step := req.Step
	w.Enqueue(&step)
	return &protocol.BotUpdateResponse{Accepted: true, BotID: botID}, nil
}

// Delete stops the bot's worker and forgets it.
func (r *Registry) Delete(botID string) (*protocol.DeleteBotResponse, error) {
	r.mu.Lock()
	b, ok := r.bots[botID]
	if ok {
		delete(r.bots, botID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, httpx.NotFound(fmt.Sprintf("bot %q not found", botID))
	}
	if b.cancel != nil {
		b.cancel()
	}
	r.logger.Info().Str("bot_id", botID).Str("game_id", b.cfg.GameID).Msg("bot deleted")
	return &protocol.DeleteBotResponse{Deleted: true, BotID: botID}, nil
}

// Get describes a bot without exposing its API key.
func (r *Registry) Get(botID string) (*protocol.BotInfoResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[botID]
	if !ok {
		return nil, httpx.NotFound(fmt.Sprintf("bot %q not found", botID))
	}
	return &protocol.BotInfoResponse{
		BotID:            b.cfg.BotID,
		GameID:           b.cfg.GameID,
		PlayerName:       b.cfg.PlayerName,
		PlayerID:         b.cfg.PlayerID,
		Status:           b.status,
		GameGuideVersion: b.guideVersion,
		LLMBaseURL:       b.cfg.LLMBaseURL,
		LLMModel:         b.cfg.LLMModel,
		LLMOutputMode:    b.cfg.LLMOutputMode,
	}, nil
}
