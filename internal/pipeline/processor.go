// Package pipeline turns the shared command stream into the per-game step
// stream. It deduplicates by command_id, asks the authority to resolve each
// command, rewrites content-invalid commands into observable speaks, and
// emits exactly one step event per terminal outcome onto the game's output
// topic.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
	"github.com/lox/cowboy/internal/store"
)

// Authority is the slice of the authority's HTTP surface the pipeline
// needs. *authority.Client implements it.
type Authority interface {
	Get(ctx context.Context, gameID string) (*protocol.GameResponse, error)
	Apply(ctx context.Context, gameID string, req *protocol.ApplyCommandRequest) (*protocol.ApplyCommandResponse, error)
	Finish(ctx context.Context, gameID string, req *protocol.FinishGameRequest) (*protocol.FinishGameResponse, error)
}

// StepPublisher puts step events on a game's output topic.
type StepPublisher interface {
	PublishStep(ctx context.Context, step *protocol.StepEvent) error
}

var (
	stepsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cowboy_pipeline_steps_emitted_total",
		Help: "Step events emitted by the pipeline.",
	}, []string{"result_status"})
	commandsRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_pipeline_commands_rewritten_total",
		Help: "Content-invalid commands rewritten into speaks.",
	})
)

// gameState is the pipeline's per-game bookkeeping. The mutex serializes
// the dedupe → apply → emit section so step sequence allocation stays
// linear with rules application.
type gameState struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	lastSeq uint64
}

// Processor resolves command envelopes into step events. Games are
// processed one command at a time; distinct games proceed in parallel.
type Processor struct {
	mu    sync.Mutex
	games map[string]*gameState

	authority Authority
	steps     StepPublisher
	store     *store.Store
	clock     quartz.Clock
	logger    zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock substitutes the wall clock, usually with quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(p *Processor) { p.clock = clock }
}

// NewProcessor wires the pipeline. st may be nil when no step persistence
// is configured.
func NewProcessor(logger zerolog.Logger, auth Authority, steps StepPublisher, st *store.Store, opts ...Option) *Processor {
	p := &Processor{
		games:     make(map[string]*gameState),
		authority: auth,
		steps:     steps,
		store:     st,
		clock:     quartz.NewReal(),
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// game returns the per-game state, creating it on first sight. Entries
// live for the life of the process: dedupe has to survive the game itself,
// since late duplicates can arrive after GameFinished.
func (p *Processor) game(gameID string) *gameState {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.games[gameID]
	if !ok {
		g = &gameState{seen: make(map[string]struct{})}
		p.games[gameID] = g
	}
	return g
}

// Process resolves one envelope and returns the emitted step. An error
// means no step was emitted; the consumer logs it and moves on.
func (p *Processor) Process(ctx context.Context, env *protocol.CommandEnvelope) (*protocol.StepEvent, error) {
	if env.GameID == "" || env.CommandID == "" {
		return nil, fmt.Errorf("envelope missing game_id or command_id")
	}
	g := p.game(env.GameID)
	g.mu.Lock()
	defer g.mu.Unlock()

	logger := p.logger.With().
		Str("game_id", env.GameID).
		Str("command_id", env.CommandID).
		Str("command_type", string(env.CommandType)).
		Logger()

	// game_started is minted by the authority, never accepted as input.
	if env.CommandType == game.CommandGameStarted {
		snap, err := p.authority.Get(ctx, env.GameID)
		if err != nil {
			return nil, fmt.Errorf("fetch snapshot: %w", err)
		}
		logger.Warn().Msg("reserved command type on input topic")
		return p.emit(ctx, g, stepFromSnapshot(snap, env, game.StepApplied, game.ResultInvalidCommand, game.ReasonReservedCommandType))
	}

	// First observation of a command_id wins, including across redelivery.
	if _, dup := g.seen[env.CommandID]; dup {
		snap, err := p.authority.Get(ctx, env.GameID)
		if err != nil {
			return nil, fmt.Errorf("fetch snapshot: %w", err)
		}
		logger.Debug().Msg("duplicate command")
		return p.emit(ctx, g, stepFromSnapshot(snap, env, game.StepApplied, game.ResultDuplicateCommand, game.ReasonDuplicateCommand))
	}
	g.seen[env.CommandID] = struct{}{}

	snap, err := p.authority.Get(ctx, env.GameID)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if snap.Status != game.StatusRunning {
		return p.emit(ctx, g, stepFromSnapshot(snap, env, game.StepApplied, game.ResultInvalidTurn, game.ReasonGameNotRunning))
	}

	if env.CommandType == game.CommandTimeout {
		return p.processTimeout(ctx, g, env, snap, logger)
	}
	return p.processCommand(ctx, g, env, snap, logger)
}

func (p *Processor) processTimeout(ctx context.Context, g *gameState, env *protocol.CommandEnvelope, snap *protocol.GameResponse, logger zerolog.Logger) (*protocol.StepEvent, error) {
	if env.TurnNo < snap.TurnNo {
		logger.Debug().Uint64("command_turn_no", env.TurnNo).Uint64("turn_no", snap.TurnNo).Msg("late timeout ignored")
		return p.emit(ctx, g, stepFromSnapshot(snap, env, game.StepApplied, game.ResultIgnoredTimeout, game.ReasonLateTimeoutIgnored))
	}

	resp, err := p.authority.Apply(ctx, env.GameID, applyRequest(env))
	if err != nil {
		return nil, fmt.Errorf("apply timeout: %w", err)
	}
	if !resp.Applied {
		return p.emit(ctx, g, stepFromApply(resp, snap, env, game.StepApplied, game.ResultInvalidTurn, resp.Reason))
	}
	logger.Info().Uint64("turn_no", resp.TurnNo).Msg("timeout applied")
	return p.emit(ctx, g, stepFromApply(resp, snap, env, game.StepTimeoutApplied, game.ResultTimeoutApplied, ""))
}

func (p *Processor) processCommand(ctx context.Context, g *gameState, env *protocol.CommandEnvelope, snap *protocol.GameResponse, logger zerolog.Logger) (*protocol.StepEvent, error) {
	if env.TurnNo < snap.TurnNo {
		logger.Debug().Uint64("command_turn_no", env.TurnNo).Uint64("turn_no", snap.TurnNo).Msg("late command ignored")
		return p.emit(ctx, g, stepFromSnapshot(snap, env, game.StepApplied, game.ResultIgnoredTimeout, game.ReasonLateCommandIgnored))
	}

	resp, err := p.authority.Apply(ctx, env.GameID, applyRequest(env))
	if err != nil {
		return nil, fmt.Errorf("apply command: %w", err)
	}

	if !resp.Applied {
		if game.TurnOrderReason(resp.Reason) {
			return p.emit(ctx, g, stepFromApply(resp, snap, env, game.StepApplied, game.ResultInvalidTurn, resp.Reason))
		}

		// The content was illegal but the seat still owes the game a
		// visible turn; a speak naming the attempt keeps things moving
		// and leaves a trace for watchers.
		rewritten := rewriteToSpeak(env)
		commandsRewritten.Inc()
		logger.Info().Str("reason", resp.Reason).Str("speak_text", rewritten.SpeakText).Msg("invalid command rewritten to speak")

		resp, err = p.authority.Apply(ctx, env.GameID, applyRequest(rewritten))
		if err != nil {
			return nil, fmt.Errorf("apply rewritten speak: %w", err)
		}
		if !resp.Applied {
			// The turn moved underneath the rewrite.
			return p.emit(ctx, g, stepFromApply(resp, snap, env, game.StepApplied, game.ResultInvalidTurn, resp.Reason))
		}
		env = rewritten
	}

	step, err := p.emit(ctx, g, stepFromApply(resp, snap, env, game.StepApplied, game.ResultApplied, ""))
	if err != nil {
		return nil, err
	}

	// Last player standing ends the game. The kill step is already on the
	// wire, so GameFinished follows it.
	if resp.State != nil && resp.State.AliveCount() == 1 {
		if _, err := p.authority.Finish(ctx, env.GameID, &protocol.FinishGameRequest{}); err != nil {
			logger.Warn().Err(err).Msg("finish game")
		}
	}
	return step, nil
}

// emit allocates the step sequence, publishes, and optionally persists the
// step record. Sequences ride the wall clock in microseconds so they stay
// monotonic across pipeline restarts without coordination.
func (p *Processor) emit(ctx context.Context, g *gameState, step *protocol.StepEvent) (*protocol.StepEvent, error) {
	now := p.clock.Now().UTC()
	seq := uint64(now.UnixMicro())
	if seq <= g.lastSeq {
		seq = g.lastSeq + 1
	}
	g.lastSeq = seq
	step.StepSeq = seq
	step.CreatedAt = now

	if err := p.steps.PublishStep(ctx, step); err != nil {
		return nil, fmt.Errorf("publish step: %w", err)
	}
	stepsEmitted.WithLabelValues(string(step.ResultStatus)).Inc()

	if err := p.store.RecordStep(ctx, step); err != nil {
		p.logger.Warn().Err(err).Str("game_id", step.GameID).Uint64("step_seq", step.StepSeq).Msg("record step")
	}
	return step, nil
}

func stepFromSnapshot(snap *protocol.GameResponse, env *protocol.CommandEnvelope, eventType game.StepEventType, result game.ResultStatus, reason string) *protocol.StepEvent {
	return &protocol.StepEvent{
		GameID:       env.GameID,
		TurnNo:       snap.TurnNo,
		RoundNo:      snap.RoundNo,
		EventType:    eventType,
		ResultStatus: result,
		Reason:       reason,
		Command:      env,
		StateAfter:   snap.State,
	}
}

// stepFromApply builds a step around the authority's apply response, which
// carries the post-apply turn counters and state.
func stepFromApply(resp *protocol.ApplyCommandResponse, snap *protocol.GameResponse, env *protocol.CommandEnvelope, eventType game.StepEventType, result game.ResultStatus, reason string) *protocol.StepEvent {
	state := snap.State
	if resp.State != nil {
		state = *resp.State
	}
	return &protocol.StepEvent{
		GameID:       env.GameID,
		TurnNo:       resp.TurnNo,
		RoundNo:      resp.RoundNo,
		EventType:    eventType,
		ResultStatus: result,
		Reason:       reason,
		Command:      env,
		StateAfter:   state,
	}
}

func applyRequest(env *protocol.CommandEnvelope) *protocol.ApplyCommandRequest {
	return &protocol.ApplyCommandRequest{
		CommandID:   env.CommandID,
		Source:      env.Source,
		PlayerID:    env.PlayerID,
		CommandType: env.CommandType,
		Direction:   env.Direction,
		SpeakText:   env.SpeakText,
		TurnNo:      env.TurnNo,
	}
}

// rewriteToSpeak turns a rejected command into a speak quoting the attempt,
// keeping its id and source so dedupe and attribution still hold.
func rewriteToSpeak(env *protocol.CommandEnvelope) *protocol.CommandEnvelope {
	attempt := string(env.CommandType)
	if env.Direction != "" {
		attempt += " " + string(env.Direction)
	}
	cp := *env
	cp.CommandType = game.CommandSpeak
	cp.Direction = ""
	cp.SpeakText = fmt.Sprintf("invalid command: %q", attempt)
	return &cp
}
