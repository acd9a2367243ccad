package botsvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/gameid"
	"github.com/lox/cowboy/internal/protocol"
)

// Snapshots fetches the authoritative game view. *authority.Client
// implements it.
type Snapshots interface {
	Get(ctx context.Context, gameID string) (*protocol.GameResponse, error)
}

// CommandPublisher puts command envelopes on a game's input topic.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, env *protocol.CommandEnvelope) error
}

// MaxRetriesPerTurn caps how often a worker answers a rejection of its own
// command with a fresh fallback before leaving the turn to the timer.
const MaxRetriesPerTurn = 2

const (
	defaultDecideTimeout = 120 * time.Second
	defaultUpdateTimeout = 120 * time.Second
	agentShutdownWait    = 2 * time.Second

	updateQueueSize = 256
	failReasonLimit = 140
)

var botDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowboy_bot_decisions_total",
	Help: "Commands published by bot workers, by decision source.",
}, []string{"source"})

// WorkerConfig identifies the seat a worker plays and bounds its agent
// calls.
type WorkerConfig struct {
	BotID         string
	GameID        string
	PlayerName    game.PlayerName
	PlayerID      string
	DecideTimeout time.Duration
	UpdateTimeout time.Duration
}

// Worker drives one bot. It consumes the game's step events from a single
// queue (bus consumer and injected updates both land there), keeps the
// agent's memory fed, and publishes a command whenever the snapshot shows
// the bot's turn.
type Worker struct {
	cfg       WorkerConfig
	snapshots Snapshots
	commands  CommandPublisher
	agent     Agent
	clock     quartz.Clock
	logger    zerolog.Logger

	updates chan *protocol.StepEvent
	done    chan struct{}

	// Turn bookkeeping, owned by the Run goroutine.
	lastStepSeq     uint64
	lastActedTurnNo uint64
	hasSpoken       bool
	retryCount      int
}

func newWorker(logger zerolog.Logger, snapshots Snapshots, commands CommandPublisher, agent Agent, clock quartz.Clock, cfg WorkerConfig) *Worker {
	if cfg.DecideTimeout <= 0 {
		cfg.DecideTimeout = defaultDecideTimeout
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = defaultUpdateTimeout
	}
	return &Worker{
		cfg:       cfg,
		snapshots: snapshots,
		commands:  commands,
		agent:     agent,
		clock:     clock,
		logger: logger.With().
			Str("component", "botworker").
			Str("bot_id", cfg.BotID).
			Str("game_id", cfg.GameID).
			Logger(),
		updates: make(chan *protocol.StepEvent, updateQueueSize),
		done:    make(chan struct{}),
	}
}

// Run consumes queued step events until the game finishes or ctx ends.
// The agent is shut down on the way out either way.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.stopAgent()
	for {
		select {
		case <-ctx.Done():
			return
		case step := <-w.updates:
			if w.handleStep(ctx, step) {
				return
			}
		}
	}
}

// Done is closed once the worker has stopped and its agent is gone.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Enqueue hands one step event to the worker without blocking. A full
// queue drops the step; the next event carries a fresher snapshot anyway.
func (w *Worker) Enqueue(step *protocol.StepEvent) {
	select {
	case w.updates <- step:
	default:
		w.logger.Warn().Uint64("step_seq", step.StepSeq).Msg("update queue full, step dropped")
	}
}

// handleStep processes one event and reports whether the worker is done.
// The bus consumer and injected updates can deliver the same step twice;
// step_seq keeps the second copy from acting.
func (w *Worker) handleStep(ctx context.Context, step *protocol.StepEvent) bool {
	if step.StepSeq <= w.lastStepSeq {
		return step.EventType == game.StepGameFinished
	}
	w.lastStepSeq = step.StepSeq

	var snap *protocol.GameResponse
	if step.EventType != game.StepGameFinished {
		var err error
		snap, err = w.snapshots.Get(ctx, w.cfg.GameID)
		if err != nil {
			w.logger.Warn().Err(err).Uint64("step_seq", step.StepSeq).Msg("snapshot fetch failed")
		}
	}

	w.forwardUpdate(ctx, snap, step)

	if step.EventType == game.StepGameFinished {
		w.logger.Info().Uint64("step_seq", step.StepSeq).Msg("game finished, worker stopping")
		return true
	}
	if snap == nil || snap.Status != game.StatusRunning || snap.CurrentPlayerID != w.cfg.PlayerID {
		return false
	}

	// A rejection of our own command leaves the turn where it was, so the
	// turn guard below would wedge the bot. Answer with a safe speak
	// instead of asking the agent to repeat itself.
	if w.ownRejection(step) && snap.TurnNo == w.lastActedTurnNo && w.retryCount < MaxRetriesPerTurn {
		w.retryCount++
		w.logger.Info().
			Str("reason", step.Reason).
			Int("retry", w.retryCount).
			Uint64("turn_no", snap.TurnNo).
			Msg("own command rejected, retrying with fallback")
		w.publish(ctx, snap, w.fallbackDecision("command rejected: "+step.Reason), "retry_fallback")
		return false
	}

	if snap.TurnNo <= w.lastActedTurnNo {
		return false
	}
	w.retryCount = 0
	w.decide(ctx, snap)
	return false
}

// ownRejection reports whether step records this bot's command bouncing
// without the turn moving on.
func (w *Worker) ownRejection(step *protocol.StepEvent) bool {
	if step.Command == nil || step.Command.PlayerID != w.cfg.PlayerID {
		return false
	}
	return step.ResultStatus == game.ResultInvalidCommand || step.ResultStatus == game.ResultInvalidTurn
}

// decide asks the agent for a command, falling back to a speak that names
// the failure. The first utterance is forced so watchers always hear the
// bot at least once.
func (w *Worker) decide(ctx context.Context, snap *protocol.GameResponse) {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DecideTimeout)
	decision, err := w.agent.Decide(dctx, &protocol.AgentDecideRequest{
		ForceSpeak: !w.hasSpoken,
		Game:       snap,
	})
	cancel()

	source := "agent"
	switch {
	case err != nil:
		w.logger.Warn().Err(err).Uint64("turn_no", snap.TurnNo).Msg("agent decide failed")
		decision = w.fallbackDecision(err.Error())
		source = "fallback"
	default:
		if kind := validateDecision(decision); kind != "" {
			w.logger.Warn().Str("kind", kind).Uint64("turn_no", snap.TurnNo).Msg("agent decision unusable")
			decision = w.fallbackDecision("invalid decision: " + kind)
			source = "fallback"
		}
	}
	w.publish(ctx, snap, decision, source)
}

// validateDecision returns what is wrong with an agent decision, or "".
func validateDecision(d *protocol.AgentDecision) string {
	switch d.CommandType {
	case game.CommandMove, game.CommandShoot, game.CommandShield:
		if !d.Direction.Valid() {
			return "missing direction"
		}
	case game.CommandSpeak:
		if strings.TrimSpace(d.SpeakText) == "" {
			return "missing speak text"
		}
	default:
		return fmt.Sprintf("unsupported type %q", d.CommandType)
	}
	return ""
}

// fallbackDecision is the always-legal speak used when the agent cannot
// produce a usable command.
func (w *Worker) fallbackDecision(reason string) *protocol.AgentDecision {
	return &protocol.AgentDecision{
		CommandType:    game.CommandSpeak,
		SpeakText:      failText(reason),
		DecisionSource: "worker_fallback",
	}
}

// failText flattens a failure into one speak line. The part after the
// prefix stays within failReasonLimit, ellipsis included.
func failText(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if len(reason) > failReasonLimit {
		reason = reason[:failReasonLimit-3] + "..."
	}
	return "bot fail:" + reason
}

// publish puts the chosen command on the input topic and records that this
// turn has been acted on. A publish failure only logs: the turn timer
// advances the game if nothing lands.
func (w *Worker) publish(ctx context.Context, snap *protocol.GameResponse, d *protocol.AgentDecision, source string) {
	now := w.clock.Now().UTC()
	env := &protocol.CommandEnvelope{
		CommandID:   gameid.BotCommandID(w.cfg.BotID, snap.TurnNo, now),
		Source:      game.SourceBot,
		GameID:      w.cfg.GameID,
		PlayerID:    w.cfg.PlayerID,
		CommandType: d.CommandType,
		Direction:   d.Direction,
		SpeakText:   d.SpeakText,
		TurnNo:      snap.TurnNo,
		SentAt:      now,
	}
	if err := w.commands.PublishCommand(ctx, env); err != nil {
		w.logger.Error().Err(err).Str("command_id", env.CommandID).Msg("publish command failed")
		return
	}
	w.lastActedTurnNo = snap.TurnNo
	if d.CommandType == game.CommandSpeak {
		w.hasSpoken = true
	}
	botDecisions.WithLabelValues(source).Inc()

	w.logger.Info().
		Str("command_id", env.CommandID).
		Str("command_type", string(d.CommandType)).
		Str("source", source).
		Uint64("turn_no", snap.TurnNo).
		Msg("command published")
}

// forwardUpdate feeds the step into the agent's memory. Failures only log;
// a bot with stale memory still plays.
func (w *Worker) forwardUpdate(ctx context.Context, snap *protocol.GameResponse, step *protocol.StepEvent) {
	uctx, cancel := context.WithTimeout(ctx, w.cfg.UpdateTimeout)
	defer cancel()
	_, err := w.agent.Update(uctx, &protocol.AgentUpdateRequest{
		Game:          snap,
		StepEventType: step.EventType,
		StepSeq:       step.StepSeq,
		StepTurnNo:    step.TurnNo,
		StepRoundNo:   step.RoundNo,
		Command:       step.Command,
		IsBotTurn:     snap != nil && snap.CurrentPlayerID == w.cfg.PlayerID,
	})
	if err != nil {
		w.logger.Warn().Err(err).Uint64("step_seq", step.StepSeq).Msg("agent update failed")
	}
}

// stopAgent gives the agent a polite shutdown call before killing it.
func (w *Worker) stopAgent() {
	ctx, cancel := context.WithTimeout(context.Background(), agentShutdownWait)
	defer cancel()
	if err := w.agent.Shutdown(ctx); err != nil {
		w.logger.Debug().Err(err).Msg("agent shutdown call failed")
	}
	w.agent.Stop()
}
