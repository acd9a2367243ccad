// Package timer watches the step stream and injects a Timeout command when
// the current player sits on a turn past the game's turn timeout. Each game
// holds at most one live countdown; resets bump a generation counter so
// outstanding sleepers become no-ops instead of needing cancellation
// handles.
package timer

import (
	"context"
	"sync"
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

var (
	resets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_timer_resets_total",
		Help: "Countdowns scheduled or rescheduled.",
	})
	timeoutsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_timer_timeouts_published_total",
		Help: "Timeout commands published on fire.",
	})
	staleFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_timer_stale_fires_total",
		Help: "Fires dropped because the turn or generation moved on.",
	})
)

// fireTimeout bounds the snapshot fetch and publish done inside a fire.
const fireTimeout = 10 * time.Second

type entry struct {
	generation  uint64
	turnNo      uint64
	scheduledAt time.Time
	timer       *quartz.Timer
}

// Scheduler owns the game_id → countdown map.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	snapshots Snapshots
	commands  CommandPublisher
	clock     quartz.Clock
	logger    zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the wall clock, usually with quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func NewScheduler(logger zerolog.Logger, snapshots Snapshots, commands CommandPublisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:   make(map[string]*entry),
		snapshots: snapshots,
		commands:  commands,
		clock:     quartz.NewReal(),
		logger:    logger.With().Str("component", "timer").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStep reacts to one step event: GameFinished drops the countdown,
// turn-advancing events restart it from the fresh snapshot. Everything else
// leaves the running countdown alone.
func (s *Scheduler) HandleStep(ctx context.Context, step *protocol.StepEvent) error {
	if step.EventType == game.StepGameFinished {
		s.drop(step.GameID)
		return nil
	}
	if !step.TurnAdvancing() {
		return nil
	}

	snap, err := s.snapshots.Get(ctx, step.GameID)
	if err != nil {
		s.logger.Warn().Err(err).Str("game_id", step.GameID).Msg("snapshot fetch failed, countdown not reset")
		return err
	}
	if snap.Status != game.StatusRunning {
		s.drop(step.GameID)
		return nil
	}

	timeout := snap.TurnTimeoutSeconds
	if timeout < 1 {
		timeout = 1
	}
	s.reset(step.GameID, snap.TurnNo, time.Duration(timeout)*time.Second)
	return nil
}

// reset replaces the game's countdown. The previous timer is stopped best
// effort; if it already fired, the generation check makes its wake a no-op.
func (s *Scheduler) reset(gameID string, turnNo uint64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := uint64(1)
	if prev, ok := s.entries[gameID]; ok {
		gen = prev.generation + 1
		prev.timer.Stop()
	}

	e := &entry{generation: gen, turnNo: turnNo, scheduledAt: s.clock.Now()}
	e.timer = s.clock.AfterFunc(d, func() { s.fire(gameID, gen, turnNo) })
	s.entries[gameID] = e
	resets.Inc()

	s.logger.Debug().
		Str("game_id", gameID).
		Uint64("turn_no", turnNo).
		Uint64("generation", gen).
		Dur("timeout", d).
		Msg("countdown reset")
}

func (s *Scheduler) drop(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[gameID]; ok {
		e.timer.Stop()
		delete(s.entries, gameID)
		s.logger.Debug().Str("game_id", gameID).Msg("countdown dropped")
	}
}

// fire runs when a countdown expires. It re-validates against both the
// entry map and a fresh snapshot before publishing the Timeout command;
// any mismatch means the game moved on while we slept.
func (s *Scheduler) fire(gameID string, generation, turnNo uint64) {
	s.mu.Lock()
	e, ok := s.entries[gameID]
	stale := !ok || e.generation != generation || e.turnNo != turnNo
	s.mu.Unlock()
	if stale {
		staleFires.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	snap, err := s.snapshots.Get(ctx, gameID)
	if err != nil {
		s.logger.Warn().Err(err).Str("game_id", gameID).Msg("snapshot fetch failed on fire")
		return
	}
	if snap.Status != game.StatusRunning || snap.TurnNo != turnNo {
		staleFires.Inc()
		return
	}

	now := s.clock.Now().UTC()
	env := &protocol.CommandEnvelope{
		CommandID:   gameid.TimeoutCommandID(gameID, turnNo, now),
		Source:      game.SourceTimer,
		GameID:      gameID,
		PlayerID:    snap.CurrentPlayerID,
		CommandType: game.CommandTimeout,
		TurnNo:      turnNo,
		SentAt:      now,
	}
	if err := s.commands.PublishCommand(ctx, env); err != nil {
		s.logger.Error().Err(err).Str("game_id", gameID).Uint64("turn_no", turnNo).Msg("publish timeout failed")
		return
	}
	timeoutsPublished.Inc()

	s.logger.Info().
		Str("game_id", gameID).
		Str("player_id", snap.CurrentPlayerID).
		Uint64("turn_no", turnNo).
		Msg("turn timed out")
}
