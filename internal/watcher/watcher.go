// Package watcher is the spectator fan-out: a snapshot read model over the
// authority plus a WebSocket stream of typed step frames per game.
package watcher

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// Games fetches the authoritative game view. *authority.Client implements
// it.
type Games interface {
	Get(ctx context.Context, gameID string) (*protocol.GameResponse, error)
}

var framesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowboy_watcher_frames_total",
	Help: "Typed step frames broadcast to stream subscribers.",
}, []string{"event_type"})

// Service renders step events as typed frames and hands them to the hub.
type Service struct {
	games  Games
	hub    *Hub
	logger zerolog.Logger
}

func NewService(logger zerolog.Logger, games Games, hub *Hub) *Service {
	return &Service{
		games:  games,
		hub:    hub,
		logger: logger.With().Str("component", "watcher").Logger(),
	}
}

// HandleStep broadcasts one step event as a typed frame. A fresh snapshot
// rides along when the fetch succeeds; a fetch failure only costs the
// field.
func (s *Service) HandleStep(ctx context.Context, step *protocol.StepEvent) error {
	frame := frameFromStep(step)

	if snap, err := s.games.Get(ctx, step.GameID); err != nil {
		s.logger.Warn().Err(err).Str("game_id", step.GameID).Msg("snapshot fetch failed, frame sent without it")
	} else {
		frame.Snapshot = snapshotOf(snap)
	}
	frame.EmittedAt = time.Now().UTC()

	s.hub.Broadcast(frame)
	framesBroadcast.WithLabelValues(frame.EventType).Inc()

	s.logger.Debug().
		Str("game_id", frame.GameID).
		Str("event_type", frame.EventType).
		Uint64("step_seq", frame.StepSeq).
		Msg("frame broadcast")
	return nil
}

func frameFromStep(step *protocol.StepEvent) *protocol.StepFrame {
	f := &protocol.StepFrame{
		EventType:    FrameTypeOf(step),
		GameID:       step.GameID,
		StepSeq:      step.StepSeq,
		TurnNo:       step.TurnNo,
		RoundNo:      step.RoundNo,
		ResultStatus: step.ResultStatus,
		OccurredAt:   step.CreatedAt,
	}
	if c := step.Command; c != nil {
		f.PlayerID = c.PlayerID
		f.CommandID = c.CommandID
		f.Direction = c.Direction
		f.SpeakText = c.SpeakText
	}
	return f
}

// FrameTypeOf classifies a step into its stream frame kind: lifecycle and
// timeout events by event type, everything else by the attached command.
func FrameTypeOf(step *protocol.StepEvent) string {
	switch step.EventType {
	case game.StepGameStarted:
		return protocol.FrameGameStarted
	case game.StepGameFinished:
		return protocol.FrameGameFinished
	case game.StepTimeoutApplied:
		return protocol.FrameTimeout
	}
	if step.Command == nil {
		return protocol.FrameStepApplied
	}
	switch step.Command.CommandType {
	case game.CommandMove:
		return protocol.FrameMove
	case game.CommandShoot:
		return protocol.FrameShoot
	case game.CommandShield:
		return protocol.FrameShield
	case game.CommandSpeak:
		return protocol.FrameSpeak
	}
	return protocol.FrameStepApplied
}

// snapshotOf reduces the authority view to the spectator snapshot.
// last_step_seq mirrors turn_no: turns are the cursor watchers navigate by.
func snapshotOf(g *protocol.GameResponse) *protocol.SnapshotResponse {
	return &protocol.SnapshotResponse{
		GameID:          g.GameID,
		Status:          g.Status,
		TurnNo:          g.TurnNo,
		RoundNo:         g.RoundNo,
		CurrentPlayerID: g.CurrentPlayerID,
		State:           g.State,
		LastStepSeq:     g.TurnNo,
		TurnStartedAt:   g.TurnStartedAt,
	}
}
