// Package protocol defines the wire types shared by every cowboy service:
// the command envelope and step event carried on the bus, and the HTTP
// request/response bodies of the authority, ingress, bot control plane and
// watcher surfaces. All payloads are JSON.
package protocol

import (
	"time"

	"github.com/lox/cowboy/internal/game"
)

// CommandEnvelope is one command on a game's input topic, keyed by
// command_id. The first observation of a command_id wins; replays produce a
// DuplicateCommand step without mutating state.
type CommandEnvelope struct {
	CommandID   string             `json:"command_id"`
	Source      game.CommandSource `json:"source"`
	GameID      string             `json:"game_id"`
	PlayerID    string             `json:"player_id,omitempty"`
	CommandType game.CommandType   `json:"command_type"`
	Direction   game.Direction     `json:"direction,omitempty"`
	SpeakText   string             `json:"speak_text,omitempty"`
	TurnNo      uint64             `json:"turn_no"`
	SentAt      time.Time          `json:"sent_at"`
}

// StepEvent is the canonical record that one turn-affecting thing happened
// to a game, published on the game's output topic keyed by game_id.
// (game_id, step_seq) is its identity; step_seq is per-game monotonic.
type StepEvent struct {
	GameID       string             `json:"game_id"`
	StepSeq      uint64             `json:"step_seq"`
	TurnNo       uint64             `json:"turn_no"`
	RoundNo      uint64             `json:"round_no"`
	EventType    game.StepEventType `json:"event_type"`
	ResultStatus game.ResultStatus  `json:"result_status"`
	Reason       string             `json:"reason,omitempty"`
	Command      *CommandEnvelope   `json:"command,omitempty"`
	StateAfter   game.State         `json:"state_after"`
	CreatedAt    time.Time          `json:"created_at"`
}

// TurnAdvancing reports whether this step moved the game forward, which is
// what resets turn timers.
func (e *StepEvent) TurnAdvancing() bool {
	if e.EventType == game.StepGameStarted {
		return true
	}
	return e.ResultStatus == game.ResultApplied || e.ResultStatus == game.ResultTimeoutApplied
}
