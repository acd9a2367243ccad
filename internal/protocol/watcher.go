package protocol

import (
	"time"

	"github.com/lox/cowboy/internal/game"
)

// Watch stream frame kinds. CONNECTED, SNAPSHOT and ERROR are stream
// bookkeeping; the rest are typed step frames derived from step events.
const (
	FrameConnected    = "CONNECTED"
	FrameSnapshot     = "SNAPSHOT"
	FrameError        = "ERROR"
	FrameMove         = "MOVE"
	FrameShoot        = "SHOOT"
	FrameShield       = "SHIELD"
	FrameSpeak        = "SPEAK"
	FrameTimeout      = "TIMEOUT"
	FrameStepApplied  = "STEP_APPLIED"
	FrameGameStarted  = "GAME_STARTED"
	FrameGameFinished = "GAME_FINISHED"
)

// ConnectedFrame is the first frame on every watch stream.
type ConnectedFrame struct {
	EventType   string    `json:"event_type"`
	GameID      string    `json:"game_id"`
	FromTurnNo  uint64    `json:"from_turn_no"`
	ConnectedAt time.Time `json:"connected_at"`
	Message     string    `json:"message"`
}

// SnapshotFrame carries a full snapshot; event_type distinguishes a routine
// SNAPSHOT from the GAME_STARTED / GAME_FINISHED status transitions the
// poller observed.
type SnapshotFrame struct {
	EventType string            `json:"event_type"`
	GameID    string            `json:"game_id"`
	Snapshot  *SnapshotResponse `json:"snapshot"`
	EmittedAt time.Time         `json:"emitted_at"`
}

// ErrorFrame reports a snapshot fetch failure without closing the stream.
type ErrorFrame struct {
	EventType string    `json:"event_type"`
	GameID    string    `json:"game_id"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// StepFrame is a typed rendering of one step event. Fields which a given
// frame kind has no use for are omitted; snapshot is included when a fresh
// fetch succeeded.
type StepFrame struct {
	EventType    string            `json:"event_type"`
	GameID       string            `json:"game_id"`
	StepSeq      uint64            `json:"step_seq"`
	TurnNo       uint64            `json:"turn_no"`
	RoundNo      uint64            `json:"round_no"`
	PlayerID     string            `json:"player_id,omitempty"`
	CommandID    string            `json:"command_id,omitempty"`
	ResultStatus game.ResultStatus `json:"result_status,omitempty"`
	Direction    game.Direction    `json:"direction,omitempty"`
	SpeakText    string            `json:"speak_text,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Snapshot     *SnapshotResponse `json:"snapshot,omitempty"`
	EmittedAt    time.Time         `json:"emitted_at"`
}
