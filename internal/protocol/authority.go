package protocol

import (
	"time"

	"github.com/lox/cowboy/internal/game"
)

// PlayerIdentity pairs a seat name with the opaque player id minted for it.
type PlayerIdentity struct {
	PlayerName game.PlayerName `json:"player_name"`
	PlayerID   string          `json:"player_id"`
}

// CreateGameRequest is the body of POST /v2/games. All fields are optional;
// omitted fields take server defaults.
type CreateGameRequest struct {
	TurnTimeoutSeconds *uint64           `json:"turn_timeout_seconds,omitempty"`
	Map                *game.Map         `json:"map,omitempty"`
	BotPlayers         []game.PlayerName `json:"bot_players,omitempty"`
	NumPlayers         *int              `json:"num_players,omitempty"`
}

type CreateGameResponse struct {
	GameID             string           `json:"game_id"`
	Status             game.GameStatus  `json:"status"`
	MapSource          game.MapSource   `json:"map_source"`
	TurnNo             uint64           `json:"turn_no"`
	RoundNo            uint64           `json:"round_no"`
	CurrentPlayerID    string           `json:"current_player_id"`
	Players            []PlayerIdentity `json:"players"`
	TurnTimeoutSeconds uint64           `json:"turn_timeout_seconds"`
	CreatedAt          time.Time        `json:"created_at"`
}

// StartGameResponse reports the outcome of POST /v2/games/{id}/start.
// Starting a game twice is not an error: started is false and reason says
// why, with HTTP 200.
type StartGameResponse struct {
	GameID          string          `json:"game_id"`
	Status          game.GameStatus `json:"status"`
	Started         bool            `json:"started"`
	Reason          string          `json:"reason,omitempty"`
	TurnNo          uint64          `json:"turn_no"`
	RoundNo         uint64          `json:"round_no"`
	CurrentPlayerID string          `json:"current_player_id"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
}

// GameResponse is the full instance view returned by GET /v2/games/{id}.
type GameResponse struct {
	GameID             string          `json:"game_id"`
	Status             game.GameStatus `json:"status"`
	MapSource          game.MapSource  `json:"map_source"`
	TurnTimeoutSeconds uint64          `json:"turn_timeout_seconds"`
	TurnNo             uint64          `json:"turn_no"`
	RoundNo            uint64          `json:"round_no"`
	CurrentPlayerID    string          `json:"current_player_id"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	TurnStartedAt      *time.Time      `json:"turn_started_at,omitempty"`
	InputTopic         string          `json:"input_topic,omitempty"`
	OutputTopic        string          `json:"output_topic,omitempty"`
	State              game.State      `json:"state"`
}

// SnapshotResponse is the reduced view served to spectators.
type SnapshotResponse struct {
	GameID          string          `json:"game_id"`
	Status          game.GameStatus `json:"status"`
	TurnNo          uint64          `json:"turn_no"`
	RoundNo         uint64          `json:"round_no"`
	CurrentPlayerID string          `json:"current_player_id"`
	State           game.State      `json:"state"`
	LastStepSeq     uint64          `json:"last_step_seq"`
	TurnStartedAt   *time.Time      `json:"turn_started_at,omitempty"`
}

// SubmitCommandRequest is the player-facing command body, accepted both by
// the public ingress (which wraps it in an envelope and queues it) and by
// the authority's synchronous apply endpoint.
type SubmitCommandRequest struct {
	CommandID    string           `json:"command_id"`
	PlayerID     string           `json:"player_id"`
	CommandType  game.CommandType `json:"command_type"`
	Direction    game.Direction   `json:"direction,omitempty"`
	SpeakText    string           `json:"speak_text,omitempty"`
	TurnNo       uint64           `json:"turn_no"`
	ClientSentAt time.Time        `json:"client_sent_at"`
}

// SubmitCommandResponse acknowledges that the ingress queued a command; it
// says nothing about whether the command will apply.
type SubmitCommandResponse struct {
	Accepted  bool      `json:"accepted"`
	CommandID string    `json:"command_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// ApplyCommandRequest is the body of the authority's internal apply
// endpoint. The pipeline forwards the envelope fields that matter for turn
// resolution; command_id and source ride along for logging.
type ApplyCommandRequest struct {
	CommandID   string             `json:"command_id,omitempty"`
	Source      game.CommandSource `json:"source,omitempty"`
	PlayerID    string             `json:"player_id"`
	CommandType game.CommandType   `json:"command_type"`
	Direction   game.Direction     `json:"direction,omitempty"`
	SpeakText   string             `json:"speak_text,omitempty"`
	TurnNo      uint64             `json:"turn_no"`
}

// ApplyCommandResponse reports the authority's turn resolution. accepted
// means the request was well-formed and evaluated; applied means it mutated
// state and consumed the turn. Turn fields and state reflect the post-apply
// instance.
type ApplyCommandResponse struct {
	Accepted        bool            `json:"accepted"`
	Applied         bool            `json:"applied"`
	Reason          string          `json:"reason,omitempty"`
	TurnNo          uint64          `json:"turn_no"`
	RoundNo         uint64          `json:"round_no"`
	CurrentPlayerID string          `json:"current_player_id"`
	Status          game.GameStatus `json:"status"`
	State           *game.State     `json:"state,omitempty"`
}

// FinishGameRequest optionally pins the finish to a turn number; a mismatch
// leaves the game untouched.
type FinishGameRequest struct {
	ExpectedTurnNo *uint64 `json:"expected_turn_no,omitempty"`
}

type FinishGameResponse struct {
	Finished        bool            `json:"finished"`
	Reason          string          `json:"reason,omitempty"`
	Status          game.GameStatus `json:"status"`
	WinnerPlayerID  string          `json:"winner_player_id,omitempty"`
	TurnNo          uint64          `json:"turn_no"`
	RoundNo         uint64          `json:"round_no"`
	CurrentPlayerID string          `json:"current_player_id"`
}
