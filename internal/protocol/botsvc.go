package protocol

import "github.com/lox/cowboy/internal/game"

// BotStatus is a bot's lifecycle stage on its host. A bot is CREATED until
// teach-game arrives, then READY with a running worker.
type BotStatus string

const (
	BotStatusCreated BotStatus = "CREATED"
	BotStatusReady   BotStatus = "READY"
)

// CreateBotRequest registers a bot for one seat of one game. The caller may
// pin the bot_id (used when re-binding a known bot); otherwise the host
// mints one.
type CreateBotRequest struct {
	BotID         string          `json:"bot_id,omitempty"`
	GameID        string          `json:"game_id"`
	PlayerName    game.PlayerName `json:"player_name"`
	PlayerID      string          `json:"player_id"`
	InputTopic    string          `json:"input_topic"`
	OutputTopic   string          `json:"output_topic"`
	LLMBaseURL    string          `json:"llm_base_url,omitempty"`
	LLMModel      string          `json:"llm_model,omitempty"`
	LLMAPIKey     string          `json:"llm_api_key,omitempty"`
	LLMOutputMode string          `json:"llm_output_mode,omitempty"`
}

type CreateBotResponse struct {
	BotID  string    `json:"bot_id"`
	Status BotStatus `json:"status"`
}

// CommandSchema tells an agent which command types exist and what each one
// requires.
type CommandSchema struct {
	Allowed              []game.CommandType `json:"allowed"`
	DirectionRequiredFor []game.CommandType `json:"direction_required_for"`
	SpeakTextRequiredFor []game.CommandType `json:"speak_text_required_for"`
}

// CommandExample is a sample well-formed command included in teach-game
// material.
type CommandExample struct {
	CommandType game.CommandType `json:"command_type"`
	Direction   game.Direction   `json:"direction,omitempty"`
	SpeakText   string           `json:"speak_text,omitempty"`
}

// TeachGameRequest delivers the game guide to a bot. Receiving it is what
// moves the bot from CREATED to READY and starts its worker.
type TeachGameRequest struct {
	GameGuideVersion string           `json:"game_guide_version"`
	RulesMarkdown    string           `json:"rules_markdown,omitempty"`
	CommandSchema    *CommandSchema   `json:"command_schema,omitempty"`
	Examples         []CommandExample `json:"examples,omitempty"`
}

type TeachGameResponse struct {
	BotID            string    `json:"bot_id"`
	Status           BotStatus `json:"status"`
	GameGuideVersion string    `json:"game_guide_version"`
}

// BotInfoResponse describes a bot without exposing its LLM credentials.
type BotInfoResponse struct {
	BotID            string          `json:"bot_id"`
	GameID           string          `json:"game_id"`
	PlayerName       game.PlayerName `json:"player_name"`
	PlayerID         string          `json:"player_id"`
	Status           BotStatus       `json:"status"`
	GameGuideVersion string          `json:"game_guide_version,omitempty"`
	LLMBaseURL       string          `json:"llm_base_url,omitempty"`
	LLMModel         string          `json:"llm_model,omitempty"`
	LLMOutputMode    string          `json:"llm_output_mode,omitempty"`
}

type DeleteBotResponse struct {
	Deleted bool   `json:"deleted"`
	BotID   string `json:"bot_id"`
}

// BotUpdateRequest pushes one step event to a bot out of band, mirroring
// what its worker consumes from the output topic.
type BotUpdateRequest struct {
	Step StepEvent `json:"step"`
}

type BotUpdateResponse struct {
	Accepted bool   `json:"accepted"`
	BotID    string `json:"bot_id"`
}
