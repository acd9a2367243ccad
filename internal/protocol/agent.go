package protocol

import "github.com/lox/cowboy/internal/game"

// Agent wire contract: a bot worker drives a sidecar agent process over
// loopback HTTP. Every agent reply is an AgentEnvelope.

type AgentInitRequest struct {
	BotID      string          `json:"bot_id"`
	GameID     string          `json:"game_id"`
	PlayerName game.PlayerName `json:"player_name"`
	PlayerID   string          `json:"player_id"`
	LLMBaseURL string          `json:"llm_base_url,omitempty"`
	LLMModel   string          `json:"llm_model,omitempty"`
	LLMAPIKey  string          `json:"llm_api_key,omitempty"`
}

// AgentDecideRequest asks for one command on the bot's turn. force_speak
// restricts the agent to a speak command (used for the bot's first turn).
type AgentDecideRequest struct {
	ForceSpeak bool          `json:"force_speak"`
	Game       *GameResponse `json:"game"`
}

// AgentUpdateRequest feeds one observed step into the agent's memory.
type AgentUpdateRequest struct {
	Game          *GameResponse      `json:"game"`
	StepEventType game.StepEventType `json:"step_event_type"`
	StepSeq       uint64             `json:"step_seq"`
	StepTurnNo    uint64             `json:"step_turn_no"`
	StepRoundNo   uint64             `json:"step_round_no"`
	Command       *CommandEnvelope   `json:"command,omitempty"`
	IsBotTurn     bool               `json:"is_bot_turn"`
}

// AgentDecision is the agent's chosen command plus LLM diagnostics. The
// worker validates it against the command schema before trusting it.
type AgentDecision struct {
	CommandType    game.CommandType `json:"command_type"`
	Direction      game.Direction   `json:"direction,omitempty"`
	SpeakText      string           `json:"speak_text,omitempty"`
	DecisionSource string           `json:"decision_source,omitempty"`
	LLMModel       string           `json:"llm_model,omitempty"`
	LLMSystem      string           `json:"llm_system,omitempty"`
	LLMInput       string           `json:"llm_input,omitempty"`
	LLMOutput      string           `json:"llm_output,omitempty"`
	LLMError       string           `json:"llm_error,omitempty"`
}

type AgentUpdateResult struct {
	UpdateSource string `json:"update_source,omitempty"`
	Summary      string `json:"summary,omitempty"`
	MemorySize   int    `json:"memory_size,omitempty"`
	LLMError     string `json:"llm_error,omitempty"`
}

// AgentEnvelope wraps every agent response. ok=false carries error and no
// payload.
type AgentEnvelope struct {
	OK       bool               `json:"ok"`
	Decision *AgentDecision     `json:"decision,omitempty"`
	Update   *AgentUpdateResult `json:"update,omitempty"`
	Error    string             `json:"error,omitempty"`
}
