package protocol

import "github.com/lox/cowboy/internal/game"

// BotBinding describes one seat handed to a bot: which bot serves it, where
// that bot lives, and how far through its lifecycle it has progressed.
type BotBinding struct {
	PlayerName        game.PlayerName `json:"player_name"`
	PlayerID          string          `json:"player_id"`
	BotID             string          `json:"bot_id"`
	BotServiceBaseURL string          `json:"bot_service_base_url"`
	Status            BotStatus       `json:"status"`
	GameGuideVersion  string          `json:"game_guide_version"`
}

// DefaultAssignmentRequest asks the bot manager for the stock split: seat A
// stays human, every other seat gets a bot.
type DefaultAssignmentRequest struct {
	ApplyImmediately *bool  `json:"apply_immediately,omitempty"`
	GameGuideVersion string `json:"game_guide_version,omitempty"`
	ForceRecreate    bool   `json:"force_recreate,omitempty"`
}

// BulkAssignmentRequest splits a game's seats explicitly by player id. The
// two lists must not overlap and every id must belong to the game.
type BulkAssignmentRequest struct {
	HumanPlayerIDs   []string `json:"human_player_ids"`
	BotPlayerIDs     []string `json:"bot_player_ids"`
	GameGuideVersion string   `json:"game_guide_version,omitempty"`
	ForceRecreate    bool     `json:"force_recreate,omitempty"`
}

// BindBotRequest binds a single seat to a bot, optionally creating the bot
// when no bot_id is given.
type BindBotRequest struct {
	PlayerID           string `json:"player_id"`
	BotID              string `json:"bot_id,omitempty"`
	CreateBotIfMissing *bool  `json:"create_bot_if_missing,omitempty"`
	GameGuideVersion   string `json:"game_guide_version,omitempty"`
}

type StopBotsRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AssignmentResponse is the current human/bot split for a game.
type AssignmentResponse struct {
	GameID   string           `json:"game_id"`
	Humans   []PlayerIdentity `json:"humans"`
	Bindings []BotBinding     `json:"bindings"`
}

// DefaultAssignmentResult is AssignmentResponse plus whether the call
// actually (re)assigned anything.
type DefaultAssignmentResult struct {
	Assigned bool             `json:"assigned"`
	GameID   string           `json:"game_id"`
	Humans   []PlayerIdentity `json:"humans"`
	Bindings []BotBinding     `json:"bindings"`
}

type BindBotResponse struct {
	Bound             bool      `json:"bound"`
	GameID            string    `json:"game_id"`
	PlayerID          string    `json:"player_id"`
	BotID             string    `json:"bot_id"`
	BotServiceBaseURL string    `json:"bot_service_base_url"`
	Status            BotStatus `json:"status"`
}

type StopBotsResponse struct {
	Stopped           bool   `json:"stopped"`
	GameID            string `json:"game_id"`
	DestroyedBotCount int    `json:"destroyed_bot_count"`
}
