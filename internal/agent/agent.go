// Package agent is the bundled decision sidecar: the process a bot worker
// spawns and drives over loopback HTTP. Given an LLM profile it asks the
// model for a command; without one, or whenever the model fails, a local
// deterministic policy answers instead.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// memoryLimit bounds how many step summaries the agent retains.
const memoryLimit = 200

// Agent holds one bot's identity and a rolling memory of the game.
type Agent struct {
	logger zerolog.Logger

	mu       sync.Mutex
	identity *protocol.AgentInitRequest
	llm      *LLMClient
	memory   []string
}

func New(logger zerolog.Logger) *Agent {
	return &Agent{logger: logger.With().Str("component", "agent").Logger()}
}

// Init records who this agent plays as. A second init reconfigures it.
func (a *Agent) Init(req *protocol.AgentInitRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = req
	a.llm = nil
	if req.LLMBaseURL != "" {
		a.llm = NewLLMClient(req.LLMBaseURL, req.LLMModel, req.LLMAPIKey)
	}
	a.logger.Info().
		Str("bot_id", req.BotID).
		Str("game_id", req.GameID).
		Str("player_name", string(req.PlayerName)).
		Bool("llm", a.llm != nil).
		Msg("agent initialized")
}

// Decide picks one command for the bot's turn.
func (a *Agent) Decide(ctx context.Context, req *protocol.AgentDecideRequest) (*protocol.AgentDecision, error) {
	a.mu.Lock()
	ident := a.identity
	llm := a.llm
	memory := append([]string(nil), a.memory...)
	a.mu.Unlock()

	if ident == nil {
		return nil, errors.New("agent not initialized")
	}
	if req.Game == nil {
		return nil, errors.New("decide request carries no game state")
	}

	if llm == nil {
		return Policy(req.Game, ident.PlayerID, req.ForceSpeak), nil
	}

	decision, err := llm.Decide(ctx, ident, req, memory)
	if err == nil {
		return decision, nil
	}
	// An unreachable or rambling model must not stall the turn; the policy
	// answers and the error rides along for diagnosis.
	a.logger.Warn().Err(err).Msg("llm decide failed, local policy answering")
	decision = Policy(req.Game, ident.PlayerID, req.ForceSpeak)
	decision.LLMError = err.Error()
	return decision, nil
}

// Observe appends one step to the agent's memory, oldest lines falling off
// the front.
func (a *Agent) Observe(req *protocol.AgentUpdateRequest) *protocol.AgentUpdateResult {
	line := summarize(req)
	a.mu.Lock()
	a.memory = append(a.memory, line)
	if len(a.memory) > memoryLimit {
		a.memory = a.memory[len(a.memory)-memoryLimit:]
	}
	size := len(a.memory)
	a.mu.Unlock()

	return &protocol.AgentUpdateResult{
		UpdateSource: "memory",
		Summary:      line,
		MemorySize:   size,
	}
}

// summarize reduces a step to one memory line.
func summarize(req *protocol.AgentUpdateRequest) string {
	switch req.StepEventType {
	case game.StepGameStarted:
		return fmt.Sprintf("turn %d: game started", req.StepTurnNo)
	case game.StepGameFinished:
		return fmt.Sprintf("turn %d: game finished", req.StepTurnNo)
	case game.StepTimeoutApplied:
		who := "someone"
		if req.Command != nil && req.Command.PlayerID != "" {
			who = req.Command.PlayerID
		}
		return fmt.Sprintf("turn %d: %s timed out", req.StepTurnNo, who)
	}

	c := req.Command
	if c == nil {
		return fmt.Sprintf("turn %d: step applied", req.StepTurnNo)
	}
	switch c.CommandType {
	case game.CommandSpeak:
		return fmt.Sprintf("turn %d: %s said %q", req.StepTurnNo, c.PlayerID, c.SpeakText)
	case game.CommandMove, game.CommandShoot, game.CommandShield:
		return fmt.Sprintf("turn %d: %s %s %s", req.StepTurnNo, c.PlayerID, c.CommandType, c.Direction)
	}
	return fmt.Sprintf("turn %d: %s %s", req.StepTurnNo, c.PlayerID, c.CommandType)
}
