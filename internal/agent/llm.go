package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// promptMemoryLines caps how much history rides on each decide prompt.
const promptMemoryLines = 20

// systemPrompt tells the model the rules and the output contract.
const systemPrompt = `You play one cowboy in a turn-based grid shootout. Map cells: 0 empty, -1 solid wall, 1 or 2 a wall with that much HP. One command per turn:
- {"command_type":"move","direction":"up|down|left|right"} step onto an empty in-bounds cell
- {"command_type":"shoot","direction":"up|down|left|right"} fire into the adjacent cell that way; the beam sweeps both directions perpendicular to your aim and damages the first wall or player each arm reaches
- {"command_type":"shield","direction":"up|down|left|right"} face your shield that way to block shots from that side
- {"command_type":"speak","speak_text":"..."} say something instead of acting
You cannot shoot through your own shield. An illegal command wastes the turn. Reply with exactly one JSON command object and nothing else.`

// LLMClient talks to an OpenAI-compatible chat completions endpoint. One
// request per decision; the caller's context carries the deadline.
type LLMClient struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

func NewLLMClient(baseURL, model, apiKey string) *LLMClient {
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide asks the model for a command and parses its JSON answer.
func (c *LLMClient) Decide(ctx context.Context, ident *protocol.AgentInitRequest, req *protocol.AgentDecideRequest, memory []string) (*protocol.AgentDecision, error) {
	input, err := buildPrompt(ident, req, memory)
	if err != nil {
		return nil, err
	}

	reply, err := c.chat(ctx, input)
	if err != nil {
		return nil, err
	}

	decision, err := parseDecision(reply)
	if err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}
	decision.DecisionSource = "llm"
	decision.LLMModel = c.model
	decision.LLMSystem = systemPrompt
	decision.LLMInput = input
	decision.LLMOutput = reply
	return decision, nil
}

func (c *LLMClient) chat(ctx context.Context, input string) (string, error) {
	body, err := json.Marshal(&chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: input},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func buildPrompt(ident *protocol.AgentInitRequest, req *protocol.AgentDecideRequest, memory []string) (string, error) {
	state, err := json.Marshal(req.Game.State)
	if err != nil {
		return "", fmt.Errorf("encode game state: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are seat %s (player_id %s). It is turn %d.\n", ident.PlayerName, ident.PlayerID, req.Game.TurnNo)
	if req.ForceSpeak {
		b.WriteString("You must answer with a speak command this turn.\n")
	}
	if len(memory) > 0 {
		tail := memory
		if len(tail) > promptMemoryLines {
			tail = tail[len(tail)-promptMemoryLines:]
		}
		b.WriteString("Recent events:\n")
		for _, line := range tail {
			b.WriteString("- " + line + "\n")
		}
	}
	b.WriteString("Game state JSON:\n")
	b.Write(state)
	b.WriteString("\nAnswer with the JSON command object only.")
	return b.String(), nil
}

// parseDecision pulls the command object out of the model's reply, which
// may wrap it in markdown fences or prose.
func parseDecision(text string) (*protocol.AgentDecision, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.New("no JSON object in reply")
	}

	var d struct {
		CommandType game.CommandType `json:"command_type"`
		Direction   game.Direction   `json:"direction"`
		SpeakText   string           `json:"speak_text"`
	}
	// Decode stops after one complete value, so trailing prose is fine.
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&d); err != nil {
		return nil, err
	}
	if d.CommandType == "" {
		return nil, errors.New("reply carries no command_type")
	}
	return &protocol.AgentDecision{
		CommandType: d.CommandType,
		Direction:   d.Direction,
		SpeakText:   d.SpeakText,
	}, nil
}
