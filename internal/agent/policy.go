package agent

import (
	"fmt"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// DecisionSourcePolicy marks decisions made by the built-in policy rather
// than a model.
const DecisionSourcePolicy = "fallback_policy"

// moveOrder fixes the tie-break between equally open directions.
var moveOrder = [4]game.Direction{game.DirUp, game.DirLeft, game.DirDown, game.DirRight}

// Policy picks a command from the snapshot alone: speak when asked to,
// otherwise the legal move whose target cell has the most open space,
// otherwise a shield rotation. Every answer it gives is legal, so a policy
// turn never wastes itself.
func Policy(g *protocol.GameResponse, playerID string, forceSpeak bool) *protocol.AgentDecision {
	if forceSpeak {
		return speakDecision(fmt.Sprintf("howdy from seat %s", seatOf(g, playerID)))
	}

	idx := g.State.PlayerIndexByID(playerID)
	if idx < 0 || !g.State.Players[idx].Alive {
		return speakDecision("sitting this one out")
	}
	self := g.State.Players[idx]

	if dir, ok := bestMove(&g.State, self); ok {
		return &protocol.AgentDecision{
			CommandType:    game.CommandMove,
			Direction:      dir,
			DecisionSource: DecisionSourcePolicy,
		}
	}
	return &protocol.AgentDecision{
		CommandType:    game.CommandShield,
		Direction:      rotate(self.Shield),
		DecisionSource: DecisionSourcePolicy,
	}
}

func speakDecision(text string) *protocol.AgentDecision {
	return &protocol.AgentDecision{
		CommandType:    game.CommandSpeak,
		SpeakText:      text,
		DecisionSource: DecisionSourcePolicy,
	}
}

func seatOf(g *protocol.GameResponse, playerID string) string {
	if idx := g.State.PlayerIndexByID(playerID); idx >= 0 {
		return string(g.State.Players[idx].PlayerName)
	}
	return "?"
}

// bestMove returns the legal move whose target cell has the most free
// neighbors, so the bot drifts toward open ground instead of corners.
func bestMove(s *game.State, self game.Player) (game.Direction, bool) {
	var (
		best      game.Direction
		bestScore = -1
	)
	for _, d := range moveOrder {
		dr, dc := d.Delta()
		row, col := self.Row+dr, self.Col+dc
		if !cellFree(s, row, col) {
			continue
		}
		score := 0
		for _, n := range moveOrder {
			nr, nc := n.Delta()
			if cellFree(s, row+nr, col+nc) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore < 0 {
		return "", false
	}
	return best, true
}

func cellFree(s *game.State, row, col int) bool {
	return s.Map.InBounds(row, col) && s.Map.Cells[row][col] == 0 && s.PlayerAt(row, col) == -1
}

// rotate turns the shield one quarter clockwise.
func rotate(d game.Direction) game.Direction {
	switch d {
	case game.DirUp:
		return game.DirRight
	case game.DirRight:
		return game.DirDown
	case game.DirDown:
		return game.DirLeft
	default:
		return game.DirUp
	}
}
