package game

import "strings"

// Outcome is the result of applying one command. Applied means the action
// took effect; ConsumeTurn means the turn passes to the next seat; Reason is
// set only on rejection. Rejections never mutate state.
type Outcome struct {
	Applied     bool
	ConsumeTurn bool
	Reason      string
}

func rejected(reason string) Outcome {
	return Outcome{Reason: reason}
}

var applied = Outcome{Applied: true, ConsumeTurn: true}

// Dispatch applies a command of any type for the player at playerIdx. The
// caller is responsible for turn-order checks; this function only judges the
// content of the command against the board.
func Dispatch(st *State, playerIdx int, cmdType CommandType, dir Direction, speakText string) Outcome {
	switch cmdType {
	case CommandMove:
		if !dir.Valid() {
			return rejected(ReasonMissingDirection)
		}
		return ApplyMove(st, playerIdx, dir)
	case CommandShield:
		if !dir.Valid() {
			return rejected(ReasonMissingDirection)
		}
		return ApplyShield(st, playerIdx, dir)
	case CommandShoot:
		if !dir.Valid() {
			return rejected(ReasonMissingDirection)
		}
		return ApplyShoot(st, playerIdx, dir)
	case CommandSpeak:
		return ApplySpeak(speakText)
	case CommandTimeout:
		// A timeout is always "applied": the seat forfeits the turn.
		return applied
	default:
		return rejected(ReasonReservedCommandType)
	}
}

// ApplyMove advances the player one cell in dir. The destination must be on
// the board, empty, and unoccupied.
func ApplyMove(st *State, playerIdx int, dir Direction) Outcome {
	dr, dc := dir.Delta()
	p := &st.Players[playerIdx]
	nr, nc := p.Row+dr, p.Col+dc

	if !st.Map.InBounds(nr, nc) {
		return rejected(ReasonMoveOutOfBounds)
	}
	if st.Map.Cells[nr][nc] != 0 {
		return rejected(ReasonMoveBlockedByBlock)
	}
	if st.PlayerAt(nr, nc) >= 0 {
		return rejected(ReasonMoveBlockedByPlayer)
	}

	p.Row, p.Col = nr, nc
	return applied
}

// ApplyShoot fires a laser. The shot is blocked outright by the shooter's
// own shield and needs a free entry cell adjacent in dir; from there the
// beam sweeps both perpendicular directions, each sweep damaging the first
// wall or player it reaches.
func ApplyShoot(st *State, playerIdx int, dir Direction) Outcome {
	shooter := st.Players[playerIdx]

	if dir == shooter.Shield {
		return rejected(ReasonCannotShootOwnShield)
	}

	dr, dc := dir.Delta()
	er, ec := shooter.Row+dr, shooter.Col+dc

	if !st.Map.InBounds(er, ec) {
		return rejected(ReasonShootBlockedByEdge)
	}
	if st.Map.Cells[er][ec] != 0 {
		return rejected(ReasonShootBlockedByBlock)
	}
	if st.PlayerAt(er, ec) >= 0 {
		return rejected(ReasonShootBlockedByPlayer)
	}

	p1, p2 := dir.Perpendicular()
	sweepLaser(st, er, ec, p1)
	sweepLaser(st, er, ec, p2)
	return applied
}

// sweepLaser walks outward from the entry cell, damaging the first wall or
// player it hits and then stopping. Indestructible walls absorb the beam;
// a player whose shield faces the beam takes no damage.
func sweepLaser(st *State, startRow, startCol int, dir Direction) {
	dr, dc := dir.Delta()
	row, col := startRow+dr, startCol+dc

	for st.Map.InBounds(row, col) {
		if block := st.Map.Cells[row][col]; block != 0 {
			if block > 0 {
				next := block - 1
				if next <= 0 {
					next = 0
				}
				st.Map.Cells[row][col] = next
			}
			return
		}

		if idx := st.PlayerAt(row, col); idx >= 0 {
			incoming := dir.Opposite()
			target := &st.Players[idx]
			if target.Shield != incoming {
				target.HP--
				if target.HP <= 0 {
					target.HP = 0
					target.Alive = false
				}
			}
			return
		}

		row += dr
		col += dc
	}
}

// ApplyShield turns the player's shield to face dir. Always applies.
func ApplyShield(st *State, playerIdx int, dir Direction) Outcome {
	st.Players[playerIdx].Shield = dir
	return applied
}

// ApplySpeak applies a speak command; the text must be non-empty after
// trimming. Speaking consumes the turn without touching the board.
func ApplySpeak(text string) Outcome {
	if strings.TrimSpace(text) == "" {
		return rejected(ReasonMissingSpeakText)
	}
	return applied
}
