package game

import (
	rand "math/rand/v2"

	"github.com/google/uuid"
)

// SpawnPositions returns the mid-edge spawn cells for n seats in seat order:
// A top, B left, C bottom, D right.
func SpawnPositions(rows, cols, n int) [][2]int {
	n = clampPlayers(n)
	midRow, midCol := rows/2, cols/2
	all := [][2]int{
		{0, midCol},
		{midRow, 0},
		{rows - 1, midCol},
		{midRow, cols - 1},
	}
	return all[:n]
}

// InitialPlayers seeds n players on the mid-edges of a rows×cols board, each
// with a fresh player id and a shield facing its own edge.
func InitialPlayers(rows, cols, hp, n int) []Player {
	n = clampPlayers(n)
	midRow, midCol := rows/2, cols/2

	all := []Player{
		{PlayerName: PlayerA, PlayerID: uuid.NewString(), HP: hp, Row: 0, Col: midCol, Shield: DirUp, Alive: true},
		{PlayerName: PlayerB, PlayerID: uuid.NewString(), HP: hp, Row: midRow, Col: 0, Shield: DirLeft, Alive: true},
		{PlayerName: PlayerC, PlayerID: uuid.NewString(), HP: hp, Row: rows - 1, Col: midCol, Shield: DirDown, Alive: true},
		{PlayerName: PlayerD, PlayerID: uuid.NewString(), HP: hp, Row: midRow, Col: cols - 1, Shield: DirRight, Alive: true},
	}
	return all[:n]
}

func clampPlayers(n int) int {
	if n < MinPlayers {
		return MinPlayers
	}
	if n > MaxPlayers {
		return MaxPlayers
	}
	return n
}

// GenerateDefaultMap rolls a random board: 70% empty, 16% one-hit walls,
// 10% two-hit walls, 4% indestructible. Spawn cells for the first n seats
// are forced empty so every player starts on open ground.
func GenerateDefaultMap(rng *rand.Rand, rows, cols, n int) Map {
	cells := make([][]int, rows)
	for r := range cells {
		cells[r] = make([]int, cols)
		for c := range cells[r] {
			roll := rng.IntN(100)
			switch {
			case roll < 70:
				cells[r][c] = 0
			case roll < 86:
				cells[r][c] = 1
			case roll < 96:
				cells[r][c] = 2
			default:
				cells[r][c] = -1
			}
		}
	}

	for _, pos := range SpawnPositions(rows, cols, n) {
		r, c := pos[0], pos[1]
		if r >= 0 && r < rows && c >= 0 && c < cols {
			cells[r][c] = 0
		}
	}

	return Map{Rows: rows, Cols: cols, Cells: cells}
}

// StaticDefaultMap is the fixed 11×11 arena served by the authority when no
// custom map is supplied and no generated map has been cached.
func StaticDefaultMap() Map {
	return Map{
		Rows: 11,
		Cols: 11,
		Cells: [][]int{
			{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			{0, 0, 0, 2, 0, 0, 0, 2, 0, 0, 0},
			{0, -1, 0, 0, 0, 1, 0, 0, 0, -1, 0},
			{2, 0, 1, 0, -1, 0, -1, 0, 1, 0, 2},
			{0, 0, 0, 0, 2, 0, 2, 0, 0, 0, 0},
			{0, 1, -1, 2, 0, 0, 0, 2, -1, 1, 0},
			{0, 0, 0, 0, 2, 0, 2, 0, 0, 0, 0},
			{2, 0, 1, 0, -1, 0, -1, 0, 1, 0, 2},
			{0, -1, 0, 0, 0, 1, 0, 0, 0, -1, 0},
			{0, 0, 0, 2, 0, 0, 0, 2, 0, 0, 0},
			{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
	}
}
