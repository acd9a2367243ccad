// Package game holds the cowboy domain model and the pure combat rules:
// the grid map, players, turn rotation, movement, laser sweeps and shields.
// Nothing in this package performs I/O.
package game

// Gameplay defaults. Turn timeout is clamped to a minimum of one second
// wherever a game is created.
const (
	DefaultTurnTimeoutSeconds uint64 = 120
	DefaultPlayerHP                  = 10
	DefaultNumPlayers                = 2
	MinPlayers                       = 1
	MaxPlayers                       = 4
)

// PlayerName is a seat around the board. Seat order A < B < C < D defines
// turn rotation.
type PlayerName string

const (
	PlayerA PlayerName = "A"
	PlayerB PlayerName = "B"
	PlayerC PlayerName = "C"
	PlayerD PlayerName = "D"
)

// AllPlayerNames lists every seat in turn order.
var AllPlayerNames = [4]PlayerName{PlayerA, PlayerB, PlayerC, PlayerD}

// Direction of movement, shooting, or a raised shield.
type Direction string

const (
	DirUp    Direction = "up"
	DirLeft  Direction = "left"
	DirDown  Direction = "down"
	DirRight Direction = "right"
)

// Valid reports whether d is one of the four directions.
func (d Direction) Valid() bool {
	switch d {
	case DirUp, DirLeft, DirDown, DirRight:
		return true
	}
	return false
}

// Delta returns the row/column offset of one step in d.
func (d Direction) Delta() (dr, dc int) {
	switch d {
	case DirUp:
		return -1, 0
	case DirLeft:
		return 0, -1
	case DirDown:
		return 1, 0
	case DirRight:
		return 0, 1
	}
	return 0, 0
}

// Opposite returns the direction facing d.
func (d Direction) Opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	}
	return d
}

// Perpendicular returns the two directions orthogonal to d.
func (d Direction) Perpendicular() (Direction, Direction) {
	switch d {
	case DirUp, DirDown:
		return DirLeft, DirRight
	default:
		return DirUp, DirDown
	}
}

// CommandType names what a player (or system producer) wants to do.
// Timeout and GameStarted are reserved for system producers.
type CommandType string

const (
	CommandMove        CommandType = "move"
	CommandShield      CommandType = "shield"
	CommandShoot       CommandType = "shoot"
	CommandSpeak       CommandType = "speak"
	CommandTimeout     CommandType = "timeout"
	CommandGameStarted CommandType = "game_started"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandMove, CommandShield, CommandShoot, CommandSpeak, CommandTimeout, CommandGameStarted:
		return true
	}
	return false
}

// RequiresDirection reports whether t needs a direction to be applied.
func (t CommandType) RequiresDirection() bool {
	switch t {
	case CommandMove, CommandShield, CommandShoot:
		return true
	}
	return false
}

// Reserved reports whether t may only be produced by system services.
func (t CommandType) Reserved() bool {
	return t == CommandTimeout || t == CommandGameStarted
}

// CommandSource identifies who produced a command.
type CommandSource string

const (
	SourceUser   CommandSource = "user"
	SourceBot    CommandSource = "bot"
	SourceTimer  CommandSource = "timer"
	SourceSystem CommandSource = "system"
)

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	StatusCreated  GameStatus = "CREATED"
	StatusRunning  GameStatus = "RUNNING"
	StatusFinished GameStatus = "FINISHED"
)

// MapSource records whether a game runs on a caller-supplied map.
type MapSource string

const (
	MapCustom  MapSource = "CUSTOM"
	MapDefault MapSource = "DEFAULT"
)

// ResultStatus is the outcome class recorded on a step event.
type ResultStatus string

const (
	ResultApplied          ResultStatus = "APPLIED"
	ResultTimeoutApplied   ResultStatus = "TIMEOUT_APPLIED"
	ResultIgnoredTimeout   ResultStatus = "IGNORED_TIMEOUT"
	ResultInvalidCommand   ResultStatus = "INVALID_COMMAND"
	ResultInvalidTurn      ResultStatus = "INVALID_TURN"
	ResultDuplicateCommand ResultStatus = "DUPLICATE_COMMAND"
)

// StepEventType classifies a step event.
type StepEventType string

const (
	StepGameStarted    StepEventType = "GAME_STARTED"
	StepApplied        StepEventType = "STEP_APPLIED"
	StepTimeoutApplied StepEventType = "TIMEOUT_APPLIED"
	StepGameFinished   StepEventType = "GAME_FINISHED"
)

// Map is the board: a rows×cols grid of cells. Cell values: 0 empty,
// -1 indestructible wall, 1 and 2 destructible walls with that much HP.
type Map struct {
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Cells [][]int `json:"cells"`
}

// InBounds reports whether (row, col) lies on the board.
func (m *Map) InBounds(row, col int) bool {
	return row >= 0 && col >= 0 && row < m.Rows && col < m.Cols
}

// Clone deep-copies the map so rule application never aliases cells.
func (m Map) Clone() Map {
	cells := make([][]int, len(m.Cells))
	for i, row := range m.Cells {
		cells[i] = make([]int, len(row))
		copy(cells[i], row)
	}
	return Map{Rows: m.Rows, Cols: m.Cols, Cells: cells}
}

// Player is one seat's piece on the board. Alive is false iff HP is zero.
type Player struct {
	PlayerName PlayerName `json:"player_name"`
	PlayerID   string     `json:"player_id"`
	HP         int        `json:"hp"`
	Row        int        `json:"row"`
	Col        int        `json:"col"`
	Shield     Direction  `json:"shield"`
	Alive      bool       `json:"alive"`
}

// State is the full mutable game state: the map plus the ordered seats.
type State struct {
	Map     Map      `json:"map"`
	Players []Player `json:"players"`
}

// Clone deep-copies the state.
func (s State) Clone() State {
	players := make([]Player, len(s.Players))
	copy(players, s.Players)
	return State{Map: s.Map.Clone(), Players: players}
}

// PlayerAt returns the index of the alive player occupying (row, col),
// or -1 when the cell is free.
func (s *State) PlayerAt(row, col int) int {
	for i := range s.Players {
		p := &s.Players[i]
		if p.Alive && p.Row == row && p.Col == col {
			return i
		}
	}
	return -1
}

// PlayerIndexByID returns the seat index for a player id, or -1.
func (s *State) PlayerIndexByID(playerID string) int {
	for i := range s.Players {
		if s.Players[i].PlayerID == playerID {
			return i
		}
	}
	return -1
}

// AliveCount counts players still standing.
func (s *State) AliveCount() int {
	n := 0
	for i := range s.Players {
		if s.Players[i].Alive {
			n++
		}
	}
	return n
}

// Winner returns the id of the first alive player, or "" when none remain.
func (s *State) Winner() string {
	for i := range s.Players {
		if s.Players[i].Alive {
			return s.Players[i].PlayerID
		}
	}
	return ""
}
