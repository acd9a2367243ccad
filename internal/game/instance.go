package game

import "time"

// Instance is the authoritative record of one game. The authority service is
// its single writer; every other component works from snapshots.
type Instance struct {
	GameID             string
	Status             GameStatus
	MapSource          MapSource
	TurnTimeoutSeconds uint64
	TurnNo             uint64
	RoundNo            uint64
	CurrentPlayerID    string
	CreatedAt          time.Time
	StartedAt          *time.Time
	TurnStartedAt      *time.Time
	State              State
	LastStepSeq        uint64
	InputTopic         string
	OutputTopic        string
}

// NewInstance builds a freshly created game. The first seat holds the turn;
// turn and round counters start at 1 and last_step_seq at 0.
func NewInstance(gameID string, source MapSource, state State, timeoutSeconds uint64, inputTopic, outputTopic string, now time.Time) *Instance {
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	current := ""
	if len(state.Players) > 0 {
		current = state.Players[0].PlayerID
	}
	return &Instance{
		GameID:             gameID,
		Status:             StatusCreated,
		MapSource:          source,
		TurnTimeoutSeconds: timeoutSeconds,
		TurnNo:             1,
		RoundNo:            1,
		CurrentPlayerID:    current,
		CreatedAt:          now,
		State:              state,
		LastStepSeq:        0,
		InputTopic:         inputTopic,
		OutputTopic:        outputTopic,
	}
}

// Clone deep-copies the instance so a snapshot can leave the store's
// critical section without aliasing live state.
func (g *Instance) Clone() *Instance {
	cp := *g
	cp.State = g.State.Clone()
	if g.StartedAt != nil {
		t := *g.StartedAt
		cp.StartedAt = &t
	}
	if g.TurnStartedAt != nil {
		t := *g.TurnStartedAt
		cp.TurnStartedAt = &t
	}
	return &cp
}

// AdvanceTurn hands the turn to the next alive seat. Wrapping past the
// current seat index increments the round counter. With every other seat
// dead the walk comes back around to the current player.
func AdvanceTurn(g *Instance, now time.Time) {
	n := len(g.State.Players)
	if n == 0 {
		return
	}
	cur := g.State.PlayerIndexByID(g.CurrentPlayerID)
	if cur < 0 {
		return
	}
	next := cur
	for i := 0; i < n; i++ {
		next = (next + 1) % n
		p := &g.State.Players[next]
		if !p.Alive {
			continue
		}
		if next <= cur {
			g.RoundNo++
		}
		g.CurrentPlayerID = p.PlayerID
		g.TurnNo++
		t := now
		g.TurnStartedAt = &t
		return
	}
}
