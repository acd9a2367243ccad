package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// fakeWorld plays both the authority and the step publisher, recording
// every call in arrival order so tests can assert on sequencing.
type fakeWorld struct {
	mu         sync.Mutex
	snap       *protocol.GameResponse
	getErr     error
	applyQueue []*protocol.ApplyCommandResponse
	applies    []*protocol.ApplyCommandRequest
	finishes   int
	finishErr  error
	published  []*protocol.StepEvent
	publishErr error
	order      []string
}

func (f *fakeWorld) Get(_ context.Context, gameID string) (*protocol.GameResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.snap, nil
}

func (f *fakeWorld) Apply(_ context.Context, gameID string, req *protocol.ApplyCommandRequest) (*protocol.ApplyCommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, req)
	if len(f.applyQueue) == 0 {
		return nil, errors.New("no scripted apply response")
	}
	resp := f.applyQueue[0]
	f.applyQueue = f.applyQueue[1:]
	return resp, nil
}

func (f *fakeWorld) Finish(_ context.Context, gameID string, _ *protocol.FinishGameRequest) (*protocol.FinishGameResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes++
	f.order = append(f.order, "finish")
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	return &protocol.FinishGameResponse{Finished: true}, nil
}

func (f *fakeWorld) PublishStep(_ context.Context, step *protocol.StepEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, step)
	f.order = append(f.order, "publish:"+string(step.ResultStatus))
	return nil
}

func testState(n int) game.State {
	cells := make([][]int, 5)
	for r := range cells {
		cells[r] = make([]int, 5)
	}
	return game.State{
		Map:     game.Map{Rows: 5, Cols: 5, Cells: cells},
		Players: game.InitialPlayers(5, 5, game.DefaultPlayerHP, n),
	}
}

func runningSnapshot(st game.State, turnNo uint64) *protocol.GameResponse {
	return &protocol.GameResponse{
		GameID:          "g1",
		Status:          game.StatusRunning,
		TurnNo:          turnNo,
		RoundNo:         1,
		CurrentPlayerID: st.Players[0].PlayerID,
		State:           st,
	}
}

func appliedResponse(st game.State, turnNo uint64) *protocol.ApplyCommandResponse {
	next := st.Clone()
	return &protocol.ApplyCommandResponse{
		Accepted:        true,
		Applied:         true,
		TurnNo:          turnNo,
		RoundNo:         1,
		CurrentPlayerID: next.Players[1].PlayerID,
		Status:          game.StatusRunning,
		State:           &next,
	}
}

func rejectedResponse(st game.State, turnNo uint64, reason string) *protocol.ApplyCommandResponse {
	cur := st.Clone()
	return &protocol.ApplyCommandResponse{
		Accepted:        true,
		Reason:          reason,
		TurnNo:          turnNo,
		RoundNo:         1,
		CurrentPlayerID: cur.Players[0].PlayerID,
		Status:          game.StatusRunning,
		State:           &cur,
	}
}

func envelope(id string, cmdType game.CommandType, dir game.Direction, turnNo uint64, playerID string) *protocol.CommandEnvelope {
	return &protocol.CommandEnvelope{
		CommandID:   id,
		Source:      game.SourceUser,
		GameID:      "g1",
		PlayerID:    playerID,
		CommandType: cmdType,
		Direction:   dir,
		TurnNo:      turnNo,
		SentAt:      time.Unix(0, 0).UTC(),
	}
}

func newProcessor(t *testing.T, world *fakeWorld) *Processor {
	t.Helper()
	return NewProcessor(zerolog.New(io.Discard), world, world, nil, WithClock(quartz.NewMock(t)))
}

func TestProcessReservedType(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{snap: runningSnapshot(st, 1)}
	p := newProcessor(t, world)

	env := envelope("sys-1", game.CommandGameStarted, "", 1, "")
	step, err := p.Process(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, game.StepApplied, step.EventType)
	assert.Equal(t, game.ResultInvalidCommand, step.ResultStatus)
	assert.Equal(t, game.ReasonReservedCommandType, step.Reason)
	assert.Empty(t, world.applies)

	// Reserved-type handling runs before dedupe: a replay is reserved
	// again, not a duplicate.
	step, err = p.Process(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, game.ResultInvalidCommand, step.ResultStatus)
}

func TestProcessDuplicate(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{appliedResponse(st, 2)},
	}
	p := newProcessor(t, world)

	env := envelope("cmd-1", game.CommandMove, game.DirDown, 1, st.Players[0].PlayerID)
	first, err := p.Process(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, game.ResultApplied, first.ResultStatus)
	assert.Equal(t, uint64(2), first.TurnNo)

	second, err := p.Process(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, game.ResultDuplicateCommand, second.ResultStatus)
	assert.Equal(t, game.ReasonDuplicateCommand, second.Reason)
	assert.Greater(t, second.StepSeq, first.StepSeq)
	assert.Len(t, world.applies, 1, "duplicate never reaches the authority")
}

func TestProcessGameNotRunning(t *testing.T) {
	st := testState(2)
	snap := runningSnapshot(st, 1)
	snap.Status = game.StatusCreated
	world := &fakeWorld{snap: snap}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandSpeak, "", 1, st.Players[0].PlayerID))
	require.NoError(t, err)
	assert.Equal(t, game.ResultInvalidTurn, step.ResultStatus)
	assert.Equal(t, game.ReasonGameNotRunning, step.Reason)
	assert.Empty(t, world.applies)
}

func TestProcessLateTimeout(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{snap: runningSnapshot(st, 3)}
	p := newProcessor(t, world)

	env := envelope("timeout-g1-1-0", game.CommandTimeout, "", 1, st.Players[0].PlayerID)
	env.Source = game.SourceTimer
	step, err := p.Process(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, game.ResultIgnoredTimeout, step.ResultStatus)
	assert.Equal(t, game.ReasonLateTimeoutIgnored, step.Reason)
	assert.Empty(t, world.applies)
}

func TestProcessLateCommand(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{snap: runningSnapshot(st, 3)}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandMove, game.DirDown, 2, st.Players[0].PlayerID))
	require.NoError(t, err)
	assert.Equal(t, game.ResultIgnoredTimeout, step.ResultStatus)
	assert.Equal(t, game.ReasonLateCommandIgnored, step.Reason)
	assert.Empty(t, world.applies)
}

func TestProcessTimeout(t *testing.T) {
	t.Run("applies and advances", func(t *testing.T) {
		st := testState(4)
		world := &fakeWorld{
			snap:       runningSnapshot(st, 1),
			applyQueue: []*protocol.ApplyCommandResponse{appliedResponse(st, 2)},
		}
		p := newProcessor(t, world)

		env := envelope("timeout-g1-1-0", game.CommandTimeout, "", 1, st.Players[0].PlayerID)
		env.Source = game.SourceTimer
		step, err := p.Process(context.Background(), env)
		require.NoError(t, err)

		assert.Equal(t, game.StepTimeoutApplied, step.EventType)
		assert.Equal(t, game.ResultTimeoutApplied, step.ResultStatus)
		assert.Equal(t, uint64(2), step.TurnNo)
		require.NotNil(t, step.Command)
		assert.Equal(t, game.SourceTimer, step.Command.Source)
		assert.Equal(t, uint64(1), step.Command.TurnNo)
	})

	t.Run("rejection surfaces as invalid turn", func(t *testing.T) {
		st := testState(4)
		world := &fakeWorld{
			snap:       runningSnapshot(st, 1),
			applyQueue: []*protocol.ApplyCommandResponse{rejectedResponse(st, 1, game.ReasonStaleTurnNo)},
		}
		p := newProcessor(t, world)

		env := envelope("timeout-g1-1-0", game.CommandTimeout, "", 1, st.Players[0].PlayerID)
		env.Source = game.SourceTimer
		step, err := p.Process(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, game.StepApplied, step.EventType)
		assert.Equal(t, game.ResultInvalidTurn, step.ResultStatus)
		assert.Equal(t, game.ReasonStaleTurnNo, step.Reason)
	})
}

func TestProcessAppliedCommand(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{appliedResponse(st, 2)},
	}
	p := newProcessor(t, world)

	env := envelope("cmd-1", game.CommandMove, game.DirDown, 1, st.Players[0].PlayerID)
	step, err := p.Process(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, game.StepApplied, step.EventType)
	assert.Equal(t, game.ResultApplied, step.ResultStatus)
	assert.Empty(t, step.Reason)
	assert.Equal(t, uint64(2), step.TurnNo)
	assert.NotZero(t, step.StepSeq)
	assert.Same(t, env, step.Command)
	assert.Zero(t, world.finishes)

	require.Len(t, world.applies, 1)
	assert.Equal(t, game.CommandMove, world.applies[0].CommandType)
	assert.Equal(t, "cmd-1", world.applies[0].CommandID)
}

func TestProcessRewritesInvalidCommand(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap: runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{
			rejectedResponse(st, 1, game.ReasonShootBlockedByBlock),
			appliedResponse(st, 2),
		},
	}
	p := newProcessor(t, world)

	env := envelope("cmd-1", game.CommandShoot, game.DirUp, 1, st.Players[0].PlayerID)
	step, err := p.Process(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, world.applies, 2)
	retry := world.applies[1]
	assert.Equal(t, game.CommandSpeak, retry.CommandType)
	assert.Equal(t, `invalid command: "shoot up"`, retry.SpeakText)
	assert.Equal(t, "cmd-1", retry.CommandID)
	assert.Equal(t, game.Direction(""), retry.Direction)

	assert.Equal(t, game.ResultApplied, step.ResultStatus)
	assert.Equal(t, uint64(2), step.TurnNo)
	require.NotNil(t, step.Command)
	assert.Equal(t, game.CommandSpeak, step.Command.CommandType)
	assert.Equal(t, `invalid command: "shoot up"`, step.Command.SpeakText)
}

func TestProcessTurnOrderRejection(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{rejectedResponse(st, 1, game.ReasonInvalidTurnPlayer)},
	}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandMove, game.DirDown, 1, st.Players[1].PlayerID))
	require.NoError(t, err)

	assert.Equal(t, game.ResultInvalidTurn, step.ResultStatus)
	assert.Equal(t, game.ReasonInvalidTurnPlayer, step.Reason)
	assert.Len(t, world.applies, 1, "turn-order rejections are not rewritten")
}

func TestProcessRewriteLosesRace(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap: runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{
			rejectedResponse(st, 1, game.ReasonMoveOutOfBounds),
			rejectedResponse(st, 2, game.ReasonStaleTurnNo),
		},
	}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandMove, game.DirUp, 1, st.Players[0].PlayerID))
	require.NoError(t, err)
	assert.Equal(t, game.ResultInvalidTurn, step.ResultStatus)
	assert.Equal(t, game.ReasonStaleTurnNo, step.Reason)
	assert.Len(t, world.applies, 2)
}

func TestProcessFinishesOnLastAlive(t *testing.T) {
	st := testState(2)
	resp := appliedResponse(st, 2)
	for i := 1; i < len(resp.State.Players); i++ {
		resp.State.Players[i].HP = 0
		resp.State.Players[i].Alive = false
	}
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{resp},
	}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandShoot, game.DirDown, 1, st.Players[0].PlayerID))
	require.NoError(t, err)
	assert.Equal(t, game.ResultApplied, step.ResultStatus)

	assert.Equal(t, 1, world.finishes)
	require.Len(t, world.order, 2)
	assert.Equal(t, "publish:APPLIED", world.order[0], "kill step precedes the finish call")
	assert.Equal(t, "finish", world.order[1])
}

func TestProcessFinishFailureTolerated(t *testing.T) {
	st := testState(2)
	resp := appliedResponse(st, 2)
	resp.State.Players[1].HP = 0
	resp.State.Players[1].Alive = false
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{resp},
		finishErr:  errors.New("authority down"),
	}
	p := newProcessor(t, world)

	step, err := p.Process(context.Background(), envelope("cmd-1", game.CommandShoot, game.DirDown, 1, st.Players[0].PlayerID))
	require.NoError(t, err)
	assert.NotNil(t, step)
}

func TestProcessStepSeqMonotonic(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap: runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{
			appliedResponse(st, 2),
			appliedResponse(st, 3),
			appliedResponse(st, 4),
		},
	}
	p := newProcessor(t, world)

	var prev uint64
	for i, id := range []string{"cmd-1", "cmd-2", "cmd-3"} {
		step, err := p.Process(context.Background(), envelope(id, game.CommandSpeak, "", uint64(i+1), st.Players[0].PlayerID))
		require.NoError(t, err)
		assert.Greater(t, step.StepSeq, prev)
		prev = step.StepSeq
	}
}

func TestProcessSnapshotFailure(t *testing.T) {
	world := &fakeWorld{getErr: errors.New("authority down")}
	p := newProcessor(t, world)

	_, err := p.Process(context.Background(), envelope("cmd-1", game.CommandMove, game.DirUp, 1, "p1"))
	require.Error(t, err)
	assert.Empty(t, world.published)
}

func TestProcessRejectsEmptyIdentity(t *testing.T) {
	world := &fakeWorld{}
	p := newProcessor(t, world)

	env := envelope("", game.CommandMove, game.DirUp, 1, "p1")
	_, err := p.Process(context.Background(), env)
	assert.Error(t, err)
}

func TestConsumerDropsUnparseable(t *testing.T) {
	c := NewConsumer(nil, nil, zerolog.New(io.Discard))
	assert.NoError(t, c.handle(context.Background(), []byte("{not json")))
}
