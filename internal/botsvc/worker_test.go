package botsvc

import (
	"context"
	"errors"
	"io"
	"strings"
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

type fakeAgent struct {
	mu        sync.Mutex
	decision  *protocol.AgentDecision
	decideErr error
	initErr   error

	inits     []*protocol.AgentInitRequest
	decides   []*protocol.AgentDecideRequest
	updates   []*protocol.AgentUpdateRequest
	shutdowns int
	stopped   bool
}

func (f *fakeAgent) Init(_ context.Context, req *protocol.AgentInitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, req)
	return f.initErr
}

func (f *fakeAgent) Decide(_ context.Context, req *protocol.AgentDecideRequest) (*protocol.AgentDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decides = append(f.decides, req)
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	return f.decision, nil
}

func (f *fakeAgent) Update(_ context.Context, req *protocol.AgentUpdateRequest) (*protocol.AgentUpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return &protocol.AgentUpdateResult{UpdateSource: "test"}, nil
}

func (f *fakeAgent) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeAgent) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAgent) decideCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decides)
}

func (f *fakeAgent) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeAgent) lastDecide() *protocol.AgentDecideRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decides[len(f.decides)-1]
}

func (f *fakeAgent) setDecision(d *protocol.AgentDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decision = d
	f.decideErr = nil
}

type fakeSnapshots struct {
	mu     sync.Mutex
	snap   *protocol.GameResponse
	getErr error
}

func (f *fakeSnapshots) Get(_ context.Context, gameID string) (*protocol.GameResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.snap, nil
}

func (f *fakeSnapshots) set(snap *protocol.GameResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

type fakeCommands struct {
	mu        sync.Mutex
	published []*protocol.CommandEnvelope
	pubErr    error
}

func (f *fakeCommands) PublishCommand(_ context.Context, env *protocol.CommandEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakeCommands) all() []*protocol.CommandEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.CommandEnvelope(nil), f.published...)
}

func gameView(turnNo uint64, currentPlayerID string, status game.GameStatus) *protocol.GameResponse {
	return &protocol.GameResponse{
		GameID:          "g1",
		Status:          status,
		TurnNo:          turnNo,
		RoundNo:         1,
		CurrentPlayerID: currentPlayerID,
	}
}

func stepEvent(seq, turnNo uint64, eventType game.StepEventType, result game.ResultStatus) *protocol.StepEvent {
	return &protocol.StepEvent{
		GameID:       "g1",
		StepSeq:      seq,
		TurnNo:       turnNo,
		EventType:    eventType,
		ResultStatus: result,
	}
}

func newTestWorker(agent *fakeAgent, snaps *fakeSnapshots, cmds *fakeCommands) *Worker {
	return newWorker(zerolog.New(io.Discard), snaps, cmds, agent, quartz.NewReal(), WorkerConfig{
		BotID:      "b1",
		GameID:     "g1",
		PlayerName: game.PlayerB,
		PlayerID:   "p-b",
	})
}

func TestWorkerActsOnOwnTurn(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	finished := w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))
	assert.False(t, finished)

	published := cmds.all()
	require.Len(t, published, 1)
	env := published[0]
	assert.Equal(t, game.CommandMove, env.CommandType)
	assert.Equal(t, game.DirUp, env.Direction)
	assert.Equal(t, game.SourceBot, env.Source)
	assert.Equal(t, "p-b", env.PlayerID)
	assert.Equal(t, uint64(1), env.TurnNo)
	assert.True(t, strings.HasPrefix(env.CommandID, "bot-b1-1-"), env.CommandID)

	// The first decide forces a speak because the bot has never spoken.
	require.Equal(t, 1, agent.decideCount())
	assert.True(t, agent.lastDecide().ForceSpeak)

	// The step itself was forwarded into the agent's memory.
	require.Equal(t, 1, agent.updateCount())
	assert.Equal(t, game.StepGameStarted, agent.updates[0].StepEventType)
	assert.True(t, agent.updates[0].IsBotTurn)
}

func TestWorkerForceSpeakClearsAfterFirstSpeak(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirLeft}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	// Turn 1: agent answers with a move despite the speak request, so the
	// force flag must stay up.
	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))
	assert.True(t, agent.lastDecide().ForceSpeak)

	snaps.set(gameView(2, "p-b", game.StatusRunning))
	agent.setDecision(&protocol.AgentDecision{CommandType: game.CommandSpeak, SpeakText: "howdy"})
	w.handleStep(ctx, stepEvent(11, 2, game.StepApplied, game.ResultApplied))
	assert.True(t, agent.lastDecide().ForceSpeak)

	snaps.set(gameView(3, "p-b", game.StatusRunning))
	w.handleStep(ctx, stepEvent(12, 3, game.StepApplied, game.ResultApplied))
	assert.False(t, agent.lastDecide().ForceSpeak, "spoke on turn 2, no more forcing")
}

func TestWorkerIgnoresOtherSeatsTurn(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-a", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

	assert.Empty(t, cmds.all())
	assert.Zero(t, agent.decideCount())
	assert.Equal(t, 1, agent.updateCount(), "memory update still forwarded")
	assert.False(t, agent.updates[0].IsBotTurn)
}

func TestWorkerDedupesByStepSeq(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	step := stepEvent(10, 1, game.StepGameStarted, game.ResultApplied)
	w.handleStep(ctx, step)
	w.handleStep(ctx, step)

	assert.Len(t, cmds.all(), 1)
	assert.Equal(t, 1, agent.decideCount())
	assert.Equal(t, 1, agent.updateCount(), "duplicates are not replayed into memory either")
}

func TestWorkerActsOncePerTurn(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandShoot, Direction: game.DirDown}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

	// Another seat's duplicate bounced while the turn stayed ours; we
	// already acted on turn 1 and must not act again.
	dup := stepEvent(11, 1, game.StepApplied, game.ResultDuplicateCommand)
	dup.Command = &protocol.CommandEnvelope{PlayerID: "p-a", CommandType: game.CommandSpeak}
	w.handleStep(ctx, dup)

	assert.Len(t, cmds.all(), 1)
	assert.Equal(t, 1, agent.decideCount())
}

func TestWorkerRetriesOwnRejectionWithFallback(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandShoot, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))
	require.Len(t, cmds.all(), 1)

	rejection := func(seq uint64) *protocol.StepEvent {
		s := stepEvent(seq, 1, game.StepApplied, game.ResultInvalidTurn)
		s.Reason = game.ReasonStaleTurnNo
		s.Command = &protocol.CommandEnvelope{PlayerID: "p-b", CommandType: game.CommandShoot}
		return s
	}

	// First rejection: the agent is not consulted again; a fallback speak
	// goes out instead.
	w.handleStep(ctx, rejection(11))
	published := cmds.all()
	require.Len(t, published, 2)
	assert.Equal(t, game.CommandSpeak, published[1].CommandType)
	assert.Equal(t, "bot fail:command rejected: STALE_TURN_NO", published[1].SpeakText)
	assert.Equal(t, 1, agent.decideCount())

	// Second rejection: one more retry allowed.
	w.handleStep(ctx, rejection(12))
	require.Len(t, cmds.all(), 3)

	// Third rejection: retries exhausted, the timer owns the turn now.
	w.handleStep(ctx, rejection(13))
	assert.Len(t, cmds.all(), 3)
	assert.Equal(t, 1, agent.decideCount())
}

func TestWorkerRetryCountResetsOnNewTurn(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandShoot, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

	rej := stepEvent(11, 1, game.StepApplied, game.ResultInvalidTurn)
	rej.Reason = game.ReasonInvalidTurnPlayer
	rej.Command = &protocol.CommandEnvelope{PlayerID: "p-b"}
	w.handleStep(ctx, rej)
	require.Equal(t, 1, w.retryCount)

	// The turn advances and comes back around; the retry count is fresh.
	snaps.set(gameView(5, "p-b", game.StatusRunning))
	w.handleStep(ctx, stepEvent(12, 5, game.StepApplied, game.ResultApplied))
	assert.Zero(t, w.retryCount)
	assert.Equal(t, 2, agent.decideCount())
}

func TestWorkerFallbackOnAgentError(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decideErr: errors.New("connection refused")}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

	published := cmds.all()
	require.Len(t, published, 1)
	assert.Equal(t, game.CommandSpeak, published[0].CommandType)
	assert.Equal(t, "bot fail:connection refused", published[0].SpeakText)
}

func TestWorkerFallbackOnInvalidDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision *protocol.AgentDecision
		want     string
	}{
		{
			name:     "unsupported type",
			decision: &protocol.AgentDecision{CommandType: "fly"},
			want:     `bot fail:invalid decision: unsupported type "fly"`,
		},
		{
			name:     "reserved type",
			decision: &protocol.AgentDecision{CommandType: game.CommandTimeout},
			want:     `bot fail:invalid decision: unsupported type "timeout"`,
		},
		{
			name:     "missing direction",
			decision: &protocol.AgentDecision{CommandType: game.CommandMove},
			want:     "bot fail:invalid decision: missing direction",
		},
		{
			name:     "missing speak text",
			decision: &protocol.AgentDecision{CommandType: game.CommandSpeak, SpeakText: "   "},
			want:     "bot fail:invalid decision: missing speak text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAgent{decision: tt.decision}
			snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
			cmds := &fakeCommands{}
			w := newTestWorker(agent, snaps, cmds)

			w.handleStep(context.Background(), stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

			published := cmds.all()
			require.Len(t, published, 1)
			assert.Equal(t, game.CommandSpeak, published[0].CommandType)
			assert.Equal(t, tt.want, published[0].SpeakText)
		})
	}
}

func TestFailText(t *testing.T) {
	assert.Equal(t, "bot fail:agent exited", failText("agent  exited"))
	assert.Equal(t, "bot fail:a b c", failText("a\n b\t\tc"))

	long := failText(strings.Repeat("x", 300))
	assert.Equal(t, "bot fail:"+strings.Repeat("x", 137)+"...", long)
	assert.Len(t, strings.TrimPrefix(long, "bot fail:"), failReasonLimit)
}

func TestWorkerSnapshotFailureStillFeedsAgent(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{getErr: errors.New("authority down")}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	finished := w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))

	assert.False(t, finished)
	assert.Empty(t, cmds.all(), "no snapshot means no safe decision")
	require.Equal(t, 1, agent.updateCount())
	assert.Nil(t, agent.updates[0].Game)
}

func TestWorkerStopsOnGameFinished(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	finished := w.handleStep(ctx, stepEvent(10, 3, game.StepGameFinished, game.ResultApplied))
	assert.True(t, finished)
	assert.Equal(t, 1, agent.updateCount(), "the final step still reaches the agent's memory")

	// A redelivered finish keeps signalling shutdown even though its seq is
	// stale.
	finished = w.handleStep(ctx, stepEvent(10, 3, game.StepGameFinished, game.ResultApplied))
	assert.True(t, finished)
}

func TestWorkerRunLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandShield, Direction: game.DirLeft}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{}
	w := newTestWorker(agent, snaps, cmds)

	go w.Run(ctx)

	w.Enqueue(stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))
	require.Eventually(t, func() bool { return len(cmds.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	w.Enqueue(stepEvent(11, 2, game.StepGameFinished, game.ResultApplied))
	select {
	case <-w.Done():
	case <-ctx.Done():
		t.Fatal("worker did not stop on GameFinished")
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, 1, agent.shutdowns)
	assert.True(t, agent.stopped)
}

func TestWorkerPublishFailureDoesNotConsumeTurn(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{decision: &protocol.AgentDecision{CommandType: game.CommandMove, Direction: game.DirUp}}
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	cmds := &fakeCommands{pubErr: errors.New("bus down")}
	w := newTestWorker(agent, snaps, cmds)

	w.handleStep(ctx, stepEvent(10, 1, game.StepGameStarted, game.ResultApplied))
	assert.Zero(t, w.lastActedTurnNo, "a command that never landed must not count as acting")
	assert.False(t, w.hasSpoken)
}
