package watcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

func newWatchServer(t *testing.T, games *fakeGames) (*httptest.Server, *Service) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	hub := NewHub(logger)
	svc := NewService(logger, games, hub)
	srv := NewServer(logger, games, hub, WithPollInterval(10*time.Millisecond))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func dialStream(t *testing.T, ts *httptest.Server, gameID, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v2/games/" + gameID + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// wsFrame is the union of the fields the stream's frame kinds carry.
type wsFrame struct {
	EventType  string                     `json:"event_type"`
	GameID     string                     `json:"game_id"`
	FromTurnNo uint64                     `json:"from_turn_no"`
	StepSeq    uint64                     `json:"step_seq"`
	TurnNo     uint64                     `json:"turn_no"`
	SpeakText  string                     `json:"speak_text"`
	Error      string                     `json:"error"`
	Snapshot   *protocol.SnapshotResponse `json:"snapshot"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil drains frames until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) wsFrame {
	t.Helper()
	for i := 0; i < 200; i++ {
		f := readFrame(t, conn)
		if f.EventType == eventType {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", eventType)
	return wsFrame{}
}

func TestSnapshotEndpoint(t *testing.T) {
	games := &fakeGames{snap: gameView(5, game.StatusRunning)}
	ts, _ := newWatchServer(t, games)

	var snap protocol.SnapshotResponse
	err := httpx.DoJSON(context.Background(), http.DefaultClient, http.MethodGet, ts.URL+"/v2/games/g1/snapshot", nil, &snap)
	require.NoError(t, err)

	assert.Equal(t, "g1", snap.GameID)
	assert.Equal(t, uint64(5), snap.TurnNo)
	assert.Equal(t, uint64(5), snap.LastStepSeq)
	assert.Equal(t, game.StatusRunning, snap.Status)
}

func TestSnapshotEndpointPropagatesNotFound(t *testing.T) {
	games := &fakeGames{}
	games.setErr(httpx.NotFound(`game "g1" not found`))
	ts, _ := newWatchServer(t, games)

	err := httpx.DoJSON(context.Background(), http.DefaultClient, http.MethodGet, ts.URL+"/v2/games/g1/snapshot", nil, nil)

	var apiErr *httpx.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestStreamConnectedThenSnapshot(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, _ := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "")

	connected := readFrame(t, conn)
	assert.Equal(t, protocol.FrameConnected, connected.EventType)
	assert.Equal(t, "g1", connected.GameID)
	assert.Zero(t, connected.FromTurnNo)

	snap := readFrame(t, conn)
	assert.Equal(t, protocol.FrameSnapshot, snap.EventType)
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, uint64(1), snap.Snapshot.TurnNo)
}

func TestStreamTurnAdvanceEmitsSnapshot(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, _ := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "")
	readFrame(t, conn) // CONNECTED
	readFrame(t, conn) // first snapshot

	games.set(gameView(2, game.StatusRunning))

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameSnapshot, frame.EventType)
	require.NotNil(t, frame.Snapshot)
	assert.Equal(t, uint64(2), frame.Snapshot.TurnNo)
}

func TestStreamClassifiesStatusTransitions(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusCreated)}
	ts, _ := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "")
	readFrame(t, conn) // CONNECTED

	first := readFrame(t, conn)
	assert.Equal(t, protocol.FrameSnapshot, first.EventType)

	games.set(gameView(1, game.StatusRunning))
	started := readFrame(t, conn)
	assert.Equal(t, protocol.FrameGameStarted, started.EventType)

	games.set(gameView(6, game.StatusFinished))
	finished := readFrame(t, conn)
	assert.Equal(t, protocol.FrameGameFinished, finished.EventType)
	require.NotNil(t, finished.Snapshot)
	assert.Equal(t, game.StatusFinished, finished.Snapshot.Status)
}

func TestStreamForwardsTypedFrames(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, svc := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "")
	readFrame(t, conn) // CONNECTED
	readFrame(t, conn) // first snapshot

	step := stepEvent(7, 1, game.StepApplied, &protocol.CommandEnvelope{
		CommandID:   "c1",
		PlayerID:    "p-a",
		CommandType: game.CommandSpeak,
		SpeakText:   "howdy",
	})
	require.NoError(t, svc.HandleStep(context.Background(), step))

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameSpeak, frame.EventType)
	assert.Equal(t, uint64(7), frame.StepSeq)
	assert.Equal(t, "howdy", frame.SpeakText)
	require.NotNil(t, frame.Snapshot)
}

func TestStreamFromTurnNoFiltersTypedFrames(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, svc := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "?from_turn_no=3")

	connected := readFrame(t, conn)
	assert.Equal(t, uint64(3), connected.FromTurnNo)
	readFrame(t, conn) // first snapshot

	early := stepEvent(4, 2, game.StepApplied, &protocol.CommandEnvelope{CommandType: game.CommandMove, Direction: game.DirUp})
	require.NoError(t, svc.HandleStep(context.Background(), early))
	wanted := stepEvent(5, 3, game.StepApplied, &protocol.CommandEnvelope{CommandType: game.CommandSpeak, SpeakText: "made it"})
	require.NoError(t, svc.HandleStep(context.Background(), wanted))

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameSpeak, frame.EventType)
	assert.Equal(t, uint64(3), frame.TurnNo)
}

func TestStreamInvalidFromTurnNo(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, _ := newWatchServer(t, games)

	resp, err := http.Get(ts.URL + "/v2/games/g1/stream?from_turn_no=nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEmitsErrorFrameAndRecovers(t *testing.T) {
	games := &fakeGames{}
	games.setErr(errors.New("authority down"))
	ts, _ := newWatchServer(t, games)

	conn := dialStream(t, ts, "g1", "")
	readFrame(t, conn) // CONNECTED

	errFrame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameError, errFrame.EventType)
	assert.Contains(t, errFrame.Error, "authority down")

	games.set(gameView(1, game.StatusRunning))
	snap := readUntil(t, conn, protocol.FrameSnapshot)
	require.NotNil(t, snap.Snapshot)
}

func TestWatcherHealth(t *testing.T) {
	games := &fakeGames{snap: gameView(1, game.StatusRunning)}
	ts, _ := newWatchServer(t, games)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
