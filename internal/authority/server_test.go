package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client, *fixture) {
	t.Helper()
	f := &fixture{topics: &fakeTopics{}, steps: &fakeSteps{}, assigner: &fakeAssigner{}}
	f.svc = NewService(zerolog.New(io.Discard), f.topics, f.steps, f.assigner, Config{})

	srv := httptest.NewServer(NewServer(f.svc, zerolog.New(io.Discard)).Router())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, 0), f
}

func TestServerRoundTrip(t *testing.T) {
	_, client, _ := newTestServer(t)
	ctx := context.Background()

	created, err := client.CreateGame(ctx, &protocol.CreateGameRequest{
		Map:        emptyMap(5, 5),
		NumPlayers: intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, game.StatusCreated, created.Status)
	require.Len(t, created.Players, 2)

	got, err := client.Get(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, created.GameID, got.GameID)
	assert.Equal(t, "game.commands."+created.GameID+".v1", got.InputTopic)

	started, err := client.StartGame(ctx, created.GameID)
	require.NoError(t, err)
	assert.True(t, started.Started)

	applied, err := client.Apply(ctx, created.GameID, &protocol.ApplyCommandRequest{
		CommandID:   "cmd-1",
		Source:      game.SourceUser,
		PlayerID:    created.Players[0].PlayerID,
		CommandType: game.CommandMove,
		Direction:   game.DirDown,
		TurnNo:      1,
	})
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	assert.Equal(t, uint64(2), applied.TurnNo)
	require.NotNil(t, applied.State)
	assert.Equal(t, 1, applied.State.Players[0].Row)

	// Both seats alive: finish is refused as a business outcome, not an
	// HTTP error.
	finished, err := client.Finish(ctx, created.GameID, nil)
	require.NoError(t, err)
	assert.False(t, finished.Finished)
	assert.Equal(t, game.ReasonNotLastPlayerLeft, finished.Reason)
}

func TestServerErrors(t *testing.T) {
	srv, client, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("unknown game is 404", func(t *testing.T) {
		_, err := client.Get(ctx, "missing")
		var apiErr *httpx.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})

	t.Run("bad create is 400", func(t *testing.T) {
		_, err := client.CreateGame(ctx, &protocol.CreateGameRequest{NumPlayers: intPtr(7)})
		var apiErr *httpx.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v2/games", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestFinishAcceptsEmptyBody(t *testing.T) {
	srv, client, _ := newTestServer(t)
	ctx := context.Background()

	created, err := client.CreateGame(ctx, &protocol.CreateGameRequest{Map: emptyMap(5, 5), NumPlayers: intPtr(2)})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/internal/v2/games/"+created.GameID+"/finish", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finished protocol.FinishGameResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&finished))
	assert.False(t, finished.Finished)
	assert.Equal(t, game.ReasonNotLastPlayerLeft, finished.Reason)
}

func TestDefaultMapEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v2/maps/default")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m game.Map
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, 11, m.Rows)
	assert.Equal(t, 11, m.Cols)
	require.Len(t, m.Cells, 11)
	assert.Zero(t, m.Cells[0][5], "seat A spawn stays empty")
}

func TestHealthRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
