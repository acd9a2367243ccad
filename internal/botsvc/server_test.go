package botsvc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cowboy/internal/botmgr"
	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// newHostServer wires the registry behind a real HTTP listener and talks to
// it with the bot manager's host client, so both sides of the contract are
// exercised.
func newHostServer(t *testing.T, snaps *fakeSnapshots) (*httptest.Server, *botmgr.HostClient, *fakeStreams, *fakeLauncher) {
	t.Helper()
	streams := &fakeStreams{}
	launcher := &fakeLauncher{decision: &protocol.AgentDecision{CommandType: game.CommandSpeak, SpeakText: "yeehaw"}}
	r := NewRegistry(zerolog.New(io.Discard), streams, snaps, launcher, Config{})
	t.Cleanup(r.Close)

	srv := httptest.NewServer(NewServer(r, zerolog.New(io.Discard)).Router())
	t.Cleanup(srv.Close)
	return srv, botmgr.NewHostClient(0), streams, launcher
}

func TestHostServerLifecycle(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{snap: gameView(1, "p-b", game.StatusRunning)}
	srv, client, streams, launcher := newHostServer(t, snaps)

	created, err := client.CreateBot(ctx, srv.URL, createReq(""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.BotID)
	assert.Equal(t, protocol.BotStatusCreated, created.Status)

	taught, err := client.TeachGame(ctx, srv.URL, created.BotID, botmgr.GameGuide("v1"))
	require.NoError(t, err)
	assert.Equal(t, protocol.BotStatusReady, taught.Status)
	assert.Equal(t, "v1", taught.GameGuideVersion)
	assert.Len(t, launcher.launched(), 1)

	err = client.UpdateBot(ctx, srv.URL, created.BotID, &protocol.BotUpdateRequest{
		Step: *stepEvent(10, 1, game.StepGameStarted, game.ResultApplied),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return streams.publishedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	var info protocol.BotInfoResponse
	err = httpx.DoJSON(ctx, http.DefaultClient, http.MethodGet, srv.URL+"/internal/v3/bots/"+created.BotID, nil, &info)
	require.NoError(t, err)
	assert.Equal(t, created.BotID, info.BotID)
	assert.Equal(t, protocol.BotStatusReady, info.Status)
	assert.Equal(t, "g1", info.GameID)
	assert.Equal(t, "p-b", info.PlayerID)

	require.NoError(t, client.DeleteBot(ctx, srv.URL, created.BotID))

	err = httpx.DoJSON(ctx, http.DefaultClient, http.MethodGet, srv.URL+"/internal/v3/bots/"+created.BotID, nil, &info)
	var apiErr *httpx.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHostServerCreateConflict(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := newHostServer(t, &fakeSnapshots{})

	_, err := client.CreateBot(ctx, srv.URL, createReq("b-dup"))
	require.NoError(t, err)

	_, err = client.CreateBot(ctx, srv.URL, createReq("b-dup"))
	var apiErr *httpx.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestHostServerUpdateBeforeTeach(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := newHostServer(t, &fakeSnapshots{})

	_, err := client.CreateBot(ctx, srv.URL, createReq("b1"))
	require.NoError(t, err)

	err = client.UpdateBot(ctx, srv.URL, "b1", &protocol.BotUpdateRequest{
		Step: *stepEvent(10, 1, game.StepGameStarted, game.ResultApplied),
	})
	var apiErr *httpx.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestHostServerHealth(t *testing.T) {
	srv, _, _, _ := newHostServer(t, &fakeSnapshots{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
