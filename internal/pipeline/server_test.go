package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

func TestServerProcess(t *testing.T) {
	st := testState(4)
	world := &fakeWorld{
		snap:       runningSnapshot(st, 1),
		applyQueue: []*protocol.ApplyCommandResponse{appliedResponse(st, 2)},
	}
	p := NewProcessor(zerolog.New(io.Discard), world, world, nil, WithClock(quartz.NewMock(t)))
	srv := httptest.NewServer(NewServer(p, zerolog.New(io.Discard)).Router())
	defer srv.Close()

	body, err := json.Marshal(protocol.CommandEnvelope{
		CommandID:   "cmd-1",
		Source:      game.SourceUser,
		PlayerID:    st.Players[0].PlayerID,
		CommandType: game.CommandSpeak,
		SpeakText:   "howdy",
		TurnNo:      1,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/internal/v2/games/g1/commands/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var step protocol.StepEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&step))
	assert.Equal(t, "g1", step.GameID)
	assert.Equal(t, game.ResultApplied, step.ResultStatus)
	assert.Equal(t, uint64(2), step.TurnNo)
	require.NotNil(t, step.Command)
	assert.Equal(t, "g1", step.Command.GameID, "path id wins over the body")
	assert.False(t, step.Command.SentAt.IsZero())

	t.Run("missing command_id is 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/internal/v2/games/g1/commands/process", "application/json", bytes.NewReader([]byte(`{"command_type":"speak"}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
