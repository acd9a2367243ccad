package authority

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Client calls the authority over HTTP. The pipeline, timer, watcher, bot
// manager and bot workers all share this surface; one Client is safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client with a bounded request timeout. timeout <= 0
// falls back to 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) gameURL(gameID, suffix string) string {
	return c.baseURL + "/v2/games/" + url.PathEscape(gameID) + suffix
}

func (c *Client) internalGameURL(gameID, suffix string) string {
	return c.baseURL + "/internal/v2/games/" + url.PathEscape(gameID) + suffix
}

// CreateGame creates a game.
func (c *Client) CreateGame(ctx context.Context, req *protocol.CreateGameRequest) (*protocol.CreateGameResponse, error) {
	var resp protocol.CreateGameResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/v2/games", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartGame starts a game; idempotent.
func (c *Client) StartGame(ctx context.Context, gameID string) (*protocol.StartGameResponse, error) {
	var resp protocol.StartGameResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.gameURL(gameID, "/start"), struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get fetches the full game view.
func (c *Client) Get(ctx context.Context, gameID string) (*protocol.GameResponse, error) {
	var resp protocol.GameResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodGet, c.gameURL(gameID, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply submits one command for turn resolution.
func (c *Client) Apply(ctx context.Context, gameID string, req *protocol.ApplyCommandRequest) (*protocol.ApplyCommandResponse, error) {
	var resp protocol.ApplyCommandResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.internalGameURL(gameID, "/commands/apply"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Finish asks the authority to finish a game; idempotent.
func (c *Client) Finish(ctx context.Context, gameID string, req *protocol.FinishGameRequest) (*protocol.FinishGameResponse, error) {
	if req == nil {
		req = &protocol.FinishGameRequest{}
	}
	var resp protocol.FinishGameResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.internalGameURL(gameID, "/finish"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
