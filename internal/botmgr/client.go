package botmgr

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// HostClient talks to bot service hosts. The base URL is per call because
// the manager spreads bots across several hosts.
type HostClient struct {
	http *http.Client
}

func NewHostClient(timeout time.Duration) *HostClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HostClient{http: &http.Client{Timeout: timeout}}
}

func (c *HostClient) CreateBot(ctx context.Context, baseURL string, req *protocol.CreateBotRequest) (*protocol.CreateBotResponse, error) {
	var out protocol.CreateBotResponse
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, hostURL(baseURL, "/internal/v3/bots"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HostClient) TeachGame(ctx context.Context, baseURL, botID string, req *protocol.TeachGameRequest) (*protocol.TeachGameResponse, error) {
	var out protocol.TeachGameResponse
	path := "/internal/v3/bots/" + url.PathEscape(botID) + "/teach-game"
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, hostURL(baseURL, path), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HostClient) UpdateBot(ctx context.Context, baseURL, botID string, req *protocol.BotUpdateRequest) error {
	path := "/internal/v3/bots/" + url.PathEscape(botID) + "/update"
	return httpx.DoJSON(ctx, c.http, http.MethodPost, hostURL(baseURL, path), req, nil)
}

func (c *HostClient) DeleteBot(ctx context.Context, baseURL, botID string) error {
	path := "/internal/v3/bots/" + url.PathEscape(botID)
	return httpx.DoJSON(ctx, c.http, http.MethodDelete, hostURL(baseURL, path), nil, nil)
}

func hostURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// Client is the bot manager API client used by the game service and the CLI.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(path string) string { return c.baseURL + path }

// Assign satisfies the game service's assigner hook: it posts the explicit
// human/bot split for a freshly created game.
func (c *Client) Assign(ctx context.Context, gameID string, humanIDs, botIDs []string) error {
	_, err := c.AssignPlayers(ctx, gameID, &protocol.BulkAssignmentRequest{
		HumanPlayerIDs: humanIDs,
		BotPlayerIDs:   botIDs,
	})
	return err
}

func (c *Client) AssignPlayers(ctx context.Context, gameID string, req *protocol.BulkAssignmentRequest) (*protocol.AssignmentResponse, error) {
	var out protocol.AssignmentResponse
	path := "/internal/v3/games/" + url.PathEscape(gameID) + "/assignments"
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.url(path), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AssignDefault(ctx context.Context, gameID string, req *protocol.DefaultAssignmentRequest) (*protocol.DefaultAssignmentResult, error) {
	var out protocol.DefaultAssignmentResult
	path := "/internal/v3/games/" + url.PathEscape(gameID) + "/assignments/default"
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.url(path), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BindBot(ctx context.Context, gameID string, req *protocol.BindBotRequest) (*protocol.BindBotResponse, error) {
	var out protocol.BindBotResponse
	path := "/internal/v3/games/" + url.PathEscape(gameID) + "/bindings"
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.url(path), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopBots(ctx context.Context, gameID string, req *protocol.StopBotsRequest) (*protocol.StopBotsResponse, error) {
	var out protocol.StopBotsResponse
	path := "/internal/v3/games/" + url.PathEscape(gameID) + "/bots/stop"
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.url(path), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Assignments(ctx context.Context, gameID string) (*protocol.AssignmentResponse, error) {
	var out protocol.AssignmentResponse
	path := "/internal/v3/games/" + url.PathEscape(gameID) + "/assignments"
	if err := httpx.DoJSON(ctx, c.http, http.MethodGet, c.url(path), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
