package botsvc

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Agent is the decision sidecar a worker drives: one process per bot,
// spoken to over loopback HTTP. Stop kills the process without ceremony;
// Shutdown asks it to exit first.
type Agent interface {
	Init(ctx context.Context, req *protocol.AgentInitRequest) error
	Decide(ctx context.Context, req *protocol.AgentDecideRequest) (*protocol.AgentDecision, error)
	Update(ctx context.Context, req *protocol.AgentUpdateRequest) (*protocol.AgentUpdateResult, error)
	Shutdown(ctx context.Context) error
	Stop()
}

// AgentClient is the HTTP client half of the agent contract. Timeouts come
// from the caller's context; decides can legitimately take minutes.
type AgentClient struct {
	baseURL string
	http    *http.Client
}

func NewAgentClient(baseURL string) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

func (c *AgentClient) Health(ctx context.Context) error {
	return httpx.DoJSON(ctx, c.http, http.MethodGet, c.baseURL+"/health", nil, nil)
}

func (c *AgentClient) Init(ctx context.Context, req *protocol.AgentInitRequest) error {
	_, err := c.post(ctx, "/init", req)
	return err
}

func (c *AgentClient) Decide(ctx context.Context, req *protocol.AgentDecideRequest) (*protocol.AgentDecision, error) {
	env, err := c.post(ctx, "/decide", req)
	if err != nil {
		return nil, err
	}
	if env.Decision == nil {
		return nil, errors.New("agent returned no decision")
	}
	return env.Decision, nil
}

func (c *AgentClient) Update(ctx context.Context, req *protocol.AgentUpdateRequest) (*protocol.AgentUpdateResult, error) {
	env, err := c.post(ctx, "/update", req)
	if err != nil {
		return nil, err
	}
	return env.Update, nil
}

func (c *AgentClient) Shutdown(ctx context.Context) error {
	_, err := c.post(ctx, "/shutdown", nil)
	return err
}

func (c *AgentClient) post(ctx context.Context, path string, in any) (*protocol.AgentEnvelope, error) {
	var env protocol.AgentEnvelope
	if err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+path, in, &env); err != nil {
		return nil, err
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "agent error"
		}
		return nil, errors.New(msg)
	}
	return &env, nil
}
