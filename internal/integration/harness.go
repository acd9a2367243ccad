// Package integration composes real services in one process for end-to-end
// exercises: the authority behind a live HTTP server, the pipeline
// resolving commands through the authority's own client, and recording
// publishers standing in for the bus.
package integration

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/authority"
	"github.com/lox/cowboy/internal/pipeline"
	"github.com/lox/cowboy/internal/protocol"
)

// StepRecorder collects published step events. The authority and the
// pipeline share one recorder the way they share one output stream in
// production.
type StepRecorder struct {
	mu    sync.Mutex
	steps []*protocol.StepEvent
}

func (r *StepRecorder) PublishStep(_ context.Context, step *protocol.StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

// Steps returns every published step in publish order.
func (r *StepRecorder) Steps() []*protocol.StepEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.StepEvent(nil), r.steps...)
}

// Last returns the most recently published step, or nil.
func (r *StepRecorder) Last() *protocol.StepEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) == 0 {
		return nil
	}
	return r.steps[len(r.steps)-1]
}

// CommandRecorder collects command envelopes, standing in for the input
// topics.
type CommandRecorder struct {
	mu   sync.Mutex
	envs []*protocol.CommandEnvelope
}

func (r *CommandRecorder) PublishCommand(_ context.Context, env *protocol.CommandEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

// Commands returns every published envelope in publish order.
func (r *CommandRecorder) Commands() []*protocol.CommandEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.CommandEnvelope(nil), r.envs...)
}

// noopTopics satisfies the authority's provisioner without a bus.
type noopTopics struct{}

func (noopTopics) EnsureTopics(context.Context, string) error { return nil }
func (noopTopics) DeleteTopics(context.Context, string) error { return nil }
func (noopTopics) CommandSubject(gameID string) string        { return "game.commands." + gameID + ".v1" }
func (noopTopics) OutputSubject(gameID string) string         { return "game.output." + gameID + ".v1" }

// Stack is one complete in-process deployment.
type Stack struct {
	Authority *authority.Client
	Pipeline  *pipeline.Processor
	Steps     *StepRecorder
}

// NewStack boots the authority on an httptest server and wires a pipeline
// processor to it over HTTP.
func NewStack(t *testing.T, cfg authority.Config) *Stack {
	t.Helper()
	logger := zerolog.New(io.Discard)

	steps := &StepRecorder{}
	svc := authority.NewService(logger, noopTopics{}, steps, nil, cfg)
	ts := httptest.NewServer(authority.NewServer(svc, logger).Router())
	t.Cleanup(ts.Close)

	client := authority.NewClient(ts.URL, 5*time.Second)
	return &Stack{
		Authority: client,
		Pipeline:  pipeline.NewProcessor(logger, client, steps, nil),
		Steps:     steps,
	}
}
