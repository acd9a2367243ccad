package agent

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Server exposes the agent to its bot worker over loopback HTTP. Every
// reply is an AgentEnvelope with HTTP 200; failures travel inside it as
// ok=false so the worker always sees one response shape.
type Server struct {
	agent  *Agent
	logger zerolog.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func NewServer(logger zerolog.Logger, agent *Agent) *Server {
	return &Server{
		agent:    agent,
		logger:   logger.With().Str("component", "agent-http").Logger(),
		shutdown: make(chan struct{}),
	}
}

// ShutdownRequested closes once the worker posts /shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(s.logger))
	r.Get("/health", httpx.Health("agent"))
	r.Post("/init", s.handleInit)
	r.Post("/decide", s.handleDecide)
	r.Post("/update", s.handleUpdate)
	r.Post("/shutdown", s.handleShutdown)
	return r
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentInitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.agent.Init(&req)
	httpx.WriteJSON(w, http.StatusOK, &protocol.AgentEnvelope{OK: true})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentDecideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.agent.Decide(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, &protocol.AgentEnvelope{OK: true, Decision: decision})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, &protocol.AgentEnvelope{OK: true, Update: s.agent.Observe(&req)})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, &protocol.AgentEnvelope{OK: true})
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Warn().Err(err).Msg("agent request failed")
	httpx.WriteJSON(w, http.StatusOK, &protocol.AgentEnvelope{OK: false, Error: err.Error()})
}
