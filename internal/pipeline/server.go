package pipeline

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Server is the synchronous sibling of the bus path: internal callers can
// push one envelope through the processor and get the resulting step back.
type Server struct {
	proc   *Processor
	logger zerolog.Logger
}

func NewServer(proc *Processor, logger zerolog.Logger) *Server {
	return &Server{proc: proc, logger: logger.With().Str("component", "pipeline-http").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(s.logger))
	r.Use(httpx.Metrics("pipeline"))

	r.Get("/health", httpx.Health("pipeline"))
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/internal/v2/games/{gameID}/commands/process", s.handleProcess)
	return r
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var env protocol.CommandEnvelope
	if err := httpx.DecodeJSON(r, &env); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	env.GameID = chi.URLParam(r, "gameID")
	if env.CommandID == "" {
		httpx.WriteError(w, s.logger, httpx.BadRequest("command_id is required"))
		return
	}
	if env.Source == "" {
		env.Source = game.SourceSystem
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}

	step, err := s.proc.Process(r.Context(), &env)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, step)
}
