package botmgr

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Server exposes the bot manager's internal assignment API.
type Server struct {
	mgr    *Manager
	logger zerolog.Logger
}

func NewServer(mgr *Manager, logger zerolog.Logger) *Server {
	return &Server{mgr: mgr, logger: logger.With().Str("component", "botmgr-http").Logger()}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(s.logger))
	r.Use(httpx.Metrics("botmanager"))

	r.Get("/health", httpx.Health("botmanager"))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal/v3", func(r chi.Router) {
		r.Post("/games/{gameID}/assignments/default", s.handleAssignDefault)
		r.Post("/games/{gameID}/assignments", s.handleAssign)
		r.Get("/games/{gameID}/assignments", s.handleGetAssignments)
		r.Post("/games/{gameID}/bindings", s.handleBindBot)
		r.Post("/games/{gameID}/bots/stop", s.handleStopBots)
	})
	return r
}

func (s *Server) handleAssignDefault(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an empty post applies the stock split.
	var req protocol.DefaultAssignmentRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.logger, err)
			return
		}
	}
	resp, err := s.mgr.AssignDefault(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req protocol.BulkAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.mgr.Assign(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAssignments(w http.ResponseWriter, r *http.Request) {
	resp, err := s.mgr.Assignments(chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBindBot(w http.ResponseWriter, r *http.Request) {
	var req protocol.BindBotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.mgr.BindBot(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopBots(w http.ResponseWriter, r *http.Request) {
	var req protocol.StopBotsRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.logger, err)
			return
		}
	}
	resp, err := s.mgr.StopBots(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
