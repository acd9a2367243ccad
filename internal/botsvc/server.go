package botsvc

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Server exposes the bot host's internal lifecycle API, called by the bot
// manager.
type Server struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewServer(registry *Registry, logger zerolog.Logger) *Server {
	return &Server{registry: registry, logger: logger.With().Str("component", "botservice-http").Logger()}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(s.logger))
	r.Use(httpx.Metrics("botservice"))

	r.Get("/health", httpx.Health("botservice"))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal/v3", func(r chi.Router) {
		r.Post("/bots", s.handleCreate)
		r.Get("/bots/{botID}", s.handleGet)
		r.Delete("/bots/{botID}", s.handleDelete)
		r.Post("/bots/{botID}/teach-game", s.handleTeach)
		r.Post("/bots/{botID}/update", s.handleUpdate)
	})
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateBotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.registry.Create(&req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	resp, err := s.registry.Get(chi.URLParam(r, "botID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	resp, err := s.registry.Delete(chi.URLParam(r, "botID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTeach(w http.ResponseWriter, r *http.Request) {
	var req protocol.TeachGameRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.registry.Teach(r.Context(), chi.URLParam(r, "botID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.BotUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.registry.Update(chi.URLParam(r, "botID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
