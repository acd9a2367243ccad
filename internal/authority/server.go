package authority

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// Server exposes the authority over HTTP: the public /v2 game surface and
// the internal apply/finish endpoints the pipeline calls.
type Server struct {
	svc    *Service
	logger zerolog.Logger
}

func NewServer(svc *Service, logger zerolog.Logger) *Server {
	return &Server{svc: svc, logger: logger.With().Str("component", "authority-http").Logger()}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(httpx.RequestLogger(s.logger))
	r.Use(httpx.Metrics("authority"))

	r.Get("/health", httpx.Health("authority"))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Post("/games", s.handleCreateGame)
		r.Get("/games/{gameID}", s.handleGetGame)
		r.Post("/games/{gameID}/start", s.handleStartGame)
		r.Get("/maps/default", s.handleDefaultMap)
	})
	r.Route("/internal/v2", func(r chi.Router) {
		r.Post("/games/{gameID}/commands/apply", s.handleApplyCommand)
		r.Post("/games/{gameID}/finish", s.handleFinishGame)
	})
	return r
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateGameRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.svc.CreateGame(r.Context(), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetGame(chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.StartGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApplyCommand(w http.ResponseWriter, r *http.Request) {
	var req protocol.ApplyCommandRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	resp, err := s.svc.ApplyCommand(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinishGame(w http.ResponseWriter, r *http.Request) {
	// The body is optional; finish without preconditions is a valid call.
	var req protocol.FinishGameRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.logger, err)
			return
		}
	}
	resp, err := s.svc.FinishGame(r.Context(), chi.URLParam(r, "gameID"), &req)
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDefaultMap(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.svc.DefaultMap())
}
