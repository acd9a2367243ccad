// Package web is the public command ingress: it validates player commands
// and queues them on the game's input topic. It never reads or mutates
// game state; acceptance says nothing about whether a command will apply.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// CommandPublisher puts command envelopes on a game's input topic.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, env *protocol.CommandEnvelope) error
}

// Default per-IP rate for command submission.
const (
	defaultRPS   rate.Limit = 20
	defaultBurst            = 40
)

var commandsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowboy_web_commands_queued_total",
	Help: "Commands accepted and queued by the public ingress.",
}, []string{"command_type"})

// Server is the ingress HTTP surface.
type Server struct {
	commands CommandPublisher
	logger   zerolog.Logger
	limits   *ipLimiters
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit overrides the per-IP request budget.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(s *Server) { s.limits = newIPLimiters(rps, burst) }
}

func NewServer(logger zerolog.Logger, commands CommandPublisher, opts ...Option) *Server {
	s := &Server{
		commands: commands,
		logger:   logger.With().Str("component", "web").Logger(),
		limits:   newIPLimiters(defaultRPS, defaultBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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
	r.Use(httpx.Metrics("web"))

	r.Get("/health", httpx.Health("web"))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.With(s.rateLimit).Post("/games/{gameID}/commands", s.handleSubmitCommand)
	})
	return r
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var req protocol.SubmitCommandRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	if err := validate(&req); err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}

	sentAt := req.ClientSentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	env := &protocol.CommandEnvelope{
		CommandID:   req.CommandID,
		Source:      game.SourceUser,
		GameID:      gameID,
		PlayerID:    req.PlayerID,
		CommandType: req.CommandType,
		Direction:   req.Direction,
		SpeakText:   req.SpeakText,
		TurnNo:      req.TurnNo,
		SentAt:      sentAt,
	}
	if err := s.commands.PublishCommand(r.Context(), env); err != nil {
		httpx.WriteError(w, s.logger, httpx.Internal("queue command: "+err.Error()))
		return
	}
	commandsQueued.WithLabelValues(string(req.CommandType)).Inc()

	s.logger.Debug().
		Str("game_id", gameID).
		Str("command_id", req.CommandID).
		Str("player_id", req.PlayerID).
		Str("command_type", string(req.CommandType)).
		Msg("command queued")

	httpx.WriteJSON(w, http.StatusOK, &protocol.SubmitCommandResponse{
		Accepted:  true,
		CommandID: req.CommandID,
		QueuedAt:  time.Now().UTC(),
	})
}

// validate rejects commands that could never apply. Turn validity is the
// authority's call, not ours.
func validate(req *protocol.SubmitCommandRequest) error {
	if strings.TrimSpace(req.CommandID) == "" {
		return httpx.BadRequest("command_id is required")
	}
	if req.PlayerID == "" {
		return httpx.BadRequest("player_id is required")
	}
	if !req.CommandType.Valid() {
		return httpx.BadRequest(fmt.Sprintf("unknown command_type %q", req.CommandType))
	}
	if req.CommandType.Reserved() {
		return httpx.BadRequest(fmt.Sprintf("command_type %q is reserved for system producers", req.CommandType))
	}
	if req.CommandType.RequiresDirection() && !req.Direction.Valid() {
		return httpx.BadRequest("direction is required for " + string(req.CommandType))
	}
	if req.CommandType == game.CommandSpeak && strings.TrimSpace(req.SpeakText) == "" {
		return httpx.BadRequest("speak_text must not be empty")
	}
	return nil
}

// ipLimiters hands out one token bucket per remote IP.
type ipLimiters struct {
	mu    sync.Mutex
	lims  map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newIPLimiters(rps rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{
		lims:  make(map[string]*rate.Limiter),
		rps:   rps,
		burst: burst,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.lims[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.lims[ip] = lim
	}
	return lim
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limits.get(ip).Allow() {
			httpx.WriteError(w, s.logger, httpx.NewError(http.StatusTooManyRequests, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
