package watcher

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

const (
	// pollInterval paces the per-stream snapshot loop.
	pollInterval = 800 * time.Millisecond

	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// sendBuffer is the per-connection outbound frame backlog.
	sendBuffer = 256
)

// Server exposes the watcher surfaces: the snapshot endpoint and the
// WebSocket stream.
type Server struct {
	games    Games
	hub      *Hub
	logger   zerolog.Logger
	clock    quartz.Clock
	poll     time.Duration
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithClock substitutes the wall clock driving the snapshot poll.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithPollInterval overrides the snapshot poll pace.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.poll = d }
}

func NewServer(logger zerolog.Logger, games Games, hub *Hub, opts ...Option) *Server {
	s := &Server{
		games:  games,
		hub:    hub,
		logger: logger.With().Str("component", "watcher-http").Logger(),
		clock:  quartz.NewReal(),
		poll:   pollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
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
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(httpx.RequestLogger(s.logger))
	r.Use(httpx.Metrics("watcher"))

	r.Get("/health", httpx.Health("watcher"))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Get("/games/{gameID}/snapshot", s.handleSnapshot)
		r.Get("/games/{gameID}/stream", s.handleStream)
	})
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	g, err := s.games.Get(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snapshotOf(g))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var fromTurnNo uint64
	if raw := r.URL.Query().Get("from_turn_no"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpx.WriteError(w, s.logger, httpx.BadRequest("invalid from_turn_no: "+raw))
			return
		}
		fromTurnNo = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("game_id", gameID).Msg("websocket upgrade failed")
		return
	}

	st := &stream{
		srv:      s,
		conn:     conn,
		gameID:   gameID,
		fromTurn: fromTurnNo,
		send:     make(chan any, sendBuffer),
		logger:   s.logger.With().Str("game_id", gameID).Logger(),
	}
	st.run(r.Context())
}

// stream is one watch connection: a snapshot poll loop plus the hub feed,
// multiplexed onto a single write pump.
type stream struct {
	srv      *Server
	conn     *websocket.Conn
	gameID   string
	fromTurn uint64
	send     chan any
	logger   zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (st *stream) run(parent context.Context) {
	st.ctx, st.cancel = context.WithCancel(parent)
	defer st.close()

	sub := st.srv.hub.Subscribe(st.gameID)
	defer sub.Close()

	go st.writePump()
	go st.readPump()

	st.enqueue(&protocol.ConnectedFrame{
		EventType:   protocol.FrameConnected,
		GameID:      st.gameID,
		FromTurnNo:  st.fromTurn,
		ConnectedAt: time.Now().UTC(),
		Message:     "watching game " + st.gameID,
	})

	prev := st.pollOnce(st.ctx, nil)
	tick := st.srv.clock.TickerFunc(st.ctx, st.srv.poll, func() error {
		prev = st.pollOnce(st.ctx, prev)
		return nil
	}, "watcher-stream-poll")
	defer func() { _ = tick.Wait() }()

	for {
		select {
		case <-st.ctx.Done():
			return
		case frame := <-sub.C():
			if frame.TurnNo < st.fromTurn {
				continue
			}
			st.enqueue(frame)
		}
	}
}

// pollOnce fetches the snapshot and pushes it when it is the stream's
// first, or the turn or status moved since the previous one. A status
// transition names the frame; a fetch failure becomes an ERROR frame and
// keeps the stream alive.
func (st *stream) pollOnce(ctx context.Context, prev *protocol.SnapshotResponse) *protocol.SnapshotResponse {
	g, err := st.srv.games.Get(ctx, st.gameID)
	if err != nil {
		if ctx.Err() == nil {
			st.enqueue(&protocol.ErrorFrame{
				EventType: protocol.FrameError,
				GameID:    st.gameID,
				Error:     err.Error(),
				At:        time.Now().UTC(),
			})
		}
		return prev
	}
	snap := snapshotOf(g)

	if prev != nil && prev.TurnNo == snap.TurnNo && prev.Status == snap.Status {
		return snap
	}

	eventType := protocol.FrameSnapshot
	if prev != nil && prev.Status != snap.Status {
		switch snap.Status {
		case game.StatusRunning:
			eventType = protocol.FrameGameStarted
		case game.StatusFinished:
			eventType = protocol.FrameGameFinished
		}
	}

	st.enqueue(&protocol.SnapshotFrame{
		EventType: eventType,
		GameID:    st.gameID,
		Snapshot:  snap,
		EmittedAt: time.Now().UTC(),
	})
	return snap
}

// enqueue hands a frame to the write pump. A full buffer means the client
// stopped draining; the stream is torn down rather than blocked.
func (st *stream) enqueue(frame any) {
	select {
	case st.send <- frame:
	case <-st.ctx.Done():
	default:
		st.logger.Warn().Msg("stream send buffer full, closing")
		st.close()
	}
}

func (st *stream) close() {
	st.closeOnce.Do(func() {
		st.cancel()
		_ = st.conn.Close()
	})
}

func (st *stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		st.close()
	}()

	for {
		select {
		case frame := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteJSON(frame); err != nil {
				st.logger.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-st.ctx.Done():
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = st.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump discards client messages; its job is noticing the peer is gone.
func (st *stream) readPump() {
	defer st.close()

	st.conn.SetReadLimit(maxMessageSize)
	_ = st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			return
		}
	}
}
