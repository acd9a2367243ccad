// Package authority is the single writer of per-game state. It owns the
// game_id → Instance map, applies the combat rules under a per-game lock,
// provisions the per-game bus topics on create, and publishes the
// GameStarted / GameFinished lifecycle step events.
package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	rand "math/rand/v2"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/gameid"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
)

// TopicProvisioner creates and deletes a game's pair of bus topics and
// names them. *bus.Bus implements it; tests inject a recording double.
type TopicProvisioner interface {
	EnsureTopics(ctx context.Context, gameID string) error
	DeleteTopics(ctx context.Context, gameID string) error
	CommandSubject(gameID string) string
	OutputSubject(gameID string) string
}

// StepPublisher puts lifecycle step events on a game's output topic.
type StepPublisher interface {
	PublishStep(ctx context.Context, step *protocol.StepEvent) error
}

// BotAssigner is the bot manager's assign endpoint as seen from CreateGame.
type BotAssigner interface {
	Assign(ctx context.Context, gameID string, humanIDs, botIDs []string) error
}

var (
	gamesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_authority_games_created_total",
		Help: "Games created.",
	})
	stepsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cowboy_authority_steps_published_total",
		Help: "Lifecycle step events published by the authority.",
	}, []string{"event_type"})
	commandsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cowboy_authority_commands_resolved_total",
		Help: "ApplyCommand resolutions by outcome reason (APPLIED when applied).",
	}, []string{"reason"})
)

// Config tunes game creation defaults.
type Config struct {
	// DefaultMap, when set, is used for every game created without a
	// caller-supplied map. When nil a map is generated per game.
	DefaultMap *game.Map
	// PlayerHP is each seat's starting hit points.
	PlayerHP int
	// DefaultTimeoutSeconds applies when the create request omits one.
	DefaultTimeoutSeconds uint64
	// DefaultRows/DefaultCols size generated maps.
	DefaultRows int
	DefaultCols int
}

func (c Config) withDefaults() Config {
	if c.PlayerHP <= 0 {
		c.PlayerHP = game.DefaultPlayerHP
	}
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = game.DefaultTurnTimeoutSeconds
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 11
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 11
	}
	return c
}

// Service holds every live game. All mutating operations for one game_id
// run under that game's exclusive lock; reads copy state out under the lock
// and release before returning.
type Service struct {
	mu    sync.Mutex
	games map[string]*game.Instance
	locks map[string]*sync.Mutex

	topics TopicProvisioner
	steps  StepPublisher
	bots   BotAssigner

	cfg    Config
	clock  quartz.Clock
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithClock substitutes the wall clock, usually with quartz.NewMock.
func WithClock(clock quartz.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRand substitutes the map-generation randomness.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

// NewService wires the authority. bots may be nil when no bot manager is
// deployed; create requests asking for bot seats then fail.
func NewService(logger zerolog.Logger, topics TopicProvisioner, steps StepPublisher, bots BotAssigner, cfg Config, opts ...Option) *Service {
	s := &Service{
		games:  make(map[string]*game.Instance),
		locks:  make(map[string]*sync.Mutex),
		topics: topics,
		steps:  steps,
		bots:   bots,
		cfg:    cfg.withDefaults(),
		clock:  quartz.NewReal(),
		logger: logger.With().Str("component", "authority").Logger(),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockGame returns the game's lock, held. The caller must Unlock it.
func (s *Service) lockGame(gameID string) (*sync.Mutex, error) {
	s.mu.Lock()
	l, ok := s.locks[gameID]
	s.mu.Unlock()
	if !ok {
		return nil, httpx.NotFound("game not found: " + gameID)
	}
	l.Lock()

	// The record can vanish between the map read and the acquire (create
	// rollback); treat that as not found too.
	s.mu.Lock()
	_, ok = s.games[gameID]
	s.mu.Unlock()
	if !ok {
		l.Unlock()
		return nil, httpx.NotFound("game not found: " + gameID)
	}
	return l, nil
}

// nextStepSeq allocates a step sequence number: the wall clock in
// microseconds, bumped past the previous one if the clock has not moved.
// Wall-clock seeding keeps sequences increasing across restarts without
// coordination.
func nextStepSeq(prev uint64, now time.Time) uint64 {
	seq := uint64(now.UnixMicro())
	if seq <= prev {
		seq = prev + 1
	}
	return seq
}

// CreateGame provisions topics, seeds the board, and registers the game.
// When the request names bot seats the bot manager is asked to assign them;
// an assign failure rolls the whole creation back.
//
// Rollback does not unwind bots the manager may have partially created;
// the manager's own StopBots path (control consumer on GameFinished, or an
// operator call) is the cleanup of record.
func (s *Service) CreateGame(ctx context.Context, req *protocol.CreateGameRequest) (*protocol.CreateGameResponse, error) {
	numPlayers := game.DefaultNumPlayers
	if req.NumPlayers != nil {
		numPlayers = *req.NumPlayers
	}
	if numPlayers < game.MinPlayers || numPlayers > game.MaxPlayers {
		return nil, httpx.BadRequest(fmt.Sprintf("num_players must be between %d and %d", game.MinPlayers, game.MaxPlayers))
	}

	timeout := s.cfg.DefaultTimeoutSeconds
	if req.TurnTimeoutSeconds != nil {
		timeout = *req.TurnTimeoutSeconds
	}
	if timeout < 1 {
		timeout = 1
	}

	var (
		board  game.Map
		source game.MapSource
	)
	switch {
	case req.Map != nil:
		if err := validateCustomMap(req.Map, numPlayers); err != nil {
			return nil, err
		}
		board = req.Map.Clone()
		source = game.MapCustom
	case s.cfg.DefaultMap != nil:
		board = s.cfg.DefaultMap.Clone()
		source = game.MapDefault
	default:
		s.rngMu.Lock()
		board = game.GenerateDefaultMap(s.rng, s.cfg.DefaultRows, s.cfg.DefaultCols, numPlayers)
		s.rngMu.Unlock()
		source = game.MapDefault
	}

	gameID := gameid.New()
	logger := s.logger.With().Str("game_id", gameID).Logger()

	if err := s.topics.EnsureTopics(ctx, gameID); err != nil {
		return nil, httpx.BadGateway("provision topics: " + err.Error())
	}

	players := game.InitialPlayers(board.Rows, board.Cols, s.cfg.PlayerHP, numPlayers)
	state := game.State{Map: board, Players: players}
	now := s.clock.Now().UTC()
	g := game.NewInstance(gameID, source, state, timeout,
		s.topics.CommandSubject(gameID), s.topics.OutputSubject(gameID), now)

	s.mu.Lock()
	s.games[gameID] = g
	s.locks[gameID] = &sync.Mutex{}
	s.mu.Unlock()

	if len(req.BotPlayers) > 0 {
		humanIDs, botIDs, err := splitSeats(players, req.BotPlayers)
		if err == nil {
			if s.bots == nil {
				err = fmt.Errorf("no bot manager configured")
			} else {
				err = s.bots.Assign(ctx, gameID, humanIDs, botIDs)
			}
		}
		if err != nil {
			s.rollbackCreate(ctx, gameID, logger)
			return nil, httpx.BadGateway("assign bots: " + err.Error())
		}
	}

	gamesCreated.Inc()
	logger.Info().
		Str("map_source", string(source)).
		Int("players", numPlayers).
		Uint64("turn_timeout_seconds", timeout).
		Msg("game created")

	identities := make([]protocol.PlayerIdentity, len(players))
	for i, p := range players {
		identities[i] = protocol.PlayerIdentity{PlayerName: p.PlayerName, PlayerID: p.PlayerID}
	}
	return &protocol.CreateGameResponse{
		GameID:             gameID,
		Status:             g.Status,
		MapSource:          source,
		TurnNo:             g.TurnNo,
		RoundNo:            g.RoundNo,
		CurrentPlayerID:    g.CurrentPlayerID,
		Players:            identities,
		TurnTimeoutSeconds: timeout,
		CreatedAt:          g.CreatedAt,
	}, nil
}

func (s *Service) rollbackCreate(ctx context.Context, gameID string, logger zerolog.Logger) {
	s.mu.Lock()
	delete(s.games, gameID)
	delete(s.locks, gameID)
	s.mu.Unlock()

	if err := s.topics.DeleteTopics(ctx, gameID); err != nil {
		logger.Warn().Err(err).Msg("rollback: delete topics failed")
	}
	logger.Warn().Msg("game creation rolled back")
}

func validateCustomMap(m *game.Map, numPlayers int) error {
	if m.Rows < 3 || m.Cols < 3 {
		return httpx.BadRequest("map must be at least 3x3")
	}
	if len(m.Cells) != m.Rows {
		return httpx.BadRequest("map cells do not match declared rows")
	}
	for r, row := range m.Cells {
		if len(row) != m.Cols {
			return httpx.BadRequest(fmt.Sprintf("map row %d does not match declared cols", r))
		}
		for c, cell := range row {
			if cell < -1 || cell > 2 {
				return httpx.BadRequest(fmt.Sprintf("map cell (%d,%d) has invalid value %d", r, c, cell))
			}
		}
	}
	for _, pos := range game.SpawnPositions(m.Rows, m.Cols, numPlayers) {
		if m.Cells[pos[0]][pos[1]] != 0 {
			return httpx.BadRequest(fmt.Sprintf("spawn cell (%d,%d) must be empty", pos[0], pos[1]))
		}
	}
	return nil
}

// splitSeats resolves the requested bot seats to player ids, every other
// seat staying human.
func splitSeats(players []game.Player, botSeats []game.PlayerName) (humanIDs, botIDs []string, err error) {
	want := make(map[game.PlayerName]bool, len(botSeats))
	for _, seat := range botSeats {
		want[seat] = true
	}
	for _, p := range players {
		if want[p.PlayerName] {
			botIDs = append(botIDs, p.PlayerID)
			delete(want, p.PlayerName)
		} else {
			humanIDs = append(humanIDs, p.PlayerID)
		}
	}
	for seat := range want {
		return nil, nil, fmt.Errorf("bot seat %s is not in this game", seat)
	}
	return humanIDs, botIDs, nil
}

// StartGame transitions Created → Running and publishes the GameStarted
// step. Calling it again reports started=false with a reason instead of
// failing.
func (s *Service) StartGame(ctx context.Context, gameID string) (*protocol.StartGameResponse, error) {
	l, err := s.lockGame(gameID)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	g := s.games[gameID]

	resp := &protocol.StartGameResponse{
		GameID:          gameID,
		Status:          g.Status,
		TurnNo:          g.TurnNo,
		RoundNo:         g.RoundNo,
		CurrentPlayerID: g.CurrentPlayerID,
		StartedAt:       g.StartedAt,
	}
	switch g.Status {
	case game.StatusRunning:
		resp.Reason = game.ReasonAlreadyRunning
		return resp, nil
	case game.StatusFinished:
		resp.Reason = game.ReasonGameFinished
		return resp, nil
	}

	now := s.clock.Now().UTC()
	prevSeq := g.LastStepSeq
	g.Status = game.StatusRunning
	g.StartedAt = &now
	g.TurnStartedAt = &now
	g.LastStepSeq = nextStepSeq(prevSeq, now)

	step := &protocol.StepEvent{
		GameID:       gameID,
		StepSeq:      g.LastStepSeq,
		TurnNo:       g.TurnNo,
		RoundNo:      g.RoundNo,
		EventType:    game.StepGameStarted,
		ResultStatus: game.ResultApplied,
		StateAfter:   g.State.Clone(),
		CreatedAt:    now,
	}
	if err := s.steps.PublishStep(ctx, step); err != nil {
		// Nobody has observed the transition yet; undo it so a retry can
		// succeed cleanly.
		g.Status = game.StatusCreated
		g.StartedAt = nil
		g.TurnStartedAt = nil
		g.LastStepSeq = prevSeq
		return nil, httpx.BadGateway("publish game started: " + err.Error())
	}
	stepsPublished.WithLabelValues(string(game.StepGameStarted)).Inc()

	s.logger.Info().Str("game_id", gameID).Uint64("step_seq", g.LastStepSeq).Msg("game started")

	resp.Status = g.Status
	resp.Started = true
	resp.StartedAt = g.StartedAt
	return resp, nil
}

// ApplyCommand resolves one command against the current turn. Business
// rejections come back as accepted=true, applied=false with a reason; only
// transport-level problems are errors.
func (s *Service) ApplyCommand(ctx context.Context, gameID string, req *protocol.ApplyCommandRequest) (*protocol.ApplyCommandResponse, error) {
	l, err := s.lockGame(gameID)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	g := s.games[gameID]

	reject := func(reason string) *protocol.ApplyCommandResponse {
		commandsResolved.WithLabelValues(reason).Inc()
		st := g.State.Clone()
		return &protocol.ApplyCommandResponse{
			Accepted:        true,
			Reason:          reason,
			TurnNo:          g.TurnNo,
			RoundNo:         g.RoundNo,
			CurrentPlayerID: g.CurrentPlayerID,
			Status:          g.Status,
			State:           &st,
		}
	}

	if g.Status != game.StatusRunning {
		return reject(game.ReasonGameNotRunning), nil
	}
	if req.PlayerID != g.CurrentPlayerID {
		return reject(game.ReasonInvalidTurnPlayer), nil
	}
	if req.TurnNo != g.TurnNo {
		return reject(game.ReasonStaleTurnNo), nil
	}
	idx := g.State.PlayerIndexByID(req.PlayerID)
	if idx < 0 || !g.State.Players[idx].Alive {
		return reject(game.ReasonPlayerDead), nil
	}

	out := game.Dispatch(&g.State, idx, req.CommandType, req.Direction, req.SpeakText)
	if !out.Applied {
		return reject(out.Reason), nil
	}

	now := s.clock.Now().UTC()
	if out.ConsumeTurn {
		game.AdvanceTurn(g, now)
		g.LastStepSeq = nextStepSeq(g.LastStepSeq, now)
	}
	commandsResolved.WithLabelValues("APPLIED").Inc()

	s.logger.Debug().
		Str("game_id", gameID).
		Str("command_id", req.CommandID).
		Str("command_type", string(req.CommandType)).
		Str("player_id", req.PlayerID).
		Uint64("turn_no", g.TurnNo).
		Msg("command applied")

	st := g.State.Clone()
	return &protocol.ApplyCommandResponse{
		Accepted:        true,
		Applied:         true,
		TurnNo:          g.TurnNo,
		RoundNo:         g.RoundNo,
		CurrentPlayerID: g.CurrentPlayerID,
		Status:          g.Status,
		State:           &st,
	}, nil
}

// FinishGame marks a game Finished once exactly one player is left alive,
// publishes GameFinished, and tears the topics down best effort. Finishing
// a finished game reports finished=false, ALREADY_FINISHED.
func (s *Service) FinishGame(ctx context.Context, gameID string, req *protocol.FinishGameRequest) (*protocol.FinishGameResponse, error) {
	l, err := s.lockGame(gameID)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	g := s.games[gameID]

	resp := &protocol.FinishGameResponse{
		Status:          g.Status,
		TurnNo:          g.TurnNo,
		RoundNo:         g.RoundNo,
		CurrentPlayerID: g.CurrentPlayerID,
	}
	if g.Status == game.StatusFinished {
		resp.Reason = game.ReasonAlreadyFinished
		resp.WinnerPlayerID = g.State.Winner()
		return resp, nil
	}
	if req != nil && req.ExpectedTurnNo != nil && *req.ExpectedTurnNo != g.TurnNo {
		resp.Reason = game.ReasonStaleTurnNo
		return resp, nil
	}
	if g.State.AliveCount() != 1 {
		resp.Reason = game.ReasonNotLastPlayerLeft
		return resp, nil
	}

	now := s.clock.Now().UTC()
	prevStatus := g.Status
	prevSeq := g.LastStepSeq
	g.Status = game.StatusFinished
	g.LastStepSeq = nextStepSeq(prevSeq, now)

	step := &protocol.StepEvent{
		GameID:       gameID,
		StepSeq:      g.LastStepSeq,
		TurnNo:       g.TurnNo,
		RoundNo:      g.RoundNo,
		EventType:    game.StepGameFinished,
		ResultStatus: game.ResultApplied,
		StateAfter:   g.State.Clone(),
		CreatedAt:    now,
	}
	if err := s.steps.PublishStep(ctx, step); err != nil {
		g.Status = prevStatus
		g.LastStepSeq = prevSeq
		return nil, httpx.BadGateway("publish game finished: " + err.Error())
	}
	stepsPublished.WithLabelValues(string(game.StepGameFinished)).Inc()

	winner := g.State.Winner()
	s.logger.Info().
		Str("game_id", gameID).
		Str("winner_player_id", winner).
		Uint64("turn_no", g.TurnNo).
		Msg("game finished")

	// The game is over either way; topic teardown failing only leaves
	// stale subjects behind.
	if err := s.topics.DeleteTopics(ctx, gameID); err != nil {
		s.logger.Warn().Err(err).Str("game_id", gameID).Msg("delete topics failed")
	}

	resp.Finished = true
	resp.Status = g.Status
	resp.WinnerPlayerID = winner
	return resp, nil
}

// GetGame returns a read-only copy of the instance.
func (s *Service) GetGame(gameID string) (*protocol.GameResponse, error) {
	l, err := s.lockGame(gameID)
	if err != nil {
		return nil, err
	}
	g := s.games[gameID].Clone()
	l.Unlock()

	return &protocol.GameResponse{
		GameID:             g.GameID,
		Status:             g.Status,
		MapSource:          g.MapSource,
		TurnTimeoutSeconds: g.TurnTimeoutSeconds,
		TurnNo:             g.TurnNo,
		RoundNo:            g.RoundNo,
		CurrentPlayerID:    g.CurrentPlayerID,
		CreatedAt:          g.CreatedAt,
		StartedAt:          g.StartedAt,
		TurnStartedAt:      g.TurnStartedAt,
		InputTopic:         g.InputTopic,
		OutputTopic:        g.OutputTopic,
		State:              g.State,
	}, nil
}

// DefaultMap returns the map a created game would receive today: the
// configured static map when present, otherwise the fixed built-in one.
func (s *Service) DefaultMap() game.Map {
	if s.cfg.DefaultMap != nil {
		return s.cfg.DefaultMap.Clone()
	}
	return game.StaticDefaultMap()
}
