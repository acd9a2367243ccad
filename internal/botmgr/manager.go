// Package botmgr is the bot manager: it decides which seats of a game are
// played by bots, creates those bots on bot service hosts, teaches them the
// rules, forwards step events to them, and tears them down when the game
// ends.
package botmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/httpx"
	"github.com/lox/cowboy/internal/protocol"
	"github.com/lox/cowboy/internal/store"
)

var (
	botsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_botmgr_bots_created_total",
		Help: "Bots created or attached on bot service hosts.",
	})
	botsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cowboy_botmgr_bots_stopped_total",
		Help: "Bots stopped and deleted.",
	})
	stepsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cowboy_botmgr_steps_forwarded_total",
		Help: "Step events forwarded to bound bots.",
	}, []string{"outcome"})
)

// Host is one bot service instance bots can be placed on. Capacity 0 means
// unlimited.
type Host struct {
	BaseURL  string
	Capacity int
}

// Snapshots fetches game state from the game service.
type Snapshots interface {
	Get(ctx context.Context, gameID string) (*protocol.GameResponse, error)
}

// BotHost is the bot service surface the manager drives. The base URL is
// explicit on every call because bots are spread across hosts.
type BotHost interface {
	CreateBot(ctx context.Context, baseURL string, req *protocol.CreateBotRequest) (*protocol.CreateBotResponse, error)
	TeachGame(ctx context.Context, baseURL, botID string, req *protocol.TeachGameRequest) (*protocol.TeachGameResponse, error)
	UpdateBot(ctx context.Context, baseURL, botID string, req *protocol.BotUpdateRequest) error
	DeleteBot(ctx context.Context, baseURL, botID string) error
}

// Forwarders spawns per-game step forwarding when a game with bots is live.
type Forwarders interface {
	Ensure(gameID string)
}

// Config carries the manager's static wiring.
type Config struct {
	Hosts         []Host
	GuideVersion  string
	Profiles      *Profiles
	UpdateTimeout time.Duration
}

type assignment struct {
	humans   map[string]game.PlayerName
	bindings map[string]*protocol.BotBinding
}

func newAssignment() *assignment {
	return &assignment{
		humans:   make(map[string]game.PlayerName),
		bindings: make(map[string]*protocol.BotBinding),
	}
}

func (a *assignment) view() ([]protocol.PlayerIdentity, []protocol.BotBinding) {
	humans := make([]protocol.PlayerIdentity, 0, len(a.humans))
	for id, seat := range a.humans {
		humans = append(humans, protocol.PlayerIdentity{PlayerName: seat, PlayerID: id})
	}
	sort.Slice(humans, func(i, j int) bool { return humans[i].PlayerName < humans[j].PlayerName })

	bindings := make([]protocol.BotBinding, 0, len(a.bindings))
	for _, b := range a.bindings {
		bindings = append(bindings, *b)
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].PlayerName < bindings[j].PlayerName })
	return humans, bindings
}

func sortedBindings(bindings map[string]*protocol.BotBinding) []*protocol.BotBinding {
	out := make([]*protocol.BotBinding, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerName < out[j].PlayerName })
	return out
}

// Manager owns the assignment state for every game it has touched.
// Assignment mutations are serialized under one lock; the host HTTP calls
// they make are infrequent enough that holding it across them is fine.
type Manager struct {
	logger    zerolog.Logger
	snapshots Snapshots
	hostAPI   BotHost
	store     *store.Store
	cfg       Config

	mu          sync.Mutex
	assignments map[string]*assignment
	forwarders  Forwarders
}

func NewManager(logger zerolog.Logger, snapshots Snapshots, hostAPI BotHost, st *store.Store, cfg Config) *Manager {
	return &Manager{
		logger:      logger.With().Str("component", "botmgr").Logger(),
		snapshots:   snapshots,
		hostAPI:     hostAPI,
		store:       st,
		cfg:         cfg,
		assignments: make(map[string]*assignment),
	}
}

// SetForwarders hooks up the step forwarding spawner. Optional: an HTTP-only
// deployment without the control consumer leaves it nil.
func (m *Manager) SetForwarders(f Forwarders) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarders = f
}

// AssignDefault applies the stock split: the first seat stays human, every
// other seat gets a bot. A game that already has an assignment is left
// alone unless force_recreate is set.
func (m *Manager) AssignDefault(ctx context.Context, gameID string, req *protocol.DefaultAssignmentRequest) (*protocol.DefaultAssignmentResult, error) {
	if req == nil {
		req = &protocol.DefaultAssignmentRequest{}
	}
	g, err := m.snapshots.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.assignments[gameID]; ok && !req.ForceRecreate {
		res := &protocol.DefaultAssignmentResult{GameID: gameID}
		res.Humans, res.Bindings = a.view()
		return res, nil
	}

	humans := make(map[string]game.PlayerName, 1)
	var bots []protocol.PlayerIdentity
	for i, p := range g.State.Players {
		if i == 0 {
			humans[p.PlayerID] = p.PlayerName
			continue
		}
		bots = append(bots, protocol.PlayerIdentity{PlayerName: p.PlayerName, PlayerID: p.PlayerID})
	}

	version := m.guideVersion(req.GameGuideVersion)
	if req.ApplyImmediately != nil && !*req.ApplyImmediately {
		// Dry run: report the split that would be applied.
		res := &protocol.DefaultAssignmentResult{GameID: gameID}
		for id, seat := range humans {
			res.Humans = append(res.Humans, protocol.PlayerIdentity{PlayerName: seat, PlayerID: id})
		}
		for _, ident := range bots {
			res.Bindings = append(res.Bindings, protocol.BotBinding{
				PlayerName:       ident.PlayerName,
				PlayerID:         ident.PlayerID,
				Status:           protocol.BotStatusCreated,
				GameGuideVersion: version,
			})
		}
		sort.Slice(res.Bindings, func(i, j int) bool { return res.Bindings[i].PlayerName < res.Bindings[j].PlayerName })
		return res, nil
	}

	a, err := m.assignLocked(ctx, g, humans, bots, version, req.ForceRecreate)
	if err != nil {
		return nil, err
	}
	m.ensureForwarderLocked(g)

	res := &protocol.DefaultAssignmentResult{Assigned: true, GameID: gameID}
	res.Humans, res.Bindings = a.view()
	return res, nil
}

// Assign applies an explicit human/bot split. Both lists are validated
// against the game's players and must not overlap. It replaces any previous
// assignment; bots whose seats are no longer bot-played are deleted.
func (m *Manager) Assign(ctx context.Context, gameID string, req *protocol.BulkAssignmentRequest) (*protocol.AssignmentResponse, error) {
	if req == nil {
		return nil, httpx.BadRequest("request body required")
	}
	g, err := m.snapshots.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]game.PlayerName, len(g.State.Players))
	for _, p := range g.State.Players {
		byID[p.PlayerID] = p.PlayerName
	}

	humans := make(map[string]game.PlayerName, len(req.HumanPlayerIDs))
	for _, id := range req.HumanPlayerIDs {
		seat, ok := byID[id]
		if !ok {
			return nil, httpx.BadRequest(fmt.Sprintf("unknown player %q", id))
		}
		humans[id] = seat
	}

	seen := make(map[string]bool, len(req.BotPlayerIDs))
	bots := make([]protocol.PlayerIdentity, 0, len(req.BotPlayerIDs))
	for _, id := range req.BotPlayerIDs {
		seat, ok := byID[id]
		if !ok {
			return nil, httpx.BadRequest(fmt.Sprintf("unknown player %q", id))
		}
		if _, both := humans[id]; both {
			return nil, httpx.BadRequest(fmt.Sprintf("player %q listed as both human and bot", id))
		}
		if seen[id] {
			return nil, httpx.BadRequest(fmt.Sprintf("player %q listed twice", id))
		}
		seen[id] = true
		bots = append(bots, protocol.PlayerIdentity{PlayerName: seat, PlayerID: id})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.assignLocked(ctx, g, humans, bots, m.guideVersion(req.GameGuideVersion), req.ForceRecreate)
	if err != nil {
		return nil, err
	}
	m.ensureForwarderLocked(g)

	resp := &protocol.AssignmentResponse{GameID: gameID}
	resp.Humans, resp.Bindings = a.view()
	return resp, nil
}

// assignLocked replaces the game's assignment with the given split. Without
// force, bots that already served a recurring player id are re-attached on
// their previous host when it has room. On partial failure the bindings
// created so far stay registered so StopBots can clean them up.
func (m *Manager) assignLocked(ctx context.Context, g *protocol.GameResponse, humans map[string]game.PlayerName, bots []protocol.PlayerIdentity, version string, force bool) (*assignment, error) {
	prev := m.assignments[g.GameID]
	prevHosts := make(map[string]string)
	prevIDs := make(map[string]string)
	if prev != nil {
		for id, b := range prev.bindings {
			prevHosts[id] = b.BotServiceBaseURL
			if !force {
				prevIDs[id] = b.BotID
			}
		}
		if force {
			m.stopBindingsLocked(ctx, g.GameID, prev)
		}
	}

	a := newAssignment()
	a.humans = humans
	m.assignments[g.GameID] = a

	sort.Slice(bots, func(i, j int) bool { return bots[i].PlayerName < bots[j].PlayerName })
	for _, ident := range bots {
		b, err := m.createBindingLocked(ctx, g, ident, version, prevIDs[ident.PlayerID], prevHosts[ident.PlayerID], false)
		if err != nil {
			return nil, err
		}
		a.bindings[ident.PlayerID] = b
	}

	// Seats that had a bot but lost it to the new split release their bots.
	if prev != nil && !force {
		for id, b := range prev.bindings {
			if _, still := a.bindings[id]; still {
				continue
			}
			if err := m.hostAPI.DeleteBot(ctx, b.BotServiceBaseURL, b.BotID); err != nil {
				m.logger.Warn().Err(err).Str("game_id", g.GameID).Str("bot_id", b.BotID).Msg("delete unassigned bot")
			}
			m.recordBinding(ctx, g.GameID, b, "", "STOPPED")
			botsStopped.Inc()
		}
	}
	return a, nil
}

// BindBot attaches a bot to one seat. With a bot_id it attaches that bot,
// creating it on a host first unless create_bot_if_missing is false; without
// one it creates a fresh bot. An existing binding for the seat is replaced.
func (m *Manager) BindBot(ctx context.Context, gameID string, req *protocol.BindBotRequest) (*protocol.BindBotResponse, error) {
	if req == nil || req.PlayerID == "" {
		return nil, httpx.BadRequest("player_id is required")
	}
	g, err := m.snapshots.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	idx := g.State.PlayerIndexByID(req.PlayerID)
	if idx < 0 {
		return nil, httpx.BadRequest(fmt.Sprintf("unknown player %q", req.PlayerID))
	}
	seat := g.State.Players[idx].PlayerName

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.assignments[gameID]
	if a == nil {
		a = newAssignment()
		m.assignments[gameID] = a
	}
	prev := a.bindings[req.PlayerID]

	desired := req.BotID
	prevHost := ""
	if prev != nil {
		prevHost = prev.BotServiceBaseURL
		if desired == "" || desired == prev.BotID {
			desired = prev.BotID
		} else if err := m.hostAPI.DeleteBot(ctx, prev.BotServiceBaseURL, prev.BotID); err != nil {
			m.logger.Warn().Err(err).Str("game_id", gameID).Str("bot_id", prev.BotID).Msg("delete replaced bot")
		}
		// The seat's slot is free while the replacement is placed.
		delete(a.bindings, req.PlayerID)
	}

	attachOnly := false
	if req.CreateBotIfMissing != nil && !*req.CreateBotIfMissing {
		if desired == "" {
			return nil, httpx.BadRequest("bot_id is required when create_bot_if_missing is false")
		}
		attachOnly = true
	}

	ident := protocol.PlayerIdentity{PlayerName: seat, PlayerID: req.PlayerID}
	binding, err := m.createBindingLocked(ctx, g, ident, m.guideVersion(req.GameGuideVersion), desired, prevHost, attachOnly)
	if err != nil {
		return nil, err
	}
	delete(a.humans, req.PlayerID)
	a.bindings[req.PlayerID] = binding
	m.ensureForwarderLocked(g)

	return &protocol.BindBotResponse{
		Bound:             true,
		GameID:            gameID,
		PlayerID:          req.PlayerID,
		BotID:             binding.BotID,
		BotServiceBaseURL: binding.BotServiceBaseURL,
		Status:            binding.Status,
	}, nil
}

// StopBots deletes every bot bound to the game and forgets the assignment.
// Stopping a game with no assignment is not an error.
func (m *Manager) StopBots(ctx context.Context, gameID string, req *protocol.StopBotsRequest) (*protocol.StopBotsResponse, error) {
	reason := ""
	if req != nil {
		reason = req.Reason
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.assignments[gameID]
	if a == nil {
		return &protocol.StopBotsResponse{GameID: gameID}, nil
	}
	destroyed := m.stopBindingsLocked(ctx, gameID, a)
	delete(m.assignments, gameID)

	m.logger.Info().
		Str("game_id", gameID).
		Str("reason", reason).
		Int("destroyed", destroyed).
		Msg("bots stopped")
	return &protocol.StopBotsResponse{Stopped: true, GameID: gameID, DestroyedBotCount: destroyed}, nil
}

// Assignments returns the current split for a game the manager knows about.
func (m *Manager) Assignments(gameID string) (*protocol.AssignmentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.assignments[gameID]
	if a == nil {
		return nil, httpx.NotFound(fmt.Sprintf("no assignments for game %q", gameID))
	}
	resp := &protocol.AssignmentResponse{GameID: gameID}
	resp.Humans, resp.Bindings = a.view()
	return resp, nil
}

// EnsureDefaultAssignment applies the default split unless the game already
// has an assignment. The control consumer calls this when a game starts.
func (m *Manager) EnsureDefaultAssignment(ctx context.Context, gameID string) error {
	m.mu.Lock()
	_, ok := m.assignments[gameID]
	m.mu.Unlock()
	if ok {
		return nil
	}
	_, err := m.AssignDefault(ctx, gameID, &protocol.DefaultAssignmentRequest{})
	return err
}

// HasAssignment reports whether the manager holds an assignment for gameID.
func (m *Manager) HasAssignment(gameID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.assignments[gameID]
	return ok
}

// ForwardStep pushes one step event to every bot bound to the game. A
// failing bot is logged and skipped; the rest still get the update.
func (m *Manager) ForwardStep(ctx context.Context, gameID string, step *protocol.StepEvent) {
	m.mu.Lock()
	var targets []protocol.BotBinding
	if a := m.assignments[gameID]; a != nil {
		for _, b := range sortedBindings(a.bindings) {
			targets = append(targets, *b)
		}
	}
	m.mu.Unlock()

	for _, b := range targets {
		callCtx := ctx
		cancel := func() {}
		if m.cfg.UpdateTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.UpdateTimeout)
		}
		err := m.hostAPI.UpdateBot(callCtx, b.BotServiceBaseURL, b.BotID, &protocol.BotUpdateRequest{Step: *step})
		cancel()
		if err != nil {
			stepsForwarded.WithLabelValues("error").Inc()
			m.logger.Warn().
				Err(err).
				Str("game_id", gameID).
				Str("bot_id", b.BotID).
				Uint64("step_seq", step.StepSeq).
				Msg("forward step")
			continue
		}
		stepsForwarded.WithLabelValues("ok").Inc()
	}
}

// createBindingLocked places a bot on a host and teaches it the game. When
// desired names a bot that already exists on the chosen host, the 409 from
// create is treated as attach.
func (m *Manager) createBindingLocked(ctx context.Context, g *protocol.GameResponse, ident protocol.PlayerIdentity, version, desired, prevHost string, attachOnly bool) (*protocol.BotBinding, error) {
	host, err := m.pickHostLocked(prevHost)
	if err != nil {
		return nil, err
	}
	profile := m.cfg.Profiles.ForSeat(ident.PlayerName)

	botID := desired
	if !attachOnly {
		created, err := m.hostAPI.CreateBot(ctx, host.BaseURL, &protocol.CreateBotRequest{
			BotID:         desired,
			GameID:        g.GameID,
			PlayerName:    ident.PlayerName,
			PlayerID:      ident.PlayerID,
			InputTopic:    g.InputTopic,
			OutputTopic:   g.OutputTopic,
			LLMBaseURL:    profile.BaseURL,
			LLMModel:      profile.Model,
			LLMAPIKey:     profile.APIKey,
			LLMOutputMode: profile.OutputMode,
		})
		switch {
		case err == nil:
			botID = created.BotID
		case desired != "" && isConflict(err):
			m.logger.Warn().
				Str("bot_id", desired).
				Str("host", host.BaseURL).
				Msg("bot already exists on host, attaching")
		default:
			return nil, httpx.BadGateway(fmt.Sprintf("create bot for player %s: %v", ident.PlayerID, err))
		}
	}

	if _, err := m.hostAPI.TeachGame(ctx, host.BaseURL, botID, GameGuide(version)); err != nil {
		return nil, httpx.BadGateway(fmt.Sprintf("teach bot %s: %v", botID, err))
	}

	binding := &protocol.BotBinding{
		PlayerName:        ident.PlayerName,
		PlayerID:          ident.PlayerID,
		BotID:             botID,
		BotServiceBaseURL: host.BaseURL,
		Status:            protocol.BotStatusReady,
		GameGuideVersion:  version,
	}
	m.recordBinding(ctx, g.GameID, binding, profile.Model, string(binding.Status))
	botsCreated.Inc()
	m.logger.Info().
		Str("game_id", g.GameID).
		Str("player_id", ident.PlayerID).
		Str("seat", string(ident.PlayerName)).
		Str("bot_id", botID).
		Str("host", host.BaseURL).
		Msg("bot bound")
	return binding, nil
}

// pickHostLocked picks the host for a new bot: the previous host when it
// still has room, otherwise the least loaded host with headroom. When every
// host is full the least loaded one takes the overflow.
func (m *Manager) pickHostLocked(prevHost string) (Host, error) {
	if len(m.cfg.Hosts) == 0 {
		return Host{}, httpx.Internal("no bot hosts configured")
	}

	load := make(map[string]int, len(m.cfg.Hosts))
	for _, a := range m.assignments {
		for _, b := range a.bindings {
			load[b.BotServiceBaseURL]++
		}
	}
	hasRoom := func(h Host) bool { return h.Capacity <= 0 || load[h.BaseURL] < h.Capacity }

	if prevHost != "" {
		for _, h := range m.cfg.Hosts {
			if h.BaseURL == prevHost && hasRoom(h) {
				return h, nil
			}
		}
	}

	best := -1
	for i, h := range m.cfg.Hosts {
		if !hasRoom(h) {
			continue
		}
		if best < 0 || load[h.BaseURL] < load[m.cfg.Hosts[best].BaseURL] {
			best = i
		}
	}
	if best >= 0 {
		return m.cfg.Hosts[best], nil
	}

	best = 0
	for i, h := range m.cfg.Hosts {
		if load[h.BaseURL] < load[m.cfg.Hosts[best].BaseURL] {
			best = i
		}
	}
	h := m.cfg.Hosts[best]
	m.logger.Warn().
		Str("host", h.BaseURL).
		Int("load", load[h.BaseURL]).
		Int("capacity", h.Capacity).
		Msg("all bot hosts at capacity")
	return h, nil
}

func (m *Manager) stopBindingsLocked(ctx context.Context, gameID string, a *assignment) int {
	destroyed := 0
	for _, b := range sortedBindings(a.bindings) {
		if err := m.hostAPI.DeleteBot(ctx, b.BotServiceBaseURL, b.BotID); err != nil {
			m.logger.Warn().Err(err).Str("game_id", gameID).Str("bot_id", b.BotID).Msg("delete bot")
		} else {
			destroyed++
		}
		m.recordBinding(ctx, gameID, b, "", "STOPPED")
		botsStopped.Inc()
	}
	return destroyed
}

func (m *Manager) recordBinding(ctx context.Context, gameID string, b *protocol.BotBinding, model, status string) {
	err := m.store.RecordBinding(ctx, &store.BindingRecord{
		GameID:            gameID,
		PlayerID:          b.PlayerID,
		PlayerName:        string(b.PlayerName),
		BotID:             b.BotID,
		BotServiceBaseURL: b.BotServiceBaseURL,
		BotStatus:         status,
		Model:             model,
		GameGuideVersion:  b.GameGuideVersion,
		UpdatedAt:         time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("game_id", gameID).Str("player_id", b.PlayerID).Msg("record binding")
	}
}

func (m *Manager) ensureForwarderLocked(g *protocol.GameResponse) {
	if m.forwarders == nil || g.Status != game.StatusRunning {
		return
	}
	m.forwarders.Ensure(g.GameID)
}

func (m *Manager) guideVersion(requested string) string {
	if requested != "" {
		return requested
	}
	if m.cfg.GuideVersion != "" {
		return m.cfg.GuideVersion
	}
	return DefaultGuideVersion
}

func isConflict(err error) bool {
	var apiErr *httpx.Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}
