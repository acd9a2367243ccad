package watcher

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/protocol"
)

// subscriberBuffer is each subscription's frame backlog. A stream that
// falls this far behind starts losing typed frames; the snapshot poll
// catches it up.
const subscriberBuffer = 512

// Hub fans typed step frames out to stream subscribers, per game.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.With().Str("component", "watcher-hub").Logger(),
	}
}

// Subscription receives one game's step frames until closed.
type Subscription struct {
	gameID string
	ch     chan *protocol.StepFrame
	hub    *Hub
	once   sync.Once
}

func (s *Subscription) C() <-chan *protocol.StepFrame { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

func (h *Hub) Subscribe(gameID string) *Subscription {
	sub := &Subscription{
		gameID: gameID,
		ch:     make(chan *protocol.StepFrame, subscriberBuffer),
		hub:    h,
	}
	h.mu.Lock()
	set, ok := h.subs[gameID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[gameID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.gameID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.gameID)
	}
}

// Broadcast delivers one frame to every subscriber of its game. A full
// subscription is skipped, never waited on.
func (h *Hub) Broadcast(frame *protocol.StepFrame) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[frame.GameID]))
	for sub := range h.subs[frame.GameID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- frame:
		default:
			h.logger.Warn().
				Str("game_id", frame.GameID).
				Str("event_type", frame.EventType).
				Uint64("step_seq", frame.StepSeq).
				Msg("slow subscriber, frame skipped")
		}
	}
}
