// Package live pushes refetch signals to every open view of a user's chats.
//
// Delivery is best effort. Clients treat every event as "refetch chat X", so
// duplicates and reordering are harmless.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"captn/internal/metrics"
	"captn/internal/queue"
	"captn/internal/storage"
)

const (
	EventConversationAdded     = "newConversationAdded"
	EventConversationAddedToDB = "newConversationAddedToDB"
)

type Event struct {
	Name   string `json:"event"`
	ChatID int64  `json:"chat_id"`
}

type ChatStore interface {
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
}

type FollowUps interface {
	Enqueue(ctx context.Context, job queue.FollowUpJob) (string, error)
}

// ChainGuard admits one follow-up chain per chat.
type ChainGuard interface {
	Acquire(ctx context.Context, chatID int64) (bool, error)
	Release(ctx context.Context, chatID int64) error
}

type Config struct {
	// Redis fans events out across instances. Without it delivery is local.
	Redis     *redis.Client
	Channel   string
	Store     ChatStore
	FollowUps FollowUps
	// Guard drops announcements for chats whose chain is already queued.
	Guard   ChainGuard
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	redis     *redis.Client
	channel   string
	store     ChatStore
	followUps FollowUps
	guard     ChainGuard
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	conns map[int64]map[*conn]struct{}
	ready chan struct{}
}

type envelope struct {
	UserID int64 `json:"user_id"`
	Event  Event `json:"event"`
}

func NewHub(cfg Config) *Hub {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Channel == "" {
		cfg.Channel = "captn:live"
	}
	h := &Hub{
		redis:     cfg.Redis,
		channel:   cfg.Channel,
		store:     cfg.Store,
		followUps: cfg.FollowUps,
		guard:     cfg.Guard,
		logger:    cfg.Logger,
		metrics:   m,
		conns:     map[int64]map[*conn]struct{}{},
		ready:     make(chan struct{}),
	}
	if h.redis == nil {
		close(h.ready)
	}
	return h
}

// Ready is closed once the hub can receive published events.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run relays events from the shared channel to local connections until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	sub := h.redis.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", h.channel, err)
	}
	close(h.ready)
	h.logger.Info().Str("channel", h.channel).Msg("live hub subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn().Err(err).Msg("dropping malformed live event")
				continue
			}
			h.deliver(env.UserID, env.Event)
		}
	}
}

// Invalidate tells every view of chatID to refetch the chat and its turns.
func (h *Hub) Invalidate(ctx context.Context, userID, chatID int64) error {
	return h.Publish(ctx, userID, Event{Name: EventConversationAddedToDB, ChatID: chatID})
}

// ConversationAdded schedules the agent follow-up for an in-progress chat and
// invalidates its views. Repeated announcements while a chain is running
// only invalidate.
func (h *Hub) ConversationAdded(ctx context.Context, userID, chatID int64) error {
	h.metrics.LiveEvents.WithLabelValues(EventConversationAdded).Inc()
	if err := h.startChain(ctx, userID, chatID); err != nil {
		return err
	}
	return h.Invalidate(ctx, userID, chatID)
}

func (h *Hub) startChain(ctx context.Context, userID, chatID int64) error {
	if h.followUps == nil {
		return nil
	}
	if h.guard != nil {
		ok, err := h.guard.Acquire(ctx, chatID)
		if err != nil {
			return fmt.Errorf("acquire follow-up guard: %w", err)
		}
		if !ok {
			h.logger.Debug().Int64("chat_id", chatID).Msg("follow-up chain already running")
			return nil
		}
	}
	if _, err := h.followUps.Enqueue(ctx, queue.FollowUpJob{ChatID: chatID, UserID: userID, Round: 1}); err != nil {
		if h.guard != nil {
			if relErr := h.guard.Release(context.WithoutCancel(ctx), chatID); relErr != nil {
				h.logger.Error().Err(relErr).Int64("chat_id", chatID).Msg("failed to release follow-up guard")
			}
		}
		return fmt.Errorf("enqueue follow-up: %w", err)
	}
	h.metrics.EnqueuedJobs.Inc()
	return nil
}

func (h *Hub) Publish(ctx context.Context, userID int64, ev Event) error {
	h.metrics.LiveEvents.WithLabelValues(ev.Name).Inc()
	if h.redis == nil {
		h.deliver(userID, ev)
		return nil
	}
	payload, err := json.Marshal(envelope{UserID: userID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal live event: %w", err)
	}
	if err := h.redis.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish live event: %w", err)
	}
	return nil
}

// handleInbound reacts to an event a client sent. Only chats the user owns
// are accepted.
func (h *Hub) handleInbound(ctx context.Context, userID int64, ev Event) error {
	if ev.Name != EventConversationAdded {
		return fmt.Errorf("unsupported event %q", ev.Name)
	}
	if h.store != nil {
		chat, err := h.store.GetChat(ctx, ev.ChatID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && chat.UserID != userID) {
			return fmt.Errorf("chat %d not found", ev.ChatID)
		}
		if err != nil {
			return err
		}
	}
	return h.ConversationAdded(ctx, userID, ev.ChatID)
}

func (h *Hub) deliver(userID int64, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[userID] {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn().Int64("user_id", userID).Str("conn_id", c.id).Msg("live connection backlogged, dropping event")
		}
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = map[*conn]struct{}{}
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.metrics.LiveConnected.Inc()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
	}
	h.metrics.LiveConnected.Dec()
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}
