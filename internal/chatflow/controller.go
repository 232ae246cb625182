// Package chatflow drives one chat turn from submission to the agent's reply.
//
// A turn moves Idle -> Submitting -> AwaitingAgent -> Idle. The user turn is
// committed before the agent is called, so a failed call leaves it in place
// and never adds an assistant turn.
package chatflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"captn/internal/apperr"
	"captn/internal/billing"
	"captn/internal/conversation"
	"captn/internal/metrics"
	"captn/internal/providers"
	"captn/internal/storage"
)

const (
	PricingPath   = "/pricing"
	GenericNotice = "Error: Something went wrong. Please try again later."
)

type Store interface {
	CreateChat(ctx context.Context, userID int64, greeting string) (storage.Chat, storage.Turn, error)
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
	UpdateChat(ctx context.Context, chatID int64, u storage.ChatUpdate) error
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
	ListTurns(ctx context.Context, chatID int64) ([]storage.Turn, error)
}

type Entitler interface {
	Check(ctx context.Context, userID int64) error
	Acquire(ctx context.Context, userID int64) (billing.Grant, error)
	Refund(ctx context.Context, g billing.Grant) error
}

type RateLimiter interface {
	Allow(ctx context.Context, userID int64, now time.Time) (bool, int64, time.Time, error)
}

// Notifier is the live update channel as seen by the controller.
type Notifier interface {
	// ConversationAdded announces that the agent is still working on chatID.
	ConversationAdded(ctx context.Context, userID, chatID int64) error
	// Invalidate tells every view of chatID to refetch it.
	Invalidate(ctx context.Context, userID, chatID int64) error
}

// Presenter receives the user-facing outcome of a failed turn.
type Presenter interface {
	Navigate(path string)
	Notice(msg string)
}

type Config struct {
	Store        Store
	Agent        providers.Agent
	Entitlements Entitler
	RateLimiter  RateLimiter
	Notifier     Notifier
	Temperature  float64
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type Controller struct {
	store       Store
	agent       providers.Agent
	entitle     Entitler
	limiter     RateLimiter
	notifier    Notifier
	temperature float64
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Submission struct {
	UserID                      int64
	ChatID                      int64
	Text                        string
	UserRespondedWithNextAction bool
}

// Resumption replays the message a user was sending when they left for an
// external sign-in, with the team the agent had picked for it.
type Resumption struct {
	UserID   int64
	ChatID   int64
	Text     string
	TeamName string
	TeamID   *int64
}

type Outcome struct {
	Chat          storage.Chat
	UserTurn      storage.Turn
	AssistantTurn *storage.Turn
}

func New(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &Controller{
		store:       cfg.Store,
		agent:       cfg.Agent,
		entitle:     cfg.Entitlements,
		limiter:     cfg.RateLimiter,
		notifier:    cfg.Notifier,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
		metrics:     m,
		now:         cfg.Now,
	}
}

// Submit runs one turn. On failure after the user turn is stored the loading
// flag is always cleared and p is told where to send the user.
func (c *Controller) Submit(ctx context.Context, sub Submission, p Presenter) (Outcome, error) {
	text := strings.TrimSpace(sub.Text)
	if text == "" {
		return Outcome{}, apperr.Validation("message must not be empty")
	}
	chat, err := c.ownedChat(ctx, sub.UserID, sub.ChatID)
	if err != nil {
		return Outcome{}, err
	}

	userTurn, err := c.store.AppendTurn(ctx, storage.Turn{ChatID: chat.ID, Role: storage.RoleUser, Message: text})
	if err != nil {
		return Outcome{}, err
	}
	c.metrics.TurnsAppended.WithLabelValues(storage.RoleUser).Inc()

	loading := true
	if err := c.store.UpdateChat(ctx, chat.ID, storage.ChatUpdate{
		ShowLoader:                  &loading,
		SmartSuggestions:            &storage.SmartSuggestions{Suggestions: []string{}},
		UserRespondedWithNextAction: &sub.UserRespondedWithNextAction,
	}); err != nil {
		return Outcome{}, c.fail(ctx, chat.ID, billing.Grant{}, err, p)
	}

	grant, err := c.admit(ctx, sub.UserID)
	if err != nil {
		return Outcome{}, c.fail(ctx, chat.ID, grant, err, p)
	}

	turns, err := c.store.ListTurns(ctx, chat.ID)
	if err != nil {
		return Outcome{}, c.fail(ctx, chat.ID, grant, err, p)
	}

	c.metrics.AgentCalls.Inc()
	reply, err := c.agent.Reply(ctx, providers.AgentRequest{
		Messages:                    conversation.Format(turns),
		Temperature:                 c.temperature,
		ChatID:                      chat.ID,
		TeamID:                      chat.TeamID,
		ChatType:                    chat.ChatType,
		AgentChatHistory:            chat.AgentChatHistory,
		ProposedUserAction:          chat.ProposedUserAction,
		UserRespondedWithNextAction: sub.UserRespondedWithNextAction,
	})
	if err != nil {
		c.metrics.AgentFailures.Inc()
		return Outcome{}, c.fail(ctx, chat.ID, grant, apperr.Wrap(apperr.KindUpstream, "agent request failed", err), p)
	}

	out := Outcome{UserTurn: userTurn}
	assistant, err := ApplyReply(ctx, c.store, chat.ID, reply)
	if err != nil {
		return Outcome{}, c.fail(ctx, chat.ID, billing.Grant{}, err, p)
	}
	if assistant != nil {
		c.metrics.TurnsAppended.WithLabelValues(storage.RoleAssistant).Inc()
		out.AssistantTurn = assistant
	}

	if c.notifier != nil {
		if IsInProgress(reply.TeamStatus) {
			if err := c.notifier.ConversationAdded(ctx, sub.UserID, chat.ID); err != nil {
				c.logger.Warn().Err(err).Int64("chat_id", chat.ID).Msg("failed to announce in-progress conversation")
			}
		}
		if err := c.notifier.Invalidate(ctx, sub.UserID, chat.ID); err != nil {
			c.logger.Warn().Err(err).Int64("chat_id", chat.ID).Msg("failed to notify live views")
		}
	}

	out.Chat, err = c.store.GetChat(ctx, chat.ID)
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// NewChat creates a chat with its greeting. It maps a missing subscription the
// same way Submit does.
func (c *Controller) NewChat(ctx context.Context, userID int64, p Presenter) (storage.Chat, storage.Turn, error) {
	if c.entitle != nil {
		if err := c.entitle.Check(ctx, userID); err != nil {
			present(err, p)
			return storage.Chat{}, storage.Turn{}, err
		}
	}
	chat, seed, err := c.store.CreateChat(ctx, userID, storage.Greeting)
	if err != nil {
		present(err, p)
		return storage.Chat{}, storage.Turn{}, err
	}
	return chat, seed, nil
}

// Resume submits r as a response to the proposed next action. It runs at most
// once: when the chat already records a response it returns false and leaves
// the chat untouched.
func (c *Controller) Resume(ctx context.Context, r Resumption, p Presenter) (Outcome, bool, error) {
	if strings.TrimSpace(r.Text) == "" {
		return Outcome{}, false, apperr.Validation("message must not be empty")
	}
	chat, err := c.ownedChat(ctx, r.UserID, r.ChatID)
	if err != nil {
		return Outcome{}, false, err
	}
	if _, ok := ResumeText(chat, r.Text); !ok {
		return Outcome{Chat: chat}, false, nil
	}

	if r.TeamID != nil || r.TeamName != "" {
		u := storage.ChatUpdate{TeamID: r.TeamID}
		if r.TeamName != "" {
			u.TeamName = &r.TeamName
		}
		if err := c.store.UpdateChat(ctx, chat.ID, u); err != nil {
			return Outcome{}, false, err
		}
	}

	out, err := c.Submit(ctx, Submission{
		UserID:                      r.UserID,
		ChatID:                      chat.ID,
		Text:                        r.Text,
		UserRespondedWithNextAction: true,
	}, p)
	if err != nil {
		return Outcome{}, false, err
	}
	return out, true, nil
}

// ResumeText reports whether a message carried back from an external sign-in
// should still be sent. It is dropped once the user has answered.
func ResumeText(chat storage.Chat, msg string) (string, bool) {
	msg = strings.TrimSpace(msg)
	if msg == "" || chat.UserRespondedWithNextAction {
		return "", false
	}
	return msg, true
}

// PendingAction resolves a 1-based selection into the proposed next action.
// Nothing is returned once the user has already answered.
func PendingAction(chat storage.Chat, selected int) (string, bool) {
	if chat.UserRespondedWithNextAction {
		return "", false
	}
	if selected < 1 || selected > len(chat.ProposedUserAction) {
		return "", false
	}
	return chat.ProposedUserAction[selected-1], true
}

// IsInProgress reports whether a team status means more agent turns follow.
func IsInProgress(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
	return s == "inprogress"
}

// ApplyReply stores the agent's reply on chatID: an assistant turn when the
// content is non-empty, and the team status fields with the loader cleared.
// Chat metadata the reply omits keeps its stored value.
func ApplyReply(ctx context.Context, store Store, chatID int64, reply providers.AgentReply) (*storage.Turn, error) {
	var assistant *storage.Turn
	if strings.TrimSpace(reply.Content) != "" {
		t, err := store.AppendTurn(ctx, storage.Turn{
			ChatID:     chatID,
			Role:       storage.RoleAssistant,
			Message:    reply.Content,
			TeamID:     reply.TeamID,
			TeamName:   reply.TeamName,
			TeamStatus: reply.TeamStatus,
		})
		if err != nil {
			return nil, err
		}
		assistant = &t
	}

	loading := false
	suggestions := storage.SmartSuggestions{
		Suggestions: reply.SmartSuggestions.Suggestions,
		Type:        reply.SmartSuggestions.Type,
	}
	update := storage.ChatUpdate{
		ShowLoader:         &loading,
		TeamID:             reply.TeamID,
		TeamName:           &reply.TeamName,
		TeamStatus:         &reply.TeamStatus,
		SmartSuggestions:   &suggestions,
		AgentChatHistory:   reply.AgentChatHistory,
		ProposedUserAction: reply.ProposedUserAction,
	}
	if reply.ChatType != "" {
		update.ChatType = &reply.ChatType
	}
	if err := store.UpdateChat(ctx, chatID, update); err != nil {
		return assistant, err
	}
	return assistant, nil
}

func (c *Controller) ownedChat(ctx context.Context, userID, chatID int64) (storage.Chat, error) {
	chat, err := c.store.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && chat.UserID != userID) {
		return storage.Chat{}, apperr.New(apperr.KindNotFound, "chat not found")
	}
	return chat, err
}

func (c *Controller) admit(ctx context.Context, userID int64) (billing.Grant, error) {
	if c.limiter != nil {
		allowed, _, resetAt, err := c.limiter.Allow(ctx, userID, c.now())
		if err != nil {
			return billing.Grant{}, err
		}
		if !allowed {
			return billing.Grant{}, apperr.New(apperr.KindRateLimited, "too many messages, try again after "+resetAt.Format(time.Kitchen))
		}
	}
	if c.entitle == nil {
		return billing.Grant{}, nil
	}
	return c.entitle.Acquire(ctx, userID)
}

// fail runs the error transition back to Idle.
func (c *Controller) fail(ctx context.Context, chatID int64, grant billing.Grant, cause error, p Presenter) error {
	cleanup := context.WithoutCancel(ctx)

	loading := false
	if err := c.store.UpdateChat(cleanup, chatID, storage.ChatUpdate{ShowLoader: &loading}); err != nil {
		c.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to clear loading flag")
	}
	if grant.UsedCredit && apperr.KindOf(cause) == apperr.KindUpstream && c.entitle != nil {
		if err := c.entitle.Refund(cleanup, grant); err != nil {
			c.logger.Error().Err(err).Int64("user_id", grant.UserID).Msg("failed to refund credit")
		}
	}

	c.logger.Error().Err(cause).Int64("chat_id", chatID).Str("kind", string(apperr.KindOf(cause))).Msg("chat turn failed")
	present(cause, p)
	return cause
}

func present(err error, p Presenter) {
	if p == nil {
		return
	}
	if errors.Is(err, apperr.ErrSubscriptionRequired) {
		p.Navigate(PricingPath)
		return
	}
	p.Notice(GenericNotice)
}
