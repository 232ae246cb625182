package httpapi

import (
	"time"

	"captn/internal/storage"
)

type userView struct {
	ID                 int64  `json:"id"`
	Email              string `json:"email"`
	HasPaid            bool   `json:"has_paid"`
	SubscriptionStatus string `json:"subscription_status"`
	Credits            int    `json:"credits"`
}

type chatView struct {
	ID                          int64                    `json:"id"`
	ChatType                    string                   `json:"chat_type"`
	TeamID                      *int64                   `json:"team_id"`
	TeamName                    string                   `json:"team_name"`
	TeamStatus                  string                   `json:"team_status"`
	ProposedUserAction          []string                 `json:"proposed_user_action"`
	SmartSuggestions            storage.SmartSuggestions `json:"smart_suggestions"`
	ShowLoader                  bool                     `json:"show_loader"`
	UserRespondedWithNextAction bool                     `json:"user_responded_with_next_action"`
	CreatedAt                   time.Time                `json:"created_at"`
	UpdatedAt                   time.Time                `json:"updated_at"`
}

type turnView struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	Role       string    `json:"role"`
	Message    string    `json:"message"`
	TeamID     *int64    `json:"team_id"`
	TeamName   string    `json:"team_name"`
	TeamStatus string    `json:"team_status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toUserView(u storage.User) userView {
	return userView{
		ID:                 u.ID,
		Email:              u.Email,
		HasPaid:            u.HasPaid,
		SubscriptionStatus: u.SubscriptionStatus,
		Credits:            u.Credits,
	}
}

func toChatView(c storage.Chat) chatView {
	actions := c.ProposedUserAction
	if actions == nil {
		actions = []string{}
	}
	return chatView{
		ID:                          c.ID,
		ChatType:                    c.ChatType,
		TeamID:                      c.TeamID,
		TeamName:                    c.TeamName,
		TeamStatus:                  c.TeamStatus,
		ProposedUserAction:          actions,
		SmartSuggestions:            c.SmartSuggestions,
		ShowLoader:                  c.ShowLoader,
		UserRespondedWithNextAction: c.UserRespondedWithNextAction,
		CreatedAt:                   c.CreatedAt,
		UpdatedAt:                   c.UpdatedAt,
	}
}

func toTurnView(t storage.Turn) turnView {
	return turnView{
		ID:         t.ID,
		ChatID:     t.ChatID,
		Role:       t.Role,
		Message:    t.Message,
		TeamID:     t.TeamID,
		TeamName:   t.TeamName,
		TeamStatus: t.TeamStatus,
		CreatedAt:  t.CreatedAt,
	}
}
