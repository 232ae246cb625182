package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID                 int64
	Email              string
	PasswordHash       string
	HasPaid            bool
	SubscriptionStatus string
	Credits            int
	StripeCustomerID   *string
	CheckoutSessionID  *string
	CreatedAt          time.Time
}

// SmartSuggestions are the quick replies the agent proposes after a turn.
type SmartSuggestions struct {
	Suggestions []string `json:"suggestions"`
	Type        string   `json:"type"`
}

type Chat struct {
	ID                          int64
	UserID                      int64
	ChatType                    string
	TeamID                      *int64
	TeamName                    string
	TeamStatus                  string
	AgentChatHistory            string
	ProposedUserAction          []string
	SmartSuggestions            SmartSuggestions
	ShowLoader                  bool
	UserRespondedWithNextAction bool
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// ChatUpdate holds the status fields that may change after creation. Nil
// fields are left untouched.
type ChatUpdate struct {
	ShowLoader                  *bool
	ChatType                    *string
	TeamID                      *int64
	TeamName                    *string
	TeamStatus                  *string
	AgentChatHistory            *string
	ProposedUserAction          []string
	SmartSuggestions            *SmartSuggestions
	UserRespondedWithNextAction *bool
}

// Turn is one stored conversation message. Turns are append-only.
type Turn struct {
	ID         int64
	ChatID     int64
	Role       string
	Message    string
	TeamID     *int64
	TeamName   string
	TeamStatus string
	CreatedAt  time.Time
}
