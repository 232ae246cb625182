package providers

import (
	"context"
	"errors"
)

var (
	ErrUpstreamStatus = errors.New("agent returned non-2xx status")
	ErrMalformedReply = errors.New("agent reply does not match schema")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SmartSuggestions struct {
	Suggestions []string `json:"suggestions"`
	Type        string   `json:"type"`
}

// AgentRequest is one completion call: the formatted turns plus the chat
// metadata the agent uses to continue a team workflow.
type AgentRequest struct {
	Messages                    []Message
	Temperature                 float64
	ChatID                      int64
	TeamID                      *int64
	ChatType                    string
	AgentChatHistory            string
	ProposedUserAction          []string
	UserRespondedWithNextAction bool
}

// AgentReply carries the assistant text and the chat metadata the agent
// wants persisted. Nil or empty metadata fields leave the stored value alone.
type AgentReply struct {
	Content            string
	TeamID             *int64
	TeamName           string
	TeamStatus         string
	SmartSuggestions   SmartSuggestions
	ChatType           string
	AgentChatHistory   *string
	ProposedUserAction []string
}

type Agent interface {
	Reply(ctx context.Context, req AgentRequest) (AgentReply, error)
}
