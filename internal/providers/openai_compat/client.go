package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"captn/internal/providers"
)

const (
	FlavorOpenAI = "openai"
	FlavorAzure  = "azure"
)

type Config struct {
	Flavor      string
	BaseURL     string
	APIKey      string
	APIVersion  string
	Temperature float64
	HTTPClient  *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	// Agent runs can take minutes; no client timeout unless the caller sets one.
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorOpenAI
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &Client{cfg: cfg}
}

var _ providers.Agent = (*Client)(nil)

// Reply performs exactly one completion call. Callers own any retry policy.
func (c *Client) Reply(ctx context.Context, req providers.AgentRequest) (providers.AgentReply, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.AgentReply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.AgentReply{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		if c.cfg.Flavor == FlavorAzure {
			httpReq.Header.Set("api-key", key)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.AgentReply{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.AgentReply{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.AgentReply{}, fmt.Errorf("%w: %d", providers.ErrUpstreamStatus, resp.StatusCode)
	}
	return parseReply(respBody)
}

func (c *Client) buildPayload(req providers.AgentRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := req.Messages
	if messages == nil {
		messages = []providers.Message{}
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}
	proposed := req.ProposedUserAction
	if proposed == nil {
		proposed = []string{}
	}

	payload := map[string]any{
		"messages":                        messages,
		"temperature":                     temperature,
		"chat_id":                         req.ChatID,
		"chat_type":                       req.ChatType,
		"agent_chat_history":              req.AgentChatHistory,
		"proposed_user_action":            proposed,
		"user_responded_with_next_action": req.UserRespondedWithNextAction,
	}
	if req.TeamID != nil {
		payload["team_id"] = *req.TeamID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/chat/completions") {
		path += "/chat/completions"
	}
	u.Path = path
	if c.cfg.Flavor == FlavorAzure && c.cfg.APIVersion != "" {
		q := u.Query()
		if q.Get("api-version") == "" {
			q.Set("api-version", c.cfg.APIVersion)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type replyEnvelope struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	TeamID             *int64                      `json:"team_id"`
	TeamName           string                      `json:"team_name"`
	TeamStatus         string                      `json:"team_status"`
	SmartSuggestions   *providers.SmartSuggestions `json:"smart_suggestions"`
	ChatType           string                      `json:"chat_type"`
	AgentChatHistory   *string                     `json:"agent_chat_history"`
	ProposedUserAction []string                    `json:"proposed_user_action"`
}

func parseReply(body []byte) (providers.AgentReply, error) {
	var env replyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return providers.AgentReply{}, fmt.Errorf("%w: %v", providers.ErrMalformedReply, err)
	}
	if len(env.Choices) == 0 {
		return providers.AgentReply{}, fmt.Errorf("%w: empty choices", providers.ErrMalformedReply)
	}
	content := env.Choices[0].Message.Content
	if content == nil {
		return providers.AgentReply{}, fmt.Errorf("%w: missing choices[0].message.content", providers.ErrMalformedReply)
	}

	out := providers.AgentReply{
		Content:            *content,
		TeamID:             env.TeamID,
		TeamName:           env.TeamName,
		TeamStatus:         env.TeamStatus,
		ChatType:           env.ChatType,
		AgentChatHistory:   env.AgentChatHistory,
		ProposedUserAction: env.ProposedUserAction,
	}
	if env.SmartSuggestions != nil {
		out.SmartSuggestions = *env.SmartSuggestions
	}
	if out.SmartSuggestions.Suggestions == nil {
		out.SmartSuggestions.Suggestions = []string{}
	}
	return out, nil
}
