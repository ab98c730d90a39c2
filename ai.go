package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// AIClient talks to an OpenAI-compatible chat completion endpoint using
// each tenant's own credential and system prompt. Every failure mode is
// collapsed into an empty reply: the fallback is strictly best-effort
// and the router recovers with a menu nudge.
type AIClient struct {
	baseURL string
	model   string
	clients *cache.Cache // per-key resty clients
}

func NewAIClient(baseURL, model string) *AIClient {
	return &AIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		clients: cache.New(30*time.Minute, 10*time.Minute),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete builds the prompt from the tenant's system prompt plus the
// recent turns (newest-first, as returned by the store) and the current
// user message. Returns "" when the tenant has the fallback disabled or
// anything goes wrong.
func (a *AIClient) Complete(ctx context.Context, tenant *Tenant, history []Message, userMessage string) string {
	if a == nil || tenant == nil || !tenant.AIEnabled || tenant.AIKey == "" {
		return ""
	}

	prompt := tenant.AIPrompt
	if prompt == "" {
		prompt = "You are a helpful virtual assistant."
	}
	msgs := []chatMessage{{Role: "system", Content: prompt}}
	// history arrives newest-first; replay it oldest-first.
	for i := len(history) - 1; i >= 0; i-- {
		role := "user"
		if history[i].FromMe {
			role = "assistant"
		}
		if history[i].Body == "" {
			continue
		}
		msgs = append(msgs, chatMessage{Role: role, Content: history[i].Body})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: userMessage})

	var out chatResponse
	resp, err := a.client(tenant.AIKey).R().
		SetContext(ctx).
		SetBody(chatRequest{Model: a.model, Messages: msgs}).
		SetResult(&out).
		Post(a.baseURL + "/chat/completions")
	if err != nil {
		log.Warn().Err(err).Int64("tenantID", tenant.ID).Msg("AI fallback request failed")
		return ""
	}
	if !resp.IsSuccess() || len(out.Choices) == 0 {
		log.Warn().Int("status", resp.StatusCode()).Int64("tenantID", tenant.ID).Msg("AI fallback returned no reply")
		return ""
	}
	return strings.TrimSpace(out.Choices[0].Message.Content)
}

func (a *AIClient) client(apiKey string) *resty.Client {
	if c, ok := a.clients.Get(apiKey); ok {
		return c.(*resty.Client)
	}
	c := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")
	a.clients.Set(apiKey, c, cache.DefaultExpiration)
	return c
}
