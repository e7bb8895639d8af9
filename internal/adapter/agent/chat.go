// Package agent implements the LLM stage handlers over any
// OpenAI-compatible chat completions endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/adapter/registry"
	"github.com/fairyhunter13/factline/internal/config"
	"github.com/fairyhunter13/factline/internal/domain"
)

// ChatMessage is one message in a chat completion exchange.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolDef declares a callable tool to the model.
type ToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// ChatRequest is one completion call against a stage's bound endpoint.
type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolDef
	Temperature float64
}

// ChatResponse is the parsed assistant turn.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatClient calls whatever endpoint the binding names. The binding is a
// parameter, not a field: workers re-snapshot bindings every iteration and
// the client must follow without restart.
type ChatClient struct {
	cfg config.Config
	hc  *http.Client
}

func NewChatClient(cfg config.Config) *ChatClient {
	// Per-request deadlines come from the binding's timeout via ctx; the
	// transport timeout is only a hard upper backstop.
	return &ChatClient{cfg: cfg, hc: &http.Client{Timeout: 15 * time.Minute}}
}

func (c *ChatClient) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// Chat performs one completion call with retry on 429/5xx and transport
// errors. 4xx responses are permanent. Errors are wrapped in the domain
// taxonomy so the worker can classify the failure.
func (c *ChatClient) Chat(ctx domain.Context, binding domain.EndpointBinding, req ChatRequest) (ChatResponse, error) {
	apiKey, err := registry.APIKey(binding)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=agent.chat: %w", err)
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	body := map[string]any{
		"model":       binding.Model,
		"temperature": temperature,
		"messages":    req.Messages,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content   string     `json:"content"`
				ToolCalls []ToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}

	endpoint := binding.BaseURL + "/v1/chat/completions"
	op := func() error {
		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies.
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := c.hc.Do(r)
		observability.EndpointRequestsTotal.WithLabelValues(string(binding.Stage), string(binding.Provider)).Inc()
		observability.EndpointRequestDuration.WithLabelValues(string(binding.Stage), string(binding.Provider)).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err))
			}
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("chat endpoint rate limited",
				slog.String("stage", string(binding.Stage)),
				slog.String("model", binding.Model))
			return fmt.Errorf("%w: chat status 429", domain.ErrRateLimited)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("chat endpoint 4xx",
				slog.String("stage", string(binding.Stage)),
				slog.Int("status", resp.StatusCode),
				slog.String("model", binding.Model),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrInvalidArgument, resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("chat endpoint non-2xx",
				slog.String("stage", string(binding.Stage)),
				slog.Int("status", resp.StatusCode),
				slog.String("endpoint", endpoint))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode: %v", domain.ErrInternal, err))
		}
		return nil
	}

	expo := c.getBackoffConfig()
	bo := backoff.WithContext(expo, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return ChatResponse{}, fmt.Errorf("op=agent.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("op=agent.chat: %w: empty choices", domain.ErrInternal)
	}
	msg := out.Choices[0].Message
	return ChatResponse{Content: msg.Content, ToolCalls: msg.ToolCalls}, nil
}
