package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/domain"
	"github.com/fairyhunter13/factline/internal/pipeline"
)

// Handler drives one LLM conversation per attempt, bridging model tool
// calls to the pipeline capability. One Handler instance serves every agent
// stage; the stage determines the prompt and the available tools.
type Handler struct {
	chat        *ChatClient
	toolCallCap int
}

// NewHandler builds the LLM stage handler. toolCallCap bounds the number of
// conversation turns that may contain tool calls before the attempt is
// abandoned as a protocol error.
func NewHandler(chat *ChatClient, toolCallCap int) *Handler {
	if toolCallCap <= 0 {
		toolCallCap = 8
	}
	return &Handler{chat: chat, toolCallCap: toolCallCap}
}

func (h *Handler) Run(ctx domain.Context, item domain.Item, prior map[domain.Stage]json.RawMessage, binding domain.EndpointBinding, tools *pipeline.Tools) error {
	system, err := SystemPrompt(binding.Stage)
	if err != nil {
		return err
	}
	messages := []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: BuildUserPrompt(item, prior)},
	}
	defs := toolDefs(binding.Stage)

	var sawRateLimit bool
	for turn := 0; turn < h.toolCallCap; turn++ {
		resp, err := h.chat.Chat(ctx, binding, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			return err
		}
		if len(resp.ToolCalls) == 0 {
			// Conversation over. The worker checks tools.Decided().
			if _, _, ok := tools.Decided(); !ok {
				if sawRateLimit {
					return fmt.Errorf("op=agent.run: %w: search budget exhausted before a decision", domain.ErrRateLimited)
				}
				return fmt.Errorf("op=agent.run: %w: model finished without calling write_to_database", domain.ErrInternal)
			}
			return nil
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, rateLimited := h.execTool(ctx, binding.Stage, tools, call)
			if rateLimited {
				sawRateLimit = true
			}
			messages = append(messages, ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    result,
			})
		}
		// A recorded decision ends the attempt even if the model would keep
		// talking; the first write_to_database stands.
		if _, _, ok := tools.Decided(); ok {
			return nil
		}
	}
	return fmt.Errorf("op=agent.run: %w: tool call cap %d exceeded", domain.ErrInternal, h.toolCallCap)
}

// execTool dispatches one tool call and returns the JSON result fed back to
// the model. Tool failures are data for the model, not attempt failures.
func (h *Handler) execTool(ctx domain.Context, stage domain.Stage, tools *pipeline.Tools, call ToolCall) (result string, rateLimited bool) {
	switch call.Function.Name {
	case "write_to_database":
		return h.execWriteResult(stage, tools, call.Function.Arguments), false
	case "brave_web_search":
		return h.execWebSearch(ctx, stage, tools, call.Function.Arguments)
	default:
		observability.ToolCallsTotal.WithLabelValues(call.Function.Name, "unknown").Inc()
		return toolError("unknown tool " + call.Function.Name), false
	}
}

type writeResultArgs struct {
	Directive string          `json:"directive"`
	NextStage string          `json:"next_stage"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handler) execWriteResult(stage domain.Stage, tools *pipeline.Tools, rawArgs string) string {
	var args writeResultArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		observability.ToolCallsTotal.WithLabelValues("write_to_database", "bad_args").Inc()
		return toolError("invalid arguments: " + err.Error())
	}
	var d domain.Directive
	switch args.Directive {
	case "advance":
		d = domain.Advance(domain.Stage(args.NextStage))
	case "reject":
		d = domain.Reject()
	case "complete":
		d = domain.Complete()
	case "retry":
		d = domain.Retry(args.Reason)
	default:
		observability.ToolCallsTotal.WithLabelValues("write_to_database", "bad_directive").Inc()
		return toolError("unknown directive " + args.Directive)
	}
	if err := tools.WriteResult(args.Payload, d); err != nil {
		observability.ToolCallsTotal.WithLabelValues("write_to_database", "error").Inc()
		if errors.Is(err, domain.ErrAlreadyDecided) {
			return toolError("result already recorded for this attempt")
		}
		return toolError(err.Error())
	}
	observability.ToolCallsTotal.WithLabelValues("write_to_database", "ok").Inc()
	slog.Info("stage decision recorded",
		slog.Int64("item_id", tools.Item().ID),
		slog.String("stage", string(stage)),
		slog.String("directive", d.String()))
	return `{"status":"recorded"}`
}

type webSearchArgs struct {
	Query   string `json:"query"`
	Count   int    `json:"count"`
	Lang    string `json:"lang"`
	Country string `json:"country"`
}

func (h *Handler) execWebSearch(ctx domain.Context, stage domain.Stage, tools *pipeline.Tools, rawArgs string) (string, bool) {
	var args webSearchArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		observability.ToolCallsTotal.WithLabelValues("brave_web_search", "bad_args").Inc()
		return toolError("invalid arguments: " + err.Error()), false
	}
	results, err := tools.WebSearch(ctx, args.Query, domain.SearchOptions{
		Count:   args.Count,
		Lang:    args.Lang,
		Country: args.Country,
	})
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			observability.ToolCallsTotal.WithLabelValues("brave_web_search", "rate_limited").Inc()
			return toolError("search budget exhausted; answer from what you already have"), true
		}
		observability.ToolCallsTotal.WithLabelValues("brave_web_search", "error").Inc()
		slog.Warn("web search tool failed",
			slog.String("stage", string(stage)),
			slog.String("query", args.Query),
			slog.Any("error", err))
		return toolError("search failed: " + err.Error()), false
	}
	observability.ToolCallsTotal.WithLabelValues("brave_web_search", "ok").Inc()
	b, _ := json.Marshal(map[string]any{"results": results})
	return string(b), false
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// toolDefs returns the tool surface for a stage. Every agent stage gets
// write_to_database; only research gets brave_web_search.
func toolDefs(stage domain.Stage) []ToolDef {
	defs := []ToolDef{writeResultDef()}
	if stage == domain.StageResearch {
		defs = append(defs, webSearchDef())
	}
	return defs
}

func writeResultDef() ToolDef {
	var d ToolDef
	d.Type = "function"
	d.Function.Name = "write_to_database"
	d.Function.Description = "Record this stage's result and transition directive. Call exactly once."
	directives := []string{"advance", "reject", "retry"}
	d.Function.Parameters = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"directive": map[string]any{
				"type": "string",
				"enum": directives,
			},
			"next_stage": map[string]any{
				"type":        "string",
				"description": "Target stage for directive advance.",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Reason for directive retry.",
			},
			"payload": map[string]any{
				"type":        "object",
				"description": "The structured stage result.",
			},
		},
		"required": []string{"directive", "payload"},
	}
	return d
}

func webSearchDef() ToolDef {
	var d ToolDef
	d.Type = "function"
	d.Function.Name = "brave_web_search"
	d.Function.Description = "Search the web for evidence. Returns titles, urls, and descriptions."
	d.Function.Parameters = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results, 1-20.",
			},
			"lang":    map[string]any{"type": "string"},
			"country": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	}
	return d
}
