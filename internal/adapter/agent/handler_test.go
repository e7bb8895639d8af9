package agent_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/factline/internal/adapter/agent"
	"github.com/fairyhunter13/factline/internal/config"
	"github.com/fairyhunter13/factline/internal/domain"
	"github.com/fairyhunter13/factline/internal/pipeline"
)

func testCfg() config.Config {
	return config.Config{AppEnv: "test"}
}

func bindingFor(url string, stage domain.Stage) domain.EndpointBinding {
	return domain.EndpointBinding{
		Stage:         stage,
		Provider:      domain.ProviderCustom,
		BaseURL:       url,
		Model:         "test-model",
		MaxConcurrent: 1,
		Timeout:       10 * time.Second,
	}
}

// chatTurn is one canned assistant response.
type chatTurn struct {
	content   string
	toolCalls []map[string]any
}

func chatServer(t *testing.T, turns []chatTurn) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		n := calls.Add(1)
		turn := turns[len(turns)-1]
		if int(n) <= len(turns) {
			turn = turns[n-1]
		}
		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content":    turn.content,
					"tool_calls": turn.toolCalls,
				},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func toolCall(id, name, args string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}
}

func TestHandlerRecordsAdvanceDecision(t *testing.T) {
	srv, calls := chatServer(t, []chatTurn{
		{toolCalls: []map[string]any{
			toolCall("c1", "write_to_database", `{"directive":"advance","next_stage":"research","payload":{"relevant":true,"confidence":0.9}}`),
		}},
	})

	h := agent.NewHandler(agent.NewChatClient(testCfg()), 8)
	item := domain.Item{ID: 1, SourceID: "s1", Stage: domain.StageTriage, Body: "claim"}
	tools := pipeline.NewTools(item, domain.StageTriage, nil)

	err := h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageTriage), tools)
	require.NoError(t, err)

	d, payload, decided := tools.Decided()
	require.True(t, decided)
	assert.Equal(t, domain.DirectiveAdvance, d.Kind)
	assert.Equal(t, domain.StageResearch, d.Next)
	assert.JSONEq(t, `{"relevant":true,"confidence":0.9}`, string(payload))
	// Decision ends the conversation after one round trip.
	assert.Equal(t, int64(1), calls.Load())
}

func TestHandlerBridgesSearchThenDecides(t *testing.T) {
	srv, calls := chatServer(t, []chatTurn{
		{toolCalls: []map[string]any{toolCall("c1", "brave_web_search", `{"query":"evidence for claim","count":3}`)}},
		{toolCalls: []map[string]any{
			toolCall("c2", "write_to_database", `{"directive":"advance","next_stage":"response","payload":{"verdict":"supported"}}`),
		}},
	})

	searcher := &stubSearcher{results: []domain.SearchResult{{Title: "primary source", URL: "https://example.org"}}}
	h := agent.NewHandler(agent.NewChatClient(testCfg()), 8)
	item := domain.Item{ID: 2, SourceID: "s2", Stage: domain.StageResearch}
	tools := pipeline.NewTools(item, domain.StageResearch, searcher)

	err := h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageResearch), tools)
	require.NoError(t, err)
	assert.Equal(t, []string{"evidence for claim"}, searcher.queries)
	_, _, decided := tools.Decided()
	assert.True(t, decided)
	assert.Equal(t, int64(2), calls.Load())
}

func TestHandlerNoDecisionIsError(t *testing.T) {
	srv, _ := chatServer(t, []chatTurn{{content: "I am done thinking."}})

	h := agent.NewHandler(agent.NewChatClient(testCfg()), 8)
	item := domain.Item{ID: 3, Stage: domain.StageTriage}
	tools := pipeline.NewTools(item, domain.StageTriage, nil)

	err := h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageTriage), tools)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestHandlerToolCallCapExceeded(t *testing.T) {
	// The model searches forever and never decides.
	srv, calls := chatServer(t, []chatTurn{
		{toolCalls: []map[string]any{toolCall("c1", "brave_web_search", `{"query":"again"}`)}},
	})

	searcher := &stubSearcher{}
	h := agent.NewHandler(agent.NewChatClient(testCfg()), 3)
	item := domain.Item{ID: 4, Stage: domain.StageResearch}
	tools := pipeline.NewTools(item, domain.StageResearch, searcher)

	err := h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageResearch), tools)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Equal(t, int64(3), calls.Load())
}

func TestHandlerDispatchesWireToolNames(t *testing.T) {
	// A misnamed tool gets a structured error fed back; the model recovers by
	// calling the tool under its wire name and the decision is recorded.
	srv, calls := chatServer(t, []chatTurn{
		{toolCalls: []map[string]any{
			toolCall("c1", "record_result", `{"directive":"advance","next_stage":"research","payload":{}}`),
		}},
		{toolCalls: []map[string]any{
			toolCall("c2", "write_to_database", `{"directive":"advance","next_stage":"research","payload":{"relevant":true}}`),
		}},
	})

	h := agent.NewHandler(agent.NewChatClient(testCfg()), 8)
	item := domain.Item{ID: 6, Stage: domain.StageTriage}
	tools := pipeline.NewTools(item, domain.StageTriage, nil)

	require.NoError(t, h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageTriage), tools))
	d, _, decided := tools.Decided()
	require.True(t, decided)
	assert.Equal(t, domain.DirectiveAdvance, d.Kind)
	assert.Equal(t, int64(2), calls.Load())
}

func TestHandlerDuplicateWriteResultKeepsFirst(t *testing.T) {
	srv, _ := chatServer(t, []chatTurn{
		{toolCalls: []map[string]any{
			toolCall("c1", "write_to_database", `{"directive":"advance","next_stage":"research","payload":{"first":true}}`),
			toolCall("c2", "write_to_database", `{"directive":"reject","payload":{"second":true}}`),
		}},
	})

	h := agent.NewHandler(agent.NewChatClient(testCfg()), 8)
	item := domain.Item{ID: 5, Stage: domain.StageTriage}
	tools := pipeline.NewTools(item, domain.StageTriage, nil)

	require.NoError(t, h.Run(t.Context(), item, nil, bindingFor(srv.URL, domain.StageTriage), tools))
	d, payload, decided := tools.Decided()
	require.True(t, decided)
	assert.Equal(t, domain.DirectiveAdvance, d.Kind)
	assert.JSONEq(t, `{"first":true}`, string(payload))
}

type stubSearcher struct {
	results []domain.SearchResult
	err     error
	queries []string
}

func (s *stubSearcher) Search(_ domain.Context, query string, _ domain.SearchOptions) ([]domain.SearchResult, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}
