package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fairyhunter13/factline/internal/domain"
)

// Searcher is the web search capability exposed to handlers.
type Searcher interface {
	Search(ctx domain.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error)
}

// Tools is the per-attempt capability handed to a handler. It is scoped to
// one (item, stage, attempt): the worker constructs a fresh value per claim
// and drops it when the attempt ends, so a handler can never write to an
// item it does not hold.
type Tools struct {
	item     domain.Item
	stage    domain.Stage
	searcher Searcher

	mu      sync.Mutex
	decided bool
	payload json.RawMessage
	dir     domain.Directive
}

// NewTools builds the capability for one attempt. searcher may be nil for
// stages that do not search.
func NewTools(item domain.Item, stage domain.Stage, searcher Searcher) *Tools {
	return &Tools{item: item, stage: stage, searcher: searcher}
}

// WriteResult records the attempt's artifact payload and transition
// directive. At most one call succeeds per attempt; subsequent calls return
// ErrAlreadyDecided and the first result stands.
//
// A nil return means the decision is recorded for this attempt, not that it
// is durable yet: the worker commits the artifact and the transition in one
// store transaction when the attempt concludes. A crash in between loses
// nothing but the attempt itself; the item stays processing until the
// recovery sweep returns it to pending.
func (t *Tools) WriteResult(payload json.RawMessage, d domain.Directive) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("op=tools.write_result: %w", err)
	}
	if d.Kind == domain.DirectiveAdvance && !validAdvanceFrom(t.stage, d.Next) {
		return fmt.Errorf("op=tools.write_result: %w: cannot advance %s to %s", domain.ErrInvalidDirective, t.stage, d.Next)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.decided {
		return fmt.Errorf("op=tools.write_result: %w", domain.ErrAlreadyDecided)
	}
	t.decided = true
	t.payload = payload
	t.dir = d
	return nil
}

// Decided returns the recorded directive and payload, if any.
func (t *Tools) Decided() (domain.Directive, json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir, t.payload, t.decided
}

// WebSearch runs a budgeted web search on behalf of the handler.
func (t *Tools) WebSearch(ctx domain.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	if t.searcher == nil {
		return nil, fmt.Errorf("op=tools.web_search: %w: search not configured", domain.ErrUnavailable)
	}
	return t.searcher.Search(ctx, query, opts)
}

// Item returns the claimed item this capability is scoped to.
func (t *Tools) Item() domain.Item { return t.item }

// Stage returns the stage of the attempt.
func (t *Tools) Stage() domain.Stage { return t.stage }

// validAdvanceFrom enforces the forward-only pipeline order: each agent
// stage may advance only to its immediate successor.
func validAdvanceFrom(from, to domain.Stage) bool {
	switch from {
	case domain.StageTriage:
		return to == domain.StageResearch
	case domain.StageResearch:
		return to == domain.StageResponse
	case domain.StageResponse:
		return to == domain.StageEditorial
	case domain.StageEditorial:
		return to == domain.StagePostQueue
	}
	return false
}
