package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/factline/internal/domain"
)

// Handler processes one claimed item at one stage. A handler signals its
// outcome through tools.WriteResult; returning without a recorded decision,
// or returning an error, makes the worker retry the attempt.
type Handler interface {
	Run(ctx domain.Context, item domain.Item, prior map[domain.Stage]json.RawMessage, binding domain.EndpointBinding, tools *Tools) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx domain.Context, item domain.Item, prior map[domain.Stage]json.RawMessage, binding domain.EndpointBinding, tools *Tools) error

func (f HandlerFunc) Run(ctx domain.Context, item domain.Item, prior map[domain.Stage]json.RawMessage, binding domain.EndpointBinding, tools *Tools) error {
	return f(ctx, item, prior, binding, tools)
}

// Registry maps stages to their handlers. Registration is data, not code
// structure: deployments wire whichever stages they run.
type Registry struct {
	handlers map[domain.Stage]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Stage]Handler)}
}

// Register binds a handler to a stage, replacing any previous binding.
func (r *Registry) Register(stage domain.Stage, h Handler) {
	r.handlers[stage] = h
}

// Lookup returns the handler for a stage.
func (r *Registry) Lookup(stage domain.Stage) (Handler, error) {
	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("op=registry.lookup: %w: no handler for stage %q", domain.ErrNotFound, stage)
	}
	return h, nil
}

// Stages returns the registered stages in pipeline order. Only agent stages
// take handlers; post_queue is consumed through the ready view, not a worker.
func (r *Registry) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(r.handlers))
	for _, s := range domain.AgentStages() {
		if _, ok := r.handlers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
