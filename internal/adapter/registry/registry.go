// Package registry provides a read-through view of per-stage endpoint
// bindings with secret resolution and connectivity probing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/factline/internal/domain"
)

// Registry resolves the current binding for a stage. It is deliberately not
// a cache: every Snapshot hits the store so rebinding through the control API
// is visible at the next worker loop iteration.
type Registry struct {
	endpoints domain.EndpointRepository
	client    *http.Client
}

// New builds a Registry over the endpoint store.
func New(endpoints domain.EndpointRepository) *Registry {
	return &Registry{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot returns the binding a worker should use for this iteration.
func (r *Registry) Snapshot(ctx context.Context, stage domain.Stage) (domain.EndpointBinding, error) {
	return r.endpoints.Get(ctx, stage)
}

// GetPause reads the stage's pause flag.
func (r *Registry) GetPause(ctx context.Context, stage domain.Stage) (bool, error) {
	return r.endpoints.GetPause(ctx, stage)
}

// APIKey resolves the binding's auth secret from the process environment at
// call time. Secrets are never persisted and never cached, so rotating the
// env var takes effect on the next call.
func APIKey(b domain.EndpointBinding) (string, error) {
	if b.Provider != domain.ProviderHosted {
		return "", nil
	}
	if b.AuthEnvKey == "" {
		return "", fmt.Errorf("op=registry.api_key: %w: hosted binding for %s has no auth_env_key", domain.ErrInvalidArgument, b.Stage)
	}
	key := os.Getenv(b.AuthEnvKey)
	if key == "" {
		return "", fmt.Errorf("op=registry.api_key: %w: env %s is empty", domain.ErrUnavailable, b.AuthEnvKey)
	}
	return key, nil
}

// ProbeResult reports a connectivity check against a binding.
type ProbeResult struct {
	Stage      domain.Stage  `json:"stage"`
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency_ms"`
	Models     []string      `json:"models,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Probe issues GET {base_url}/v1/models against the binding and lists the
// models the endpoint serves. A probe failure is data, not an error: the
// caller gets a structured result either way.
func (r *Registry) Probe(ctx context.Context, b domain.EndpointBinding) ProbeResult {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "registry.Probe")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.stage", string(b.Stage)),
		attribute.String("endpoint.base_url", b.BaseURL),
	)

	res := ProbeResult{Stage: b.Stage}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/v1/models", nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if key, err := APIKey(b); err == nil && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	} else if err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	res.StatusCode = resp.StatusCode
	res.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Reachable {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, m := range parsed.Data {
			if m.ID != "" {
				res.Models = append(res.Models, m.ID)
			}
		}
	}
	return res
}
