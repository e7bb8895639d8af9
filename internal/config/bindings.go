package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/factline/internal/domain"
)

// bindingSpec is the YAML shape of one stage binding in the seed file.
type bindingSpec struct {
	Stage         string `yaml:"stage"`
	Provider      string `yaml:"provider"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	TimeoutSec    int    `yaml:"timeout_seconds"`
	AuthEnvKey    string `yaml:"auth_env_key"`
}

type bindingsFile struct {
	Endpoints []bindingSpec `yaml:"endpoints"`
}

// DefaultBindings returns the compiled-in stage bindings used when no seed
// file is configured and the store has no row for a stage yet.
func DefaultBindings() []domain.EndpointBinding {
	return []domain.EndpointBinding{
		{Stage: domain.StageTriage, Provider: domain.ProviderCustom, BaseURL: "http://localhost:11434", Model: "deepseek-r1:1.5b", MaxConcurrent: 4, Timeout: 120 * time.Second},
		{Stage: domain.StageResearch, Provider: domain.ProviderCustom, BaseURL: "http://localhost:11434", Model: "gpt-oss:20b", MaxConcurrent: 2, Timeout: 600 * time.Second},
		{Stage: domain.StageResponse, Provider: domain.ProviderCustom, BaseURL: "http://localhost:11434", Model: "gpt-oss:20b", MaxConcurrent: 2, Timeout: 300 * time.Second},
		{Stage: domain.StageEditorial, Provider: domain.ProviderCustom, BaseURL: "http://localhost:11434", Model: "gpt-oss:20b", MaxConcurrent: 3, Timeout: 180 * time.Second},
	}
}

// LoadBindingsFile parses a YAML seed file into endpoint bindings.
func LoadBindingsFile(path string) ([]domain.EndpointBinding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadBindingsFile: %w", err)
	}
	var f bindingsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadBindingsFile: %w", err)
	}
	out := make([]domain.EndpointBinding, 0, len(f.Endpoints))
	for _, e := range f.Endpoints {
		stage := domain.Stage(e.Stage)
		provider := domain.ProviderKind(e.Provider)
		if !domain.ValidStage(stage) {
			return nil, fmt.Errorf("op=config.LoadBindingsFile: %w: stage %q", domain.ErrInvalidArgument, e.Stage)
		}
		if !domain.ValidProvider(provider) {
			return nil, fmt.Errorf("op=config.LoadBindingsFile: %w: provider %q", domain.ErrInvalidArgument, e.Provider)
		}
		b := domain.EndpointBinding{
			Stage:         stage,
			Provider:      provider,
			BaseURL:       e.BaseURL,
			Model:         e.Model,
			MaxConcurrent: e.MaxConcurrent,
			Timeout:       time.Duration(e.TimeoutSec) * time.Second,
			AuthEnvKey:    e.AuthEnvKey,
		}
		if b.MaxConcurrent <= 0 {
			b.MaxConcurrent = 1
		}
		if b.Timeout <= 0 {
			b.Timeout = 60 * time.Second
		}
		out = append(out, b)
	}
	return out, nil
}
