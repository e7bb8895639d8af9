package usecase

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/factline/internal/domain"
)

// SeedBindings writes seed bindings for stages that have no stored row yet.
// Stored bindings always win over seeds, so operator rebinds survive
// restarts and reloads.
func (s *ControlService) SeedBindings(ctx domain.Context, seeds []domain.EndpointBinding) (applied int, err error) {
	for _, b := range seeds {
		_, getErr := s.Endpoints.Get(ctx, b.Stage)
		if getErr == nil {
			continue
		}
		if !errors.Is(getErr, domain.ErrNotFound) {
			return applied, getErr
		}
		if err := s.Endpoints.Upsert(ctx, b); err != nil {
			return applied, err
		}
		applied++
		slog.Info("seeded endpoint binding",
			slog.String("stage", string(b.Stage)),
			slog.String("model", b.Model))
	}
	return applied, nil
}
