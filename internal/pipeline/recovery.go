package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/domain"
)

// RecoveryManager periodically reclaims processing items whose assignment
// outlived the stuck threshold. Crashed or drained workers leave rows in
// processing; the sweep is what makes those rows eligible again.
type RecoveryManager struct {
	items    domain.ItemRepository
	settings domain.SettingRepository
	interval time.Duration
}

func NewRecoveryManager(items domain.ItemRepository, settings domain.SettingRepository, interval time.Duration) *RecoveryManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RecoveryManager{items: items, settings: settings, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (m *RecoveryManager) Run(ctx context.Context) {
	slog.Info("recovery manager started", slog.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery manager stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass and returns the reclaimed items. It also
// backs the operator-triggered stuck reset in the control API.
func (m *RecoveryManager) Sweep(ctx context.Context) []domain.Item {
	raw, err := m.settings.All(ctx)
	if err != nil {
		slog.Warn("recovery settings snapshot failed; using defaults", slog.Any("error", err))
	}
	threshold := domain.ParseQueueSettings(raw).StuckThreshold

	now := time.Now().UTC()
	recovered, err := m.items.RecoverStuck(ctx, now, threshold)
	if err != nil {
		slog.Error("stuck recovery sweep failed", slog.Any("error", err))
		return nil
	}
	for _, item := range recovered {
		observability.StuckRecoveredTotal.WithLabelValues(string(item.Stage)).Inc()
		slog.Warn("reclaimed stuck item",
			slog.Int64("item_id", item.ID),
			slog.String("stage", string(item.Stage)),
			slog.Int("retry_count", item.RetryCount))
	}
	return recovered
}
