// Package usecase contains the application services behind the control and
// ingestion APIs.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/factline/internal/adapter/registry"
	"github.com/fairyhunter13/factline/internal/domain"
)

// ControlService implements the operator surface: pause/resume, queue
// inspection, setting and binding updates, stuck handling, resubmission,
// and the outbound posting view.
type ControlService struct {
	Items     domain.ItemRepository
	Endpoints domain.EndpointRepository
	Settings  domain.SettingRepository
	Fallbacks domain.FallbackRepository
	Registry  *registry.Registry
}

func NewControlService(items domain.ItemRepository, endpoints domain.EndpointRepository, settings domain.SettingRepository, fallbacks domain.FallbackRepository, reg *registry.Registry) *ControlService {
	return &ControlService{Items: items, Endpoints: endpoints, Settings: settings, Fallbacks: fallbacks, Registry: reg}
}

// PauseStage stops new claims for a stage. In-flight attempts finish.
func (s *ControlService) PauseStage(ctx domain.Context, stage domain.Stage) error {
	if !validAgentOrPostStage(stage) {
		return fmt.Errorf("op=control.pause: %w: stage %q has no worker", domain.ErrInvalidArgument, stage)
	}
	if err := s.Endpoints.SetPause(ctx, stage, true); err != nil {
		return err
	}
	slog.Info("stage paused", slog.String("stage", string(stage)))
	return nil
}

// ResumeStage re-enables claiming for a stage.
func (s *ControlService) ResumeStage(ctx domain.Context, stage domain.Stage) error {
	if !validAgentOrPostStage(stage) {
		return fmt.Errorf("op=control.resume: %w: stage %q has no worker", domain.ErrInvalidArgument, stage)
	}
	if err := s.Endpoints.SetPause(ctx, stage, false); err != nil {
		return err
	}
	slog.Info("stage resumed", slog.String("stage", string(stage)))
	return nil
}

// StageStatus is one row of the queue status view.
type StageStatus struct {
	Stage         domain.Stage `json:"stage"`
	Available     int64        `json:"available"`
	CurrentLoad   int64        `json:"current_load"`
	MaxConcurrent int          `json:"max_concurrent"`
	Paused        bool         `json:"paused"`
}

// QueueStatus reports, per agent stage, how much work is waiting and how
// much capacity the binding allows.
func (s *ControlService) QueueStatus(ctx domain.Context) ([]StageStatus, error) {
	tracer := otel.Tracer("usecase.control")
	ctx, span := tracer.Start(ctx, "control.QueueStatus")
	defer span.End()

	counts, err := s.Items.CountByStageStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending := map[domain.Stage]int64{}
	processing := map[domain.Stage]int64{}
	for _, c := range counts {
		switch c.Status {
		case domain.StatusPending:
			pending[c.Stage] = c.Count
		case domain.StatusProcessing:
			processing[c.Stage] = c.Count
		}
	}

	var out []StageStatus
	for _, stage := range domain.AgentStages() {
		row := StageStatus{
			Stage:       stage,
			Available:   pending[stage],
			CurrentLoad: processing[stage],
		}
		if b, err := s.Endpoints.Get(ctx, stage); err == nil {
			row.MaxConcurrent = b.MaxConcurrent
			row.Paused = b.Paused
		} else {
			// No binding means the stage cannot claim; report it as paused.
			row.Paused = true
		}
		out = append(out, row)
	}
	span.SetAttributes(attribute.Int("queue.stages", len(out)))
	return out, nil
}

// Stats returns the raw (stage, status) aggregate.
func (s *ControlService) Stats(ctx domain.Context) ([]domain.StageStatusCount, error) {
	return s.Items.CountByStageStatus(ctx)
}

// ListPending returns pending items for one stage in claim order.
func (s *ControlService) ListPending(ctx domain.Context, stage domain.Stage, limit int) ([]domain.Item, error) {
	if !domain.ValidStage(stage) {
		return nil, fmt.Errorf("op=control.list_pending: %w: unknown stage %q", domain.ErrInvalidArgument, stage)
	}
	return s.Items.ListPending(ctx, stage, limit)
}

// ListRejected returns terminally rejected items.
func (s *ControlService) ListRejected(ctx domain.Context, limit int) ([]domain.Item, error) {
	return s.Items.ListRejected(ctx, limit)
}

// ListFallbacks returns recorded fallback events.
func (s *ControlService) ListFallbacks(ctx domain.Context, limit int) ([]domain.FallbackEvent, error) {
	return s.Fallbacks.List(ctx, limit)
}

// History returns the audit trail of one item: the item plus every artifact.
func (s *ControlService) History(ctx domain.Context, itemID int64) (domain.Item, []domain.Artifact, error) {
	item, err := s.Items.Get(ctx, itemID)
	if err != nil {
		return domain.Item{}, nil, err
	}
	artifacts, err := s.Items.History(ctx, itemID)
	if err != nil {
		return domain.Item{}, nil, err
	}
	return item, artifacts, nil
}

// UpdateSetting validates and writes one runtime setting. Unknown keys are
// rejected so a typo cannot silently configure nothing.
func (s *ControlService) UpdateSetting(ctx domain.Context, key, value string) error {
	if !domain.RecognizedSettingKey(key) {
		return fmt.Errorf("op=control.update_setting: %w: unrecognized key %q", domain.ErrInvalidArgument, key)
	}
	if err := domain.ValidateSettingValue(key, value); err != nil {
		return fmt.Errorf("op=control.update_setting: %w", err)
	}
	if err := s.Settings.Upsert(ctx, key, value); err != nil {
		return err
	}
	slog.Info("setting updated", slog.String("key", key), slog.String("value", value))
	return nil
}

// AllSettings returns the effective settings overlaid on defaults, plus the
// raw stored rows.
func (s *ControlService) AllSettings(ctx domain.Context) (domain.QueueSettings, map[string]string, error) {
	raw, err := s.Settings.All(ctx)
	if err != nil {
		return domain.QueueSettings{}, nil, err
	}
	return domain.ParseQueueSettings(raw), raw, nil
}

// UpsertBinding rebinds a stage's endpoint. Workers pick it up on their next
// loop iteration; in-flight calls finish against the old binding.
func (s *ControlService) UpsertBinding(ctx domain.Context, b domain.EndpointBinding) error {
	if err := s.Endpoints.Upsert(ctx, b); err != nil {
		return err
	}
	slog.Info("endpoint rebound",
		slog.String("stage", string(b.Stage)),
		slog.String("provider", string(b.Provider)),
		slog.String("base_url", b.BaseURL),
		slog.String("model", b.Model))
	return nil
}

// ListBindings returns all stage bindings.
func (s *ControlService) ListBindings(ctx domain.Context) ([]domain.EndpointBinding, error) {
	return s.Endpoints.List(ctx)
}

// ProbeBinding checks a candidate binding's reachability without storing it.
func (s *ControlService) ProbeBinding(ctx domain.Context, b domain.EndpointBinding) registry.ProbeResult {
	return s.Registry.Probe(ctx, b)
}

// StuckReport lists over-threshold processing items without touching them.
func (s *ControlService) StuckReport(ctx domain.Context) ([]domain.Item, error) {
	threshold, err := s.stuckThreshold(ctx)
	if err != nil {
		return nil, err
	}
	return s.Items.ListStuck(ctx, time.Now().UTC(), threshold)
}

// ResetStuck reclaims over-threshold processing items immediately instead of
// waiting for the next sweep.
func (s *ControlService) ResetStuck(ctx domain.Context) ([]domain.Item, error) {
	threshold, err := s.stuckThreshold(ctx)
	if err != nil {
		return nil, err
	}
	recovered, err := s.Items.RecoverStuck(ctx, time.Now().UTC(), threshold)
	if err != nil {
		return nil, err
	}
	slog.Info("operator stuck reset", slog.Int("recovered", len(recovered)))
	return recovered, nil
}

func (s *ControlService) stuckThreshold(ctx domain.Context) (time.Duration, error) {
	raw, err := s.Settings.All(ctx)
	if err != nil {
		return 0, err
	}
	return domain.ParseQueueSettings(raw).StuckThreshold, nil
}

// Resubmit returns a failed item to pending and resolves its fallback events.
func (s *ControlService) Resubmit(ctx domain.Context, itemID int64) error {
	if err := s.Items.Resubmit(ctx, itemID, time.Now().UTC()); err != nil {
		return err
	}
	slog.Info("item resubmitted", slog.Int64("item_id", itemID))
	return nil
}

// ListReady is the outbound posting view over post_queue.
func (s *ControlService) ListReady(ctx domain.Context, limit int) ([]domain.Item, error) {
	return s.Items.ListReady(ctx, limit)
}

// CompletePosted marks a post_queue item done after the outbound
// collaborator has published it.
func (s *ControlService) CompletePosted(ctx domain.Context, itemID int64) error {
	if err := s.Items.CompleteReady(ctx, itemID, time.Now().UTC()); err != nil {
		return err
	}
	slog.Info("item posted and completed", slog.Int64("item_id", itemID))
	return nil
}

// Ingest inserts a new submission at (triage, pending). Duplicate source ids
// are acknowledged without a second insert.
func (s *ControlService) Ingest(ctx domain.Context, n domain.NewItem) (int64, bool, error) {
	return s.Items.Insert(ctx, n)
}

func validAgentOrPostStage(stage domain.Stage) bool {
	for _, s := range domain.AgentStages() {
		if s == stage {
			return true
		}
	}
	return stage == domain.StagePostQueue
}
