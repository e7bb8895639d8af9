package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/factline/internal/domain"
)

// FallbackRepo records items that exhausted retries or hit unrecoverable
// failures, for operator review.
type FallbackRepo struct{ Pool PgxPool }

func NewFallbackRepo(p PgxPool) *FallbackRepo { return &FallbackRepo{Pool: p} }

func (r *FallbackRepo) Append(ctx domain.Context, itemID int64, stage domain.Stage, reason domain.FallbackReason, detail string, now time.Time) error {
	tracer := otel.Tracer("repo.fallback")
	ctx, span := tracer.Start(ctx, "fallback.Append")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("item.id", itemID),
		attribute.String("fallback.reason", string(reason)),
	)

	q := `INSERT INTO fallback_events (item_id, stage, reason, detail, status, created_at)
		VALUES ($1,$2,$3,$4,'active',$5)`
	if _, err := r.Pool.Exec(ctx, q, itemID, stage, reason, detail, now); err != nil {
		return fmt.Errorf("op=fallback.append: %w", err)
	}
	return nil
}

func (r *FallbackRepo) List(ctx domain.Context, limit int) ([]domain.FallbackEvent, error) {
	tracer := otel.Tracer("repo.fallback")
	ctx, span := tracer.Start(ctx, "fallback.List")
	defer span.End()

	q := `SELECT id, item_id, stage, reason, detail, status, created_at, resolved_at
		FROM fallback_events ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, capLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("op=fallback.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FallbackEvent
	for rows.Next() {
		var e domain.FallbackEvent
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Stage, &e.Reason, &e.Detail, &e.Status, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("op=fallback.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=fallback.list: %w", err)
	}
	return out, nil
}
