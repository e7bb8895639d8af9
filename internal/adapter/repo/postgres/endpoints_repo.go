package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/factline/internal/domain"
)

// EndpointRepo stores per-stage endpoint bindings and their pause flags.
type EndpointRepo struct{ Pool PgxPool }

func NewEndpointRepo(p PgxPool) *EndpointRepo { return &EndpointRepo{Pool: p} }

// Upsert replaces the binding for a stage. Rebinding takes effect at each
// worker's next loop iteration; in-flight handler calls finish on the old
// binding.
func (r *EndpointRepo) Upsert(ctx domain.Context, b domain.EndpointBinding) error {
	tracer := otel.Tracer("repo.endpoints")
	ctx, span := tracer.Start(ctx, "endpoints.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("queue.stage", string(b.Stage)))

	if !domain.ValidStage(b.Stage) {
		return fmt.Errorf("op=endpoint.upsert: %w: unknown stage %q", domain.ErrInvalidArgument, b.Stage)
	}
	if !domain.ValidProvider(b.Provider) {
		return fmt.Errorf("op=endpoint.upsert: %w: unknown provider %q", domain.ErrInvalidArgument, b.Provider)
	}
	if b.BaseURL == "" || b.Model == "" {
		return fmt.Errorf("op=endpoint.upsert: %w: base_url and model required", domain.ErrInvalidArgument)
	}
	if b.MaxConcurrent < 1 {
		b.MaxConcurrent = 1
	}
	q := `INSERT INTO endpoints (stage, provider, base_url, model, max_concurrent, timeout_seconds, auth_env_key, paused, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (stage) DO UPDATE SET
			provider=EXCLUDED.provider, base_url=EXCLUDED.base_url, model=EXCLUDED.model,
			max_concurrent=EXCLUDED.max_concurrent, timeout_seconds=EXCLUDED.timeout_seconds,
			auth_env_key=EXCLUDED.auth_env_key, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, b.Stage, b.Provider, b.BaseURL, b.Model,
		b.MaxConcurrent, int(b.Timeout.Seconds()), nullIfEmpty(b.AuthEnvKey), b.Paused); err != nil {
		return fmt.Errorf("op=endpoint.upsert: %w", err)
	}
	return nil
}

// Get returns the binding for a stage.
func (r *EndpointRepo) Get(ctx domain.Context, stage domain.Stage) (domain.EndpointBinding, error) {
	tracer := otel.Tracer("repo.endpoints")
	ctx, span := tracer.Start(ctx, "endpoints.Get")
	defer span.End()

	b, err := scanBinding(r.Pool.QueryRow(ctx,
		`SELECT stage, provider, base_url, model, max_concurrent, timeout_seconds, auth_env_key, paused, updated_at
		FROM endpoints WHERE stage=$1`, stage))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.EndpointBinding{}, fmt.Errorf("op=endpoint.get: %w: no binding for stage %q", domain.ErrNotFound, stage)
		}
		return domain.EndpointBinding{}, fmt.Errorf("op=endpoint.get: %w", err)
	}
	return b, nil
}

// List returns all bindings in stage order.
func (r *EndpointRepo) List(ctx domain.Context) ([]domain.EndpointBinding, error) {
	tracer := otel.Tracer("repo.endpoints")
	ctx, span := tracer.Start(ctx, "endpoints.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT stage, provider, base_url, model, max_concurrent, timeout_seconds, auth_env_key, paused, updated_at
		FROM endpoints ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("op=endpoint.list: %w", err)
	}
	defer rows.Close()
	var out []domain.EndpointBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("op=endpoint.list: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=endpoint.list: %w", err)
	}
	return out, nil
}

// SetPause flips the per-stage pause flag.
func (r *EndpointRepo) SetPause(ctx domain.Context, stage domain.Stage, paused bool) error {
	tracer := otel.Tracer("repo.endpoints")
	ctx, span := tracer.Start(ctx, "endpoints.SetPause")
	defer span.End()
	span.SetAttributes(attribute.String("queue.stage", string(stage)), attribute.Bool("queue.paused", paused))

	tag, err := r.Pool.Exec(ctx, `UPDATE endpoints SET paused=$2, updated_at=now() WHERE stage=$1`, stage, paused)
	if err != nil {
		return fmt.Errorf("op=endpoint.set_pause: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=endpoint.set_pause: %w: no binding for stage %q", domain.ErrNotFound, stage)
	}
	return nil
}

// GetPause reads the pause flag for a stage. A missing binding reads as
// paused so a misconfigured stage never claims work.
func (r *EndpointRepo) GetPause(ctx domain.Context, stage domain.Stage) (bool, error) {
	tracer := otel.Tracer("repo.endpoints")
	ctx, span := tracer.Start(ctx, "endpoints.GetPause")
	defer span.End()

	var paused bool
	err := r.Pool.QueryRow(ctx, `SELECT paused FROM endpoints WHERE stage=$1`, stage).Scan(&paused)
	if err != nil {
		if err == pgx.ErrNoRows {
			return true, nil
		}
		return true, fmt.Errorf("op=endpoint.get_pause: %w", err)
	}
	return paused, nil
}

func scanBinding(row pgx.Row) (domain.EndpointBinding, error) {
	var b domain.EndpointBinding
	var timeoutSec int
	var authEnv *string
	if err := row.Scan(&b.Stage, &b.Provider, &b.BaseURL, &b.Model,
		&b.MaxConcurrent, &timeoutSec, &authEnv, &b.Paused, &b.UpdatedAt); err != nil {
		return domain.EndpointBinding{}, err
	}
	b.Timeout = secondsToDuration(timeoutSec)
	if authEnv != nil {
		b.AuthEnvKey = *authEnv
	}
	return b, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
