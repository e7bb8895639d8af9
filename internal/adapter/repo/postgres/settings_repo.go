package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/factline/internal/domain"
)

// SettingRepo stores runtime queue settings as string key/value pairs.
// Parsing and validation live in domain/settings.go; the repo is dumb storage.
type SettingRepo struct{ Pool PgxPool }

func NewSettingRepo(p PgxPool) *SettingRepo { return &SettingRepo{Pool: p} }

func (r *SettingRepo) Upsert(ctx domain.Context, key, value string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Upsert")
	defer span.End()

	if key == "" {
		return fmt.Errorf("op=setting.upsert: %w: key required", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("op=setting.upsert: %w", err)
	}
	return nil
}

func (r *SettingRepo) Get(ctx domain.Context, key string) (string, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()

	var value string
	err := r.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("op=setting.get: %w: %s", domain.ErrNotFound, key)
		}
		return "", fmt.Errorf("op=setting.get: %w", err)
	}
	return value, nil
}

func (r *SettingRepo) All(ctx domain.Context) (map[string]string, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.All")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("op=setting.all: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("op=setting.all: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=setting.all: %w", err)
	}
	return out, nil
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }
