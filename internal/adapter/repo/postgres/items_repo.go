package postgres

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/factline/internal/domain"
)

// ItemRepo persists and transitions pipeline items.
type ItemRepo struct{ Pool PgxPool }

// NewItemRepo constructs an ItemRepo with the given pool.
func NewItemRepo(p PgxPool) *ItemRepo { return &ItemRepo{Pool: p} }

const itemColumns = `id, source_id, title, author, body, url, source_created_at,
	stage, status, assigned_to, assigned_at, processed_at, last_retry_at,
	last_error, retry_count, metadata, created_at, updated_at`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	var meta []byte
	err := row.Scan(&it.ID, &it.SourceID, &it.Title, &it.Author, &it.Body, &it.URL,
		&it.SourceCreatedAt, &it.Stage, &it.Status, &it.AssignedTo, &it.AssignedAt,
		&it.ProcessedAt, &it.LastRetryAt, &it.LastError, &it.RetryCount, &meta,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return domain.Item{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &it.Metadata)
	}
	return it, nil
}

func collectItems(rows pgx.Rows) ([]domain.Item, error) {
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Insert creates an item at (triage, pending). Duplicate source ids are
// silent no-ops; created reports whether a new row was written.
func (r *ItemRepo) Insert(ctx domain.Context, n domain.NewItem) (int64, bool, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("item.source_id", n.SourceID))

	if n.SourceID == "" {
		return 0, false, fmt.Errorf("op=item.insert: %w: source id required", domain.ErrInvalidArgument)
	}
	priority := n.Priority
	if priority <= 0 {
		priority = domain.DefaultPriority
	}
	meta, _ := json.Marshal(map[string]any{"priority": priority})
	created := n.SourceCreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	q := `INSERT INTO items (source_id, title, author, body, url, source_created_at, stage, status, retry_count, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,'triage','pending',0,$7)
		ON CONFLICT (source_id) DO NOTHING
		RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, n.SourceID, n.Title, n.Author, n.Body, n.URL, created, meta).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return 0, false, fmt.Errorf("op=item.insert: %w", err)
	}
	// Conflict path: row already exists, return its id.
	if err := r.Pool.QueryRow(ctx, `SELECT id FROM items WHERE source_id=$1`, n.SourceID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("op=item.insert: %w", err)
	}
	return id, false, nil
}

// Get loads an item by id.
func (r *ItemRepo) Get(ctx domain.Context, id int64) (domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Get")
	defer span.End()
	it, err := scanItem(r.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Item{}, fmt.Errorf("op=item.get: %w", domain.ErrNotFound)
		}
		return domain.Item{}, fmt.Errorf("op=item.get: %w", err)
	}
	return it, nil
}

// ClaimPending atomically assigns up to req.Limit claimable items to the
// worker. The CTE locks candidate rows with SKIP LOCKED so concurrent claim
// transactions never hand the same item to two workers. Claimable rows are
// pending items outside the retry backoff window plus stale processing rows
// (the unified claim + recover path).
func (r *ItemRepo) ClaimPending(ctx domain.Context, req domain.ClaimRequest) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ClaimPending")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.stage", string(req.Stage)),
		attribute.Int("queue.limit", req.Limit),
	)

	if req.Limit <= 0 {
		return nil, nil
	}
	backoffCutoff := req.Now.Add(-req.RetryBackoff)
	q := `WITH candidates AS (
			SELECT id FROM items
			WHERE stage = $1
			  AND (
				(status = 'pending' AND (last_retry_at IS NULL OR last_retry_at < $2))
				OR (status = 'processing' AND assigned_at < $3)
			  )
			ORDER BY COALESCE((metadata->>'priority')::int, 5) DESC, source_created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE items i
		SET status = 'processing', assigned_to = $5, assigned_at = $6, updated_at = $6
		FROM candidates c
		WHERE i.id = c.id
		RETURNING ` + prefixedItemColumns("i")
	rows, err := r.Pool.Query(ctx, q, req.Stage, backoffCutoff, req.StaleCutoff, req.Limit, req.WorkerID, req.Now)
	if err != nil {
		return nil, fmt.Errorf("op=item.claim: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.claim: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE ordering.
	sort.SliceStable(items, func(a, b int) bool {
		pa, pb := items[a].Priority(), items[b].Priority()
		if pa != pb {
			return pa > pb
		}
		return items[a].SourceCreatedAt.Before(items[b].SourceCreatedAt)
	})
	span.SetAttributes(attribute.Int("queue.claimed", len(items)))
	return items, nil
}

func prefixedItemColumns(alias string) string {
	return alias + `.id, ` + alias + `.source_id, ` + alias + `.title, ` + alias + `.author, ` +
		alias + `.body, ` + alias + `.url, ` + alias + `.source_created_at, ` + alias + `.stage, ` +
		alias + `.status, ` + alias + `.assigned_to, ` + alias + `.assigned_at, ` + alias + `.processed_at, ` +
		alias + `.last_retry_at, ` + alias + `.last_error, ` + alias + `.retry_count, ` + alias + `.metadata, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

// WriteArtifactAndTransition appends the artifact and applies the directive
// within one transaction. The item must still be processing at the given
// stage; otherwise the whole transaction rolls back with ErrConflict, which
// keeps "artifact exists => item state reflects it" airtight.
func (r *ItemRepo) WriteArtifactAndTransition(ctx domain.Context, itemID int64, stage domain.Stage, payload json.RawMessage, d domain.Directive, now time.Time) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.WriteArtifactAndTransition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("item.id", itemID),
		attribute.String("queue.stage", string(stage)),
		attribute.String("queue.directive", d.String()),
	)

	if err := d.Validate(); err != nil {
		return fmt.Errorf("op=item.write_result: %w", err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=item.write_result: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var q string
	var args []any
	switch d.Kind {
	case domain.DirectiveAdvance:
		q = `UPDATE items SET stage=$3, status='pending', assigned_to=NULL, assigned_at=NULL,
			processed_at=$4, retry_count=0, last_retry_at=NULL, last_error='', updated_at=$4
			WHERE id=$1 AND stage=$2 AND status='processing'`
		args = []any{itemID, stage, d.Next, now}
	case domain.DirectiveReject:
		q = `UPDATE items SET stage='rejected', status='rejected', assigned_to=NULL, assigned_at=NULL,
			processed_at=$3, updated_at=$3
			WHERE id=$1 AND stage=$2 AND status='processing'`
		args = []any{itemID, stage, now}
	case domain.DirectiveComplete:
		q = `UPDATE items SET stage='completed', status='completed', assigned_to=NULL, assigned_at=NULL,
			processed_at=$3, updated_at=$3
			WHERE id=$1 AND stage=$2 AND status='processing'`
		args = []any{itemID, stage, now}
	case domain.DirectiveRetry:
		q = `UPDATE items SET status='pending', assigned_to=NULL, assigned_at=NULL,
			retry_count=retry_count+1, last_retry_at=$4, last_error=$3, processed_at=$4, updated_at=$4
			WHERE id=$1 AND stage=$2 AND status='processing'`
		args = []any{itemID, stage, d.Reason, now}
	}
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=item.write_result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=item.write_result: %w: item %d not processing at %s", domain.ErrConflict, itemID, stage)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO artifacts (item_id, stage, payload, created_at) VALUES ($1,$2,$3,$4)`,
		itemID, stage, payload, now); err != nil {
		return fmt.Errorf("op=item.write_result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=item.write_result: %w", err)
	}
	return nil
}

// RecoverStuck returns expired processing items to pending, bumping their
// retry count. A single conditional update; no read-then-write.
func (r *ItemRepo) RecoverStuck(ctx domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.RecoverStuck")
	defer span.End()

	cutoff := now.Add(-threshold)
	q := `UPDATE items
		SET status='pending', assigned_to=NULL, assigned_at=NULL,
			retry_count=retry_count+1, last_retry_at=$1,
			last_error='assignment expired; reclaimed by recovery', updated_at=$1
		WHERE status='processing' AND assigned_at < $2
		RETURNING ` + itemColumns
	rows, err := r.Pool.Query(ctx, q, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=item.recover_stuck: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.recover_stuck: %w", err)
	}
	span.SetAttributes(attribute.Int("queue.recovered", len(items)))
	return items, nil
}

// MarkFailed moves an item to failed at its current stage, keeping it
// inspectable and resubmittable by operators.
func (r *ItemRepo) MarkFailed(ctx domain.Context, itemID int64, errMsg string, now time.Time) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.MarkFailed")
	defer span.End()

	q := `UPDATE items SET status='failed', assigned_to=NULL, assigned_at=NULL,
		last_error=$2, processed_at=$3, updated_at=$3
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, itemID, errMsg, now)
	if err != nil {
		return fmt.Errorf("op=item.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=item.mark_failed: %w", domain.ErrNotFound)
	}
	return nil
}

// PriorArtifacts returns the latest artifact per stage preceding upTo.
func (r *ItemRepo) PriorArtifacts(ctx domain.Context, itemID int64, upTo domain.Stage) (map[domain.Stage]json.RawMessage, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.PriorArtifacts")
	defer span.End()

	stages := domain.PriorStages(upTo)
	if len(stages) == 0 {
		return map[domain.Stage]json.RawMessage{}, nil
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	q := `SELECT DISTINCT ON (stage) stage, payload FROM artifacts
		WHERE item_id=$1 AND stage = ANY($2)
		ORDER BY stage, created_at DESC`
	rows, err := r.Pool.Query(ctx, q, itemID, names)
	if err != nil {
		return nil, fmt.Errorf("op=item.prior_artifacts: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.Stage]json.RawMessage, len(stages))
	for rows.Next() {
		var stage domain.Stage
		var payload []byte
		if err := rows.Scan(&stage, &payload); err != nil {
			return nil, fmt.Errorf("op=item.prior_artifacts: %w", err)
		}
		out[stage] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=item.prior_artifacts: %w", err)
	}
	return out, nil
}

// History returns all artifacts for an item, oldest first.
func (r *ItemRepo) History(ctx domain.Context, itemID int64) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.History")
	defer span.End()

	q := `SELECT id, item_id, stage, payload, created_at FROM artifacts
		WHERE item_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, itemID)
	if err != nil {
		return nil, fmt.Errorf("op=item.history: %w", err)
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var payload []byte
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Stage, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=item.history: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=item.history: %w", err)
	}
	return out, nil
}

// CountByStageStatus aggregates queue stats per (stage, status).
func (r *ItemRepo) CountByStageStatus(ctx domain.Context) ([]domain.StageStatusCount, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.CountByStageStatus")
	defer span.End()

	q := `SELECT stage, status, COUNT(*), COALESCE(AVG(retry_count),0), MIN(created_at)
		FROM items GROUP BY stage, status ORDER BY stage, status`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=item.stats: %w", err)
	}
	defer rows.Close()
	var out []domain.StageStatusCount
	for rows.Next() {
		var c domain.StageStatusCount
		if err := rows.Scan(&c.Stage, &c.Status, &c.Count, &c.AvgRetryCount, &c.Oldest); err != nil {
			return nil, fmt.Errorf("op=item.stats: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=item.stats: %w", err)
	}
	return out, nil
}

// ListPending returns pending items for a stage in claim order.
func (r *ItemRepo) ListPending(ctx domain.Context, stage domain.Stage, limit int) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListPending")
	defer span.End()

	q := `SELECT ` + itemColumns + ` FROM items
		WHERE stage=$1 AND status='pending'
		ORDER BY COALESCE((metadata->>'priority')::int, 5) DESC, source_created_at ASC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, stage, capLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("op=item.list_pending: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.list_pending: %w", err)
	}
	return items, nil
}

// ListRejected returns terminally rejected items, most recent first.
func (r *ItemRepo) ListRejected(ctx domain.Context, limit int) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListRejected")
	defer span.End()

	q := `SELECT ` + itemColumns + ` FROM items
		WHERE stage='rejected' ORDER BY processed_at DESC NULLS LAST LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, capLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("op=item.list_rejected: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.list_rejected: %w", err)
	}
	return items, nil
}

// ListReady is the outbound posting view: post_queue items awaiting pickup,
// oldest first.
func (r *ItemRepo) ListReady(ctx domain.Context, limit int) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListReady")
	defer span.End()

	q := `SELECT ` + itemColumns + ` FROM items
		WHERE stage='post_queue' AND status='pending'
		ORDER BY processed_at ASC NULLS LAST LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, capLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("op=item.list_ready: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.list_ready: %w", err)
	}
	return items, nil
}

// ListStuck is the read-only stuck report; it never mutates state.
func (r *ItemRepo) ListStuck(ctx domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListStuck")
	defer span.End()

	q := `SELECT ` + itemColumns + ` FROM items
		WHERE status='processing' AND assigned_at < $1
		ORDER BY assigned_at ASC`
	rows, err := r.Pool.Query(ctx, q, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("op=item.list_stuck: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("op=item.list_stuck: %w", err)
	}
	return items, nil
}

// Resubmit returns a failed item to pending and resolves its active fallback
// events in one transaction.
func (r *ItemRepo) Resubmit(ctx domain.Context, itemID int64, now time.Time) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Resubmit")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=item.resubmit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE items
		SET status='pending', retry_count=0, last_retry_at=NULL, last_error='', updated_at=$2
		WHERE id=$1 AND status='failed'`, itemID, now)
	if err != nil {
		return fmt.Errorf("op=item.resubmit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=item.resubmit: %w: item %d is not failed", domain.ErrConflict, itemID)
	}
	if _, err := tx.Exec(ctx, `UPDATE fallback_events
		SET status='resolved', resolved_at=$2
		WHERE item_id=$1 AND status='active'`, itemID, now); err != nil {
		return fmt.Errorf("op=item.resubmit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=item.resubmit: %w", err)
	}
	return nil
}

// CompleteReady marks a posted item done. Only (post_queue, pending) rows
// qualify; anything else is a conflict so the caller learns the item moved.
func (r *ItemRepo) CompleteReady(ctx domain.Context, itemID int64, now time.Time) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.CompleteReady")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE items
		SET stage='completed', status='completed', processed_at=$2, updated_at=$2
		WHERE id=$1 AND stage='post_queue' AND status='pending'`, itemID, now)
	if err != nil {
		return fmt.Errorf("op=item.complete_ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=item.complete_ready: %w: item %d is not awaiting posting", domain.ErrConflict, itemID)
	}
	return nil
}

func capLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
