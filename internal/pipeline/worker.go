// Package pipeline runs the stage worker pools: claim, dispatch to a
// handler, commit the resulting transition, recover what gets stuck.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/domain"
)

// EndpointSource provides the per-iteration binding and pause snapshot.
type EndpointSource interface {
	Snapshot(ctx domain.Context, stage domain.Stage) (domain.EndpointBinding, error)
	GetPause(ctx domain.Context, stage domain.Stage) (bool, error)
}

// Deps bundles what every worker needs.
type Deps struct {
	Items     domain.ItemRepository
	Endpoints EndpointSource
	Settings  domain.SettingRepository
	Fallbacks domain.FallbackRepository
	Registry  *Registry
	Searcher  Searcher

	// HandlerGrace pads the binding timeout so the transition write can land
	// after the handler's deadline fires.
	HandlerGrace time.Duration
}

// StageWorker drives one stage's claim loop. Each iteration re-reads the
// pause flag, the settings, and the endpoint binding, so control API changes
// take effect without restarts.
type StageWorker struct {
	stage    domain.Stage
	deps     Deps
	workerID string

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewStageWorker constructs a worker for one stage.
func NewStageWorker(stage domain.Stage, deps Deps) *StageWorker {
	if deps.HandlerGrace <= 0 {
		deps.HandlerGrace = 10 * time.Second
	}
	return &StageWorker{
		stage:    stage,
		deps:     deps,
		workerID: string(stage) + "-" + uuid.NewString(),
	}
}

// Run loops until ctx is cancelled, then drains in-flight attempts for up to
// drainTimeout. Abandoned attempts are reclaimed by the recovery sweep.
func (w *StageWorker) Run(ctx context.Context, drainTimeout time.Duration) {
	log := slog.With(slog.String("stage", string(w.stage)), slog.String("worker_id", w.workerID))
	log.Info("stage worker started")
	for {
		interval := w.iterate(ctx, log)
		select {
		case <-ctx.Done():
			w.drain(log, drainTimeout)
			return
		case <-time.After(interval):
		}
	}
}

// iterate runs one loop pass and returns how long to sleep before the next.
func (w *StageWorker) iterate(ctx context.Context, log *slog.Logger) time.Duration {
	raw, err := w.deps.Settings.All(ctx)
	if err != nil {
		log.Warn("settings snapshot failed; using defaults", slog.Any("error", err))
	}
	settings := domain.ParseQueueSettings(raw)
	interval := settings.PollInterval(w.stage)

	paused, err := w.deps.Endpoints.GetPause(ctx, w.stage)
	if err != nil {
		log.Warn("pause check failed", slog.Any("error", err))
		return interval
	}
	if paused {
		return interval
	}

	binding, err := w.deps.Endpoints.Snapshot(ctx, w.stage)
	if err != nil {
		log.Warn("no endpoint binding; stage idle", slog.Any("error", err))
		return interval
	}

	slots := binding.MaxConcurrent - int(w.inFlight.Load())
	if slots <= 0 {
		return interval
	}

	now := time.Now().UTC()
	items, err := w.deps.Items.ClaimPending(ctx, domain.ClaimRequest{
		Stage:        w.stage,
		Limit:        slots,
		Now:          now,
		StaleCutoff:  now.Add(-settings.StuckThreshold),
		RetryBackoff: settings.RetryTimeout,
		WorkerID:     w.workerID,
	})
	if err != nil {
		log.Error("claim failed", slog.Any("error", err))
		return interval
	}
	for _, item := range items {
		observability.ItemsClaimedTotal.WithLabelValues(string(w.stage)).Inc()
		if item.RetryCount > settings.MaxRetryAttempts {
			w.exhaust(ctx, log, item)
			continue
		}
		w.inFlight.Add(1)
		w.wg.Add(1)
		go func(it domain.Item) {
			defer w.wg.Done()
			defer w.inFlight.Add(-1)
			w.process(it, binding)
		}(item)
	}
	return interval
}

// exhaust moves an item over the retry budget to failed and records the
// fallback event operators act on.
func (w *StageWorker) exhaust(ctx context.Context, log *slog.Logger, item domain.Item) {
	now := time.Now().UTC()
	detail := fmt.Sprintf("retry %d exceeds budget; last error: %s", item.RetryCount, item.LastError)
	if err := w.deps.Items.MarkFailed(ctx, item.ID, detail, now); err != nil {
		log.Error("mark failed errored", slog.Int64("item_id", item.ID), slog.Any("error", err))
		return
	}
	if err := w.deps.Fallbacks.Append(ctx, item.ID, w.stage, domain.ReasonRetryExhausted, detail, now); err != nil {
		log.Error("fallback append errored", slog.Int64("item_id", item.ID), slog.Any("error", err))
	}
	observability.FallbackEventsTotal.WithLabelValues(string(w.stage), string(domain.ReasonRetryExhausted)).Inc()
	log.Warn("item exhausted retries",
		slog.Int64("item_id", item.ID),
		slog.Int("retry_count", item.RetryCount))
}

// process runs one attempt end to end. The handler gets a deadline of the
// binding timeout; the transition write runs on a fresh context so it still
// lands when the handler deadline has fired.
func (w *StageWorker) process(item domain.Item, binding domain.EndpointBinding) {
	log := slog.With(
		slog.String("stage", string(w.stage)),
		slog.Int64("item_id", item.ID),
		slog.String("worker_id", w.workerID))
	observability.ItemsInFlight.WithLabelValues(string(w.stage)).Inc()
	defer observability.ItemsInFlight.WithLabelValues(string(w.stage)).Dec()
	start := time.Now()
	defer func() {
		observability.HandlerDuration.WithLabelValues(string(w.stage)).Observe(time.Since(start).Seconds())
	}()

	attemptCtx, cancel := context.WithTimeout(context.Background(), binding.Timeout)
	defer cancel()

	tools := NewTools(item, w.stage, w.deps.Searcher)
	var runErr error
	prior, err := w.deps.Items.PriorArtifacts(attemptCtx, item.ID, w.stage)
	if err != nil {
		runErr = err
	} else if handler, err := w.deps.Registry.Lookup(w.stage); err != nil {
		runErr = err
	} else {
		runErr = handler.Run(attemptCtx, item, prior, binding, tools)
	}

	directive, payload, decided := tools.Decided()
	if !decided {
		// No explicit decision: the attempt retries with a classified reason.
		reason := ClassifyFailure(runErr)
		detail := "handler returned no decision"
		if runErr != nil {
			detail = runErr.Error()
		}
		directive = domain.Retry(string(reason) + ": " + detail)
		payload, _ = json.Marshal(map[string]string{"error": detail, "reason": string(reason)})
		log.Warn("attempt failed; scheduling retry",
			slog.String("reason", string(reason)),
			slog.Any("error", runErr))
	} else if runErr != nil {
		// Decision recorded before the handler errored; the decision stands.
		log.Debug("handler errored after decision", slog.Any("error", runErr))
	}

	writeCtx, writeCancel := context.WithTimeout(context.Background(), w.deps.HandlerGrace)
	defer writeCancel()
	now := time.Now().UTC()
	if err := w.deps.Items.WriteArtifactAndTransition(writeCtx, item.ID, w.stage, payload, directive, now); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The item was reclaimed (recovery or another worker); that
			// attempt's result wins, ours is dropped.
			log.Warn("transition conflict; result dropped", slog.Any("error", err))
			return
		}
		log.Error("transition write failed", slog.Any("error", err))
		return
	}
	observability.StageTransitionsTotal.WithLabelValues(string(w.stage), string(directive.Kind)).Inc()
	log.Info("item transitioned",
		slog.String("directive", directive.String()),
		slog.Duration("took", time.Since(start)))
}

func (w *StageWorker) drain(log *slog.Logger, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("stage worker drained")
	case <-time.After(timeout):
		log.Warn("drain timeout; abandoning in-flight attempts",
			slog.Int64("in_flight", w.inFlight.Load()))
	}
}

// ClassifyFailure maps an attempt error onto the closed reason set.
func ClassifyFailure(err error) domain.FallbackReason {
	switch {
	case err == nil:
		return domain.ReasonModelProtocolError
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonDeadlineExceeded
	case errors.Is(err, domain.ErrRateLimited):
		return domain.ReasonToolRateLimited
	case errors.Is(err, domain.ErrUnavailable):
		return domain.ReasonEndpointUnreachable
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInternal), errors.Is(err, domain.ErrInvalidDirective):
		return domain.ReasonModelProtocolError
	default:
		return domain.ReasonEndpoint5xx
	}
}
