package httpserver_test

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/factline/internal/domain"
)

// fakeStore backs the control service with in-memory implementations of all
// four repository ports.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	items     map[int64]*domain.Item
	artifacts []domain.Artifact
	fallbacks []domain.FallbackEvent
	bindings  map[domain.Stage]domain.EndpointBinding
	settings  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:    map[int64]*domain.Item{},
		bindings: map[domain.Stage]domain.EndpointBinding{},
		settings: map[string]string{},
	}
}

func (f *fakeStore) add(it domain.Item) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	it.ID = f.nextID
	if it.Stage == "" {
		it.Stage = domain.StageTriage
	}
	if it.Status == "" {
		it.Status = domain.StatusPending
	}
	f.items[it.ID] = &it
	return it.ID
}

func (f *fakeStore) get(id int64) domain.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

// ItemRepository

func (f *fakeStore) Insert(_ domain.Context, n domain.NewItem) (int64, bool, error) {
	f.mu.Lock()
	for _, it := range f.items {
		if it.SourceID == n.SourceID {
			id := it.ID
			f.mu.Unlock()
			return id, false, nil
		}
	}
	f.mu.Unlock()
	id := f.add(domain.Item{
		SourceID: n.SourceID, Title: n.Title, Body: n.Body, URL: n.URL,
		SourceCreatedAt: n.SourceCreatedAt,
		Metadata:        map[string]any{"priority": float64(n.Priority)},
	})
	return id, true, nil
}

func (f *fakeStore) Get(_ domain.Context, id int64) (domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return *it, nil
}

func (f *fakeStore) ClaimPending(_ domain.Context, _ domain.ClaimRequest) ([]domain.Item, error) {
	return nil, nil
}

func (f *fakeStore) WriteArtifactAndTransition(_ domain.Context, _ int64, _ domain.Stage, _ json.RawMessage, _ domain.Directive, _ time.Time) error {
	return nil
}

func (f *fakeStore) RecoverStuck(_ domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-threshold)
	var out []domain.Item
	for _, it := range f.items {
		if it.Status == domain.StatusProcessing && it.AssignedAt != nil && it.AssignedAt.Before(cutoff) {
			it.Status = domain.StatusPending
			it.AssignedTo = nil
			it.AssignedAt = nil
			it.RetryCount++
			out = append(out, *it)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkFailed(_ domain.Context, itemID int64, errMsg string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	it.Status = domain.StatusFailed
	it.LastError = errMsg
	return nil
}

func (f *fakeStore) PriorArtifacts(_ domain.Context, _ int64, _ domain.Stage) (map[domain.Stage]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeStore) History(_ domain.Context, itemID int64) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Artifact
	for _, a := range f.artifacts {
		if a.ItemID == itemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) CountByStageStatus(_ domain.Context) ([]domain.StageStatusCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.Stage]map[domain.Status]int64{}
	for _, it := range f.items {
		if counts[it.Stage] == nil {
			counts[it.Stage] = map[domain.Status]int64{}
		}
		counts[it.Stage][it.Status]++
	}
	var out []domain.StageStatusCount
	for stage, byStatus := range counts {
		for status, n := range byStatus {
			out = append(out, domain.StageStatusCount{Stage: stage, Status: status, Count: n})
		}
	}
	return out, nil
}

func (f *fakeStore) listWhere(pred func(domain.Item) bool) []domain.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Item
	for _, it := range f.items {
		if pred(*it) {
			out = append(out, *it)
		}
	}
	return out
}

func (f *fakeStore) ListPending(_ domain.Context, stage domain.Stage, _ int) ([]domain.Item, error) {
	return f.listWhere(func(it domain.Item) bool {
		return it.Stage == stage && it.Status == domain.StatusPending
	}), nil
}

func (f *fakeStore) ListRejected(_ domain.Context, _ int) ([]domain.Item, error) {
	return f.listWhere(func(it domain.Item) bool { return it.Stage == domain.StageRejected }), nil
}

func (f *fakeStore) ListReady(_ domain.Context, _ int) ([]domain.Item, error) {
	return f.listWhere(func(it domain.Item) bool {
		return it.Stage == domain.StagePostQueue && it.Status == domain.StatusPending
	}), nil
}

func (f *fakeStore) ListStuck(_ domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	cutoff := now.Add(-threshold)
	return f.listWhere(func(it domain.Item) bool {
		return it.Status == domain.StatusProcessing && it.AssignedAt != nil && it.AssignedAt.Before(cutoff)
	}), nil
}

func (f *fakeStore) Resubmit(_ domain.Context, itemID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Status != domain.StatusFailed {
		return domain.ErrConflict
	}
	it.Status = domain.StatusPending
	it.RetryCount = 0
	it.LastError = ""
	for i := range f.fallbacks {
		if f.fallbacks[i].ItemID == itemID && f.fallbacks[i].Status == "active" {
			f.fallbacks[i].Status = "resolved"
			resolved := now
			f.fallbacks[i].ResolvedAt = &resolved
		}
	}
	return nil
}

func (f *fakeStore) CompleteReady(_ domain.Context, itemID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Stage != domain.StagePostQueue || it.Status != domain.StatusPending {
		return domain.ErrConflict
	}
	it.Stage = domain.StageCompleted
	it.Status = domain.StatusCompleted
	it.ProcessedAt = &now
	return nil
}

// EndpointRepository

func (f *fakeStore) Upsert(_ domain.Context, b domain.EndpointBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.bindings[b.Stage]; ok {
		b.Paused = prev.Paused
	}
	f.bindings[b.Stage] = b
	return nil
}

func (f *fakeStore) GetBinding(_ domain.Context, stage domain.Stage) (domain.EndpointBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[stage]
	if !ok {
		return domain.EndpointBinding{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) List(_ domain.Context) ([]domain.EndpointBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EndpointBinding
	for _, b := range f.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) SetPause(_ domain.Context, stage domain.Stage, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[stage]
	if !ok {
		return domain.ErrNotFound
	}
	b.Paused = paused
	f.bindings[stage] = b
	return nil
}

func (f *fakeStore) GetPause(_ domain.Context, stage domain.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[stage]
	if !ok {
		return true, nil
	}
	return b.Paused, nil
}

// SettingRepository

func (f *fakeStore) UpsertSetting(_ domain.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeStore) GetSetting(_ domain.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) All(_ domain.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

// FallbackRepository

func (f *fakeStore) Append(_ domain.Context, itemID int64, stage domain.Stage, reason domain.FallbackReason, detail string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, domain.FallbackEvent{
		ID: int64(len(f.fallbacks) + 1), ItemID: itemID, Stage: stage,
		Reason: reason, Detail: detail, Status: "active", CreatedAt: now,
	})
	return nil
}

func (f *fakeStore) ListFallbacks(_ domain.Context, _ int) ([]domain.FallbackEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FallbackEvent(nil), f.fallbacks...), nil
}

// Port views. fakeStore methods collide across interfaces, so each port gets
// a thin named view.

type itemsView struct{ *fakeStore }

type endpointsView struct{ *fakeStore }

func (v endpointsView) Get(ctx domain.Context, stage domain.Stage) (domain.EndpointBinding, error) {
	return v.GetBinding(ctx, stage)
}

type settingsView struct{ *fakeStore }

func (v settingsView) Upsert(ctx domain.Context, key, value string) error {
	return v.UpsertSetting(ctx, key, value)
}

func (v settingsView) Get(ctx domain.Context, key string) (string, error) {
	return v.GetSetting(ctx, key)
}

type fallbacksView struct{ *fakeStore }

func (v fallbacksView) List(ctx domain.Context, limit int) ([]domain.FallbackEvent, error) {
	return v.ListFallbacks(ctx, limit)
}
