package pipeline_test

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/factline/internal/domain"
)

// memStore is an in-memory ItemRepository plus FallbackRepository used to
// exercise the worker loop without a database. It mirrors the store's
// transition semantics, including the terminal-stage conflict guard.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	items     map[int64]*domain.Item
	artifacts []domain.Artifact
	fallbacks []domain.FallbackEvent
}

func newMemStore() *memStore {
	return &memStore{items: map[int64]*domain.Item{}}
}

func (m *memStore) add(it domain.Item) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	it.ID = m.nextID
	if it.Stage == "" {
		it.Stage = domain.StageTriage
	}
	if it.Status == "" {
		it.Status = domain.StatusPending
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	m.items[it.ID] = &it
	return it.ID
}

func (m *memStore) get(id int64) domain.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) Insert(_ domain.Context, n domain.NewItem) (int64, bool, error) {
	m.mu.Lock()
	for _, it := range m.items {
		if it.SourceID == n.SourceID {
			id := it.ID
			m.mu.Unlock()
			return id, false, nil
		}
	}
	m.mu.Unlock()
	id := m.add(domain.Item{
		SourceID:        n.SourceID,
		Title:           n.Title,
		Body:            n.Body,
		SourceCreatedAt: n.SourceCreatedAt,
		Metadata:        map[string]any{"priority": float64(n.Priority)},
	})
	return id, true, nil
}

func (m *memStore) Get(_ domain.Context, id int64) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return *it, nil
}

func (m *memStore) ClaimPending(_ domain.Context, req domain.ClaimRequest) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*domain.Item
	for _, it := range m.items {
		if it.Stage != req.Stage {
			continue
		}
		pendingReady := it.Status == domain.StatusPending &&
			(it.LastRetryAt == nil || it.LastRetryAt.Before(req.Now.Add(-req.RetryBackoff)))
		staleProcessing := it.Status == domain.StatusProcessing &&
			it.AssignedAt != nil && it.AssignedAt.Before(req.StaleCutoff)
		if pendingReady || staleProcessing {
			candidates = append(candidates, it)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		pa, pb := candidates[a].Priority(), candidates[b].Priority()
		if pa != pb {
			return pa > pb
		}
		return candidates[a].SourceCreatedAt.Before(candidates[b].SourceCreatedAt)
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}
	out := make([]domain.Item, 0, len(candidates))
	for _, it := range candidates {
		it.Status = domain.StatusProcessing
		worker := req.WorkerID
		now := req.Now
		it.AssignedTo = &worker
		it.AssignedAt = &now
		out = append(out, *it)
	}
	return out, nil
}

func (m *memStore) WriteArtifactAndTransition(_ domain.Context, itemID int64, stage domain.Stage, payload json.RawMessage, d domain.Directive, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Stage != stage || it.Status != domain.StatusProcessing {
		return fmt.Errorf("item %d not processing at %s: %w", itemID, stage, domain.ErrConflict)
	}
	switch d.Kind {
	case domain.DirectiveAdvance:
		it.Stage = d.Next
		it.Status = domain.StatusPending
		it.RetryCount = 0
		it.LastRetryAt = nil
		it.LastError = ""
	case domain.DirectiveReject:
		it.Stage = domain.StageRejected
		it.Status = domain.StatusRejected
	case domain.DirectiveComplete:
		it.Stage = domain.StageCompleted
		it.Status = domain.StatusCompleted
	case domain.DirectiveRetry:
		it.Status = domain.StatusPending
		it.RetryCount++
		it.LastRetryAt = &now
		it.LastError = d.Reason
	}
	it.AssignedTo = nil
	it.AssignedAt = nil
	it.ProcessedAt = &now
	m.artifacts = append(m.artifacts, domain.Artifact{
		ID: int64(len(m.artifacts) + 1), ItemID: itemID, Stage: stage, Payload: payload, CreatedAt: now,
	})
	return nil
}

func (m *memStore) RecoverStuck(_ domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-threshold)
	var out []domain.Item
	for _, it := range m.items {
		if it.Status == domain.StatusProcessing && it.AssignedAt != nil && it.AssignedAt.Before(cutoff) {
			it.Status = domain.StatusPending
			it.AssignedTo = nil
			it.AssignedAt = nil
			it.RetryCount++
			it.LastRetryAt = &now
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memStore) MarkFailed(_ domain.Context, itemID int64, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	it.Status = domain.StatusFailed
	it.LastError = errMsg
	it.AssignedTo = nil
	it.AssignedAt = nil
	it.ProcessedAt = &now
	return nil
}

func (m *memStore) PriorArtifacts(_ domain.Context, itemID int64, upTo domain.Stage) (map[domain.Stage]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.Stage]json.RawMessage{}
	for _, stage := range domain.PriorStages(upTo) {
		for _, a := range m.artifacts {
			if a.ItemID == itemID && a.Stage == stage {
				out[stage] = a.Payload
			}
		}
	}
	return out, nil
}

func (m *memStore) History(_ domain.Context, itemID int64) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Artifact
	for _, a := range m.artifacts {
		if a.ItemID == itemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CountByStageStatus(_ domain.Context) ([]domain.StageStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.Stage]map[domain.Status]int64{}
	for _, it := range m.items {
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

func (m *memStore) listWhere(pred func(domain.Item) bool) []domain.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Item
	for _, it := range m.items {
		if pred(*it) {
			out = append(out, *it)
		}
	}
	return out
}

func (m *memStore) ListPending(_ domain.Context, stage domain.Stage, _ int) ([]domain.Item, error) {
	return m.listWhere(func(it domain.Item) bool {
		return it.Stage == stage && it.Status == domain.StatusPending
	}), nil
}

func (m *memStore) ListRejected(_ domain.Context, _ int) ([]domain.Item, error) {
	return m.listWhere(func(it domain.Item) bool { return it.Stage == domain.StageRejected }), nil
}

func (m *memStore) ListReady(_ domain.Context, _ int) ([]domain.Item, error) {
	return m.listWhere(func(it domain.Item) bool {
		return it.Stage == domain.StagePostQueue && it.Status == domain.StatusPending
	}), nil
}

func (m *memStore) ListStuck(_ domain.Context, now time.Time, threshold time.Duration) ([]domain.Item, error) {
	cutoff := now.Add(-threshold)
	return m.listWhere(func(it domain.Item) bool {
		return it.Status == domain.StatusProcessing && it.AssignedAt != nil && it.AssignedAt.Before(cutoff)
	}), nil
}

func (m *memStore) Resubmit(_ domain.Context, itemID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Status != domain.StatusFailed {
		return domain.ErrConflict
	}
	it.Status = domain.StatusPending
	it.RetryCount = 0
	it.LastRetryAt = nil
	it.LastError = ""
	for i := range m.fallbacks {
		if m.fallbacks[i].ItemID == itemID && m.fallbacks[i].Status == "active" {
			m.fallbacks[i].Status = "resolved"
			resolved := now
			m.fallbacks[i].ResolvedAt = &resolved
		}
	}
	return nil
}

func (m *memStore) CompleteReady(_ domain.Context, itemID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
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

func (m *memStore) Append(_ domain.Context, itemID int64, stage domain.Stage, reason domain.FallbackReason, detail string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, domain.FallbackEvent{
		ID: int64(len(m.fallbacks) + 1), ItemID: itemID, Stage: stage,
		Reason: reason, Detail: detail, Status: "active", CreatedAt: now,
	})
	return nil
}

func (m *memStore) List(_ domain.Context, _ int) ([]domain.FallbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FallbackEvent(nil), m.fallbacks...), nil
}

// staticEndpoints is a fixed EndpointSource.
type staticEndpoints struct {
	mu      sync.Mutex
	binding domain.EndpointBinding
	paused  bool
}

func (s *staticEndpoints) Snapshot(_ domain.Context, _ domain.Stage) (domain.EndpointBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding.BaseURL == "" {
		return domain.EndpointBinding{}, domain.ErrNotFound
	}
	return s.binding, nil
}

func (s *staticEndpoints) GetPause(_ domain.Context, _ domain.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, nil
}

// mapSettings is a fixed SettingRepository.
type mapSettings map[string]string

func (m mapSettings) Upsert(_ domain.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m mapSettings) Get(_ domain.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m mapSettings) All(_ domain.Context) (map[string]string, error) { return m, nil }
