package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/config"
	"github.com/fairyhunter13/factline/internal/domain"
	"github.com/fairyhunter13/factline/internal/usecase"
)

// Server holds handler dependencies for the control and ingestion API.
type Server struct {
	Cfg      config.Config
	Control  *usecase.ControlService
	validate *validator.Validate
}

// NewServer constructs the API server.
func NewServer(cfg config.Config, control *usecase.ControlService) *Server {
	return &Server{Cfg: cfg, Control: control, validate: validator.New()}
}

// itemDTO is the wire shape of an item.
type itemDTO struct {
	ID              int64      `json:"id"`
	SourceID        string     `json:"source_id"`
	Title           string     `json:"title,omitempty"`
	Author          string     `json:"author,omitempty"`
	Body            string     `json:"body,omitempty"`
	URL             string     `json:"url,omitempty"`
	SourceCreatedAt time.Time  `json:"source_created_at"`
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	AssignedTo      *string    `json:"assigned_to,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toItemDTO(it domain.Item) itemDTO {
	return itemDTO{
		ID:              it.ID,
		SourceID:        it.SourceID,
		Title:           it.Title,
		Author:          it.Author,
		Body:            it.Body,
		URL:             it.URL,
		SourceCreatedAt: it.SourceCreatedAt,
		Stage:           string(it.Stage),
		Status:          string(it.Status),
		Priority:        it.Priority(),
		AssignedTo:      it.AssignedTo,
		AssignedAt:      it.AssignedAt,
		ProcessedAt:     it.ProcessedAt,
		LastError:       it.LastError,
		RetryCount:      it.RetryCount,
		CreatedAt:       it.CreatedAt,
	}
}

func toItemDTOs(items []domain.Item) []itemDTO {
	out := make([]itemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, toItemDTO(it))
	}
	return out
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func pathItemID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: item id must be a positive integer", domain.ErrInvalidArgument)
	}
	return id, nil
}

// IngestItem handles POST /v1/items: the idempotent ingestion write contract.
func (s *Server) IngestItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID        string    `json:"source_id" validate:"required,max=256"`
		Title           string    `json:"title" validate:"max=1024"`
		Author          string    `json:"author" validate:"max=256"`
		Body            string    `json:"body" validate:"required,max=65536"`
		URL             string    `json:"url" validate:"omitempty,url,max=2048"`
		SourceCreatedAt time.Time `json:"source_created_at"`
		Priority        int       `json:"priority" validate:"gte=0,lte=10"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	id, created, err := s.Control.Ingest(r.Context(), domain.NewItem{
		SourceID:        req.SourceID,
		Title:           req.Title,
		Author:          req.Author,
		Body:            req.Body,
		URL:             req.URL,
		SourceCreatedAt: req.SourceCreatedAt,
		Priority:        req.Priority,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	outcome := "duplicate"
	status := http.StatusOK
	if created {
		outcome = "created"
		status = http.StatusCreated
	}
	observability.ItemsIngestedTotal.WithLabelValues("http", outcome).Inc()
	writeJSON(w, status, map[string]any{"id": id, "created": created})
}

// QueueStatus handles GET /v1/queue/status.
func (s *Server) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Control.QueueStatus(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": status})
}

// QueueStats handles GET /v1/queue/stats.
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Control.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type row struct {
		Stage    string    `json:"stage"`
		Status   string    `json:"status"`
		Count    int64     `json:"count"`
		AvgRetry float64   `json:"avg_retry_count"`
		Oldest   time.Time `json:"oldest"`
	}
	rows := make([]row, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, row{string(c.Stage), string(c.Status), c.Count, c.AvgRetryCount, c.Oldest})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": rows})
}

// ListPending handles GET /v1/queue/pending/{stage}.
func (s *Server) ListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.Control.ListPending(r.Context(), domain.Stage(chi.URLParam(r, "stage")), queryLimit(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toItemDTOs(items)})
}

// ListRejected handles GET /v1/queue/rejected.
func (s *Server) ListRejected(w http.ResponseWriter, r *http.Request) {
	items, err := s.Control.ListRejected(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toItemDTOs(items)})
}

// ListFallbacks handles GET /v1/queue/fallbacks.
func (s *Server) ListFallbacks(w http.ResponseWriter, r *http.Request) {
	events, err := s.Control.ListFallbacks(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ItemHistory handles GET /v1/items/{id}/history.
func (s *Server) ItemHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathItemID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	item, artifacts, err := s.Control.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type artifactDTO struct {
		Stage     string          `json:"stage"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	arts := make([]artifactDTO, 0, len(artifacts))
	for _, a := range artifacts {
		arts = append(arts, artifactDTO{string(a.Stage), a.Payload, a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": toItemDTO(item), "artifacts": arts})
}

// PauseStage handles POST /v1/stages/{stage}/pause.
func (s *Server) PauseStage(w http.ResponseWriter, r *http.Request) {
	stage := domain.Stage(chi.URLParam(r, "stage"))
	if err := s.Control.PauseStage(r.Context(), stage); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "paused": true})
}

// ResumeStage handles POST /v1/stages/{stage}/resume.
func (s *Server) ResumeStage(w http.ResponseWriter, r *http.Request) {
	stage := domain.Stage(chi.URLParam(r, "stage"))
	if err := s.Control.ResumeStage(r.Context(), stage); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "paused": false})
}

// GetSettings handles GET /v1/settings.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	effective, raw, err := s.Control.AllSettings(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"effective": map[string]any{
			"retry_timeout_seconds":        int(effective.RetryTimeout.Seconds()),
			"max_retry_attempts":           effective.MaxRetryAttempts,
			"stuck_post_threshold_minutes": int(effective.StuckThreshold.Minutes()),
			"poll_intervals":               effective.PollIntervals,
		},
		"stored": raw,
	})
}

// UpdateSetting handles PUT /v1/settings/{key}.
func (s *Server) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value" validate:"required,max=64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	if err := s.Control.UpdateSetting(r.Context(), key, req.Value); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}

// bindingRequest is the wire shape of an endpoint binding write or probe.
type bindingRequest struct {
	Provider      string `json:"provider" validate:"required,oneof=hosted custom"`
	BaseURL       string `json:"base_url" validate:"required,url"`
	Model         string `json:"model" validate:"required,max=256"`
	MaxConcurrent int    `json:"max_concurrent" validate:"gte=0,lte=64"`
	TimeoutSec    int    `json:"timeout_seconds" validate:"gte=0,lte=3600"`
	AuthEnvKey    string `json:"auth_env_key" validate:"omitempty,max=128"`
}

func (s *Server) decodeBinding(r *http.Request, stage domain.Stage) (domain.EndpointBinding, error) {
	var req bindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.EndpointBinding{}, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.EndpointBinding{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	b := domain.EndpointBinding{
		Stage:         stage,
		Provider:      domain.ProviderKind(req.Provider),
		BaseURL:       req.BaseURL,
		Model:         req.Model,
		MaxConcurrent: req.MaxConcurrent,
		Timeout:       time.Duration(req.TimeoutSec) * time.Second,
		AuthEnvKey:    req.AuthEnvKey,
	}
	if b.Timeout <= 0 {
		b.Timeout = 60 * time.Second
	}
	return b, nil
}

// ListEndpoints handles GET /v1/endpoints.
func (s *Server) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.Control.ListBindings(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": toBindingDTOs(bindings)})
}

// UpsertEndpoint handles PUT /v1/endpoints/{stage}: live rebinding.
func (s *Server) UpsertEndpoint(w http.ResponseWriter, r *http.Request) {
	stage := domain.Stage(chi.URLParam(r, "stage"))
	b, err := s.decodeBinding(r, stage)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Control.UpsertBinding(r.Context(), b); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toBindingDTO(b))
}

// ProbeEndpoint handles POST /v1/endpoints/{stage}/probe. The candidate
// binding rides in the body and is never stored; failure is a structured
// result, not an HTTP error.
func (s *Server) ProbeEndpoint(w http.ResponseWriter, r *http.Request) {
	stage := domain.Stage(chi.URLParam(r, "stage"))
	if !domain.ValidStage(stage) {
		writeError(w, r, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidArgument, stage), nil)
		return
	}
	b, err := s.decodeBinding(r, stage)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.Control.ProbeBinding(r.Context(), b))
}

// StuckReport handles GET /v1/stuck.
func (s *Server) StuckReport(w http.ResponseWriter, r *http.Request) {
	items, err := s.Control.StuckReport(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toItemDTOs(items)})
}

// ResetStuck handles POST /v1/stuck/reset.
func (s *Server) ResetStuck(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.Control.ResetStuck(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": toItemDTOs(recovered)})
}

// ReloadRegistry handles POST /v1/registry/reload: re-applies the binding
// seed for stages missing a row, then returns the effective registry.
func (s *Server) ReloadRegistry(w http.ResponseWriter, r *http.Request) {
	seeds := config.DefaultBindings()
	if s.Cfg.EndpointsFile != "" {
		loaded, err := config.LoadBindingsFile(s.Cfg.EndpointsFile)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		seeds = loaded
	}
	applied, err := s.Control.SeedBindings(r.Context(), seeds)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	bindings, err := s.Control.ListBindings(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	slog.Info("registry reloaded", slog.Int("seeded", applied))
	writeJSON(w, http.StatusOK, map[string]any{"seeded": applied, "endpoints": toBindingDTOs(bindings)})
}

// ResubmitItem handles POST /v1/items/{id}/resubmit.
func (s *Server) ResubmitItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathItemID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Control.Resubmit(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "pending"})
}

// ListReady handles GET /v1/ready: the outbound posting view.
func (s *Server) ListReady(w http.ResponseWriter, r *http.Request) {
	items, err := s.Control.ListReady(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toItemDTOs(items)})
}

// CompleteReady handles POST /v1/ready/{id}/complete.
func (s *Server) CompleteReady(w http.ResponseWriter, r *http.Request) {
	id, err := pathItemID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Control.CompletePosted(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "completed"})
}

type bindingDTO struct {
	Stage         string    `json:"stage"`
	Provider      string    `json:"provider"`
	BaseURL       string    `json:"base_url"`
	Model         string    `json:"model"`
	MaxConcurrent int       `json:"max_concurrent"`
	TimeoutSec    int       `json:"timeout_seconds"`
	AuthEnvKey    string    `json:"auth_env_key,omitempty"`
	Paused        bool      `json:"paused"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toBindingDTO(b domain.EndpointBinding) bindingDTO {
	return bindingDTO{
		Stage:         string(b.Stage),
		Provider:      string(b.Provider),
		BaseURL:       b.BaseURL,
		Model:         b.Model,
		MaxConcurrent: b.MaxConcurrent,
		TimeoutSec:    int(b.Timeout.Seconds()),
		AuthEnvKey:    b.AuthEnvKey,
		Paused:        b.Paused,
		UpdatedAt:     b.UpdatedAt,
	}
}

func toBindingDTOs(bindings []domain.EndpointBinding) []bindingDTO {
	out := make([]bindingDTO, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toBindingDTO(b))
	}
	return out
}
