// Package domain defines the pipeline entities, transition directives,
// repository ports, and the error taxonomy shared by all adapters.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyDecided   = errors.New("result already written for this attempt")
	ErrInvalidDirective = errors.New("invalid directive")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUnavailable      = errors.New("endpoint unavailable")
	ErrInternal         = errors.New("internal error")
)

// Stage names a step in the pipeline. The four agent stages each have a
// worker loop and an endpoint binding; post_queue, completed, and rejected
// are terminal from the orchestrator's point of view.
type Stage string

const (
	StageTriage    Stage = "triage"
	StageResearch  Stage = "research"
	StageResponse  Stage = "response"
	StageEditorial Stage = "editorial"
	StagePostQueue Stage = "post_queue"
	StageCompleted Stage = "completed"
	StageRejected  Stage = "rejected"
)

// AgentStages returns the stages processed by LLM workers, in pipeline order.
func AgentStages() []Stage {
	return []Stage{StageTriage, StageResearch, StageResponse, StageEditorial}
}

// PriorStages returns the agent stages that run before s in pipeline order.
// Their latest artifacts form the context handed to s's handler.
func PriorStages(s Stage) []Stage {
	order := []Stage{StageTriage, StageResearch, StageResponse, StageEditorial, StagePostQueue}
	for i, st := range order {
		if st == s {
			return order[:i]
		}
	}
	return nil
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s Stage) bool {
	switch s {
	case StageTriage, StageResearch, StageResponse, StageEditorial,
		StagePostQueue, StageCompleted, StageRejected:
		return true
	}
	return false
}

// ValidNextStage reports whether s is a legal advance target.
func ValidNextStage(s Stage) bool {
	switch s {
	case StageResearch, StageResponse, StageEditorial, StagePostQueue:
		return true
	}
	return false
}

// Status is the queue status of an item within its current stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Item is a submission flowing through the pipeline.
// Invariants: Status == processing iff AssignedTo and AssignedAt are set;
// stage rejected implies status rejected; stage completed implies status completed.
type Item struct {
	ID              int64
	SourceID        string
	Title           string
	Author          string
	Body            string
	URL             string
	SourceCreatedAt time.Time
	Stage           Stage
	Status          Status
	AssignedTo      *string
	AssignedAt      *time.Time
	ProcessedAt     *time.Time
	LastRetryAt     *time.Time
	LastError       string
	RetryCount      int
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefaultPriority is assumed when an item's metadata carries no priority.
const DefaultPriority = 5

// Priority returns the claim priority from metadata, defaulting to 5.
func (it Item) Priority() int {
	if it.Metadata == nil {
		return DefaultPriority
	}
	switch v := it.Metadata["priority"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return DefaultPriority
}

// NewItem is the ingestion write contract: items are created at
// (stage=triage, status=pending, retry_count=0). Duplicate source ids
// are silently ignored.
type NewItem struct {
	SourceID        string
	Title           string
	Author          string
	Body            string
	URL             string
	SourceCreatedAt time.Time
	Priority        int
}

// Artifact is the structured output of one handler invocation, persisted
// append-only. The latest artifact per (item, stage) is authoritative.
type Artifact struct {
	ID        int64
	ItemID    int64
	Stage     Stage
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ProviderKind distinguishes endpoint authentication shapes.
type ProviderKind string

const (
	ProviderHosted ProviderKind = "hosted"
	ProviderCustom ProviderKind = "custom"
)

// ValidProvider reports whether k is a recognized provider kind.
func ValidProvider(k ProviderKind) bool {
	return k == ProviderHosted || k == ProviderCustom
}

// EndpointBinding is the per-stage endpoint configuration. Workers snapshot
// the current binding at the head of each loop iteration; the auth secret is
// resolved from the process environment at call time, never cached.
type EndpointBinding struct {
	Stage         Stage
	Provider      ProviderKind
	BaseURL       string
	Model         string
	MaxConcurrent int
	Timeout       time.Duration
	AuthEnvKey    string
	Paused        bool
	UpdatedAt     time.Time
}

// FallbackEvent records an item that needs operator attention.
type FallbackEvent struct {
	ID         int64
	ItemID     int64
	Stage      Stage
	Reason     FallbackReason
	Detail     string
	Status     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// FallbackReason is the closed set of recorded failure reasons.
type FallbackReason string

const (
	ReasonEndpointUnreachable FallbackReason = "endpoint_unreachable"
	ReasonDeadlineExceeded    FallbackReason = "deadline_exceeded"
	ReasonEndpoint5xx         FallbackReason = "endpoint_5xx"
	ReasonModelProtocolError  FallbackReason = "model_protocol_error"
	ReasonToolRateLimited     FallbackReason = "tool_rate_limited"
	ReasonRetryExhausted      FallbackReason = "retry_exhausted"
)

// StageStatusCount is one row of the queue stats aggregate.
type StageStatusCount struct {
	Stage         Stage
	Status        Status
	Count         int64
	AvgRetryCount float64
	Oldest        time.Time
}

// SearchResult is one parsed web-search hit returned to handlers.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Published   string `json:"published"`
}

// SearchOptions tunes a brave_web_search tool call.
type SearchOptions struct {
	Count      int
	Lang       string
	Country    string
	SafeSearch string
}

// Repositories (ports)

// ClaimRequest bundles the parameters of one atomic claim.
type ClaimRequest struct {
	Stage        Stage
	Limit        int
	Now          time.Time
	StaleCutoff  time.Time
	RetryBackoff time.Duration
	WorkerID     string
}

type ItemRepository interface {
	// Insert creates an item at (triage, pending); created is false when the
	// source id already exists.
	Insert(ctx Context, n NewItem) (id int64, created bool, err error)
	Get(ctx Context, id int64) (Item, error)
	// ClaimPending atomically selects and assigns up to Limit items that are
	// pending (outside the retry backoff window) or stale-processing, ordered
	// by priority DESC then source creation ASC.
	ClaimPending(ctx Context, req ClaimRequest) ([]Item, error)
	// WriteArtifactAndTransition appends an artifact and applies the directive
	// to the item within a single transaction.
	WriteArtifactAndTransition(ctx Context, itemID int64, stage Stage, payload json.RawMessage, d Directive, now time.Time) error
	// RecoverStuck returns processing items whose assignment expired to
	// pending, incrementing their retry count.
	RecoverStuck(ctx Context, now time.Time, threshold time.Duration) ([]Item, error)
	// MarkFailed puts an item into the failed status at its current stage.
	MarkFailed(ctx Context, itemID int64, errMsg string, now time.Time) error
	// PriorArtifacts returns the latest artifact payload per stage strictly
	// before upTo in pipeline order.
	PriorArtifacts(ctx Context, itemID int64, upTo Stage) (map[Stage]json.RawMessage, error)
	History(ctx Context, itemID int64) ([]Artifact, error)
	CountByStageStatus(ctx Context) ([]StageStatusCount, error)
	ListPending(ctx Context, stage Stage, limit int) ([]Item, error)
	ListRejected(ctx Context, limit int) ([]Item, error)
	ListReady(ctx Context, limit int) ([]Item, error)
	ListStuck(ctx Context, now time.Time, threshold time.Duration) ([]Item, error)
	// Resubmit returns a failed item to pending and resolves its active
	// fallback events in one transaction.
	Resubmit(ctx Context, itemID int64, now time.Time) error
	// CompleteReady marks a (post_queue, pending) item completed; used by the
	// outbound posting collaborator.
	CompleteReady(ctx Context, itemID int64, now time.Time) error
}

type EndpointRepository interface {
	Upsert(ctx Context, b EndpointBinding) error
	Get(ctx Context, stage Stage) (EndpointBinding, error)
	List(ctx Context) ([]EndpointBinding, error)
	SetPause(ctx Context, stage Stage, paused bool) error
	GetPause(ctx Context, stage Stage) (bool, error)
}

type SettingRepository interface {
	Upsert(ctx Context, key, value string) error
	Get(ctx Context, key string) (string, error)
	All(ctx Context) (map[string]string, error)
}

type FallbackRepository interface {
	Append(ctx Context, itemID int64, stage Stage, reason FallbackReason, detail string, now time.Time) error
	List(ctx Context, limit int) ([]FallbackEvent, error)
}

// Context is an alias so adapters and usecases share the std context type.
type Context = context.Context
