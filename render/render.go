// CLAUDE:SUMMARY Render session types: requests, chunks, statuses, collaborator interfaces.
// Package render owns the render-strategy state machine and chunk generation.
// A Manager holds every active render session; each session runs one of four
// strategies (streaming, chunked, progressive_hydration, lazy_load) emitting
// an ordered chunk log with strictly increasing sequence numbers.
//
// The external validator, dependency graph, and content cache are
// collaborators consumed through narrow interfaces; nil collaborators
// disable their checks.
package render

import (
	"context"
	"errors"
	"time"
)

// Render strategies.
const (
	StrategyStreaming            = "streaming"
	StrategyChunked              = "chunked"
	StrategyProgressiveHydration = "progressive_hydration"
	StrategyLazyLoad             = "lazy_load"
)

// Chunk types.
const (
	ChunkSkeleton = "skeleton"
	ChunkPartial  = "partial"
	ChunkFinal    = "final"
	ChunkMetadata = "metadata"
	ChunkError    = "error"
)

// Status is a render session's lifecycle state. Transitions are monotone:
// initializing → rendering → {completed | failed | cancelled}.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRendering    Status = "rendering"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Safety levels controlling how validation failures are handled.
const (
	LevelStrict     = "strict"
	LevelBalanced   = "balanced"
	LevelPermissive = "permissive"
)

// Connection speeds.
const (
	SpeedSlow   = "slow"
	SpeedMedium = "medium"
	SpeedFast   = "fast"
)

var (
	ErrSessionNotFound          = errors.New("render: session not found")
	ErrInvalidRequest           = errors.New("render: invalid request")
	ErrTooManySessions          = errors.New("render: session limit reached")
	ErrInconsistentDependencies = errors.New("render: dependency consistency check failed")
	ErrBadTransition            = errors.New("render: invalid status transition")
	ErrChunkValidation          = errors.New("render: chunk failed validation")
)

// ClientProfile captures the client signals the render strategies react to.
type ClientProfile struct {
	ConnectionSpeed string `json:"connection_speed" yaml:"connection_speed"` // slow | medium | fast
	DeviceClass     string `json:"device_class" yaml:"device_class"`
}

// SafetyRequirements select which per-session and per-chunk checks run.
type SafetyRequirements struct {
	// CrossPageConsistency runs the dependency consistency check before the
	// session starts and again per chunk.
	CrossPageConsistency bool `json:"cross_page_consistency" yaml:"cross_page_consistency"`

	// ValidateEachChunk invokes the external validator on every chunk.
	ValidateEachChunk bool `json:"validate_each_chunk" yaml:"validate_each_chunk"`

	// FallbackOnError emits a single cached/static fallback chunk when the
	// strategy fails, instead of ending with nothing.
	FallbackOnError bool `json:"fallback_on_error" yaml:"fallback_on_error"`

	// Level decides whether a failed validation aborts the session (strict)
	// or is only recorded (balanced, permissive).
	Level string `json:"level" yaml:"level"`
}

// Request describes one render to perform.
type Request struct {
	PageID   string             `json:"page_id" yaml:"page_id"`
	WidgetID string             `json:"widget_id" yaml:"widget_id"`
	Strategy string             `json:"strategy" yaml:"strategy"`
	Client   ClientProfile      `json:"client" yaml:"client"`
	Safety   SafetyRequirements `json:"safety" yaml:"safety"`
}

// SafetyResult is the per-chunk outcome of validation and consistency checks.
type SafetyResult struct {
	Validated  bool     `json:"validated"`
	Valid      bool     `json:"valid"`
	Issues     []string `json:"issues,omitempty"`
	Checked    bool     `json:"checked"` // consistency check ran
	Consistent bool     `json:"consistent"`
	Score      float64  `json:"score"`
}

// ChunkMetrics records generation cost for one chunk.
type ChunkMetrics struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Duration    time.Duration `json:"duration"`
	SizeBytes   int           `json:"size_bytes"`
}

// Chunk is one atomic unit of progressively rendered content. Immutable once
// produced.
type Chunk struct {
	SessionID string        `json:"session_id"`
	Seq       int           `json:"seq"`
	Type      string        `json:"type"`
	Payload   []byte        `json:"payload"`
	Fallback  bool          `json:"fallback,omitempty"`
	Safety    *SafetyResult `json:"safety,omitempty"`
	Metrics   ChunkMetrics  `json:"metrics"`
}

// ChunkSink receives chunks in sequence order. Deliver returning an error is
// treated as a render failure for the emitting session.
type ChunkSink interface {
	Deliver(ctx context.Context, c Chunk) error
}

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(ctx context.Context, c Chunk) error

func (f SinkFunc) Deliver(ctx context.Context, c Chunk) error { return f(ctx, c) }

// Validation is the content validator's verdict.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Validator approves or rejects rendered fragments. External collaborator.
type Validator interface {
	Validate(ctx context.Context, pageID, widgetID string) (Validation, error)
}

// Dependencies lists pages affected by / affecting a page.
type Dependencies struct {
	Incoming []string `json:"incoming"`
	Outgoing []string `json:"outgoing"`
}

// Consistency is the dependency graph's page-consistency verdict.
type Consistency struct {
	Consistent bool     `json:"consistent"`
	Issues     []string `json:"issues,omitempty"`
	Score      float64  `json:"score"`
}

// DependencyGraph reports cross-page dependency state. External collaborator.
type DependencyGraph interface {
	Dependencies(ctx context.Context, pageID string) (Dependencies, error)
	CheckConsistency(ctx context.Context, pageID string) (Consistency, error)
}

// CacheReader serves previously rendered fragments for fallback chunks.
// External collaborator; the fragcache package provides implementations.
type CacheReader interface {
	Cached(ctx context.Context, pageID, widgetID string) ([]byte, bool, error)
}

// SessionSnapshot is an immutable view of one session.
type SessionSnapshot struct {
	ID              string        `json:"id"`
	PageID          string        `json:"page_id"`
	WidgetID        string        `json:"widget_id"`
	Strategy        string        `json:"strategy"`
	Status          Status        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	EstimatedChunks int           `json:"estimated_chunks"`
	GeneratedChunks int           `json:"generated_chunks"`
	Violations      int           `json:"violations"`
	LastError       string        `json:"last_error,omitempty"`
	Progress        float64       `json:"progress"` // 0..100
	Elapsed         time.Duration `json:"elapsed"`
}
