// CLAUDE:SUMMARY Hydration scheduler types: targets, strategies, client signals, collaborator interfaces.

// Package hydrate schedules interactive-enhancement work for delivered page
// content. A session groups the hydration targets of one page instance; the
// scheduler picks a scheduling algorithm from client signals, orders runnable
// targets by it, and executes them under a concurrency cap. Lazy-load targets
// follow a separate per-content-type queue with projected loading cost.
package hydrate

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

// Target strategies. The strategy gates when a target becomes runnable; the
// session's scheduling algorithm decides order among runnable targets.
const (
	StrategyImmediate    = "immediate"
	StrategyVisible      = "visible"
	StrategyInteraction  = "interaction"
	StrategyIdle         = "idle"
	StrategyNetworkAware = "network_aware"
)

// Scheduling algorithms.
const (
	AlgoPriorityFirst    = "priority_first"
	AlgoVisibilityBased  = "visibility_based"
	AlgoNetworkAware     = "network_aware"
	AlgoBatteryConscious = "battery_conscious"
	AlgoAdaptive         = "adaptive"
)

// TargetStatus is a target's lifecycle state.
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetHydrating TargetStatus = "hydrating"
	TargetHydrated  TargetStatus = "hydrated"
	TargetError     TargetStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s TargetStatus) Terminal() bool {
	return s == TargetHydrated || s == TargetError
}

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

var (
	ErrSessionNotFound   = errors.New("hydrate: session not found")
	ErrSessionClosed     = errors.New("hydrate: session closed")
	ErrTooManySessions   = errors.New("hydrate: session limit reached")
	ErrInvalidTarget     = errors.New("hydrate: invalid target")
	ErrUnknownDependency = errors.New("hydrate: unknown dependency")
)

// ClientSignals are the device and network hints a session is created with.
// BatteryLevel is a 0..1 fraction as reported by battery APIs; zero means
// unknown and never counts as low.
type ClientSignals struct {
	SaveData        bool    `json:"save_data"`
	BatteryLevel    float64 `json:"battery_level"`
	BatteryCharging bool    `json:"battery_charging"`
	ConnectionType  string  `json:"connection_type"`
	BandwidthMbps   float64 `json:"bandwidth_mbps"`
}

// lowBattery is the discharge fraction below which battery-conscious
// scheduling is selected.
const lowBattery = 0.2

func (s ClientSignals) batteryLow() bool {
	return s.BatteryLevel > 0 && s.BatteryLevel < lowBattery && !s.BatteryCharging
}

// constrained reports whether the network is too poor for opportunistic
// work: data saver on, a 2G-class connection, or sub-Mbps bandwidth.
func (s ClientSignals) constrained() bool {
	if s.SaveData {
		return true
	}
	switch s.ConnectionType {
	case "slow-2g", "2g":
		return true
	}
	return s.BandwidthMbps > 0 && s.BandwidthMbps < 1.0
}

// TargetSpec describes a hydration target at registration time.
type TargetSpec struct {
	// ElementID names the DOM element or component instance to hydrate.
	ElementID string `json:"element_id"`

	Strategy string `json:"strategy"`

	// Priority orders runnable targets, 0..10. Out-of-range values are
	// clamped.
	Priority int `json:"priority"`

	// Dependencies are IDs of already-registered targets that must be
	// hydrated first.
	Dependencies []string `json:"dependencies,omitempty"`

	// VisibilityThreshold applies to visible-strategy targets: the
	// intersection ratio that makes the target runnable. Defaults to 0.25.
	VisibilityThreshold float64 `json:"visibility_threshold,omitempty"`
}

// Target is a snapshot of one hydration target.
type Target struct {
	ID                  string       `json:"id"`
	SessionID           string       `json:"session_id"`
	ElementID           string       `json:"element_id"`
	Strategy            string       `json:"strategy"`
	Priority            int          `json:"priority"`
	Dependencies        []string     `json:"dependencies,omitempty"`
	VisibilityThreshold float64      `json:"visibility_threshold,omitempty"`
	Status              TargetStatus  `json:"status"`
	Err                 string        `json:"error,omitempty"`
	RegisteredAt        time.Time     `json:"registered_at"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
	Duration            time.Duration `json:"duration,omitempty"`
}

// LazyProfile is the projected cost of loading one lazy target of a content
// type.
type LazyProfile struct {
	PayloadBytes int64         `json:"payload_bytes"`
	LoadDuration time.Duration `json:"load_duration"`
}

// DefaultLazyProfiles returns the built-in per-content-type cost model.
// Unknown types fall back to the "default" entry.
func DefaultLazyProfiles() map[string]LazyProfile {
	return map[string]LazyProfile{
		"image":     {PayloadBytes: 150 << 10, LoadDuration: 200 * time.Millisecond},
		"video":     {PayloadBytes: 2 << 20, LoadDuration: 800 * time.Millisecond},
		"iframe":    {PayloadBytes: 300 << 10, LoadDuration: 400 * time.Millisecond},
		"component": {PayloadBytes: 50 << 10, LoadDuration: 150 * time.Millisecond},
		"data":      {PayloadBytes: 25 << 10, LoadDuration: 100 * time.Millisecond},
		"default":   {PayloadBytes: 100 << 10, LoadDuration: 250 * time.Millisecond},
	}
}

// LazyStatus is a lazy target's lifecycle state.
type LazyStatus string

const (
	LazyPending LazyStatus = "pending"
	LazyLoading LazyStatus = "loading"
	LazyLoaded  LazyStatus = "loaded"
)

// LazyTarget is a snapshot of one lazy-load queue entry.
type LazyTarget struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	ContentType  string        `json:"content_type"`
	ElementID    string        `json:"element_id"`
	PayloadBytes int64         `json:"payload_bytes"`
	EstDuration  time.Duration `json:"est_duration"`
	Status       LazyStatus    `json:"status"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	LoadedAt     time.Time     `json:"loaded_at"`
}

// Hydrator performs the actual enhancement work for one target: loading the
// component bundle, attaching handlers. Implementations must be safe for
// concurrent use; the scheduler calls Hydrate from multiple goroutines up to
// the concurrency cap.
type Hydrator interface {
	Hydrate(ctx context.Context, t Target) error
}

// HydratorFunc adapts a function to the Hydrator interface.
type HydratorFunc func(ctx context.Context, t Target) error

func (f HydratorFunc) Hydrate(ctx context.Context, t Target) error { return f(ctx, t) }

// SimulatedHydrator stands in for real component loading. Each call sleeps
// BaseDelay, longer for lower priorities. A negative BaseDelay disables the
// sleep.
type SimulatedHydrator struct {
	BaseDelay time.Duration
}

func (h SimulatedHydrator) Hydrate(ctx context.Context, t Target) error {
	d := h.BaseDelay
	if d == 0 {
		d = 25 * time.Millisecond
	}
	if d < 0 {
		return ctx.Err()
	}
	d += time.Duration(10-t.Priority) * d / 10
	return tick.Sleep(ctx, d)
}

// VisibilityProvider reports intersection ratio changes for an element. The
// returned cancel stops observation. Implementations call fn from their own
// goroutine whenever the ratio changes; the scheduler tolerates duplicate and
// out-of-order reports.
type VisibilityProvider interface {
	Observe(elementID string, threshold float64, fn func(ratio float64)) (cancel func(), err error)
}

// IdleScheduler invokes fn once the host becomes idle. The returned cancel
// revokes a pending callback.
type IdleScheduler interface {
	OnIdle(fn func()) (cancel func(), err error)
}

// ScoreFunc supplies the live performance score (0..100) the adaptive
// algorithm re-selects by. Nil means a healthy 100.
type ScoreFunc func() float64
