// CLAUDE:SUMMARY Cross-page safety monitor: context state machine, violations, periodic safety checks.

// Package safety enforces rendering consistency across page navigations. A
// safety context is created per user navigation session and tracks the
// render, stream, and hydration sessions active for the current page. Locks
// reserve resources for bounded durations, barriers gate progress on
// conditions, and fallback triggers convert violation bursts into recovery
// content.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

// Context states. The lifecycle is loading -> transitioning -> stable;
// unsafe is reachable from any state on a serious violation.
const (
	StateLoading       = "loading"
	StateTransitioning = "transitioning"
	StateStable        = "stable"
	StateUnsafe        = "unsafe"
)

// Safety levels govern navigation handling.
const (
	LevelStrict     = "strict"
	LevelBalanced   = "balanced"
	LevelPermissive = "permissive"
)

// Violation severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Well-known violation types. RecordViolation accepts free-form types too.
const (
	ViolationNavigationCollision = "navigation_collision"
	ViolationLockExpired         = "lock_expired"
	ViolationBarrierTimeout      = "barrier_timeout"
	ViolationStaleNavigation     = "stale_navigation"
	ViolationConsistency         = "consistency_failure"
)

// Lock scopes.
const (
	ScopePage   = "page"
	ScopeWidget = "widget"
	ScopeGlobal = "global"
)

// Fallback recovery actions.
const (
	ActionStaticContent = "static_content"
	ActionCachedContent = "cached_content"
	ActionPreviousState = "previous_state"
)

var (
	ErrContextNotFound     = errors.New("safety: context not found")
	ErrTooManyContexts     = errors.New("safety: context limit reached")
	ErrBadTransition       = errors.New("safety: invalid state transition")
	ErrNavigationCollision = errors.New("safety: navigation collision")
	ErrInvalidRequest      = errors.New("safety: invalid request")
	ErrLockNotFound        = errors.New("safety: lock not found")
	ErrLockHeld            = errors.New("safety: resource locked by higher priority holder")
	ErrBarrierNotFound     = errors.New("safety: barrier not found")
	ErrBarrierTimeout      = errors.New("safety: barrier timed out")
	ErrTriggerNotFound     = errors.New("safety: fallback trigger not found")
)

// Violation is a recorded safety breach.
type Violation struct {
	ID        string    `json:"id"`
	ContextID string    `json:"context_id"`
	PageID    string    `json:"page_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Impact    string    `json:"impact,omitempty"`
	Details   string    `json:"details,omitempty"`
	At        time.Time `json:"at"`
}

// Context is a snapshot of one safety context.
type Context struct {
	ID                string    `json:"id"`
	UserSessionID     string    `json:"user_session_id"`
	PageID            string    `json:"page_id"`
	Level             string    `json:"level"`
	State             string    `json:"state"`
	RenderSessions    []string  `json:"render_sessions,omitempty"`
	StreamSessions    []string  `json:"stream_sessions,omitempty"`
	HydrationSessions []string  `json:"hydration_sessions,omitempty"`
	Violations        int       `json:"violations"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// safetyContext is the mutable record behind a Context snapshot.
type safetyContext struct {
	id            string
	userSessionID string
	pageID        string
	level         string
	state         string
	renders       []string
	streams       []string
	hydrations    []string
	violations    []Violation
	fallbacks     []FallbackResult
	createdAt     time.Time
	updatedAt     time.Time
}

func (c *safetyContext) midNavigation() bool {
	return c.state == StateLoading || c.state == StateTransitioning
}

// SessionController lets the monitor act on render and stream sessions
// during navigation cleanup and lock auto-release. A nil controller reduces
// cleanup to list clearing.
type SessionController interface {
	// CancelRender cancels one render session.
	CancelRender(ctx context.Context, sessionID string) error

	// CompleteStream gracefully completes one stream session.
	CompleteStream(ctx context.Context, sessionID string) error

	// RenderActive reports whether a render session is still producing
	// chunks.
	RenderActive(ctx context.Context, sessionID string) bool
}

// ContentCache supplies cached page content for cached_content recovery.
type ContentCache interface {
	GetCached(ctx context.Context, pageID string) (string, bool)
}

// Config configures a Monitor.
type Config struct {
	// Level is the default safety level for contexts created without one.
	Level string `yaml:"level"`

	// MaxContexts caps contexts held in memory, active and retained.
	MaxContexts int `yaml:"max_contexts"`

	// Retention keeps stable and unsafe contexts queryable before the
	// sweep removes them.
	Retention time.Duration `yaml:"retention"`

	// SafetyCheckInterval is the lock-expiry/barrier-timeout tick cadence.
	SafetyCheckInterval time.Duration `yaml:"safety_check_interval"`

	// ConsistencyCheckInterval is the stale-navigation tick cadence.
	ConsistencyCheckInterval time.Duration `yaml:"consistency_check_interval"`

	// StaleNavigation marks contexts mid-navigation longer than this as
	// violations on the consistency tick.
	StaleNavigation time.Duration `yaml:"stale_navigation"`

	// LockMaxDuration bounds locks that do not set their own.
	LockMaxDuration time.Duration `yaml:"lock_max_duration"`

	// BarrierTimeout bounds barriers that do not set their own.
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`

	// FallbackCooldown is the default re-fire guard for triggers.
	FallbackCooldown time.Duration `yaml:"fallback_cooldown"`

	// StaticFallback is the content served by static_content recovery and
	// by cache misses.
	StaticFallback string `yaml:"static_fallback"`

	Logger       *slog.Logger    `yaml:"-"`
	Clock        tick.Clock      `yaml:"-"`
	IDs          idgen.Generator `yaml:"-"`
	LockIDs      idgen.Generator `yaml:"-"`
	BarrierIDs   idgen.Generator `yaml:"-"`
	TriggerIDs   idgen.Generator `yaml:"-"`
	ViolationIDs idgen.Generator `yaml:"-"`

	// Sessions drives navigation cleanup and render-complete auto-release.
	Sessions SessionController `yaml:"-"`

	// Cache backs cached_content recovery.
	Cache ContentCache `yaml:"-"`

	// OnViolation is invoked for every recorded violation, after state
	// updates. Must not block.
	OnViolation func(Violation) `yaml:"-"`
}

func (c *Config) defaults() {
	switch c.Level {
	case LevelStrict, LevelBalanced, LevelPermissive:
	default:
		c.Level = LevelBalanced
	}
	if c.MaxContexts <= 0 {
		c.MaxContexts = 128
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.SafetyCheckInterval <= 0 {
		c.SafetyCheckInterval = 5 * time.Second
	}
	if c.ConsistencyCheckInterval <= 0 {
		c.ConsistencyCheckInterval = 15 * time.Second
	}
	if c.StaleNavigation <= 0 {
		c.StaleNavigation = 30 * time.Second
	}
	if c.LockMaxDuration <= 0 {
		c.LockMaxDuration = 30 * time.Second
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = 10 * time.Second
	}
	if c.FallbackCooldown <= 0 {
		c.FallbackCooldown = time.Minute
	}
	if c.StaticFallback == "" {
		c.StaticFallback = `<div class="esq-safe-fallback"><p>Content temporarily unavailable.</p></div>`
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("sc_", idgen.Default)
	}
	if c.LockIDs == nil {
		c.LockIDs = idgen.Prefixed("lk_", idgen.Default)
	}
	if c.BarrierIDs == nil {
		c.BarrierIDs = idgen.Prefixed("br_", idgen.Default)
	}
	if c.TriggerIDs == nil {
		c.TriggerIDs = idgen.Prefixed("ft_", idgen.Default)
	}
	if c.ViolationIDs == nil {
		c.ViolationIDs = idgen.Prefixed("vl_", idgen.Default)
	}
}

// Monitor owns every safety context, lock, barrier, and fallback trigger in
// the process. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock

	mu       sync.RWMutex
	contexts map[string]*safetyContext
	byUser   map[string]string // user session -> context id
	pages    map[string]*crossPageState

	locks    *lockTable
	barriers map[string]*barrier
	triggers map[string]*fallbackTrigger

	totalContexts   atomic.Int64
	totalViolations atomic.Int64
	totalLocks      atomic.Int64
	totalBarriers   atomic.Int64
	totalFallbacks  atomic.Int64
}

// NewMonitor creates a Monitor with the given configuration.
func NewMonitor(cfg Config) *Monitor {
	cfg.defaults()
	m := &Monitor{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		contexts: make(map[string]*safetyContext),
		byUser:   make(map[string]string),
		pages:    make(map[string]*crossPageState),
		barriers: make(map[string]*barrier),
		triggers: make(map[string]*fallbackTrigger),
	}
	m.locks = newLockTable(m)
	return m
}

// CreateContext opens a safety context for one user navigation session. If
// the user session already has a context still mid-navigation, the existing
// context is kept, a navigation_collision violation is recorded against it,
// and ErrNavigationCollision is returned alongside its snapshot. A context
// whose navigation finished is replaced normally.
func (m *Monitor) CreateContext(userSessionID, pageID, level string) (Context, error) {
	if userSessionID == "" || pageID == "" {
		return Context{}, fmt.Errorf("%w: user session and page required", ErrInvalidRequest)
	}
	switch level {
	case LevelStrict, LevelBalanced, LevelPermissive:
	case "":
		level = m.cfg.Level
	default:
		return Context{}, fmt.Errorf("%w: unknown safety level %q", ErrInvalidRequest, level)
	}

	m.mu.Lock()
	if prevID, ok := m.byUser[userSessionID]; ok {
		if prev, ok := m.contexts[prevID]; ok && prev.midNavigation() {
			prevPage, prevState := prev.pageID, prev.state
			m.mu.Unlock()
			v := m.RecordViolation(prevID, ViolationNavigationCollision, SeverityHigh,
				"concurrent navigation for user session",
				fmt.Sprintf("new navigation to %s while %s still %s", pageID, prevPage, prevState))
			snap, _ := m.GetContext(prevID)
			m.logger.Warn("safety: navigation collision",
				"context_id", prevID, "user_session_id", userSessionID,
				"page_id", pageID, "violation_id", v.ID)
			return snap, ErrNavigationCollision
		}
	}
	if len(m.contexts) >= m.cfg.MaxContexts {
		m.mu.Unlock()
		return Context{}, fmt.Errorf("%w: %d contexts", ErrTooManyContexts, m.cfg.MaxContexts)
	}

	now := m.clock.Now()
	c := &safetyContext{
		id:            m.cfg.IDs(),
		userSessionID: userSessionID,
		pageID:        pageID,
		level:         level,
		state:         StateLoading,
		createdAt:     now,
		updatedAt:     now,
	}
	m.contexts[c.id] = c
	m.byUser[userSessionID] = c.id
	snap := m.snapshotLocked(c)
	m.mu.Unlock()

	m.totalContexts.Add(1)
	m.logger.Info("safety: context created",
		"context_id", c.id, "user_session_id", userSessionID,
		"page_id", pageID, "level", level)
	return snap, nil
}

// AttachRender records a render session as active on the context.
func (m *Monitor) AttachRender(contextID, sessionID string) error {
	return m.attach(contextID, sessionID, func(c *safetyContext, id string) {
		c.renders = append(c.renders, id)
	})
}

// AttachStream records a stream session as active on the context.
func (m *Monitor) AttachStream(contextID, sessionID string) error {
	return m.attach(contextID, sessionID, func(c *safetyContext, id string) {
		c.streams = append(c.streams, id)
	})
}

// AttachHydration records a hydration session as active on the context.
func (m *Monitor) AttachHydration(contextID, sessionID string) error {
	return m.attach(contextID, sessionID, func(c *safetyContext, id string) {
		c.hydrations = append(c.hydrations, id)
	})
}

func (m *Monitor) attach(contextID, sessionID string, add func(*safetyContext, string)) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[contextID]
	if !ok {
		return ErrContextNotFound
	}
	add(c, sessionID)
	c.updatedAt = m.clock.Now()
	return nil
}

// BeginTransition moves a context from loading to transitioning.
func (m *Monitor) BeginTransition(contextID string) error {
	return m.transition(contextID, StateLoading, StateTransitioning)
}

// MarkStable moves a context from transitioning to stable.
func (m *Monitor) MarkStable(contextID string) error {
	return m.transition(contextID, StateTransitioning, StateStable)
}

func (m *Monitor) transition(contextID, from, to string) error {
	m.mu.Lock()
	c, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return ErrContextNotFound
	}
	if c.state != from {
		state := c.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (context is %s)", ErrBadTransition, from, to, state)
	}
	c.state = to
	c.updatedAt = m.clock.Now()
	m.mu.Unlock()

	m.logger.Debug("safety: context transition",
		"context_id", contextID, "from", from, "to", to)
	return nil
}

// MarkUnsafe forces a context into the unsafe state. Reachable from any
// state; idempotent.
func (m *Monitor) MarkUnsafe(contextID, reason string) error {
	m.mu.Lock()
	c, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return ErrContextNotFound
	}
	already := c.state == StateUnsafe
	c.state = StateUnsafe
	c.updatedAt = m.clock.Now()
	m.mu.Unlock()

	if !already {
		m.logger.Warn("safety: context marked unsafe", "context_id", contextID, "reason", reason)
	}
	return nil
}

// RecordViolation appends a violation to the context, escalates high and
// critical severities to the unsafe state, notifies the violation hook, and
// evaluates the context's fallback triggers.
func (m *Monitor) RecordViolation(contextID, vtype, severity, impact, details string) Violation {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		severity = SeverityMedium
	}

	m.mu.Lock()
	c, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return Violation{}
	}
	now := m.clock.Now()
	v := Violation{
		ID:        m.cfg.ViolationIDs(),
		ContextID: contextID,
		PageID:    c.pageID,
		Type:      vtype,
		Severity:  severity,
		Impact:    impact,
		Details:   details,
		At:        now,
	}
	c.violations = append(c.violations, v)
	c.updatedAt = now
	if severity == SeverityHigh || severity == SeverityCritical {
		c.state = StateUnsafe
	}
	count := len(c.violations)
	m.mu.Unlock()

	m.totalViolations.Add(1)
	m.logger.Warn("safety: violation recorded",
		"context_id", contextID, "type", vtype, "severity", severity, "count", count)
	if m.cfg.OnViolation != nil {
		m.cfg.OnViolation(v)
	}
	m.evaluateTriggers(contextID)
	return v
}

// Violations returns the context's violation log in order.
func (m *Monitor) Violations(contextID string) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[contextID]
	if !ok {
		return nil, ErrContextNotFound
	}
	out := make([]Violation, len(c.violations))
	copy(out, c.violations)
	return out, nil
}

// GetContext returns a snapshot of one context.
func (m *Monitor) GetContext(contextID string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[contextID]
	if !ok {
		return Context{}, false
	}
	return m.snapshotLocked(c), true
}

// ContextForUser returns the user session's current context.
func (m *Monitor) ContextForUser(userSessionID string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userSessionID]
	if !ok {
		return Context{}, false
	}
	c, ok := m.contexts[id]
	if !ok {
		return Context{}, false
	}
	return m.snapshotLocked(c), true
}

// Contexts returns snapshots of every context, ordered by ID.
func (m *Monitor) Contexts() []Context {
	m.mu.RLock()
	out := make([]Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, m.snapshotLocked(c))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Monitor) snapshotLocked(c *safetyContext) Context {
	return Context{
		ID:                c.id,
		UserSessionID:     c.userSessionID,
		PageID:            c.pageID,
		Level:             c.level,
		State:             c.state,
		RenderSessions:    append([]string(nil), c.renders...),
		StreamSessions:    append([]string(nil), c.streams...),
		HydrationSessions: append([]string(nil), c.hydrations...),
		Violations:        len(c.violations),
		CreatedAt:         c.createdAt,
		UpdatedAt:         c.updatedAt,
	}
}

// SafetyCheck is one pass of the fast safety tick: expire overdue locks,
// resolve render-complete auto-releases, time out barriers, and evaluate
// elapsed-time fallback triggers. Returns the number of state changes made.
// Run calls it periodically; tests call it directly.
func (m *Monitor) SafetyCheck(ctx context.Context) int {
	changes := m.locks.check(ctx)
	changes += m.checkBarriers()
	changes += m.checkElapsedTriggers()
	return changes
}

// ConsistencyCheck is one pass of the slow consistency tick: contexts stuck
// mid-navigation past the stale window get a stale_navigation violation.
// Returns the number of violations recorded.
func (m *Monitor) ConsistencyCheck(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.cfg.StaleNavigation)

	m.mu.RLock()
	var stale []string
	for id, c := range m.contexts {
		if c.midNavigation() && c.createdAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.RecordViolation(id, ViolationStaleNavigation, SeverityMedium,
			"navigation exceeded stale window", "")
	}
	return len(stale)
}

// Sweep removes stable and unsafe contexts idle past the retention window,
// along with their triggers. Returns the number removed.
func (m *Monitor) Sweep(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	removed := 0
	for id, c := range m.contexts {
		if !c.midNavigation() && c.updatedAt.Before(cutoff) {
			delete(m.contexts, id)
			if m.byUser[c.userSessionID] == id {
				delete(m.byUser, c.userSessionID)
			}
			removed++
		}
	}
	if removed > 0 {
		for id, tr := range m.triggers {
			if _, ok := m.contexts[tr.contextID]; !ok {
				delete(m.triggers, id)
			}
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("safety: swept contexts", "removed", removed)
	}
	return removed
}

// Run drives the safety, consistency, and sweep ticks until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	safety := time.NewTicker(m.cfg.SafetyCheckInterval)
	defer safety.Stop()
	consistency := time.NewTicker(m.cfg.ConsistencyCheckInterval)
	defer consistency.Stop()
	sweep := time.NewTicker(m.cfg.Retention)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-safety.C:
			m.SafetyCheck(ctx)
		case <-consistency.C:
			m.ConsistencyCheck(ctx)
		case <-sweep.C:
			m.Sweep(ctx)
		}
	}
}

// Stats are cumulative monitor counters plus live gauge counts.
type Stats struct {
	ActiveContexts  int   `json:"active_contexts"`
	ActiveLocks     int   `json:"active_locks"`
	WaitingBarriers int   `json:"waiting_barriers"`
	TotalContexts   int64 `json:"total_contexts"`
	TotalViolations int64 `json:"total_violations"`
	TotalLocks      int64 `json:"total_locks"`
	TotalBarriers   int64 `json:"total_barriers"`
	TotalFallbacks  int64 `json:"total_fallbacks"`
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	active := 0
	for _, c := range m.contexts {
		if c.midNavigation() {
			active++
		}
	}
	waiting := 0
	for _, b := range m.barriers {
		if b.status == BarrierWaiting {
			waiting++
		}
	}
	m.mu.RUnlock()

	return Stats{
		ActiveContexts:  active,
		ActiveLocks:     m.locks.activeCount(),
		WaitingBarriers: waiting,
		TotalContexts:   m.totalContexts.Load(),
		TotalViolations: m.totalViolations.Load(),
		TotalLocks:      m.totalLocks.Load(),
		TotalBarriers:   m.totalBarriers.Load(),
		TotalFallbacks:  m.totalFallbacks.Load(),
	}
}
