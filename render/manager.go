// CLAUDE:SUMMARY Render session manager: lifecycle, chunk estimates, retention sweep, stats.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/guard"
	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

// Config configures a Manager.
type Config struct {
	// MaxSessions caps sessions held in memory, active and retained.
	MaxSessions int `yaml:"max_sessions"`

	// Retention keeps terminal sessions queryable before the sweep removes
	// them.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is the Run loop's sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// BaseDelay is the inter-chunk delay at medium connection speed. The
	// effective delay is BaseDelay divided by the connection's speed factor,
	// plus ViolationDelay per accumulated violation (capped).
	BaseDelay         time.Duration `yaml:"base_delay"`
	ViolationDelay    time.Duration `yaml:"violation_delay"`
	MaxViolationDelay time.Duration `yaml:"max_violation_delay"`

	// BaseChunks is the per-strategy chunk count before speed scaling.
	BaseChunks map[string]int `yaml:"base_chunks"`

	// SpeedFactor scales chunk counts per connection speed.
	SpeedFactor map[string]float64 `yaml:"speed_factor"`

	MinChunks int `yaml:"min_chunks"`
	MaxChunks int `yaml:"max_chunks"`

	Logger *slog.Logger    `yaml:"-"`
	Clock  tick.Clock      `yaml:"-"`
	IDs    idgen.Generator `yaml:"-"`

	// Source produces chunk payloads. Defaults to StaticSource.
	Source ContentSource `yaml:"-"`

	// Optional collaborators; nil disables the corresponding checks.
	Validator Validator       `yaml:"-"`
	Graph     DependencyGraph `yaml:"-"`
	Cache     CacheReader     `yaml:"-"`

	// OnEvict receives a final snapshot of each session the sweep removes,
	// after it has left the session map. Invoked outside manager locks.
	OnEvict func(SessionSnapshot) `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 64
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	} else if c.BaseDelay == 0 {
		c.BaseDelay = 20 * time.Millisecond
	}
	if c.ViolationDelay <= 0 {
		c.ViolationDelay = 10 * time.Millisecond
	}
	if c.MaxViolationDelay <= 0 {
		c.MaxViolationDelay = 200 * time.Millisecond
	}
	if c.BaseChunks == nil {
		c.BaseChunks = map[string]int{
			StrategyStreaming:            8,
			StrategyChunked:              5,
			StrategyProgressiveHydration: 6,
			StrategyLazyLoad:             4,
		}
	}
	if c.SpeedFactor == nil {
		c.SpeedFactor = map[string]float64{
			SpeedSlow:   0.75,
			SpeedMedium: 1.0,
			SpeedFast:   1.25,
		}
	}
	if c.MinChunks <= 0 {
		c.MinChunks = 3
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("rs_", idgen.Default)
	}
	if c.Source == nil {
		c.Source = StaticSource{}
	}
}

type session struct {
	mu         sync.Mutex
	id         string
	req        Request
	status     Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	estimated  int
	chunks     []Chunk
	violations int
	lastError  string
}

// Manager owns every render session in the process. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock
	ids    idgen.Generator

	mu       sync.RWMutex
	sessions map[string]*session

	totalSessions  atomic.Int64
	totalChunks    atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		sessions: make(map[string]*session),
	}
}

// Initialize validates the request, runs the cross-page consistency
// precondition, and creates a session in status initializing. With
// cross-page consistency required, an inconsistent dependency report fails
// here, before any chunk exists.
func (m *Manager) Initialize(ctx context.Context, req Request) (SessionSnapshot, error) {
	if err := normalizeRequest(&req); err != nil {
		return SessionSnapshot{}, err
	}

	if req.Safety.CrossPageConsistency && m.cfg.Graph != nil {
		cons, err := m.cfg.Graph.CheckConsistency(ctx, req.PageID)
		if err != nil {
			return SessionSnapshot{}, fmt.Errorf("render: consistency precheck: %w", err)
		}
		if !cons.Consistent {
			return SessionSnapshot{}, fmt.Errorf("%w: page %s: %s",
				ErrInconsistentDependencies, req.PageID, strings.Join(cons.Issues, "; "))
		}
	}

	s := &session{
		id:        m.ids(),
		req:       req,
		status:    StatusInitializing,
		createdAt: m.clock.Now(),
		estimated: m.estimateChunks(req),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return SessionSnapshot{}, fmt.Errorf("%w: %d sessions", ErrTooManySessions, m.cfg.MaxSessions)
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.totalSessions.Add(1)
	m.logger.Info("render: session initialized",
		"session_id", s.id, "page_id", req.PageID, "strategy", req.Strategy,
		"estimated_chunks", s.estimated)
	return m.snapshotOf(s), nil
}

func normalizeRequest(req *Request) error {
	if req.PageID == "" {
		return fmt.Errorf("%w: page_id required", ErrInvalidRequest)
	}
	// Page and widget IDs end up in cache keys, history rows, and log
	// lines, so their shape is checked at the door.
	if err := guard.Identifier(req.PageID); err != nil {
		return fmt.Errorf("%w: page_id: %v", ErrInvalidRequest, err)
	}
	if req.WidgetID != "" {
		if err := guard.Identifier(req.WidgetID); err != nil {
			return fmt.Errorf("%w: widget_id: %v", ErrInvalidRequest, err)
		}
	}
	switch req.Strategy {
	case StrategyStreaming, StrategyChunked, StrategyProgressiveHydration, StrategyLazyLoad:
	case "":
		return fmt.Errorf("%w: strategy required", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	switch req.Client.ConnectionSpeed {
	case SpeedSlow, SpeedMedium, SpeedFast:
	case "":
		req.Client.ConnectionSpeed = SpeedMedium
	default:
		return fmt.Errorf("%w: unknown connection speed %q", ErrInvalidRequest, req.Client.ConnectionSpeed)
	}
	switch req.Safety.Level {
	case LevelStrict, LevelBalanced, LevelPermissive:
	case "":
		req.Safety.Level = LevelBalanced
	default:
		return fmt.Errorf("%w: unknown safety level %q", ErrInvalidRequest, req.Safety.Level)
	}
	return nil
}

// estimateChunks derives the expected chunk count from strategy base count
// and connection speed, clamped to [MinChunks, MaxChunks].
func (m *Manager) estimateChunks(req Request) int {
	base := m.cfg.BaseChunks[req.Strategy]
	factor, ok := m.cfg.SpeedFactor[req.Client.ConnectionSpeed]
	if !ok {
		factor = 1.0
	}
	n := int(math.Round(float64(base) * factor))
	if n < m.cfg.MinChunks {
		n = m.cfg.MinChunks
	}
	if n > m.cfg.MaxChunks {
		n = m.cfg.MaxChunks
	}
	return n
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (SessionSnapshot, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, false
	}
	return m.snapshotOf(s), true
}

// List returns snapshots of every session, ordered by creation (IDs are
// time-sortable).
func (m *Manager) List() []SessionSnapshot {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]SessionSnapshot, len(all))
	for i, s := range all {
		out[i] = m.snapshotOf(s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Chunks returns a copy of the session's ordered chunk log.
func (m *Manager) Chunks(sessionID string) ([]Chunk, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}

// Cancel stops a session and frees its chunk log immediately. Idempotent:
// cancelling a terminal session is a no-op success. The strategy loop
// observes the status change cooperatively.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil
	}
	s.status = StatusCancelled
	s.finishedAt = m.clock.Now()
	s.chunks = nil
	m.totalCancelled.Add(1)
	m.logger.Info("render: session cancelled", "session_id", sessionID)
	return nil
}

// Sweep removes terminal sessions past the retention window. Returns the
// number removed. Run calls it periodically; tests call it directly.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	removed := 0
	var evicted []SessionSnapshot
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.status.Terminal() && !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			if m.cfg.OnEvict != nil {
				evicted = append(evicted, m.snapshotOf(s))
			}
			delete(m.sessions, id)
			removed++
		}
	}
	m.mu.Unlock()

	for _, snap := range evicted {
		m.cfg.OnEvict(snap)
	}
	if removed > 0 {
		m.logger.Debug("render: swept sessions", "removed", removed)
	}
	return removed
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stats are cumulative manager counters plus the live session count.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	TotalSessions  int64 `json:"total_sessions"`
	TotalChunks    int64 `json:"total_chunks"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalCancelled int64 `json:"total_cancelled"`
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		if !s.status.Terminal() {
			active++
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	return Stats{
		ActiveSessions: active,
		TotalSessions:  m.totalSessions.Load(),
		TotalChunks:    m.totalChunks.Load(),
		TotalCompleted: m.totalCompleted.Load(),
		TotalFailed:    m.totalFailed.Load(),
		TotalCancelled: m.totalCancelled.Load(),
	}
}

func (m *Manager) snapshotOf(s *session) SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	progress := 0.0
	if s.estimated > 0 {
		progress = float64(len(s.chunks)) / float64(s.estimated) * 100
		if progress > 100 {
			progress = 100
		}
	}
	if s.status == StatusCompleted {
		progress = 100
	}

	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		end := s.finishedAt
		if end.IsZero() {
			end = m.clock.Now()
		}
		elapsed = end.Sub(s.startedAt)
	}

	return SessionSnapshot{
		ID:              s.id,
		PageID:          s.req.PageID,
		WidgetID:        s.req.WidgetID,
		Strategy:        s.req.Strategy,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		StartedAt:       s.startedAt,
		FinishedAt:      s.finishedAt,
		EstimatedChunks: s.estimated,
		GeneratedChunks: len(s.chunks),
		Violations:      s.violations,
		LastError:       s.lastError,
		Progress:        progress,
		Elapsed:         elapsed,
	}
}
