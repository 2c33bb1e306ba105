package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

// Config configures a Scheduler.
type Config struct {
	// MaxConcurrent caps simultaneously hydrating targets per session. The
	// scheduling algorithm may narrow it further.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Adaptive sets the score bands for adaptive algorithm re-selection.
	Adaptive AdaptiveConfig `yaml:"adaptive"`

	// LazyProfiles is the per-content-type lazy-load cost model. The
	// "default" entry covers unknown types.
	LazyProfiles map[string]LazyProfile `yaml:"lazy_profiles"`

	// QualifyingEvents are the interaction event names that trigger
	// interaction-strategy targets.
	QualifyingEvents []string `yaml:"qualifying_events"`

	// MaxSessions caps sessions held in memory, active and retained.
	MaxSessions int `yaml:"max_sessions"`

	// Retention keeps terminal sessions queryable before the sweep removes
	// them.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is the Run loop's sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Logger    *slog.Logger    `yaml:"-"`
	Clock     tick.Clock      `yaml:"-"`
	IDs       idgen.Generator `yaml:"-"`
	TargetIDs idgen.Generator `yaml:"-"`
	LazyIDs   idgen.Generator `yaml:"-"`

	// Hydrator performs the actual enhancement work. Defaults to
	// SimulatedHydrator.
	Hydrator Hydrator `yaml:"-"`

	// Optional collaborators; nil leaves the corresponding events to manual
	// RecordVisibility / SignalIdle calls.
	Visibility VisibilityProvider `yaml:"-"`
	Idle       IdleScheduler      `yaml:"-"`

	// Score supplies the live performance score for adaptive re-selection.
	Score ScoreFunc `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	c.Adaptive.defaults()
	if c.LazyProfiles == nil {
		c.LazyProfiles = DefaultLazyProfiles()
	}
	if c.QualifyingEvents == nil {
		c.QualifyingEvents = []string{"click", "focus", "keydown", "touchstart"}
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 64
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("hy_", idgen.Default)
	}
	if c.TargetIDs == nil {
		c.TargetIDs = idgen.Prefixed("ht_", idgen.Default)
	}
	if c.LazyIDs == nil {
		c.LazyIDs = idgen.Prefixed("lz_", idgen.Default)
	}
	if c.Hydrator == nil {
		c.Hydrator = SimulatedHydrator{}
	}
}

// Scheduler owns every hydration session in the process. Safe for concurrent
// use.
type Scheduler struct {
	cfg        Config
	logger     *slog.Logger
	clock      tick.Clock
	ids        idgen.Generator
	targetIDs  idgen.Generator
	lazyIDs    idgen.Generator
	hydrator   Hydrator
	visibility VisibilityProvider
	idle       IdleScheduler
	score      ScoreFunc
	qualifying map[string]struct{}

	mu       sync.RWMutex
	sessions map[string]*Session

	totalSessions   atomic.Int64
	totalTargets    atomic.Int64
	totalHydrated   atomic.Int64
	totalErrored    atomic.Int64
	totalLazyLoaded atomic.Int64
	totalCompleted  atomic.Int64
	totalCancelled  atomic.Int64
}

// NewScheduler creates a Scheduler with the given configuration.
func NewScheduler(cfg Config) *Scheduler {
	cfg.defaults()
	qualifying := make(map[string]struct{}, len(cfg.QualifyingEvents))
	for _, ev := range cfg.QualifyingEvents {
		qualifying[ev] = struct{}{}
	}
	return &Scheduler{
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		ids:        cfg.IDs,
		targetIDs:  cfg.TargetIDs,
		lazyIDs:    cfg.LazyIDs,
		hydrator:   cfg.Hydrator,
		visibility: cfg.Visibility,
		idle:       cfg.Idle,
		score:      cfg.Score,
		qualifying: qualifying,
		sessions:   make(map[string]*Session),
	}
}

func (sc *Scheduler) scoreNow() float64 {
	if sc.score == nil {
		return 100
	}
	return sc.score()
}

// Initialize creates a session for one page instance and assigns its
// scheduling algorithm from the client signals.
func (sc *Scheduler) Initialize(pageID string, signals ClientSignals) (*Session, error) {
	if pageID == "" {
		return nil, fmt.Errorf("%w: page_id required", ErrInvalidTarget)
	}
	if signals.BandwidthMbps < 0 {
		return nil, fmt.Errorf("%w: negative bandwidth", ErrInvalidTarget)
	}
	if signals.BatteryLevel < 0 {
		signals.BatteryLevel = 0
	}
	if signals.BatteryLevel > 1 {
		signals.BatteryLevel = 1
	}

	s := &Session{
		id:        sc.ids(),
		pageID:    pageID,
		algorithm: SelectAlgorithm(signals),
		sched:     sc,
		logger:    sc.logger,
		signals:   signals,
		status:    SessionActive,
		createdAt: sc.clock.Now(),
		targets:   make(map[string]*target),
		lazy:      make(map[string][]*lazyTarget),
		done:      make(chan struct{}),
	}

	sc.mu.Lock()
	if len(sc.sessions) >= sc.cfg.MaxSessions {
		sc.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions", ErrTooManySessions, sc.cfg.MaxSessions)
	}
	sc.sessions[s.id] = s
	sc.mu.Unlock()

	sc.totalSessions.Add(1)
	sc.logger.Info("hydrate: session initialized",
		"session_id", s.id, "page_id", pageID, "algorithm", s.algorithm)
	return s, nil
}

// Get returns a session by ID.
func (sc *Scheduler) Get(id string) (*Session, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	s, ok := sc.sessions[id]
	return s, ok
}

// List returns snapshots of every session, ordered by ID.
func (sc *Scheduler) List() []SessionSnapshot {
	sc.mu.RLock()
	all := make([]*Session, 0, len(sc.sessions))
	for _, s := range sc.sessions {
		all = append(all, s)
	}
	sc.mu.RUnlock()

	out := make([]SessionSnapshot, len(all))
	for i, s := range all {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Sweep removes terminal sessions past the retention window. Returns the
// number removed.
func (sc *Scheduler) Sweep(ctx context.Context) int {
	cutoff := sc.clock.Now().Add(-sc.cfg.Retention)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	removed := 0
	for id, s := range sc.sessions {
		s.mu.Lock()
		expired := s.status != SessionActive && !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(sc.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		sc.logger.Debug("hydrate: swept sessions", "removed", removed)
	}
	return removed
}

// Run sweeps expired sessions until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.Sweep(ctx)
		}
	}
}

// Stats are cumulative scheduler counters plus the live session count.
type Stats struct {
	ActiveSessions  int   `json:"active_sessions"`
	TotalSessions   int64 `json:"total_sessions"`
	TotalTargets    int64 `json:"total_targets"`
	TotalHydrated   int64 `json:"total_hydrated"`
	TotalErrored    int64 `json:"total_errored"`
	TotalLazyLoaded int64 `json:"total_lazy_loaded"`
	TotalCompleted  int64 `json:"total_completed"`
	TotalCancelled  int64 `json:"total_cancelled"`
}

// Stats returns a snapshot of scheduler counters.
func (sc *Scheduler) Stats() Stats {
	sc.mu.RLock()
	active := 0
	for _, s := range sc.sessions {
		s.mu.Lock()
		if s.status == SessionActive {
			active++
		}
		s.mu.Unlock()
	}
	sc.mu.RUnlock()

	return Stats{
		ActiveSessions:  active,
		TotalSessions:   sc.totalSessions.Load(),
		TotalTargets:    sc.totalTargets.Load(),
		TotalHydrated:   sc.totalHydrated.Load(),
		TotalErrored:    sc.totalErrored.Load(),
		TotalLazyLoaded: sc.totalLazyLoaded.Load(),
		TotalCompleted:  sc.totalCompleted.Load(),
		TotalCancelled:  sc.totalCancelled.Load(),
	}
}
