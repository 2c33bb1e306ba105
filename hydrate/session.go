package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

// target is the mutable scheduler-side record behind a Target snapshot.
type target struct {
	id           string
	elementID    string
	strategy     string
	priority     int
	deps         []string
	threshold    float64
	status       TargetStatus
	err          string
	registeredAt time.Time
	startedAt    time.Time
	finishedAt   time.Time
	duration     time.Duration

	lastRatio     float64
	interacted    bool
	cancelObserve func()
}

type lazyTarget struct {
	id          string
	contentType string
	elementID   string
	bytes       int64
	estDuration time.Duration
	status      LazyStatus
	enqueuedAt  time.Time
	loadedAt    time.Time
}

// Session groups the hydration targets of one page instance. Targets are
// registered with a strategy and priority; Start begins scheduling. Events
// (visibility reports, interactions, idle, signal updates) re-evaluate the
// queue. The session completes when every target is terminal.
type Session struct {
	id        string
	pageID    string
	algorithm string
	sched     *Scheduler
	logger    *slog.Logger

	mu           sync.Mutex
	signals      ClientSignals
	status       string
	started      bool
	createdAt    time.Time
	finishedAt   time.Time
	targets      map[string]*target
	order        []string
	lazy         map[string][]*lazyTarget
	inFlight     int
	idleSignaled bool
	successRate  float64
	ctx          context.Context
	cancelCtx    context.CancelFunc
	cancelIdle   func()
	done         chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PageID returns the page instance this session hydrates.
func (s *Session) PageID() string { return s.pageID }

// Algorithm returns the scheduling algorithm assigned at creation. For
// adaptive sessions this stays "adaptive"; the concrete pick varies per
// scheduling pass.
func (s *Session) Algorithm() string { return s.algorithm }

// Status returns the session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Register adds a hydration target. Dependencies must name targets already
// registered in this session, which keeps the dependency graph acyclic by
// construction. Registration is allowed before and after Start while the
// session is active.
func (s *Session) Register(spec TargetSpec) (Target, error) {
	if spec.ElementID == "" {
		return Target{}, fmt.Errorf("%w: element_id required", ErrInvalidTarget)
	}
	switch spec.Strategy {
	case StrategyImmediate, StrategyVisible, StrategyInteraction, StrategyIdle, StrategyNetworkAware:
	case "":
		spec.Strategy = StrategyImmediate
	default:
		return Target{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidTarget, spec.Strategy)
	}
	if spec.Priority < 0 {
		spec.Priority = 0
	}
	if spec.Priority > 10 {
		spec.Priority = 10
	}
	threshold := spec.VisibilityThreshold
	if spec.Strategy == StrategyVisible {
		if threshold <= 0 {
			threshold = 0.25
		}
		if threshold > 1 {
			threshold = 1
		}
	}

	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return Target{}, ErrSessionClosed
	}
	for _, dep := range spec.Dependencies {
		if _, ok := s.targets[dep]; !ok {
			s.mu.Unlock()
			return Target{}, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	t := &target{
		id:           s.sched.targetIDs(),
		elementID:    spec.ElementID,
		strategy:     spec.Strategy,
		priority:     spec.Priority,
		deps:         append([]string(nil), spec.Dependencies...),
		threshold:    threshold,
		status:       TargetPending,
		registeredAt: s.sched.clock.Now(),
	}
	s.targets[t.id] = t
	s.order = append(s.order, t.id)
	observe := s.started && t.strategy == StrategyVisible && s.sched.visibility != nil
	snap := s.targetSnapshotLocked(t)
	s.mu.Unlock()

	s.sched.totalTargets.Add(1)
	if observe {
		s.observeVisibility(t.id, spec.ElementID, threshold)
	}
	s.kick()
	return snap, nil
}

// Start begins scheduling. Visible-strategy targets are registered with the
// visibility provider and the idle hook is installed here. Starting twice is
// a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	type obs struct {
		id, element string
		threshold   float64
	}
	var toObserve []obs
	if s.sched.visibility != nil {
		for _, id := range s.order {
			t := s.targets[id]
			if t.strategy == StrategyVisible {
				toObserve = append(toObserve, obs{id: t.id, element: t.elementID, threshold: t.threshold})
			}
		}
	}
	s.mu.Unlock()

	for _, o := range toObserve {
		s.observeVisibility(o.id, o.element, o.threshold)
	}
	if s.sched.idle != nil {
		cancel, err := s.sched.idle.OnIdle(s.SignalIdle)
		if err != nil {
			s.logger.Warn("hydrate: idle hook failed", "session_id", s.id, "error", err)
		} else {
			s.mu.Lock()
			s.cancelIdle = cancel
			s.mu.Unlock()
		}
	}

	s.logger.Info("hydrate: session started",
		"session_id", s.id, "page_id", s.pageID,
		"algorithm", s.algorithm, "targets", len(s.order))
	s.kick()
	return nil
}

func (s *Session) observeVisibility(targetID, elementID string, threshold float64) {
	cancel, err := s.sched.visibility.Observe(elementID, threshold, func(ratio float64) {
		s.RecordVisibility(elementID, ratio)
	})
	if err != nil {
		s.logger.Warn("hydrate: visibility observe failed",
			"session_id", s.id, "element_id", elementID, "error", err)
		return
	}
	s.mu.Lock()
	if t, ok := s.targets[targetID]; ok {
		t.cancelObserve = cancel
	}
	s.mu.Unlock()
}

// kick fills free concurrency slots with the best runnable targets. Safe to
// call from any goroutine; every event handler funnels through it.
func (s *Session) kick() {
	for {
		score := s.sched.scoreNow()

		s.mu.Lock()
		if s.status != SessionActive || !s.started {
			s.mu.Unlock()
			return
		}
		algo := s.algorithm
		if algo == AlgoAdaptive {
			algo = s.sched.cfg.Adaptive.pick(score, s.signals)
		}
		limit := effectiveConcurrency(algo, s.sched.cfg.MaxConcurrent, s.signals)
		if s.inFlight >= limit {
			s.mu.Unlock()
			return
		}
		t := s.pickLocked(algo)
		if t == nil {
			s.mu.Unlock()
			return
		}
		t.status = TargetHydrating
		t.startedAt = s.sched.clock.Now()
		s.inFlight++
		snap := s.targetSnapshotLocked(t)
		ctx := s.ctx
		s.mu.Unlock()

		go s.runTarget(ctx, snap)
	}
}

// pickLocked returns the highest-ranked runnable target, ties going to the
// earlier registration.
func (s *Session) pickLocked(algo string) *target {
	var best *target
	var bestScore float64
	for _, id := range s.order {
		t := s.targets[id]
		if t.status != TargetPending || !s.depsReadyLocked(t) || !s.gateOpenLocked(t) {
			continue
		}
		score := rankTarget(algo, t)
		if best == nil || score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

func (s *Session) depsReadyLocked(t *target) bool {
	for _, dep := range t.deps {
		if d, ok := s.targets[dep]; !ok || d.status != TargetHydrated {
			return false
		}
	}
	return true
}

// gateOpenLocked applies the per-strategy eligibility gate.
func (s *Session) gateOpenLocked(t *target) bool {
	switch t.strategy {
	case StrategyVisible:
		return t.lastRatio >= t.threshold
	case StrategyInteraction:
		return t.interacted
	case StrategyIdle:
		return s.idleSignaled
	case StrategyNetworkAware:
		return !s.signals.constrained()
	default:
		return true
	}
}

func (s *Session) runTarget(ctx context.Context, snap Target) {
	start := s.sched.clock.Now()
	err := s.sched.hydrator.Hydrate(ctx, snap)
	end := s.sched.clock.Now()

	s.mu.Lock()
	s.inFlight--
	t, ok := s.targets[snap.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.status != SessionActive {
		// Cooperative cancellation: the in-flight result is discarded.
		t.status = TargetError
		t.err = "session closed before completion"
		s.mu.Unlock()
		return
	}
	if err != nil {
		t.status = TargetError
		t.err = err.Error()
		t.finishedAt = end
		t.duration = end.Sub(start)
		s.sched.totalErrored.Add(1)
		s.logger.Warn("hydrate: target failed",
			"session_id", s.id, "target_id", t.id, "element_id", t.elementID, "error", err)
		s.cascadeFailLocked()
	} else {
		t.status = TargetHydrated
		t.finishedAt = end
		t.duration = end.Sub(start)
		s.sched.totalHydrated.Add(1)
	}
	completed := s.checkCompleteLocked()
	s.mu.Unlock()

	if completed {
		s.finish()
		return
	}
	s.kick()
}

// cascadeFailLocked errors out every pending target whose dependency chain
// can no longer be satisfied.
func (s *Session) cascadeFailLocked() {
	for changed := true; changed; {
		changed = false
		for _, id := range s.order {
			t := s.targets[id]
			if t.status != TargetPending {
				continue
			}
			for _, dep := range t.deps {
				if d, ok := s.targets[dep]; ok && d.status == TargetError {
					t.status = TargetError
					t.err = "dependency failed: " + dep
					t.finishedAt = s.sched.clock.Now()
					s.sched.totalErrored.Add(1)
					changed = true
					break
				}
			}
		}
	}
}

// checkCompleteLocked finishes the session once every target is terminal
// and computes the success rate at that moment.
func (s *Session) checkCompleteLocked() bool {
	if s.status != SessionActive || len(s.targets) == 0 || s.inFlight > 0 {
		return false
	}
	hydrated := 0
	for _, t := range s.targets {
		if !t.status.Terminal() {
			return false
		}
		if t.status == TargetHydrated {
			hydrated++
		}
	}
	s.status = SessionCompleted
	s.finishedAt = s.sched.clock.Now()
	s.successRate = float64(hydrated) / float64(len(s.targets)) * 100
	return true
}

// finish releases hooks after the completion transition, outside the lock.
// done closes last, so a returned Wait implies observers are detached.
func (s *Session) finish() {
	s.releaseHooks()
	s.sched.totalCompleted.Add(1)
	close(s.done)
	m := s.Metrics()
	s.logger.Info("hydrate: session completed",
		"session_id", s.id, "hydrated", m.Hydrated, "errored", m.Errored,
		"success_rate", m.SuccessRate)
}

func (s *Session) releaseHooks() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.order)+2)
	for _, id := range s.order {
		if t := s.targets[id]; t.cancelObserve != nil {
			cancels = append(cancels, t.cancelObserve)
			t.cancelObserve = nil
		}
	}
	if s.cancelIdle != nil {
		cancels = append(cancels, s.cancelIdle)
		s.cancelIdle = nil
	}
	if s.cancelCtx != nil {
		cancels = append(cancels, s.cancelCtx)
		s.cancelCtx = nil
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Cancel stops the session. Pending targets stay unhydrated; in-flight
// hydrations finish and their results are discarded. Idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return
	}
	s.status = SessionCancelled
	s.finishedAt = s.sched.clock.Now()
	s.mu.Unlock()

	s.releaseHooks()
	s.sched.totalCancelled.Add(1)
	close(s.done)
	s.logger.Info("hydrate: session cancelled", "session_id", s.id)
}

// Wait blocks until the session reaches a terminal status or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// RecordVisibility reports an intersection ratio for an element. Visible
// targets on that element become runnable once the ratio meets their
// threshold.
func (s *Session) RecordVisibility(elementID string, ratio float64) {
	s.mu.Lock()
	for _, id := range s.order {
		if t := s.targets[id]; t.elementID == elementID {
			t.lastRatio = ratio
		}
	}
	s.mu.Unlock()
	s.kick()
}

// RecordInteraction reports a user event on an element. The first qualifying
// event makes interaction-strategy targets on that element runnable. Returns
// whether the event qualified and touched at least one target.
func (s *Session) RecordInteraction(elementID, event string) bool {
	if _, ok := s.sched.qualifying[event]; !ok {
		return false
	}
	touched := false
	s.mu.Lock()
	for _, id := range s.order {
		t := s.targets[id]
		if t.elementID == elementID && t.strategy == StrategyInteraction && !t.interacted {
			t.interacted = true
			touched = true
		}
	}
	s.mu.Unlock()
	if touched {
		s.kick()
	}
	return touched
}

// SignalIdle marks the host as having gone idle, releasing idle-strategy
// targets. The mark is permanent for the session.
func (s *Session) SignalIdle() {
	s.mu.Lock()
	s.idleSignaled = true
	s.mu.Unlock()
	s.kick()
}

// UpdateSignals replaces the live client signals. Gates and the adaptive
// pick see the new values on the next pass; the algorithm assigned at
// creation does not change.
func (s *Session) UpdateSignals(sig ClientSignals) {
	s.mu.Lock()
	s.signals = sig
	s.mu.Unlock()
	s.kick()
}

// Signals returns the current client signals.
func (s *Session) Signals() ClientSignals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

// RegisterLazy enqueues a lazy-load target on the content type's queue. Lazy
// loading is independent of hydration completion; only cancellation closes
// the queue.
func (s *Session) RegisterLazy(contentType, elementID string) (LazyTarget, error) {
	if contentType == "" || elementID == "" {
		return LazyTarget{}, fmt.Errorf("%w: content type and element_id required", ErrInvalidTarget)
	}
	profile, ok := s.sched.cfg.LazyProfiles[contentType]
	if !ok {
		profile = s.sched.cfg.LazyProfiles["default"]
	}

	s.mu.Lock()
	if s.status == SessionCancelled {
		s.mu.Unlock()
		return LazyTarget{}, ErrSessionClosed
	}
	lt := &lazyTarget{
		id:          s.sched.lazyIDs(),
		contentType: contentType,
		elementID:   elementID,
		bytes:       profile.PayloadBytes,
		estDuration: profile.LoadDuration,
		status:      LazyPending,
		enqueuedAt:  s.sched.clock.Now(),
	}
	s.lazy[contentType] = append(s.lazy[contentType], lt)
	snap := s.lazySnapshotLocked(lt)
	s.mu.Unlock()
	return snap, nil
}

// ProcessLazy loads up to max pending targets from one content type's queue,
// oldest first, simulating each transfer for its projected duration. max <= 0
// loads the whole queue.
func (s *Session) ProcessLazy(ctx context.Context, contentType string, max int) ([]LazyTarget, error) {
	var out []LazyTarget
	for {
		if max > 0 && len(out) >= max {
			return out, nil
		}

		s.mu.Lock()
		if s.status == SessionCancelled {
			s.mu.Unlock()
			return out, ErrSessionClosed
		}
		var next *lazyTarget
		for _, lt := range s.lazy[contentType] {
			if lt.status == LazyPending {
				next = lt
				break
			}
		}
		if next == nil {
			s.mu.Unlock()
			return out, nil
		}
		next.status = LazyLoading
		est := next.estDuration
		s.mu.Unlock()

		if err := tick.Sleep(ctx, est); err != nil {
			s.mu.Lock()
			next.status = LazyPending
			s.mu.Unlock()
			return out, err
		}

		s.mu.Lock()
		next.status = LazyLoaded
		next.loadedAt = s.sched.clock.Now()
		snap := s.lazySnapshotLocked(next)
		s.mu.Unlock()

		s.sched.totalLazyLoaded.Add(1)
		out = append(out, snap)
	}
}

// LazyBacklog projects the cost of the pending queue for one content type.
func (s *Session) LazyBacklog(contentType string) (count int, bytes int64, eta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lt := range s.lazy[contentType] {
		if lt.status == LazyPending {
			count++
			bytes += lt.bytes
			eta += lt.estDuration
		}
	}
	return count, bytes, eta
}

// LazyTargets returns the content type's queue in enqueue order.
func (s *Session) LazyTargets(contentType string) []LazyTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LazyTarget, 0, len(s.lazy[contentType]))
	for _, lt := range s.lazy[contentType] {
		out = append(out, s.lazySnapshotLocked(lt))
	}
	return out
}

// Target returns a snapshot of one target.
func (s *Session) Target(id string) (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return Target{}, false
	}
	return s.targetSnapshotLocked(t), true
}

// Targets returns every target in registration order.
func (s *Session) Targets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.targetSnapshotLocked(s.targets[id]))
	}
	return out
}

// SessionMetrics are the session's hydration and lazy-load aggregates.
type SessionMetrics struct {
	Total       int           `json:"total"`
	Hydrated    int           `json:"hydrated"`
	Errored     int           `json:"errored"`
	Pending     int           `json:"pending"`
	InFlight    int           `json:"in_flight"`
	LazyQueued  int           `json:"lazy_queued"`
	LazyLoaded  int           `json:"lazy_loaded"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Metrics returns the current aggregates. SuccessRate is only set once the
// session completes.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := SessionMetrics{Total: len(s.targets), InFlight: s.inFlight, SuccessRate: s.successRate}
	var total time.Duration
	for _, t := range s.targets {
		switch t.status {
		case TargetHydrated:
			m.Hydrated++
			total += t.duration
		case TargetError:
			m.Errored++
		case TargetPending:
			m.Pending++
		}
	}
	if m.Hydrated > 0 {
		m.AvgDuration = total / time.Duration(m.Hydrated)
	}
	for _, q := range s.lazy {
		for _, lt := range q {
			if lt.status == LazyLoaded {
				m.LazyLoaded++
			} else {
				m.LazyQueued++
			}
		}
	}
	return m
}

// SessionSnapshot is a point-in-time view of a session.
type SessionSnapshot struct {
	ID         string         `json:"id"`
	PageID     string         `json:"page_id"`
	Algorithm  string         `json:"algorithm"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Metrics    SessionMetrics `json:"metrics"`
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() SessionSnapshot {
	m := s.Metrics()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:         s.id,
		PageID:     s.pageID,
		Algorithm:  s.algorithm,
		Status:     s.status,
		CreatedAt:  s.createdAt,
		FinishedAt: s.finishedAt,
		Metrics:    m,
	}
}

func (s *Session) targetSnapshotLocked(t *target) Target {
	return Target{
		ID:                  t.id,
		SessionID:           s.id,
		ElementID:           t.elementID,
		Strategy:            t.strategy,
		Priority:            t.priority,
		Dependencies:        append([]string(nil), t.deps...),
		VisibilityThreshold: t.threshold,
		Status:              t.status,
		Err:                 t.err,
		RegisteredAt:        t.registeredAt,
		StartedAt:           t.startedAt,
		FinishedAt:          t.finishedAt,
		Duration:            t.duration,
	}
}

func (s *Session) lazySnapshotLocked(lt *lazyTarget) LazyTarget {
	return LazyTarget{
		ID:           lt.id,
		SessionID:    s.id,
		ContentType:  lt.contentType,
		ElementID:    lt.elementID,
		PayloadBytes: lt.bytes,
		EstDuration:  lt.estDuration,
		Status:       lt.status,
		EnqueuedAt:   lt.enqueuedAt,
		LoadedAt:     lt.loadedAt,
	}
}
