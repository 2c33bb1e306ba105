package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Lock statuses.
const (
	LockActive   = "active"
	LockQueued   = "queued"
	LockReleased = "released"
	LockExpired  = "expired"
)

// ErrLockAbandoned is returned by WaitLock when a queued lock is released
// before it was ever granted.
var ErrLockAbandoned = errors.New("safety: lock released before grant")

// AutoRelease names the conditions under which the safety tick releases a
// lock without an explicit Release call. Elapsed time always applies via
// MaxDuration; render completion is opt-in.
type AutoRelease struct {
	OnRenderComplete bool   `json:"on_render_complete,omitempty"`
	RenderSessionID  string `json:"render_session_id,omitempty"`
}

// LockRequest asks for exclusive use of a resource within a scope.
type LockRequest struct {
	ContextID string `json:"context_id"`
	Resource  string `json:"resource"`
	Scope     string `json:"scope"`

	// Priority orders waiters, 0..10. Out-of-range values are clamped.
	Priority int `json:"priority"`

	// MaxDuration bounds the hold; the safety tick expires overdue locks.
	// Zero takes the configured default.
	MaxDuration time.Duration `json:"max_duration"`

	// Wait queues the request behind the current holder instead of failing.
	Wait bool `json:"wait"`

	AutoRelease AutoRelease `json:"auto_release"`
}

// Lock is a snapshot of one lock.
type Lock struct {
	ID          string        `json:"id"`
	ContextID   string        `json:"context_id"`
	Resource    string        `json:"resource"`
	Scope       string        `json:"scope"`
	Priority    int           `json:"priority"`
	Status      string        `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	ReleasedAt  time.Time     `json:"released_at"`
	MaxDuration time.Duration `json:"max_duration"`
	AutoRelease AutoRelease   `json:"auto_release"`
}

type lockRecord struct {
	id          string
	contextID   string
	resource    string
	scope       string
	priority    int
	status      string
	requestedAt time.Time
	acquiredAt  time.Time
	releasedAt  time.Time
	maxDuration time.Duration
	auto        AutoRelease

	// resolved closes when the lock activates or is abandoned while
	// queued. WaitLock blocks on it.
	resolved chan struct{}
}

func (r *lockRecord) key() string { return r.scope + ":" + r.resource }

// lockTable keeps one active holder per resource+scope and a
// priority-ordered waiter queue behind each.
type lockTable struct {
	m *Monitor

	mu      sync.Mutex
	byID    map[string]*lockRecord
	holders map[string]*lockRecord
	waiters map[string][]*lockRecord
}

func newLockTable(m *Monitor) *lockTable {
	return &lockTable{
		m:       m,
		byID:    make(map[string]*lockRecord),
		holders: make(map[string]*lockRecord),
		waiters: make(map[string][]*lockRecord),
	}
}

// AcquireLock reserves resource+scope for the caller. While another holder
// is active, the request fails with ErrLockHeld, or queues behind it when
// Wait is set; a released or expired holder hands over to the
// highest-priority waiter. An active holder is never preempted, so the
// grant order, not a running hold, reflects priority.
func (m *Monitor) AcquireLock(req LockRequest) (Lock, error) {
	if req.Resource == "" {
		return Lock{}, fmt.Errorf("%w: resource required", ErrInvalidRequest)
	}
	switch req.Scope {
	case ScopePage, ScopeWidget, ScopeGlobal:
	case "":
		req.Scope = ScopePage
	default:
		return Lock{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, req.Scope)
	}
	if req.Priority < 0 {
		req.Priority = 0
	}
	if req.Priority > 10 {
		req.Priority = 10
	}
	if req.MaxDuration <= 0 {
		req.MaxDuration = m.cfg.LockMaxDuration
	}

	t := m.locks
	now := m.clock.Now()
	rec := &lockRecord{
		id:          m.cfg.LockIDs(),
		contextID:   req.ContextID,
		resource:    req.Resource,
		scope:       req.Scope,
		priority:    req.Priority,
		requestedAt: now,
		maxDuration: req.MaxDuration,
		auto:        req.AutoRelease,
		resolved:    make(chan struct{}),
	}

	t.mu.Lock()
	holder := t.holders[rec.key()]
	if holder == nil {
		rec.status = LockActive
		rec.acquiredAt = now
		t.holders[rec.key()] = rec
		t.byID[rec.id] = rec
		close(rec.resolved)
		snap := t.snapshotLocked(rec)
		t.mu.Unlock()

		m.totalLocks.Add(1)
		m.logger.Debug("safety: lock acquired",
			"lock_id", rec.id, "resource", rec.resource, "scope", rec.scope,
			"priority", rec.priority)
		return snap, nil
	}
	if !req.Wait {
		held := fmt.Errorf("%w: %s held by %s (priority %d)",
			ErrLockHeld, rec.key(), holder.id, holder.priority)
		t.mu.Unlock()
		return Lock{}, held
	}

	rec.status = LockQueued
	t.byID[rec.id] = rec
	q := append(t.waiters[rec.key()], rec)
	// Priority order, FIFO among equals.
	sort.SliceStable(q, func(a, b int) bool { return q[a].priority > q[b].priority })
	t.waiters[rec.key()] = q
	snap := t.snapshotLocked(rec)
	t.mu.Unlock()

	m.totalLocks.Add(1)
	m.logger.Debug("safety: lock queued",
		"lock_id", rec.id, "resource", rec.resource, "scope", rec.scope,
		"behind", holder.id)
	return snap, nil
}

// ReleaseLock releases an active lock, handing the resource to the best
// waiter, or withdraws a queued one. Releasing a lock already released or
// expired is a no-op.
func (m *Monitor) ReleaseLock(lockID string) error {
	t := m.locks
	t.mu.Lock()
	rec, ok := t.byID[lockID]
	if !ok {
		t.mu.Unlock()
		return ErrLockNotFound
	}
	switch rec.status {
	case LockReleased, LockExpired:
		t.mu.Unlock()
		return nil
	case LockQueued:
		rec.status = LockReleased
		rec.releasedAt = m.clock.Now()
		t.removeWaiterLocked(rec)
		close(rec.resolved)
		t.mu.Unlock()
		return nil
	}

	rec.status = LockReleased
	rec.releasedAt = m.clock.Now()
	delete(t.holders, rec.key())
	promoted := t.promoteLocked(rec.key())
	t.mu.Unlock()

	m.logger.Debug("safety: lock released", "lock_id", lockID, "promoted", promoted)
	return nil
}

// WaitLock blocks until a queued lock is granted. It returns immediately
// for locks already active, and ErrLockAbandoned when the lock was released
// or expired before ever being granted.
func (m *Monitor) WaitLock(ctx context.Context, lockID string) (Lock, error) {
	t := m.locks
	t.mu.Lock()
	rec, ok := t.byID[lockID]
	if !ok {
		t.mu.Unlock()
		return Lock{}, ErrLockNotFound
	}
	resolved := rec.resolved
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return Lock{}, ctx.Err()
	case <-resolved:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshotLocked(rec)
	if snap.Status != LockActive {
		return snap, ErrLockAbandoned
	}
	return snap, nil
}

// GetLock returns a snapshot of one lock.
func (m *Monitor) GetLock(lockID string) (Lock, bool) {
	t := m.locks
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[lockID]
	if !ok {
		return Lock{}, false
	}
	return t.snapshotLocked(rec), true
}

// Locks returns snapshots of every lock, ordered by ID.
func (m *Monitor) Locks() []Lock {
	t := m.locks
	t.mu.Lock()
	out := make([]Lock, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, t.snapshotLocked(rec))
	}
	t.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *lockTable) snapshotLocked(rec *lockRecord) Lock {
	return Lock{
		ID:          rec.id,
		ContextID:   rec.contextID,
		Resource:    rec.resource,
		Scope:       rec.scope,
		Priority:    rec.priority,
		Status:      rec.status,
		RequestedAt: rec.requestedAt,
		AcquiredAt:  rec.acquiredAt,
		ReleasedAt:  rec.releasedAt,
		MaxDuration: rec.maxDuration,
		AutoRelease: rec.auto,
	}
}

// holderSnapshot returns the active holder for a resource+scope, if any.
func (t *lockTable) holderSnapshot(resource, scope string) (Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.holders[scope+":"+resource]
	if !ok {
		return Lock{}, false
	}
	return t.snapshotLocked(rec), true
}

func (t *lockTable) removeWaiterLocked(rec *lockRecord) {
	q := t.waiters[rec.key()]
	for i, w := range q {
		if w.id == rec.id {
			t.waiters[rec.key()] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// promoteLocked activates the best waiter for a freed key. Returns the
// promoted lock ID, empty when the queue was empty.
func (t *lockTable) promoteLocked(key string) string {
	q := t.waiters[key]
	if len(q) == 0 {
		return ""
	}
	next := q[0]
	t.waiters[key] = q[1:]
	next.status = LockActive
	next.acquiredAt = t.m.clock.Now()
	t.holders[key] = next
	close(next.resolved)
	return next.id
}

// check is the safety-tick pass over the lock table: expire overdue holders
// and resolve render-complete auto-releases. Returns the number of locks
// transitioned.
func (t *lockTable) check(ctx context.Context) int {
	now := t.m.clock.Now()

	// Render-complete probes run against the controller outside the table
	// lock.
	t.mu.Lock()
	var probes []*lockRecord
	if t.m.cfg.Sessions != nil {
		for _, rec := range t.holders {
			if rec.auto.OnRenderComplete && rec.auto.RenderSessionID != "" {
				probes = append(probes, rec)
			}
		}
	}
	t.mu.Unlock()

	renderDone := make(map[string]bool, len(probes))
	for _, rec := range probes {
		if !t.m.cfg.Sessions.RenderActive(ctx, rec.auto.RenderSessionID) {
			renderDone[rec.id] = true
		}
	}

	type expiry struct {
		contextID string
		lockID    string
		resource  string
	}
	var expired []expiry
	changes := 0

	t.mu.Lock()
	for key, rec := range t.holders {
		switch {
		case !rec.acquiredAt.IsZero() && now.Sub(rec.acquiredAt) >= rec.maxDuration:
			rec.status = LockExpired
			rec.releasedAt = now
			delete(t.holders, key)
			t.promoteLocked(key)
			expired = append(expired, expiry{rec.contextID, rec.id, key})
			changes++
		case renderDone[rec.id]:
			rec.status = LockReleased
			rec.releasedAt = now
			delete(t.holders, key)
			t.promoteLocked(key)
			changes++
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.m.logger.Warn("safety: lock expired", "lock_id", e.lockID, "resource", e.resource)
		if e.contextID != "" {
			t.m.RecordViolation(e.contextID, ViolationLockExpired, SeverityMedium,
				"lock held past max duration", e.resource)
		}
	}
	return changes
}

func (t *lockTable) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holders)
}
