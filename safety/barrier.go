package safety

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Barrier statuses.
const (
	BarrierWaiting  = "waiting"
	BarrierPassed   = "passed"
	BarrierTimedOut = "timed_out"
)

// BarrierSpec declares a synchronization barrier on a context. The barrier
// passes when every named condition has been satisfied, or resolves at the
// timeout: auto-pass barriers pass anyway, the rest time out and record a
// violation.
type BarrierSpec struct {
	ContextID  string        `json:"context_id"`
	Name       string        `json:"name"`
	Conditions []string      `json:"conditions"`
	Timeout    time.Duration `json:"timeout"`
	AutoPass   bool          `json:"auto_pass"`
}

// Barrier is a snapshot of one barrier.
type Barrier struct {
	ID         string          `json:"id"`
	ContextID  string          `json:"context_id"`
	Name       string          `json:"name"`
	Conditions map[string]bool `json:"conditions"`
	Status     string          `json:"status"`
	AutoPassed bool            `json:"auto_passed"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at"`
	Timeout    time.Duration   `json:"timeout"`
}

type barrier struct {
	id         string
	contextID  string
	name       string
	conditions map[string]bool
	status     string
	autoPass   bool
	autoPassed bool
	createdAt  time.Time
	resolvedAt time.Time
	timeout    time.Duration

	// done closes when the barrier leaves the waiting state.
	done chan struct{}
}

func (b *barrier) allMetLocked() bool {
	for _, met := range b.conditions {
		if !met {
			return false
		}
	}
	return true
}

// CreateBarrier registers a barrier on an existing context.
func (m *Monitor) CreateBarrier(spec BarrierSpec) (Barrier, error) {
	if spec.Name == "" {
		return Barrier{}, fmt.Errorf("%w: barrier name required", ErrInvalidRequest)
	}
	if len(spec.Conditions) == 0 {
		return Barrier{}, fmt.Errorf("%w: at least one condition required", ErrInvalidRequest)
	}
	conditions := make(map[string]bool, len(spec.Conditions))
	for _, cond := range spec.Conditions {
		if cond == "" {
			return Barrier{}, fmt.Errorf("%w: empty condition name", ErrInvalidRequest)
		}
		conditions[cond] = false
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.cfg.BarrierTimeout
	}

	m.mu.Lock()
	if _, ok := m.contexts[spec.ContextID]; !ok {
		m.mu.Unlock()
		return Barrier{}, ErrContextNotFound
	}
	b := &barrier{
		id:         m.cfg.BarrierIDs(),
		contextID:  spec.ContextID,
		name:       spec.Name,
		conditions: conditions,
		status:     BarrierWaiting,
		autoPass:   spec.AutoPass,
		createdAt:  m.clock.Now(),
		timeout:    timeout,
		done:       make(chan struct{}),
	}
	m.barriers[b.id] = b
	snap := m.barrierSnapshotLocked(b)
	m.mu.Unlock()

	m.totalBarriers.Add(1)
	m.logger.Debug("safety: barrier created",
		"barrier_id", b.id, "context_id", b.contextID, "name", b.name,
		"conditions", len(conditions))
	return snap, nil
}

// SatisfyCondition marks one condition met. When the last condition is
// satisfied the barrier passes and waiters unblock. Satisfying a condition
// on a resolved barrier is a no-op.
func (m *Monitor) SatisfyCondition(barrierID, condition string) (Barrier, error) {
	m.mu.Lock()
	b, ok := m.barriers[barrierID]
	if !ok {
		m.mu.Unlock()
		return Barrier{}, ErrBarrierNotFound
	}
	if _, declared := b.conditions[condition]; !declared {
		name := b.name
		m.mu.Unlock()
		return Barrier{}, fmt.Errorf("%w: condition %q not declared on barrier %s",
			ErrInvalidRequest, condition, name)
	}
	if b.status != BarrierWaiting {
		snap := m.barrierSnapshotLocked(b)
		m.mu.Unlock()
		return snap, nil
	}
	b.conditions[condition] = true
	passed := b.allMetLocked()
	if passed {
		b.status = BarrierPassed
		b.resolvedAt = m.clock.Now()
		close(b.done)
	}
	snap := m.barrierSnapshotLocked(b)
	m.mu.Unlock()

	if passed {
		m.logger.Debug("safety: barrier passed", "barrier_id", barrierID, "name", snap.Name)
	}
	return snap, nil
}

// WaitBarrier blocks until the barrier resolves. It returns nil when the
// barrier passed (including auto-pass) and ErrBarrierTimeout when it timed
// out.
func (m *Monitor) WaitBarrier(ctx context.Context, barrierID string) (Barrier, error) {
	m.mu.RLock()
	b, ok := m.barriers[barrierID]
	if !ok {
		m.mu.RUnlock()
		return Barrier{}, ErrBarrierNotFound
	}
	done := b.done
	m.mu.RUnlock()

	select {
	case <-ctx.Done():
		return Barrier{}, ctx.Err()
	case <-done:
	}

	m.mu.RLock()
	snap := m.barrierSnapshotLocked(b)
	m.mu.RUnlock()
	if snap.Status == BarrierTimedOut {
		return snap, ErrBarrierTimeout
	}
	return snap, nil
}

// GetBarrier returns a snapshot of one barrier.
func (m *Monitor) GetBarrier(barrierID string) (Barrier, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.barriers[barrierID]
	if !ok {
		return Barrier{}, false
	}
	return m.barrierSnapshotLocked(b), true
}

// Barriers returns snapshots of every barrier, ordered by ID.
func (m *Monitor) Barriers() []Barrier {
	m.mu.RLock()
	out := make([]Barrier, 0, len(m.barriers))
	for _, b := range m.barriers {
		out = append(out, m.barrierSnapshotLocked(b))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Monitor) barrierSnapshotLocked(b *barrier) Barrier {
	conditions := make(map[string]bool, len(b.conditions))
	for cond, met := range b.conditions {
		conditions[cond] = met
	}
	return Barrier{
		ID:         b.id,
		ContextID:  b.contextID,
		Name:       b.name,
		Conditions: conditions,
		Status:     b.status,
		AutoPassed: b.autoPassed,
		CreatedAt:  b.createdAt,
		ResolvedAt: b.resolvedAt,
		Timeout:    b.timeout,
	}
}

// checkBarriers resolves barriers past their timeout: auto-pass barriers
// pass, the rest time out and record a barrier_timeout violation on their
// context. Returns the number resolved.
func (m *Monitor) checkBarriers() int {
	now := m.clock.Now()

	type timedOut struct {
		contextID string
		name      string
	}
	var violations []timedOut
	resolved := 0

	m.mu.Lock()
	for _, b := range m.barriers {
		if b.status != BarrierWaiting || now.Sub(b.createdAt) < b.timeout {
			continue
		}
		b.resolvedAt = now
		if b.autoPass {
			b.status = BarrierPassed
			b.autoPassed = true
		} else {
			b.status = BarrierTimedOut
			violations = append(violations, timedOut{b.contextID, b.name})
		}
		close(b.done)
		resolved++
	}
	m.mu.Unlock()

	for _, t := range violations {
		m.RecordViolation(t.contextID, ViolationBarrierTimeout, SeverityMedium,
			"barrier conditions not met in time", t.name)
	}
	return resolved
}
