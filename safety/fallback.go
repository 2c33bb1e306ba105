package safety

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TriggerSpec declares when a context should fall back to recovery content.
// At least one of Violations or Elapsed must be set; a trigger with both
// fires on whichever threshold is crossed first.
type TriggerSpec struct {
	// Violations fires once the context has accumulated this many
	// violations. Zero disables the count threshold.
	Violations int `json:"violations"`

	// Elapsed fires once the context has existed this long without
	// reaching the stable state. Zero disables the elapsed threshold.
	Elapsed time.Duration `json:"elapsed"`

	// Cooldown guards against re-firing. Zero takes the configured
	// default.
	Cooldown time.Duration `json:"cooldown"`

	// Action selects the recovery content: static_content,
	// cached_content, or previous_state. Empty means static_content.
	Action string `json:"action"`
}

// FallbackTrigger is a snapshot of one registered trigger.
type FallbackTrigger struct {
	ID         string        `json:"id"`
	ContextID  string        `json:"context_id"`
	Violations int           `json:"violations"`
	Elapsed    time.Duration `json:"elapsed"`
	Cooldown   time.Duration `json:"cooldown"`
	Action     string        `json:"action"`
	FireCount  int           `json:"fire_count"`
	LastFired  time.Time     `json:"last_fired"`
}

// FallbackResult is one firing of a trigger: the recovery action taken and
// the content resolved for it.
type FallbackResult struct {
	TriggerID string    `json:"trigger_id"`
	ContextID string    `json:"context_id"`
	Action    string    `json:"action"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type fallbackTrigger struct {
	id         string
	contextID  string
	violations int
	elapsed    time.Duration
	cooldown   time.Duration
	action     string
	fireCount  int
	lastFired  time.Time
}

// RegisterTrigger attaches a fallback trigger to an existing context.
func (m *Monitor) RegisterTrigger(contextID string, spec TriggerSpec) (FallbackTrigger, error) {
	if spec.Violations <= 0 && spec.Elapsed <= 0 {
		return FallbackTrigger{}, fmt.Errorf("%w: trigger needs a violation or elapsed threshold",
			ErrInvalidRequest)
	}
	switch spec.Action {
	case ActionStaticContent, ActionCachedContent, ActionPreviousState:
	case "":
		spec.Action = ActionStaticContent
	default:
		return FallbackTrigger{}, fmt.Errorf("%w: unknown recovery action %q",
			ErrInvalidRequest, spec.Action)
	}
	if spec.Cooldown <= 0 {
		spec.Cooldown = m.cfg.FallbackCooldown
	}

	m.mu.Lock()
	if _, ok := m.contexts[contextID]; !ok {
		m.mu.Unlock()
		return FallbackTrigger{}, ErrContextNotFound
	}
	tr := &fallbackTrigger{
		id:         m.cfg.TriggerIDs(),
		contextID:  contextID,
		violations: spec.Violations,
		elapsed:    spec.Elapsed,
		cooldown:   spec.Cooldown,
		action:     spec.Action,
	}
	m.triggers[tr.id] = tr
	snap := m.triggerSnapshotLocked(tr)
	m.mu.Unlock()

	m.logger.Debug("safety: trigger registered",
		"trigger_id", tr.id, "context_id", contextID, "action", tr.action,
		"violations", spec.Violations, "elapsed", spec.Elapsed)
	return snap, nil
}

// GetTrigger returns a snapshot of one trigger.
func (m *Monitor) GetTrigger(triggerID string) (FallbackTrigger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.triggers[triggerID]
	if !ok {
		return FallbackTrigger{}, false
	}
	return m.triggerSnapshotLocked(tr), true
}

// Triggers returns snapshots of the context's triggers, ordered by ID.
func (m *Monitor) Triggers(contextID string) []FallbackTrigger {
	m.mu.RLock()
	var out []FallbackTrigger
	for _, tr := range m.triggers {
		if tr.contextID == contextID {
			out = append(out, m.triggerSnapshotLocked(tr))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Fallbacks returns the context's fallback firings in order.
func (m *Monitor) Fallbacks(contextID string) ([]FallbackResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[contextID]
	if !ok {
		return nil, ErrContextNotFound
	}
	out := make([]FallbackResult, len(c.fallbacks))
	copy(out, c.fallbacks)
	return out, nil
}

func (m *Monitor) triggerSnapshotLocked(tr *fallbackTrigger) FallbackTrigger {
	return FallbackTrigger{
		ID:         tr.id,
		ContextID:  tr.contextID,
		Violations: tr.violations,
		Elapsed:    tr.elapsed,
		Cooldown:   tr.cooldown,
		Action:     tr.action,
		FireCount:  tr.fireCount,
		LastFired:  tr.lastFired,
	}
}

// firing captures everything needed to resolve recovery content after the
// monitor lock is released.
type firing struct {
	triggerID   string
	contextID   string
	action      string
	reason      string
	pageID      string
	prevContent string
}

// collectFirings marks matching triggers as fired and returns the firings to
// resolve. The lastFired update happens under the lock, so a trigger fires
// at most once per cooldown window no matter how many evaluations race.
func (m *Monitor) collectFirings(match func(*fallbackTrigger, *safetyContext) (bool, string)) []firing {
	now := m.clock.Now()

	m.mu.Lock()
	var out []firing
	for _, tr := range m.triggers {
		c, ok := m.contexts[tr.contextID]
		if !ok {
			continue
		}
		if !tr.lastFired.IsZero() && now.Sub(tr.lastFired) < tr.cooldown {
			continue
		}
		fire, reason := match(tr, c)
		if !fire {
			continue
		}
		tr.lastFired = now
		tr.fireCount++
		f := firing{
			triggerID: tr.id,
			contextID: tr.contextID,
			action:    tr.action,
			reason:    reason,
			pageID:    c.pageID,
		}
		if ps, ok := m.pages[c.userSessionID]; ok {
			f.prevContent = ps.previousContent
		}
		out = append(out, f)
	}
	m.mu.Unlock()
	return out
}

func (m *Monitor) fire(firings []firing) int {
	for _, f := range firings {
		res := FallbackResult{
			TriggerID: f.triggerID,
			ContextID: f.contextID,
			Action:    f.action,
			Content:   m.resolveRecovery(f),
			Reason:    f.reason,
			At:        m.clock.Now(),
		}
		m.mu.Lock()
		if c, ok := m.contexts[f.contextID]; ok {
			c.fallbacks = append(c.fallbacks, res)
			c.updatedAt = res.At
		}
		m.mu.Unlock()

		m.totalFallbacks.Add(1)
		m.logger.Warn("safety: fallback fired",
			"trigger_id", f.triggerID, "context_id", f.contextID,
			"action", f.action, "reason", f.reason)
	}
	return len(firings)
}

// resolveRecovery produces the recovery content for one firing. Cache misses
// and missing previous state degrade to the static fallback.
func (m *Monitor) resolveRecovery(f firing) string {
	switch f.action {
	case ActionCachedContent:
		if m.cfg.Cache != nil {
			if content, ok := m.cfg.Cache.GetCached(context.Background(), f.pageID); ok {
				return content
			}
		}
		return m.cfg.StaticFallback
	case ActionPreviousState:
		if f.prevContent != "" {
			return f.prevContent
		}
		return m.cfg.StaticFallback
	default:
		return m.cfg.StaticFallback
	}
}

// evaluateTriggers fires the context's violation-count triggers whose
// threshold has been reached. Called after every recorded violation.
func (m *Monitor) evaluateTriggers(contextID string) {
	firings := m.collectFirings(func(tr *fallbackTrigger, c *safetyContext) (bool, string) {
		if tr.contextID != contextID || tr.violations <= 0 {
			return false, ""
		}
		if len(c.violations) < tr.violations {
			return false, ""
		}
		return true, fmt.Sprintf("violation count %d reached threshold %d",
			len(c.violations), tr.violations)
	})
	m.fire(firings)
}

// checkElapsedTriggers fires elapsed-time triggers for contexts that have
// not reached the stable state within their threshold. Returns the number
// fired.
func (m *Monitor) checkElapsedTriggers() int {
	now := m.clock.Now()
	firings := m.collectFirings(func(tr *fallbackTrigger, c *safetyContext) (bool, string) {
		if tr.elapsed <= 0 || c.state == StateStable {
			return false, ""
		}
		age := now.Sub(c.createdAt)
		if age < tr.elapsed {
			return false, ""
		}
		return true, fmt.Sprintf("context age %s exceeded threshold %s",
			age.Truncate(time.Millisecond), tr.elapsed)
	})
	return m.fire(firings)
}
