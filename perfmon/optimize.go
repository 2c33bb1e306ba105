package perfmon

import (
	"context"
	"fmt"
	"time"
)

// OptimizationAction is one tuning step a component can apply. Suggestions
// ride on alerts; executed copies carry Applied and AppliedAt.
type OptimizationAction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Component   string    `json:"component"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Impact      string    `json:"impact"`
	Applied     bool      `json:"applied"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Tuner applies optimization actions to a live component. The hub registers
// one per component when wiring the system together.
type Tuner interface {
	ApplyAction(ctx context.Context, action OptimizationAction) error
}

// RegisterTuner binds a component name to its tuner.
func (m *Monitor) RegisterTuner(component string, t Tuner) {
	m.mu.Lock()
	m.tuners[component] = t
	m.mu.Unlock()
}

type suggestionRule struct {
	typ        string
	desc       string
	confidence float64
	impact     string
}

// suggestionRules lists tuning steps per component, primary rule first. The
// first rule doubles as the adaptation engine's per-alert adjustment.
var suggestionRules = map[string][]suggestionRule{
	"render": {
		{"reduce_concurrency", "lower the concurrent render session cap", 80, "high"},
		{"enable_fallback_strategy", "switch failing sessions to their fallback strategy", 65, "medium"},
	},
	"stream": {
		{"reduce_chunk_size", "emit smaller chunks to ease buffer pressure", 72, "medium"},
		{"increase_buffer_size", "grow per-session stream buffers", 75, "medium"},
	},
	"hydrate": {
		{"reduce_concurrent_hydrations", "lower the hydration concurrency limit", 78, "medium"},
		{"defer_lazy_targets", "push lazy targets below the loading threshold", 66, "low"},
	},
	"skeleton": {
		{"cache_skeletons", "serve skeletons from cache instead of regenerating", 70, "low"},
	},
	"safety": {
		{"increase_check_interval", "space out safety check ticks", 55, "low"},
	},
}

var genericRule = suggestionRule{
	typ: "reduce_quality_preset", desc: "drop one quality preset level",
	confidence: 62, impact: "medium",
}

func rulesFor(component string) []suggestionRule {
	if rs, ok := suggestionRules[component]; ok {
		return rs
	}
	return []suggestionRule{genericRule}
}

// suggestLocked builds the suggestion list attached to a fresh alert.
// Critical breaches add 10 confidence points, capped at 95.
func (m *Monitor) suggestLocked(component, severity string) []OptimizationAction {
	rules := rulesFor(component)
	out := make([]OptimizationAction, 0, len(rules))
	for _, r := range rules {
		conf := r.confidence
		if severity == AlertCritical {
			conf += 10
			if conf > 95 {
				conf = 95
			}
		}
		out = append(out, OptimizationAction{
			ID:          m.cfg.ActionIDs(),
			Type:        r.typ,
			Component:   component,
			Description: r.desc,
			Confidence:  conf,
			Impact:      r.impact,
		})
	}
	return out
}

// OptimizationResult reports one optimization sweep.
type OptimizationResult struct {
	Health    float64              `json:"health"`
	Skipped   bool                 `json:"skipped"`
	Reason    string               `json:"reason"`
	Suggested []OptimizationAction `json:"suggested"`
	Executed  []OptimizationAction `json:"executed"`
	At        time.Time            `json:"at"`
}

// Optimize runs one optimization sweep. It refuses to act while overall
// health sits above the gate, then collects the suggestions carried by
// active alerts (deduplicated per component and type, keeping the highest
// confidence) and executes those whose confidence clears the confidence
// gate through the component's registered tuner.
func (m *Monitor) Optimize(ctx context.Context) (OptimizationResult, error) {
	rep := m.Health()
	res := OptimizationResult{Health: rep.Score, At: m.clock.Now()}
	if rep.Score > m.cfg.HealthGate {
		res.Skipped = true
		res.Reason = fmt.Sprintf("health %.1f above gate %.0f", rep.Score, m.cfg.HealthGate)
		m.logger.Debug("perfmon: optimization skipped", "health", rep.Score)
		return res, nil
	}

	seen := make(map[string]bool)
	for _, a := range m.ActiveAlerts() {
		for _, s := range a.Suggestions {
			key := s.Component + "/" + s.Type
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Suggested = append(res.Suggested, s)
		}
	}

	for i := range res.Suggested {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s := &res.Suggested[i]
		if s.Confidence <= m.cfg.ConfidenceGate {
			continue
		}
		m.mu.RLock()
		tuner := m.tuners[s.Component]
		m.mu.RUnlock()
		if tuner == nil {
			m.logger.Debug("perfmon: no tuner for component", "component", s.Component, "action", s.Type)
			continue
		}
		if err := tuner.ApplyAction(ctx, *s); err != nil {
			m.logger.Warn("perfmon: optimization action failed",
				"component", s.Component, "action", s.Type, "error", err)
			continue
		}
		s.Applied = true
		s.AppliedAt = m.clock.Now()
		res.Executed = append(res.Executed, *s)
		m.totalOptimizations.Add(1)
		m.logger.Info("perfmon: optimization action applied",
			"component", s.Component, "action", s.Type, "confidence", s.Confidence)
	}
	return res, nil
}

// Adaptation records one adaptation engine reaction to an alert.
type Adaptation struct {
	AlertID   string             `json:"alert_id"`
	Component string             `json:"component"`
	Action    OptimizationAction `json:"action"`
	At        time.Time          `json:"at"`
	Error     string             `json:"error"`
}

const adaptationLogLimit = 128

// Adapt reacts to each active alert at most once, applying the component's
// primary adjustment through its tuner. Reactions are capped per component
// per window to keep repeated breaches from oscillating the tuning knobs.
// Returns the adaptations attempted this pass.
func (m *Monitor) Adapt(ctx context.Context) []Adaptation {
	var out []Adaptation
	for _, a := range m.ActiveAlerts() {
		if err := ctx.Err(); err != nil {
			return out
		}
		now := m.clock.Now()

		m.mu.Lock()
		if m.adapted[a.ID] {
			m.mu.Unlock()
			continue
		}
		recent := m.adaptTimes[a.Component][:0]
		for _, t := range m.adaptTimes[a.Component] {
			if now.Sub(t) < m.cfg.AdaptationWindow {
				recent = append(recent, t)
			}
		}
		if len(recent) >= m.cfg.AdaptationCap {
			m.adaptTimes[a.Component] = recent
			m.mu.Unlock()
			m.logger.Debug("perfmon: adaptation cap reached",
				"component", a.Component, "alert", a.ID)
			continue
		}
		m.adapted[a.ID] = true
		m.adaptTimes[a.Component] = append(recent, now)
		rule := rulesFor(a.Component)[0]
		action := OptimizationAction{
			ID:          m.cfg.ActionIDs(),
			Type:        rule.typ,
			Component:   a.Component,
			Description: rule.desc,
			Confidence:  rule.confidence,
			Impact:      rule.impact,
		}
		tuner := m.tuners[a.Component]
		m.mu.Unlock()

		rec := Adaptation{AlertID: a.ID, Component: a.Component, At: now}
		if tuner == nil {
			rec.Error = "no tuner registered"
		} else if err := tuner.ApplyAction(ctx, action); err != nil {
			rec.Error = err.Error()
		} else {
			action.Applied = true
			action.AppliedAt = now
		}
		rec.Action = action

		m.mu.Lock()
		m.adaptLog = append(m.adaptLog, rec)
		if len(m.adaptLog) > adaptationLogLimit {
			m.adaptLog = m.adaptLog[len(m.adaptLog)-adaptationLogLimit:]
		}
		m.mu.Unlock()

		if rec.Error == "" {
			m.totalAdaptations.Add(1)
			m.logger.Info("perfmon: adaptation applied",
				"alert", a.ID, "component", a.Component, "action", action.Type)
		} else {
			m.logger.Warn("perfmon: adaptation failed",
				"alert", a.ID, "component", a.Component, "error", rec.Error)
		}
		out = append(out, rec)
	}
	return out
}

// Adaptations returns the recent adaptation log, oldest first.
func (m *Monitor) Adaptations() []Adaptation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Adaptation(nil), m.adaptLog...)
}
