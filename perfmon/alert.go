package perfmon

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Alert severities.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is a threshold breach on one metric. Repeat breaches while
// unresolved update the existing alert instead of raising a new one.
type Alert struct {
	ID          string               `json:"id"`
	Component   string               `json:"component"`
	Metric      string               `json:"metric"`
	Severity    string               `json:"severity"`
	Value       float64              `json:"value"`
	Threshold   float64              `json:"threshold"`
	Message     string               `json:"message"`
	Count       int                  `json:"count"`
	Suggestions []OptimizationAction `json:"suggestions"`
	Resolved    bool                 `json:"resolved"`
	CreatedAt   time.Time            `json:"created_at"`
	LastSeenAt  time.Time            `json:"last_seen_at"`
	ResolvedAt  time.Time            `json:"resolved_at"`
}

func cloneAlert(a *Alert) Alert {
	out := *a
	out.Suggestions = append([]OptimizationAction(nil), a.Suggestions...)
	return out
}

// alertEvent carries lifecycle transitions out of the monitor lock so logs,
// persistence, and sink notifications run unlocked.
type alertEvent struct {
	raised    *Alert
	escalated *Alert
	resolved  *Alert
}

// evaluateThresholdLocked applies the alerting rules for one fresh sample.
// A value above warning breaches; at or above critical the breach is
// critical. An open alert absorbs repeat breaches and escalates when the
// severity climbs. Resolution requires full recovery to target or below so
// values hovering between target and warning cannot flap the alert.
func (m *Monitor) evaluateThresholdLocked(def MetricDef, value float64, now time.Time) alertEvent {
	key := metricKey(def.Component, def.Name)
	id, open := m.openAlerts[key]

	if value > def.Warning {
		sev, threshold := AlertWarning, def.Warning
		if value >= def.Critical {
			sev, threshold = AlertCritical, def.Critical
		}
		if open {
			a := m.alerts[id]
			a.Count++
			a.Value = value
			a.LastSeenAt = now
			if sev == AlertCritical && a.Severity == AlertWarning {
				a.Severity = AlertCritical
				a.Threshold = def.Critical
				a.Message = breachMessage(def, value, sev, def.Critical)
				a.Suggestions = m.suggestLocked(def.Component, sev)
				esc := cloneAlert(a)
				return alertEvent{escalated: &esc}
			}
			return alertEvent{}
		}
		a := &Alert{
			ID:          m.cfg.AlertIDs(),
			Component:   def.Component,
			Metric:      def.Name,
			Severity:    sev,
			Value:       value,
			Threshold:   threshold,
			Message:     breachMessage(def, value, sev, threshold),
			Count:       1,
			Suggestions: m.suggestLocked(def.Component, sev),
			CreatedAt:   now,
			LastSeenAt:  now,
		}
		m.alerts[a.ID] = a
		m.openAlerts[key] = a.ID
		raised := cloneAlert(a)
		return alertEvent{raised: &raised}
	}

	if open && value <= def.Target {
		a := m.alerts[id]
		a.Resolved = true
		a.ResolvedAt = now
		delete(m.openAlerts, key)
		res := cloneAlert(a)
		return alertEvent{resolved: &res}
	}
	return alertEvent{}
}

func breachMessage(def MetricDef, value float64, sev string, threshold float64) string {
	return fmt.Sprintf("%s %s at %g%s breached %s threshold %g%s",
		def.Component, def.Name, value, def.Unit, sev, threshold, def.Unit)
}

func (m *Monitor) emitAlertEvents(ev alertEvent) {
	switch {
	case ev.raised != nil:
		a := ev.raised
		m.totalAlerts.Add(1)
		m.logger.Warn("perfmon: alert raised",
			"alert", a.ID, "component", a.Component, "metric", a.Metric,
			"severity", a.Severity, "value", a.Value)
		if m.cfg.Store != nil {
			m.cfg.Store.SaveAlert(*a)
		}
		if a.Severity == AlertCritical {
			m.notifySink(*a)
		}
	case ev.escalated != nil:
		a := ev.escalated
		m.logger.Warn("perfmon: alert escalated",
			"alert", a.ID, "component", a.Component, "metric", a.Metric,
			"value", a.Value, "count", a.Count)
		if m.cfg.Store != nil {
			m.cfg.Store.SaveAlert(*a)
		}
		m.notifySink(*a)
	case ev.resolved != nil:
		a := ev.resolved
		m.totalResolved.Add(1)
		m.logger.Info("perfmon: alert resolved",
			"alert", a.ID, "component", a.Component, "metric", a.Metric)
		if m.cfg.Store != nil {
			m.cfg.Store.MarkResolved(a.ID, a.ResolvedAt)
		}
	}
}

func (m *Monitor) notifySink(a Alert) {
	sink := m.cfg.Sink
	if sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sink.Notify(ctx, a); err != nil {
			m.logger.Warn("perfmon: alert sink notify failed", "alert", a.ID, "error", err)
		}
	}()
}

// ResolveAlert marks an alert resolved by hand, reopening the metric for a
// fresh alert on the next breach. Resolving twice is a no-op.
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.Resolved {
		m.mu.Unlock()
		return nil
	}
	now := m.clock.Now()
	a.Resolved = true
	a.ResolvedAt = now
	key := metricKey(a.Component, a.Metric)
	if m.openAlerts[key] == id {
		delete(m.openAlerts, key)
	}
	snap := cloneAlert(a)
	m.mu.Unlock()

	m.totalResolved.Add(1)
	if m.cfg.Store != nil {
		m.cfg.Store.MarkResolved(snap.ID, now)
	}
	m.logger.Info("perfmon: alert resolved",
		"alert", snap.ID, "component", snap.Component, "metric", snap.Metric, "manual", true)
	return nil
}

// GetAlert returns one alert by ID.
func (m *Monitor) GetAlert(id string) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return cloneAlert(a), nil
}

// Alerts returns every alert, resolved included, ordered by ID.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, cloneAlert(a))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ActiveAlerts returns unresolved alerts ordered by ID.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.openAlerts))
	for _, id := range m.openAlerts {
		out = append(out, cloneAlert(m.alerts[id]))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
