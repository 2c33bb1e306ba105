// CLAUDE:SUMMARY Performance monitor: rolling metric windows, quality scores, trends, health reports.

// Package perfmon observes the other components, scores each monitored
// metric against its thresholds, raises deduplicated alerts with optimization
// suggestions, and feeds an adaptation engine that tunes components back.
// Metrics arrive by direct Record calls or by polling registered
// MetricsSource collaborators on a timer.
//
// All thresholds read lower-is-better (latency, error rate, queue depth);
// sources expose inverted gauges (error rate, not success rate) so one rule
// fits every metric.
package perfmon

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

// Trend verdicts.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
	TrendVolatile  = "volatile"
	TrendUnknown   = "unknown"
)

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

var (
	ErrMetricNotFound  = errors.New("perfmon: metric not registered")
	ErrMetricExists    = errors.New("perfmon: metric already registered")
	ErrInvalidMetric   = errors.New("perfmon: invalid metric definition")
	ErrAlertNotFound   = errors.New("perfmon: alert not found")
	ErrProfileNotFound = errors.New("perfmon: profile not found")
	ErrInvalidProfile  = errors.New("perfmon: invalid profile")
)

// MetricDef declares one monitored metric and its quality thresholds.
// Target <= Warning <= Critical; the quality score is 100 at or below
// Target, 50 at Warning, 0 at or beyond Critical, linear between.
type MetricDef struct {
	Component string  `yaml:"component" json:"component"`
	Name      string  `yaml:"name" json:"name"`
	Unit      string  `yaml:"unit" json:"unit"`
	Target    float64 `yaml:"target" json:"target"`
	Warning   float64 `yaml:"warning" json:"warning"`
	Critical  float64 `yaml:"critical" json:"critical"`
}

func metricKey(component, name string) string { return component + "/" + name }

// Sample is one recorded metric value.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// MetricStatus is a snapshot of one metric's live state.
type MetricStatus struct {
	Component string    `json:"component"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit"`
	Target    float64   `json:"target"`
	Warning   float64   `json:"warning"`
	Critical  float64   `json:"critical"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
	Trend     string    `json:"trend"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

type metricState struct {
	def     MetricDef
	samples []Sample
	value   float64
	score   float64
	trend   string
	at      time.Time
}

// Measurement is one value collected from a MetricsSource.
type Measurement struct {
	Component string  `json:"component"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
}

// MetricsSource supplies measurements on the poll tick. Production sources
// read real component counters; tests inject fixtures.
type MetricsSource interface {
	Collect(ctx context.Context) ([]Measurement, error)
}

// AlertSink receives critical alerts as they are raised or escalated.
type AlertSink interface {
	Notify(ctx context.Context, a Alert) error
}

// Config configures a Monitor.
type Config struct {
	// SampleWindow is the number of samples kept per metric.
	SampleWindow int `yaml:"sample_window"`

	// StableBand is the relative recent-vs-prior mean delta treated as
	// stable.
	StableBand float64 `yaml:"stable_band"`

	// VolatileCV is the coefficient of variation above which the trend
	// verdict is volatile regardless of direction.
	VolatileCV float64 `yaml:"volatile_cv"`

	// HealthGate blocks auto-optimization while overall health is above
	// it.
	HealthGate float64 `yaml:"health_gate"`

	// ConfidenceGate is the confidence an action must exceed to be
	// auto-executed.
	ConfidenceGate float64 `yaml:"confidence_gate"`

	// AdaptationCap bounds adaptations per component per window.
	AdaptationCap    int           `yaml:"adaptation_cap"`
	AdaptationWindow time.Duration `yaml:"adaptation_window"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"`

	// AutoOptimize runs Optimize and Adapt on the sweep tick. Off by
	// default; the hub's Optimize endpoint works either way.
	AutoOptimize bool `yaml:"auto_optimize"`

	Logger    *slog.Logger    `yaml:"-"`
	Clock     tick.Clock      `yaml:"-"`
	AlertIDs  idgen.Generator `yaml:"-"`
	ActionIDs idgen.Generator `yaml:"-"`

	// Store persists samples and alerts when set.
	Store *Store `yaml:"-"`

	// Sink is notified of critical alerts when set.
	Sink AlertSink `yaml:"-"`
}

func (c *Config) defaults() {
	if c.SampleWindow <= 0 {
		c.SampleWindow = 60
	}
	if c.StableBand <= 0 {
		c.StableBand = 0.05
	}
	if c.VolatileCV <= 0 {
		c.VolatileCV = 0.5
	}
	if c.HealthGate <= 0 {
		c.HealthGate = 80
	}
	if c.ConfidenceGate <= 0 {
		c.ConfidenceGate = 70
	}
	if c.AdaptationCap <= 0 {
		c.AdaptationCap = 3
	}
	if c.AdaptationWindow <= 0 {
		c.AdaptationWindow = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.AlertIDs == nil {
		c.AlertIDs = idgen.Prefixed("al_", idgen.Default)
	}
	if c.ActionIDs == nil {
		c.ActionIDs = idgen.Prefixed("oa_", idgen.Default)
	}
}

// Monitor owns the metric registry, alert state, profiles, and the
// adaptation engine. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock

	mu         sync.RWMutex
	metrics    map[string]*metricState
	alerts     map[string]*Alert
	openAlerts map[string]string // metric key -> unresolved alert id
	sources    map[string]MetricsSource
	tuners     map[string]Tuner
	receivers  map[string]ProfileReceiver
	profiles   map[string]Profile
	current    string
	adaptTimes map[string][]time.Time // component -> recent adaptation times
	adaptLog   []Adaptation
	adapted    map[string]bool // alert ids already reacted to

	totalSamples       atomic.Int64
	totalAlerts        atomic.Int64
	totalResolved      atomic.Int64
	totalOptimizations atomic.Int64
	totalAdaptations   atomic.Int64
}

// NewMonitor creates a Monitor with the given configuration.
func NewMonitor(cfg Config) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		metrics:    make(map[string]*metricState),
		alerts:     make(map[string]*Alert),
		openAlerts: make(map[string]string),
		sources:    make(map[string]MetricsSource),
		tuners:     make(map[string]Tuner),
		receivers:  make(map[string]ProfileReceiver),
		profiles:   make(map[string]Profile),
		adaptTimes: make(map[string][]time.Time),
		adapted:    make(map[string]bool),
	}
}

// RegisterMetric adds a metric definition. Thresholds must satisfy
// Target <= Warning <= Critical.
func (m *Monitor) RegisterMetric(def MetricDef) error {
	if def.Component == "" || def.Name == "" {
		return fmt.Errorf("%w: component and name required", ErrInvalidMetric)
	}
	if def.Target > def.Warning || def.Warning > def.Critical {
		return fmt.Errorf("%w: %s/%s thresholds must be target <= warning <= critical",
			ErrInvalidMetric, def.Component, def.Name)
	}

	key := metricKey(def.Component, def.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[key]; ok {
		return fmt.Errorf("%w: %s", ErrMetricExists, key)
	}
	m.metrics[key] = &metricState{def: def, trend: TrendUnknown}
	return nil
}

// RegisterSource adds a named metrics source polled on the poll tick.
func (m *Monitor) RegisterSource(name string, src MetricsSource) {
	m.mu.Lock()
	m.sources[name] = src
	m.mu.Unlock()
}

// Record ingests one sample for a registered metric: updates the rolling
// window, recomputes score and trend, and runs threshold alerting.
func (m *Monitor) Record(component, name string, value float64) error {
	key := metricKey(component, name)

	m.mu.Lock()
	st, ok := m.metrics[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMetricNotFound, key)
	}
	now := m.clock.Now()
	st.samples = append(st.samples, Sample{Value: value, At: now})
	if len(st.samples) > m.cfg.SampleWindow {
		st.samples = st.samples[len(st.samples)-m.cfg.SampleWindow:]
	}
	st.value = value
	st.at = now
	st.score = qualityScore(st.def, value)
	st.trend = classifyTrend(sampleValues(st.samples), m.cfg.StableBand, m.cfg.VolatileCV)
	ev := m.evaluateThresholdLocked(st.def, value, now)
	m.mu.Unlock()

	m.totalSamples.Add(1)
	if m.cfg.Store != nil {
		m.cfg.Store.SaveSample(component, name, value, now)
	}
	m.emitAlertEvents(ev)
	return nil
}

// Poll collects from every registered source and records the measurements.
// Unknown metrics and failing sources are logged and skipped. Returns the
// number of samples recorded.
func (m *Monitor) Poll(ctx context.Context) int {
	m.mu.RLock()
	sources := make(map[string]MetricsSource, len(m.sources))
	for name, src := range m.sources {
		sources[name] = src
	}
	m.mu.RUnlock()

	recorded := 0
	for name, src := range sources {
		ms, err := src.Collect(ctx)
		if err != nil {
			m.logger.Warn("perfmon: source collect failed", "source", name, "error", err)
			continue
		}
		for _, meas := range ms {
			if err := m.Record(meas.Component, meas.Metric, meas.Value); err != nil {
				m.logger.Debug("perfmon: measurement dropped",
					"source", name, "component", meas.Component,
					"metric", meas.Metric, "error", err)
				continue
			}
			recorded++
		}
	}
	return recorded
}

// Metric returns a snapshot of one metric.
func (m *Monitor) Metric(component, name string) (MetricStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.metrics[metricKey(component, name)]
	if !ok {
		return MetricStatus{}, false
	}
	return m.statusLocked(st), true
}

// Metrics returns snapshots of every metric, ordered by component then name.
func (m *Monitor) Metrics() []MetricStatus {
	m.mu.RLock()
	out := make([]MetricStatus, 0, len(m.metrics))
	for _, st := range m.metrics {
		out = append(out, m.statusLocked(st))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Component != out[b].Component {
			return out[a].Component < out[b].Component
		}
		return out[a].Name < out[b].Name
	})
	return out
}

func (m *Monitor) statusLocked(st *metricState) MetricStatus {
	return MetricStatus{
		Component: st.def.Component,
		Name:      st.def.Name,
		Unit:      st.def.Unit,
		Target:    st.def.Target,
		Warning:   st.def.Warning,
		Critical:  st.def.Critical,
		Value:     st.value,
		Score:     st.score,
		Trend:     st.trend,
		Samples:   len(st.samples),
		UpdatedAt: st.at,
	}
}

// ComponentHealth is one component's aggregate in a health report.
type ComponentHealth struct {
	Component    string  `json:"component"`
	Score        float64 `json:"score"`
	Metrics      int     `json:"metrics"`
	ActiveAlerts int     `json:"active_alerts"`
}

// HealthReport is the aggregate health of every monitored component.
type HealthReport struct {
	Score          float64           `json:"score"`
	Status         string            `json:"status"`
	Components     []ComponentHealth `json:"components"`
	ActiveAlerts   int               `json:"active_alerts"`
	CriticalAlerts int               `json:"critical_alerts"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Health computes the current health report. The overall score is the mean
// of per-component scores; components average the current quality scores of
// their sampled metrics. A monitor with no samples reports healthy.
func (m *Monitor) Health() HealthReport {
	m.mu.RLock()
	type agg struct {
		sum     float64
		scored  int
		metrics int
		alerts  int
	}
	byComponent := make(map[string]*agg)
	for _, st := range m.metrics {
		a := byComponent[st.def.Component]
		if a == nil {
			a = &agg{}
			byComponent[st.def.Component] = a
		}
		a.metrics++
		if len(st.samples) > 0 {
			a.sum += st.score
			a.scored++
		}
	}
	active, critical := 0, 0
	for _, id := range m.openAlerts {
		a := m.alerts[id]
		byComponent[a.Component].alerts++
		active++
		if a.Severity == AlertCritical {
			critical++
		}
	}
	m.mu.RUnlock()

	rep := HealthReport{
		Status:      HealthHealthy,
		Score:       100,
		GeneratedAt: m.clock.Now(),
	}
	if len(byComponent) > 0 {
		total := 0.0
		for name, a := range byComponent {
			score := 100.0
			if a.scored > 0 {
				score = a.sum / float64(a.scored)
			}
			total += score
			rep.Components = append(rep.Components, ComponentHealth{
				Component:    name,
				Score:        score,
				Metrics:      a.metrics,
				ActiveAlerts: a.alerts,
			})
		}
		sort.Slice(rep.Components, func(a, b int) bool {
			return rep.Components[a].Component < rep.Components[b].Component
		})
		rep.Score = total / float64(len(byComponent))
	}
	rep.ActiveAlerts = active
	rep.CriticalAlerts = critical
	switch {
	case rep.Score >= 90:
		rep.Status = HealthHealthy
	case rep.Score >= 60:
		rep.Status = HealthDegraded
	default:
		rep.Status = HealthCritical
	}
	return rep
}

// Run drives the poll, health, and optimization ticks until ctx is
// cancelled. Buffered store samples are flushed on each poll tick and once
// more on shutdown.
func (m *Monitor) Run(ctx context.Context) {
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()
	sweep := time.NewTicker(m.cfg.OptimizeInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.cfg.Store != nil {
				if err := m.cfg.Store.Flush(context.Background()); err != nil {
					m.logger.Warn("perfmon: final flush failed", "error", err)
				}
			}
			return
		case <-poll.C:
			m.Poll(ctx)
			if m.cfg.Store != nil {
				if err := m.cfg.Store.Flush(ctx); err != nil {
					m.logger.Warn("perfmon: sample flush failed", "error", err)
				}
			}
		case <-health.C:
			rep := m.Health()
			if rep.Status == HealthHealthy {
				m.logger.Debug("perfmon: health report", "score", rep.Score, "alerts", rep.ActiveAlerts)
			} else {
				m.logger.Warn("perfmon: health report",
					"score", rep.Score, "status", rep.Status,
					"alerts", rep.ActiveAlerts, "critical", rep.CriticalAlerts)
			}
		case <-sweep.C:
			if m.cfg.AutoOptimize {
				if _, err := m.Optimize(ctx); err != nil {
					m.logger.Warn("perfmon: auto-optimization failed", "error", err)
				}
				m.Adapt(ctx)
			}
		}
	}
}

// Stats are cumulative monitor counters plus live gauges.
type Stats struct {
	RegisteredMetrics  int   `json:"registered_metrics"`
	ActiveAlerts       int   `json:"active_alerts"`
	TotalSamples       int64 `json:"total_samples"`
	TotalAlerts        int64 `json:"total_alerts"`
	ResolvedAlerts     int64 `json:"resolved_alerts"`
	TotalOptimizations int64 `json:"total_optimizations"`
	TotalAdaptations   int64 `json:"total_adaptations"`
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	registered := len(m.metrics)
	open := len(m.openAlerts)
	m.mu.RUnlock()
	return Stats{
		RegisteredMetrics:  registered,
		ActiveAlerts:       open,
		TotalSamples:       m.totalSamples.Load(),
		TotalAlerts:        m.totalAlerts.Load(),
		ResolvedAlerts:     m.totalResolved.Load(),
		TotalOptimizations: m.totalOptimizations.Load(),
		TotalAdaptations:   m.totalAdaptations.Load(),
	}
}
