// CLAUDE:SUMMARY Service hub wiring all delivery components together: config fan-out, cross-component glue, metrics, tuners.

// Package hub composes the delivery components into one service: skeleton
// generation, render sessions, chunk streaming, hydration scheduling, the
// cross-page safety monitor, and the performance monitor. The packages stay
// ignorant of each other; the hub owns the glue a deployment needs: render
// fallbacks and safety recovery read the same fragment cache, hydration's
// adaptive algorithm follows the live health score, safety navigation
// cleanup cancels render and stream sessions, and every component reports
// its counters to the performance monitor.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/audit"
	"github.com/hazyhaar/esquisse/export"
	"github.com/hazyhaar/esquisse/fragcache"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/kit"
	"github.com/hazyhaar/esquisse/perfmon"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/skeleton"
	"github.com/hazyhaar/esquisse/stream"
	"github.com/hazyhaar/esquisse/tick"
)

var (
	// ErrShutdown is returned for operations refused after Close or an
	// emergency shutdown.
	ErrShutdown = errors.New("hub: service shut down")

	// ErrExportUnavailable is returned when no exporter was configured.
	ErrExportUnavailable = errors.New("hub: exporter not configured")
)

// FragmentCache is the cache contract the hub shares across components: the
// full fragment store plus the narrow read views render fallbacks and safety
// recovery consume. Both fragcache implementations satisfy it.
type FragmentCache interface {
	fragcache.Cache
	Cached(ctx context.Context, pageID, widgetID string) ([]byte, bool, error)
	GetCached(ctx context.Context, pageID string) (string, bool)
}

// Config bundles per-component configuration. Logger and Clock, when set,
// fan out to every component config that does not carry its own.
type Config struct {
	Render   render.Config   `yaml:"render"`
	Stream   stream.Config   `yaml:"stream"`
	Hydrate  hydrate.Config  `yaml:"hydrate"`
	Safety   safety.Config   `yaml:"safety"`
	Skeleton skeleton.Config `yaml:"skeleton"`
	Monitor  perfmon.Config  `yaml:"monitor"`

	// FragmentTTL bounds how long delivered final fragments stay cached
	// for fallback and recovery reads.
	FragmentTTL time.Duration `yaml:"fragment_ttl"`

	// ActionLog bounds the retained optimization action log.
	ActionLog int `yaml:"action_log"`

	Logger *slog.Logger `yaml:"-"`
	Clock  tick.Clock   `yaml:"-"`
}

func (c *Config) defaults() {
	if c.FragmentTTL <= 0 {
		c.FragmentTTL = 10 * time.Minute
	}
	if c.ActionLog <= 0 {
		c.ActionLog = 128
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
}

// Service is the delivery hub. Create one with New, drive its background
// loops with Run, and serve requests through its methods.
type Service struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock

	render   *render.Manager
	stream   *stream.Streamer
	hydrate  *hydrate.Scheduler
	safety   *safety.Monitor
	skeleton *skeleton.Generator
	perf     *perfmon.Monitor

	cache      FragmentCache
	audit      audit.Logger
	history    *render.History
	exporter   *export.Exporter
	validator  render.Validator
	graph      render.DependencyGraph
	hydrator   hydrate.Hydrator
	visibility hydrate.VisibilityProvider
	idle       hydrate.IdleScheduler
	transport  stream.Transport
	store      *perfmon.Store
	alertSink  perfmon.AlertSink

	startedAt time.Time
	closed    atomic.Bool

	mu      sync.Mutex
	quality string           // delivery quality bias, stepped down by tuning actions
	profile *perfmon.Profile // last applied profile
	actions []perfmon.OptimizationAction
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithCache sets the shared fragment cache. Default is an in-memory cache.
func WithCache(c FragmentCache) ServiceOption {
	return func(svc *Service) { svc.cache = c }
}

// WithAudit sets the audit logger for orchestrated operations and recorded
// safety violations.
func WithAudit(a audit.Logger) ServiceOption {
	return func(svc *Service) { svc.audit = a }
}

// WithHistory persists swept render sessions and serves session queries for
// sessions already evicted from memory.
func WithHistory(h *render.History) ServiceOption {
	return func(svc *Service) { svc.history = h }
}

// WithExporter enables PDF export of completed sessions.
func WithExporter(e *export.Exporter) ServiceOption {
	return func(svc *Service) { svc.exporter = e }
}

// WithValidator sets the per-chunk content validator.
func WithValidator(v render.Validator) ServiceOption {
	return func(svc *Service) { svc.validator = v }
}

// WithGraph sets the cross-page dependency graph consulted by consistency
// checks.
func WithGraph(g render.DependencyGraph) ServiceOption {
	return func(svc *Service) { svc.graph = g }
}

// WithHydrator overrides the hydration worker.
func WithHydrator(h hydrate.Hydrator) ServiceOption {
	return func(svc *Service) { svc.hydrator = h }
}

// WithVisibility sets the visibility provider for visible-strategy targets.
func WithVisibility(v hydrate.VisibilityProvider) ServiceOption {
	return func(svc *Service) { svc.visibility = v }
}

// WithIdle sets the idle scheduler for idle-strategy targets.
func WithIdle(i hydrate.IdleScheduler) ServiceOption {
	return func(svc *Service) { svc.idle = i }
}

// WithTransport sets the stream delivery transport.
func WithTransport(t stream.Transport) ServiceOption {
	return func(svc *Service) { svc.transport = t }
}

// WithStore persists metric samples and alerts.
func WithStore(st *perfmon.Store) ServiceOption {
	return func(svc *Service) { svc.store = st }
}

// WithAlertSink forwards critical alerts to an external receiver.
func WithAlertSink(s perfmon.AlertSink) ServiceOption {
	return func(svc *Service) { svc.alertSink = s }
}

// New creates the hub and wires the components together. Options supply the
// optional collaborators; component configs in cfg keep their own settings
// but their cross-component hooks (render cache, safety session controller,
// hydration score) are overwritten by the hub's wiring.
func New(cfg Config, opts ...ServiceOption) (*Service, error) {
	cfg.defaults()

	svc := &Service{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		quality: perfmon.PresetBalanced,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.cache == nil {
		svc.cache = fragcache.NewMemory(fragcache.MemoryConfig{
			Logger: cfg.Logger,
			Clock:  cfg.Clock,
		})
	}

	mcfg := cfg.Monitor
	fanOut(&mcfg.Logger, &mcfg.Clock, cfg)
	if mcfg.Store == nil {
		mcfg.Store = svc.store
	}
	if mcfg.Sink == nil {
		mcfg.Sink = svc.alertSink
	}
	svc.perf = perfmon.NewMonitor(mcfg)

	skcfg := cfg.Skeleton
	if skcfg.Logger == nil {
		skcfg.Logger = cfg.Logger
	}
	if skcfg.Clock == nil {
		skcfg.Clock = cfg.Clock
	}
	svc.skeleton = skeleton.New(skcfg)

	rcfg := cfg.Render
	fanOut(&rcfg.Logger, &rcfg.Clock, cfg)
	if svc.validator != nil {
		rcfg.Validator = svc.validator
	}
	if svc.graph != nil {
		rcfg.Graph = svc.graph
	}
	rcfg.Cache = svc.cache
	if svc.history != nil {
		rcfg.OnEvict = svc.history.Record
	}
	svc.render = render.NewManager(rcfg)

	stcfg := cfg.Stream
	fanOut(&stcfg.Logger, &stcfg.Clock, cfg)
	if svc.transport != nil {
		stcfg.Transport = svc.transport
	}
	svc.stream = stream.NewStreamer(stcfg)

	hcfg := cfg.Hydrate
	fanOut(&hcfg.Logger, &hcfg.Clock, cfg)
	if svc.hydrator != nil {
		hcfg.Hydrator = svc.hydrator
	}
	if svc.visibility != nil {
		hcfg.Visibility = svc.visibility
	}
	if svc.idle != nil {
		hcfg.Idle = svc.idle
	}
	hcfg.Score = func() float64 { return svc.perf.Health().Score }
	svc.hydrate = hydrate.NewScheduler(hcfg)

	sfcfg := cfg.Safety
	fanOut(&sfcfg.Logger, &sfcfg.Clock, cfg)
	sfcfg.Sessions = sessionController{svc}
	sfcfg.Cache = svc.cache
	userHook := sfcfg.OnViolation
	sfcfg.OnViolation = func(v safety.Violation) {
		if userHook != nil {
			userHook(v)
		}
		if svc.audit != nil {
			svc.audit.LogAsync(audit.ViolationEntry(v.ContextID, v.PageID, v.Type, v.Severity, v.Details))
		}
	}
	svc.safety = safety.NewMonitor(sfcfg)

	svc.registerMonitoring()
	svc.startedAt = cfg.Clock.Now()
	svc.logger.Info("hub: service assembled",
		"cache", svc.cache != nil, "history", svc.history != nil,
		"exporter", svc.exporter != nil, "audit", svc.audit != nil)
	return svc, nil
}

func fanOut(logger **slog.Logger, clock *tick.Clock, cfg Config) {
	if *logger == nil {
		*logger = cfg.Logger
	}
	if *clock == nil {
		*clock = cfg.Clock
	}
}

// Run drives every component's background loop until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) {
	loops := []func(context.Context){
		svc.render.Run,
		svc.stream.Run,
		svc.hydrate.Run,
		svc.safety.Run,
		svc.perf.Run,
	}
	var wg sync.WaitGroup
	wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	svc.logger.Info("hub: service running")
	wg.Wait()
	svc.logger.Info("hub: service stopped")
}

// Close marks the service shut down. New renders are refused; background
// loops stop when their Run context is cancelled.
func (svc *Service) Close() error {
	if svc.closed.CompareAndSwap(false, true) {
		svc.logger.Info("hub: closed")
	}
	return nil
}

// Component accessors for callers that need operations the hub does not
// orchestrate (locks, barriers, lazy loading, raw metrics).

func (svc *Service) Renders() *render.Manager { return svc.render }

func (svc *Service) Streams() *stream.Streamer { return svc.stream }

func (svc *Service) Hydrations() *hydrate.Scheduler { return svc.hydrate }

func (svc *Service) Safety() *safety.Monitor { return svc.safety }

func (svc *Service) Skeletons() *skeleton.Generator { return svc.skeleton }

func (svc *Service) Monitor() *perfmon.Monitor { return svc.perf }

func (svc *Service) auditLog(ctx context.Context, action string, params, result any, opErr error, began time.Time) {
	if svc.audit == nil {
		return
	}
	e := audit.NewEntry("hub", action, params, result, opErr, svc.clock.Now().Sub(began))
	e.Actor = kit.GetRole(ctx)
	e.Transport = kit.GetTransport(ctx)
	e.RequestID = kit.GetRequestID(ctx)
	svc.audit.LogAsync(e)
}

// sessionController adapts the render manager and streamer to the safety
// monitor's navigation cleanup contract.
type sessionController struct{ svc *Service }

func (c sessionController) CancelRender(ctx context.Context, sessionID string) error {
	return c.svc.render.Cancel(sessionID)
}

func (c sessionController) CompleteStream(ctx context.Context, sessionID string) error {
	s, ok := c.svc.stream.Get(sessionID)
	if !ok {
		return stream.ErrSessionNotFound
	}
	s.Complete()
	return nil
}

func (c sessionController) RenderActive(ctx context.Context, sessionID string) bool {
	snap, ok := c.svc.render.Get(sessionID)
	if !ok {
		return false
	}
	return !snap.Status.Terminal()
}

// registerMonitoring wires the performance monitor to the other components:
// metric definitions with hub policy thresholds, one measurement source per
// component, the tuners that absorb optimization actions, and the profile
// receiver that biases derived client capabilities.
func (svc *Service) registerMonitoring() {
	defs := []perfmon.MetricDef{
		{Component: "render", Name: "failure_rate", Unit: "percent", Target: 1, Warning: 5, Critical: 15},
		{Component: "stream", Name: "failure_rate", Unit: "percent", Target: 1, Warning: 5, Critical: 15},
		{Component: "stream", Name: "drop_rate", Unit: "percent", Target: 1, Warning: 10, Critical: 25},
		{Component: "hydrate", Name: "error_rate", Unit: "percent", Target: 1, Warning: 5, Critical: 15},
		{Component: "skeleton", Name: "tracked_states", Unit: "count", Target: 64, Warning: 256, Critical: 1024},
		{Component: "safety", Name: "violation_rate", Unit: "percent", Target: 5, Warning: 25, Critical: 75},
		{Component: "safety", Name: "active_locks", Unit: "count", Target: 8, Warning: 32, Critical: 128},
	}
	for _, def := range defs {
		if err := svc.perf.RegisterMetric(def); err != nil {
			svc.logger.Warn("hub: metric not registered",
				"component", def.Component, "metric", def.Name, "error", err)
		}
	}

	svc.perf.RegisterSource("render", sourceFunc(func(context.Context) ([]perfmon.Measurement, error) {
		st := svc.render.Stats()
		return []perfmon.Measurement{
			{Component: "render", Metric: "failure_rate", Value: rate(st.TotalFailed, st.TotalSessions)},
		}, nil
	}))
	svc.perf.RegisterSource("stream", sourceFunc(func(context.Context) ([]perfmon.Measurement, error) {
		st := svc.stream.Stats()
		var in, dropped int64
		for _, snap := range svc.stream.List() {
			in += snap.Metrics.ChunksIn
			dropped += snap.Metrics.ChunksDropped
		}
		return []perfmon.Measurement{
			{Component: "stream", Metric: "failure_rate", Value: rate(st.TotalFailed, st.TotalDelivered+st.TotalFailed)},
			{Component: "stream", Metric: "drop_rate", Value: rate(dropped, in)},
		}, nil
	}))
	svc.perf.RegisterSource("hydrate", sourceFunc(func(context.Context) ([]perfmon.Measurement, error) {
		st := svc.hydrate.Stats()
		return []perfmon.Measurement{
			{Component: "hydrate", Metric: "error_rate", Value: rate(st.TotalErrored, st.TotalTargets)},
		}, nil
	}))
	svc.perf.RegisterSource("skeleton", sourceFunc(func(context.Context) ([]perfmon.Measurement, error) {
		return []perfmon.Measurement{
			{Component: "skeleton", Metric: "tracked_states", Value: float64(len(svc.skeleton.States()))},
		}, nil
	}))
	svc.perf.RegisterSource("safety", sourceFunc(func(context.Context) ([]perfmon.Measurement, error) {
		st := svc.safety.Stats()
		return []perfmon.Measurement{
			{Component: "safety", Metric: "violation_rate", Value: rate(st.TotalViolations, st.TotalContexts)},
			{Component: "safety", Metric: "active_locks", Value: float64(st.ActiveLocks)},
		}, nil
	}))

	for _, component := range []string{"render", "stream", "hydrate", "skeleton", "safety"} {
		svc.perf.RegisterTuner(component, componentTuner{svc: svc, component: component})
	}
	svc.perf.RegisterReceiver("hub", profileReceiver{svc})
}

// sourceFunc adapts a function to perfmon.MetricsSource.
type sourceFunc func(ctx context.Context) ([]perfmon.Measurement, error)

func (f sourceFunc) Collect(ctx context.Context) ([]perfmon.Measurement, error) { return f(ctx) }

// rate returns part per hundred whole, zero when nothing has been counted.
func rate(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// componentTuner absorbs optimization actions. Component limits are fixed at
// construction, so tuning flows through the hub's delivery bias: quality
// reducing actions step the preset used for derived client capabilities down
// one level, and every action lands in the applied log for operators.
type componentTuner struct {
	svc       *Service
	component string
}

func (t componentTuner) ApplyAction(ctx context.Context, action perfmon.OptimizationAction) error {
	t.svc.applyAction(action)
	return nil
}

func (svc *Service) applyAction(action perfmon.OptimizationAction) {
	svc.mu.Lock()
	switch action.Type {
	case "reduce_quality_preset", "reduce_chunk_size":
		svc.quality = stepDown(svc.quality)
	}
	svc.actions = append(svc.actions, action)
	if len(svc.actions) > svc.cfg.ActionLog {
		svc.actions = svc.actions[len(svc.actions)-svc.cfg.ActionLog:]
	}
	quality := svc.quality
	svc.mu.Unlock()
	svc.logger.Info("hub: optimization action absorbed",
		"component", action.Component, "action", action.Type,
		"impact", action.Impact, "quality", quality)
}

// AppliedActions returns the optimization actions absorbed so far, oldest
// first.
func (svc *Service) AppliedActions() []perfmon.OptimizationAction {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]perfmon.OptimizationAction(nil), svc.actions...)
}

func stepDown(preset string) string {
	if preset == perfmon.PresetHigh {
		return perfmon.PresetBalanced
	}
	return perfmon.PresetLow
}

// profileReceiver applies quality settings from performance profiles to the
// hub's delivery bias.
type profileReceiver struct{ svc *Service }

func (r profileReceiver) ApplyProfile(ctx context.Context, p perfmon.Profile) error {
	r.svc.mu.Lock()
	r.svc.profile = &p
	if p.Quality.Preset != "" {
		r.svc.quality = p.Quality.Preset
	}
	r.svc.mu.Unlock()
	r.svc.logger.Info("hub: delivery profile applied",
		"profile_id", p.ID, "preset", p.Quality.Preset)
	return nil
}

// defaultCaps derives stream client capabilities for clients that do not
// report their own, from the render client profile biased by the current
// quality preset.
func (svc *Service) defaultCaps(client render.ClientProfile) stream.ClientCaps {
	svc.mu.Lock()
	quality := svc.quality
	profile := svc.profile
	svc.mu.Unlock()

	caps := stream.ClientCaps{SupportsStreaming: true}
	switch client.ConnectionSpeed {
	case render.SpeedSlow:
		caps.BandwidthMbps = 2
	case render.SpeedFast:
		caps.BandwidthMbps = 50
	default:
		caps.BandwidthMbps = 10
	}
	switch quality {
	case perfmon.PresetLow:
		if caps.BandwidthMbps > 0.75 {
			caps.BandwidthMbps = 0.75
		}
		caps.AcceptsGzip = true
	case perfmon.PresetHigh:
		if caps.BandwidthMbps < 10 {
			caps.BandwidthMbps = 10
		}
	}
	if profile != nil && profile.Quality.Compression {
		caps.AcceptsGzip = true
	}
	return caps
}
