package hub

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/perfmon"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/stream"
)

// SystemInfo aggregates every component's counters into one status view.
type SystemInfo struct {
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`

	Render   render.Stats  `json:"render"`
	Stream   stream.Stats  `json:"stream"`
	Hydrate  hydrate.Stats `json:"hydrate"`
	Safety   safety.Stats  `json:"safety"`
	Monitor  perfmon.Stats `json:"monitor"`
	Skeleton int           `json:"skeleton_states"`
}

// SystemInfo returns a status snapshot across all components.
func (svc *Service) SystemInfo() SystemInfo {
	status := "running"
	if svc.closed.Load() {
		status = "shutdown"
	}
	return SystemInfo{
		Status:    status,
		StartedAt: svc.startedAt,
		Uptime:    svc.clock.Now().Sub(svc.startedAt),
		Render:    svc.render.Stats(),
		Stream:    svc.stream.Stats(),
		Hydrate:   svc.hydrate.Stats(),
		Safety:    svc.safety.Stats(),
		Monitor:   svc.perf.Stats(),
		Skeleton:  len(svc.skeleton.States()),
	}
}

// Health returns the performance monitor's aggregate health report.
func (svc *Service) Health() perfmon.HealthReport {
	return svc.perf.Health()
}

// Session returns one render session, reading live sessions first and the
// persisted history for sessions already swept from memory.
func (svc *Service) Session(ctx context.Context, sessionID string) (render.SessionSnapshot, error) {
	if snap, ok := svc.render.Get(sessionID); ok {
		return snap, nil
	}
	if svc.history != nil {
		return svc.history.Session(ctx, sessionID)
	}
	return render.SessionSnapshot{}, render.ErrSessionNotFound
}

// Sessions lists the render sessions still held in memory.
func (svc *Service) Sessions() []render.SessionSnapshot {
	return svc.render.List()
}

// SessionChunks returns the ordered chunk log of a live render session.
func (svc *Service) SessionChunks(sessionID string) ([]render.Chunk, error) {
	return svc.render.Chunks(sessionID)
}

// RecentSessions lists recently finished sessions from the persisted history.
func (svc *Service) RecentSessions(ctx context.Context, limit int) ([]render.SessionSnapshot, error) {
	if svc.history == nil {
		return nil, nil
	}
	return svc.history.Recent(ctx, limit)
}

// Navigate runs the safety monitor's navigation procedure for a context:
// depending on the context's level it defers the navigation behind a lock,
// cancels the outgoing page's sessions, or detaches them.
func (svc *Service) Navigate(ctx context.Context, contextID, toPageID string) (safety.NavigationResult, error) {
	began := svc.clock.Now()
	if svc.closed.Load() {
		return safety.NavigationResult{}, ErrShutdown
	}
	res, err := svc.safety.HandleNavigation(ctx, contextID, toPageID)
	svc.auditLog(ctx, "navigate", map[string]string{
		"context_id": contextID, "to_page_id": toPageID,
	}, res, err, began)
	return res, err
}

// ApplyProfile applies a registered performance profile. The hub's own
// receiver picks up the quality settings for derived client capabilities.
func (svc *Service) ApplyProfile(ctx context.Context, profileID string) error {
	began := svc.clock.Now()
	err := svc.perf.ApplyProfile(ctx, profileID)
	svc.auditLog(ctx, "apply_profile", map[string]string{"profile_id": profileID}, nil, err, began)
	return err
}

// Profiles lists the registered performance profiles.
func (svc *Service) Profiles() []perfmon.Profile {
	return svc.perf.Profiles()
}

// CurrentProfile returns the most recently applied profile, if any.
func (svc *Service) CurrentProfile() (perfmon.Profile, bool) {
	return svc.perf.CurrentProfile()
}

// Optimize runs one optimization sweep against the live health state.
func (svc *Service) Optimize(ctx context.Context) (perfmon.OptimizationResult, error) {
	began := svc.clock.Now()
	res, err := svc.perf.Optimize(ctx)
	svc.auditLog(ctx, "optimize", nil, res, err, began)
	return res, err
}

// ExportSessionPDF renders a completed session's chunk log as a PDF document.
// Sessions served from history export without their chunk payloads.
func (svc *Service) ExportSessionPDF(ctx context.Context, sessionID string) ([]byte, error) {
	if svc.exporter == nil {
		return nil, ErrExportUnavailable
	}
	snap, err := svc.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	chunks, err := svc.render.Chunks(sessionID)
	if err != nil && !errors.Is(err, render.ErrSessionNotFound) {
		return nil, err
	}
	return svc.exporter.ExportSession(ctx, snap, chunks)
}

// ShutdownReport summarizes what an emergency shutdown tore down.
type ShutdownReport struct {
	Reason              string    `json:"reason"`
	CancelledRenders    int       `json:"cancelled_renders"`
	CancelledStreams    int       `json:"cancelled_streams"`
	CancelledHydrations int       `json:"cancelled_hydrations"`
	UnsafeContexts      int       `json:"unsafe_contexts"`
	At                  time.Time `json:"at"`
}

// EmergencyShutdown stops accepting work, cancels every active render,
// stream, and hydration session, and marks all safety contexts unsafe so
// recovery paths serve fallback content. The service stays queryable.
func (svc *Service) EmergencyShutdown(ctx context.Context, reason string) ShutdownReport {
	began := svc.clock.Now()
	svc.closed.Store(true)

	rep := ShutdownReport{Reason: reason, At: began}
	for _, snap := range svc.render.List() {
		if snap.Status.Terminal() {
			continue
		}
		if err := svc.render.Cancel(snap.ID); err == nil {
			rep.CancelledRenders++
		}
	}
	for _, snap := range svc.stream.List() {
		if snap.Status != stream.SessionActive {
			continue
		}
		if s, ok := svc.stream.Get(snap.ID); ok {
			s.Cancel()
			rep.CancelledStreams++
		}
	}
	for _, snap := range svc.hydrate.List() {
		if snap.Status != hydrate.SessionActive {
			continue
		}
		if s, ok := svc.hydrate.Get(snap.ID); ok {
			s.Cancel()
			rep.CancelledHydrations++
		}
	}
	for _, c := range svc.safety.Contexts() {
		if err := svc.safety.MarkUnsafe(c.ID, "emergency shutdown: "+reason); err == nil {
			rep.UnsafeContexts++
		}
	}

	svc.logger.Warn("hub: emergency shutdown",
		"reason", reason,
		"cancelled_renders", rep.CancelledRenders,
		"cancelled_streams", rep.CancelledStreams,
		"cancelled_hydrations", rep.CancelledHydrations,
		"unsafe_contexts", rep.UnsafeContexts)
	svc.auditLog(ctx, "emergency_shutdown", map[string]string{"reason": reason}, rep, nil, began)
	return rep
}
