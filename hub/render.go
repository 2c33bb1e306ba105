package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/esquisse/fragcache"
	"github.com/hazyhaar/esquisse/hydrate"
	"github.com/hazyhaar/esquisse/render"
	"github.com/hazyhaar/esquisse/safety"
	"github.com/hazyhaar/esquisse/skeleton"
	"github.com/hazyhaar/esquisse/stream"
)

// Options describes one orchestrated page render.
type Options struct {
	// PageID identifies the page; required.
	PageID string `json:"page_id"`

	// WidgetID targets a single widget. Empty renders the whole page.
	WidgetID string `json:"widget_id,omitempty"`

	// UserSessionID groups renders under one navigation session for the
	// safety monitor. Empty derives a per-page anonymous session.
	UserSessionID string `json:"user_session_id,omitempty"`

	Strategy string                    `json:"strategy,omitempty"`
	Client   render.ClientProfile      `json:"client"`
	Safety   render.SafetyRequirements `json:"safety"`
	Device   skeleton.DeviceProfile    `json:"device"`

	// Caps overrides the stream capabilities derived from Client and the
	// current quality bias.
	Caps *stream.ClientCaps `json:"caps,omitempty"`

	// Targets are hydration targets scheduled alongside delivery.
	Targets []hydrate.TargetSpec  `json:"targets,omitempty"`
	Signals hydrate.ClientSignals `json:"signals"`

	// Wait blocks until the render session is terminal instead of
	// returning once the pipeline is set up.
	Wait bool `json:"wait,omitempty"`
}

// Result reports what the pipeline set up and, with Options.Wait, how the
// render ended.
type Result struct {
	ContextID       string `json:"context_id"`
	SkeletonID      string `json:"skeleton_id,omitempty"`
	SkeletonMarkup  string `json:"skeleton_markup,omitempty"`
	RenderSessionID string `json:"render_session_id"`
	StreamSessionID string `json:"stream_session_id,omitempty"`
	HydrationID     string `json:"hydration_session_id,omitempty"`

	Render render.SessionSnapshot `json:"render"`
	Stream *stream.SessionMetrics `json:"stream,omitempty"`

	// Warnings report the degraded parts of the pipeline: collaborators
	// that failed to set up without blocking content delivery.
	Warnings []string `json:"warnings,omitempty"`
}

// Render runs the full delivery pipeline for one page: safety context,
// skeleton, render session, stream session, and hydration schedule. Chunk
// generation happens on the caller's goroutine when Wait is set and on a
// background goroutine otherwise.
//
// Only the render session itself is load-bearing: a refused session aborts
// the call. Everything around it degrades instead, a failed stream setup
// drops delivery and a failed skeleton drops the placeholder, each reported
// in Result.Warnings.
func (svc *Service) Render(ctx context.Context, opts Options) (*Result, error) {
	began := svc.clock.Now()
	if svc.closed.Load() {
		return nil, ErrShutdown
	}
	if opts.PageID == "" {
		return nil, fmt.Errorf("%w: page id required", render.ErrInvalidRequest)
	}

	res := &Result{}
	userID := opts.UserSessionID
	if userID == "" {
		userID = "anon:" + opts.PageID
	}

	sctx, err := svc.safety.CreateContext(userID, opts.PageID, opts.Safety.Level)
	if err != nil {
		if !errors.Is(err, safety.ErrNavigationCollision) {
			svc.auditLog(ctx, "render", opts, nil, err, began)
			return nil, err
		}
		// The previous navigation is still in flight; ride its context.
		res.Warnings = append(res.Warnings, err.Error())
	}
	res.ContextID = sctx.ID

	skel := svc.skeleton.Generate(opts.PageID, opts.WidgetID, opts.Device)
	if markup, merr := skeleton.Markup(skel); merr != nil {
		res.Warnings = append(res.Warnings, "skeleton markup: "+merr.Error())
	} else {
		res.SkeletonID = skel.ID
		res.SkeletonMarkup = markup
		if _, serr := svc.skeleton.StartRender(skel); serr != nil {
			res.Warnings = append(res.Warnings, "skeleton state: "+serr.Error())
		}
	}

	snap, err := svc.render.Initialize(ctx, render.Request{
		PageID:   opts.PageID,
		WidgetID: opts.WidgetID,
		Strategy: opts.Strategy,
		Client:   opts.Client,
		Safety:   opts.Safety,
	})
	if err != nil {
		if errors.Is(err, render.ErrInconsistentDependencies) {
			svc.safety.RecordViolation(sctx.ID, safety.ViolationConsistency, safety.SeverityHigh,
				"render refused before start", err.Error())
		}
		svc.auditLog(ctx, "render", opts, nil, err, began)
		return nil, err
	}
	res.RenderSessionID = snap.ID
	if err := svc.safety.AttachRender(sctx.ID, snap.ID); err != nil {
		res.Warnings = append(res.Warnings, "attach render: "+err.Error())
	}

	caps := svc.defaultCaps(opts.Client)
	if opts.Caps != nil {
		caps = *opts.Caps
	}
	ss, err := svc.stream.Initialize(snap.ID, caps)
	if err != nil {
		res.Warnings = append(res.Warnings, "stream: "+err.Error())
		ss = nil
	} else {
		res.StreamSessionID = ss.ID()
		if err := svc.safety.AttachStream(sctx.ID, ss.ID()); err != nil {
			res.Warnings = append(res.Warnings, "attach stream: "+err.Error())
		}
	}

	if err := svc.safety.BeginTransition(sctx.ID); err != nil {
		svc.logger.Debug("hub: transition skipped", "context_id", sctx.ID, "error", err)
	}

	if len(opts.Targets) > 0 {
		hs, herr := svc.hydrate.Initialize(opts.PageID, opts.Signals)
		if herr != nil {
			res.Warnings = append(res.Warnings, "hydration: "+herr.Error())
		} else {
			res.HydrationID = hs.ID()
			for _, spec := range opts.Targets {
				if _, rerr := hs.Register(spec); rerr != nil {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("hydration target %s: %v", spec.ElementID, rerr))
				}
			}
			if aerr := svc.safety.AttachHydration(sctx.ID, hs.ID()); aerr != nil {
				res.Warnings = append(res.Warnings, "attach hydration: "+aerr.Error())
			}
			// Hydration outlives the request: its lifetime is bounded by
			// Cancel and the scheduler sweep, not by ctx.
			if serr := hs.Start(context.WithoutCancel(ctx)); serr != nil {
				res.Warnings = append(res.Warnings, "hydration start: "+serr.Error())
			}
		}
	}

	sink := svc.deliverySink(ss, skel, userID, opts)
	run := func(runCtx context.Context) {
		runErr := svc.render.Start(runCtx, snap.ID, sink)
		if ss != nil {
			ss.Complete()
		}
		if runErr != nil {
			sev := safety.SeverityMedium
			if opts.Safety.Level == render.LevelStrict {
				sev = safety.SeverityHigh
			}
			svc.safety.RecordViolation(sctx.ID, "render_failure", sev,
				"content delivery degraded", runErr.Error())
		} else if err := svc.safety.MarkStable(sctx.ID); err != nil {
			svc.logger.Debug("hub: stable skipped", "context_id", sctx.ID, "error", err)
		}
		got, _ := svc.render.Get(snap.ID)
		svc.auditLog(runCtx, "render", opts, got, runErr, began)
	}

	if opts.Wait {
		run(ctx)
	} else {
		go run(context.WithoutCancel(ctx))
	}

	if got, ok := svc.render.Get(snap.ID); ok {
		res.Render = got
	} else {
		res.Render = snap
	}
	if ss != nil {
		m := ss.Metrics()
		res.Stream = &m
	}
	return res, nil
}

// deliverySink forwards generated chunks into the stream session, advances
// skeleton replacement state, and records final content for fallback and
// recovery reads. Chunks arrive in sequence order on one goroutine. Stream
// failures are logged and skipped so generation continues; the stream
// session's metrics carry the miss.
func (svc *Service) deliverySink(ss *stream.Session, skel *skeleton.Configuration, userID string, opts Options) render.ChunkSink {
	var sections []string
	for _, s := range skel.Sections {
		sections = append(sections, s.ID)
	}
	replaced := 0
	return render.SinkFunc(func(ctx context.Context, c render.Chunk) error {
		if ss != nil {
			if _, err := ss.StreamChunk(ctx, c.Payload, chunkPriority(c.Type), time.Time{}); err != nil {
				svc.logger.Warn("hub: chunk not streamed",
					"session_id", c.SessionID, "seq", c.Seq, "type", c.Type, "error", err)
			}
		}

		switch c.Type {
		case render.ChunkPartial:
			if replaced < len(sections) {
				if _, err := svc.skeleton.ReplaceSection(skel.ID, sections[replaced]); err == nil {
					replaced++
				}
			}
		case render.ChunkFinal:
			for replaced < len(sections) {
				if _, err := svc.skeleton.ReplaceSection(skel.ID, sections[replaced]); err != nil {
					break
				}
				replaced++
			}
		}

		if c.Type == render.ChunkFinal && !c.Fallback {
			now := svc.clock.Now()
			frag := fragcache.Fragment{
				PageID:     opts.PageID,
				WidgetID:   opts.WidgetID,
				Content:    append([]byte(nil), c.Payload...),
				RenderedAt: now,
				ExpiresAt:  now.Add(svc.cfg.FragmentTTL),
			}
			if err := svc.cache.Put(ctx, frag); err != nil {
				svc.logger.Warn("hub: fragment not cached",
					"page_id", opts.PageID, "widget_id", opts.WidgetID, "error", err)
			}
			if opts.WidgetID == "" {
				if err := svc.safety.RecordPageState(userID, opts.PageID, string(c.Payload)); err != nil {
					svc.logger.Warn("hub: page state not recorded",
						"page_id", opts.PageID, "error", err)
				}
			}
		}
		return nil
	})
}

// chunkPriority ranks chunk types for the stream buffer: structural chunks
// outrank body content so overflow drops partials before the frame.
func chunkPriority(chunkType string) int {
	switch chunkType {
	case render.ChunkSkeleton:
		return 9
	case render.ChunkFinal:
		return 8
	case render.ChunkError:
		return 7
	case render.ChunkMetadata:
		return 3
	default:
		return 5
	}
}
