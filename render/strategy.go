package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

// Start transitions the session to rendering and drives its strategy to
// completion, delivering each chunk to sink in sequence order. It blocks
// until the session reaches a terminal status; callers wanting asynchronous
// rendering run it in a goroutine.
//
// A nil sink generates chunks without delivering them.
func (m *Manager) Start(ctx context.Context, sessionID string, sink ChunkSink) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.status != StatusInitializing {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start session in status %s", ErrBadTransition, status)
	}
	s.status = StatusRendering
	s.startedAt = m.clock.Now()
	plan := strategyPlan(s.req.Strategy, s.estimated)
	s.mu.Unlock()

	m.logger.Info("render: session started",
		"session_id", s.id, "strategy", s.req.Strategy, "planned_chunks", len(plan))

	seq := 0
	for i, chunkType := range plan {
		s.mu.Lock()
		status := s.status
		violations := s.violations
		s.mu.Unlock()
		if status != StatusRendering {
			// Cancelled concurrently; stop quietly.
			return nil
		}

		if i > 0 {
			delay := m.interChunkDelay(s.req.Client.ConnectionSpeed, violations)
			if err := tick.Sleep(ctx, delay); err != nil {
				m.Cancel(sessionID)
				return err
			}
		}

		seq++
		chunk, err := m.generateChunk(ctx, s, seq, chunkType)
		if err != nil {
			return m.failSession(ctx, s, sink, err)
		}

		s.mu.Lock()
		if s.status != StatusRendering {
			// Cancelled during generation: discard the result.
			s.mu.Unlock()
			return nil
		}
		s.chunks = append(s.chunks, chunk)
		s.mu.Unlock()
		m.totalChunks.Add(1)

		if sink != nil {
			if err := sink.Deliver(ctx, chunk); err != nil {
				return m.failSession(ctx, s, sink,
					fmt.Errorf("render: deliver chunk %d: %w", chunk.Seq, err))
			}
		}
	}

	s.mu.Lock()
	if s.status == StatusRendering {
		s.status = StatusCompleted
		s.finishedAt = m.clock.Now()
		m.totalCompleted.Add(1)
		m.logger.Info("render: session completed",
			"session_id", s.id, "chunks", len(s.chunks),
			"violations", s.violations,
			"duration_ms", s.finishedAt.Sub(s.startedAt).Milliseconds())
	}
	s.mu.Unlock()
	return nil
}

// strategyPlan returns the ordered chunk types for a strategy. Every plan is
// exactly `estimated` chunks and ends with a final chunk.
//
//	streaming:             skeleton, partial…, final
//	chunked:               metadata, partial…, final
//	progressive_hydration: skeleton, metadata, partial…, final
//	lazy_load:             skeleton, partial…, metadata, final
func strategyPlan(strategy string, estimated int) []string {
	if estimated < 3 {
		estimated = 3
	}
	plan := make([]string, 0, estimated)

	switch strategy {
	case StrategyChunked:
		plan = append(plan, ChunkMetadata)
		for len(plan) < estimated-1 {
			plan = append(plan, ChunkPartial)
		}
	case StrategyProgressiveHydration:
		plan = append(plan, ChunkSkeleton, ChunkMetadata)
		for len(plan) < estimated-1 {
			plan = append(plan, ChunkPartial)
		}
	case StrategyLazyLoad:
		plan = append(plan, ChunkSkeleton)
		for len(plan) < estimated-2 {
			plan = append(plan, ChunkPartial)
		}
		plan = append(plan, ChunkMetadata)
	default: // StrategyStreaming
		plan = append(plan, ChunkSkeleton)
		for len(plan) < estimated-1 {
			plan = append(plan, ChunkPartial)
		}
	}
	return append(plan, ChunkFinal)
}

// interChunkDelay derives the pause before the next chunk: slower
// connections stretch the base delay, and accumulated violations add a
// capped penalty so misbehaving pages back off.
func (m *Manager) interChunkDelay(speed string, violations int) time.Duration {
	factor, ok := m.cfg.SpeedFactor[speed]
	if !ok || factor <= 0 {
		factor = 1.0
	}
	d := time.Duration(float64(m.cfg.BaseDelay) / factor)

	penalty := time.Duration(violations) * m.cfg.ViolationDelay
	if penalty > m.cfg.MaxViolationDelay {
		penalty = m.cfg.MaxViolationDelay
	}
	return d + penalty
}

// generateChunk produces one chunk: payload from the content source, then
// the optional validator and consistency checks. Check failures record a
// safety sub-result and bump the session violation counter; under strict
// safety they fail the chunk.
func (m *Manager) generateChunk(ctx context.Context, s *session, seq int, chunkType string) (Chunk, error) {
	start := m.clock.Now()
	req := s.req

	payload, err := m.cfg.Source.Fragment(ctx, FragmentRequest{
		PageID:   req.PageID,
		WidgetID: req.WidgetID,
		Seq:      seq,
		Type:     chunkType,
		Strategy: req.Strategy,
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("render: generate chunk %d: %w", seq, err)
	}

	var safety *SafetyResult
	if req.Safety.ValidateEachChunk && m.cfg.Validator != nil {
		v, err := m.cfg.Validator.Validate(ctx, req.PageID, req.WidgetID)
		if err != nil {
			return Chunk{}, fmt.Errorf("render: validate chunk %d: %w", seq, err)
		}
		safety = &SafetyResult{Validated: true, Valid: v.Valid, Issues: v.Issues}
		if !v.Valid {
			s.mu.Lock()
			s.violations++
			s.mu.Unlock()
			if req.Safety.Level == LevelStrict {
				return Chunk{}, fmt.Errorf("%w: chunk %d: %s",
					ErrChunkValidation, seq, strings.Join(v.Issues, "; "))
			}
		}
	}
	if req.Safety.CrossPageConsistency && m.cfg.Graph != nil {
		c, err := m.cfg.Graph.CheckConsistency(ctx, req.PageID)
		if err != nil {
			return Chunk{}, fmt.Errorf("render: consistency check chunk %d: %w", seq, err)
		}
		if safety == nil {
			safety = &SafetyResult{}
		}
		safety.Checked = true
		safety.Consistent = c.Consistent
		safety.Score = c.Score
		if !c.Consistent {
			safety.Issues = append(safety.Issues, c.Issues...)
			s.mu.Lock()
			s.violations++
			s.mu.Unlock()
			if req.Safety.Level == LevelStrict {
				return Chunk{}, fmt.Errorf("%w: chunk %d inconsistent: %s",
					ErrChunkValidation, seq, strings.Join(c.Issues, "; "))
			}
		}
	}

	end := m.clock.Now()
	return Chunk{
		SessionID: s.id,
		Seq:       seq,
		Type:      chunkType,
		Payload:   payload,
		Safety:    safety,
		Metrics: ChunkMetrics{
			GeneratedAt: end,
			Duration:    end.Sub(start),
			SizeBytes:   len(payload),
		},
	}, nil
}

// failSession marks the session failed and, when the request asked for
// fallback, emits exactly one error-type chunk carrying cached or static
// content. The original cause is always returned.
func (m *Manager) failSession(ctx context.Context, s *session, sink ChunkSink, cause error) error {
	s.mu.Lock()
	if s.status.Terminal() {
		// Cancelled while the failing operation was in flight; the cancel wins.
		s.mu.Unlock()
		return cause
	}
	s.status = StatusFailed
	s.lastError = cause.Error()
	s.finishedAt = m.clock.Now()
	wantFallback := s.req.Safety.FallbackOnError
	seq := len(s.chunks) + 1
	s.mu.Unlock()

	m.totalFailed.Add(1)
	m.logger.Error("render: session failed", "session_id", s.id, "error", cause)

	if !wantFallback {
		return cause
	}

	payload := m.fallbackPayload(ctx, s.req)
	chunk := Chunk{
		SessionID: s.id,
		Seq:       seq,
		Type:      ChunkError,
		Payload:   payload,
		Fallback:  true,
		Metrics: ChunkMetrics{
			GeneratedAt: m.clock.Now(),
			SizeBytes:   len(payload),
		},
	}

	s.mu.Lock()
	if s.status == StatusFailed {
		s.chunks = append(s.chunks, chunk)
	}
	s.mu.Unlock()
	m.totalChunks.Add(1)

	if sink != nil {
		if err := sink.Deliver(ctx, chunk); err != nil {
			m.logger.Warn("render: fallback chunk delivery failed",
				"session_id", s.id, "error", err)
		}
	}
	return cause
}

// fallbackPayload prefers cached content for the page/widget and degrades to
// a static notice on miss or cache error.
func (m *Manager) fallbackPayload(ctx context.Context, req Request) []byte {
	if m.cfg.Cache != nil {
		content, ok, err := m.cfg.Cache.Cached(ctx, req.PageID, req.WidgetID)
		if err != nil {
			m.logger.Warn("render: fallback cache read failed",
				"page_id", req.PageID, "error", err)
		} else if ok {
			return content
		}
	}
	return []byte(fmt.Sprintf(
		`<div class="esq-fallback" data-page=%q>content temporarily unavailable</div>`,
		req.PageID))
}
