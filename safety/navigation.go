package safety

import (
	"context"
	"fmt"
	"time"
)

// CrossPageState is a snapshot of one user session's navigation history:
// the page they are on, the page they came from, and the last content
// recorded for it. previous_state recovery serves PreviousContent.
type CrossPageState struct {
	UserSessionID    string    `json:"user_session_id"`
	CurrentPageID    string    `json:"current_page_id"`
	PreviousPageID   string    `json:"previous_page_id"`
	PreviousContent  string    `json:"previous_content,omitempty"`
	NavigationCount  int       `json:"navigation_count"`
	LastNavigationAt time.Time `json:"last_navigation_at"`
}

type crossPageState struct {
	userSessionID    string
	currentPageID    string
	previousPageID   string
	currentContent   string
	previousContent  string
	navigationCount  int
	lastNavigationAt time.Time
}

// NavigationResult reports what HandleNavigation did.
type NavigationResult struct {
	ContextID  string `json:"context_id"`
	FromPageID string `json:"from_page_id"`
	ToPageID   string `json:"to_page_id"`
	Level      string `json:"level"`

	// Blocked means the navigation was deferred behind LockID: strict
	// contexts wait for active renders to complete. Retry once the lock
	// releases.
	Blocked bool   `json:"blocked"`
	LockID  string `json:"lock_id,omitempty"`

	CancelledRenders int       `json:"cancelled_renders"`
	CompletedStreams int       `json:"completed_streams"`
	DetachedSessions int       `json:"detached_sessions"`
	At               time.Time `json:"at"`
}

// RecordPageState stores the rendered content for the user session's
// current page, so a later navigation can fall back to it.
func (m *Monitor) RecordPageState(userSessionID, pageID, content string) error {
	if userSessionID == "" || pageID == "" {
		return fmt.Errorf("%w: user session and page required", ErrInvalidRequest)
	}
	m.mu.Lock()
	ps, ok := m.pages[userSessionID]
	if !ok {
		ps = &crossPageState{userSessionID: userSessionID}
		m.pages[userSessionID] = ps
	}
	ps.currentPageID = pageID
	ps.currentContent = content
	m.mu.Unlock()
	return nil
}

// PageState returns the user session's cross-page navigation state.
func (m *Monitor) PageState(userSessionID string) (CrossPageState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.pages[userSessionID]
	if !ok {
		return CrossPageState{}, false
	}
	return CrossPageState{
		UserSessionID:    ps.userSessionID,
		CurrentPageID:    ps.currentPageID,
		PreviousPageID:   ps.previousPageID,
		PreviousContent:  ps.previousContent,
		NavigationCount:  ps.navigationCount,
		LastNavigationAt: ps.lastNavigationAt,
	}, true
}

// HandleNavigation moves a context to a new page under its safety level.
//
// Strict contexts never abandon work: while a tracked render session is
// still active the navigation is deferred behind a lock that auto-releases
// on render completion, and the result reports Blocked. Balanced contexts
// cancel active renders and complete streams before proceeding. Permissive
// contexts proceed immediately and merely stop tracking the old sessions.
//
// A completed navigation shifts the user's cross-page state (current page
// becomes previous), points the context at the new page, and restarts its
// lifecycle at loading.
func (m *Monitor) HandleNavigation(ctx context.Context, contextID, toPageID string) (NavigationResult, error) {
	if toPageID == "" {
		return NavigationResult{}, fmt.Errorf("%w: destination page required", ErrInvalidRequest)
	}

	m.mu.RLock()
	c, ok := m.contexts[contextID]
	if !ok {
		m.mu.RUnlock()
		return NavigationResult{}, ErrContextNotFound
	}
	level := c.level
	fromPage := c.pageID
	userID := c.userSessionID
	renders := append([]string(nil), c.renders...)
	streams := append([]string(nil), c.streams...)
	tracked := len(c.renders) + len(c.streams) + len(c.hydrations)
	m.mu.RUnlock()

	res := NavigationResult{
		ContextID:  contextID,
		FromPageID: fromPage,
		ToPageID:   toPageID,
		Level:      level,
		At:         m.clock.Now(),
	}

	switch level {
	case LevelStrict:
		// Without a session controller render activity is unknowable, so
		// strict degrades to an immediate switch.
		active := m.activeRenders(ctx, renders)
		if len(active) > 0 {
			lock, err := m.navigationLock(contextID, userID, active[0])
			if err != nil {
				return NavigationResult{}, err
			}
			res.Blocked = true
			res.LockID = lock.ID
			m.logger.Info("safety: navigation deferred",
				"context_id", contextID, "to", toPageID,
				"active_renders", len(active), "lock_id", lock.ID)
			return res, nil
		}
	case LevelBalanced:
		if m.cfg.Sessions != nil {
			for _, id := range renders {
				if err := m.cfg.Sessions.CancelRender(ctx, id); err != nil {
					m.logger.Warn("safety: render cancel failed",
						"context_id", contextID, "session_id", id, "error", err)
					continue
				}
				res.CancelledRenders++
			}
			for _, id := range streams {
				if err := m.cfg.Sessions.CompleteStream(ctx, id); err != nil {
					m.logger.Warn("safety: stream complete failed",
						"context_id", contextID, "session_id", id, "error", err)
					continue
				}
				res.CompletedStreams++
			}
		}
	}
	res.DetachedSessions = tracked - res.CancelledRenders - res.CompletedStreams

	m.mu.Lock()
	c, ok = m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return NavigationResult{}, ErrContextNotFound
	}
	now := m.clock.Now()
	ps, found := m.pages[userID]
	if !found {
		ps = &crossPageState{userSessionID: userID, currentPageID: fromPage}
		m.pages[userID] = ps
	}
	ps.previousPageID = ps.currentPageID
	ps.previousContent = ps.currentContent
	ps.currentPageID = toPageID
	ps.currentContent = ""
	ps.navigationCount++
	ps.lastNavigationAt = now

	c.pageID = toPageID
	c.state = StateLoading
	c.renders = nil
	c.streams = nil
	c.hydrations = nil
	c.updatedAt = now
	m.mu.Unlock()

	m.logger.Info("safety: navigation handled",
		"context_id", contextID, "level", level, "from", fromPage, "to", toPageID,
		"cancelled_renders", res.CancelledRenders, "completed_streams", res.CompletedStreams)
	return res, nil
}

func (m *Monitor) activeRenders(ctx context.Context, ids []string) []string {
	if m.cfg.Sessions == nil {
		return nil
	}
	var out []string
	for _, id := range ids {
		if m.cfg.Sessions.RenderActive(ctx, id) {
			out = append(out, id)
		}
	}
	return out
}

// navigationLock guards the user's navigation channel while strict-mode
// renders finish. Repeat calls while the guard is held reuse it instead of
// queueing duplicates.
func (m *Monitor) navigationLock(contextID, userSessionID, renderSessionID string) (Lock, error) {
	resource := "navigation:" + userSessionID
	if held, ok := m.locks.holderSnapshot(resource, ScopeGlobal); ok && held.ContextID == contextID {
		return held, nil
	}
	return m.AcquireLock(LockRequest{
		ContextID: contextID,
		Resource:  resource,
		Scope:     ScopeGlobal,
		Priority:  10,
		Wait:      true,
		AutoRelease: AutoRelease{
			OnRenderComplete: true,
			RenderSessionID:  renderSessionID,
		},
	})
}
