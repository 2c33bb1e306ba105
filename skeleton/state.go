package skeleton

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrStateNotFound   = errors.New("skeleton: render state not found")
	ErrUnknownSection  = errors.New("skeleton: unknown section")
	ErrSectionReplaced = errors.New("skeleton: section already replaced")
	ErrRenderStarted   = errors.New("skeleton: render already started")
)

type renderState struct {
	configID    string
	total       int
	remaining   map[string]struct{}
	replacedAt  map[string]time.Time
	startedAt   time.Time
	completedAt time.Time
}

// StateSnapshot is an immutable view of one skeleton's replacement progress.
type StateSnapshot struct {
	ConfigID    string
	Total       int
	Replaced    int
	Remaining   []string // sorted
	StartedAt   time.Time
	CompletedAt time.Time
	Complete    bool
}

// StartRender begins tracking replacement progress for a generated
// configuration. Calling it twice for the same configuration is an error.
func (g *Generator) StartRender(cfg *Configuration) (StateSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.states[cfg.ID]; exists {
		return StateSnapshot{}, ErrRenderStarted
	}

	st := &renderState{
		configID:   cfg.ID,
		total:      len(cfg.Sections),
		remaining:  make(map[string]struct{}, len(cfg.Sections)),
		replacedAt: make(map[string]time.Time, len(cfg.Sections)),
		startedAt:  g.clock.Now(),
	}
	for _, s := range cfg.Sections {
		st.remaining[s.ID] = struct{}{}
	}
	g.states[cfg.ID] = st

	g.logger.Debug("skeleton: render started", "config_id", cfg.ID, "sections", st.total)
	return snapshot(st), nil
}

// ReplaceSection marks one section as replaced by real content. The skeleton
// is complete exactly when no sections remain; completion time is recorded at
// that moment.
func (g *Generator) ReplaceSection(configID, sectionID string) (StateSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[configID]
	if !ok {
		return StateSnapshot{}, ErrStateNotFound
	}
	if _, done := st.replacedAt[sectionID]; done {
		return StateSnapshot{}, ErrSectionReplaced
	}
	if _, pending := st.remaining[sectionID]; !pending {
		return StateSnapshot{}, ErrUnknownSection
	}

	now := g.clock.Now()
	delete(st.remaining, sectionID)
	st.replacedAt[sectionID] = now
	if len(st.remaining) == 0 {
		st.completedAt = now
		g.logger.Debug("skeleton: complete",
			"config_id", configID,
			"duration_ms", now.Sub(st.startedAt).Milliseconds())
	}
	return snapshot(st), nil
}

// State returns the replacement progress for a configuration.
func (g *Generator) State(configID string) (StateSnapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.states[configID]
	if !ok {
		return StateSnapshot{}, false
	}
	return snapshot(st), true
}

// States lists progress for every tracked skeleton, ordered by config ID.
func (g *Generator) States() []StateSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]StateSnapshot, 0, len(g.states))
	for _, st := range g.states {
		out = append(out, snapshot(st))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ConfigID < out[b].ConfigID })
	return out
}

// Remove drops tracking for a configuration. Used by session cleanup;
// removing an unknown config is a no-op.
func (g *Generator) Remove(configID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, configID)
}

func snapshot(st *renderState) StateSnapshot {
	remaining := make([]string, 0, len(st.remaining))
	for id := range st.remaining {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)
	return StateSnapshot{
		ConfigID:    st.configID,
		Total:       st.total,
		Replaced:    len(st.replacedAt),
		Remaining:   remaining,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
		Complete:    len(st.remaining) == 0,
	}
}
