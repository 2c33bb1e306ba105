// CLAUDE:SUMMARY Skeleton generator: template matching, device/performance transforms, reveal delays.
// Package skeleton produces placeholder structure for a page region before
// real content is available. A Generator matches a declarative template by
// page/widget pattern, adapts it to the client's device class and performance
// mode, and computes per-section reveal delays. Render state tracks which
// sections have been replaced by real content.
//
// Usage:
//
//	gen := skeleton.New(skeleton.Config{})
//	cfg := gen.Generate("article-42", "main", skeleton.DeviceProfile{Class: "mobile"})
//	markup, _ := skeleton.Markup(cfg)
package skeleton

import (
	"log/slog"
	"math/rand/v2"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

// Performance modes.
const (
	PerfFirst   = "performance_first"
	PerfBalance = "balanced"
	PerfQuality = "high_quality"
)

// DeviceProfile describes the client the skeleton is generated for.
type DeviceProfile struct {
	Class                string // mobile | tablet | desktop
	PerformanceMode      string // performance_first | balanced | high_quality
	PrefersReducedMotion bool
}

// Configuration is a generated skeleton: the chosen template after device and
// performance transforms, with reveal delays filled in. Immutable once
// returned.
type Configuration struct {
	ID          string
	PageID      string
	WidgetID    string
	Template    string
	Sections    []Section
	Animation   AnimationSpec
	Mode        string
	Fallback    bool
	Degraded    string // non-empty when generation fell back, explains why
	GeneratedAt time.Time
}

// Config configures a Generator.
type Config struct {
	// Templates consulted for the best pattern match. Empty uses
	// DefaultTemplates.
	Templates []Template `yaml:"templates"`

	// MinPriority is the performance_first cutoff: sections below it are
	// stripped.
	MinPriority int `yaml:"min_priority"`

	// RandomSeed seeds the random reveal sequence. 0 derives from the clock.
	RandomSeed int64 `yaml:"random_seed"`

	Logger *slog.Logger    `yaml:"-"`
	Clock  tick.Clock      `yaml:"-"`
	IDs    idgen.Generator `yaml:"-"`
}

func (c *Config) defaults() {
	if len(c.Templates) == 0 {
		c.Templates = DefaultTemplates()
	}
	if c.MinPriority <= 0 {
		c.MinPriority = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("sk_", idgen.Default)
	}
}

// Generator matches templates and tracks render state for the skeletons it
// hands out. Safe for concurrent use.
type Generator struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock
	ids    idgen.Generator

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.RWMutex
	states map[string]*renderState
}

// New creates a Generator with the given configuration.
func New(cfg Config) *Generator {
	cfg.defaults()
	for i := range cfg.Templates {
		cfg.Templates[i].applyDefaults()
	}
	seed := uint64(cfg.RandomSeed)
	if seed == 0 {
		seed = uint64(cfg.Clock.Now().UnixNano())
	}
	return &Generator{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		ids:    cfg.IDs,
		rng:    rand.New(rand.NewPCG(seed, seed)),
		states: make(map[string]*renderState),
	}
}

// Generate produces a skeleton configuration for the page/widget pair.
// It never fails: on any generation problem it degrades through the default
// template down to the minimal hard-coded fallback, recording the reason in
// Configuration.Degraded.
func (g *Generator) Generate(pageID, widgetID string, dev DeviceProfile) *Configuration {
	tpl, matched := g.match(pageID, widgetID)
	degraded := ""
	if !matched {
		degraded = "no template matched, using default"
	}

	sections := cloneSections(tpl.Sections)
	anim := tpl.Animation

	if ov, ok := tpl.Overrides[dev.Class]; ok {
		sections = applyOverride(sections, ov)
	}

	mode := dev.PerformanceMode
	if mode == "" {
		mode = PerfBalance
	}
	switch mode {
	case PerfFirst:
		sections = stripBelow(sections, g.cfg.MinPriority)
		anim.Type = AnimNone
	case PerfQuality:
		if anim.Type == AnimNone {
			anim.Type = AnimPulse
		}
	}
	if dev.PrefersReducedMotion {
		anim.Type = AnimNone
	}

	if len(sections) == 0 {
		fb := fallbackTemplate()
		g.logger.Warn("skeleton: transforms emptied template, using fallback",
			"template", tpl.Name, "page_id", pageID, "widget_id", widgetID)
		sections = cloneSections(fb.Sections)
		anim = fb.Animation
		tpl = fb
		degraded = "transforms removed every section"
	}

	g.applyRevealDelays(sections, anim)

	cfg := &Configuration{
		ID:          g.ids(),
		PageID:      pageID,
		WidgetID:    widgetID,
		Template:    tpl.Name,
		Sections:    sections,
		Animation:   anim,
		Mode:        mode,
		Fallback:    tpl.Name == "fallback",
		Degraded:    degraded,
		GeneratedAt: g.clock.Now(),
	}
	g.logger.Debug("skeleton: generated",
		"config_id", cfg.ID, "template", tpl.Name,
		"sections", len(sections), "mode", mode)
	return cfg
}

// match returns the most specific template whose page and widget patterns
// both match. Exact match beats glob match beats catch-all; page specificity
// dominates widget specificity. The second return is false when only the
// built-in default applied.
func (g *Generator) match(pageID, widgetID string) (Template, bool) {
	best := -1
	bestScore := 0
	for i := range g.cfg.Templates {
		t := &g.cfg.Templates[i]
		ps := patternScore(t.PagePattern, pageID)
		ws := patternScore(t.WidgetPattern, widgetID)
		if ps == 0 || ws == 0 {
			continue
		}
		score := ps*4 + ws
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best >= 0 {
		t := g.cfg.Templates[best]
		// Catch-all-only matches count as the default path.
		return t, bestScore > 5
	}
	for _, t := range DefaultTemplates() {
		if t.Name == "default" {
			return t, false
		}
	}
	return fallbackTemplate(), false
}

// patternScore rates how specifically pattern matches id:
// 3 exact, 2 glob, 1 catch-all, 0 no match. Malformed patterns never match.
func patternScore(pattern, id string) int {
	switch {
	case pattern == id:
		return 3
	case pattern == "*" || pattern == "":
		return 1
	default:
		ok, err := path.Match(pattern, id)
		if err != nil || !ok {
			return 0
		}
		return 2
	}
}

func cloneSections(src []Section) []Section {
	out := make([]Section, len(src))
	copy(out, src)
	return out
}

func applyOverride(sections []Section, ov DeviceOverride) []Section {
	if len(ov.DropTypes) > 0 {
		drop := make(map[string]struct{}, len(ov.DropTypes))
		for _, t := range ov.DropTypes {
			drop[t] = struct{}{}
		}
		kept := sections[:0]
		for _, s := range sections {
			if _, skip := drop[s.Type]; !skip {
				kept = append(kept, s)
			}
		}
		sections = kept
	}
	if ov.MaxSections > 0 && len(sections) > ov.MaxSections {
		// Keep the highest-priority sections, preserving document order.
		type ranked struct {
			idx int
			s   Section
		}
		all := make([]ranked, len(sections))
		for i, s := range sections {
			all[i] = ranked{i, s}
		}
		sort.SliceStable(all, func(a, b int) bool { return all[a].s.Priority > all[b].s.Priority })
		all = all[:ov.MaxSections]
		sort.Slice(all, func(a, b int) bool { return all[a].idx < all[b].idx })
		sections = sections[:0]
		for _, r := range all {
			sections = append(sections, r.s)
		}
	}
	return sections
}

func stripBelow(sections []Section, minPriority int) []Section {
	kept := sections[:0]
	for _, s := range sections {
		if s.Priority >= minPriority {
			kept = append(kept, s)
		}
	}
	return kept
}

// applyRevealDelays fills Section.RevealDelay according to the reveal
// sequence. Animation type none zeroes every delay.
func (g *Generator) applyRevealDelays(sections []Section, anim AnimationSpec) {
	if anim.Type == AnimNone {
		for i := range sections {
			sections[i].RevealDelay = 0
		}
		return
	}

	order := make([]int, len(sections))
	for i := range order {
		order[i] = i
	}

	switch anim.Sequence {
	case RevealPriority:
		sort.SliceStable(order, func(a, b int) bool {
			return sections[order[a]].Priority > sections[order[b]].Priority
		})
	case RevealCenterOut:
		center := (len(sections) - 1) / 2
		sort.SliceStable(order, func(a, b int) bool {
			da, db := abs(order[a]-center), abs(order[b]-center)
			if da != db {
				return da < db
			}
			return order[a] < order[b]
		})
	case RevealRandom:
		g.rngMu.Lock()
		g.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		g.rngMu.Unlock()
	default: // RevealTopDown: document order.
	}

	for rank, idx := range order {
		sections[idx].RevealDelay = time.Duration(rank) * anim.StepDelay
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
