package fragcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

type fragKey struct {
	page   string
	widget string
}

// MemoryConfig configures a Memory cache.
type MemoryConfig struct {
	// MaxEntries bounds the cache; inserting beyond it evicts the oldest
	// fragment.
	MaxEntries int `yaml:"max_entries"`

	// DefaultTTL applies to fragments stored without an explicit expiry.
	// Zero means fragments without an expiry never expire.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	Logger *slog.Logger `yaml:"-"`
	Clock  tick.Clock   `yaml:"-"`
}

func (c *MemoryConfig) defaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
}

// Memory is an in-process fragment cache. Safe for concurrent use.
type Memory struct {
	cfg    MemoryConfig
	logger *slog.Logger
	clock  tick.Clock

	mu    sync.RWMutex
	frags map[fragKey]Fragment

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemory creates a Memory cache.
func NewMemory(cfg MemoryConfig) *Memory {
	cfg.defaults()
	return &Memory{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		frags:  make(map[fragKey]Fragment),
	}
}

// Get returns the fragment for page/widget. Expired entries are removed on
// sight and reported as misses.
func (m *Memory) Get(_ context.Context, pageID, widgetID string) (Fragment, bool, error) {
	key := fragKey{pageID, widgetID}
	now := m.clock.Now()

	m.mu.RLock()
	frag, ok := m.frags[key]
	m.mu.RUnlock()
	if !ok {
		m.misses.Add(1)
		return Fragment{}, false, nil
	}
	if frag.expired(now) {
		m.mu.Lock()
		if cur, still := m.frags[key]; still && cur.expired(now) {
			delete(m.frags, key)
		}
		m.mu.Unlock()
		m.misses.Add(1)
		return Fragment{}, false, nil
	}

	m.hits.Add(1)
	frag.Content = append([]byte(nil), frag.Content...)
	return frag, true, nil
}

// Put stores a fragment, evicting the oldest entry when the cache is full.
func (m *Memory) Put(_ context.Context, frag Fragment) error {
	if frag.PageID == "" {
		return fmt.Errorf("%w: page id required", ErrInvalidFragment)
	}
	now := m.clock.Now()
	if frag.RenderedAt.IsZero() {
		frag.RenderedAt = now
	}
	if frag.ExpiresAt.IsZero() && m.cfg.DefaultTTL > 0 {
		frag.ExpiresAt = now.Add(m.cfg.DefaultTTL)
	}
	frag.Content = append([]byte(nil), frag.Content...)
	frag.Hash = contentHash(frag.Content)
	key := fragKey{frag.PageID, frag.WidgetID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.frags[key]; !exists && len(m.frags) >= m.cfg.MaxEntries {
		m.evictOldestLocked()
	}
	m.frags[key] = frag
	return nil
}

// evictOldestLocked drops the fragment with the earliest render time.
func (m *Memory) evictOldestLocked() {
	var victim fragKey
	var oldest time.Time
	first := true
	for k, f := range m.frags {
		if first || f.RenderedAt.Before(oldest) {
			victim, oldest, first = k, f.RenderedAt, false
		}
	}
	if !first {
		delete(m.frags, victim)
		m.evictions.Add(1)
	}
}

// Delete removes one fragment.
func (m *Memory) Delete(_ context.Context, pageID, widgetID string) error {
	m.mu.Lock()
	delete(m.frags, fragKey{pageID, widgetID})
	m.mu.Unlock()
	return nil
}

// PurgePage removes every fragment of a page.
func (m *Memory) PurgePage(_ context.Context, pageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.frags {
		if k.page == pageID {
			delete(m.frags, k)
			removed++
		}
	}
	return removed, nil
}

// Sweep removes expired fragments and returns the number removed.
func (m *Memory) Sweep(_ context.Context) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, f := range m.frags {
		if f.expired(now) {
			delete(m.frags, k)
			removed++
		}
	}
	return removed
}

// Cached serves the render fallback path.
func (m *Memory) Cached(ctx context.Context, pageID, widgetID string) ([]byte, bool, error) {
	frag, ok, err := m.Get(ctx, pageID, widgetID)
	if err != nil || !ok {
		return nil, false, err
	}
	return frag.Content, true, nil
}

// GetCached serves the safety recovery path with the page snapshot.
func (m *Memory) GetCached(ctx context.Context, pageID string) (string, bool) {
	frag, ok, _ := m.Get(ctx, pageID, "")
	if !ok {
		return "", false
	}
	return string(frag.Content), true
}

// MemoryStats are live cache counters.
type MemoryStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns a snapshot of cache counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.RLock()
	entries := len(m.frags)
	m.mu.RUnlock()
	return MemoryStats{
		Entries:   entries,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
}

var _ Cache = (*Memory)(nil)
