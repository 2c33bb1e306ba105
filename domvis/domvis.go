// CLAUDE:SUMMARY Rod-backed visibility/idle provider: stealth page, CDP binding, injected observers.
// Package domvis implements the hydration scheduler's visibility and idle
// collaborators against a real browser page. A Provider owns one Chrome page
// (launched locally or attached via RemoteURL), injects a small script that
// wires IntersectionObserver and requestIdleCallback to a CDP binding, and
// routes binding events back to registered Go callbacks.
//
// The hydrate package ships a synthetic double for tests; this is the
// production implementation.
package domvis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/esquisse/hydrate"
)

//go:embed domvis.js
var domvisJS string

const bindingName = "__domvis_binding"

var (
	ErrNotStarted      = errors.New("domvis: provider not started")
	ErrAlreadyStarted  = errors.New("domvis: provider already started")
	ErrClosed          = errors.New("domvis: provider closed")
	ErrElementNotFound = errors.New("domvis: element not found")
)

// Config configures a Provider.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// Stealth creates the page through the stealth setup instead of a plain
	// target.
	Stealth bool `yaml:"stealth"`

	// NavigateTimeout bounds navigation plus the load wait. Default: 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Provider observes one browser page. Safe for concurrent use after Start.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	closed  bool
	nextKey int64
	vis     map[int64]func(ratio float64)
	idle    map[int64]func()
}

// New creates a Provider. Call Start to attach it to a page.
func New(cfg Config) *Provider {
	cfg.defaults()
	return &Provider{
		cfg:    cfg,
		logger: cfg.Logger,
		vis:    make(map[int64]func(float64)),
		idle:   make(map[int64]func()),
	}
}

// Start launches Chrome (or connects to RemoteURL), opens the page, navigates
// to pageURL, and injects the observer script.
func (p *Provider) Start(ctx context.Context, pageURL string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.page != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	var wsURL string
	var lnch *launcher.Launcher
	if p.cfg.RemoteURL != "" {
		wsURL = p.cfg.RemoteURL
		p.logger.Info("domvis: connecting to remote browser", "url", wsURL)
	} else {
		lnch = launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := lnch.Launch()
		if err != nil {
			return fmt.Errorf("domvis: launch: %w", err)
		}
		wsURL = u
		p.logger.Info("domvis: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return fmt.Errorf("domvis: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		p.logger.Warn("domvis: ignore cert errors failed", "error", err)
	}

	var page *rod.Page
	var err error
	if p.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		b.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		return fmt.Errorf("domvis: create page: %w", err)
	}

	navCtx, cancelNav := context.WithTimeout(ctx, p.cfg.NavigateTimeout)
	defer cancelNav()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		b.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		return fmt.Errorf("domvis: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.logger.Warn("domvis: wait load timeout", "url", pageURL, "error", err)
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		p.logger.Warn("domvis: add binding failed (may already exist)", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go p.listenBinding(runCtx, page)

	if _, err := page.Eval(domvisJS); err != nil {
		cancel()
		page.Close()
		b.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		return fmt.Errorf("domvis: inject script: %w", err)
	}

	p.mu.Lock()
	p.browser = b
	p.lnch = lnch
	p.page = page
	p.ctx = runCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("domvis: observing page", "url", pageURL, "stealth", p.cfg.Stealth)
	return nil
}

// Observe registers an IntersectionObserver for the element and reports
// intersection ratio changes to fn. The returned cancel stops observation.
func (p *Provider) Observe(elementID string, threshold float64, fn func(ratio float64)) (func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	page := p.page
	if page == nil {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	p.nextKey++
	key := p.nextKey
	p.vis[key] = fn
	p.mu.Unlock()

	res, err := page.Eval(`(key, id, t) => window.__domvis.observe(key, id, t)`,
		key, elementID, threshold)
	if err != nil {
		p.dropVisibility(key)
		return nil, fmt.Errorf("domvis: observe %s: %w", elementID, err)
	}
	if !res.Value.Bool() {
		p.dropVisibility(key)
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, elementID)
	}

	cancel := func() {
		p.dropVisibility(key)
		if _, err := page.Eval(`(key) => window.__domvis.unobserve(key)`, key); err != nil {
			p.logger.Debug("domvis: unobserve failed", "element_id", elementID, "error", err)
		}
	}
	return cancel, nil
}

// OnIdle schedules fn for the page's next idle period. One-shot; the returned
// cancel revokes a pending callback.
func (p *Provider) OnIdle(fn func()) (func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	page := p.page
	if page == nil {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	p.nextKey++
	key := p.nextKey
	p.idle[key] = fn
	p.mu.Unlock()

	if _, err := page.Eval(`(key) => window.__domvis.onIdle(key)`, key); err != nil {
		p.dropIdle(key)
		return nil, fmt.Errorf("domvis: schedule idle: %w", err)
	}

	cancel := func() {
		if !p.dropIdle(key) {
			return // already fired
		}
		if _, err := page.Eval(`(key) => window.__domvis.cancelIdle(key)`, key); err != nil {
			p.logger.Debug("domvis: cancel idle failed", "error", err)
		}
	}
	return cancel, nil
}

// Close stops event dispatch and shuts down the page and browser it launched.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	if p.page != nil {
		if err := p.page.Close(); err != nil {
			p.logger.Warn("domvis: page close", "error", err)
		}
		p.page = nil
	}
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			p.logger.Warn("domvis: browser close", "error", err)
		}
		p.browser = nil
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
		p.lnch = nil
	}
	return nil
}

func (p *Provider) dropVisibility(key int64) {
	p.mu.Lock()
	delete(p.vis, key)
	p.mu.Unlock()
}

func (p *Provider) dropIdle(key int64) bool {
	p.mu.Lock()
	_, ok := p.idle[key]
	delete(p.idle, key)
	p.mu.Unlock()
	return ok
}

func (p *Provider) listenBinding(ctx context.Context, page *rod.Page) {
	page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		p.dispatch([]byte(e.Payload))
	})()
}

// dispatch routes one binding payload to its registered callback. Idle
// callbacks are one-shot; duplicate or late events are dropped.
func (p *Provider) dispatch(payload []byte) {
	var msg struct {
		Kind  string  `json:"kind"`
		Key   int64   `json:"key"`
		Ratio float64 `json:"ratio"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("domvis: bad binding payload", "error", err)
		return
	}
	switch msg.Kind {
	case "visibility":
		p.mu.Lock()
		fn := p.vis[msg.Key]
		p.mu.Unlock()
		if fn != nil {
			fn(msg.Ratio)
		}
	case "idle":
		p.mu.Lock()
		fn := p.idle[msg.Key]
		delete(p.idle, msg.Key)
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	default:
		p.logger.Warn("domvis: unknown binding kind", "kind", msg.Kind)
	}
}

var (
	_ hydrate.VisibilityProvider = (*Provider)(nil)
	_ hydrate.IdleScheduler      = (*Provider)(nil)
)
