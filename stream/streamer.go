// CLAUDE:SUMMARY Streamer: session lifecycle, quality selection, chunk submission through buffer and pipeline.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/esquisse/guard"
	"github.com/hazyhaar/esquisse/idgen"
	"github.com/hazyhaar/esquisse/tick"
)

// Config configures a Streamer.
type Config struct {
	Thresholds QualityThresholds         `yaml:"thresholds"`
	Profiles   map[string]QualityProfile `yaml:"profiles"`
	Stages     map[string]StageConfig    `yaml:"stages"`

	// OverflowPolicy applies to every session buffer.
	OverflowPolicy string `yaml:"overflow_policy"`
	// SpillDir is the root under which per-session spill dirs are created.
	SpillDir string `yaml:"spill_dir"`

	MaxSessions      int           `yaml:"max_sessions"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	EventLogSize     int           `yaml:"event_log_size"`
	MinCompressBytes int           `yaml:"min_compress_bytes"`

	SanitizePolicy *bluemonday.Policy `yaml:"-"`
	Transport      Transport          `yaml:"-"`
	Logger         *slog.Logger       `yaml:"-"`
	Clock          tick.Clock         `yaml:"-"`
	IDs            idgen.Generator    `yaml:"-"`
	ChunkIDs       idgen.Generator    `yaml:"-"`
}

func (c *Config) defaults() {
	c.Thresholds.defaults()
	if c.Profiles == nil {
		c.Profiles = DefaultProfiles()
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
	if c.SpillDir == "" {
		c.SpillDir = filepath.Join(os.TempDir(), "esquisse-spill")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 128
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = 1024
	}
	if c.MinCompressBytes <= 0 {
		c.MinCompressBytes = 512
	}
	if c.Transport == nil {
		c.Transport = DiscardTransport{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = tick.System{}
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("ss_", idgen.Default)
	}
	if c.ChunkIDs == nil {
		c.ChunkIDs = idgen.Prefixed("ck_", idgen.Default)
	}
}

// Streamer owns every streaming session in the process. Safe for concurrent
// use.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
	clock  tick.Clock

	mu       sync.RWMutex
	sessions map[string]*Session

	totalSessions  atomic.Int64
	totalDelivered atomic.Int64
	totalFailed    atomic.Int64
	totalCompleted atomic.Int64
	totalCancelled atomic.Int64
}

// NewStreamer creates a Streamer with the given configuration.
func NewStreamer(cfg Config) *Streamer {
	cfg.defaults()
	return &Streamer{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		sessions: make(map[string]*Session),
	}
}

// Initialize creates a streaming session for one render session, choosing
// delivery mode and quality preset from the client's bandwidth.
func (st *Streamer) Initialize(renderSessionID string, caps ClientCaps) (*Session, error) {
	if caps.BandwidthMbps < 0 {
		return nil, fmt.Errorf("%w: negative bandwidth", ErrInvalidCaps)
	}

	id := st.cfg.IDs()
	profile := chooseProfile(caps, st.cfg.Thresholds, st.cfg.Profiles)
	mode := chooseMode(caps, st.cfg.Thresholds)
	// The ID generator is injectable, so the session's spill dir is
	// containment-checked rather than trusted.
	spillDir, err := guard.Path(st.cfg.SpillDir, id)
	if err != nil {
		return nil, fmt.Errorf("stream: session id %q: %w", id, err)
	}

	buf, err := NewBuffer(BufferConfig{
		MaxChunks: profile.BufferChunks,
		MaxBytes:  profile.BufferBytes,
		Policy:    st.cfg.OverflowPolicy,
		SpillDir:  spillDir,
		Logger:    st.logger,
	})
	if err != nil {
		return nil, err
	}

	pipe := NewPipeline(
		PipelineConfig{
			Stages:       st.cfg.Stages,
			EventLogSize: st.cfg.EventLogSize,
			Logger:       st.logger,
			Clock:        st.clock,
		},
		NewValidateStage(st.cfg.SanitizePolicy),
		NewCompressStage(profile.Compress && caps.AcceptsGzip, st.cfg.MinCompressBytes),
		NewFormatStage(caps.PrefersMarkdown),
		NewTransmitStage(st.cfg.Transport, st.clock),
	)

	s := &Session{
		id:              id,
		renderSessionID: renderSessionID,
		caps:            caps,
		mode:            mode,
		profile:         profile,
		spillDir:        spillDir,
		buffer:          buf,
		pipeline:        pipe,
		parent:          st,
		logger:          st.logger,
		clock:           st.clock,
		chunkIDs:        st.cfg.ChunkIDs,
		status:          SessionActive,
		createdAt:       st.clock.Now(),
	}

	st.mu.Lock()
	if len(st.sessions) >= st.cfg.MaxSessions {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions", ErrTooManySessions, st.cfg.MaxSessions)
	}
	st.sessions[id] = s
	st.mu.Unlock()

	st.totalSessions.Add(1)
	st.logger.Info("stream: session initialized",
		"session_id", id, "render_session_id", renderSessionID,
		"mode", mode, "profile", profile.Name, "bandwidth_mbps", caps.BandwidthMbps)
	return s, nil
}

// Get returns a live session by id.
func (st *Streamer) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns snapshots of every session, ordered by id.
func (st *Streamer) List() []SessionSnapshot {
	st.mu.RLock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.RUnlock()

	out := make([]SessionSnapshot, len(all))
	for i, s := range all {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Sweep removes terminal sessions past the retention window along with
// their spill directories. Returns the number removed.
func (st *Streamer) Sweep(ctx context.Context) int {
	cutoff := st.clock.Now().Add(-st.cfg.Retention)

	st.mu.Lock()
	var expired []*Session
	for id, s := range st.sessions {
		s.mu.Lock()
		gone := s.status != SessionActive && !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff)
		s.mu.Unlock()
		if gone {
			delete(st.sessions, id)
			expired = append(expired, s)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		if err := os.RemoveAll(s.spillDir); err != nil {
			st.logger.Warn("stream: spill dir cleanup failed", "dir", s.spillDir, "error", err)
		}
	}
	if len(expired) > 0 {
		st.logger.Debug("stream: swept sessions", "removed", len(expired))
	}
	return len(expired)
}

// Run sweeps expired sessions until ctx is cancelled.
func (st *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(st.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep(ctx)
		}
	}
}

// Stats are cumulative streamer counters plus the live session count.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	TotalSessions  int64 `json:"total_sessions"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalFailed    int64 `json:"total_failed"`
	TotalCompleted int64 `json:"total_completed"`
	TotalCancelled int64 `json:"total_cancelled"`
}

// Stats returns a snapshot of streamer counters.
func (st *Streamer) Stats() Stats {
	st.mu.RLock()
	active := 0
	for _, s := range st.sessions {
		s.mu.Lock()
		if s.status == SessionActive {
			active++
		}
		s.mu.Unlock()
	}
	st.mu.RUnlock()

	return Stats{
		ActiveSessions: active,
		TotalSessions:  st.totalSessions.Load(),
		TotalDelivered: st.totalDelivered.Load(),
		TotalFailed:    st.totalFailed.Load(),
		TotalCompleted: st.totalCompleted.Load(),
		TotalCancelled: st.totalCancelled.Load(),
	}
}

// SessionMetrics are per-session delivery aggregates, recomputed after
// every chunk.
type SessionMetrics struct {
	ChunksIn        int64 `json:"chunks_in"`
	ChunksDelivered int64 `json:"chunks_delivered"`
	ChunksFailed    int64 `json:"chunks_failed"`
	ChunksDropped   int64 `json:"chunks_dropped"`
	ChunksExpired   int64 `json:"chunks_expired"`
	BytesIn         int64 `json:"bytes_in"`
	BytesDelivered  int64 `json:"bytes_delivered"`

	DeliveryRatePerSec    float64   `json:"delivery_rate_per_sec"`
	ThroughputBytesPerSec float64   `json:"throughput_bytes_per_sec"`
	SuccessRate           float64   `json:"success_rate"`
	LastDeliveryAt        time.Time `json:"last_delivery_at"`
}

// SessionSnapshot is a point-in-time view of one session.
type SessionSnapshot struct {
	ID              string         `json:"id"`
	RenderSessionID string         `json:"render_session_id"`
	Mode            string         `json:"mode"`
	Profile         string         `json:"profile"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	BufferedChunks  int            `json:"buffered_chunks"`
	BufferedBytes   int64          `json:"buffered_bytes"`
	Metrics         SessionMetrics `json:"metrics"`
}

// Session is one client's delivery stream. All methods are safe for
// concurrent use, but chunks are sequenced by submission order: the caller
// streams from a single producer goroutine.
type Session struct {
	id              string
	renderSessionID string
	caps            ClientCaps
	mode            string
	profile         QualityProfile
	spillDir        string
	buffer          *Buffer
	pipeline        *Pipeline
	parent          *Streamer
	logger          *slog.Logger
	clock           tick.Clock
	chunkIDs        idgen.Generator

	mu         sync.Mutex
	status     string
	createdAt  time.Time
	finishedAt time.Time
	seq        int
	metrics    SessionMetrics
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RenderSessionID returns the render session this stream serves.
func (s *Session) RenderSessionID() string { return s.renderSessionID }

// Mode returns the delivery mode chosen at initialization.
func (s *Session) Mode() string { return s.mode }

// Profile returns the quality preset chosen at initialization.
func (s *Session) Profile() QualityProfile { return s.profile }

// transformStages run inline for every chunk; the transmit stage runs
// inline on realtime sessions and at Drain time on buffered ones.
var transformStages = []string{StageValidate, StageCompress, StageFormat}

// StreamChunk submits one piece of content: it becomes a sequenced chunk,
// enters the buffer (overflow resolved first), then runs the stage
// pipeline. Realtime sessions transmit inline; buffered sessions keep the
// transformed chunk until Drain. Stage failure after retries fails only
// this chunk. A zero deadline means none.
func (s *Session) StreamChunk(ctx context.Context, content []byte, priority int, deadline time.Time) (Receipt, error) {
	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return Receipt{}, ErrSessionClosed
	}
	s.seq++
	seq := s.seq
	s.metrics.ChunksIn++
	s.metrics.BytesIn += int64(len(content))
	s.mu.Unlock()

	if priority < 0 {
		priority = 0
	} else if priority > 10 {
		priority = 10
	}

	c := Chunk{
		ID:            s.chunkIDs(),
		SessionID:     s.id,
		Seq:           seq,
		Priority:      priority,
		Payload:       content,
		SizeBytes:     len(content),
		OriginalBytes: len(content),
		CreatedAt:     s.clock.Now(),
		Deadline:      deadline,
	}
	rcpt := Receipt{ChunkID: c.ID, Seq: seq, SizeBytes: c.SizeBytes}

	// Hard ceiling: twice the profile's chunk size target.
	if ceiling := s.profile.MaxChunkBytes * 2; ceiling > 0 && len(content) > ceiling {
		s.record(func(m *SessionMetrics) { m.ChunksDropped++ })
		return rcpt, fmt.Errorf("%w: %d bytes against a %d byte ceiling",
			ErrChunkTooLarge, len(content), ceiling)
	}

	res, err := s.buffer.Insert(c)
	if err != nil {
		s.record(func(m *SessionMetrics) { m.ChunksDropped++ })
		return rcpt, err
	}
	rcpt.Accepted = res.Accepted
	rcpt.Evicted = len(res.Evicted)
	rcpt.Spilled = len(res.Spilled)
	if !res.Accepted {
		s.record(func(m *SessionMetrics) { m.ChunksDropped++ })
		s.logger.Debug("stream: chunk dropped by overflow policy",
			"session_id", s.id, "seq", seq, "priority", priority)
		return rcpt, nil
	}

	if !deadline.IsZero() && s.clock.Now().After(deadline) {
		s.buffer.Remove(seq)
		rcpt.Expired = true
		s.record(func(m *SessionMetrics) { m.ChunksExpired++ })
		return rcpt, fmt.Errorf("%w: chunk %d", ErrChunkExpired, seq)
	}

	pctx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		pctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for _, name := range transformStages {
		if err := s.pipeline.ProcessStage(pctx, &c, name); err != nil {
			s.buffer.Remove(seq)
			rcpt.FailedStage = stageOf(err)
			s.record(func(m *SessionMetrics) { m.ChunksFailed++ })
			s.parent.totalFailed.Add(1)
			return rcpt, err
		}
	}

	if s.mode == ModeBuffered {
		s.buffer.Update(c)
		rcpt.Buffered = true
		rcpt.SizeBytes = c.SizeBytes
		rcpt.Compressed = c.Compressed
		return rcpt, nil
	}

	perr := s.pipeline.ProcessStage(pctx, &c, StageTransmit)
	s.buffer.Remove(seq)
	if perr != nil {
		rcpt.FailedStage = stageOf(perr)
		s.record(func(m *SessionMetrics) { m.ChunksFailed++ })
		s.parent.totalFailed.Add(1)
		return rcpt, perr
	}

	rcpt.Delivered = true
	rcpt.SizeBytes = c.SizeBytes
	rcpt.Compressed = c.Compressed
	now := s.clock.Now()
	s.record(func(m *SessionMetrics) {
		m.ChunksDelivered++
		m.BytesDelivered += int64(c.SizeBytes)
		m.LastDeliveryAt = now
	})
	s.parent.totalDelivered.Add(1)
	return rcpt, nil
}

func stageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Drain transmits up to max buffered chunks, oldest first, and returns what
// was sent. max <= 0 drains everything. Chunks whose transmit fails after
// retries are dropped and counted as failed; draining continues. Draining a
// completed session flushes its tail; a cancelled session has nothing left.
func (s *Session) Drain(ctx context.Context, max int) ([]Delivery, error) {
	s.mu.Lock()
	if s.status == SessionCancelled {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	pending := s.buffer.Chunks()
	if max <= 0 || max > len(pending) {
		max = len(pending)
	}

	out := make([]Delivery, 0, max)
	for _, c := range pending[:max] {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cc := c
		if err := s.pipeline.ProcessStage(ctx, &cc, StageTransmit); err != nil {
			s.buffer.Remove(cc.Seq)
			s.record(func(m *SessionMetrics) { m.ChunksFailed++ })
			s.parent.totalFailed.Add(1)
			s.logger.Warn("stream: drain transmit failed",
				"session_id", s.id, "seq", cc.Seq, "error", err)
			continue
		}
		s.buffer.Remove(cc.Seq)
		now := s.clock.Now()
		s.record(func(m *SessionMetrics) {
			m.ChunksDelivered++
			m.BytesDelivered += int64(cc.SizeBytes)
			m.LastDeliveryAt = now
		})
		s.parent.totalDelivered.Add(1)
		out = append(out, Delivery{
			SessionID:   cc.SessionID,
			ChunkID:     cc.ID,
			Seq:         cc.Seq,
			Priority:    cc.Priority,
			Payload:     cc.Payload,
			Compressed:  cc.Compressed,
			DeliveredAt: now,
		})
	}
	return out, nil
}

// record applies a metric mutation and recomputes the derived rates, so
// they are current after every chunk.
func (s *Session) record(mutate func(*SessionMetrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.metrics)
	s.recomputeLocked()
}

func (s *Session) recomputeLocked() {
	m := &s.metrics
	end := s.finishedAt
	if end.IsZero() {
		end = s.clock.Now()
	}
	if elapsed := end.Sub(s.createdAt).Seconds(); elapsed > 0 {
		m.DeliveryRatePerSec = float64(m.ChunksDelivered) / elapsed
		m.ThroughputBytesPerSec = float64(m.BytesDelivered) / elapsed
	}
	done := m.ChunksDelivered + m.ChunksFailed + m.ChunksDropped + m.ChunksExpired
	if done > 0 {
		m.SuccessRate = float64(m.ChunksDelivered) / float64(done) * 100
	}
}

// Complete marks the session finished. Completing a terminal session is a
// no-op.
func (s *Session) Complete() {
	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return
	}
	s.status = SessionCompleted
	s.finishedAt = s.clock.Now()
	s.recomputeLocked()
	s.mu.Unlock()

	s.parent.totalCompleted.Add(1)
	s.logger.Info("stream: session completed",
		"session_id", s.id, "delivered", s.Metrics().ChunksDelivered)
}

// Cancel marks the session cancelled and drops the buffered chunks.
// Idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status != SessionActive {
		s.mu.Unlock()
		return
	}
	s.status = SessionCancelled
	s.finishedAt = s.clock.Now()
	s.recomputeLocked()
	s.mu.Unlock()

	s.buffer.Clear()
	s.parent.totalCancelled.Add(1)
	s.logger.Info("stream: session cancelled", "session_id", s.id)
}

// Metrics returns the current delivery aggregates.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// StageStats reduces the session's retained stage events.
func (s *Session) StageStats() map[string]StageStats { return s.pipeline.Stats() }

// Events returns the session's retained stage events, oldest first.
func (s *Session) Events() []StageEvent { return s.pipeline.Events() }

// Buffered returns the chunks currently held in the buffer, oldest first.
func (s *Session) Buffered() []Chunk { return s.buffer.Chunks() }

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:              s.id,
		RenderSessionID: s.renderSessionID,
		Mode:            s.mode,
		Profile:         s.profile.Name,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		FinishedAt:      s.finishedAt,
		BufferedChunks:  s.buffer.Len(),
		BufferedBytes:   s.buffer.TotalBytes(),
		Metrics:         s.metrics,
	}
}
