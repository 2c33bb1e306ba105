// CLAUDE:SUMMARY Streaming delivery types: client capabilities, quality presets, chunks, transport.
// Package stream delivers rendered content chunks to clients through a
// buffered, staged pipeline.
//
// A Session wraps one render session: chunks enter a bounded per-session
// buffer (overflow handled by policy before insertion completes), then pass
// through the ordered stages validate, compress, format, transmit. Stage
// failures are retried with backoff and fail only the chunk, never the
// session. Quality presets are chosen from client bandwidth at session
// initialization.
package stream

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// Delivery modes.
const (
	ModeRealtime = "realtime" // push chunks as they clear the pipeline
	ModeBuffered = "buffered" // client polls or drains in batches
)

// Quality preset names, ordered by bandwidth tier.
const (
	QualityMinimal  = "minimal"
	QualityBalanced = "balanced"
	QualityHigh     = "high"
	QualityUltra    = "ultra"
)

// Buffer overflow policies.
const (
	OverflowDropOldest         = "drop_oldest"
	OverflowDropLowestPriority = "drop_lowest_priority"
	OverflowCompress           = "compress"
	OverflowSpill              = "spill"
)

// Pipeline stage names, in execution order.
const (
	StageValidate = "validate"
	StageCompress = "compress"
	StageFormat   = "format"
	StageTransmit = "transmit"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

var (
	ErrSessionNotFound = errors.New("stream: session not found")
	ErrTooManySessions = errors.New("stream: session limit reached")
	ErrInvalidCaps     = errors.New("stream: invalid client capabilities")
	ErrSessionClosed   = errors.New("stream: session closed")
	ErrChunkTooLarge   = errors.New("stream: chunk too large")
	ErrChunkExpired    = errors.New("stream: chunk deadline passed")
	ErrEmptyPayload    = errors.New("stream: empty payload")
	ErrUnsafePayload   = errors.New("stream: payload rejected by sanitizer")
)

// ClientCaps describes the delivery-relevant capabilities of one client.
type ClientCaps struct {
	BandwidthMbps     float64 `json:"bandwidth_mbps"`
	SupportsStreaming bool    `json:"supports_streaming"`
	AcceptsGzip       bool    `json:"accepts_gzip"`
	PrefersMarkdown   bool    `json:"prefers_markdown"`
}

// QualityThresholds are the bandwidth cutoffs (Mbps) between quality tiers:
// below Low picks minimal, below Mid balanced, below High high, else ultra.
type QualityThresholds struct {
	Low  float64 `yaml:"low_mbps"`
	Mid  float64 `yaml:"mid_mbps"`
	High float64 `yaml:"high_mbps"`
}

func (t *QualityThresholds) defaults() {
	if t.Low <= 0 {
		t.Low = 1.0
	}
	if t.Mid <= t.Low {
		t.Mid = 5.0
	}
	if t.High <= t.Mid {
		t.High = 20.0
	}
}

// QualityProfile bundles the delivery settings of one preset: larger chunks
// and buffers trade latency for throughput, compression trades CPU for
// bytes on the wire.
type QualityProfile struct {
	Name               string  `yaml:"name" json:"name"`
	MaxChunkBytes      int     `yaml:"max_chunk_bytes" json:"max_chunk_bytes"`
	TargetChunksPerSec float64 `yaml:"target_chunks_per_sec" json:"target_chunks_per_sec"`
	BufferChunks       int     `yaml:"buffer_chunks" json:"buffer_chunks"`
	BufferBytes        int64   `yaml:"buffer_bytes" json:"buffer_bytes"`
	Compress           bool    `yaml:"compress" json:"compress"`
}

// DefaultProfiles returns the four built-in quality presets.
func DefaultProfiles() map[string]QualityProfile {
	return map[string]QualityProfile{
		QualityMinimal: {
			Name:               QualityMinimal,
			MaxChunkBytes:      4 << 10,
			TargetChunksPerSec: 2,
			BufferChunks:       32,
			BufferBytes:        256 << 10,
			Compress:           true,
		},
		QualityBalanced: {
			Name:               QualityBalanced,
			MaxChunkBytes:      16 << 10,
			TargetChunksPerSec: 5,
			BufferChunks:       64,
			BufferBytes:        1 << 20,
			Compress:           true,
		},
		QualityHigh: {
			Name:               QualityHigh,
			MaxChunkBytes:      32 << 10,
			TargetChunksPerSec: 10,
			BufferChunks:       128,
			BufferBytes:        4 << 20,
			Compress:           false,
		},
		QualityUltra: {
			Name:               QualityUltra,
			MaxChunkBytes:      64 << 10,
			TargetChunksPerSec: 20,
			BufferChunks:       256,
			BufferBytes:        8 << 20,
			Compress:           false,
		},
	}
}

// chooseProfile maps bandwidth to a preset through the thresholds. Missing
// entries in profiles fall back to the built-in preset of the same name.
func chooseProfile(caps ClientCaps, th QualityThresholds, profiles map[string]QualityProfile) QualityProfile {
	var name string
	switch bw := caps.BandwidthMbps; {
	case bw < th.Low:
		name = QualityMinimal
	case bw < th.Mid:
		name = QualityBalanced
	case bw < th.High:
		name = QualityHigh
	default:
		name = QualityUltra
	}
	if p, ok := profiles[name]; ok {
		p.Name = name
		return p
	}
	return DefaultProfiles()[name]
}

// chooseMode picks realtime delivery only for streaming-capable clients on
// at least mid-tier bandwidth.
func chooseMode(caps ClientCaps, th QualityThresholds) string {
	if caps.SupportsStreaming && caps.BandwidthMbps >= th.Mid {
		return ModeRealtime
	}
	return ModeBuffered
}

// Chunk is one unit of content moving through a session. SizeBytes always
// reflects len(Payload); OriginalBytes keeps the pre-transform size.
type Chunk struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Seq           int       `json:"seq"`
	Priority      int       `json:"priority"`
	Payload       []byte    `json:"payload"`
	SizeBytes     int       `json:"size_bytes"`
	OriginalBytes int       `json:"original_bytes"`
	Compressed    bool      `json:"compressed"`
	CreatedAt     time.Time `json:"created_at"`
	Deadline      time.Time `json:"deadline"`

	// incompressible marks chunks whose gzip output was not smaller, so the
	// compress overflow policy skips them on later passes.
	incompressible bool
}

// Receipt reports what happened to one streamed chunk.
type Receipt struct {
	ChunkID   string `json:"chunk_id"`
	Seq       int    `json:"seq"`
	SizeBytes int    `json:"size_bytes"`
	Accepted  bool   `json:"accepted"`
	// Delivered is set on realtime sessions once the transmit stage ran.
	Delivered bool `json:"delivered"`
	// Buffered is set on buffered sessions: the chunk waits for Drain.
	Buffered    bool   `json:"buffered"`
	Expired     bool   `json:"expired"`
	Compressed  bool   `json:"compressed"`
	Evicted     int    `json:"evicted"`
	Spilled     int    `json:"spilled"`
	FailedStage string `json:"failed_stage,omitempty"`
}

// Delivery is the transmit stage's output unit.
type Delivery struct {
	SessionID   string    `json:"session_id"`
	ChunkID     string    `json:"chunk_id"`
	Seq         int       `json:"seq"`
	Priority    int       `json:"priority"`
	Payload     []byte    `json:"payload"`
	Compressed  bool      `json:"compressed"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Transport carries deliveries to the client side.
type Transport interface {
	Send(ctx context.Context, d Delivery) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d Delivery) error

func (f TransportFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// DiscardTransport accepts every delivery and drops it. Default when no
// transport is configured.
type DiscardTransport struct{}

func (DiscardTransport) Send(context.Context, Delivery) error { return nil }

// looksHTML reports whether a payload is markup rather than opaque bytes.
func looksHTML(p []byte) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) > 0 && trimmed[0] == '<'
}
