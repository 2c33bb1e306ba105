// CLAUDE:SUMMARY Bounded per-session chunk buffer with four overflow policies including disk spill.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// BufferConfig bounds a Buffer and selects its overflow policy.
type BufferConfig struct {
	MaxChunks int          `yaml:"max_chunks"`
	MaxBytes  int64        `yaml:"max_bytes"`
	Policy    string       `yaml:"policy"`
	SpillDir  string       `yaml:"spill_dir"` // required for the spill policy
	Logger    *slog.Logger `yaml:"-"`
}

// InsertResult reports the overflow handling applied before one insertion.
type InsertResult struct {
	// Accepted is false when the policy decided to drop the incoming chunk
	// instead of a retained one.
	Accepted bool
	// Evicted lists chunks removed from memory, oldest first.
	Evicted []Chunk
	// CompressedInPlace counts retained chunks gzipped by the compress policy.
	CompressedInPlace int
	// Spilled lists the files evicted chunks were written to, in order.
	Spilled []string
}

// Buffer holds a session's pending chunks, bounded by count and bytes.
// Overflow is resolved before an insertion completes, so the byte accounting
// is exact at every observable moment. One producer appends; consumers read
// and remove.
type Buffer struct {
	cfg    BufferConfig
	logger *slog.Logger

	mu       sync.Mutex
	entries  []Chunk // oldest first
	total    int64
	spillSeq int
}

// NewBuffer validates the configuration and returns an empty buffer.
func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 64
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = OverflowDropOldest
	case OverflowDropOldest, OverflowDropLowestPriority, OverflowCompress:
	case OverflowSpill:
		if cfg.SpillDir == "" {
			return nil, fmt.Errorf("stream: spill policy requires a spill dir")
		}
	default:
		return nil, fmt.Errorf("stream: unknown overflow policy %q", cfg.Policy)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Buffer{cfg: cfg, logger: cfg.Logger}, nil
}

// Insert adds a chunk, applying the overflow policy until it fits. A chunk
// bigger than the byte cap is rejected outright.
func (b *Buffer) Insert(c Chunk) (InsertResult, error) {
	if int64(c.SizeBytes) > b.cfg.MaxBytes {
		return InsertResult{}, fmt.Errorf("%w: %d bytes against a %d byte buffer",
			ErrChunkTooLarge, c.SizeBytes, b.cfg.MaxBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res := InsertResult{Accepted: true}
	for len(b.entries) >= b.cfg.MaxChunks || b.total+int64(c.SizeBytes) > b.cfg.MaxBytes {
		if !b.makeRoom(&c, &res) {
			res.Accepted = false
			return res, nil
		}
	}
	b.entries = append(b.entries, c)
	b.total += int64(c.SizeBytes)
	return res, nil
}

// makeRoom applies one step of the overflow policy. Returns false when the
// incoming chunk itself should be dropped.
func (b *Buffer) makeRoom(incoming *Chunk, res *InsertResult) bool {
	if len(b.entries) == 0 {
		return false
	}
	switch b.cfg.Policy {
	case OverflowDropLowestPriority:
		idx := b.lowestPriorityIndex()
		if incoming.Priority < b.entries[idx].Priority {
			// The incoming chunk is the lowest; ties favor the newer chunk.
			return false
		}
		b.evict(idx, res)
	case OverflowCompress:
		if len(b.entries) >= b.cfg.MaxChunks {
			// Count-bound overflow: compression cannot reduce the count.
			b.evict(0, res)
		} else if !b.compressOne(res) {
			b.evict(0, res)
		}
	case OverflowSpill:
		if !b.spillOne(res) {
			b.evict(0, res)
		}
	default:
		b.evict(0, res)
	}
	return true
}

// lowestPriorityIndex returns the oldest chunk holding the lowest priority.
func (b *Buffer) lowestPriorityIndex() int {
	idx := 0
	for i, c := range b.entries {
		if c.Priority < b.entries[idx].Priority {
			idx = i
		}
	}
	return idx
}

func (b *Buffer) evict(idx int, res *InsertResult) {
	c := b.entries[idx]
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.total -= int64(c.SizeBytes)
	res.Evicted = append(res.Evicted, c)
}

// compressOne gzips the oldest compressible chunk in place. Chunks whose
// gzip output is not smaller are remembered as incompressible and skipped
// on later passes. Returns false when no chunk can be shrunk.
func (b *Buffer) compressOne(res *InsertResult) bool {
	for i := range b.entries {
		c := &b.entries[i]
		if c.Compressed || c.incompressible {
			continue
		}
		gz, err := gzipBytes(c.Payload)
		if err != nil {
			b.logger.Warn("stream: buffer compress failed", "chunk_id", c.ID, "error", err)
			c.incompressible = true
			continue
		}
		if len(gz) >= len(c.Payload) {
			c.incompressible = true
			continue
		}
		b.total -= int64(c.SizeBytes)
		c.Payload = gz
		c.SizeBytes = len(gz)
		c.Compressed = true
		b.total += int64(c.SizeBytes)
		res.CompressedInPlace++
		return true
	}
	return false
}

// spillOne writes the oldest chunk to a numbered spill file and evicts it.
// Returns false on any filesystem error; the caller degrades to a plain drop.
func (b *Buffer) spillOne(res *InsertResult) bool {
	if err := os.MkdirAll(b.cfg.SpillDir, 0o755); err != nil {
		b.logger.Warn("stream: spill mkdir failed", "dir", b.cfg.SpillDir, "error", err)
		return false
	}
	oldest := b.entries[0]
	data, err := json.Marshal(oldest)
	if err != nil {
		b.logger.Warn("stream: spill marshal failed", "chunk_id", oldest.ID, "error", err)
		return false
	}

	b.spillSeq++
	target := filepath.Join(b.cfg.SpillDir, fmt.Sprintf("%06d.chunk", b.spillSeq))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.logger.Warn("stream: spill write failed", "path", tmp, "error", err)
		return false
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		b.logger.Warn("stream: spill rename failed", "path", target, "error", err)
		return false
	}

	b.evict(0, res)
	res.Spilled = append(res.Spilled, target)
	return true
}

// LoadSpilled reads one spilled chunk back from disk.
func LoadSpilled(path string) (Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("stream: read spill file: %w", err)
	}
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, fmt.Errorf("stream: decode spill file %s: %w", path, err)
	}
	return c, nil
}

// Update replaces the retained chunk with the same seq, adjusting the byte
// total for any size change. Returns false when the seq is not retained.
func (b *Buffer) Update(c Chunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].Seq == c.Seq {
			b.total += int64(c.SizeBytes) - int64(b.entries[i].SizeBytes)
			b.entries[i] = c
			return true
		}
	}
	return false
}

// Remove deletes the chunk with the given seq, if present.
func (b *Buffer) Remove(seq int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.entries {
		if c.Seq == seq {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.total -= int64(c.SizeBytes)
			return true
		}
	}
	return false
}

// Chunks returns the retained chunks, oldest first.
func (b *Buffer) Chunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the retained chunk count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// TotalBytes returns the exact byte total of retained chunks.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Clear drops every retained chunk. Spill files are left on disk.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.total = 0
}
