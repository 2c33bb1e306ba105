package stream

import (
	"sync"
	"time"
)

// StageEvent records one stage attempt on one chunk.
type StageEvent struct {
	Stage    string        `json:"stage"`
	ChunkID  string        `json:"chunk_id"`
	Seq      int           `json:"seq"`
	Attempt  int           `json:"attempt"` // 1-based
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
}

// StageStats is an immutable per-stage aggregate reduced from events.
type StageStats struct {
	Stage         string        `json:"stage"`
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	Retries       int           `json:"retries"` // attempts beyond the first per chunk
	SuccessRate   float64       `json:"success_rate"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastError     string        `json:"last_error,omitempty"`
}

// ReduceStageStats folds an event slice into per-stage aggregates. Pure: the
// same events always produce the same stats.
func ReduceStageStats(events []StageEvent) map[string]StageStats {
	out := make(map[string]StageStats)
	for _, e := range events {
		st := out[e.Stage]
		st.Stage = e.Stage
		st.Attempts++
		if e.OK {
			st.Successes++
		} else {
			st.Failures++
			st.LastError = e.Error
		}
		if e.Attempt > 1 {
			st.Retries++
		}
		st.TotalDuration += e.Duration
		out[e.Stage] = st
	}
	for name, st := range out {
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts) * 100
			st.AvgDuration = st.TotalDuration / time.Duration(st.Attempts)
		}
		out[name] = st
	}
	return out
}

// stageLog is a fixed-capacity ring of stage events. Old events are
// overwritten once capacity is reached; stats over the retained window are
// computed by ReduceStageStats.
type stageLog struct {
	mu       sync.RWMutex
	entries  []StageEvent
	capacity int
	head     int // index where the next write goes once full
	total    int64
}

func newStageLog(capacity int) *stageLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &stageLog{
		entries:  make([]StageEvent, 0, capacity),
		capacity: capacity,
	}
}

func (l *stageLog) append(e StageEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, e)
	} else {
		l.entries[l.head] = e
	}
	l.head = (l.head + 1) % l.capacity
	l.total++
}

// all returns retained events oldest first.
func (l *stageLog) all() []StageEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	out := make([]StageEvent, len(l.entries))
	if len(l.entries) < l.capacity {
		copy(out, l.entries)
	} else {
		n := copy(out, l.entries[l.head:])
		copy(out[n:], l.entries[:l.head])
	}
	return out
}

func (l *stageLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
