package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

// Stage transforms or forwards one chunk. Stages mutate the chunk in place
// and must keep SizeBytes equal to len(Payload).
type Stage interface {
	Name() string
	Process(ctx context.Context, c *Chunk) error
}

// StageConfig bounds one stage's execution.
type StageConfig struct {
	// Timeout caps a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the number of additional attempts after a failure.
	Retries int `yaml:"retries"`
	// Backoff is the delay before the first retry; each further retry
	// multiplies it by BackoffFactor.
	Backoff       time.Duration `yaml:"backoff"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// DefaultStageConfigs returns the per-stage execution bounds used when the
// configuration does not override them.
func DefaultStageConfigs() map[string]StageConfig {
	return map[string]StageConfig{
		StageValidate: {Timeout: 2 * time.Second},
		StageCompress: {Timeout: 2 * time.Second},
		StageFormat:   {Timeout: 3 * time.Second, Retries: 1, Backoff: 20 * time.Millisecond},
		StageTransmit: {Timeout: 5 * time.Second, Retries: 2, Backoff: 50 * time.Millisecond},
	}
}

// StageError reports a stage that failed after exhausting its retries. It
// fails the chunk being processed, never the session.
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stream: stage %s failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs chunks through an ordered stage list, recording every
// attempt in the event log.
type Pipeline struct {
	stages []Stage
	cfg    map[string]StageConfig
	log    *stageLog
	clock  tick.Clock
	logger *slog.Logger
}

// PipelineConfig configures stage bounds and observability.
type PipelineConfig struct {
	Stages       map[string]StageConfig `yaml:"stages"`
	EventLogSize int                    `yaml:"event_log_size"`
	Logger       *slog.Logger           `yaml:"-"`
	Clock        tick.Clock             `yaml:"-"`
}

// NewPipeline builds a pipeline over the given stages, in order. Stage
// bounds come from cfg.Stages, falling back to DefaultStageConfigs.
func NewPipeline(cfg PipelineConfig, stages ...Stage) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = tick.System{}
	}
	merged := DefaultStageConfigs()
	for name, sc := range cfg.Stages {
		merged[name] = sc
	}
	return &Pipeline{
		stages: stages,
		cfg:    merged,
		log:    newStageLog(cfg.EventLogSize),
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Process drives the chunk through every stage in order. The first stage
// that exhausts its retries fails the chunk with a *StageError.
func (p *Pipeline) Process(ctx context.Context, c *Chunk) error {
	for _, st := range p.stages {
		if err := p.runStage(ctx, st, c); err != nil {
			return err
		}
	}
	return nil
}

// ProcessStage runs a single named stage on the chunk. Buffered sessions
// use it to split the transforms from the transmit.
func (p *Pipeline) ProcessStage(ctx context.Context, c *Chunk, name string) error {
	for _, st := range p.stages {
		if st.Name() == name {
			return p.runStage(ctx, st, c)
		}
	}
	return fmt.Errorf("stream: unknown stage %q", name)
}

func (p *Pipeline) runStage(ctx context.Context, st Stage, c *Chunk) error {
	sc := p.cfg[st.Name()]
	attempts := sc.Retries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sctx := ctx
		var cancel context.CancelFunc
		if sc.Timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		}
		start := p.clock.Now()
		err := st.Process(sctx, c)
		if cancel != nil {
			cancel()
		}

		ev := StageEvent{
			Stage:    st.Name(),
			ChunkID:  c.ID,
			Seq:      c.Seq,
			Attempt:  attempt,
			At:       start,
			Duration: p.clock.Now().Sub(start),
			OK:       err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		}
		p.log.append(ev)

		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("stream: stage attempt failed",
			"stage", st.Name(), "chunk_id", c.ID, "attempt", attempt, "error", err)

		if attempt < attempts {
			if serr := tick.Sleep(ctx, backoffDelay(sc, attempt)); serr != nil {
				return &StageError{Stage: st.Name(), Attempts: attempt, Err: serr}
			}
		}
	}
	return &StageError{Stage: st.Name(), Attempts: attempts, Err: lastErr}
}

// backoffDelay grows the base backoff geometrically: attempt 1 waits
// Backoff, attempt 2 waits Backoff*Factor, and so on.
func backoffDelay(sc StageConfig, attempt int) time.Duration {
	factor := sc.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	d := float64(sc.Backoff)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}

// Events returns the retained stage events, oldest first.
func (p *Pipeline) Events() []StageEvent { return p.log.all() }

// Stats reduces the retained events into per-stage aggregates.
func (p *Pipeline) Stats() map[string]StageStats { return ReduceStageStats(p.log.all()) }
