package perfmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Quality presets.
const (
	PresetLow      = "low"
	PresetBalanced = "balanced"
	PresetHigh     = "high"
)

// QualitySettings bundle the rendering quality knobs a profile carries.
type QualitySettings struct {
	Preset      string `yaml:"preset" json:"preset"`
	Compression bool   `yaml:"compression" json:"compression"`
	Animations  bool   `yaml:"animations" json:"animations"`
	ChunkSizeKB int    `yaml:"chunk_size_kb" json:"chunk_size_kb"`
}

// ResourceSettings bundle the concurrency and memory knobs a profile
// carries.
type ResourceSettings struct {
	MaxConcurrentRenders    int `yaml:"max_concurrent_renders" json:"max_concurrent_renders"`
	MaxConcurrentHydrations int `yaml:"max_concurrent_hydrations" json:"max_concurrent_hydrations"`
	BufferKB                int `yaml:"buffer_kb" json:"buffer_kb"`
}

// Profile is a named bundle of metric targets plus quality and resource
// settings, applied atomically to every registered receiver. Target keys
// use the "component/metric" form.
type Profile struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Targets     map[string]float64 `yaml:"targets" json:"targets"`
	Quality     QualitySettings    `yaml:"quality" json:"quality"`
	Resources   ResourceSettings   `yaml:"resources" json:"resources"`
}

func cloneProfile(p Profile) Profile {
	out := p
	if p.Targets != nil {
		out.Targets = make(map[string]float64, len(p.Targets))
		for k, v := range p.Targets {
			out.Targets[k] = v
		}
	}
	return out
}

// ProfileReceiver accepts an applied profile. Components that honor quality
// or resource settings register one with the monitor.
type ProfileReceiver interface {
	ApplyProfile(ctx context.Context, p Profile) error
}

// RegisterReceiver binds a component name to its profile receiver.
func (m *Monitor) RegisterReceiver(name string, r ProfileReceiver) {
	m.mu.Lock()
	m.receivers[name] = r
	m.mu.Unlock()
}

// RegisterProfile validates and stores a profile for later application.
func (m *Monitor) RegisterProfile(p Profile) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: id and name required", ErrInvalidProfile)
	}
	switch p.Quality.Preset {
	case "", PresetLow, PresetBalanced, PresetHigh:
	default:
		return fmt.Errorf("%w: %s: unknown quality preset %q", ErrInvalidProfile, p.ID, p.Quality.Preset)
	}
	if p.Quality.ChunkSizeKB < 0 || p.Resources.MaxConcurrentRenders < 0 ||
		p.Resources.MaxConcurrentHydrations < 0 || p.Resources.BufferKB < 0 {
		return fmt.Errorf("%w: %s: negative setting", ErrInvalidProfile, p.ID)
	}
	for key, v := range p.Targets {
		if !strings.Contains(key, "/") {
			return fmt.Errorf("%w: %s: target key %q must be component/metric", ErrInvalidProfile, p.ID, key)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s: target %q is negative", ErrInvalidProfile, p.ID, key)
		}
	}

	m.mu.Lock()
	m.profiles[p.ID] = cloneProfile(p)
	m.mu.Unlock()
	return nil
}

// LoadProfiles reads a YAML document with a top-level profiles list and
// registers each entry. Returns the number registered.
func (m *Monitor) LoadProfiles(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read profiles: %w", err)
	}
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse profiles: %w", err)
	}
	for i, p := range doc.Profiles {
		if err := m.RegisterProfile(p); err != nil {
			return i, err
		}
	}
	return len(doc.Profiles), nil
}

// Profiles returns every registered profile ordered by ID.
func (m *Monitor) Profiles() []Profile {
	m.mu.RLock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, cloneProfile(p))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// CurrentProfile returns the profile applied last, if any.
func (m *Monitor) CurrentProfile() (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[m.current]
	if !ok {
		return Profile{}, false
	}
	return cloneProfile(p), true
}

// ApplyProfile makes the named profile current. Every target key is
// validated against the registered metrics first; any failure rejects the
// whole profile and leaves all thresholds untouched. Once validation
// passes the metric targets move, scores are recomputed, and each
// registered receiver gets the profile. Receiver errors are joined into
// the returned error but do not roll the profile back.
func (m *Monitor) ApplyProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.profiles[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}

	for key, v := range p.Targets {
		st, ok := m.metrics[key]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s: target %q names no registered metric", ErrInvalidProfile, id, key)
		}
		if v > st.def.Warning {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s: target %q value %g exceeds warning threshold %g",
				ErrInvalidProfile, id, key, v, st.def.Warning)
		}
	}

	for key, v := range p.Targets {
		st := m.metrics[key]
		st.def.Target = v
		if len(st.samples) > 0 {
			st.score = qualityScore(st.def, st.value)
		}
	}
	m.current = id
	applied := cloneProfile(p)
	receivers := make(map[string]ProfileReceiver, len(m.receivers))
	for name, r := range m.receivers {
		receivers[name] = r
	}
	m.mu.Unlock()

	m.logger.Info("perfmon: profile applied",
		"profile", id, "targets", len(applied.Targets), "receivers", len(receivers))

	names := make([]string, 0, len(receivers))
	for name := range receivers {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := receivers[name].ApplyProfile(ctx, applied); err != nil {
			m.logger.Warn("perfmon: profile receiver failed", "receiver", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
