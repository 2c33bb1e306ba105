package skeleton

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Section types.
const (
	SectionHeader = "header"
	SectionText   = "text"
	SectionImage  = "image"
	SectionCard   = "card"
	SectionList   = "list"
	SectionTable  = "table"
)

// Reveal sequences controlling per-section animation delay.
const (
	RevealPriority  = "priority_based"
	RevealTopDown   = "top_down"
	RevealCenterOut = "center_out"
	RevealRandom    = "random"
)

// Animation types.
const (
	AnimPulse = "pulse"
	AnimWave  = "wave"
	AnimNone  = "none"
)

// Section is one placeholder block in a skeleton.
type Section struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Width    string `yaml:"width"`
	Height   string `yaml:"height"`
	Priority int    `yaml:"priority"`
	Lines    int    `yaml:"lines,omitempty"`

	// RevealDelay is computed from the reveal sequence at generation time,
	// never read from YAML.
	RevealDelay time.Duration `yaml:"-"`
}

// AnimationSpec controls how skeleton sections shimmer and reveal.
type AnimationSpec struct {
	Type      string        `yaml:"type"`
	Duration  time.Duration `yaml:"duration"`
	Sequence  string        `yaml:"sequence"`
	StepDelay time.Duration `yaml:"step_delay"`
}

// DeviceOverride trims a template for a device class.
type DeviceOverride struct {
	MaxSections int      `yaml:"max_sections"`
	DropTypes   []string `yaml:"drop_types"`
}

// Template is a declarative skeleton layout matched by page/widget pattern.
// Patterns use path.Match syntax; empty means "*".
type Template struct {
	Name          string                    `yaml:"name"`
	PagePattern   string                    `yaml:"page_pattern"`
	WidgetPattern string                    `yaml:"widget_pattern"`
	Sections      []Section                 `yaml:"sections"`
	Animation     AnimationSpec             `yaml:"animation"`
	Overrides     map[string]DeviceOverride `yaml:"device_overrides"`
}

type templatePack struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplateFile reads a YAML template pack.
func LoadTemplateFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skeleton: read template pack: %w", err)
	}

	var pack templatePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("skeleton: parse template pack: %w", err)
	}
	if len(pack.Templates) == 0 {
		return nil, fmt.Errorf("skeleton: template pack %s contains no templates", path)
	}

	seen := make(map[string]struct{}, len(pack.Templates))
	for i := range pack.Templates {
		t := &pack.Templates[i]
		if t.Name == "" {
			return nil, fmt.Errorf("skeleton: template %d in %s has no name", i, path)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("skeleton: duplicate template name %q in %s", t.Name, path)
		}
		seen[t.Name] = struct{}{}
		t.applyDefaults()
	}
	return pack.Templates, nil
}

func (t *Template) applyDefaults() {
	if t.PagePattern == "" {
		t.PagePattern = "*"
	}
	if t.WidgetPattern == "" {
		t.WidgetPattern = "*"
	}
	if t.Animation.Type == "" {
		t.Animation.Type = AnimPulse
	}
	if t.Animation.Duration <= 0 {
		t.Animation.Duration = 1200 * time.Millisecond
	}
	if t.Animation.Sequence == "" {
		t.Animation.Sequence = RevealTopDown
	}
	if t.Animation.StepDelay <= 0 {
		t.Animation.StepDelay = 80 * time.Millisecond
	}
	for i := range t.Sections {
		s := &t.Sections[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("s%d", i+1)
		}
		if s.Type == "" {
			s.Type = SectionText
		}
		if s.Width == "" {
			s.Width = "100%"
		}
		if s.Height == "" {
			s.Height = defaultHeight(s.Type)
		}
		if s.Priority <= 0 {
			s.Priority = 5
		}
		if s.Type == SectionText && s.Lines <= 0 {
			s.Lines = 3
		}
	}
}

func defaultHeight(sectionType string) string {
	switch sectionType {
	case SectionHeader:
		return "32px"
	case SectionImage:
		return "180px"
	case SectionCard:
		return "120px"
	case SectionList:
		return "96px"
	case SectionTable:
		return "160px"
	default:
		return "48px"
	}
}

// DefaultTemplates returns the built-in pack used when no YAML pack is
// configured: an article layout, a dashboard layout, and a catch-all.
func DefaultTemplates() []Template {
	templates := []Template{
		{
			Name:        "article",
			PagePattern: "article*",
			Sections: []Section{
				{ID: "title", Type: SectionHeader, Width: "70%", Priority: 9},
				{ID: "hero", Type: SectionImage, Priority: 7},
				{ID: "body", Type: SectionText, Lines: 6, Priority: 8},
				{ID: "related", Type: SectionList, Priority: 3},
			},
			Animation: AnimationSpec{Sequence: RevealPriority},
			Overrides: map[string]DeviceOverride{
				"mobile": {MaxSections: 3, DropTypes: []string{SectionList}},
			},
		},
		{
			Name:        "dashboard",
			PagePattern: "dash*",
			Sections: []Section{
				{ID: "nav", Type: SectionHeader, Priority: 9},
				{ID: "kpi-1", Type: SectionCard, Width: "32%", Priority: 8},
				{ID: "kpi-2", Type: SectionCard, Width: "32%", Priority: 8},
				{ID: "kpi-3", Type: SectionCard, Width: "32%", Priority: 8},
				{ID: "chart", Type: SectionImage, Height: "260px", Priority: 6},
				{ID: "table", Type: SectionTable, Priority: 4},
			},
			Animation: AnimationSpec{Sequence: RevealCenterOut},
			Overrides: map[string]DeviceOverride{
				"mobile": {MaxSections: 4},
			},
		},
		{
			Name: "default",
			Sections: []Section{
				{ID: "title", Type: SectionHeader, Width: "60%", Priority: 8},
				{ID: "body", Type: SectionText, Lines: 4, Priority: 6},
				{ID: "media", Type: SectionImage, Priority: 4},
			},
		},
	}
	for i := range templates {
		templates[i].applyDefaults()
	}
	return templates
}

// fallbackTemplate is the minimal hard-coded skeleton used when generation
// fails entirely: one full-width block, no animation.
func fallbackTemplate() Template {
	t := Template{
		Name: "fallback",
		Sections: []Section{
			{ID: "content", Type: SectionText, Lines: 1, Height: "120px", Priority: 10},
		},
		Animation: AnimationSpec{Type: AnimNone},
	}
	t.applyDefaults()
	return t
}
