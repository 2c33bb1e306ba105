package skeleton

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemplatePack(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTemplateFile(t *testing.T) {
	path := writeTemplatePack(t, `
templates:
  - name: product
    page_pattern: "product-*"
    sections:
      - id: gallery
        type: image
        priority: 8
      - id: details
        type: text
    animation:
      sequence: priority_based
      step_delay: 120ms
    device_overrides:
      mobile:
        max_sections: 1
`)

	templates, err := LoadTemplateFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(templates) != 1 {
		t.Fatalf("templates = %d, want 1", len(templates))
	}

	tpl := templates[0]
	if tpl.Name != "product" {
		t.Fatalf("name = %q", tpl.Name)
	}
	if tpl.WidgetPattern != "*" {
		t.Fatalf("widget pattern default = %q, want *", tpl.WidgetPattern)
	}
	if tpl.Animation.Type != AnimPulse {
		t.Fatalf("animation type default = %q, want pulse", tpl.Animation.Type)
	}
	if tpl.Animation.StepDelay != 120*time.Millisecond {
		t.Fatalf("step delay = %v, want 120ms", tpl.Animation.StepDelay)
	}

	details := tpl.Sections[1]
	if details.Width != "100%" {
		t.Fatalf("width default = %q", details.Width)
	}
	if details.Priority != 5 {
		t.Fatalf("priority default = %d", details.Priority)
	}
	if details.Lines != 3 {
		t.Fatalf("text lines default = %d", details.Lines)
	}

	if ov, ok := tpl.Overrides["mobile"]; !ok || ov.MaxSections != 1 {
		t.Fatalf("device override not loaded: %+v", tpl.Overrides)
	}
}

func TestLoadTemplateFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty pack", "templates: []\n"},
		{"missing name", "templates:\n  - page_pattern: \"*\"\n"},
		{"duplicate name", "templates:\n  - name: a\n  - name: a\n"},
		{"bad yaml", "templates: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemplatePack(t, tt.content)
			if _, err := LoadTemplateFile(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := LoadTemplateFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultTemplates(t *testing.T) {
	templates := DefaultTemplates()
	if len(templates) == 0 {
		t.Fatal("no default templates")
	}

	var hasCatchAll bool
	for _, tpl := range templates {
		if len(tpl.Sections) == 0 {
			t.Fatalf("template %q has no sections", tpl.Name)
		}
		if tpl.PagePattern == "*" && tpl.WidgetPattern == "*" {
			hasCatchAll = true
		}
		for _, s := range tpl.Sections {
			if s.ID == "" || s.Width == "" || s.Height == "" {
				t.Fatalf("template %q section %+v missing defaults", tpl.Name, s)
			}
		}
	}
	if !hasCatchAll {
		t.Fatal("default templates lack a catch-all")
	}
}
