// Package export assembles finished render sessions into PDF documents, one
// page per delivered chunk plus a summary page, and verifies every generated
// file with pdfcpu before handing it out.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/esquisse/render"
)

var (
	ErrNothingToExport     = errors.New("export: no exportable content")
	ErrSessionNotCompleted = errors.New("export: session not completed")
)

// Config configures an Exporter. Page geometry is US letter with one-inch
// margins; these knobs size the text within it.
type Config struct {
	FontSize   int `yaml:"font_size"`   // points, default 11
	LineHeight int `yaml:"line_height"` // points, default 14
	WrapWidth  int `yaml:"wrap_width"`  // characters per line, default 90

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.FontSize <= 0 {
		c.FontSize = 11
	}
	if c.LineHeight <= 0 {
		c.LineHeight = 14
	}
	if c.WrapWidth <= 0 {
		c.WrapWidth = 90
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Document is one export job: a title for the PDF metadata and the pages to
// lay out. Pages longer than one sheet spill onto continuation sheets.
type Document struct {
	Title string
	Pages []Page
}

// Page is one logical page: a heading line and free-form body text.
type Page struct {
	Heading string
	Body    string
}

// Exporter builds verified PDFs. Safe for concurrent use.
type Exporter struct {
	cfg    Config
	logger *slog.Logger
	conv   *converter.Converter
}

// New creates an Exporter.
func New(cfg Config) *Exporter {
	cfg.defaults()
	return &Exporter{
		cfg:    cfg,
		logger: cfg.Logger,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// SessionDocument builds the export document for one render session: a
// summary page followed by one page per content chunk. Metadata chunks are
// skipped; markup payloads are converted to markdown text, keeping the raw
// payload when conversion fails.
func (e *Exporter) SessionDocument(snap render.SessionSnapshot, chunks []render.Chunk) Document {
	doc := Document{
		Title: fmt.Sprintf("Render session %s (page %s)", snap.ID, snap.PageID),
		Pages: []Page{summaryPage(snap)},
	}
	for _, c := range chunks {
		if c.Type == render.ChunkMetadata {
			continue
		}
		heading := fmt.Sprintf("Chunk %d (%s)", c.Seq, c.Type)
		if c.Fallback {
			heading = fmt.Sprintf("Chunk %d (%s, fallback)", c.Seq, c.Type)
		}
		doc.Pages = append(doc.Pages, Page{
			Heading: heading,
			Body:    e.chunkText(c.Payload),
		})
	}
	return doc
}

// ExportSession renders a completed session's chunks into a verified PDF.
func (e *Exporter) ExportSession(ctx context.Context, snap render.SessionSnapshot, chunks []render.Chunk) ([]byte, error) {
	if snap.Status != render.StatusCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotCompleted, snap.ID, snap.Status)
	}
	doc := e.SessionDocument(snap, chunks)
	if len(doc.Pages) <= 1 {
		return nil, fmt.Errorf("%w: session %s", ErrNothingToExport, snap.ID)
	}
	return e.Export(ctx, doc)
}

// Export lays the document out, builds the PDF, and verifies it with pdfcpu.
// The returned bytes are the generated file, not pdfcpu's rewrite.
func (e *Exporter) Export(ctx context.Context, doc Document) ([]byte, error) {
	if len(doc.Pages) == 0 {
		return nil, ErrNothingToExport
	}

	var sheets []sheet
	for _, pg := range doc.Pages {
		sheets = append(sheets, e.paginate(pg)...)
	}
	out := buildPDF(doc.Title, e.cfg, sheets)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := api.ReadValidateAndOptimize(bytes.NewReader(out), model.NewDefaultConfiguration()); err != nil {
		return nil, fmt.Errorf("export: pdf verification: %w", err)
	}

	e.logger.Debug("export: pdf built", "pages", len(sheets), "bytes", len(out))
	return out, nil
}

func (e *Exporter) chunkText(payload []byte) string {
	if !looksHTML(payload) {
		return string(payload)
	}
	md, err := e.conv.ConvertString(string(payload))
	if err != nil || strings.TrimSpace(md) == "" {
		// Keep the original rather than export nothing.
		return string(payload)
	}
	return strings.TrimSpace(md)
}

func looksHTML(p []byte) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func summaryPage(snap render.SessionSnapshot) Page {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	add("Session: %s", snap.ID)
	add("Page: %s", snap.PageID)
	if snap.WidgetID != "" {
		add("Widget: %s", snap.WidgetID)
	}
	add("Strategy: %s", snap.Strategy)
	add("Status: %s", snap.Status)
	add("Chunks: %d of %d estimated", snap.GeneratedChunks, snap.EstimatedChunks)
	add("Violations: %d", snap.Violations)
	if snap.LastError != "" {
		add("Last error: %s", snap.LastError)
	}
	if !snap.StartedAt.IsZero() {
		add("Started: %s", snap.StartedAt.UTC().Format(time.RFC3339))
	}
	if !snap.FinishedAt.IsZero() {
		add("Finished: %s", snap.FinishedAt.UTC().Format(time.RFC3339))
	}
	if snap.Elapsed > 0 {
		add("Elapsed: %s", snap.Elapsed)
	}
	return Page{Heading: "Session summary", Body: strings.Join(lines, "\n")}
}
