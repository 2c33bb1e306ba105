package export

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/esquisse/render"
)

func completedSnapshot() render.SessionSnapshot {
	return render.SessionSnapshot{
		ID:              "rs_1",
		PageID:          "article-1",
		WidgetID:        "main",
		Strategy:        render.StrategyStreaming,
		Status:          render.StatusCompleted,
		StartedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:      time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC),
		EstimatedChunks: 2,
		GeneratedChunks: 2,
		Elapsed:         time.Minute,
	}
}

func TestExport_BuildsVerifiedPDF(t *testing.T) {
	// WHAT: the generated file passes pdfcpu's read, validate, and optimize
	// pass, not just a header sniff.
	e := New(Config{})
	doc := Document{
		Title: "two pager",
		Pages: []Page{
			{Heading: "First", Body: "hello world"},
			{Heading: "Second", Body: "more (content) with \\ specials"},
		},
	}

	out, err := e.Export(context.Background(), doc)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-1.4")) {
		t.Errorf("missing PDF header: %q", out[:16])
	}
	if !bytes.Contains(out, []byte("%%EOF")) {
		t.Error("missing EOF marker")
	}
	if got := bytes.Count(out, []byte("/Type /Page /Parent")); got != 2 {
		t.Errorf("page objects: got %d, want 2", got)
	}
}

func TestExport_EmptyDocument(t *testing.T) {
	e := New(Config{})
	if _, err := e.Export(context.Background(), Document{}); !errors.Is(err, ErrNothingToExport) {
		t.Fatalf("got %v, want ErrNothingToExport", err)
	}
}

func TestExport_PaginatesLongBody(t *testing.T) {
	// WHY: a chunk longer than one sheet spills onto continuation sheets
	// instead of being truncated.
	e := New(Config{})
	doc := Document{
		Title: "long",
		Pages: []Page{{Heading: "Long", Body: strings.Repeat("line\n", 100)}},
	}

	out, err := e.Export(context.Background(), doc)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	// 44 body lines fit per sheet at the default leading.
	if got := bytes.Count(out, []byte("/Type /Page /Parent")); got != 3 {
		t.Errorf("sheets: got %d, want 3", got)
	}
	if !bytes.Contains(out, []byte(`\(cont.\)`)) {
		t.Error("continuation sheets missing the (cont.) heading suffix")
	}
}

func TestSessionDocument(t *testing.T) {
	e := New(Config{})
	snap := completedSnapshot()
	chunks := []render.Chunk{
		{SessionID: "rs_1", Seq: 1, Type: render.ChunkSkeleton,
			Payload: []byte("<div><h1>Title</h1><p>Skeleton body</p></div>")},
		{SessionID: "rs_1", Seq: 2, Type: render.ChunkMetadata,
			Payload: []byte(`{"progress":50}`)},
		{SessionID: "rs_1", Seq: 3, Type: render.ChunkFinal, Fallback: true,
			Payload: []byte("plain fallback text")},
	}

	doc := e.SessionDocument(snap, chunks)
	if doc.Title != "Render session rs_1 (page article-1)" {
		t.Errorf("title: got %q", doc.Title)
	}
	if len(doc.Pages) != 3 {
		t.Fatalf("pages: got %d, want 3 (summary + 2 content)", len(doc.Pages))
	}

	summary := doc.Pages[0]
	if summary.Heading != "Session summary" {
		t.Errorf("summary heading: got %q", summary.Heading)
	}
	for _, want := range []string{
		"Session: rs_1", "Strategy: streaming", "Status: completed",
		"Chunks: 2 of 2 estimated", "Elapsed: 1m0s",
	} {
		if !strings.Contains(summary.Body, want) {
			t.Errorf("summary missing %q in:\n%s", want, summary.Body)
		}
	}

	if doc.Pages[1].Heading != "Chunk 1 (skeleton)" {
		t.Errorf("chunk heading: got %q", doc.Pages[1].Heading)
	}
	// Markup payloads are converted to text.
	if !strings.Contains(doc.Pages[1].Body, "Title") || strings.Contains(doc.Pages[1].Body, "<h1>") {
		t.Errorf("markup not converted: %q", doc.Pages[1].Body)
	}
	if doc.Pages[2].Heading != "Chunk 3 (final, fallback)" {
		t.Errorf("fallback heading: got %q", doc.Pages[2].Heading)
	}
	if doc.Pages[2].Body != "plain fallback text" {
		t.Errorf("plain payload altered: %q", doc.Pages[2].Body)
	}
}

func TestExportSession_RequiresCompleted(t *testing.T) {
	e := New(Config{})
	snap := completedSnapshot()
	snap.Status = render.StatusRendering

	_, err := e.ExportSession(context.Background(), snap, nil)
	if !errors.Is(err, ErrSessionNotCompleted) {
		t.Fatalf("got %v, want ErrSessionNotCompleted", err)
	}
}

func TestExportSession_NoContentChunks(t *testing.T) {
	e := New(Config{})
	chunks := []render.Chunk{
		{Seq: 1, Type: render.ChunkMetadata, Payload: []byte(`{"progress":100}`)},
	}

	_, err := e.ExportSession(context.Background(), completedSnapshot(), chunks)
	if !errors.Is(err, ErrNothingToExport) {
		t.Fatalf("got %v, want ErrNothingToExport", err)
	}
}

func TestExportSession_EndToEnd(t *testing.T) {
	e := New(Config{})
	chunks := []render.Chunk{
		{Seq: 1, Type: render.ChunkSkeleton, Payload: []byte("<section><p>shimmer</p></section>")},
		{Seq: 2, Type: render.ChunkFinal, Payload: []byte("<article><h2>Done</h2></article>")},
	}

	out, err := e.ExportSession(context.Background(), completedSnapshot(), chunks)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if len(out) == 0 || !bytes.HasPrefix(out, []byte("%PDF-1.4")) {
		t.Fatalf("unexpected output (%d bytes)", len(out))
	}
	// Summary sheet plus one per content chunk.
	if got := bytes.Count(out, []byte("/Type /Page /Parent")); got != 3 {
		t.Errorf("sheets: got %d, want 3", got)
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		width int
		want  []string
	}{
		{"fits", "hello", 10, []string{"hello"}},
		{"wraps on spaces", "hello world foo", 11, []string{"hello world", "foo"}},
		{"hard splits long words", "abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
		{"keeps interior blank lines", "a\n\nb", 10, []string{"a", "", "b"}},
		{"trims outer blank lines", "\n\na\n\n", 10, []string{"a"}},
		{"empty", "", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wrapText(tt.body, tt.width); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEscapePDF(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`a(b)c`, `a\(b\)c`},
		{`back\slash`, `back\\slash`},
		{"tab\there", "tab here"},
		{"ctrl\x01char", "ctrlchar"},
		{"café", "caf\xe9"},
		{"emoji \U0001f389 gone", "emoji ? gone"},
	}
	for _, tt := range tests {
		if got := escapePDF(tt.in); got != tt.want {
			t.Errorf("escapePDF(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
