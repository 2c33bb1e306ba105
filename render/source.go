package render

import (
	"context"
	"fmt"
)

// FragmentRequest identifies the piece of content a strategy needs next.
type FragmentRequest struct {
	PageID   string
	WidgetID string
	Seq      int
	Type     string // chunk type
	Strategy string
}

// ContentSource produces chunk payloads. The orchestrator does no pixel
// rendering itself; production wiring points this at the real fragment
// producer, tests and the demo binary use StaticSource.
type ContentSource interface {
	Fragment(ctx context.Context, req FragmentRequest) ([]byte, error)
}

// SourceFunc adapts a function to ContentSource.
type SourceFunc func(ctx context.Context, req FragmentRequest) ([]byte, error)

func (f SourceFunc) Fragment(ctx context.Context, req FragmentRequest) ([]byte, error) {
	return f(ctx, req)
}

// StaticSource emits deterministic placeholder fragments: HTML stubs for
// content chunk types, JSON descriptors for metadata.
type StaticSource struct{}

func (StaticSource) Fragment(_ context.Context, req FragmentRequest) ([]byte, error) {
	switch req.Type {
	case ChunkMetadata:
		return []byte(fmt.Sprintf(
			`{"page_id":%q,"widget_id":%q,"seq":%d,"strategy":%q}`,
			req.PageID, req.WidgetID, req.Seq, req.Strategy)), nil
	case ChunkSkeleton:
		return []byte(fmt.Sprintf(
			`<div class="esq-placeholder" data-page=%q data-widget=%q></div>`,
			req.PageID, req.WidgetID)), nil
	default:
		return []byte(fmt.Sprintf(
			`<div data-fragment="%s/%s#%d">fragment %d</div>`,
			req.PageID, req.WidgetID, req.Seq, req.Seq)), nil
	}
}
