// Package fragcache stores rendered page fragments for fallback and
// recovery paths. Fragments are keyed by page and widget; a fragment with
// an empty widget ID is the whole-page snapshot used by cross-page
// recovery.
//
// Both implementations also satisfy the narrow read contracts the render
// and safety packages declare for their collaborators (Cached and
// GetCached), so one cache instance serves fallback chunks, recovery
// content, and explicit lookups.
package fragcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var ErrInvalidFragment = errors.New("fragcache: invalid fragment")

// Fragment is one cached piece of rendered content.
type Fragment struct {
	PageID     string    `json:"page_id"`
	WidgetID   string    `json:"widget_id"`
	Content    []byte    `json:"content"`
	Hash       string    `json:"hash"`
	RenderedAt time.Time `json:"rendered_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (f Fragment) expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

// Cache is the fragment store contract.
type Cache interface {
	// Get returns the fragment for page/widget, reporting a miss for
	// absent or expired entries.
	Get(ctx context.Context, pageID, widgetID string) (Fragment, bool, error)

	// Put stores a fragment, replacing any previous content for the same
	// page/widget.
	Put(ctx context.Context, frag Fragment) error

	// Delete removes one fragment. Removing an absent fragment is a no-op.
	Delete(ctx context.Context, pageID, widgetID string) error

	// PurgePage removes every fragment of a page, the widget fragments and
	// the page snapshot both. Returns the number removed.
	PurgePage(ctx context.Context, pageID string) (int, error)
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
