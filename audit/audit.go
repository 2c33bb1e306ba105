// Package audit records who did what to the delivery pipeline. Entries are
// written asynchronously so audited paths never wait on storage; Close drains
// whatever is still buffered.
package audit

import (
	"encoding/json"
	"time"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one audited operation. Zero fields are filled in by the logger:
// EntryID, Timestamp, Status (derived from Error), and Transport.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // Unix milliseconds
	Component  string `json:"component"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	SessionID  string `json:"session_id"`
	PageID     string `json:"page_id"`
	Transport  string `json:"transport"`
	RequestID  string `json:"request_id"`
	Parameters string `json:"parameters"` // JSON
	Result     string `json:"result"`     // JSON
	Status     string `json:"status"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

// Logger is the write side handed to collaborators. LogAsync must not block
// the caller beyond a best-effort enqueue.
type Logger interface {
	LogAsync(e *Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) LogAsync(*Entry) {}

// NewEntry builds an Entry for one completed operation. Params and result are
// marshalled to JSON; a nil value or a marshal failure leaves the field empty.
func NewEntry(component, action string, params, result any, opErr error, d time.Duration) *Entry {
	e := &Entry{
		Component:  component,
		Action:     action,
		DurationMs: d.Milliseconds(),
	}
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			e.Parameters = string(b)
		}
	}
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			e.Result = string(b)
		}
	}
	if opErr != nil {
		e.Error = opErr.Error()
		e.Status = StatusError
	}
	return e
}

// ViolationEntry builds an Entry for a recorded safety violation. The
// violation itself is the payload; the entry's status stays success because
// recording it succeeded.
func ViolationEntry(contextID, pageID, vtype, severity, details string) *Entry {
	params, _ := json.Marshal(map[string]string{
		"context_id": contextID,
		"type":       vtype,
		"severity":   severity,
		"details":    details,
	})
	return &Entry{
		Component:  "safety",
		Action:     "violation_recorded",
		PageID:     pageID,
		Parameters: string(params),
	}
}
