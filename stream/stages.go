package stream

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/esquisse/tick"
)

// ValidateStage rejects empty payloads and sanitizes markup payloads. A
// payload the sanitizer strips to nothing is treated as hostile and fails
// the stage. Non-markup payloads pass through untouched.
type ValidateStage struct {
	policy *bluemonday.Policy
}

// NewValidateStage builds the validate stage. A nil policy uses the UGC
// policy, which keeps common formatting tags and strips scripts.
func NewValidateStage(policy *bluemonday.Policy) *ValidateStage {
	if policy == nil {
		policy = bluemonday.UGCPolicy()
	}
	return &ValidateStage{policy: policy}
}

func (s *ValidateStage) Name() string { return StageValidate }

func (s *ValidateStage) Process(_ context.Context, c *Chunk) error {
	if len(bytes.TrimSpace(c.Payload)) == 0 {
		return ErrEmptyPayload
	}
	if !looksHTML(c.Payload) {
		return nil
	}
	if _, err := html.Parse(bytes.NewReader(c.Payload)); err != nil {
		return fmt.Errorf("stream: parse markup: %w", err)
	}
	clean := s.policy.SanitizeBytes(c.Payload)
	if len(bytes.TrimSpace(clean)) == 0 {
		return fmt.Errorf("%w: chunk %d", ErrUnsafePayload, c.Seq)
	}
	c.Payload = clean
	c.SizeBytes = len(clean)
	return nil
}

// CompressStage gzips payloads above a size floor when the session's
// quality profile and client both want compression. Payloads whose gzip
// output is not smaller stay uncompressed.
type CompressStage struct {
	enabled  bool
	minBytes int
}

func NewCompressStage(enabled bool, minBytes int) *CompressStage {
	if minBytes <= 0 {
		minBytes = 512
	}
	return &CompressStage{enabled: enabled, minBytes: minBytes}
}

func (s *CompressStage) Name() string { return StageCompress }

func (s *CompressStage) Process(_ context.Context, c *Chunk) error {
	if !s.enabled || c.Compressed || c.SizeBytes < s.minBytes {
		return nil
	}
	gz, err := gzipBytes(c.Payload)
	if err != nil {
		return err
	}
	if len(gz) >= len(c.Payload) {
		return nil
	}
	c.Payload = gz
	c.SizeBytes = len(gz)
	c.Compressed = true
	return nil
}

// FormatStage converts markup payloads to markdown for clients that prefer
// it. Compressed payloads are unpacked, converted, and repacked so the
// stage order stays validate, compress, format, transmit. Conversion that
// fails or produces empty output keeps the original payload.
type FormatStage struct {
	enabled bool
	conv    *converter.Converter
}

func NewFormatStage(enabled bool) *FormatStage {
	return &FormatStage{
		enabled: enabled,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (s *FormatStage) Name() string { return StageFormat }

func (s *FormatStage) Process(_ context.Context, c *Chunk) error {
	if !s.enabled {
		return nil
	}

	payload := c.Payload
	wasCompressed := c.Compressed
	if wasCompressed {
		p, err := gunzipBytes(payload)
		if err != nil {
			return err
		}
		payload = p
	}
	if !looksHTML(payload) {
		return nil
	}

	md, err := s.conv.ConvertString(string(payload))
	if err != nil || strings.TrimSpace(md) == "" {
		// Keep the original rather than deliver nothing.
		return nil
	}

	out := []byte(strings.TrimSpace(md))
	compressed := false
	if wasCompressed {
		gz, err := gzipBytes(out)
		if err != nil {
			return err
		}
		if len(gz) < len(out) {
			out = gz
			compressed = true
		}
	}
	c.Payload = out
	c.SizeBytes = len(out)
	c.Compressed = compressed
	return nil
}

// TransmitStage hands the finished chunk to the transport.
type TransmitStage struct {
	transport Transport
	clock     tick.Clock
}

func NewTransmitStage(tr Transport, clock tick.Clock) *TransmitStage {
	if tr == nil {
		tr = DiscardTransport{}
	}
	if clock == nil {
		clock = tick.System{}
	}
	return &TransmitStage{transport: tr, clock: clock}
}

func (s *TransmitStage) Name() string { return StageTransmit }

func (s *TransmitStage) Process(ctx context.Context, c *Chunk) error {
	return s.transport.Send(ctx, Delivery{
		SessionID:   c.SessionID,
		ChunkID:     c.ID,
		Seq:         c.Seq,
		Priority:    c.Priority,
		Payload:     c.Payload,
		Compressed:  c.Compressed,
		DeliveredAt: s.clock.Now(),
	})
}
