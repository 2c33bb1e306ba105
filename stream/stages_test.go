package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/esquisse/tick"
)

func payloadChunk(payload string) Chunk {
	return Chunk{
		ID: "ck_test", SessionID: "ss_test", Seq: 1, Priority: 5,
		Payload: []byte(payload), SizeBytes: len(payload), OriginalBytes: len(payload),
	}
}

func TestValidateStage(t *testing.T) {
	st := NewValidateStage(nil)
	ctx := context.Background()

	t.Run("strips scripts", func(t *testing.T) {
		c := payloadChunk(`<p>hello</p><script>alert(1)</script>`)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(c.Payload, []byte("<p>hello</p>")) {
			t.Fatalf("payload = %q, want paragraph kept", c.Payload)
		}
		if bytes.Contains(c.Payload, []byte("script")) {
			t.Fatalf("payload = %q, want script stripped", c.Payload)
		}
		if c.SizeBytes != len(c.Payload) {
			t.Fatalf("SizeBytes %d, payload %d", c.SizeBytes, len(c.Payload))
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		c := payloadChunk("   ")
		if err := st.Process(ctx, &c); !errors.Is(err, ErrEmptyPayload) {
			t.Fatalf("got %v, want ErrEmptyPayload", err)
		}
	})

	t.Run("rejects fully hostile markup", func(t *testing.T) {
		c := payloadChunk(`<script>document.cookie</script>`)
		if err := st.Process(ctx, &c); !errors.Is(err, ErrUnsafePayload) {
			t.Fatalf("got %v, want ErrUnsafePayload", err)
		}
	})

	t.Run("passes plain text through", func(t *testing.T) {
		c := payloadChunk("just some text")
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if string(c.Payload) != "just some text" {
			t.Fatalf("plain payload mutated: %q", c.Payload)
		}
	})
}

func TestCompressStage(t *testing.T) {
	ctx := context.Background()
	big := strings.Repeat("progressive content delivery ", 100)

	t.Run("compresses large payloads", func(t *testing.T) {
		st := NewCompressStage(true, 512)
		c := payloadChunk(big)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if !c.Compressed {
			t.Fatal("chunk not marked compressed")
		}
		if c.SizeBytes >= c.OriginalBytes {
			t.Fatalf("compressed size %d not below original %d", c.SizeBytes, c.OriginalBytes)
		}
		plain, err := gunzipBytes(c.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain) != big {
			t.Fatal("compressed payload does not round-trip")
		}
	})

	t.Run("skips below the floor", func(t *testing.T) {
		st := NewCompressStage(true, 512)
		c := payloadChunk("tiny")
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if c.Compressed {
			t.Fatal("tiny chunk compressed")
		}
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		st := NewCompressStage(false, 512)
		c := payloadChunk(big)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if c.Compressed {
			t.Fatal("disabled stage compressed the chunk")
		}
	})

	t.Run("keeps incompressible payloads plain", func(t *testing.T) {
		gz, err := gzipBytes([]byte(big))
		if err != nil {
			t.Fatal(err)
		}
		st := NewCompressStage(true, 10)
		c := payloadChunk(string(gz))
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if c.Compressed {
			t.Fatal("gzip-of-gzip kept despite growing")
		}
	})
}

func TestFormatStage(t *testing.T) {
	ctx := context.Background()
	htmlDoc := `<h1>Release Notes</h1><p>Streaming is <strong>faster</strong> now.</p>`

	t.Run("converts markup to markdown", func(t *testing.T) {
		st := NewFormatStage(true)
		c := payloadChunk(htmlDoc)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		got := string(c.Payload)
		if strings.Contains(got, "<h1>") {
			t.Fatalf("payload still markup: %q", got)
		}
		if !strings.Contains(got, "Release Notes") || !strings.Contains(got, "faster") {
			t.Fatalf("markdown lost content: %q", got)
		}
		if c.SizeBytes != len(c.Payload) {
			t.Fatalf("SizeBytes %d, payload %d", c.SizeBytes, len(c.Payload))
		}
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		st := NewFormatStage(false)
		c := payloadChunk(htmlDoc)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if string(c.Payload) != htmlDoc {
			t.Fatal("disabled stage mutated the chunk")
		}
	})

	t.Run("unpacks compressed markup", func(t *testing.T) {
		// WHY: compress runs before format, so markdown-preferring clients
		// need the stage to work through the gzip layer.
		gz, err := gzipBytes([]byte(htmlDoc))
		if err != nil {
			t.Fatal(err)
		}
		c := payloadChunk(string(gz))
		c.Compressed = true

		st := NewFormatStage(true)
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}

		payload := c.Payload
		if c.Compressed {
			payload, err = gunzipBytes(payload)
			if err != nil {
				t.Fatal(err)
			}
		}
		if !strings.Contains(string(payload), "Release Notes") {
			t.Fatalf("converted payload = %q", payload)
		}
		if strings.Contains(string(payload), "<h1>") {
			t.Fatal("markup survived conversion")
		}
	})

	t.Run("ignores non-markup", func(t *testing.T) {
		st := NewFormatStage(true)
		c := payloadChunk("plain words")
		if err := st.Process(ctx, &c); err != nil {
			t.Fatal(err)
		}
		if string(c.Payload) != "plain words" {
			t.Fatal("plain payload mutated")
		}
	})
}

func TestTransmitStage(t *testing.T) {
	var got []Delivery
	tr := TransportFunc(func(_ context.Context, d Delivery) error {
		got = append(got, d)
		return nil
	})
	clk := tick.NewVirtual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	st := NewTransmitStage(tr, clk)
	c := payloadChunk("deliver me")
	c.Seq = 7
	if err := st.Process(context.Background(), &c); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("transport saw %d deliveries", len(got))
	}
	d := got[0]
	if d.SessionID != "ss_test" || d.Seq != 7 || string(d.Payload) != "deliver me" {
		t.Fatalf("delivery = %+v", d)
	}
	if !d.DeliveredAt.Equal(clk.Now()) {
		t.Fatalf("DeliveredAt = %v, want clock time", d.DeliveredAt)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	in := []byte(strings.Repeat("the quick brown fox ", 64))
	gz, err := gzipBytes(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(gz) >= len(in) {
		t.Fatalf("gzip did not shrink %d -> %d", len(in), len(gz))
	}
	out, err := gunzipBytes(gz)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("round trip mismatch")
	}
}
