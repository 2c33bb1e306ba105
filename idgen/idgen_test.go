package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d in %q", len(id), id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 dash-separated parts, got %d in %q", len(parts), id)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	// WHAT: consecutive UUIDv7 ids compare in generation order.
	// WHY: session listings rely on lexicographic order == creation order.
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 50; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("UUIDv7: id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{6, 12, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("rs_", NanoID(8))()
	if !strings.HasPrefix(id, "rs_") {
		t.Fatalf("Prefixed: expected prefix 'rs_', got %q", id)
	}
	if len(id) != 3+8 {
		t.Fatalf("Prefixed: expected length 11, got %d", len(id))
	}
}

func TestSequential(t *testing.T) {
	gen := Sequential("lk_")
	for i, want := range []string{"lk_1", "lk_2", "lk_3"} {
		if got := gen(); got != want {
			t.Fatalf("Sequential call %d: got %q, want %q", i+1, got, want)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, ok := seen[id]; ok {
			t.Fatalf("New: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestParse(t *testing.T) {
	original := New()
	parsed, err := Parse(original)
	if err != nil {
		t.Fatalf("Parse valid UUID: %v", err)
	}
	if parsed != original {
		t.Fatalf("Parse: got %q, want %q", parsed, original)
	}
	if _, err := Parse("rs_not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for prefixed/invalid input")
	}
}
