package uuid

import (
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
	if err := Validate(id); err != nil {
		t.Errorf("Validate(%q) = %v, want nil", id, err)
	}
}

// TestValidate_rejects verifies malformed ids are rejected.
func TestValidate_rejects(t *testing.T) {
	for _, s := range []string{"", "abc", "00000000-0000-1000-8000-000000000000"} {
		if err := Validate(s); err == nil {
			t.Errorf("Validate(%q) = nil, want error", s)
		}
	}
}

// TestEventIDs_Next verifies counter behavior within and across milliseconds.
func TestEventIDs_Next(t *testing.T) {
	now := time.UnixMilli(1000)
	g := NewEventIDsWithClock(func() time.Time { return now })

	want := []string{"evt-1000-1", "evt-1000-2", "evt-1000-3"}
	for _, w := range want {
		if got := g.Next(); got != w {
			t.Errorf("Next() = %q, want %q", got, w)
		}
	}

	now = time.UnixMilli(1001)
	if got := g.Next(); got != "evt-1001-1" {
		t.Errorf("Next() = %q, want evt-1001-1", got)
	}

	// clock going backwards keeps the last millisecond
	now = time.UnixMilli(900)
	if got := g.Next(); got != "evt-1001-2" {
		t.Errorf("Next() = %q, want evt-1001-2", got)
	}
}

// TestEventIDs_unique verifies ids are unique under the wall clock.
func TestEventIDs_unique(t *testing.T) {
	g := NewEventIDs()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
