package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected lengths: %d %d", len(a), len(b))
	}
	if a >= b {
		t.Fatalf("expected lexicographic order: %q >= %q", a, b)
	}
	if !IsULID(a) {
		t.Fatalf("IsULID(%q)=false", a)
	}
}

func TestIsULID_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "short", "01ARZ3NDEKTSV4RRFFQ69G5FA!", "zzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		if IsULID(in) {
			t.Fatalf("IsULID(%q)=true", in)
		}
	}
}
