package protocol

import (
	"testing"
	"time"
)

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > b.Cap {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, b.Cap)
		}
		prev = d
	}
	if prev != b.Cap {
		t.Errorf("Delay(100) = %v, want cap", prev)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{6, 5 * time.Second},
		{1 << 40, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	if b.Exhausted(3) {
		t.Error("Exhausted(3) with MaxAttempts 3 should be false")
	}
	if !b.Exhausted(4) {
		t.Error("Exhausted(4) with MaxAttempts 3 should be true")
	}
	if (Backoff{}).Exhausted(1 << 20) {
		t.Error("MaxAttempts 0 should never be exhausted")
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := Backoff{Base: time.Minute}.withDefaults()
	if b.Cap != time.Minute {
		t.Errorf("Cap = %v, want raised to Base", b.Cap)
	}
	b = Backoff{}.withDefaults()
	if b.Base != DefaultBackoffBase || b.Cap != DefaultBackoffCap {
		t.Errorf("defaults = %+v", b)
	}
}
