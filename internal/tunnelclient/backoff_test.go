package tunnelclient

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	first := b.Next()
	if first < 100*time.Millisecond || first > 150*time.Millisecond {
		t.Fatalf("expected first delay near base, got %v", first)
	}

	for i := 0; i < 20; i++ {
		d := b.Next()
		if d > time.Second+time.Second/2 {
			t.Fatalf("expected delay to stay capped near max, got %v", d)
		}
	}
}

func TestBackoffResetRestartsFromBase(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	if d < 100*time.Millisecond || d > 150*time.Millisecond {
		t.Fatalf("expected delay near base after reset, got %v", d)
	}
}
