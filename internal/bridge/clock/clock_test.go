package clock_test

import (
	"testing"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
)

func TestFake_AdvancePastDeadlineFires(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("fired at %v, want %v", got, start.Add(time.Second))
		}
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFake_NowReflectsAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)
	c.Advance(5 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(5*time.Minute))
	}
}
