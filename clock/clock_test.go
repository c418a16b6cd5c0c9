package clock

import (
	"testing"
	"time"
)

func TestSystemMonotonicDoesNotRegress(t *testing.T) {
	var c System
	a := c.Monotonic()
	b := c.Monotonic()
	if b < a {
		t.Fatalf("monotonic went backwards: %v then %v", a, b)
	}
	if c.BootTime() < 0 {
		t.Fatalf("negative boot time")
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Second)

	if got := f.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now = %v", got)
	}
	if f.Monotonic() != 90*time.Second || f.BootTime() != 90*time.Second {
		t.Fatalf("Monotonic = %v, BootTime = %v", f.Monotonic(), f.BootTime())
	}

	f.SetMonotonic(time.Second)
	if f.Monotonic() != time.Second {
		t.Fatalf("SetMonotonic ignored: %v", f.Monotonic())
	}
}
