// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestVirtualAdvanceBy(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtual(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("expected %s got %s", start, got)
	}

	c.AdvanceBy(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected clock to advance, got %s", got)
	}

	c.AdvanceBy(-time.Hour)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected negative advance to be ignored, got %s", got)
	}
}

func TestVirtualSetNeverMovesBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtual(start)

	c.Set(start.Add(-time.Minute))
	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("expected clock to stay at %s got %s", start, got)
	}

	c.Set(start.Add(time.Minute))
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected clock to move forward, got %s", got)
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := OrSystem(nil).(System); !ok {
		t.Fatal("expected system clock fallback")
	}
	v := NewVirtual(time.Now())
	if OrSystem(v) != Clock(v) {
		t.Fatal("expected provided clock to be kept")
	}
}
