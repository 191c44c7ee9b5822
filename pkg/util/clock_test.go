package util

import (
	"testing"
	"time"
)

func TestManualClockAfter(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManualClock(start)

	ch := c.After(5 * time.Second)
	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, start.Add(5*time.Second))
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}

	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want %v", c.Now(), start.Add(5*time.Second))
	}
}
