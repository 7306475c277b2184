package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	c := Fake(epoch)
	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() = %v", got)
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}
	c.Advance(500 * time.Millisecond)
	select {
	case got := <-tk.C:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Fatalf("tick time = %v", got)
		}
	default:
		t.Fatal("ticker did not fire")
	}
	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if c.Active() != 0 {
		t.Fatalf("expected no active waiters, got %d", c.Active())
	}
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(3 * time.Second)
	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire")
	}
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestWaitForWaiters(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.WaitForWaiters(1)
		close(done)
	}()
	c.NewTicker(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWaiters did not return")
	}
}
