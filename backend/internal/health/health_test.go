package health

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestCheckReportsProcess(t *testing.T) {
	c := NewChecker("test")
	r := c.Check(context.Background())

	if r.Status != "ok" || r.Version != "test" {
		t.Fatalf("report = %+v", r)
	}
	if r.Process.PID != int32(os.Getpid()) {
		t.Fatalf("pid = %d, want %d", r.Process.PID, os.Getpid())
	}
	if r.Goroutines < 1 {
		t.Fatalf("goroutines = %d", r.Goroutines)
	}
}

func TestHostStatsCached(t *testing.T) {
	c := NewChecker("test")
	calls := 0
	c.hostFunc = func(context.Context) (*Host, error) {
		calls++
		return &Host{Hostname: "box"}, nil
	}

	for i := 0; i < 3; i++ {
		if h := c.hostStats(context.Background()); h == nil || h.Hostname != "box" {
			t.Fatalf("host = %+v", h)
		}
	}
	if calls != 1 {
		t.Fatalf("hostFunc called %d times, want 1", calls)
	}

	c.hostAt = time.Now().Add(-time.Minute)
	c.hostStats(context.Background())
	if calls != 2 {
		t.Fatalf("expired cache not refreshed, calls = %d", calls)
	}
}

func TestHostStatsErrorKeepsLast(t *testing.T) {
	c := NewChecker("test")
	c.host = &Host{Hostname: "old"}
	c.hostFunc = func(context.Context) (*Host, error) { return nil, errors.New("boom") }

	if h := c.hostStats(context.Background()); h == nil || h.Hostname != "old" {
		t.Fatalf("host = %+v, want last good value", h)
	}
}
