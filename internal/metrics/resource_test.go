package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestResourceCollectorCollect(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, MaxHistory: 2})
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		s, err := c.Collect()
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if s.MemoryRSS == 0 || s.Goroutines == 0 {
			t.Fatalf("implausible sample: %+v", s)
		}
	}
	if got := len(c.History()); got != 2 {
		t.Fatalf("history should be capped at 2, got %d", got)
	}
	if _, ok := c.Latest(); !ok {
		t.Fatal("expected latest sample")
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "lunarpod_daemon_memory_mb" {
			found = true
		}
	}
	if !found {
		t.Fatal("memory gauge not exported")
	}
}

func TestResourceCollectorLoop(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(c.History()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()
	if len(c.History()) == 0 {
		t.Fatal("expected at least one sample from the loop")
	}
}

func TestResourceCollectorDisabled(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	if c.IsEnabled() {
		t.Fatal("should be disabled")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	if _, ok := c.Latest(); ok {
		t.Fatal("disabled collector must not sample")
	}
}
