package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/repo/memory"
)

func TestRun_ImmediatePassViaLoop(t *testing.T) {
	log := zap.NewNop()
	store := memory.New()
	addTarget(t, store, "T1", "example.com", 5)
	prober := &scriptedProber{}
	prober.set(ok200())

	s := New(log, store, prober, incident.NewEngine(store, nil, nil, log), nil, nil, Config{
		Interval:    2 * time.Millisecond,
		Timeout:     200 * time.Millisecond,
		Concurrency: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&prober.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if atomic.LoadInt32(&prober.calls) == 0 {
		t.Fatalf("expected the immediate pass to probe the target")
	}
	got, _ := store.GetTarget(context.Background(), "T1")
	if got.LastCheckedAt == nil {
		t.Fatalf("expected lastCheckedAt to be stamped")
	}
	// the target is not due again within its interval
	if n := atomic.LoadInt32(&prober.calls); n != 1 {
		t.Fatalf("expected exactly one probe within the interval, got %d", n)
	}
}

func TestRun_DisabledReturns(t *testing.T) {
	s := New(zap.NewNop(), memory.New(), &scriptedProber{}, nil, nil, nil, Config{})
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without an interval")
	}
}
