package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// orderLog records start/stop events under a lock so components
// running on separate goroutines can append safely.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func blockUntilDone(log *orderLog, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		log.add("start:" + name)
		<-ctx.Done()
		log.add("stop:" + name)
		return ctx.Err()
	}
}

func TestStopsInReverseOrderThenCloses(t *testing.T) {
	log := &orderLog{}
	s := New()
	s.Add("monitor", blockUntilDone(log, "monitor"))
	s.Add("resend", blockUntilDone(log, "resend"))
	s.Add("scheduler", blockUntilDone(log, "scheduler"))
	s.AddCloser("pubsub", func() error { log.add("close:pubsub"); return nil })
	s.AddCloser("store", func() error { log.add("close:store"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(log.snapshot()) < 3 {
		select {
		case <-deadline:
			t.Fatal("components did not all start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := log.snapshot()[3:] // skip the start events
	want := []string{"stop:scheduler", "stop:resend", "stop:monitor", "close:pubsub", "close:store"}
	if len(got) != len(want) {
		t.Fatalf("shutdown events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shutdown events = %v, want %v", got, want)
		}
	}
}

func TestComponentFailureTriggersShutdown(t *testing.T) {
	log := &orderLog{}
	s := New()
	s.Add("monitor", blockUntilDone(log, "monitor"))
	boom := errors.New("port vanished")
	s.Add("flaky", func(ctx context.Context) error { return boom })

	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	events := log.snapshot()
	found := false
	for _, e := range events {
		if e == "stop:monitor" {
			found = true
		}
	}
	if !found {
		t.Fatalf("surviving component not stopped: %v", events)
	}
}

func TestCleanCancelReturnsNil(t *testing.T) {
	s := New()
	s.Add("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}
