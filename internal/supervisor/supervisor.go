// Package supervisor starts the gateway's long-running components in
// order and stops them in reverse, so producers drain before the
// fabric under them closes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldgate/internal/support/check"
)

// defaultStopGrace bounds how long one component may take to exit
// after its context is cancelled.
const defaultStopGrace = 10 * time.Second

// Component is one long-running piece of the gateway. Run must block
// until ctx is cancelled; returning any other time is treated as a
// fatal failure of the whole process.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Closer releases a resource after every component has stopped.
type Closer struct {
	Name  string
	Close func() error
}

// Supervisor runs components in registration order and cancels them
// one at a time in reverse order on shutdown.
type Supervisor struct {
	stopGrace time.Duration

	mu         sync.Mutex
	components []Component
	closers    []Closer
}

func New() *Supervisor {
	return &Supervisor{stopGrace: defaultStopGrace}
}

// Add registers a component. Order matters: later components stop
// first.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	check.Assert(run != nil, "supervisor.Add: run must not be nil")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, Component{Name: name, Run: run})
}

// AddCloser registers a resource released after all components exit,
// in registration order.
func (s *Supervisor) AddCloser(name string, close func() error) {
	check.Assert(close != nil, "supervisor.AddCloser: close must not be nil")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, Closer{Name: name, Close: close})
}

type running struct {
	name   string
	cancel context.CancelFunc
	done   chan error
}

// Run starts everything and blocks until ctx is cancelled or a
// component fails. Shutdown cancels components newest-first and waits
// for each before cancelling the next, then runs the closers.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	components := make([]Component, len(s.components))
	copy(components, s.components)
	closers := make([]Closer, len(s.closers))
	copy(closers, s.closers)
	s.mu.Unlock()

	fatal := make(chan error, len(components))
	started := make([]running, 0, len(components))
	for _, c := range components {
		compCtx, cancel := context.WithCancel(ctx)
		r := running{name: c.Name, cancel: cancel, done: make(chan error, 1)}
		go func(c Component) {
			err := c.Run(compCtx)
			r.done <- err
			if err != nil && !errors.Is(err, context.Canceled) && compCtx.Err() == nil {
				fatal <- fmt.Errorf("component %s: %w", c.Name, err)
			}
		}(c)
		started = append(started, r)
		slog.Debug("component started", "component", c.Name)
	}

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case err := <-fatal:
		cause = err
		slog.Error("component failed, shutting down", "err", err)
	}

	for i := len(started) - 1; i >= 0; i-- {
		r := started[i]
		r.cancel()
		select {
		case err := <-r.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("component stopped with error", "component", r.name, "err", err)
			} else {
				slog.Debug("component stopped", "component", r.name)
			}
		case <-time.After(s.stopGrace):
			slog.Warn("component did not stop in time", "component", r.name, "grace", s.stopGrace)
		}
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("closer failed", "closer", c.Name, "err", err)
		} else {
			slog.Debug("closed", "closer", c.Name)
		}
	}

	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}
