// Package supervisor runs the fallback-listener control loop. The
// secondary listener shares its port with the managed instances, so it may
// only be bound while nothing is running.
package supervisor

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RunStates answers the aggregate run-state question the loop is driven by.
type RunStates interface {
	AnyRunning(ctx context.Context) bool
}

// Supervisor toggles a secondary HTTP listener based on aggregate instance
// run-state. Each tick re-derives the desired state from scratch rather
// than accumulating deltas, so a missed transition heals on the next tick.
type Supervisor struct {
	addr     string
	handler  http.Handler
	states   RunStates
	interval time.Duration

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New creates a Supervisor serving handler on addr while no instance runs.
func New(addr string, handler http.Handler, states RunStates, interval time.Duration) *Supervisor {
	return &Supervisor{
		addr:     addr,
		handler:  handler,
		states:   states,
		interval: interval,
	}
}

// Run reconciles once immediately and then on every tick until ctx is
// done. The listener is torn down on exit.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopListener()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// Listening reports whether the fallback listener is currently bound.
func (s *Supervisor) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// reconcile derives the desired listener state and converges to it. Bind
// failures are logged, not fatal: the loop retries on the next tick.
func (s *Supervisor) reconcile(ctx context.Context) {
	shouldListen := !s.states.AnyRunning(ctx)
	if shouldListen {
		s.startListener()
	} else {
		s.stopListener()
	}
}

func (s *Supervisor) startListener() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Printf("[SUPERVISOR] could not bind %s: %v", s.addr, err)
		return
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[SUPERVISOR] fallback listener: %v", err)
		}
	}()
	log.Printf("[SUPERVISOR] fallback listener started on %s", s.addr)
}

func (s *Supervisor) stopListener() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return
	}
	if err := s.srv.Close(); err != nil {
		log.Printf("[SUPERVISOR] close fallback listener: %v", err)
	}
	s.srv = nil
	s.ln = nil
	log.Printf("[SUPERVISOR] fallback listener stopped")
}
