package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Shared is the state the scheduler and the receiver coordinate through: the
// hardware time of a reference trigger, a recovery request flag and the drift
// correction measured by the stacker.
type Shared struct {
	mu       sync.Mutex
	t0       time.Duration
	valid    bool
	epoch    uint64
	recovery bool
	// changed is closed and replaced whenever any of the above changes.
	changed chan struct{}

	nudge atomic.Int64
}

func NewShared() *Shared {
	return &Shared{changed: make(chan struct{})}
}

// broadcast must be called with mu held.
func (s *Shared) broadcast() {
	s.epoch++
	close(s.changed)
	s.changed = make(chan struct{})
}

// SetReference publishes a new reference trigger time and returns its epoch.
func (s *Shared) SetReference(t0 time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t0, s.valid = t0, true
	s.broadcast()
	return s.epoch
}

// Invalidate drops the reference; the receiver will acquire a new one.
func (s *Shared) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
	s.recovery = false
	s.broadcast()
}

// Reference returns the current reference, its epoch and whether it is valid.
func (s *Shared) Reference() (time.Duration, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t0, s.epoch, s.valid
}

// WaitReference blocks until a valid reference exists.
func (s *Shared) WaitReference(ctx context.Context) (time.Duration, uint64, error) {
	for {
		s.mu.Lock()
		t0, epoch, valid, ch := s.t0, s.epoch, s.valid, s.changed
		s.mu.Unlock()
		if valid {
			return t0, epoch, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
}

// WaitChange blocks until the epoch moves past epoch.
func (s *Shared) WaitChange(ctx context.Context, epoch uint64) error {
	for {
		s.mu.Lock()
		cur, ch := s.epoch, s.changed
		s.mu.Unlock()
		if cur != epoch {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitInvalid blocks until the reference has been invalidated.
func (s *Shared) WaitInvalid(ctx context.Context) error {
	for {
		s.mu.Lock()
		valid, ch := s.valid, s.changed
		s.mu.Unlock()
		if !valid {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel closed on the next state change.
func (s *Shared) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// RequestRecovery asks the scheduler to recreate the stream.
func (s *Shared) RequestRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovery {
		return
	}
	s.recovery = true
	s.broadcast()
}

// RecoveryRequested reports whether a recovery is pending.
func (s *Shared) RecoveryRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery
}

// Nudge records the latest measured offset of a trigger from where it was
// expected. Only the most recent value is kept.
func (s *Shared) Nudge(offset time.Duration) {
	s.nudge.Store(int64(offset))
}

// TakeNudge returns the pending offset and resets it to zero.
func (s *Shared) TakeNudge() time.Duration {
	return time.Duration(s.nudge.Swap(0))
}
