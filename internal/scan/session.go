package scan

import (
	"context"
	"sync"
	"time"
)

// Session is one scan operation. It delivers exactly one Outcome and
// closes its device handle before that outcome becomes visible.
type Session struct {
	ID         string
	Technology Technology
	StartedAt  time.Time

	cancel   context.CancelFunc
	opened   chan struct{}
	done     chan struct{}
	once     sync.Once
	onSettle func(*Session)

	mu       sync.Mutex
	status   Status
	outcome  Outcome
	handle   Handle
	closeErr error
}

// Info is a JSON friendly snapshot of a session.
type Info struct {
	ID         string     `json:"id"`
	Technology Technology `json:"technology"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
}

// Cancel ends the session with a cancelled outcome. It releases the handle
// before returning and is a no-op once the session has settled.
func (s *Session) Cancel() {
	s.settle(cancelledOutcome())
}

// Done is closed once the outcome is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the terminal outcome; ok is false while scanning.
func (s *Session) Outcome() (Outcome, bool) {
	select {
	case <-s.done:
	default:
		return Outcome{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, true
}

// Wait blocks until the session settles or ctx ends. Giving up on the wait
// does not cancel the session.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		o, _ := s.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info snapshots the session.
func (s *Session) Info() Info {
	info := Info{ID: s.ID, Technology: s.Technology, Status: s.Status(), StartedAt: s.StartedAt}
	if o, ok := s.Outcome(); ok {
		info.Outcome = &o
	}
	return info
}

// attach records the result of opening the device. It must be called
// exactly once per session, with a nil handle when no device was opened.
func (s *Session) attach(h Handle) {
	s.mu.Lock()
	s.handle = h
	if h != nil && s.status == StatusIdle {
		s.status = StatusScanning
	}
	s.mu.Unlock()
	close(s.opened)
}

func (s *Session) settle(o Outcome) {
	s.once.Do(func() {
		s.cancel()
		// An in-flight Open returns promptly once its context is cancelled.
		<-s.opened

		s.mu.Lock()
		h := s.handle
		s.handle = nil
		s.mu.Unlock()

		var closeErr error
		if h != nil {
			closeErr = h.Close()
		}

		s.mu.Lock()
		s.outcome = o
		s.closeErr = closeErr
		switch o.Kind {
		case KindValue:
			s.status = StatusSucceeded
		case KindCancelled:
			s.status = StatusCancelled
		default:
			s.status = StatusFailed
		}
		s.mu.Unlock()

		if s.onSettle != nil {
			s.onSettle(s)
		}
		close(s.done)
	})
}
