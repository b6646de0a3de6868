package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultFrameInterval = 100 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithFrameInterval sets the pause between QR frames that carried no code.
func WithFrameInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.frameInterval = d
		}
	}
}

// WithObserver registers a callback invoked once per settled session,
// after its handle has been released.
func WithObserver(fn func(Info)) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, fn)
	}
}

// Manager owns the scanner devices and the sessions running on them.
type Manager struct {
	logger        *slog.Logger
	frameInterval time.Duration
	observers     []func(Info)

	mu         sync.Mutex
	devices    map[Technology]Device
	active     map[Technology]*Session
	formatting map[Technology]bool
	closed     bool
}

// NewManager builds a manager over the given devices. Technologies without
// a device report NotSupported.
func NewManager(logger *slog.Logger, devices []Device, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:        logger,
		frameInterval: defaultFrameInterval,
		devices:       make(map[Technology]Device, len(devices)),
		active:        make(map[Technology]*Session),
		formatting:    make(map[Technology]bool),
	}
	for _, d := range devices {
		m.devices[d.Technology()] = d
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Supported reports whether tech can be scanned right now.
func (m *Manager) Supported(tech Technology) error {
	m.mu.Lock()
	dev, ok := m.devices[tech]
	m.mu.Unlock()
	if !ok {
		return &Error{Kind: NotSupported, Err: ErrNotSupported}
	}
	return classified(dev.Supported())
}

// Start opens a session for tech. It fails with ErrSessionBusy while
// another session or a tag format holds the same technology. Capability
// and device failures are reported through the session outcome.
// Cancelling ctx cancels the session.
func (m *Manager) Start(ctx context.Context, tech Technology) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, busy := m.active[tech]; busy || m.formatting[tech] {
		m.mu.Unlock()
		return nil, ErrSessionBusy
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         uuid.NewString(),
		Technology: tech,
		StartedAt:  time.Now().UTC(),
		cancel:     cancel,
		opened:     make(chan struct{}),
		done:       make(chan struct{}),
		status:     StatusIdle,
	}
	s.onSettle = m.settled
	m.active[tech] = s
	dev := m.devices[tech]
	m.mu.Unlock()

	m.logger.Debug("scan session started", "session", s.ID, "technology", tech)

	if dev == nil {
		s.attach(nil)
		s.settle(errorOutcome(ErrNotSupported))
		return s, nil
	}
	if err := dev.Supported(); err != nil {
		s.attach(nil)
		s.settle(errorOutcome(err))
		return s, nil
	}

	go func() {
		<-sctx.Done()
		s.settle(cancelledOutcome())
	}()
	go m.run(sctx, s, dev)

	return s, nil
}

// Scan starts a session and waits for its outcome. Cancelling ctx cancels
// the scan.
func (m *Manager) Scan(ctx context.Context, tech Technology) (Outcome, error) {
	s, err := m.Start(ctx, tech)
	if err != nil {
		return Outcome{}, err
	}
	<-s.Done()
	o, _ := s.Outcome()
	return o, nil
}

// Session returns an active session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Active returns the session currently holding tech.
func (m *Manager) Active(tech Technology) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[tech]
	return s, ok
}

// Close cancels every active session and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// FormatTag writes the handshake marker onto a blank NFC tag. It holds the
// NFC slot for its duration, so it is busy while an NFC scan is open.
func (m *Manager) FormatTag(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, busy := m.active[NFC]; busy || m.formatting[NFC] {
		m.mu.Unlock()
		return ErrSessionBusy
	}
	dev, ok := m.devices[NFC]
	if !ok {
		m.mu.Unlock()
		return &Error{Kind: NotSupported, Err: ErrNotSupported}
	}
	formatter, ok := dev.(Formatter)
	if !ok {
		m.mu.Unlock()
		return &Error{Kind: NotSupported, Err: errors.New("device cannot write tags")}
	}
	m.formatting[NFC] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.formatting, NFC)
		m.mu.Unlock()
	}()

	if err := dev.Supported(); err != nil {
		return classified(err)
	}
	if err := formatter.Format(ctx, HandshakeMarker); err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: Cancelled, Err: ctx.Err()}
		}
		return classified(err)
	}
	m.logger.Info("nfc tag formatted", "marker", HandshakeMarker)
	return nil
}

func (m *Manager) run(ctx context.Context, s *Session, dev Device) {
	h, err := dev.Open(ctx)
	if err != nil {
		s.attach(nil)
		if ctx.Err() != nil {
			s.settle(cancelledOutcome())
			return
		}
		s.settle(errorOutcome(err))
		return
	}
	s.attach(h)

	for {
		v, err := h.Next(ctx)
		switch {
		case ctx.Err() != nil:
			s.settle(cancelledOutcome())
			return
		case errors.Is(err, ErrNoCode):
			if !m.sleep(ctx) {
				s.settle(cancelledOutcome())
				return
			}
			continue
		case err != nil:
			s.settle(errorOutcome(err))
			return
		case v == "":
			// Tags without a serial are skipped; keep waiting.
			continue
		}
		s.settle(valueOutcome(v))
		return
	}
}

func (m *Manager) sleep(ctx context.Context) bool {
	t := time.NewTimer(m.frameInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// settled runs inside Session.settle after the handle is closed and
// before Done is closed, so a caller woken by Done can start again.
func (m *Manager) settled(s *Session) {
	m.mu.Lock()
	if m.active[s.Technology] == s {
		delete(m.active, s.Technology)
	}
	m.mu.Unlock()

	s.mu.Lock()
	closeErr := s.closeErr
	o := s.outcome
	info := Info{ID: s.ID, Technology: s.Technology, Status: s.status, StartedAt: s.StartedAt, Outcome: &o}
	s.mu.Unlock()

	if closeErr != nil {
		m.logger.Warn("close scanner handle", "session", s.ID, "error", closeErr)
	}
	m.logger.Debug("scan session finished", "session", s.ID, "technology", s.Technology, "status", info.Status)
	for _, fn := range m.observers {
		fn(info)
	}
}
