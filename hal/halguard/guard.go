// Package halguard wraps a raw driver with session state enforcement.
//
// Drivers themselves do not police the setup/start/send ordering; Guard
// does. It tracks the uninitialized -> ready -> active lifecycle, rejects
// operations issued in the wrong state, allows a single in-flight Send at
// a time, serializes event delivery to the listener, and guarantees that
// no event reaches the listener after Done has returned, even if the
// driver still had one in flight.
package halguard

import (
	"fmt"
	"sync"

	"github.com/nfcworks/t2t-agent/hal"
)

// State is the session lifecycle position tracked by a Guard.
type State int

const (
	Uninitialized State = iota
	Ready
	Active
	Closed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Ready:
		return "Ready"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// State errors all fall into the generic hardware-failure class of the
// hal taxonomy.
var (
	ErrNotSetUp       = fmt.Errorf("halguard: setup not performed: %w", hal.ErrHardware)
	ErrAlreadySetUp   = fmt.Errorf("halguard: setup already performed: %w", hal.ErrHardware)
	ErrNotStarted     = fmt.Errorf("halguard: radio not started: %w", hal.ErrHardware)
	ErrAlreadyStarted = fmt.Errorf("halguard: radio already started: %w", hal.ErrHardware)
	ErrTxBusy         = fmt.Errorf("halguard: transmission in flight: %w", hal.ErrHardware)
	ErrClosed         = fmt.Errorf("halguard: session closed: %w", hal.ErrHardware)
)

// Guard enforces the session state machine around an inner driver.
// It implements hal.HAL itself.
type Guard struct {
	inner hal.HAL

	mu     sync.Mutex // guards state and txBusy
	state  State
	txBusy bool

	deliverMu sync.Mutex // serializes listener invocations
	listener  hal.Listener
	closed    bool // guarded by deliverMu
}

var _ hal.HAL = (*Guard)(nil)

// New wraps inner in a Guard. The Guard owns the inner driver's listener
// registration; callers interact with inner only through the Guard.
func New(inner hal.HAL) *Guard {
	return &Guard{inner: inner}
}

// State returns the current lifecycle position.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Setup registers the session listener. It may be called exactly once.
func (g *Guard) Setup(l hal.Listener) error {
	if l == nil {
		return fmt.Errorf("halguard: nil listener: %w", hal.ErrHardware)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Closed:
		return ErrClosed
	case Ready, Active:
		return ErrAlreadySetUp
	}

	if err := g.inner.Setup(hal.ListenerFunc(g.dispatch)); err != nil {
		return err
	}

	g.deliverMu.Lock()
	g.listener = l
	g.deliverMu.Unlock()

	g.state = Ready
	return nil
}

// dispatch is the listener installed on the inner driver. It drops events
// once the session is closed and delivers the rest one at a time.
func (g *Guard) dispatch(ev hal.Event) {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()

	if g.closed {
		return
	}

	if ev.Kind == hal.DataTransmitted {
		g.mu.Lock()
		g.txBusy = false
		g.mu.Unlock()
	}

	g.listener.HandleEvent(ev)
}

// SetParameter forwards to the driver once the session is ready.
func (g *Guard) SetParameter(id hal.ParamID, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireReady(); err != nil {
		return err
	}
	return g.inner.SetParameter(id, data)
}

// GetParameter forwards to the driver once the session is ready.
func (g *Guard) GetParameter(id hal.ParamID, buf []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireReady(); err != nil {
		return 0, err
	}
	return g.inner.GetParameter(id, buf)
}

// Start activates the radio. Valid only in the ready state.
func (g *Guard) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Closed:
		return ErrClosed
	case Uninitialized:
		return ErrNotSetUp
	case Active:
		return ErrAlreadyStarted
	}

	if err := g.inner.Start(); err != nil {
		return err
	}
	g.state = Active
	return nil
}

// Send queues one packet for transmission. Only one Send may be in
// flight; the slot frees when the DataTransmitted event is observed.
func (g *Guard) Send(data []byte) error {
	g.mu.Lock()
	switch g.state {
	case Closed:
		g.mu.Unlock()
		return ErrClosed
	case Uninitialized:
		g.mu.Unlock()
		return ErrNotSetUp
	case Ready:
		g.mu.Unlock()
		return ErrNotStarted
	}
	if len(data) == 0 {
		g.mu.Unlock()
		return fmt.Errorf("halguard: empty packet: %w", hal.ErrInvalidSize)
	}
	if g.txBusy {
		g.mu.Unlock()
		return ErrTxBusy
	}
	g.txBusy = true
	g.mu.Unlock()

	// Not holding mu here: the driver may complete the send and deliver
	// DataTransmitted before Send returns.
	if err := g.inner.Send(data); err != nil {
		g.mu.Lock()
		g.txBusy = false
		g.mu.Unlock()
		return err
	}
	return nil
}

// Stop deactivates the radio. Stopping an already-ready session is a
// no-op.
func (g *Guard) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Closed:
		return ErrClosed
	case Uninitialized:
		return ErrNotSetUp
	case Ready:
		return nil
	}

	if err := g.inner.Stop(); err != nil {
		return err
	}
	g.state = Ready
	g.txBusy = false
	return nil
}

// Done tears the session down. It always succeeds, may be called in any
// state, and guarantees that no event is delivered after it returns.
func (g *Guard) Done() error {
	g.mu.Lock()
	if g.state == Closed {
		g.mu.Unlock()
		return nil
	}
	wasSetUp := g.state != Uninitialized
	g.state = Closed
	g.txBusy = false
	g.mu.Unlock()

	// Taking deliverMu waits out any delivery already in progress, and
	// the closed flag drops everything after.
	g.deliverMu.Lock()
	g.closed = true
	g.deliverMu.Unlock()

	if wasSetUp {
		return g.inner.Done()
	}
	return nil
}

// requireReady is called with mu held.
func (g *Guard) requireReady() error {
	switch g.state {
	case Closed:
		return ErrClosed
	case Uninitialized:
		return ErrNotSetUp
	}
	return nil
}
