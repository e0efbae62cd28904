// Package halsim provides an in-memory Type 2 Tag front-end for
// development and tests.
//
// The driver implements hal.HAL with no hardware behind it. The test
// harness plays the part of the reader: RaiseField and DropField move a
// simulated reader in and out of range, and ReaderSend delivers an
// inbound packet. Sends complete asynchronously with a DataTransmitted
// event, the way a real front-end would.
package halsim

import (
	"fmt"
	"sync"
	"time"

	"github.com/nfcworks/t2t-agent/hal"
)

// MaxPacketSize is the largest packet the simulated front-end accepts.
const MaxPacketSize = 255

// Option configures a Driver.
type Option func(*Driver)

// WithFieldCycle makes the simulated reader approach and leave on its own
// while the radio is active: in range for on, out of range for off,
// repeating. Useful for demos; tests usually script the field by hand.
func WithFieldCycle(on, off time.Duration) Option {
	return func(d *Driver) {
		d.cycleOn = on
		d.cycleOff = off
	}
}

// Driver is a simulated Type 2 Tag front-end.
type Driver struct {
	mu       sync.Mutex
	listener hal.Listener
	running  bool
	fieldOn  bool
	closed   bool
	testing  byte

	// scratch backs DataReceived events and is reused across packets,
	// so listeners really must copy what they keep.
	scratch []byte

	deliverMu sync.Mutex
	dead      bool // guarded by deliverMu; set once Done returns

	cycleOn   time.Duration
	cycleOff  time.Duration
	stopCycle chan struct{}
	wg        sync.WaitGroup
}

var _ hal.HAL = (*Driver)(nil)

// New creates a simulated front-end.
func New(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Setup registers the session listener.
func (d *Driver) Setup(l hal.Listener) error {
	if l == nil {
		return fmt.Errorf("halsim: nil listener: %w", hal.ErrHardware)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("halsim: driver released: %w", hal.ErrHardware)
	}
	d.listener = l
	return nil
}

// SetParameter accepts ParamTesting with a single mode byte.
func (d *Driver) SetParameter(id hal.ParamID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch id {
	case hal.ParamTesting:
		if len(data) != 1 {
			return fmt.Errorf("halsim: testing parameter takes 1 byte, got %d: %w",
				len(data), hal.ErrInvalidSize)
		}
		d.testing = data[0]
		return nil
	default:
		return fmt.Errorf("halsim: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}
}

// GetParameter reads ParamTesting. A too-small buffer fails with the
// required size.
func (d *Driver) GetParameter(id hal.ParamID, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch id {
	case hal.ParamTesting:
		if len(buf) < 1 {
			return 0, &hal.SizeError{Required: 1}
		}
		buf[0] = d.testing
		return 1, nil
	default:
		return 0, fmt.Errorf("halsim: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}
}

// Start activates the radio. If a reader field is already present, the
// listener hears about it immediately.
func (d *Driver) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("halsim: driver released: %w", hal.ErrHardware)
	}
	d.running = true
	announce := d.fieldOn
	cycle := d.cycleOn > 0 && d.stopCycle == nil
	if cycle {
		d.stopCycle = make(chan struct{})
	}
	stop := d.stopCycle
	d.mu.Unlock()

	if announce {
		d.emit(hal.Event{Kind: hal.FieldOn})
	}
	if cycle {
		d.wg.Add(1)
		go d.runFieldCycle(stop)
	}
	return nil
}

// Send queues a packet for the reader. Completion is reported through a
// DataTransmitted event carrying the same slice.
func (d *Driver) Send(data []byte) error {
	if len(data) == 0 || len(data) > MaxPacketSize {
		return fmt.Errorf("halsim: packet of %d bytes unsupported: %w",
			len(data), hal.ErrInvalidSize)
	}

	d.mu.Lock()
	if d.closed || !d.running {
		d.mu.Unlock()
		return fmt.Errorf("halsim: radio not active: %w", hal.ErrHardware)
	}
	if !d.fieldOn {
		d.mu.Unlock()
		return fmt.Errorf("halsim: no reader in field: %w", hal.ErrHardware)
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.emit(hal.Event{Kind: hal.DataTransmitted, Data: data})
	}()
	return nil
}

// Stop deactivates the radio; no events are delivered until Start is
// called again.
func (d *Driver) Stop() error {
	d.mu.Lock()
	d.running = false
	stop := d.stopCycle
	d.stopCycle = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	return nil
}

// Done releases the driver. It always succeeds; once it returns the
// listener is never invoked again.
func (d *Driver) Done() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.running = false
	stop := d.stopCycle
	d.stopCycle = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	d.deliverMu.Lock()
	d.dead = true
	d.deliverMu.Unlock()

	d.wg.Wait()
	return nil
}

// RaiseField brings the simulated reader into range. The tag only
// notices while its radio is active.
func (d *Driver) RaiseField() {
	d.mu.Lock()
	notify := d.running && !d.fieldOn
	d.fieldOn = true
	d.mu.Unlock()

	if notify {
		d.emit(hal.Event{Kind: hal.FieldOn})
	}
}

// DropField takes the simulated reader out of range.
func (d *Driver) DropField() {
	d.mu.Lock()
	notify := d.running && d.fieldOn
	d.fieldOn = false
	d.mu.Unlock()

	if notify {
		d.emit(hal.Event{Kind: hal.FieldOff})
	}
}

// ReaderSend delivers a packet from the simulated reader to the tag. It
// fails if the radio is off or the reader is out of range. The packet is
// copied into the driver's scratch buffer before delivery, so the
// listener sees a buffer it does not own.
func (d *Driver) ReaderSend(data []byte) error {
	// Copy and delivery share one critical section so an overlapping
	// ReaderSend cannot overwrite the scratch buffer mid-delivery.
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	if d.dead {
		return fmt.Errorf("halsim: driver released: %w", hal.ErrHardware)
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("halsim: radio not active: %w", hal.ErrHardware)
	}
	if !d.fieldOn {
		d.mu.Unlock()
		return fmt.Errorf("halsim: reader out of range: %w", hal.ErrHardware)
	}
	if cap(d.scratch) < len(data) {
		d.scratch = make([]byte, len(data))
	}
	d.scratch = d.scratch[:len(data)]
	copy(d.scratch, data)
	packet := d.scratch
	l := d.listener
	d.mu.Unlock()

	if l != nil {
		l.HandleEvent(hal.Event{Kind: hal.DataReceived, Data: packet})
	}
	return nil
}

// FieldPresent reports whether the simulated reader is in range.
func (d *Driver) FieldPresent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fieldOn
}

// emit delivers one event, serialized, unless the driver is already done.
func (d *Driver) emit(ev hal.Event) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	if d.dead {
		return
	}

	d.mu.Lock()
	l := d.listener
	d.mu.Unlock()
	if l != nil {
		l.HandleEvent(ev)
	}
}

func (d *Driver) runFieldCycle(stop chan struct{}) {
	defer d.wg.Done()
	for {
		d.RaiseField()
		select {
		case <-stop:
			return
		case <-time.After(d.cycleOn):
		}
		d.DropField()
		select {
		case <-stop:
			return
		case <-time.After(d.cycleOff):
		}
	}
}
