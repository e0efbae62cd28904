// Package libnfchal implements hal.HAL on top of a libnfc device in
// target (tag emulation) mode. The reader polls us; we answer with
// whatever the session layer hands to Send.
package libnfchal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/clausecker/nfc/v2"
	"github.com/sirupsen/logrus"

	"github.com/nfcworks/t2t-agent/hal"
)

// MaxPacketSize is the largest command or response we exchange with the
// reader in one shot.
const MaxPacketSize = 262

// Config describes the libnfc attachment.
type Config struct {
	// ConnString selects the device, e.g. "pn532_uart:/dev/ttyUSB0".
	// Empty picks the first device libnfc finds.
	ConnString string
	// UID is the emulated tag's single-size (4 byte) identifier. The
	// first byte defaults to 0x08, marking a random id per ISO14443-3.
	UID [4]byte
}

// Driver emulates a tag on a libnfc device. It implements hal.HAL.
type Driver struct {
	device nfc.Device
	uid    [4]byte
	log    *logrus.Entry

	mu      sync.Mutex
	active  bool
	stopped chan struct{} // closed to tear down the exchange loop
	loop    sync.WaitGroup
	txQueue chan []byte
	mode    byte
	done    bool

	deliverMu sync.Mutex
	listener  hal.Listener
	dead      bool // guarded by deliverMu
}

var _ hal.HAL = (*Driver)(nil)

// Open claims a libnfc device for tag emulation.
func Open(config Config) (*Driver, error) {
	device, err := nfc.Open(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("libnfchal: opening device: %w", err)
	}
	if config.UID == ([4]byte{}) {
		config.UID = [4]byte{0x08, 0x01, 0x02, 0x03}
	}
	return &Driver{
		device: device,
		uid:    config.UID,
		log:    logrus.WithField("component", "libnfchal"),
	}, nil
}

// Setup registers the session listener.
func (d *Driver) Setup(l hal.Listener) error {
	if l == nil {
		return fmt.Errorf("libnfchal: nil listener: %w", hal.ErrHardware)
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.dead {
		return fmt.Errorf("libnfchal: device released: %w", hal.ErrHardware)
	}
	d.listener = l
	return nil
}

// SetParameter adjusts driver behavior. Only the testing mode byte is
// recognized; libnfc exposes no equivalent knob on the chip itself.
func (d *Driver) SetParameter(id hal.ParamID, data []byte) error {
	if id != hal.ParamTesting {
		return fmt.Errorf("libnfchal: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}
	if len(data) != 1 {
		return &hal.SizeError{Required: 1}
	}
	d.mu.Lock()
	d.mode = data[0]
	d.mu.Unlock()
	return nil
}

// GetParameter reads a parameter back. A too-small buffer fails with
// the required size.
func (d *Driver) GetParameter(id hal.ParamID, buf []byte) (int, error) {
	if id != hal.ParamTesting {
		return 0, fmt.Errorf("libnfchal: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}
	if len(buf) < 1 {
		return 0, &hal.SizeError{Required: 1}
	}
	d.mu.Lock()
	buf[0] = d.mode
	d.mu.Unlock()
	return 1, nil
}

// Start puts the device in target mode and spawns the exchange loop.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return fmt.Errorf("libnfchal: device released: %w", hal.ErrHardware)
	}
	if d.active {
		return fmt.Errorf("libnfchal: already emulating: %w", hal.ErrHardware)
	}
	d.active = true
	d.stopped = make(chan struct{})
	d.txQueue = make(chan []byte, 1)
	d.loop.Add(1)
	go d.exchangeLoop(d.stopped, d.txQueue)
	return nil
}

// Send queues one response for the reader. The buffer stays the
// caller's until DataTransmitted hands it back.
func (d *Driver) Send(data []byte) error {
	if len(data) == 0 || len(data) > MaxPacketSize {
		return fmt.Errorf("libnfchal: packet of %d bytes unsupported: %w",
			len(data), hal.ErrInvalidSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return fmt.Errorf("libnfchal: not emulating: %w", hal.ErrHardware)
	}
	select {
	case d.txQueue <- data:
		return nil
	default:
		return fmt.Errorf("libnfchal: transmission already pending: %w", hal.ErrHardware)
	}
}

// Stop leaves target mode. A blocked exchange with the reader is
// aborted.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return nil
	}
	d.active = false
	close(d.stopped)
	d.mu.Unlock()

	// Break the loop out of a blocked TargetInit or receive.
	if err := d.device.AbortCommand(); err != nil {
		d.log.WithError(err).Debug("abort command failed")
	}
	d.loop.Wait()
	return nil
}

// Done stops emulation and releases the device. It always succeeds.
func (d *Driver) Done() error {
	d.Stop()

	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return nil
	}
	d.done = true
	d.mu.Unlock()

	d.deliverMu.Lock()
	d.dead = true
	d.deliverMu.Unlock()

	if err := d.device.Close(); err != nil {
		d.log.WithError(err).Warn("closing device")
	}
	return nil
}

// exchangeLoop runs the reader dialogue: wait for selection, deliver
// commands upward, transmit the session layer's answers. The loop
// re-arms target mode whenever the reader deselects us or the field
// drops.
func (d *Driver) exchangeLoop(stopped chan struct{}, txQueue chan []byte) {
	defer d.loop.Done()

	target := &nfc.ISO14443aTarget{
		Atqa:   [2]byte{0x00, 0x44}, // single size UID, Type 2 style
		Sak:    0x00,
		UIDLen: 4,
	}
	copy(target.UID[:], d.uid[:])

	rx := make([]byte, MaxPacketSize)
	for {
		if stopping(stopped) {
			return
		}

		// Blocks until a reader selects us.
		n, err := d.device.TargetInit(target, rx, -1)
		if err != nil {
			if stopping(stopped) {
				return
			}
			d.log.WithError(err).Debug("target init failed, retrying")
			continue
		}

		d.emit(hal.Event{Kind: hal.FieldOn})
		if n > 0 {
			d.emit(hal.Event{Kind: hal.DataReceived, Data: rx[:n]})
		}

		d.converse(stopped, txQueue, rx)

		d.emit(hal.Event{Kind: hal.FieldOff})
	}
}

// converse handles one selection's worth of traffic. Tag exchanges are
// half duplex: after each command goes up, we wait for the session
// layer's answer before listening again. Returns when the reader
// releases us or we are stopped.
func (d *Driver) converse(stopped chan struct{}, txQueue chan []byte, rx []byte) {
	for {
		select {
		case tx := <-txQueue:
			if _, err := d.device.TargetSendBytes(tx, -1); err != nil {
				if readerGone(err) || stopping(stopped) {
					return
				}
				d.log.WithError(err).Debug("send to reader failed")
				return
			}
			d.emit(hal.Event{Kind: hal.DataTransmitted, Data: tx})
		case <-stopped:
			return
		default:
		}

		n, err := d.device.TargetReceiveBytes(rx, readPollTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !readerGone(err) && !stopping(stopped) {
				d.log.WithError(err).Debug("receive from reader failed")
			}
			return
		}
		if n > 0 {
			d.emit(hal.Event{Kind: hal.DataReceived, Data: rx[:n]})
		}
	}
}

// readPollTimeout (ms) bounds each receive so queued transmissions and
// stop requests get a look-in between reader commands.
const readPollTimeout = 100

func (d *Driver) emit(ev hal.Event) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.dead || d.listener == nil {
		return
	}
	d.listener.HandleEvent(ev)
}

func stopping(stopped chan struct{}) bool {
	select {
	case <-stopped:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var nfcErr nfc.Error
	return errors.As(err, &nfcErr) && int(nfcErr) == nfc.ETIMEOUT
}

// readerGone reports errors meaning the reader deselected us or left
// the field.
func readerGone(err error) bool {
	var nfcErr nfc.Error
	if !errors.As(err, &nfcErr) {
		return false
	}
	switch int(nfcErr) {
	case nfc.ETGRELEASED, nfc.ERFTRANS, nfc.EIO:
		return true
	default:
		return false
	}
}
