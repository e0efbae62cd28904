// Package serialhal implements hal.HAL for a radio front-end MCU
// attached over a UART. Requests and asynchronous events travel in CRC16
// checked frames; the decoder resynchronizes on the trailing sync byte
// after line noise.
package serialhal

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/nfcworks/t2t-agent/hal"
)

// DefaultRequestTimeout bounds how long a request waits for the MCU's
// reply before failing with hal.ErrTimeout.
const DefaultRequestTimeout = 2 * time.Second

// Config describes the serial attachment.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyACM0.
	Device string
	// Baud defaults to 115200.
	Baud int
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Driver drives a UART-attached front-end. It implements hal.HAL.
type Driver struct {
	port           io.ReadWriteCloser
	requestTimeout time.Duration
	log            *logrus.Entry

	writeMu sync.Mutex
	seq     byte

	pendingMu sync.Mutex
	pending   map[byte]chan frame

	deliverMu sync.Mutex
	listener  hal.Listener
	dead      bool // guarded by deliverMu

	txMu  sync.Mutex
	txBuf []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ hal.HAL = (*Driver)(nil)

// Open attaches to the front-end on the given serial device.
func Open(config Config) (*Driver, error) {
	if config.Baud == 0 {
		config.Baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: config.Device,
		Baud: config.Baud,
	})
	if err != nil {
		return nil, fmt.Errorf("serialhal: opening %s: %w", config.Device, err)
	}
	return NewDriver(port, config.RequestTimeout), nil
}

// NewDriver wraps an already-open transport. Tests and alternative
// transports (e.g. a TCP-attached MCU) use this directly.
func NewDriver(port io.ReadWriteCloser, requestTimeout time.Duration) *Driver {
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}
	d := &Driver{
		port:           port,
		requestTimeout: requestTimeout,
		pending:        make(map[byte]chan frame),
		closed:         make(chan struct{}),
		log:            logrus.WithField("component", "serialhal"),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// Setup registers the session listener.
func (d *Driver) Setup(l hal.Listener) error {
	if l == nil {
		return fmt.Errorf("serialhal: nil listener: %w", hal.ErrHardware)
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.dead {
		return fmt.Errorf("serialhal: driver released: %w", hal.ErrHardware)
	}
	d.listener = l
	return nil
}

// SetParameter forwards the write to the MCU.
func (d *Driver) SetParameter(id hal.ParamID, data []byte) error {
	wire, ok := wireParam(id)
	if !ok {
		return fmt.Errorf("serialhal: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}
	// The id byte rides in the same frame payload as the value.
	if len(data)+1 > MaxPayload {
		return fmt.Errorf("serialhal: parameter of %d bytes unsupported: %w",
			len(data), hal.ErrInvalidSize)
	}
	payload := append([]byte{wire}, data...)
	reply, err := d.request(opSetParam, payload)
	if err != nil {
		return err
	}
	return replyError(reply)
}

// GetParameter reads a parameter from the MCU. A too-small buffer fails
// with the required size reported by the firmware.
func (d *Driver) GetParameter(id hal.ParamID, buf []byte) (int, error) {
	wire, ok := wireParam(id)
	if !ok {
		return 0, fmt.Errorf("serialhal: unrecognized parameter %v: %w", id, hal.ErrHardware)
	}

	// A reply cannot carry more than a frame holds, so larger buffers
	// clamp to that instead of overflowing the 16-bit wire field.
	max := len(buf)
	if max > MaxPayload {
		max = MaxPayload
	}
	payload := []byte{wire, 0, 0}
	binary.BigEndian.PutUint16(payload[1:], uint16(max))
	reply, err := d.request(opGetParam, payload)
	if err != nil {
		return 0, err
	}
	if err := replyError(reply); err != nil {
		return 0, err
	}

	data := reply.payload[1:]
	if len(data) > len(buf) {
		return 0, &hal.SizeError{Required: len(data)}
	}
	return copy(buf, data), nil
}

// Start activates the radio.
func (d *Driver) Start() error {
	reply, err := d.request(opStart, nil)
	if err != nil {
		return err
	}
	return replyError(reply)
}

// Send forwards one packet for transmission. The caller's buffer comes
// back with the DataTransmitted event once the MCU confirms.
func (d *Driver) Send(data []byte) error {
	if len(data) == 0 || len(data) > MaxPayload {
		return fmt.Errorf("serialhal: packet of %d bytes unsupported: %w",
			len(data), hal.ErrInvalidSize)
	}

	d.txMu.Lock()
	d.txBuf = data
	d.txMu.Unlock()

	reply, err := d.request(opSend, data)
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		d.txMu.Lock()
		d.txBuf = nil
		d.txMu.Unlock()
		return err
	}
	return nil
}

// Stop deactivates the radio.
func (d *Driver) Stop() error {
	reply, err := d.request(opStop, nil)
	if err != nil {
		return err
	}
	return replyError(reply)
}

// Done releases the link. It always succeeds; the MCU is told on a
// best-effort basis.
func (d *Driver) Done() error {
	d.closeOnce.Do(func() {
		// Best effort: the MCU may already be gone.
		d.writeFrame(d.nextSeq(), opDone, nil)

		close(d.closed)

		d.deliverMu.Lock()
		d.dead = true
		d.deliverMu.Unlock()

		d.port.Close()
		d.wg.Wait()
	})
	return nil
}

// nextSeq returns the next request sequence number, skipping 0 which is
// reserved for event frames.
func (d *Driver) nextSeq() byte {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.seq++
	if d.seq == 0 {
		d.seq = 1
	}
	return d.seq
}

func (d *Driver) writeFrame(seq, op byte, payload []byte) error {
	raw := encodeFrame(seq, op, payload)
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.port.Write(raw)
	return err
}

// request performs one request/reply round trip with the MCU.
func (d *Driver) request(op byte, payload []byte) (frame, error) {
	select {
	case <-d.closed:
		return frame{}, fmt.Errorf("serialhal: driver released: %w", hal.ErrHardware)
	default:
	}

	seq := d.nextSeq()
	ch := make(chan frame, 1)
	d.pendingMu.Lock()
	d.pending[seq] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
	}()

	if err := d.writeFrame(seq, op, payload); err != nil {
		return frame{}, fmt.Errorf("serialhal: writing request: %w", hal.ErrHardware)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("serialhal: link lost: %w", hal.ErrHardware)
		}
		return reply, nil
	case <-time.After(d.requestTimeout):
		return frame{}, fmt.Errorf("serialhal: no reply from front-end: %w", hal.ErrTimeout)
	case <-d.closed:
		return frame{}, fmt.Errorf("serialhal: driver released: %w", hal.ErrHardware)
	}
}

// readLoop pulls bytes off the port, reassembles frames and dispatches
// them: replies wake their waiting request, event frames go to the
// listener.
func (d *Driver) readLoop() {
	defer d.wg.Done()
	defer d.failPending()

	var dec decoder
	buf := make([]byte, 256)
	for {
		n, err := d.port.Read(buf)
		if n > 0 {
			for _, fr := range dec.feed(buf[:n]) {
				if fr.isReply() {
					d.resolve(fr)
				} else {
					d.dispatchEvent(fr)
				}
			}
		}
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.log.WithError(err).Warn("serial read failed")
			}
			return
		}
	}
}

func (d *Driver) resolve(fr frame) {
	d.pendingMu.Lock()
	ch, ok := d.pending[fr.seq]
	d.pendingMu.Unlock()
	if ok {
		ch <- fr
	}
}

func (d *Driver) failPending() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for seq, ch := range d.pending {
		close(ch)
		delete(d.pending, seq)
	}
}

func (d *Driver) dispatchEvent(fr frame) {
	var ev hal.Event
	switch fr.op {
	case evFieldOn:
		ev.Kind = hal.FieldOn
	case evFieldOff:
		ev.Kind = hal.FieldOff
	case evRxData:
		ev = hal.Event{Kind: hal.DataReceived, Data: fr.payload}
	case evTxDone:
		ev.Kind = hal.DataTransmitted
		d.txMu.Lock()
		ev.Data = d.txBuf
		d.txBuf = nil
		d.txMu.Unlock()
	default:
		d.log.WithField("op", fmt.Sprintf("0x%02X", fr.op)).Warn("unknown event frame")
		return
	}

	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.dead || d.listener == nil {
		return
	}
	d.listener.HandleEvent(ev)
}

// replyError maps a reply's status byte onto the hal taxonomy.
func replyError(fr frame) error {
	if len(fr.payload) == 0 {
		return fmt.Errorf("serialhal: empty reply: %w", hal.ErrHardware)
	}
	switch fr.payload[0] {
	case statusOK:
		return nil
	case statusInvalidSize:
		if len(fr.payload) >= 3 {
			required := int(binary.BigEndian.Uint16(fr.payload[1:3]))
			return &hal.SizeError{Required: required}
		}
		return fmt.Errorf("serialhal: front-end rejected size: %w", hal.ErrInvalidSize)
	case statusTimeout:
		return fmt.Errorf("serialhal: front-end timeout: %w", hal.ErrTimeout)
	default:
		return fmt.Errorf("serialhal: front-end error 0x%02X: %w", fr.payload[0], hal.ErrHardware)
	}
}

func wireParam(id hal.ParamID) (byte, bool) {
	switch id {
	case hal.ParamTesting:
		return wireParamTesting, true
	default:
		return 0, false
	}
}
