// Package remotehal implements hal.HAL over a WebSocket connection to a
// t2t agent, so a protocol stack on one machine can drive a radio
// front-end attached to another.
package remotehal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/protocol"
)

// DefaultCallTimeout bounds how long a request waits for the agent's
// response before failing with hal.ErrTimeout.
const DefaultCallTimeout = 5 * time.Second

// Option configures a HAL.
type Option func(*HAL)

// WithCallTimeout overrides the per-request timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(h *HAL) { h.callTimeout = d }
}

// WithDialRetries overrides how many times Dial and the reconnect loop
// retry before giving up.
func WithDialRetries(n uint64) Option {
	return func(h *HAL) { h.dialRetries = n }
}

// HAL drives a remote front-end through an agent. It implements hal.HAL.
type HAL struct {
	url         string
	callTimeout time.Duration
	dialRetries uint64
	log         *logrus.Entry

	connMu sync.Mutex // guards conn and all writes to it
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Message

	deliverMu sync.Mutex
	listener  hal.Listener
	dead      bool // guarded by deliverMu

	txMu  sync.Mutex
	txBuf []byte // caller's buffer for the in-flight send

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ hal.HAL = (*HAL)(nil)

// Dial connects to an agent at url (ws://host:port/ws), retrying with
// exponential backoff. Setup must still be called before the session is
// usable.
func Dial(url string, opts ...Option) (*HAL, error) {
	h := &HAL{
		url:         url,
		callTimeout: DefaultCallTimeout,
		dialRetries: 4,
		pending:     make(map[string]chan protocol.Message),
		closed:      make(chan struct{}),
		log:         logrus.WithField("component", "remotehal"),
	}
	for _, opt := range opts {
		opt(h)
	}

	conn, err := h.dial()
	if err != nil {
		return nil, fmt.Errorf("remotehal: connecting to %s: %w", url, err)
	}
	h.conn = conn

	h.wg.Add(1)
	go h.readPump(conn)
	return h, nil
}

func (h *HAL) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.dialRetries)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return conn, nil
}

// Setup registers the session listener.
func (h *HAL) Setup(l hal.Listener) error {
	if l == nil {
		return fmt.Errorf("remotehal: nil listener: %w", hal.ErrHardware)
	}
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.dead {
		return fmt.Errorf("remotehal: session closed: %w", hal.ErrHardware)
	}
	h.listener = l
	return nil
}

// SetParameter forwards the write to the agent.
func (h *HAL) SetParameter(id hal.ParamID, data []byte) error {
	resp, err := h.call(protocol.MsgSetParameter, protocol.ParameterPayload{
		ID:   protocol.ParamIDName(id),
		Data: data,
	})
	if err != nil {
		return err
	}
	return protocol.ResponseError(resp)
}

// GetParameter reads a parameter from the agent. The required-size
// protocol survives the network hop: a too-small buf fails with a
// *hal.SizeError rebuilt from the agent's response.
func (h *HAL) GetParameter(id hal.ParamID, buf []byte) (int, error) {
	resp, err := h.call(protocol.MsgGetParameter, protocol.ParameterPayload{
		ID:        protocol.ParamIDName(id),
		MaxLength: len(buf),
	})
	if err != nil {
		return 0, err
	}
	if err := protocol.ResponseError(resp); err != nil {
		return 0, err
	}

	var result protocol.ParameterResult
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			return 0, fmt.Errorf("remotehal: bad parameter result: %w", hal.ErrHardware)
		}
	}
	if len(result.Data) > len(buf) {
		return 0, &hal.SizeError{Required: len(result.Data)}
	}
	return copy(buf, result.Data), nil
}

// Start activates the remote radio.
func (h *HAL) Start() error {
	resp, err := h.call(protocol.MsgStart, nil)
	if err != nil {
		return err
	}
	return protocol.ResponseError(resp)
}

// Send forwards a packet to the agent. The caller's buffer is delivered
// back with the DataTransmitted event, preserving the ownership contract
// across the network.
func (h *HAL) Send(data []byte) error {
	h.txMu.Lock()
	h.txBuf = data
	h.txMu.Unlock()

	resp, err := h.call(protocol.MsgSend, protocol.SendPayload{Data: data})
	if err == nil {
		err = protocol.ResponseError(resp)
	}
	if err != nil {
		h.txMu.Lock()
		h.txBuf = nil
		h.txMu.Unlock()
		return err
	}
	return nil
}

// Stop deactivates the remote radio.
func (h *HAL) Stop() error {
	resp, err := h.call(protocol.MsgStop, nil)
	if err != nil {
		return err
	}
	return protocol.ResponseError(resp)
}

// Done closes the link. It always succeeds; once it returns, the
// listener is never invoked again.
func (h *HAL) Done() error {
	h.closeOnce.Do(func() {
		close(h.closed)

		h.deliverMu.Lock()
		h.dead = true
		h.deliverMu.Unlock()

		h.connMu.Lock()
		if h.conn != nil {
			h.conn.Close()
		}
		h.connMu.Unlock()

		h.wg.Wait()
	})
	return nil
}

// Status asks the agent for its current state. Not part of the hal.HAL
// surface, but handy for tooling.
func (h *HAL) Status() (protocol.StatusPayload, error) {
	resp, err := h.call(protocol.MsgStatus, nil)
	if err != nil {
		return protocol.StatusPayload{}, err
	}
	if err := protocol.ResponseError(resp); err != nil {
		return protocol.StatusPayload{}, err
	}
	var status protocol.StatusPayload
	if err := json.Unmarshal(resp.Payload, &status); err != nil {
		return protocol.StatusPayload{}, fmt.Errorf("remotehal: bad status payload: %w", hal.ErrHardware)
	}
	return status, nil
}

// call performs one correlated request/response round trip.
func (h *HAL) call(msgType string, payload any) (protocol.Message, error) {
	select {
	case <-h.closed:
		return protocol.Message{}, fmt.Errorf("remotehal: session closed: %w", hal.ErrHardware)
	default:
	}

	id := uuid.New().String()
	msg, err := protocol.NewRequest(id, msgType, payload)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("remotehal: %w", err)
	}

	ch := make(chan protocol.Message, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	h.connMu.Lock()
	err = h.conn.WriteJSON(msg)
	h.connMu.Unlock()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("remotehal: writing %s request: %w", msgType, hal.ErrHardware)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Message{}, fmt.Errorf("remotehal: connection lost: %w", hal.ErrHardware)
		}
		return resp, nil
	case <-time.After(h.callTimeout):
		return protocol.Message{}, fmt.Errorf("remotehal: %s request: %w", msgType, hal.ErrTimeout)
	case <-h.closed:
		return protocol.Message{}, fmt.Errorf("remotehal: session closed: %w", hal.ErrHardware)
	}
}

// readPump reads everything the agent sends, resolving responses and
// delivering events. On a broken connection it reconnects with backoff
// unless the session is done.
func (h *HAL) readPump(conn *websocket.Conn) {
	defer h.wg.Done()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			h.failPending()

			select {
			case <-h.closed:
				return
			default:
			}

			h.log.WithError(err).Warn("connection lost, reconnecting")
			next, dialErr := h.dial()
			if dialErr != nil {
				h.log.WithError(dialErr).Error("reconnect failed")
				return
			}
			h.connMu.Lock()
			h.conn = next
			h.connMu.Unlock()
			conn = next
			continue
		}

		switch {
		case msg.Type == protocol.MsgEvent:
			h.deliverEvent(msg)
		case msg.ID != "":
			h.resolve(msg)
		}
	}
}

// resolve hands a response to the waiting call.
func (h *HAL) resolve(msg protocol.Message) {
	h.pendingMu.Lock()
	ch, ok := h.pending[msg.ID]
	h.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

// failPending wakes every waiting call with a connection error.
func (h *HAL) failPending() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

// deliverEvent decodes an event message and hands it to the listener.
func (h *HAL) deliverEvent(msg protocol.Message) {
	var payload protocol.EventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.log.WithError(err).Warn("bad event payload")
		return
	}
	kind, err := protocol.ParseEventKind(payload.Kind)
	if err != nil {
		h.log.WithField("kind", payload.Kind).Warn("unknown event kind")
		return
	}

	ev := hal.Event{Kind: kind, Data: payload.Data}
	if kind == hal.DataTransmitted {
		// Hand the caller back their own buffer, as a local driver would.
		h.txMu.Lock()
		if h.txBuf != nil {
			ev.Data = h.txBuf
			h.txBuf = nil
		}
		h.txMu.Unlock()
	}

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.dead || h.listener == nil {
		return
	}
	h.listener.HandleEvent(ev)
}
