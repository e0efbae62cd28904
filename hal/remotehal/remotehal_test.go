package remotehal_test

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/hal/halsim"
	"github.com/nfcworks/t2t-agent/hal/remotehal"
	"github.com/nfcworks/t2t-agent/server"
)

// collector buffers events on a channel so tests can await them.
type collector struct {
	mu     sync.Mutex
	events []hal.Event
	ch     chan hal.Event
}

func newCollector() *collector {
	return &collector{ch: make(chan hal.Event, 16)}
}

func (c *collector) HandleEvent(ev hal.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
}

func (c *collector) wait(t *testing.T, kind hal.EventKind) hal.Event {
	t.Helper()
	for {
		select {
		case ev := <-c.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startAgent runs a real agent around a simulated front-end and returns
// its WebSocket URL plus the driver for scripting the reader.
func startAgent(t *testing.T) (string, *halsim.Driver) {
	t.Helper()

	driver := halsim.New()
	port := freePort(t)
	s := server.New(server.Config{
		HAL:         driver,
		Port:        port,
		DriverName:  "sim",
		DisableMDNS: true,
	})

	go func() {
		if err := s.Start(); err != nil {
			t.Errorf("agent Start() failed: %v", err)
		}
	}()
	t.Cleanup(s.Stop)

	return fmt.Sprintf("ws://127.0.0.1:%d/ws", port), driver
}

func dialAgent(t *testing.T, url string) *remotehal.HAL {
	t.Helper()
	h, err := remotehal.Dial(url)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", url, err)
	}
	t.Cleanup(func() { h.Done() })
	return h
}

func TestRemoteImplementsHAL(t *testing.T) {
	var _ hal.HAL = (*remotehal.HAL)(nil)
}

func TestRemoteLifecycle(t *testing.T) {
	url, driver := startAgent(t)
	h := dialAgent(t, url)

	c := newCollector()
	if err := h.Setup(c); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	status, err := h.Status()
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if status.State != "Active" {
		t.Errorf("remote state = %q, want Active", status.State)
	}

	driver.RaiseField()
	c.wait(t, hal.FieldOn)

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	status, err = h.Status()
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if status.State != "Ready" {
		t.Errorf("remote state after Stop = %q, want Ready", status.State)
	}
}

func TestRemoteSendKeepsBufferOwnership(t *testing.T) {
	url, driver := startAgent(t)
	h := dialAgent(t, url)

	c := newCollector()
	if err := h.Setup(c); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	driver.RaiseField()
	c.wait(t, hal.FieldOn)

	packet := []byte{0x02, 0x60, 0x04}
	if err := h.Send(packet); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	ev := c.wait(t, hal.DataTransmitted)
	// The event hands the caller back their own buffer, not a copy that
	// traveled over the wire.
	if &ev.Data[0] != &packet[0] {
		t.Error("DataTransmitted should carry the caller's own buffer")
	}
}

func TestRemoteReceive(t *testing.T) {
	url, driver := startAgent(t)
	h := dialAgent(t, url)

	c := newCollector()
	if err := h.Setup(c); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	driver.RaiseField()
	c.wait(t, hal.FieldOn)

	if err := driver.ReaderSend([]byte{0x30, 0x00}); err != nil {
		t.Fatalf("ReaderSend() failed: %v", err)
	}
	ev := c.wait(t, hal.DataReceived)
	if !bytes.Equal(ev.Data, []byte{0x30, 0x00}) {
		t.Errorf("received packet = % X, want 30 00", ev.Data)
	}
}

func TestRemoteSendBeforeStartFails(t *testing.T) {
	url, _ := startAgent(t)
	h := dialAgent(t, url)

	if err := h.Setup(newCollector()); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := h.Send([]byte{1}); !errors.Is(err, hal.ErrHardware) {
		t.Errorf("Send() before Start = %v, want hal.ErrHardware", err)
	}
}

func TestRemoteParameterSizeProbe(t *testing.T) {
	url, _ := startAgent(t)
	h := dialAgent(t, url)

	c := newCollector()
	if err := h.Setup(c); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}

	if err := h.SetParameter(hal.ParamTesting, []byte{0x11}); err != nil {
		t.Fatalf("SetParameter() failed: %v", err)
	}

	// Probe with a nil buffer; the size requirement crosses the wire.
	_, err := h.GetParameter(hal.ParamTesting, nil)
	required, ok := hal.RequiredSize(err)
	if !ok || required != 1 {
		t.Fatalf("probe GetParameter() = %v, want SizeError{1}", err)
	}

	buf := make([]byte, required)
	n, err := h.GetParameter(hal.ParamTesting, buf)
	if err != nil {
		t.Fatalf("GetParameter() failed: %v", err)
	}
	if n != 1 || buf[0] != 0x11 {
		t.Errorf("GetParameter() = (%d, % X), want (1, 11)", n, buf[:n])
	}

	// Unknown ids stay generic errors.
	if err := h.SetParameter(hal.ParamUnknown, []byte{1}); !errors.Is(err, hal.ErrHardware) {
		t.Errorf("SetParameter(ParamUnknown) = %v, want hal.ErrHardware", err)
	}
}

func TestRemoteDone(t *testing.T) {
	url, driver := startAgent(t)
	h := dialAgent(t, url)

	c := newCollector()
	if err := h.Setup(c); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	driver.RaiseField()
	c.wait(t, hal.FieldOn)

	if err := h.Done(); err != nil {
		t.Fatalf("Done() failed: %v", err)
	}
	if err := h.Done(); err != nil {
		t.Errorf("second Done() = %v, want nil", err)
	}

	// Events raised after Done never reach the listener.
	before := c.count()
	driver.DropField()
	driver.RaiseField()
	time.Sleep(100 * time.Millisecond)
	if got := c.count(); got != before {
		t.Errorf("%d events delivered after Done", got-before)
	}

	// Operations on a closed session fail generically.
	if err := h.Start(); !errors.Is(err, hal.ErrHardware) {
		t.Errorf("Start() after Done = %v, want hal.ErrHardware", err)
	}
}
