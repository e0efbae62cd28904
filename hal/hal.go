package hal

// HAL is implemented by every Type 2 Tag radio front-end.
type HAL interface {
	// Setup registers the listener that receives all events for the
	// session. It must be called before any other operation. A nil
	// listener is rejected.
	Setup(l Listener) error

	// SetParameter writes the configuration value identified by id.
	// It fails with ErrInvalidSize if len(data) does not match what the
	// parameter expects, and with a generic error for an id the driver
	// does not recognize.
	SetParameter(id ParamID, data []byte) error

	// GetParameter reads the value identified by id into buf and returns
	// the number of bytes written. If buf is too small it returns a
	// *SizeError reporting the required size; callers may probe with a
	// nil buf and retry with a sufficient one.
	GetParameter(id ParamID, buf []byte) (int, error)

	// Start activates the radio so external readers can detect the tag.
	Start() error

	// Send queues data for transmission to the connected reader. The
	// caller keeps ownership of data and must not modify it until the
	// matching DataTransmitted event arrives; completion is signaled by
	// that event, not by the return value.
	Send(data []byte) error

	// Stop deactivates the radio. Start may be called again afterwards.
	Stop() error

	// Done releases the session and invalidates the listener; no events
	// are delivered after it returns. Done always succeeds and is safe
	// to call at any time.
	Done() error
}

// Listener receives asynchronous events from a driver. Implementations
// must not retain a DataReceived event's Data slice past the call.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }
