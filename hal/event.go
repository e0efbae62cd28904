package hal

// EventKind tags the reason a listener was invoked.
type EventKind int

const (
	// FieldOn signals that an external reader's field was detected.
	FieldOn EventKind = iota
	// FieldOff signals that the reader's field was lost.
	FieldOff
	// DataReceived carries an inbound packet from the reader. The
	// packet buffer belongs to the driver and is valid only for the
	// duration of the listener call.
	DataReceived
	// DataTransmitted confirms that a prior Send completed. The packet
	// buffer is the one the caller passed to Send and stays owned by
	// the caller.
	DataTransmitted
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case FieldOn:
		return "FieldOn"
	case FieldOff:
		return "FieldOff"
	case DataReceived:
		return "DataReceived"
	case DataTransmitted:
		return "DataTransmitted"
	default:
		return "Unknown"
	}
}

// Event is a single notification from a driver to the upper layer.
// Data is nil for field events.
type Event struct {
	Kind EventKind
	Data []byte
}
