package hal

// ParamID identifies one configurable property of a driver. The set is
// deliberately open-ended: drivers recognize a subset and fail with a
// generic error for everything else.
type ParamID int

const (
	// ParamTesting selects the driver's test mode. Drivers that support
	// it expect a single mode byte.
	ParamTesting ParamID = iota
	// ParamUnknown is a placeholder for ids the driver does not know.
	ParamUnknown
)

// String returns a string representation of the parameter id.
func (id ParamID) String() string {
	switch id {
	case ParamTesting:
		return "Testing"
	case ParamUnknown:
		return "Unknown"
	default:
		return "Unknown"
	}
}
