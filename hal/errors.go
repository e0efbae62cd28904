package hal

import (
	"errors"
	"fmt"
)

// The closed result taxonomy shared by all drivers. A nil error means OK;
// everything else falls into one of these three classes. Drivers wrap the
// sentinels with fmt.Errorf("...: %w", ...) to add detail.
var (
	// ErrHardware is the generic failure class: hardware faults, bad
	// arguments, unrecognized parameter ids, operations issued in the
	// wrong state.
	ErrHardware = errors.New("hal: hardware failure")

	// ErrInvalidSize reports a buffer or payload whose length does not
	// match what the operation expects. GetParameter failures carry the
	// required size as a *SizeError.
	ErrInvalidSize = errors.New("hal: invalid size")

	// ErrTimeout reports that an operation gave up waiting on the
	// front-end.
	ErrTimeout = errors.New("hal: timeout")
)

// SizeError reports a buffer that was too small for GetParameter, along
// with the size that would have sufficed. It matches ErrInvalidSize under
// errors.Is.
type SizeError struct {
	Required int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("hal: buffer too small, %d bytes required", e.Required)
}

// Is reports ErrInvalidSize as SizeError's class so that callers can test
// with errors.Is without caring about the payload.
func (e *SizeError) Is(target error) bool { return target == ErrInvalidSize }

// RequiredSize extracts the required-size payload from an error returned
// by GetParameter. It returns false if err carries no size information.
func RequiredSize(err error) (int, bool) {
	var se *SizeError
	if errors.As(err, &se) {
		return se.Required, true
	}
	return 0, false
}
