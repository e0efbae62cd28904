package hal

import (
	"errors"
	"fmt"
	"testing"
)

func TestEventKindString(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{FieldOn, "FieldOn"},
		{FieldOff, "FieldOff"},
		{DataReceived, "DataReceived"},
		{DataTransmitted, "DataTransmitted"},
		{EventKind(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestParamIDString(t *testing.T) {
	if got := ParamTesting.String(); got != "Testing" {
		t.Errorf("ParamTesting.String() = %q, want %q", got, "Testing")
	}
	if got := ParamUnknown.String(); got != "Unknown" {
		t.Errorf("ParamUnknown.String() = %q, want %q", got, "Unknown")
	}
	if got := ParamID(42).String(); got != "Unknown" {
		t.Errorf("ParamID(42).String() = %q, want %q", got, "Unknown")
	}
}

func TestListenerFunc(t *testing.T) {
	var got Event
	var l Listener = ListenerFunc(func(ev Event) { got = ev })

	l.HandleEvent(Event{Kind: FieldOn})

	if got.Kind != FieldOn {
		t.Errorf("listener received %v, want FieldOn", got.Kind)
	}
}

func TestSizeErrorMatchesInvalidSize(t *testing.T) {
	err := error(&SizeError{Required: 16})

	if !errors.Is(err, ErrInvalidSize) {
		t.Error("SizeError should match ErrInvalidSize")
	}
	if errors.Is(err, ErrHardware) {
		t.Error("SizeError should not match ErrHardware")
	}
}

func TestRequiredSize(t *testing.T) {
	if n, ok := RequiredSize(&SizeError{Required: 8}); !ok || n != 8 {
		t.Errorf("RequiredSize() = (%d, %v), want (8, true)", n, ok)
	}

	// Wrapped errors must still carry the payload.
	wrapped := fmt.Errorf("get parameter: %w", &SizeError{Required: 4})
	if n, ok := RequiredSize(wrapped); !ok || n != 4 {
		t.Errorf("RequiredSize(wrapped) = (%d, %v), want (4, true)", n, ok)
	}

	if _, ok := RequiredSize(ErrHardware); ok {
		t.Error("RequiredSize(ErrHardware) should report no size")
	}
	if _, ok := RequiredSize(nil); ok {
		t.Error("RequiredSize(nil) should report no size")
	}
}
