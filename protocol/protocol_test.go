package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nfcworks/t2t-agent/hal"
)

func TestEventKindRoundTrip(t *testing.T) {
	kinds := []hal.EventKind{
		hal.FieldOn, hal.FieldOff, hal.DataReceived, hal.DataTransmitted,
	}
	for _, kind := range kinds {
		name := EventKindName(kind)
		parsed, err := ParseEventKind(name)
		if err != nil {
			t.Fatalf("ParseEventKind(%q) failed: %v", name, err)
		}
		if parsed != kind {
			t.Errorf("round trip of %v gave %v", kind, parsed)
		}
	}

	if _, err := ParseEventKind("bogus"); err == nil {
		t.Error("ParseEventKind(bogus) should fail")
	}
}

func TestParseParamID(t *testing.T) {
	if got := ParseParamID("testing"); got != hal.ParamTesting {
		t.Errorf("ParseParamID(testing) = %v, want ParamTesting", got)
	}
	// Unknown names pass through as ParamUnknown; the driver rejects them.
	if got := ParseParamID("fieldStrength"); got != hal.ParamUnknown {
		t.Errorf("ParseParamID(fieldStrength) = %v, want ParamUnknown", got)
	}
}

func TestEventMessageCarriesPacket(t *testing.T) {
	msg, err := NewEvent(hal.DataReceived, []byte{0x30, 0x00})
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}

	// A client decodes the envelope and then the payload.
	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if decoded.Type != MsgEvent {
		t.Errorf("type = %q, want %q", decoded.Type, MsgEvent)
	}

	var payload EventPayload
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != EventDataReceived {
		t.Errorf("kind = %q, want %q", payload.Kind, EventDataReceived)
	}
	if !bytes.Equal(payload.Data, []byte{0x30, 0x00}) {
		t.Errorf("data = % X, want 30 00", payload.Data)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{hal.ErrHardware, CodeError},
		{hal.ErrTimeout, CodeTimeout},
		{hal.ErrInvalidSize, CodeInvalidSize},
		{&hal.SizeError{Required: 4}, CodeInvalidSize},
		{errors.New("anything else"), CodeError},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestResponseErrorRoundTrip(t *testing.T) {
	// Success decodes to nil.
	ok, err := NewResponse("r1", MsgStart, nil)
	if err != nil {
		t.Fatalf("NewResponse() failed: %v", err)
	}
	if got := ResponseError(ok); got != nil {
		t.Errorf("ResponseError(success) = %v, want nil", got)
	}

	// A size failure keeps its required-size payload across the wire.
	sizeMsg := NewErrorResponse("r2", MsgGetParameter, &hal.SizeError{Required: 16})
	reErr := ResponseError(sizeMsg)
	if !errors.Is(reErr, hal.ErrInvalidSize) {
		t.Errorf("reconstructed error = %v, want ErrInvalidSize class", reErr)
	}
	if required, has := hal.RequiredSize(reErr); !has || required != 16 {
		t.Errorf("required size across the wire = (%d, %v), want (16, true)", required, has)
	}

	// Timeouts keep their class.
	timeoutMsg := NewErrorResponse("r3", MsgSend, hal.ErrTimeout)
	if !errors.Is(ResponseError(timeoutMsg), hal.ErrTimeout) {
		t.Error("timeout class lost across the wire")
	}

	// Everything else lands in the generic class.
	genericMsg := NewErrorResponse("r4", MsgSend, errors.New("radio fault"))
	if !errors.Is(ResponseError(genericMsg), hal.ErrHardware) {
		t.Error("generic class lost across the wire")
	}
}
