// Package protocol defines the wire format spoken between a t2t agent
// and remote HAL clients over WebSocket. It is importable by external
// tools without pulling in the server or driver packages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nfcworks/t2t-agent/hal"
)

// MDNSServiceType is the zeroconf service type agents register and
// clients browse for.
const MDNSServiceType = "_nfc-t2t._tcp"

// Message types. Requests carry an id for correlation; the matching
// response echoes it. Event messages have no id.
const (
	MsgEvent        = "event"
	MsgStart        = "start"
	MsgStop         = "stop"
	MsgSend         = "send"
	MsgSetParameter = "setParameter"
	MsgGetParameter = "getParameter"
	MsgStatus       = "status"
)

// Error codes carried on failed responses, mirroring the hal taxonomy.
const (
	CodeError       = "error"
	CodeInvalidSize = "invalidSize"
	CodeTimeout     = "timeout"
)

// Message is the envelope for everything on the wire.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"` // responses only
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendPayload carries an outbound packet. Data is base64 on the wire.
type SendPayload struct {
	Data []byte `json:"data"`
}

// MaxParameterLength bounds the maxLength a getParameter request may
// ask for. The agent allocates the read buffer, so the client does not
// get to size it arbitrarily.
const MaxParameterLength = 4096

// ParameterPayload is the request body for parameter access. MaxLength
// is only meaningful for getParameter.
type ParameterPayload struct {
	ID        string `json:"id"`
	Data      []byte `json:"data,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
}

// ParameterResult is the response body for getParameter. Required is set
// when the caller's buffer was too small.
type ParameterResult struct {
	Data     []byte `json:"data,omitempty"`
	Required int    `json:"required,omitempty"`
}

// EventPayload is the body of an event message.
type EventPayload struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

// StatusPayload describes the agent for the /status endpoint and the
// status request.
type StatusPayload struct {
	State        string `json:"state"`
	FieldPresent bool   `json:"fieldPresent"`
	Driver       string `json:"driver"`
	Version      string `json:"version"`
}

// Event kind names on the wire.
const (
	EventFieldOn         = "fieldOn"
	EventFieldOff        = "fieldOff"
	EventDataReceived    = "dataReceived"
	EventDataTransmitted = "dataTransmitted"
)

// EventKindName converts an event kind to its wire name.
func EventKindName(kind hal.EventKind) string {
	switch kind {
	case hal.FieldOn:
		return EventFieldOn
	case hal.FieldOff:
		return EventFieldOff
	case hal.DataReceived:
		return EventDataReceived
	case hal.DataTransmitted:
		return EventDataTransmitted
	default:
		return "unknown"
	}
}

// ParseEventKind converts a wire name back to an event kind.
func ParseEventKind(name string) (hal.EventKind, error) {
	switch name {
	case EventFieldOn:
		return hal.FieldOn, nil
	case EventFieldOff:
		return hal.FieldOff, nil
	case EventDataReceived:
		return hal.DataReceived, nil
	case EventDataTransmitted:
		return hal.DataTransmitted, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", name)
	}
}

// Parameter id names on the wire.
const (
	ParamTesting = "testing"
)

// ParamIDName converts a parameter id to its wire name.
func ParamIDName(id hal.ParamID) string {
	switch id {
	case hal.ParamTesting:
		return ParamTesting
	default:
		return "unknown"
	}
}

// ParseParamID converts a wire name back to a parameter id. Names it
// does not know map to hal.ParamUnknown, which drivers reject; the
// parameter surface is extensible and the agent should not be the layer
// that filters it.
func ParseParamID(name string) hal.ParamID {
	switch name {
	case ParamTesting:
		return hal.ParamTesting
	default:
		return hal.ParamUnknown
	}
}

// NewRequest builds a request message with the given correlation id.
func NewRequest(id, msgType string, payload any) (Message, error) {
	msg := Message{ID: id, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewResponse builds a success response to the request with the given id.
func NewResponse(id, msgType string, payload any) (Message, error) {
	ok := true
	msg := Message{ID: id, Type: msgType, Success: &ok}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewErrorResponse builds a failure response carrying err mapped onto the
// wire taxonomy.
func NewErrorResponse(id, msgType string, err error) Message {
	ok := false
	msg := Message{
		ID:      id,
		Type:    msgType,
		Success: &ok,
		Error:   err.Error(),
		Code:    ErrorCode(err),
	}
	if required, has := hal.RequiredSize(err); has {
		raw, marshalErr := json.Marshal(ParameterResult{Required: required})
		if marshalErr == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// NewEvent builds an event message.
func NewEvent(kind hal.EventKind, data []byte) (Message, error) {
	raw, err := json.Marshal(EventPayload{Kind: EventKindName(kind), Data: data})
	if err != nil {
		return Message{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Message{Type: MsgEvent, Payload: raw}, nil
}

// ErrorCode maps an error onto the wire taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, hal.ErrInvalidSize):
		return CodeInvalidSize
	case errors.Is(err, hal.ErrTimeout):
		return CodeTimeout
	default:
		return CodeError
	}
}

// ResponseError reconstructs a hal taxonomy error from a failed response.
// It returns nil if the response reports success.
func ResponseError(msg Message) error {
	if msg.Success == nil || *msg.Success {
		return nil
	}
	text := msg.Error
	if text == "" {
		text = "remote error"
	}
	switch msg.Code {
	case CodeInvalidSize:
		var result ParameterResult
		if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &result) == nil && result.Required > 0 {
			return &hal.SizeError{Required: result.Required}
		}
		return fmt.Errorf("%s: %w", text, hal.ErrInvalidSize)
	case CodeTimeout:
		return fmt.Errorf("%s: %w", text, hal.ErrTimeout)
	default:
		return fmt.Errorf("%s: %w", text, hal.ErrHardware)
	}
}
