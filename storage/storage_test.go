package storage

import (
	"bytes"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParameterRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveParameter("testing", []byte{0x07}); err != nil {
		t.Fatalf("SaveParameter() failed: %v", err)
	}

	data, err := s.Parameter("testing")
	if err != nil {
		t.Fatalf("Parameter() failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0x07}) {
		t.Errorf("Parameter() = % X, want 07", data)
	}
}

func TestParameterNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Parameter("never-set"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Parameter(never-set) = %v, want ErrNotFound", err)
	}
	if _, err := s.Payload(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Payload() on empty store = %v, want ErrNotFound", err)
	}
}

func TestParametersListsAll(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveParameter("testing", []byte{1}); err != nil {
		t.Fatalf("SaveParameter() failed: %v", err)
	}
	if err := s.SaveParameter("other", []byte{2, 3}); err != nil {
		t.Fatalf("SaveParameter() failed: %v", err)
	}
	// The payload must not leak into the parameter listing.
	if err := s.SavePayload([]byte{9}); err != nil {
		t.Fatalf("SavePayload() failed: %v", err)
	}

	params, err := s.Parameters()
	if err != nil {
		t.Fatalf("Parameters() failed: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("Parameters() returned %d entries, want 2", len(params))
	}
	if !bytes.Equal(params["testing"], []byte{1}) {
		t.Errorf("params[testing] = % X, want 01", params["testing"])
	}
	if !bytes.Equal(params["other"], []byte{2, 3}) {
		t.Errorf("params[other] = % X, want 02 03", params["other"])
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	payload := []byte("hello reader")
	if err := s.SavePayload(payload); err != nil {
		t.Fatalf("SavePayload() failed: %v", err)
	}

	got, err := s.Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload() = %q, want %q", got, payload)
	}

	// Overwrites stick.
	if err := s.SavePayload([]byte("v2")); err != nil {
		t.Fatalf("SavePayload() failed: %v", err)
	}
	got, err = s.Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Payload() after overwrite = %q, want v2", got)
	}
}
