package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name   string
		err    *DecodeError
		expect string
	}{
		{
			name:   "with offset",
			err:    NewDecodeError("ber", 4, "truncated length"),
			expect: "ber decode error at offset 4: truncated length",
		},
		{
			name:   "without offset",
			err:    NewDecodeError("cotp", -1, "unsupported TPDU type 0x80"),
			expect: "cotp decode error: unsupported TPDU type 0x80",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expect {
				t.Errorf("Error() = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestDecodeErrorUnwrap(t *testing.T) {
	err := WrapDecodeError("tpkt", 2, "connection closed mid-frame", ErrTruncatedFrame)

	if !errors.Is(err, ErrTruncatedFrame) {
		t.Error("errors.Is should find ErrTruncatedFrame")
	}

	wrapped := fmt.Errorf("read frame: %w", err)
	if !IsDecode(wrapped) {
		t.Error("IsDecode should see through fmt.Errorf wrapping")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("body", "Body is mandatory")

	if err.Field != "body" {
		t.Errorf("Field = %v, want body", err.Field)
	}
	if err.Error() != "Body is mandatory" {
		t.Errorf("Error() = %q, want %q", err.Error(), "Body is mandatory")
	}
	if !IsValidation(fmt.Errorf("admit: %w", err)) {
		t.Error("IsValidation should be true for a wrapped validation error")
	}
	if IsValidation(io.EOF) {
		t.Error("IsValidation should be false for io.EOF")
	}
}

func TestStateError(t *testing.T) {
	err := NewStateError("SUBMITTED", "DELIVERED")

	expect := "invalid AMHS state transition SUBMITTED -> DELIVERED"
	if err.Error() != expect {
		t.Errorf("Error() = %q, want %q", err.Error(), expect)
	}
	if !IsState(err) {
		t.Error("IsState should be true")
	}
}

func TestTransportError(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		expect   string
	}{
		{"with endpoint", "mta1:102", "transport error during dial with mta1:102: EOF"},
		{"without endpoint", "", "transport error during dial: EOF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTransportError("dial", tt.endpoint, io.EOF)
			if err.Error() != tt.expect {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.expect)
			}
			if !errors.Is(err, io.EOF) {
				t.Error("Unwrap should expose the cause")
			}
			if !IsTransport(err) {
				t.Error("IsTransport should be true")
			}
		})
	}
}

func TestAbortError(t *testing.T) {
	tests := []struct {
		diagnostic string
		expect     string
	}{
		{"", "association aborted by peer"},
		{"peer shutting down", "association aborted by peer: peer shutting down"},
	}

	for _, tt := range tests {
		err := NewAbortError(tt.diagnostic)
		if err.Error() != tt.expect {
			t.Errorf("Error() = %q, want %q", err.Error(), tt.expect)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrConnectionClosed,
		ErrTruncatedFrame,
		ErrIndefiniteLength,
		ErrUnknownPDU,
		ErrBindRejected,
		ErrNoRoute,
		ErrQueueClosed,
	}

	seen := make(map[string]bool)
	for _, err := range sentinels {
		if err.Error() == "" {
			t.Error("sentinel error message should not be empty")
		}
		if seen[err.Error()] {
			t.Errorf("duplicate sentinel message %q", err.Error())
		}
		seen[err.Error()] = true
	}
}
