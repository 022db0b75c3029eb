package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"dial failed", ErrDialFailed, true},
		{"handshake timeout", ErrHandshakeTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"rng unavailable", ErrRngUnavailable, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"rng unavailable", ErrRngUnavailable, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"invalid token", ErrInvalidToken, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"malformed frame", ErrMalformedFrame, true},
		{"invalid token", ErrInvalidToken, true},
		{"token expired", ErrTokenExpired, true},
		{"token type mismatch", ErrTokenType, true},
		{"bad signature", ErrBadSignature, true},
		{"auth failed", ErrAuthFailed, true},
		{"dial failed", ErrDialFailed, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"fatal wins", ErrRngUnavailable, ErrorFatal},
		{"invalid", ErrMalformedFrame, ErrorInvalid},
		{"unknown defaults transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("boom")

	wrapped := Wrap(base, "WireClient", "Connect", "dial")
	if wrapped == nil {
		t.Fatal("expected non-nil error")
	}
	expected := "WireClient.Connect: dial failed: boom"
	if wrapped.Error() != expected {
		t.Errorf("expected %q, got %q", expected, wrapped.Error())
	}
	if !Is(wrapped, base) {
		t.Error("wrapped error should match base via Is")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("boom")

	if !IsTransient(WrapTransient(base, "c", "m", "a")) {
		t.Error("WrapTransient should classify as transient")
	}
	if !IsInvalid(WrapInvalid(base, "c", "m", "a")) {
		t.Error("WrapInvalid should classify as invalid")
	}
	if !IsFatal(WrapFatal(base, "c", "m", "a")) {
		t.Error("WrapFatal should classify as fatal")
	}

	var ce *ClassifiedError
	err := WrapInvalid(base, "Token", "Verify", "decode")
	if !As(err, &ce) {
		t.Fatal("expected ClassifiedError in chain")
	}
	if ce.Component != "Token" || ce.Operation != "Verify" {
		t.Errorf("unexpected context: %+v", ce)
	}
	if !Is(err, base) {
		t.Error("classification should preserve the error chain")
	}
}
