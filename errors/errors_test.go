package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
		{"no connection", ErrNoConnection, true},
		{"queue full", ErrQueueFull, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
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
		{"connection lost", ErrConnectionLost, false},
		{"fatal in message", fmt.Errorf("fatal error in pipeline"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, false},
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
		{"invalid data", ErrInvalidData, true},
		{"parsing failed", ErrParsingFailed, true},
		{"command terminal", ErrCommandTerminal, true},
		{"duplicate command", ErrDuplicateCommand, true},
		{"connection lost", ErrConnectionLost, false},
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
		{"nil error", nil, ErrorTransient},
		{"transient error", ErrConnectionLost, ErrorTransient},
		{"fatal error", ErrInvalidConfig, ErrorFatal},
		{"invalid error", ErrInvalidData, ErrorInvalid},
		{"unknown error", fmt.Errorf("something else"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Classify(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("boom")
	wrapped := Wrap(base, "Dispatcher", "Dispatch", "publish envelope")

	if wrapped == nil {
		t.Fatal("Wrap should not return nil for non-nil error")
	}
	expected := "Dispatcher.Dispatch: publish envelope failed: boom"
	if wrapped.Error() != expected {
		t.Errorf("expected %q, got %q", expected, wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base error via errors.Is")
	}

	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("boom")

	tests := []struct {
		name     string
		wrap     func(error, string, string, string) error
		expected ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"fatal", WrapFatal, ErrorFatal},
		{"invalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Matcher", "HandleAck", "decode payload")
			if err == nil {
				t.Fatal("expected non-nil error")
			}

			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatal("expected a ClassifiedError")
			}
			if ce.Class != test.expected {
				t.Errorf("expected class %v, got %v", test.expected, ce.Class)
			}
			if ce.Component != "Matcher" {
				t.Errorf("expected component Matcher, got %s", ce.Component)
			}
			if !strings.Contains(err.Error(), "decode payload failed") {
				t.Errorf("expected action in message, got %q", err.Error())
			}
			if !errors.Is(err, base) {
				t.Error("classified error should unwrap to base error")
			}

			if test.wrap(nil, "a", "b", "c") != nil {
				t.Error("wrapping nil should return nil")
			}
		})
	}
}
