package errors

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(Timeout, "search deadline exceeded", nil)
	if KindOf(err) != Timeout {
		t.Errorf("expected Timeout, got %v", KindOf(err))
	}

	if KindOf(errors.New("plain")) != IOError {
		t.Errorf("expected IOError default for untyped error")
	}
}

func TestIsSentinel(t *testing.T) {
	err := New(Corruption, "bad magic", nil)
	if !errors.Is(err, Sentinel(Corruption)) {
		t.Errorf("expected errors.Is to match on Kind")
	}
	if errors.Is(err, Sentinel(Timeout)) {
		t.Errorf("expected errors.Is to not match different Kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk exploded")
	err := New(IOError, "write failed", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
}
