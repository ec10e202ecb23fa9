package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("create invoice: %w", Validation("amount must not be negative"))

	if !errors.Is(err, ErrValidation) {
		t.Error("expected wrapped validation error to match sentinel")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("validation error must not match timeout sentinel")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("expected zero kind for non-domain error")
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	err := WithOp(Unavailable(cause, "dial"), "lnd-1", "GetInfo")

	want := "lnd-1: GetInfo: backend_unavailable: dial: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestWithOp_ClassifiesForeignErrors(t *testing.T) {
	err := WithOp(errors.New("garbled"), "cln", "getinfo")
	if !errors.Is(err, ErrBackendProtocol) {
		t.Errorf("expected protocol classification, got %v", err)
	}
	if WithOp(nil, "x", "y") != nil {
		t.Error("expected nil passthrough")
	}
}
