package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

var errBoom = errors.New("boom")

func TestWrapAndReason(t *testing.T) {
	err := Wrap(errBoom, ReasonBackendCall)
	if got := Reason(err); got != ReasonBackendCall {
		t.Fatalf("Reason() = %q, want %q", got, ReasonBackendCall)
	}
	if !HasReason(err, ReasonBackendCall) {
		t.Fatalf("HasReason() = false, want true")
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("errors.Is(wrapped, errBoom) = false")
	}
}

func TestWrapKeepsInnermostReason(t *testing.T) {
	first := Wrap(errBoom, ReasonDeviceUnavailable)
	second := Wrap(fmt.Errorf("start capture: %w", first), ReasonEngineSend)
	if got := Reason(second); got != ReasonDeviceUnavailable {
		t.Fatalf("Reason() = %q, want %q", got, ReasonDeviceUnavailable)
	}
}

func TestReasonOfPlainError(t *testing.T) {
	if got := Reason(errBoom); got != ReasonUnknown {
		t.Fatalf("Reason() = %q, want %q", got, ReasonUnknown)
	}
	if got := Reason(nil); got != ReasonUnknown {
		t.Fatalf("Reason(nil) = %q, want %q", got, ReasonUnknown)
	}
	if Wrap(nil, ReasonBackendCall) != nil {
		t.Fatalf("Wrap(nil) != nil")
	}
}
