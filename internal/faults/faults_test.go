package faults

import (
	"errors"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	base := errors.New("exec: \"ffmpeg\": executable file not found")
	err := Unavailable(base, "video encoder unavailable")
	if !Is(err, ResourceUnavailable) {
		t.Fatalf("expected ResourceUnavailable tag on %v", err)
	}
	if Is(err, MalformedInput) {
		t.Fatalf("unexpected MalformedInput tag")
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error should unwrap to the cause")
	}
	wrapped := Wrap(err, "export")
	if !Is(wrapped, ResourceUnavailable) {
		t.Fatalf("tag lost after Wrap")
	}
}

func TestMalformedAndExternal(t *testing.T) {
	if err := Malformed("resolution %d", -1); !Is(err, MalformedInput) {
		t.Fatalf("expected MalformedInput, got %v", err)
	}
	if err := External(nil, "mux failed", "exit status 1"); !Is(err, ExternalProcessFailure) {
		t.Fatalf("expected ExternalProcessFailure, got %v", err)
	}
	if Is(nil, MalformedInput) {
		t.Fatalf("nil error must not carry a tag")
	}
}
