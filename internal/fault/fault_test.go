package fault_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"fprintd/internal/fault"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	err := fault.Wrap(fault.ErrStorageWrite, "storage", "save", "alice/right-index", io.ErrShortWrite)
	if !errors.Is(err, fault.ErrStorageWrite) {
		t.Fatalf("expected storage write marker, got %v", err)
	}
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !strings.Contains(err.Error(), "storage: save: alice/right-index") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestEncodeDecodeRoundTripsMarker(t *testing.T) {
	original := fault.Wrap(fault.ErrAlreadyClaimed, "session", "claim", "virtual-0 is held by bob", nil)
	decoded := fault.Decode(fault.Encode(original))
	if !errors.Is(decoded, fault.ErrAlreadyClaimed) {
		t.Fatalf("decoded error lost marker: %v", decoded)
	}
	if decoded.Error() != original.Error() {
		t.Fatalf("decoded message %q, want %q", decoded.Error(), original.Error())
	}
}

func TestDecodeUnknownPrefix(t *testing.T) {
	err := fault.Decode("Bogus: something")
	if fault.Name(err) != "" {
		t.Fatalf("expected unclassified error, got %q", fault.Name(err))
	}
	if err.Error() != "Bogus: something" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
