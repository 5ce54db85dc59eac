package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindFatal(t *testing.T) {
	fatal := []Kind{KindResourceExhausted, KindTransportError}
	for _, k := range fatal {
		if !k.Fatal() {
			t.Errorf("%v should be fatal", k)
		}
	}
	nonFatal := []Kind{KindMalformedPacket, KindUnknownSession, KindIntegrityFailure, KindTimeout, KindCancelled}
	for _, k := range nonFatal {
		if k.Fatal() {
			t.Errorf("%v should not be fatal", k)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket reset")
	e := Wrap(KindTransportError, "send failed", cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if got, ok := As(e); !ok || got.Kind != KindTransportError {
		t.Errorf("As() = %v, %v; want KindTransportError, true", got, ok)
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(KindTimeout, "handshake deadline elapsed")
	want := "rgt: timeout: handshake deadline elapsed"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsFindsErrorThroughWrapping(t *testing.T) {
	inner := New(KindIntegrityFailure, "hash mismatch")
	outer := fmt.Errorf("pull failed: %w", inner)

	got, ok := As(outer)
	if !ok || got.Kind != KindIntegrityFailure {
		t.Errorf("As(outer) = %v, %v; want KindIntegrityFailure, true", got, ok)
	}
}
