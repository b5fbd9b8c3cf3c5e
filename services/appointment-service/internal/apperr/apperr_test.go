package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("booking failed: %w", SlotUnavailable("slot %s is taken", "slot-1"))
	if !IsKind(err, KindSlotUnavailable) {
		t.Fatalf("kind lost through wrapping: %v", err)
	}
	if KindOf(err) != KindSlotUnavailable {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestUnknownKindForPlainErrors(t *testing.T) {
	if KindOf(errors.New("connection reset")) != KindUnknown {
		t.Fatal("plain errors must map to KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("nil maps to KindUnknown")
	}
}

func TestKindStrings(t *testing.T) {
	if KindTimingViolation.String() != "TIMING_VIOLATION" {
		t.Fatalf("got %s", KindTimingViolation)
	}
	if KindUnknown.String() != "UNKNOWN" {
		t.Fatalf("got %s", KindUnknown)
	}
}
