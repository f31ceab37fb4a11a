package indexerr

import (
	"errors"
	"testing"
)

func TestIsComparesKindOnly(t *testing.T) {
	a := New(OutOfSpanKey, 3)
	b := Sentinel(OutOfSpanKey)
	if !errors.Is(a, b) {
		t.Fatalf("expected Is to match on Kind regardless of Count")
	}

	c := New(SpanExhausted, 3)
	if errors.Is(a, c) {
		t.Fatalf("expected Is to reject a different Kind")
	}
}

func TestErrorMessageIncludesCount(t *testing.T) {
	zero := New(InvalidSpanList, 0)
	if zero.Error() != InvalidSpanList.String() {
		t.Fatalf("zero-count error = %q, want bare kind string", zero.Error())
	}

	nonzero := New(InvalidSpanList, 2)
	if nonzero.Error() == InvalidSpanList.String() {
		t.Fatalf("non-zero count should produce a distinct message")
	}
}

func TestIsRejectsNonIndexError(t *testing.T) {
	e := Sentinel(OutOfSpanKey)
	if e.Is(errors.New("unrelated")) {
		t.Fatalf("expected Is to reject a non-*Error target")
	}
}
