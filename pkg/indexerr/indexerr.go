// Package indexerr defines the single exception kind the index surfaces,
// with distinct messages per §7 of the design: invalid span list,
// invalid request size, out-of-span key, and span exhaustion. Every
// instance is parallel-consistent — detected locally, merged globally
// by the transport, and either every rank throws or every rank
// succeeds.
package indexerr

import "fmt"

// Kind classifies the failure.
type Kind uint8

const (
	// InvalidSpanList: the span list given at construction is
	// non-monotonic or contains an empty interval.
	InvalidSpanList Kind = iota
	// InvalidRequestSize: generate_new_keys was called with a request
	// vector whose length doesn't match span_count.
	InvalidRequestSize
	// OutOfSpanKey: update_keys was asked to add a key outside every
	// declared span.
	OutOfSpanKey
	// SpanExhausted: generate_new_keys would need more free keys in a
	// span than that span has capacity for.
	SpanExhausted
)

func (k Kind) String() string {
	switch k {
	case InvalidSpanList:
		return "invalid span list"
	case InvalidRequestSize:
		return "invalid request size"
	case OutOfSpanKey:
		return "out-of-span key"
	case SpanExhausted:
		return "span exhausted"
	default:
		return "unknown index error"
	}
}

// Error is the single exception kind surfaced by the index. All ranks
// that observe a failing collective construct one from their own local
// count and raise it identically in spirit, even though the message
// text may differ rank to rank (e.g. "out-of-span key: 3 local
// violation(s)" vs "out-of-span key").
type Error struct {
	Kind  Kind
	Count int
	msg   string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.Kind.String()
}

// Is supports errors.Is against a bare Kind sentinel comparison: two
// *Error values compare equal in kind regardless of Count/message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind with a local violation
// count; ranks with Count == 0 still raise the same Kind so the group
// observes a uniform failure.
func New(kind Kind, count int) *Error {
	msg := kind.String()
	if count > 0 {
		msg = fmt.Sprintf("%s: %d local violation(s)", kind, count)
	}
	return &Error{Kind: kind, Count: count, msg: msg}
}

// Sentinel returns a zero-count Error of kind, for ranks that pass
// local validation but must still raise the group-wide failure.
func Sentinel(kind Kind) *Error {
	return New(kind, 0)
}
