package bootstrap

import (
	"github.com/google/uuid"

	"distkeyindex/pkg/keytype"
)

// Cmd is the one command this group ever proposes: the
// construction-time span list, authoritative from rank 0. Node's
// applyEntry applies the FIRST committed Cmd and ignores any later
// one; Propose itself does not reject a second proposal.
type Cmd struct {
	ID    uuid.UUID      `json:"id"`
	Spans []keytype.Span `json:"spans"`
}

func NewCmd(spans []keytype.Span) Cmd {
	return Cmd{
		ID:    uuid.New(),
		Spans: spans,
	}
}
