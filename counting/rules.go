package counting

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

type VerdictKind int

const (
	// message is out of scope for the monitored channel; no action
	Ignore VerdictKind = iota
	// message is the valid next number (or the seed)
	Accept
	// message breaks the rules and should be deleted
	Reject
)

func (k VerdictKind) String() string {
	switch k {
	case Ignore:
		return "ignore"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Short machine-readable labels for why a verdict was reached. Used in logs and as metric label values.
const (
	ReasonOutOfScope  = "out_of_scope"
	ReasonEmpty       = "empty"
	ReasonNotDigits   = "not_digits"
	ReasonZero        = "zero"
	ReasonOverflow    = "overflow"
	ReasonSeed        = "seed"
	ReasonNext        = "next"
	ReasonWrongNumber = "wrong_number"
	ReasonSameAuthor  = "same_author"
)

// Snapshot of the counting game. The zero value is the uninitialized state.
//
// Count and LastAuthorID are set together on every accepted message. Zero is never an accepted count, so a zero Count means no seed has been accepted yet.
type ChannelState struct {
	Count        uint64
	LastAuthorID string
}

func (s ChannelState) Initialized() bool {
	return s.Count != 0
}

// One message event, already normalized by the platform glue. Identifiers are opaque and only compared for equality.
type IncomingMessage struct {
	// platform message identifier; not inspected by the rules, carried for the delete action
	MessageID  string
	AuthorID   string
	GuildID    string
	ChannelID  string
	RawText    string
	IsFromSelf bool
}

// Outcome of evaluating one message against one state.
type Verdict struct {
	Kind VerdictKind
	// only meaningful for Reject: the message should be left alone (not deleted) while the state is uninitialized
	SuppressIfUninitialized bool
	// parsed value of the message, when it parsed
	Number uint64
	// the count this message was judged against (zero when uninitialized)
	Prior  uint64
	Reason string
}

// Strict ASCII-only check. Unicode digit classes (eg, full-width or Arabic-Indic digits) are intentionally not matched.
var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

// Rule set scoped to a single monitored guild and channel.
type Rules struct {
	GuildID   string
	ChannelID string
}

// Classifies a single message against the given state. Pure function: does not modify state or perform any I/O.
func (r Rules) Evaluate(state ChannelState, msg IncomingMessage) Verdict {
	if msg.IsFromSelf || msg.GuildID != r.GuildID || msg.ChannelID != r.ChannelID {
		return Verdict{Kind: Ignore, Prior: state.Count, Reason: ReasonOutOfScope}
	}

	malformed := func(reason string, n uint64) Verdict {
		return Verdict{
			Kind:                    Reject,
			SuppressIfUninitialized: true,
			Number:                  n,
			Prior:                   state.Count,
			Reason:                  reason,
		}
	}

	text := strings.TrimSpace(msg.RawText)
	if text == "" {
		return malformed(ReasonEmpty, 0)
	}
	if !digitsOnly.MatchString(text) {
		return malformed(ReasonNotDigits, 0)
	}

	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		// the regex guarantees syntax, so the only possible failure is range
		if errors.Is(err, strconv.ErrRange) {
			return malformed(ReasonOverflow, 0)
		}
		return malformed(ReasonNotDigits, 0)
	}
	if n == 0 {
		return malformed(ReasonZero, 0)
	}

	if !state.Initialized() {
		return Verdict{Kind: Accept, Number: n, Prior: state.Count, Reason: ReasonSeed}
	}

	// Count+1 can not wrap here: a stored Count of MaxUint64 would need n == 0, which was rejected above
	if n != state.Count+1 {
		return Verdict{Kind: Reject, Number: n, Prior: state.Count, Reason: ReasonWrongNumber}
	}
	if msg.AuthorID == state.LastAuthorID {
		return Verdict{Kind: Reject, Number: n, Prior: state.Count, Reason: ReasonSameAuthor}
	}
	return Verdict{Kind: Accept, Number: n, Prior: state.Count, Reason: ReasonNext}
}
