package normalize

// Kind tags a normalized upstream unit.
type Kind int

const (
	// KindIgnored carries nothing for the caller.
	KindIgnored Kind = iota
	// KindToken is one fragment of generated text, appended to the running content.
	KindToken
	// KindComplete is the upstream's final result. A non-empty Content replaces
	// whatever was accumulated from tokens.
	KindComplete
	// KindError is an in-band upstream failure.
	KindError
	// KindDone is the upstream's own [DONE] sentinel.
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "ignored"
	}
}

// Event is the normalizer's output for one upstream unit.
type Event struct {
	Kind    Kind
	Content string
	// SessionID is set on Complete events when the upstream reports one.
	SessionID string
	// ID and Timestamp are set on Token events; synthesized when absent upstream.
	ID        string
	Timestamp string
	// Detail is set on Error events.
	Detail string
}
