package stream

import (
	"strings"
	"time"

	"github.com/emojumpRepo/worldseek-studio/internal/normalize"
)

// State is a position in the relay's lifecycle:
// Idle → Connecting → Streaming → Completing → Closed, or
// Streaming → Failed → Closed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is the per-call accumulator. It is owned by one Run and never shared.
type Stats struct {
	ChunkCount int
	TotalBytes int64
	TokenCount int
	SessionID  string
	StartTime  time.Time
	// Final is the state the relay closed from: Completing or Failed.
	Final State

	content strings.Builder
}

// Apply folds one normalized event into the accumulator. Tokens append; a
// Complete with content replaces everything accumulated so far.
func (s *Stats) Apply(ev normalize.Event) {
	switch ev.Kind {
	case normalize.KindToken:
		s.TokenCount++
		s.content.WriteString(ev.Content)
	case normalize.KindComplete:
		if ev.Content != "" {
			s.content.Reset()
			s.content.WriteString(ev.Content)
		}
		if ev.SessionID != "" {
			s.SessionID = ev.SessionID
		}
	}
}

// Content returns the accumulated response text.
func (s *Stats) Content() string {
	return s.content.String()
}
