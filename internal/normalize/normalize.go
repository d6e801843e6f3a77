// Package normalize turns the workflow backend's assorted response shapes into
// a small set of tagged events.
//
// The backend answers with plain JSON, SSE-wrapped JSON, token/end event
// envelopes, nested output trees and, on bad days, raw text. Normalize is a
// pure function of its input (plus an id generator and a clock) so every shape
// can be tested without I/O.
package normalize

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Normalizer classifies upstream units. The zero value is usable.
type Normalizer struct {
	// NewID generates ids for token events the upstream left unnamed.
	NewID func() string
	// Now stamps token events the upstream left undated.
	Now func() time.Time
}

// New returns a Normalizer using random UUIDs and the wall clock.
func New() *Normalizer {
	return &Normalizer{NewID: uuid.NewString, Now: time.Now}
}

// Normalize classifies one upstream unit: a full JSON body or one chunk of a
// stream. It returns zero events for whitespace-only units.
func (n *Normalizer) Normalize(unit string) []Event {
	trimmed := strings.TrimSpace(unit)
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "data:") && !strings.Contains(trimmed, "\ndata:") {
		return n.classify(trimmed, unit)
	}

	var events []Event
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimRight(line, "\r")
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:, id:, retry: and comment lines carry no content.
			continue
		}
		raw := strings.TrimPrefix(payload, " ")
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			events = append(events, Event{Kind: KindDone})
			continue
		}
		events = append(events, n.classify(payload, raw)...)
	}
	return events
}

// classify applies the JSON shape rules in priority order. raw is the
// untrimmed text used when the unit is not JSON at all.
func (n *Normalizer) classify(text, raw string) []Event {
	if !gjson.Valid(text) {
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		return []Event{n.token(raw, "", "")}
	}

	obj := gjson.Parse(text)
	if !obj.IsObject() {
		slog.Debug("normalize.unmatched", "type", obj.Type.String())
		return []Event{{Kind: KindIgnored}}
	}

	event := obj.Get("event").String()
	data := obj.Get("data")

	switch event {
	case "token":
		if chunk := data.Get("chunk"); chunk.Exists() {
			if chunk.String() == "" {
				return []Event{{Kind: KindIgnored}}
			}
			id := firstString(data.Get("id"), obj.Get("id"))
			ts := firstString(data.Get("timestamp"), obj.Get("timestamp"))
			return []Event{n.token(chunk.String(), id, ts)}
		}
	case "end":
		if result := data.Get("result"); result.Exists() {
			return []Event{{
				Kind:      KindComplete,
				Content:   finalMessage(result),
				SessionID: strings.TrimSpace(result.Get("session_id").String()),
			}}
		}
	case "add_message":
		return []Event{{Kind: KindIgnored}}
	case "error":
		if detail := errorDetail(data.Get("error")); detail != "" {
			return []Event{{Kind: KindError, Detail: detail}}
		}
	}

	if result := data.Get("result"); event == "" && result.Exists() {
		if fragments := outputFragments(result); len(fragments) > 0 {
			events := make([]Event, 0, len(fragments))
			for _, f := range fragments {
				events = append(events, n.token(f, "", ""))
			}
			return events
		}
	}

	for _, path := range []string{"content", "choices.0.delta.content", "text", "response"} {
		if v := obj.Get(path); v.Type == gjson.String && v.Str != "" {
			return []Event{n.token(v.Str, "", "")}
		}
	}

	if errVal := obj.Get("error"); errVal.Exists() && errVal.Type != gjson.Null && errVal.Type != gjson.False {
		detail := errorDetail(errVal)
		if detail == "" {
			detail = "workflow backend reported an error"
		}
		return []Event{{Kind: KindError, Detail: detail}}
	}

	slog.Debug("normalize.unmatched", "event", event, "keys", topLevelKeys(obj))
	return []Event{{Kind: KindIgnored}}
}

func (n *Normalizer) token(content, id, ts string) Event {
	if id == "" {
		id = n.newID()
	}
	if ts == "" {
		ts = n.now().UTC().Format(time.RFC3339Nano)
	}
	return Event{Kind: KindToken, Content: content, ID: id, Timestamp: ts}
}

func (n *Normalizer) newID() string {
	if n.NewID != nil {
		return n.NewID()
	}
	return uuid.NewString()
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// finalMessage extracts the authoritative text of an end event. Candidates are
// tried in order and the first non-empty one wins: result.message, then
// outputs[].outputs[].results.message.data.text, then
// outputs[].outputs[].outputs.message.message.
func finalMessage(result gjson.Result) string {
	msg := result.Get("message")
	if msg.Type == gjson.String && strings.TrimSpace(msg.Str) != "" {
		return msg.Str
	}
	if text := msg.Get("text"); msg.IsObject() && text.Type == gjson.String && strings.TrimSpace(text.Str) != "" {
		return text.Str
	}
	for _, path := range []string{"results.message.data.text", "outputs.message.message"} {
		if v := firstInnerOutput(result, path); v != "" {
			return v
		}
	}
	return ""
}

// outputFragments collects one text fragment per inner output of a legacy
// result tree, preferring results.message.data.text over outputs.message.message.
func outputFragments(result gjson.Result) []string {
	var out []string
	eachInnerOutput(result, func(inner gjson.Result) {
		for _, path := range []string{"results.message.data.text", "outputs.message.message"} {
			if v := inner.Get(path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
				out = append(out, v.Str)
				return
			}
		}
	})
	return out
}

func firstInnerOutput(result gjson.Result, path string) string {
	var found string
	eachInnerOutput(result, func(inner gjson.Result) {
		if found != "" {
			return
		}
		if v := inner.Get(path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			found = v.Str
		}
	})
	return found
}

func eachInnerOutput(result gjson.Result, fn func(gjson.Result)) {
	result.Get("outputs").ForEach(func(_, outer gjson.Result) bool {
		outer.Get("outputs").ForEach(func(_, inner gjson.Result) bool {
			fn(inner)
			return true
		})
		return true
	})
}

func errorDetail(v gjson.Result) string {
	switch {
	case !v.Exists():
		return ""
	case v.Type == gjson.String:
		return strings.TrimSpace(v.Str)
	case v.IsObject():
		for _, key := range []string{"detail", "message", "text"} {
			if s := v.Get(key); s.Type == gjson.String && strings.TrimSpace(s.Str) != "" {
				return strings.TrimSpace(s.Str)
			}
		}
		return v.Raw
	default:
		return strings.TrimSpace(v.Raw)
	}
}

func firstString(values ...gjson.Result) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func topLevelKeys(obj gjson.Result) []string {
	var keys []string
	obj.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return len(keys) < 10
	})
	return keys
}
