package feed

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/energy"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/wake"
)

// Event types sent to feed clients. A speech_start is always closed by one
// speech_end or, for a burst too short to count as an utterance, one
// speech_discard.
const (
	TypeState         = "state"
	TypeTick          = "tick"
	TypeSpeechStart   = "speech_start"
	TypeSpeechEnd     = "speech_end"
	TypeSpeechDiscard = "speech_discard"
	TypeVolume        = "volume"
	TypeInterrupt     = "interrupt"
	TypeWake          = "wake"
	TypeError         = "error"
)

// Event is one feed message. It encodes as a flat JSON object:
//
//	{"type":"tick","at":"2026-01-01T12:00:01Z","index":1,"remaining_ms":4000}
type Event struct {
	Type   string
	At     time.Time
	Fields map[string]any
}

// MarshalJSON implements [json.Marshaler]. type and at win over fields of
// the same name.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+2)
	maps.Copy(m, e.Fields)
	m["type"] = e.Type
	m["at"] = e.At.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}

func levels(m energy.Metrics) map[string]any {
	return map[string]any{"db": m.DB, "rms": m.RMS, "zcr": m.ZCR}
}

// StateEvent describes a conversation transition.
func StateEvent(tr conversation.Transition) Event {
	return Event{Type: TypeState, At: tr.At, Fields: map[string]any{
		"from":  tr.From.String(),
		"to":    tr.To.String(),
		"cause": string(tr.Cause),
	}}
}

// TickEvent describes one countdown tick.
func TickEvent(t conversation.Tick) Event {
	return Event{Type: TypeTick, At: t.At, Fields: map[string]any{
		"index":        t.Index,
		"elapsed_ms":   t.Elapsed.Milliseconds(),
		"remaining_ms": t.Remaining.Milliseconds(),
	}}
}

// SpeechStartEvent describes the start of an utterance.
func SpeechStartEvent(e listen.SpeechEvent) Event {
	return Event{Type: TypeSpeechStart, At: e.At, Fields: levels(e.Metrics)}
}

// SpeechEndEvent describes the end of an utterance.
func SpeechEndEvent(e listen.SpeechEvent) Event {
	f := levels(e.Metrics)
	f["duration_ms"] = e.Duration.Milliseconds()
	return Event{Type: TypeSpeechEnd, At: e.At, Fields: f}
}

// SpeechDiscardEvent describes a burst dropped for being too short.
func SpeechDiscardEvent(e listen.SpeechEvent) Event {
	f := levels(e.Metrics)
	f["duration_ms"] = e.Duration.Milliseconds()
	return Event{Type: TypeSpeechDiscard, At: e.At, Fields: f}
}

// VolumeEvent describes the level of one processed frame.
func VolumeEvent(kind listen.Kind, e listen.VolumeEvent) Event {
	f := levels(e.Metrics)
	f["listener"] = kind.String()
	f["active"] = e.Active
	return Event{Type: TypeVolume, At: e.At, Fields: f}
}

// InterruptEvent describes a confirmed barge-in.
func InterruptEvent(e listen.InterruptEvent) Event {
	f := levels(e.Metrics)
	f["threshold_db"] = e.Threshold
	return Event{Type: TypeInterrupt, At: e.At, Fields: f}
}

// WakeEvent describes a recognised wake phrase.
func WakeEvent(m wake.Match) Event {
	return Event{Type: TypeWake, At: m.At, Fields: map[string]any{
		"index":  m.Index,
		"phrase": m.Phrase,
	}}
}

// ErrorEvent describes a session error.
func ErrorEvent(e session.ErrorEntry) Event {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return Event{Type: TypeError, At: e.At, Fields: map[string]any{
		"id":      e.ID,
		"source":  e.Source,
		"message": msg,
	}}
}
