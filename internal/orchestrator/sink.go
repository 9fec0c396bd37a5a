package orchestrator

import (
	"context"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/wake"
)

// Turn is one recorded user turn handed to the [ReplyPipeline].
type Turn struct {
	// ID is the session task tracking this turn.
	ID        string
	SessionID string

	StartedAt time.Time
	EndedAt   time.Time

	// EndCause is what ended the recording window.
	EndCause conversation.Cause

	// Wake is the match that opened the window, or nil for manual starts.
	Wake *wake.Match

	// Utterances counts speech segments detected while recording and
	// Speech is their summed length.
	Utterances int
	Speech     time.Duration
}

// ReplyPipeline produces the assistant's reply for a turn. It is called on
// its own goroutine; ctx is cancelled when the conversation is reset.
// Playback of the reply goes through the [audio.Player] the orchestrator
// watches for barge-in.
type ReplyPipeline interface {
	Reply(ctx context.Context, turn Turn) error
}

// ReplyFunc adapts a function to [ReplyPipeline].
type ReplyFunc func(ctx context.Context, turn Turn) error

// Reply calls f.
func (f ReplyFunc) Reply(ctx context.Context, turn Turn) error { return f(ctx, turn) }

// Sink receives everything the UI shows. All methods are called from the
// orchestrator's event loop, one at a time and in event order, so
// implementations must not block.
type Sink interface {
	StateChanged(conversation.Transition)
	Tick(conversation.Tick)
	SpeechStart(listen.SpeechEvent)
	SpeechEnd(listen.SpeechEvent)
	SpeechDiscard(listen.SpeechEvent)
	Volume(listen.Kind, listen.VolumeEvent)
	Interrupt(listen.InterruptEvent)
	Wake(wake.Match)
	Error(session.ErrorEntry)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StateChanged(conversation.Transition)   {}
func (NopSink) Tick(conversation.Tick)                 {}
func (NopSink) SpeechStart(listen.SpeechEvent)         {}
func (NopSink) SpeechEnd(listen.SpeechEvent)           {}
func (NopSink) SpeechDiscard(listen.SpeechEvent)       {}
func (NopSink) Volume(listen.Kind, listen.VolumeEvent) {}
func (NopSink) Interrupt(listen.InterruptEvent)        {}
func (NopSink) Wake(wake.Match)                        {}
func (NopSink) Error(session.ErrorEntry)               {}
