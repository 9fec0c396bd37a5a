package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/wake"
)

// wakeName labels the wake listener in metrics and status.
const wakeName = "wake"

func (o *Orchestrator) handleTransition(tr conversation.Transition) {
	o.metrics.RecordTransition(o.ctx, tr.From.String(), tr.To.String(), string(tr.Cause))
	o.sink.StateChanged(tr)
	o.log.Debug("conversation state", "from", tr.From, "to", tr.To, "cause", tr.Cause)

	switch tr.To {
	case conversation.Waking:
		o.stopWake()

	case conversation.Recording:
		o.stopWake()
		o.beginTurn(tr)
		if err := o.startListener(listen.Dictation.String(), o.dictation); err != nil {
			if errors.Is(err, listen.ErrStopped) {
				return
			}
			// Nothing can be recorded; the error is already on the session.
			o.machine.ResetToIdle()
		}

	case conversation.Processing:
		o.stopListener(listen.Dictation.String(), o.dictation)
		if o.turn == nil {
			o.beginTurn(tr)
		}
		o.turn.EndedAt = tr.At
		o.turn.EndCause = tr.Cause
		o.sess.StartTask(o.turn.ID, "generating reply")
		o.startReply(*o.turn)

	case conversation.Idle:
		o.stopListener(listen.Dictation.String(), o.dictation)
		o.cancelReply()
		o.endTurn(tr.Cause)
		o.pendingWake = nil
		o.startWake()
	}
}

func (o *Orchestrator) beginTurn(tr conversation.Transition) {
	task := o.sess.CreateTask("turn", map[string]string{"cause": string(tr.Cause)})
	o.turn = &Turn{
		ID:        task.ID,
		SessionID: o.sess.ID(),
		StartedAt: tr.At,
		Wake:      o.pendingWake,
	}
	o.pendingWake = nil
}

// endTurn settles the task of the current turn if the reply path did not.
func (o *Orchestrator) endTurn(cause conversation.Cause) {
	if o.turn == nil {
		return
	}
	id := o.turn.ID
	o.turn = nil
	if t, ok := o.sess.Task(id); !ok || t.Done() {
		return
	}
	if cause == conversation.CauseReplyReady {
		o.sess.CompleteTask(id, "reply ready")
		return
	}
	o.sess.FailTask(id, "cancelled")
}

func (o *Orchestrator) startWake() {
	if o.wakeL == nil || o.machine.State() != conversation.Idle {
		return
	}
	_ = o.startListener(wakeName, o.wakeL)
}

func (o *Orchestrator) stopWake() {
	if o.wakeL != nil {
		o.stopListener(wakeName, o.wakeL)
	}
}

func (o *Orchestrator) handleWake(m wake.Match) {
	o.metrics.RecordWake(o.ctx, m.Phrase)
	o.sink.Wake(m)
	o.pendingWake = &m
	if !o.machine.Wake() {
		o.pendingWake = nil
		o.log.Debug("wake ignored", "phrase", m.Phrase, "state", o.machine.State())
	}
}

func (o *Orchestrator) handleSpeechStart(e listen.SpeechEvent) {
	o.metrics.RecordSpeechStart(o.ctx, listen.Dictation.String())
	o.sink.SpeechStart(e)
}

func (o *Orchestrator) handleSpeechEnd(e listen.SpeechEvent) {
	o.metrics.RecordSpeechEnd(o.ctx, listen.Dictation.String(), e.Duration)
	o.sink.SpeechEnd(e)
	if o.turn != nil {
		o.turn.Utterances++
		o.turn.Speech += e.Duration
	}
	if o.cfg.AutoStop && o.machine.State() == conversation.Recording {
		o.machine.ManualStop()
	}
}

// handleSpeechDiscard closes a start whose burst was too short. The turn and
// auto-stop are unaffected.
func (o *Orchestrator) handleSpeechDiscard(e listen.SpeechEvent) {
	o.sink.SpeechDiscard(e)
}

func (o *Orchestrator) handlePlayback(e audio.PlaybackEvent) {
	if e.Playing {
		_ = o.startListener(listen.Interrupt.String(), o.interrupt)
		return
	}
	o.stopListener(listen.Interrupt.String(), o.interrupt)
}

func (o *Orchestrator) handleInterrupt(e listen.InterruptEvent) {
	o.metrics.RecordInterrupt(o.ctx)
	if o.player.Playing() {
		o.player.Interrupt(audio.BargeIn)
	}
	o.sink.Interrupt(e)
	o.log.Info("barge-in", "db", e.Metrics.DB, "threshold_db", e.Threshold)
}

// startReply runs the pipeline for turn on its own goroutine. The result is
// posted back to the loop and dropped if the reply was cancelled meanwhile.
func (o *Orchestrator) startReply(turn Turn) {
	o.cancelReply()
	gen := o.replyGen

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if o.cfg.ReplyTimeout > 0 {
		ctx, cancel = context.WithTimeout(o.ctx, o.cfg.ReplyTimeout)
	} else {
		ctx, cancel = context.WithCancel(o.ctx)
	}
	o.replyCancel = cancel
	start := o.clk.Now()

	go func() {
		ctx, span := observe.StartSpan(ctx, "conversation.reply", trace.WithAttributes(
			attribute.String("turn.id", turn.ID),
			attribute.String("turn.end_cause", string(turn.EndCause)),
			attribute.Int("turn.utterances", turn.Utterances),
		))
		err := o.pipeline.Reply(ctx, turn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		o.post(func() { o.finishReply(gen, turn, start, err) })
	}()
}

func (o *Orchestrator) finishReply(gen uint64, turn Turn, start time.Time, err error) {
	if gen != o.replyGen {
		return
	}
	if o.replyCancel != nil {
		o.replyCancel()
		o.replyCancel = nil
	}
	o.metrics.RecordReply(o.ctx, o.clk.Now().Sub(start), err)

	if err == nil {
		o.sess.CompleteTask(turn.ID, "replied")
		o.machine.ReplyReady()
		return
	}
	o.sess.FailTask(turn.ID, err.Error())
	o.sess.Fail("reply", fmt.Errorf("orchestrator: reply: %w", err))
}

// cancelReply invalidates the running reply, if any.
func (o *Orchestrator) cancelReply() {
	o.replyGen++
	if o.replyCancel != nil {
		o.replyCancel()
		o.replyCancel = nil
	}
}
