// Package emitter turns pipeline output into correctly sequenced
// outbound RESPONSE envelopes. Sequence numbers increase independently
// per modality starting at 0 and close with the -1 sentinel; after the
// request's cancel token is set, no further chunks are forwarded even
// if the pipeline keeps producing.
package emitter

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/pipeline"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/request"
)

// Sink enqueues one outbound envelope. It must not block indefinitely;
// the connection writer owns socket pacing.
type Sink func(protocol.Envelope)

// Stream consumes the pipeline's events for one request and returns the
// request's terminal status. runCtx is the request's cancel token,
// possibly narrowed by the pipeline deadline; the two causes are told
// apart by req.Cancelled().
func Stream(runCtx context.Context, sessionID string, req *request.Request, events <-chan pipeline.Event, send Sink, metrics *observability.Metrics) request.Status {
	e := &state{sessionID: sessionID, req: req, send: send, metrics: metrics}

	for {
		select {
		case <-runCtx.Done():
			return e.finishInterrupted(runCtx, events)
		case evt, ok := <-events:
			if !ok {
				e.emitTerminals(false, "")
				return request.StatusCompleted
			}
			switch evt.Type {
			case pipeline.EventChunk:
				// Re-check the token before forwarding: the pipeline may
				// have raced a buffered chunk past the cancellation.
				if runCtx.Err() != nil {
					return e.finishInterrupted(runCtx, events)
				}
				req.MarkStreaming()
				e.emitChunk(evt)
			case pipeline.EventDone:
				e.emitTerminals(false, "")
				drain(events)
				return request.StatusCompleted
			case pipeline.EventError:
				e.emitError(evt)
				e.emitTerminals(false, "")
				drain(events)
				return request.StatusErrored
			}
		}
	}
}

type state struct {
	sessionID string
	req       *request.Request
	send      Sink
	metrics   *observability.Metrics

	textSeq   int
	voiceSeq  int
	voiceUsed bool
}

func (e *state) emitChunk(evt pipeline.Event) {
	p := protocol.ResponsePayload{RequestID: e.req.ID, FunctionCall: evt.FunctionCall}
	modality := "text"
	switch evt.Modality {
	case pipeline.ModalityVoice:
		seq := e.voiceSeq
		e.voiceSeq++
		e.voiceUsed = true
		p.VoiceStreamSeq = &seq
		p.Content.Voice = base64.StdEncoding.EncodeToString(evt.Audio)
		modality = "voice"
	default:
		seq := e.textSeq
		e.textSeq++
		p.TextStreamSeq = &seq
		p.Content.Text = evt.Text
	}
	if e.metrics != nil {
		e.metrics.ResponseChunks.WithLabelValues(modality).Inc()
	}
	e.send(protocol.NewEnvelope(protocol.TypeResponse, e.sessionID, p))
}

// emitTerminals closes the per-modality streams. The text terminal is
// always sent; the voice terminal only when voice chunks went out.
func (e *state) emitTerminals(interrupted bool, reason string) {
	terminal := protocol.TerminalSeq
	text := protocol.ResponsePayload{
		RequestID:       e.req.ID,
		TextStreamSeq:   &terminal,
		Interrupted:     interrupted,
		InterruptReason: reason,
	}
	e.send(protocol.NewEnvelope(protocol.TypeResponse, e.sessionID, text))

	if e.voiceUsed {
		voice := protocol.ResponsePayload{
			RequestID:       e.req.ID,
			VoiceStreamSeq:  &terminal,
			Interrupted:     interrupted,
			InterruptReason: reason,
		}
		e.send(protocol.NewEnvelope(protocol.TypeResponse, e.sessionID, voice))
	}
}

func (e *state) emitError(evt pipeline.Event) {
	code := protocol.ErrorCode(evt.Code)
	switch code {
	case protocol.CodeRequestTimeout, protocol.CodeServerBusy, protocol.CodeInternalError:
	default:
		code = protocol.CodeInternalError
	}
	perr := &protocol.Error{Code: code, Msg: "pipeline failed", Detail: evt.Detail, RequestID: e.req.ID}
	e.send(protocol.NewEnvelope(protocol.TypeError, e.sessionID, perr.Payload()))
}

// finishInterrupted distinguishes a set cancel token from an expired
// pipeline budget: interrupts end the stream quietly with the
// interrupted marker, a blown deadline is a reportable error.
func (e *state) finishInterrupted(runCtx context.Context, events <-chan pipeline.Event) request.Status {
	drain(events)
	if e.req.Cancelled() {
		e.emitTerminals(true, e.req.CancelReason())
		return request.StatusCancelled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		perr := &protocol.Error{
			Code:      protocol.CodeRequestTimeout,
			Msg:       "pipeline exceeded its budget",
			RequestID: e.req.ID,
		}
		e.send(protocol.NewEnvelope(protocol.TypeError, e.sessionID, perr.Payload()))
		e.emitTerminals(false, "")
		return request.StatusErrored
	}
	// Connection teardown: nobody is listening anymore.
	e.emitTerminals(true, e.req.CancelReason())
	return request.StatusCancelled
}

// drain keeps a misbehaving pipeline from blocking on its event channel
// after the emitter has stopped forwarding. Second line of defense;
// cooperative pipelines stop on their own.
func drain(events <-chan pipeline.Event) {
	go func() {
		for range events {
		}
	}()
}
