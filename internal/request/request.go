package request

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/protocol"
)

// Status is the lifecycle state of one request. Terminal states never
// change once reached.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStreaming Status = "STREAMING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusErrored   Status = "ERRORED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

// cancelCause carries the interrupt reason through context.Cause.
type cancelCause struct{ reason string }

func (c *cancelCause) Error() string { return "interrupted: " + c.reason }

// Request is one logical input→output exchange. Its cancel token is the
// embedded context: cancellation is one-shot and monotonic because a
// context, once cancelled, stays cancelled.
type Request struct {
	ID        string
	DataType  protocol.DataType
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	status Status
}

// Context returns the request's cancel token. The downstream pipeline is
// expected to check it between chunks and stop promptly once cancelled.
func (r *Request) Context() context.Context { return r.ctx }

// Cancelled reports whether the cancel token has been set.
func (r *Request) Cancelled() bool { return r.ctx.Err() != nil }

// CancelReason returns the interrupt reason, or "" if not cancelled.
func (r *Request) CancelReason() string {
	var cause *cancelCause
	if errors.As(context.Cause(r.ctx), &cause) {
		return cause.reason
	}
	return ""
}

func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// MarkStreaming moves PENDING→STREAMING. A no-op once terminal.
func (r *Request) MarkStreaming() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusPending {
		r.status = StatusStreaming
	}
}

func (r *Request) markTerminal(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Terminal() {
		r.status = s
	}
}

// interruptOnce sets the cancel token and reports whether this call was
// the transition. Requests already cancelled report false, which is what
// makes repeated interrupts idempotent at the protocol level.
func (r *Request) interruptOnce(reason string) bool {
	if r.ctx.Err() != nil {
		return false
	}
	r.cancel(&cancelCause{reason: reason})
	return true
}
