// Package ingest reconstructs complete audio payloads for VOICE
// requests, either from a single inline base64 frame or from a run of
// raw binary frames bounded by control frames.
package ingest

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrContextOpen: a start frame arrived while an ingest was already
	// open on the connection. The existing context stays untouched.
	ErrContextOpen = errors.New("voice ingest already open")
	// ErrNoContext: a binary frame or end frame arrived with no open
	// ingest context.
	ErrNoContext = errors.New("no open voice ingest")
	// ErrRequestMismatch: the end frame names a different request than
	// the one that opened the context.
	ErrRequestMismatch = errors.New("voice ingest request mismatch")
)

// SizeError reports an ingest that outgrew the configured cap.
type SizeError struct {
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("voice ingest exceeds %d bytes", e.Limit)
}

// DecodeInline decodes a BASE64-mode voice payload.
func DecodeInline(voice string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(voice)
	if err != nil {
		return nil, fmt.Errorf("decode inline voice: %w", err)
	}
	return buf, nil
}

// Assembler holds at most one open streamed-binary ingest per
// connection. The read loop drives it sequentially, but interrupts can
// discard from another goroutine, hence the lock.
type Assembler struct {
	maxBytes int

	mu   sync.Mutex
	open *ingestContext
}

type ingestContext struct {
	requestID string
	buf       bytes.Buffer
	frames    int
}

func NewAssembler(maxBytes int) *Assembler {
	return &Assembler{maxBytes: maxBytes}
}

// Open starts a streamed-binary ingest for requestID. Fails without
// disturbing an already-open context.
func (a *Assembler) Open(requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		return ErrContextOpen
	}
	a.open = &ingestContext{requestID: requestID}
	return nil
}

// Append adds one raw binary frame in arrival order.
func (a *Assembler) Append(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return ErrNoContext
	}
	if a.maxBytes > 0 && a.open.buf.Len()+len(data) > a.maxBytes {
		a.open = nil
		return &SizeError{Limit: a.maxBytes}
	}
	a.open.buf.Write(data)
	a.open.frames++
	return nil
}

// Close ends the ingest for requestID and yields the assembled buffer.
func (a *Assembler) Close(requestID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return nil, ErrNoContext
	}
	if a.open.requestID != requestID {
		return nil, ErrRequestMismatch
	}
	buf := a.open.buf.Bytes()
	a.open = nil
	return buf, nil
}

// Discard drops the open context if it belongs to requestID, reporting
// whether anything was discarded. Interrupt silently truncates input.
func (a *Assembler) Discard(requestID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil || a.open.requestID != requestID {
		return false
	}
	a.open = nil
	return true
}

// DiscardAll drops any open context. Used on disconnect.
func (a *Assembler) DiscardAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = nil
}

// OpenRequestID reports which request, if any, owns the open context.
func (a *Assembler) OpenRequestID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return "", false
	}
	return a.open.requestID, true
}
