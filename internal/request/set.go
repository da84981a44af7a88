package request

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/protocol"
)

var ErrDuplicateID = errors.New("request id already active")

// ReasonSuperseded marks requests cancelled by the auto-interrupt policy.
const ReasonSuperseded = "superseded_by_new_request"

// Set tracks every in-flight request of one session. All mutation goes
// through the set's lock, so concurrent admit/interrupt/complete calls
// for the same session serialize while other sessions proceed in
// parallel.
type Set struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func NewSet() *Set {
	return &Set{requests: make(map[string]*Request)}
}

// Supersedes is the auto-interrupt ("barge-in") policy: a new request
// implicitly cancels everything else in its session when it is TEXT, or
// when it is VOICE at the start of a new logical utterance.
func Supersedes(dt protocol.DataType, streamFlag bool, streamSeq int) bool {
	if dt == protocol.DataTypeText {
		return true
	}
	return !streamFlag || streamSeq == 0
}

// Admit registers a new request and applies the auto-interrupt policy,
// returning the admitted request and the ids it implicitly cancelled.
// The cancel token derives from parent, so tearing down the connection
// cancels every admitted request.
func (s *Set) Admit(parent context.Context, id string, dt protocol.DataType, streamFlag bool, streamSeq int) (*Request, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[id]; exists {
		return nil, nil, ErrDuplicateID
	}

	var interrupted []string
	if Supersedes(dt, streamFlag, streamSeq) {
		interrupted = s.interruptAllLocked(ReasonSuperseded)
	}

	ctx, cancel := context.WithCancelCause(parent)
	r := &Request{
		ID:        id,
		DataType:  dt,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusPending,
	}
	s.requests[id] = r
	return r, interrupted, nil
}

// Interrupt cancels a single request if it is active and not yet
// cancelled. The returned slice is empty when the id is unknown,
// finished, or already cancelled.
func (s *Set) Interrupt(id, reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil
	}
	if !r.interruptOnce(reason) {
		return nil
	}
	return []string{id}
}

// InterruptAll cancels every active request of the session.
func (s *Set) InterruptAll(reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptAllLocked(reason)
}

func (s *Set) interruptAllLocked(reason string) []string {
	var ids []string
	for id, r := range s.requests {
		if r.interruptOnce(reason) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Complete records the terminal status and removes the request from the
// active set. A request leaves the set exactly once.
func (s *Set) Complete(id string, terminal Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return
	}
	r.markTerminal(terminal)
	delete(s.requests, id)
}

func (s *Set) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	return r, ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Set) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
