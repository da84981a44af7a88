package session

import (
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/request"
)

// Session is the identity and live state of one authenticated
// connection. Attribute mutation happens under the session's own lock,
// so a concurrently admitted request sees either the pre- or the
// post-mutation attributes, never a torn mix.
type Session struct {
	ID       string
	Platform protocol.Platform

	mu         sync.Mutex
	requireTTS bool
	functions  []protocol.FunctionSpec

	createdAt       time.Time
	lastHeartbeatAt time.Time
	expiresAt       time.Time

	// Requests is the per-session active request set; it carries its
	// own lock and never blocks registry operations.
	Requests *request.Set
}

// Snapshot is an immutable copy of the mutable session attributes,
// taken atomically. Pipeline inputs are built from snapshots.
type Snapshot struct {
	ID               string
	Platform         protocol.Platform
	RequireTTS       bool
	Functions        []protocol.FunctionSpec
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RemainingSeconds int64
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := make([]protocol.FunctionSpec, len(s.functions))
	copy(fns, s.functions)
	remaining := int64(time.Until(s.expiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		ID:               s.ID,
		Platform:         s.Platform,
		RequireTTS:       s.requireTTS,
		Functions:        fns,
		CreatedAt:        s.createdAt,
		ExpiresAt:        s.expiresAt,
		RemainingSeconds: remaining,
	}
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// touch refreshes the heartbeat bookkeeping. expiresAt strictly
// increases across touches on the same session.
func (s *Session) touch(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = now
	next := now.Add(timeout)
	if next.After(s.expiresAt) {
		s.expiresAt = next
	}
}

func (s *Session) mutate(op protocol.FunctionOp, incoming []protocol.FunctionSpec, requireTTS *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requireTTS != nil {
		s.requireTTS = *requireTTS
	}
	if op != "" {
		s.functions = applyFunctionOp(s.functions, op, incoming)
	}
}

// applyFunctionOp implements the function descriptor set algebra.
// UPDATE is upsert-by-name: matching entries are removed, then the
// incoming entries appended. DELETE removes by name and ignores unknown
// names.
func applyFunctionOp(existing []protocol.FunctionSpec, op protocol.FunctionOp, incoming []protocol.FunctionSpec) []protocol.FunctionSpec {
	switch op {
	case protocol.FunctionOpReplace:
		out := make([]protocol.FunctionSpec, len(incoming))
		copy(out, incoming)
		return out
	case protocol.FunctionOpAdd:
		return append(existing, incoming...)
	case protocol.FunctionOpUpdate:
		return append(removeByName(existing, incoming), incoming...)
	case protocol.FunctionOpDelete:
		return removeByName(existing, incoming)
	default:
		return existing
	}
}

func removeByName(existing, incoming []protocol.FunctionSpec) []protocol.FunctionSpec {
	names := make(map[string]struct{}, len(incoming))
	for _, fn := range incoming {
		names[fn.Name] = struct{}{}
	}
	out := make([]protocol.FunctionSpec, 0, len(existing))
	for _, fn := range existing {
		if _, hit := names[fn.Name]; !hit {
			out = append(out, fn)
		}
	}
	return out
}
