package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/request"
)

// ErrSessionInvalid covers unknown and expired session ids. Operations
// that fail with it never create state as a side effect.
var ErrSessionInvalid = errors.New("session invalid")

// ReasonExpired marks requests cancelled by the expiry sweep.
const ReasonExpired = "session_expired"

// Registry owns session creation, heartbeat/timeout bookkeeping and
// teardown. The registry lock only guards map membership; per-session
// attribute mutation serializes on the session's own lock so distinct
// sessions proceed fully in parallel.
type Registry struct {
	authenticator auth.Authenticator
	timeout       time.Duration
	log           *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	onDestroy func(*Session, string)
}

func NewRegistry(authenticator auth.Authenticator, timeout time.Duration, log *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		authenticator: authenticator,
		timeout:       timeout,
		log:           log,
		sessions:      make(map[string]*Session),
	}
}

// SetDestroyHook installs a callback invoked after a session is torn
// down, with the teardown reason. Used for metrics.
func (r *Registry) SetDestroyHook(hook func(*Session, string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDestroy = hook
}

// Timeout returns the configured session inactivity timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Register checks credentials with the external authenticator and, on
// success, allocates a session with a fresh expiry. Session ids are
// uuids and are never reused.
func (r *Registry) Register(ctx context.Context, creds auth.Credentials, platform protocol.Platform, requireTTS bool, functions []protocol.FunctionSpec) (*Session, error) {
	if err := r.authenticator.Authenticate(ctx, creds); err != nil {
		return nil, err
	}

	now := time.Now()
	fns := make([]protocol.FunctionSpec, len(functions))
	copy(fns, functions)
	s := &Session{
		ID:              uuid.NewString(),
		Platform:        platform,
		requireTTS:      requireTTS,
		functions:       fns,
		createdAt:       now,
		lastHeartbeatAt: now,
		expiresAt:       now.Add(r.timeout),
		Requests:        request.NewSet(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.log.Info("session registered",
		zap.String("session_id", s.ID),
		zap.String("platform", string(platform)))
	return s, nil
}

// Get returns the live session, or ErrSessionInvalid for unknown and
// expired ids.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.expired(time.Now()) {
		return nil, ErrSessionInvalid
	}
	return s, nil
}

// Touch refreshes the session expiry. Called on every inbound message
// scoped to the session.
func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch(time.Now(), r.timeout)
	return nil
}

// Mutate applies the function set algebra and/or the require_tts flag.
// Mutation and subsequent reads are linearizable per session.
func (r *Registry) Mutate(id string, op protocol.FunctionOp, functions []protocol.FunctionSpec, requireTTS *bool) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mutate(op, functions, requireTTS)
	return nil
}

// Query returns the requested subset of session attributes, or all
// attributes when fields is empty.
func (r *Registry) Query(id string, fields []string) (protocol.SessionData, error) {
	s, err := r.Get(id)
	if err != nil {
		return protocol.SessionData{}, err
	}
	snap := s.Snapshot()

	all := len(fields) == 0
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}

	var data protocol.SessionData
	if all || want["platform"] {
		data.Platform = snap.Platform
	}
	if all || want["require_tts"] {
		tts := snap.RequireTTS
		data.RequireTTS = &tts
	}
	if all || want["function_calling"] {
		data.FunctionCalling = snap.Functions
	}
	if all || want["create_time"] {
		create := snap.CreatedAt.UnixMilli()
		data.CreateTime = &create
	}
	if all || want["remaining_seconds"] {
		remaining := snap.RemainingSeconds
		data.RemainingSeconds = &remaining
	}
	return data, nil
}

// Destroy cancels every active request and removes the session. Safe to
// call twice; the second call is a no-op.
func (r *Registry) Destroy(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hook := r.onDestroy
	r.mu.Unlock()
	if !ok {
		return
	}

	cancelled := s.Requests.InterruptAll(reason)
	r.log.Info("session destroyed",
		zap.String("session_id", id),
		zap.String("reason", reason),
		zap.Int("cancelled_requests", len(cancelled)))
	if hook != nil {
		hook(s, reason)
	}
}

// ExpireSweep destroys every session whose expiry has passed and
// returns the number destroyed.
func (r *Registry) ExpireSweep() int {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Destroy(id, ReasonExpired)
	}
	return len(expired)
}

// StartJanitor runs ExpireSweep on a fixed interval until ctx ends.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ExpireSweep()
			}
		}
	}()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
