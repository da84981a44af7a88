package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/protocol"
)

func testRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	return NewRegistry(auth.NewStaticAuthenticator(nil, nil, true), timeout, nil)
}

func apiKeyCreds() auth.Credentials {
	return auth.Credentials{Type: auth.TypeAPIKey, APIKey: "k-test"}
}

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t, time.Minute)

	s, err := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformApp, true, []protocol.FunctionSpec{{Name: "f1"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if s.ID == "" {
		t.Fatal("Register() returned empty session id")
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	snap := got.Snapshot()
	if snap.Platform != protocol.PlatformApp || !snap.RequireTTS || len(snap.Functions) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestRegisterRejectsBadCredentials(t *testing.T) {
	r := testRegistry(t, time.Minute)
	_, err := r.Register(context.Background(), auth.Credentials{Type: auth.TypeAPIKey}, protocol.PlatformWeb, false, nil)
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("Register() error = %v, want ErrInvalidCredentials", err)
	}
	if r.Count() != 0 {
		t.Fatal("failed registration created a session")
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := testRegistry(t, time.Minute)
	if _, err := r.Get("nope"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Get() error = %v, want ErrSessionInvalid", err)
	}
	if err := r.Touch("nope"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Touch() error = %v, want ErrSessionInvalid", err)
	}
}

func TestTouchExtendsExpiry(t *testing.T) {
	r := testRegistry(t, time.Minute)
	s, err := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformWeb, false, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	before := s.Snapshot().ExpiresAt
	time.Sleep(5 * time.Millisecond)
	if err := r.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	after := s.Snapshot().ExpiresAt
	if !after.After(before) {
		t.Fatalf("expiry did not advance: before=%v after=%v", before, after)
	}
}

func TestExpireSweepDestroysAndCancels(t *testing.T) {
	r := testRegistry(t, 10*time.Millisecond)
	s, err := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformWeb, false, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	req, _, err := s.Requests.Admit(context.Background(), "r1", protocol.DataTypeText, false, 0)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	var hookReason string
	r.SetDestroyHook(func(_ *Session, reason string) { hookReason = reason })

	time.Sleep(20 * time.Millisecond)
	if n := r.ExpireSweep(); n != 1 {
		t.Fatalf("ExpireSweep() = %d, want 1", n)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Get() after sweep error = %v, want ErrSessionInvalid", err)
	}
	if !req.Cancelled() || req.CancelReason() != ReasonExpired {
		t.Fatalf("active request not cancelled on expiry: cancelled=%v reason=%q", req.Cancelled(), req.CancelReason())
	}
	if hookReason != ReasonExpired {
		t.Fatalf("destroy hook reason = %q, want %q", hookReason, ReasonExpired)
	}
}

func TestDestroyTwiceIsNoop(t *testing.T) {
	r := testRegistry(t, time.Minute)
	s, _ := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformWeb, false, nil)

	calls := 0
	r.SetDestroyHook(func(_ *Session, _ string) { calls++ })
	r.Destroy(s.ID, "test")
	r.Destroy(s.ID, "test")
	if calls != 1 {
		t.Fatalf("destroy hook called %d times, want 1", calls)
	}
}

func TestMutateFunctionOps(t *testing.T) {
	r := testRegistry(t, time.Minute)
	s, _ := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformWeb, false,
		[]protocol.FunctionSpec{{Name: "a"}, {Name: "b"}})

	steps := []struct {
		op        protocol.FunctionOp
		functions []protocol.FunctionSpec
		want      []string
	}{
		{protocol.FunctionOpAdd, []protocol.FunctionSpec{{Name: "c"}}, []string{"a", "b", "c"}},
		{protocol.FunctionOpUpdate, []protocol.FunctionSpec{{Name: "b", Description: "v2"}}, []string{"a", "c", "b"}},
		{protocol.FunctionOpDelete, []protocol.FunctionSpec{{Name: "a"}, {Name: "zz"}}, []string{"c", "b"}},
		{protocol.FunctionOpReplace, []protocol.FunctionSpec{{Name: "x"}}, []string{"x"}},
	}
	for _, step := range steps {
		if err := r.Mutate(s.ID, step.op, step.functions, nil); err != nil {
			t.Fatalf("Mutate(%s) error = %v", step.op, err)
		}
		snap := s.Snapshot()
		if len(snap.Functions) != len(step.want) {
			t.Fatalf("after %s: got %d functions, want %d", step.op, len(snap.Functions), len(step.want))
		}
		for i, name := range step.want {
			if snap.Functions[i].Name != name {
				t.Fatalf("after %s: functions[%d] = %q, want %q", step.op, i, snap.Functions[i].Name, name)
			}
		}
	}
}

func TestMutateRequireTTS(t *testing.T) {
	r := testRegistry(t, time.Minute)
	s, _ := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformWeb, false, nil)

	tts := true
	if err := r.Mutate(s.ID, "", nil, &tts); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if !s.Snapshot().RequireTTS {
		t.Fatal("require_tts not updated")
	}
}

func TestQueryFieldSubset(t *testing.T) {
	r := testRegistry(t, time.Minute)
	s, _ := r.Register(context.Background(), apiKeyCreds(), protocol.PlatformTV, true,
		[]protocol.FunctionSpec{{Name: "f"}})

	data, err := r.Query(s.ID, []string{"platform", "remaining_seconds"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if data.Platform != protocol.PlatformTV {
		t.Fatalf("platform = %q", data.Platform)
	}
	if data.RemainingSeconds == nil || *data.RemainingSeconds <= 0 {
		t.Fatal("remaining_seconds missing or non-positive")
	}
	if data.RequireTTS != nil || data.FunctionCalling != nil || data.CreateTime != nil {
		t.Fatalf("unrequested fields present: %+v", data)
	}

	all, err := r.Query(s.ID, nil)
	if err != nil {
		t.Fatalf("Query(all) error = %v", err)
	}
	if all.RequireTTS == nil || !*all.RequireTTS || all.CreateTime == nil || len(all.FunctionCalling) != 1 {
		t.Fatalf("full query missing fields: %+v", all)
	}
}
