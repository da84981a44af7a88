package request

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/parley/internal/protocol"
)

func TestSupersedes(t *testing.T) {
	cases := []struct {
		name       string
		dt         protocol.DataType
		streamFlag bool
		streamSeq  int
		want       bool
	}{
		{"text", protocol.DataTypeText, false, 0, true},
		{"text streamed", protocol.DataTypeText, true, 3, true},
		{"voice non-streamed", protocol.DataTypeVoice, false, 0, true},
		{"voice stream start", protocol.DataTypeVoice, true, 0, true},
		{"voice stream end", protocol.DataTypeVoice, true, -1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Supersedes(tc.dt, tc.streamFlag, tc.streamSeq); got != tc.want {
				t.Fatalf("Supersedes() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdmitAutoInterruptsActive(t *testing.T) {
	s := NewSet()
	ctx := context.Background()

	r1, interrupted, err := s.Admit(ctx, "r1", protocol.DataTypeText, false, 0)
	if err != nil {
		t.Fatalf("Admit(r1) error = %v", err)
	}
	if len(interrupted) != 0 {
		t.Fatalf("first admit interrupted %v", interrupted)
	}

	r2, interrupted, err := s.Admit(ctx, "r2", protocol.DataTypeText, false, 0)
	if err != nil {
		t.Fatalf("Admit(r2) error = %v", err)
	}
	if len(interrupted) != 1 || interrupted[0] != "r1" {
		t.Fatalf("interrupted = %v, want [r1]", interrupted)
	}
	if !r1.Cancelled() {
		t.Fatal("r1 not cancelled after barge-in")
	}
	if r1.CancelReason() != ReasonSuperseded {
		t.Fatalf("CancelReason() = %q, want %q", r1.CancelReason(), ReasonSuperseded)
	}
	if r2.Cancelled() {
		t.Fatal("new request must not be cancelled")
	}
}

func TestAdmitVoiceContinuationDoesNotInterrupt(t *testing.T) {
	s := NewSet()
	ctx := context.Background()

	r1, _, err := s.Admit(ctx, "r1", protocol.DataTypeVoice, true, 0)
	if err != nil {
		t.Fatalf("Admit(r1) error = %v", err)
	}
	s.Complete("r1", StatusCompleted)

	r2, _, _ := s.Admit(ctx, "r2", protocol.DataTypeText, false, 0)
	_, interrupted, err := s.Admit(ctx, "r3", protocol.DataTypeVoice, true, -1)
	if err != nil {
		t.Fatalf("Admit(r3) error = %v", err)
	}
	if len(interrupted) != 0 {
		t.Fatalf("voice end frame interrupted %v", interrupted)
	}
	if r2.Cancelled() {
		t.Fatal("r2 cancelled by non-superseding request")
	}
	_ = r1
}

func TestAdmitDuplicateID(t *testing.T) {
	s := NewSet()
	ctx := context.Background()
	if _, _, err := s.Admit(ctx, "r1", protocol.DataTypeVoice, true, -1); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, _, err := s.Admit(ctx, "r1", protocol.DataTypeVoice, true, -1); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Admit() error = %v, want ErrDuplicateID", err)
	}

	// A completed id can be reused.
	s.Complete("r1", StatusCompleted)
	if _, _, err := s.Admit(ctx, "r1", protocol.DataTypeVoice, true, -1); err != nil {
		t.Fatalf("Admit() after Complete error = %v", err)
	}
}

func TestInterruptIdempotent(t *testing.T) {
	s := NewSet()
	r, _, _ := s.Admit(context.Background(), "r1", protocol.DataTypeVoice, true, -1)

	if ids := s.Interrupt("r1", "user_spoke"); len(ids) != 1 {
		t.Fatalf("Interrupt() = %v, want [r1]", ids)
	}
	if ids := s.Interrupt("r1", "again"); len(ids) != 0 {
		t.Fatalf("second Interrupt() = %v, want empty", ids)
	}
	if r.CancelReason() != "user_spoke" {
		t.Fatalf("CancelReason() = %q, want first reason", r.CancelReason())
	}
	if ids := s.Interrupt("missing", "x"); ids != nil {
		t.Fatalf("Interrupt(unknown) = %v, want nil", ids)
	}
}

func TestInterruptAll(t *testing.T) {
	s := NewSet()
	ctx := context.Background()
	// Voice continuations so nothing supersedes anything.
	s.Admit(ctx, "b", protocol.DataTypeVoice, true, -1)
	s.Admit(ctx, "a", protocol.DataTypeVoice, true, -1)
	s.Admit(ctx, "c", protocol.DataTypeVoice, true, -1)
	s.Interrupt("b", "early")

	ids := s.InterruptAll("teardown")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("InterruptAll() = %v, want [a c]", ids)
	}
}

func TestCompleteRemovesAndIsTerminal(t *testing.T) {
	s := NewSet()
	r, _, _ := s.Admit(context.Background(), "r1", protocol.DataTypeText, false, 0)
	r.MarkStreaming()
	s.Complete("r1", StatusCompleted)

	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Complete", s.Len())
	}
	if r.Status() != StatusCompleted {
		t.Fatalf("Status() = %v, want COMPLETED", r.Status())
	}
	// Terminal status never changes.
	r.MarkStreaming()
	if r.Status() != StatusCompleted {
		t.Fatalf("Status() = %v after MarkStreaming on terminal", r.Status())
	}
}

func TestParentCancelPropagates(t *testing.T) {
	s := NewSet()
	ctx, cancel := context.WithCancel(context.Background())
	r, _, _ := s.Admit(ctx, "r1", protocol.DataTypeText, false, 0)
	cancel()
	if !r.Cancelled() {
		t.Fatal("request not cancelled with its parent")
	}
	if r.CancelReason() != "" {
		t.Fatalf("CancelReason() = %q for parent cancel, want empty", r.CancelReason())
	}
}
