package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("connect: %w", NewError(KindAuthFailed, "proj-1", "handshake", errors.New("bad signature")))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatal("expected AUTH_FAILED to match")
	}
	if errors.Is(err, ErrHandshakeTimeout) {
		t.Fatal("AUTH_FAILED must not match HANDSHAKE_TIMEOUT")
	}
	if !errors.Is(err, &Error{Kind: KindAuthFailed, ProjectID: "proj-1"}) {
		t.Fatal("expected project-scoped match")
	}
	if errors.Is(err, &Error{Kind: KindAuthFailed, ProjectID: "proj-2"}) {
		t.Fatal("other project must not match")
	}
}

func TestError_MessageCarriesProjectAndPhase(t *testing.T) {
	err := NewError(KindShutdownFailed, "proj-9", "terminate", errors.New("process still alive"))
	msg := err.Error()
	for _, want := range []string{"SHUTDOWN_FAILED", "terminate", "proj-9", "process still alive"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrInitFailed, KindInitFailed},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindHandshakeTimeout},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
