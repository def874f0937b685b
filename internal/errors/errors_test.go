package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics (we don't need full net.Error here).
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsFatalClassification(t *testing.T) {
	root := stdErrors.New("connection reset")
	wrapped := fmt.Errorf("adding context: %w", root)
	tr := NewTransportError("session.read", wrapped)
	if !IsFatal(tr) {
		t.Fatalf("expected IsFatal=true for transport error")
	}
	if !stdErrors.Is(tr, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var te *TransportError
	if !stdErrors.As(tr, &te) {
		t.Fatalf("expected errors.As to *TransportError")
	}
	if te.Op != "session.read" {
		t.Fatalf("unexpected op: %s", te.Op)
	}

	p := NewProtocolError("frame.decode_header", stdErrors.New("bad magic"))
	if !IsFatal(p) {
		t.Fatalf("expected protocol error classified as fatal")
	}
	if IsFatal(NewRemoteError("recorder.login", RetPasswordError)) {
		t.Fatalf("remote error must not be session-fatal")
	}
	if IsFatal(NewStreamError("stream.parse", nil)) {
		t.Fatalf("stream error must not be session-fatal")
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("session.request", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if IsFatal(to) {
		t.Fatalf("timeout should NOT be session-fatal")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestRemoteErrorCatalogue(t *testing.T) {
	err := NewRemoteError("recorder.login", RetPasswordError)
	code, ok := IsRemote(err)
	if !ok || code != 203 {
		t.Fatalf("IsRemote: got (%d,%v)", code, ok)
	}
	var re *RemoteError
	if !stdErrors.As(err, &re) {
		t.Fatalf("errors.As *RemoteError failed")
	}
	if re.Message() != "password error" {
		t.Fatalf("unexpected catalogue message: %q", re.Message())
	}
	if RetMessage(9999) != "unknown device error" {
		t.Fatalf("out-of-catalogue code must map to generic message")
	}
}

func TestConflictAndCancelled(t *testing.T) {
	c := NewConflictError("session.request", 1043)
	if !IsConflict(c) {
		t.Fatalf("expected conflict recognized")
	}
	var ce *ConflictError
	if !stdErrors.As(c, &ce) || ce.MsgType != 1043 {
		t.Fatalf("conflict fields not preserved: %+v", ce)
	}
	if !IsCancelled(NewCancelledError("subscription.close")) {
		t.Fatalf("expected cancelled recognized")
	}
	if !IsCancelled(context.Canceled) {
		t.Fatalf("expected context.Canceled recognized")
	}
}

func TestNilSafety(t *testing.T) {
	if IsFatal(nil) || IsTimeout(nil) || IsCancelled(nil) || IsConflict(nil) || IsStream(nil) {
		t.Fatalf("nil must not classify as any kind")
	}
	if _, ok := IsRemote(nil); ok {
		t.Fatalf("nil must not classify as remote")
	}
}
