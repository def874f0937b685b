package session

import (
	"sync"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
)

// FrameFunc receives one pushed frame for a subscription.
type FrameFunc func(f *frame.Frame)

// ErrorFunc receives the single terminal error of a subscription. It is not
// invoked when the user closes the subscription itself; closing the session
// delivers a CancelledError through it.
type ErrorFunc func(err error)

// StopFunc builds the protocol-level stop frame emitted when the user closes
// the subscription (nil payload means no stop frame for this operation).
type StopFunc func() (msgType uint16, payload []byte)

// Subscription is a long-lived receiver for one inbound message type.
// Obtained from Session.Subscribe; Close is idempotent and safe from any
// goroutine.
type Subscription struct {
	s       *Session
	msgType uint16
	onFrame FrameFunc
	onError ErrorFunc
	stop    StopFunc

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a long-lived receiver for msgType pushes. It conflicts
// with an in-flight one-shot waiter or an existing subscription on the same
// type. onError fires exactly once if the subscription ends for any reason
// other than the user's own Close.
func (s *Session) Subscribe(msgType uint16, onFrame FrameFunc, onError ErrorFunc, stop StopFunc) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return nil, protoerr.NewCancelledError("session.subscribe")
	}
	if _, exists := s.subs[msgType]; exists {
		return nil, protoerr.NewConflictError("session.subscribe", msgType)
	}
	if _, exists := s.waiters[msgType]; exists {
		return nil, protoerr.NewConflictError("session.subscribe", msgType)
	}
	sub := &Subscription{s: s, msgType: msgType, onFrame: onFrame, onError: onError, stop: stop}
	s.subs[msgType] = sub
	return sub, nil
}

// deliver runs on the session read loop, in decode order.
func (sub *Subscription) deliver(f *frame.Frame) {
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed || sub.onFrame == nil {
		return
	}
	sub.onFrame(f)
}

// terminate completes the subscription with its terminal error (session
// teardown or stream failure). No-op after user close.
func (sub *Subscription) terminate(cause error) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()
	if sub.onError != nil {
		sub.onError(cause)
	}
}

// Close removes the subscription and sends the operation's stop frame, if
// any. The user receives no further callbacks, terminal or otherwise.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	s := sub.s
	s.mu.Lock()
	if cur, ok := s.subs[sub.msgType]; ok && cur == sub {
		delete(s.subs, sub.msgType)
	}
	active := s.state == StateReady
	if active && sub.stop != nil {
		if msgType, payload := sub.stop(); payload != nil {
			_ = s.enqueueLocked(msgType, payload)
		}
	}
	s.mu.Unlock()
}

// Fail ends the subscription with cause (used by stream-parser consumers
// when the media container is corrupt). The subscription is removed and the
// terminal error delivered; the session itself stays up.
func (sub *Subscription) Fail(cause error) {
	s := sub.s
	s.mu.Lock()
	if cur, ok := s.subs[sub.msgType]; ok && cur == sub {
		delete(s.subs, sub.msgType)
	}
	s.mu.Unlock()
	sub.terminate(cause)
}
