// Package session owns one TCP connection to a NetSurveillance device and
// multiplexes every logical interaction over it: the login state machine,
// the serialized send pipeline, keep-alive probing, and routing of inbound
// frames to one-shot waiters or long-lived subscriptions.
//
// Concurrency model: a readLoop goroutine decodes frames and dispatches
// callbacks; a writeLoop goroutine drains the outbound queue onto the
// socket; a keepAliveLoop goroutine owns the probe timer. Shared state sits
// behind one mutex which is never held while a user callback runs.
// Callbacks are invoked on the readLoop and must not block it, and must not
// issue synchronous requests from within the callback itself.
package session

import (
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/logger"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggingIn
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLoggingIn:
		return "logging_in"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// DefaultPort is the device's factory control port.
const DefaultPort = 34567

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
	outboundQueueLen      = 100
)

// Config parameterizes a session.
type Config struct {
	// Address is the device's host:port. A bare host gets DefaultPort.
	Address string

	Username string
	Password string

	// DialTimeout bounds the TCP connect (default 5s).
	DialTimeout time.Duration

	// RequestTimeout is the default one-shot request deadline (default 10s).
	RequestTimeout time.Duration

	// KeepAliveOverride replaces the device-announced AliveInterval when
	// non-zero. Intended for tests.
	KeepAliveOverride time.Duration

	// Dialer overrides the TCP dial (tests inject pipes/mock listeners).
	Dialer func(addr string, timeout time.Duration) (net.Conn, error)
}

// Request is one outbound one-shot exchange.
type Request struct {
	MsgType  uint16 // request frame type
	RespType uint16 // expected reply frame type (the correlation key)
	Payload  []byte
	Timeout  time.Duration // 0 means Config.RequestTimeout
}

// ReplyFunc receives the reply frame or the terminal error, exactly once.
type ReplyFunc func(f *frame.Frame, err error)

type waiter struct {
	respType uint16
	cb       ReplyFunc
	timer    *time.Timer
}

// Session multiplexes request/reply and subscription traffic over one
// connection.
type Session struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	conn      net.Conn
	sessionID uint32
	seq       uint32
	waiters   map[uint16]*waiter
	subs      map[uint16]*Subscription
	outbound  chan *frame.Frame
	lastSend  time.Time
	closeErr  error

	aliveInterval time.Duration
	kaPending     int
	kaStop        chan struct{}

	done chan struct{} // closed when teardown finished
	wg   sync.WaitGroup
}

// New creates a session in Disconnected state.
func New(cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		cfg.Address = fmt.Sprintf("%s:%d", cfg.Address, DefaultPort)
	}
	return &Session{
		cfg:      cfg,
		log:      logger.WithConn(logger.Logger(), uuid.NewString(), cfg.Address),
		state:    StateDisconnected,
		waiters:  make(map[uint16]*waiter),
		subs:     make(map[uint16]*Subscription),
		outbound: make(chan *frame.Frame, outboundQueueLen),
		kaStop:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the device-assigned session id (zero before login).
func (s *Session) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AliveInterval returns the negotiated keep-alive interval.
func (s *Session) AliveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveInterval
}

// Connect dials the device, performs the login exchange and transitions the
// session to Ready. onDone is invoked exactly once; on failure the session
// ends up Closing/Closed.
func (s *Session) Connect(onDone func(error)) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		onDone(protoerr.NewTransportError("session.connect",
			fmt.Errorf("connect from state %s", st)))
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	go s.dialAndLogin(onDone)
}

func (s *Session) dialAndLogin(onDone func(error)) {
	conn, err := s.cfg.Dialer(s.cfg.Address, s.cfg.DialTimeout)
	if err != nil {
		terr := protoerr.NewTransportError("session.dial", err)
		s.teardown(terr)
		onDone(terr)
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting { // closed while dialing
		s.mu.Unlock()
		_ = conn.Close()
		onDone(protoerr.NewCancelledError("session.connect"))
		return
	}
	s.conn = conn
	s.state = StateLoggingIn
	s.mu.Unlock()
	s.log.Debug("connected, logging in", "user", s.cfg.Username)

	s.startWriteLoop()
	s.startReadLoop()

	payload, err := rpc.BuildLogin(s.cfg.Username, s.cfg.Password)
	if err != nil {
		s.teardown(err)
		onDone(err)
		return
	}
	submitErr := s.Request(Request{
		MsgType:  rpc.MsgLoginReq,
		RespType: rpc.MsgLoginResp,
		Payload:  payload,
	}, func(f *frame.Frame, err error) {
		if err != nil {
			s.teardown(err)
			onDone(err)
			return
		}
		reply, perr := rpc.ParseLoginReply(f.Payload)
		if perr != nil {
			// A device-side rejection (wrong password etc.) still tears the
			// session down; there is nothing to keep alive.
			s.teardown(perr)
			onDone(perr)
			return
		}
		s.mu.Lock()
		if s.state != StateLoggingIn { // torn down while the reply was in flight
			s.mu.Unlock()
			onDone(protoerr.NewCancelledError("session.login"))
			return
		}
		s.sessionID = reply.SessionID
		s.aliveInterval = time.Duration(reply.AliveInterval) * time.Second
		if s.cfg.KeepAliveOverride > 0 {
			s.aliveInterval = s.cfg.KeepAliveOverride
		}
		s.state = StateReady
		s.mu.Unlock()
		logger.WithSession(s.log, reply.SessionID).Info("login complete",
			"alive_interval_s", reply.AliveInterval,
			"channels", reply.ChannelNum,
			"device_type", reply.DeviceType)
		s.startKeepAlive()
		onDone(nil)
	})
	if submitErr != nil {
		s.teardown(submitErr)
		onDone(submitErr)
	}
}

// Request registers a one-shot waiter for req.RespType and enqueues the
// frame. A conflicting in-flight waiter or subscription on the same reply
// type fails synchronously with ConflictError; in that case cb is never
// invoked. Otherwise cb runs exactly once: reply, timeout, or teardown.
func (s *Session) Request(req Request, cb ReplyFunc) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = protoerr.NewCancelledError("session.request")
		}
		return err
	}
	if _, exists := s.waiters[req.RespType]; exists {
		s.mu.Unlock()
		return protoerr.NewConflictError("session.request", req.RespType)
	}
	if _, exists := s.subs[req.RespType]; exists {
		s.mu.Unlock()
		return protoerr.NewConflictError("session.request", req.RespType)
	}
	w := &waiter{respType: req.RespType, cb: cb}
	s.waiters[req.RespType] = w
	w.timer = time.AfterFunc(timeout, func() {
		s.expireWaiter(w, timeout)
	})
	err := s.enqueueLocked(req.MsgType, req.Payload)
	if err != nil {
		// Roll the registration back; the caller sees the submit error.
		delete(s.waiters, req.RespType)
		w.timer.Stop()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return nil
}

// enqueueLocked assigns the next sequence number and hands the frame to the
// write loop. Caller holds s.mu; the queue send is non-blocking so the lock
// is never held against a stalled socket.
func (s *Session) enqueueLocked(msgType uint16, payload []byte) error {
	f := &frame.Frame{
		SessionID: s.sessionID,
		Sequence:  s.seq,
		MsgType:   msgType,
		Payload:   payload,
	}
	select {
	case s.outbound <- f:
		s.seq++ // wraps to zero on overflow
		s.lastSend = time.Now()
		return nil
	default:
		return protoerr.NewTransportError("session.enqueue",
			fmt.Errorf("send queue full (len=%d)", len(s.outbound)))
	}
}

// Send enqueues a fire-and-forget frame (no reply expected).
func (s *Session) Send(msgType uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return protoerr.NewCancelledError("session.send")
	}
	return s.enqueueLocked(msgType, payload)
}

// expireWaiter completes w with a timeout if it is still registered. A reply
// that raced the timer wins; the late timer finds the map slot empty or
// replaced.
func (s *Session) expireWaiter(w *waiter, d time.Duration) {
	s.mu.Lock()
	cur, ok := s.waiters[w.respType]
	if !ok || cur != w {
		s.mu.Unlock()
		return
	}
	delete(s.waiters, w.respType)
	s.mu.Unlock()
	w.cb(nil, protoerr.NewTimeoutError("session.request", d, nil))
}

func (s *Session) startReadLoop() {
	if !s.addLoop() {
		return
	}
	go func() {
		defer s.wg.Done()
		dec := frame.NewDecoder(s.conn)
		for {
			f, err := dec.ReadFrame()
			if err != nil {
				if stdErrors.Is(err, io.EOF) || stdErrors.Is(err, net.ErrClosed) {
					s.log.Debug("read loop closed", "error", err)
					s.teardown(protoerr.NewTransportError("session.read", err))
				} else if protoerr.IsFatal(err) {
					s.log.Error("read loop protocol failure", "error", err)
					s.teardown(err)
				} else {
					s.log.Error("read loop error", "error", err)
					s.teardown(protoerr.NewTransportError("session.read", err))
				}
				return
			}
			s.dispatch(f)
		}
	}()
}

// dispatch routes one inbound frame. Runs on the read loop; the lock is
// dropped before any callback fires.
func (s *Session) dispatch(f *frame.Frame) {
	s.mu.Lock()
	// Inbound traffic of any kind proves the device is alive.
	s.kaPending = 0

	if sub, ok := s.subs[f.MsgType]; ok {
		s.mu.Unlock()
		sub.deliver(f)
		return
	}
	if w, ok := s.waiters[f.MsgType]; ok {
		delete(s.waiters, f.MsgType)
		w.timer.Stop()
		s.mu.Unlock()
		w.cb(f, nil)
		return
	}
	s.mu.Unlock()

	if f.MsgType == rpc.MsgKeepAliveRsp {
		return // probe answer, already accounted above
	}
	if rpc.IsAsyncEvent(f.MsgType) {
		// Unrequested push (e.g. alarm with no guard subscription).
		return
	}
	logger.WithFrameMeta(s.log, f.MsgType, f.Sequence, len(f.Payload)).
		Debug("unexpected message type dropped")
}

// addLoop registers a loop goroutine unless teardown already began. The
// state check and the Add share the lock so the teardown join cannot race a
// late Add.
func (s *Session) addLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Session) startWriteLoop() {
	if !s.addLoop() {
		return
	}
	go func() {
		defer s.wg.Done()
		fw := frame.NewWriter(s.conn)
		for f := range s.outbound {
			if err := fw.WriteFrame(f); err != nil {
				s.log.Error("write loop failed", "error", err)
				s.teardown(err)
				return
			}
		}
	}()
}

func (s *Session) startKeepAlive() {
	// The Ready check and the Add share the lock: teardown flips the state
	// before it joins the wait group, so a Ready session cannot race the join.
	s.mu.Lock()
	interval := s.aliveInterval
	if s.state != StateReady || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.kaStop:
				return
			case <-ticker.C:
				if !s.keepAliveTick(interval) {
					return
				}
			}
		}
	}()
}

// keepAliveTick sends a probe if the link has been quiet for a full
// interval. Two unanswered probes in a row end the session. Returns false
// when the loop should stop.
func (s *Session) keepAliveTick(interval time.Duration) bool {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return false
	}
	if s.kaPending >= 2 {
		s.mu.Unlock()
		s.log.Warn("keep-alive unanswered twice, closing")
		s.teardown(protoerr.NewTimeoutError("session.keepalive", 2*interval, nil))
		return false
	}
	// The tick and the last send race by scheduling jitter; a 10% slack keeps
	// a quiet link probed once per interval instead of every other interval.
	if time.Since(s.lastSend) < interval-interval/10 {
		s.mu.Unlock()
		return true
	}
	payload, err := rpc.BuildKeepAlive(s.sessionID)
	if err != nil {
		s.mu.Unlock()
		return true
	}
	if err := s.enqueueLocked(rpc.MsgKeepAliveReq, payload); err == nil {
		s.kaPending++
	}
	s.mu.Unlock()
	return true
}

// Close shuts the session down gracefully: a best-effort logout, then
// teardown. All pending waiters and subscriptions complete with a
// cancellation. Double close is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	loggedIn := s.state == StateReady
	id := s.sessionID
	if loggedIn {
		if payload, err := rpc.BuildLogout(id); err == nil {
			_ = s.enqueueLocked(rpc.MsgLogoutReq, payload)
		}
	}
	s.mu.Unlock()

	s.teardown(protoerr.NewCancelledError("session.close"))
	<-s.done
	return nil
}

// teardown moves the session to Closing, fails every waiter and
// subscription with cause, closes the socket and joins the loops. Safe to
// call from any goroutine; only the first call acts.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeErr = cause
	waiters := make([]*waiter, 0, len(s.waiters))
	for _, w := range s.waiters {
		w.timer.Stop()
		waiters = append(waiters, w)
	}
	s.waiters = make(map[uint16]*waiter)
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint16]*Subscription)
	conn := s.conn
	close(s.kaStop)
	close(s.outbound)
	s.mu.Unlock()

	for _, w := range waiters {
		w.cb(nil, cause)
	}
	for _, sub := range subs {
		sub.terminate(cause)
	}
	if conn != nil {
		_ = conn.Close()
	}

	// teardown may run on the read or write loop itself, so the final join
	// happens off to the side; Close() blocks on done for the full shutdown.
	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.log.Info("session closed", "cause", cause)
	}()
}
