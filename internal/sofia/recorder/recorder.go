// Package recorder is the user-facing facade over the session layer. Each
// operation is a short policy: compose the request JSON, hand it to the
// session, interpret the reply. All operations are asynchronous — they take
// a completion callback and return immediately; callbacks run on the session
// read loop and must not block it or re-enter the recorder synchronously.
package recorder

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/logger"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
	"github.com/alxayo/go-sofia/internal/sofia/session"
)

// DialOptions tune connection establishment.
type DialOptions struct {
	// Timeout bounds each TCP connect attempt (default 5s).
	Timeout time.Duration
	// RequestTimeout is the default one-shot deadline (default 10s).
	RequestTimeout time.Duration
	// Attempts is the number of connect+login tries (default 1). Device-side
	// rejections (bad credentials) are never retried.
	Attempts uint
	// RetryDelay separates attempts (default 500ms).
	RetryDelay time.Duration
	// KeepAliveOverride replaces the device-announced interval when non-zero.
	KeepAliveOverride time.Duration
	// Dialer overrides the TCP dial; forwarded to the session (tests).
	Dialer func(addr string, timeout time.Duration) (net.Conn, error)
}

// Recorder is a handle to one DVR/NVR device.
type Recorder struct {
	addr     string
	username string
	password string
	opts     DialOptions
	log      *slog.Logger

	mu   sync.Mutex
	sess *session.Session
}

// New creates a recorder handle; no I/O happens until ConnectAndLogin.
// A bare host in addr gets the default device port 34567.
func New(addr, username, password string, opts DialOptions) *Recorder {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Recorder{
		addr:     addr,
		username: username,
		password: password,
		opts:     opts,
		log:      logger.Logger().With("component", "recorder", "device", addr),
	}
}

// FormatTimestamp renders t in the device wall-clock format ("2006-01-02
// 15:04:05") using t's own location. Pick the device zone with time.In.
func FormatTimestamp(t time.Time) string { return rpc.FormatTimestamp(t) }

// ConnectAndLogin dials the device and authenticates, retrying transport
// failures up to DialOptions.Attempts times. onDone fires exactly once.
func (r *Recorder) ConnectAndLogin(onDone func(error)) {
	go func() {
		err := retry.Do(
			func() error { return r.connectOnce() },
			retry.Attempts(r.opts.Attempts),
			retry.Delay(r.opts.RetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				// Bad credentials will not get better on a second try.
				_, remote := protoerr.IsRemote(err)
				return !remote
			}),
		)
		onDone(err)
	}()
}

// connectOnce runs a full connect+login cycle on a fresh session and blocks
// until it settles.
func (r *Recorder) connectOnce() error {
	s := session.New(session.Config{
		Address:           r.addr,
		Username:          r.username,
		Password:          r.password,
		DialTimeout:       r.opts.Timeout,
		RequestTimeout:    r.opts.RequestTimeout,
		KeepAliveOverride: r.opts.KeepAliveOverride,
		Dialer:            r.opts.Dialer,
	})
	done := make(chan error, 1)
	s.Connect(func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}
	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
	return nil
}

// Session exposes the underlying session (nil before login). Intended for
// advanced callers and the demo CLI.
func (r *Recorder) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

func (r *Recorder) session() (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil, protoerr.NewTransportError("recorder", fmt.Errorf("not connected"))
	}
	return r.sess, nil
}

// Close tears the connection down (logout is sent best-effort). Safe to call
// twice and before login.
func (r *Recorder) Close() error {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// GetChannelNames fetches the ChannelTitle config and delivers the channel
// name list.
func (r *Recorder) GetChannelNames(cb func(names []string, err error)) {
	s, err := r.session()
	if err != nil {
		cb(nil, err)
		return
	}
	payload, err := rpc.BuildNamed("ChannelTitle", s.ID())
	if err != nil {
		cb(nil, err)
		return
	}
	submitErr := s.Request(session.Request{
		MsgType: rpc.MsgConfigGetReq, RespType: rpc.MsgConfigGetResp, Payload: payload,
	}, func(f *frame.Frame, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(rpc.ParseChannelTitles(f.Payload))
	})
	if submitErr != nil {
		cb(nil, submitErr)
	}
}

// GetConfig fetches one named configuration blob (e.g. "General.General")
// and delivers its decoded JSON body.
func (r *Recorder) GetConfig(name string, cb func(name string, cfg any, err error)) {
	r.namedQuery(rpc.MsgConfigGetReq, rpc.MsgConfigGetResp, "recorder.get_config", name, cb)
}

// GetSysInfo fetches one named system info blob (e.g. "SystemInfo").
func (r *Recorder) GetSysInfo(name string, cb func(name string, info any, err error)) {
	r.namedQuery(rpc.MsgSysInfoReq, rpc.MsgSysInfoResp, "recorder.get_sysinfo", name, cb)
}

func (r *Recorder) namedQuery(reqType, respType uint16, op, name string, cb func(string, any, error)) {
	s, err := r.session()
	if err != nil {
		cb(name, nil, err)
		return
	}
	payload, err := rpc.BuildNamed(name, s.ID())
	if err != nil {
		cb(name, nil, err)
		return
	}
	submitErr := s.Request(session.Request{
		MsgType: reqType, RespType: respType, Payload: payload,
	}, func(f *frame.Frame, err error) {
		if err != nil {
			cb(name, nil, err)
			return
		}
		body, err := rpc.ParseNamedObject(op, name, f.Payload)
		cb(name, body, err)
	})
	if submitErr != nil {
		cb(name, nil, submitErr)
	}
}

// CapturePicture requests a still frame from channel and delivers the raw
// image bytes (typically JPEG).
func (r *Recorder) CapturePicture(channel int, cb func(image []byte, err error)) {
	s, err := r.session()
	if err != nil {
		cb(nil, err)
		return
	}
	payload, err := rpc.BuildSnap(s.ID(), channel)
	if err != nil {
		cb(nil, err)
		return
	}
	submitErr := s.Request(session.Request{
		MsgType: rpc.MsgSnapReq, RespType: rpc.MsgSnapResp, Payload: payload,
	}, func(f *frame.Frame, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		// A JSON body in the snap reply is a device-side refusal.
		if isJSONPayload(f.Payload) {
			if env, perr := rpc.ParseEnvelope("recorder.capture_picture", f.Payload); perr != nil {
				cb(nil, perr)
				return
			} else if env.Ret == protoerr.RetOK {
				cb(nil, protoerr.NewProtocolError("recorder.capture_picture",
					fmt.Errorf("snap reply carried no image data")))
				return
			}
		}
		cb(f.Payload, nil)
	})
	if submitErr != nil {
		cb(nil, submitErr)
	}
}

// isJSONPayload distinguishes a JSON control body from binary media bytes.
func isJSONPayload(payload []byte) bool {
	return len(payload) > 0 && payload[0] == '{'
}
