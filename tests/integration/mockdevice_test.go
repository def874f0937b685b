package integration

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
)

// mockDevice is an in-process NVR speaking the control protocol over a real
// TCP listener. One connection at a time; handler returns false to hang up.
type mockDevice struct {
	t        *testing.T
	listener net.Listener

	mu     sync.Mutex
	frames []*frame.Frame
	conn   net.Conn
	writer *frame.Writer
}

type deviceHandler func(d *mockDevice, f *frame.Frame, w *frame.Writer) bool

const mockLoginOK = `{"AliveInterval":20,"ChannelNum":4,"Ret":100,"SessionID":"0x0000abcd"}` + "\n\x00"

func startMockDevice(t *testing.T, handler deviceHandler) *mockDevice {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &mockDevice{t: t, listener: l}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.conn = conn
			d.writer = frame.NewWriter(conn)
			d.mu.Unlock()
			d.serve(conn, handler)
		}
	}()
	return d
}

func (d *mockDevice) serve(conn net.Conn, handler deviceHandler) {
	defer conn.Close()
	dec := frame.NewDecoder(conn)
	w := frame.NewWriter(conn)
	for {
		f, err := dec.ReadFrame()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.frames = append(d.frames, f)
		d.mu.Unlock()
		if handler != nil && !handler(d, f, w) {
			return
		}
	}
}

func (d *mockDevice) addr() string { return d.listener.Addr().String() }

func (d *mockDevice) received() []*frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*frame.Frame(nil), d.frames...)
}

func (d *mockDevice) countType(msgType uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.frames {
		if f.MsgType == msgType {
			n++
		}
	}
	return n
}

// push writes an unsolicited frame on the live connection.
func (d *mockDevice) push(f *frame.Frame) {
	d.mu.Lock()
	w := d.writer
	d.mu.Unlock()
	require.NotNil(d.t, w, "no active device connection")
	require.NoError(d.t, w.WriteFrame(f))
}

// answerLogin is the default handler core: login and keep-alive replies.
// Returns true when the frame was consumed.
func answerLogin(d *mockDevice, f *frame.Frame, w *frame.Writer) bool {
	switch f.MsgType {
	case rpc.MsgLoginReq:
		require.NoError(d.t, w.WriteFrame(&frame.Frame{
			MsgType: rpc.MsgLoginResp, Payload: []byte(mockLoginOK),
		}))
		return true
	case rpc.MsgKeepAliveReq:
		require.NoError(d.t, w.WriteFrame(&frame.Frame{
			SessionID: f.SessionID, MsgType: rpc.MsgKeepAliveRsp,
			Payload: []byte(`{"Name":"KeepAlive","Ret":100,"SessionID":"0x0000ABCD"}` + "\n\x00"),
		}))
		return true
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
