package recorder

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
)

const loginOK = `{"AliveInterval":20,"ChannelNum":4,"Ret":100,"SessionID":"0x0000abcd"}` + "\n\x00"

// fakeDevice speaks the device side over a net.Pipe.
type fakeDevice struct {
	t      *testing.T
	conn   net.Conn
	mu     sync.Mutex
	frames []*frame.Frame
}

func (d *fakeDevice) received() []*frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*frame.Frame(nil), d.frames...)
}

func (d *fakeDevice) push(f *frame.Frame) {
	require.NoError(d.t, frame.NewWriter(d.conn).WriteFrame(f))
}

// newDevice wires a recorder at the given handler. Login requests get the
// built-in reply and are not passed to the handler.
func newDevice(t *testing.T, handler func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool) (*fakeDevice, *Recorder) {
	t.Helper()
	client, server := net.Pipe()
	d := &fakeDevice{t: t, conn: server}
	go func() {
		dec := frame.NewDecoder(server)
		w := frame.NewWriter(server)
		for {
			f, err := dec.ReadFrame()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.frames = append(d.frames, f)
			d.mu.Unlock()
			if f.MsgType == rpc.MsgLoginReq {
				require.NoError(t, w.WriteFrame(&frame.Frame{MsgType: rpc.MsgLoginResp, Payload: []byte(loginOK)}))
				continue
			}
			if handler != nil && !handler(d, f, w) {
				return
			}
		}
	}()
	r := New("device.test", "admin", "admin", DialOptions{
		Dialer: func(string, time.Duration) (net.Conn, error) { return client, nil },
	})
	return d, r
}

func login(t *testing.T, r *Recorder) {
	t.Helper()
	done := make(chan error, 1)
	r.ConnectAndLogin(func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("login did not complete")
	}
}

func TestConnectAndLoginRetriesTransportFailures(t *testing.T) {
	client, server := net.Pipe()
	d := &fakeDevice{t: t, conn: server}
	go func() {
		dec := frame.NewDecoder(server)
		w := frame.NewWriter(server)
		for {
			f, err := dec.ReadFrame()
			if err != nil {
				return
			}
			if f.MsgType == rpc.MsgLoginReq {
				_ = w.WriteFrame(&frame.Frame{MsgType: rpc.MsgLoginResp, Payload: []byte(loginOK)})
			}
		}
	}()
	_ = d

	var attempts int
	var mu sync.Mutex
	r := New("device.test", "admin", "admin", DialOptions{
		Attempts:   3,
		RetryDelay: 10 * time.Millisecond,
		Dialer: func(string, time.Duration) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, fmt.Errorf("connection refused")
			}
			return client, nil
		},
	})
	login(t, r)
	defer r.Close()
	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestConnectAndLoginDoesNotRetryBadCredentials(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	r := New("device.test", "admin", "wrong", DialOptions{
		Attempts:   3,
		RetryDelay: 10 * time.Millisecond,
		Dialer: func(string, time.Duration) (net.Conn, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			client, server := net.Pipe()
			go func() {
				dec := frame.NewDecoder(server)
				w := frame.NewWriter(server)
				for {
					f, err := dec.ReadFrame()
					if err != nil {
						return
					}
					if f.MsgType == rpc.MsgLoginReq {
						_ = w.WriteFrame(&frame.Frame{MsgType: rpc.MsgLoginResp, Payload: []byte(`{"Ret":203}` + "\n\x00")})
					}
				}
			}()
			return client, nil
		},
	})
	done := make(chan error, 1)
	r.ConnectAndLogin(func(err error) { done <- err })
	select {
	case err := <-done:
		code, ok := protoerr.IsRemote(err)
		require.True(t, ok, "want remote, got %v", err)
		require.Equal(t, 203, code)
	case <-time.After(3 * time.Second):
		t.Fatal("login callback never fired")
	}
	mu.Lock()
	require.Equal(t, 1, attempts, "remote rejection must not be retried")
	mu.Unlock()
}

func TestGetChannelNames(t *testing.T) {
	_, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgConfigGetReq {
			var req struct{ Name, SessionID string }
			require.NoError(d.t, frame.DecodeJSONPayload(f.Payload, &req))
			require.Equal(d.t, "ChannelTitle", req.Name)
			require.Equal(d.t, "0x0000ABCD", req.SessionID)
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgConfigGetResp,
				Payload: []byte(`{"Ret":100,"ChannelTitle":["CAM1","CAM2"],"Name":"ChannelTitle"}` + "\n\x00"),
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	done := make(chan []string, 1)
	r.GetChannelNames(func(names []string, err error) {
		require.NoError(t, err)
		done <- names
	})
	select {
	case names := <-done:
		require.Equal(t, []string{"CAM1", "CAM2"}, names)
	case <-time.After(3 * time.Second):
		t.Fatal("no channel names")
	}
}

func TestGetConfigDeliversNamedBody(t *testing.T) {
	_, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgConfigGetReq {
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgConfigGetResp,
				Payload: []byte(`{"Ret":100,"Name":"General.General","General.General":{"MachineName":"NVR7"}}` + "\n\x00"),
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	done := make(chan any, 1)
	r.GetConfig("General.General", func(name string, cfg any, err error) {
		require.NoError(t, err)
		require.Equal(t, "General.General", name)
		done <- cfg
	})
	select {
	case cfg := <-done:
		body := cfg.(map[string]any)
		require.Equal(t, "NVR7", body["MachineName"])
	case <-time.After(3 * time.Second):
		t.Fatal("no config")
	}
}

func TestGetSysInfo(t *testing.T) {
	_, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgSysInfoReq {
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgSysInfoResp,
				Payload: []byte(`{"Ret":100,"Name":"SystemInfo","SystemInfo":{"SerialNo":"a1b2c3"}}` + "\n\x00"),
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	done := make(chan any, 1)
	r.GetSysInfo("SystemInfo", func(_ string, info any, err error) {
		require.NoError(t, err)
		done <- info
	})
	select {
	case info := <-done:
		require.Equal(t, "a1b2c3", info.(map[string]any)["SerialNo"])
	case <-time.After(3 * time.Second):
		t.Fatal("no sysinfo")
	}
}

func TestCapturePicture(t *testing.T) {
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x42}, 500)...)
	_, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgSnapReq {
			var req struct {
				Name   string
				OPSNAP struct{ Channel int }
			}
			require.NoError(d.t, frame.DecodeJSONPayload(f.Payload, &req))
			require.Equal(d.t, "OPSNAP", req.Name)
			require.Equal(d.t, 2, req.OPSNAP.Channel)
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgSnapResp, Payload: jpeg,
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	done := make(chan []byte, 1)
	r.CapturePicture(2, func(image []byte, err error) {
		require.NoError(t, err)
		done <- image
	})
	select {
	case image := <-done:
		require.Equal(t, jpeg, image)
	case <-time.After(3 * time.Second):
		t.Fatal("no image")
	}
}

func TestCapturePictureRemoteFailure(t *testing.T) {
	_, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgSnapReq {
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgSnapResp,
				Payload: []byte(`{"Ret":102,"Name":"OPSNAP"}` + "\n\x00"),
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	done := make(chan error, 1)
	r.CapturePicture(0, func(_ []byte, err error) { done <- err })
	select {
	case err := <-done:
		code, ok := protoerr.IsRemote(err)
		require.True(t, ok, "want remote, got %v", err)
		require.Equal(t, 102, code)
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
	}
}

func TestMonitorAlarms(t *testing.T) {
	d, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgGuardReq {
			// Ack on the push type, then two alarms.
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgAlarmEvent,
				Payload: []byte(`{"Name":"OPGUARD","Ret":100,"SessionID":"0x0000ABCD"}` + "\n\x00"),
			}))
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgAlarmEvent,
				Payload: []byte(`{"Name":"AlarmInfo","AlarmInfo":{"Channel":1,"Event":"MotionDetect","Status":"Start"}}` + "\n\x00"),
			}))
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgAlarmEvent,
				Payload: []byte(`{"Name":"AlarmInfo","AlarmInfo":{"Channel":1,"Event":"MotionDetect","Status":"Stop"}}` + "\n\x00"),
			}))
		}
		return true
	})
	_ = d
	login(t, r)
	defer r.Close()

	events := make(chan *rpc.AlarmEvent, 4)
	handle, err := r.MonitorAlarms(func(ev *rpc.AlarmEvent, err error) {
		require.NoError(t, err)
		events <- ev
	})
	require.NoError(t, err)

	first := <-events
	require.Equal(t, 1, first.Channel)
	require.True(t, first.IsStart)
	require.Equal(t, "MotionDetect", first.EventType)
	second := <-events
	require.False(t, second.IsStart)

	handle.Close()
	select {
	case ev := <-events:
		t.Fatalf("no events expected after close, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveLiveVideo(t *testing.T) {
	container := append([]byte{0x00, 0x00, 0x01, 0xFD, 0x04, 0x00, 0x00, 0x00}, 0xDE, 0xAD, 0xBE, 0xEF)
	d, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgMonitorClaimReq {
			var req struct {
				OPMonitor struct {
					Action    string
					Parameter struct {
						Channel    int
						StreamType string
					}
				}
			}
			require.NoError(d.t, frame.DecodeJSONPayload(f.Payload, &req))
			if req.OPMonitor.Action != "Claim" {
				return true // the Stop frame on close
			}
			require.Equal(d.t, 3, req.OPMonitor.Parameter.Channel)
			require.Equal(d.t, "Main", req.OPMonitor.Parameter.StreamType)
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgMonitorData,
				Payload: []byte(`{"Name":"OPMonitor","Ret":100}` + "\n\x00"),
			}))
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgMonitorData, Payload: container,
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	data := make(chan []byte, 2)
	handle, err := r.ReceiveLiveVideo(3, "", func(b []byte, err error) {
		require.NoError(t, err)
		data <- append([]byte(nil), b...)
	})
	require.NoError(t, err)

	select {
	case got := <-data:
		require.Equal(t, container, got, "raw container bytes must pass through untouched")
	case <-time.After(3 * time.Second):
		t.Fatal("no media push")
	}

	handle.Close()
	require.Eventually(t, func() bool {
		for _, f := range d.received() {
			if f.MsgType != rpc.MsgMonitorClaimReq {
				continue
			}
			var req struct{ OPMonitor struct{ Action string } }
			if frame.DecodeJSONPayload(f.Payload, &req) == nil && req.OPMonitor.Action == "Stop" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "close must send the Stop action")
}

func TestReceiveRemotePlaybackClaim(t *testing.T) {
	d, r := newDevice(t, func(d *fakeDevice, f *frame.Frame, w *frame.Writer) bool {
		if f.MsgType == rpc.MsgPlayBackClaimReq {
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgPlayBackData,
				Payload: []byte(`{"Name":"OPPlayBack","Ret":100}` + "\n\x00"),
			}))
			require.NoError(d.t, w.WriteFrame(&frame.Frame{
				SessionID: f.SessionID, MsgType: rpc.MsgPlayBackData,
				Payload: []byte{0x01, 0x02, 0x03},
			}))
		}
		return true
	})
	login(t, r)
	defer r.Close()

	loc := time.FixedZone("device", 0)
	start := time.Date(2025, 7, 25, 12, 0, 0, 0, loc)
	data := make(chan []byte, 1)
	handle, err := r.ReceiveRemotePlayback(start, start.Add(time.Hour),
		"/idea0/2025-07-25/001/12.00.00-12.37.37[R][@104b0a][0].h264",
		func(b []byte, err error) {
			require.NoError(t, err)
			data <- append([]byte(nil), b...)
		})
	require.NoError(t, err)
	defer handle.Close()

	select {
	case got := <-data:
		require.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no playback push")
	}

	var claim struct {
		OPPlayBack struct {
			Action    string
			Parameter struct{ FileName, StartTime, EndTime string }
		}
	}
	var found bool
	for _, f := range d.received() {
		if f.MsgType == rpc.MsgPlayBackClaimReq {
			require.NoError(t, frame.DecodeJSONPayload(f.Payload, &claim))
			found = true
		}
	}
	require.True(t, found, "claim frame never reached the device")
	require.Equal(t, "Claim", claim.OPPlayBack.Action)
	require.Equal(t, "2025-07-25 12:00:00", claim.OPPlayBack.Parameter.StartTime)
	require.Equal(t, "2025-07-25 13:00:00", claim.OPPlayBack.Parameter.EndTime)
	require.Equal(t, "/idea0/2025-07-25/001/12.00.00-12.37.37[R][@104b0a][0].h264", claim.OPPlayBack.Parameter.FileName)
}

func TestOperationsBeforeLoginFail(t *testing.T) {
	r := New("device.test", "admin", "admin", DialOptions{})
	done := make(chan error, 1)
	r.GetChannelNames(func(_ []string, err error) { done <- err })
	require.Error(t, <-done)
	if _, err := r.MonitorAlarms(func(*rpc.AlarmEvent, error) {}); err == nil {
		t.Fatal("MonitorAlarms before login must fail")
	}
	require.NoError(t, r.Close())
}
