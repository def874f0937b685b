package recorder

// Streaming operations: alarm monitoring, live video, remote playback.
// Each claims a push channel with a one-shot style request whose replies and
// data arrive on the same inbound message type, so the subscription is
// registered first and the claim acknowledgement is consumed inside it. The
// returned handle stops the stream; closing it sends the operation's Stop
// action best-effort.

import (
	"time"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
	"github.com/alxayo/go-sofia/internal/sofia/session"
)

// StreamHandle stops a running subscription. Close is idempotent.
type StreamHandle interface {
	Close()
}

// AlarmFunc receives decoded alarm pushes; err is the single terminal error
// if the subscription dies without a user close.
type AlarmFunc func(ev *rpc.AlarmEvent, err error)

// MonitorAlarms subscribes to guard events. Every alarm push is decoded and
// delivered until the handle is closed or the session ends.
func (r *Recorder) MonitorAlarms(cb AlarmFunc) (StreamHandle, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	var sub *session.Subscription
	sub, err = s.Subscribe(rpc.MsgAlarmEvent, func(f *frame.Frame) {
		if ok, perr := consumeAck(f.Payload, "recorder.monitor_alarms"); ok {
			if perr != nil {
				sub.Fail(perr)
			}
			return
		}
		ev, perr := rpc.ParseAlarmEvent(f.Payload)
		if perr != nil {
			sub.Fail(perr)
			return
		}
		cb(ev, nil)
	}, func(cause error) {
		cb(nil, cause)
	}, nil)
	if err != nil {
		return nil, err
	}
	payload, err := rpc.BuildGuard(s.ID())
	if err != nil {
		sub.Close()
		return nil, err
	}
	if err := s.Send(rpc.MsgGuardReq, payload); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// DataFunc receives raw captured-stream container bytes; err is the single
// terminal error if the stream dies without a user close. Feed the bytes to
// a stream.Parser to split them into frames.
type DataFunc func(data []byte, err error)

// ReceiveLiveVideo claims the live stream of one channel. streamType selects
// "Main" or "Extra"; empty means Main.
func (r *Recorder) ReceiveLiveVideo(channel int, streamType string, cb DataFunc) (StreamHandle, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	id := s.ID()
	stop := func() (uint16, []byte) {
		payload, err := rpc.BuildMonitor(id, "Stop", channel, streamType)
		if err != nil {
			return 0, nil
		}
		return rpc.MsgMonitorClaimReq, payload
	}
	sub, err := r.claimStream(s, rpc.MsgMonitorData, "recorder.live_video", cb, stop)
	if err != nil {
		return nil, err
	}
	claim, err := rpc.BuildMonitor(id, "Claim", channel, streamType)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if err := s.Send(rpc.MsgMonitorClaimReq, claim); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// ReceiveRemotePlayback claims playback of a recorded file between start and
// end. Times are formatted in their own location; pass device-local values.
func (r *Recorder) ReceiveRemotePlayback(start, end time.Time, fileName string, cb DataFunc) (StreamHandle, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	id := s.ID()
	stop := func() (uint16, []byte) {
		payload, err := rpc.BuildPlayBack(id, "Stop", fileName, start, end)
		if err != nil {
			return 0, nil
		}
		return rpc.MsgPlayBackClaimReq, payload
	}
	sub, err := r.claimStream(s, rpc.MsgPlayBackData, "recorder.playback", cb, stop)
	if err != nil {
		return nil, err
	}
	claim, err := rpc.BuildPlayBack(id, "Claim", fileName, start, end)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if err := s.Send(rpc.MsgPlayBackClaimReq, claim); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// claimStream registers the data subscription shared by live and playback.
func (r *Recorder) claimStream(s *session.Session, msgType uint16, op string, cb DataFunc, stop session.StopFunc) (*session.Subscription, error) {
	var sub *session.Subscription
	sub, err := s.Subscribe(msgType, func(f *frame.Frame) {
		if ok, perr := consumeAck(f.Payload, op); ok {
			if perr != nil {
				sub.Fail(perr)
			}
			return
		}
		cb(f.Payload, nil)
	}, func(cause error) {
		cb(nil, cause)
	}, stop)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// consumeAck recognizes the JSON claim acknowledgement that shares the data
// push type. Returns ok=true when the frame was an ack (successful or not);
// a non-success Ret comes back as the error.
func consumeAck(payload []byte, op string) (bool, error) {
	if !isJSONPayload(payload) {
		return false, nil
	}
	var env struct {
		Ret  *int   `json:"Ret"`
		Name string `json:"Name"`
	}
	if err := frame.DecodeJSONPayload(payload, &env); err != nil || env.Ret == nil {
		// JSON-looking media bytes or an alarm push without Ret: not an ack.
		return false, nil
	}
	switch env.Name {
	case "OPMonitor", "OPPlayBack", "OPGUARD":
		if *env.Ret != protoerr.RetOK {
			return true, protoerr.NewRemoteError(op, *env.Ret)
		}
		return true, nil
	}
	return false, nil
}
