package rpc

// Reply envelope parsing.
// Every JSON reply carries Ret (int) and usually Name and SessionID. The
// helpers here validate the envelope, surface Ret != 100 as RemoteError, and
// extract the operation-specific bodies the recorder needs.

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/sofia/frame"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the common shape of every control reply.
type Envelope struct {
	Ret       int    `json:"Ret"`
	Name      string `json:"Name"`
	SessionID string `json:"SessionID"`
}

// ParseSessionID parses the device's hex string form ("0x0000ABCD",
// case-insensitive prefix and digits) into the 32-bit id.
func ParseSessionID(s string) (uint32, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "0x") {
		return 0, protoerr.NewProtocolError("rpc.parse_session_id",
			fmt.Errorf("missing 0x prefix in %q", s))
	}
	v, err := strconv.ParseUint(lower[2:], 16, 32)
	if err != nil {
		return 0, protoerr.NewProtocolError("rpc.parse_session_id", err)
	}
	return uint32(v), nil
}

// ParseEnvelope decodes the reply payload and checks Ret. A non-success Ret
// returns both the envelope and a RemoteError so callers can still read the
// session id on failed logins.
func ParseEnvelope(op string, payload []byte) (*Envelope, error) {
	var env Envelope
	if err := frame.DecodeJSONPayload(payload, &env); err != nil {
		return nil, err
	}
	if env.Ret != protoerr.RetOK {
		return &env, protoerr.NewRemoteError(op, env.Ret)
	}
	return &env, nil
}

// LoginReply carries the fields the session needs from a successful login.
type LoginReply struct {
	SessionID     uint32
	AliveInterval int // seconds
	ChannelNum    int
	DeviceType    string
}

// ParseLoginReply validates the login response and extracts the session id
// and keep-alive interval.
func ParseLoginReply(payload []byte) (*LoginReply, error) {
	var raw struct {
		Envelope
		AliveInterval int    `json:"AliveInterval"`
		ChannelNum    int    `json:"ChannelNum"`
		DeviceType    string `json:"DeviceType "` // some firmwares emit the trailing space
		DeviceTypeAlt string `json:"DeviceType"`
	}
	if err := frame.DecodeJSONPayload(payload, &raw); err != nil {
		return nil, err
	}
	if raw.Ret != protoerr.RetOK {
		return nil, protoerr.NewRemoteError("rpc.login", raw.Ret)
	}
	id, err := ParseSessionID(raw.SessionID)
	if err != nil {
		return nil, err
	}
	if raw.AliveInterval <= 0 {
		return nil, protoerr.NewProtocolError("rpc.login",
			fmt.Errorf("non-positive AliveInterval %d", raw.AliveInterval))
	}
	devType := raw.DeviceType
	if devType == "" {
		devType = raw.DeviceTypeAlt
	}
	return &LoginReply{
		SessionID:     id,
		AliveInterval: raw.AliveInterval,
		ChannelNum:    raw.ChannelNum,
		DeviceType:    devType,
	}, nil
}

// ParseChannelTitles extracts the channel name list from a ChannelTitle
// config reply.
func ParseChannelTitles(payload []byte) ([]string, error) {
	var raw struct {
		Envelope
		ChannelTitle []string `json:"ChannelTitle"`
	}
	if err := frame.DecodeJSONPayload(payload, &raw); err != nil {
		return nil, err
	}
	if raw.Ret != protoerr.RetOK {
		return nil, protoerr.NewRemoteError("rpc.channel_titles", raw.Ret)
	}
	if raw.ChannelTitle == nil {
		return nil, protoerr.NewProtocolError("rpc.channel_titles",
			fmt.Errorf("reply missing ChannelTitle array"))
	}
	return raw.ChannelTitle, nil
}

// ParseNamedObject extracts the body keyed by the request's Name from a
// config or sysinfo reply, returning it as a decoded JSON value.
func ParseNamedObject(op, name string, payload []byte) (any, error) {
	var raw map[string]jsoniter.RawMessage
	if err := frame.DecodeJSONPayload(payload, &raw); err != nil {
		return nil, err
	}
	var ret int
	if r, ok := raw["Ret"]; ok {
		if err := json.Unmarshal(r, &ret); err != nil {
			return nil, protoerr.NewProtocolError(op, fmt.Errorf("bad Ret field: %w", err))
		}
	} else {
		return nil, protoerr.NewProtocolError(op, fmt.Errorf("reply missing Ret"))
	}
	if ret != protoerr.RetOK {
		return nil, protoerr.NewRemoteError(op, ret)
	}
	body, ok := raw[name]
	if !ok {
		return nil, protoerr.NewProtocolError(op, fmt.Errorf("reply missing %q body", name))
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, protoerr.NewProtocolError(op, err)
	}
	return decoded, nil
}

// AlarmEvent is one decoded alarm push.
type AlarmEvent struct {
	Channel   int
	IsStart   bool
	EventType string
	Raw       []byte // whole JSON payload, trailer stripped
}

// ParseAlarmEvent decodes an alarm push (MsgAlarmEvent). Pushes carry an
// AlarmInfo body with Channel, Event and Status fields.
func ParseAlarmEvent(payload []byte) (*AlarmEvent, error) {
	var raw struct {
		Name      string `json:"Name"`
		AlarmInfo struct {
			Channel int    `json:"Channel"`
			Event   string `json:"Event"`
			Status  string `json:"Status"`
		} `json:"AlarmInfo"`
	}
	if err := frame.DecodeJSONPayload(payload, &raw); err != nil {
		return nil, err
	}
	return &AlarmEvent{
		Channel:   raw.AlarmInfo.Channel,
		IsStart:   strings.EqualFold(raw.AlarmInfo.Status, "Start"),
		EventType: raw.AlarmInfo.Event,
		Raw:       append([]byte(nil), frame.TrimJSONTrailer(payload)...),
	}, nil
}
