package rpc

// Request builders.
// Each builder produces the JSON payload (with protocol trailer) for one
// request type. SessionID strings are rendered in the device's hex form; the
// zero id is only valid for the login request itself.

import (
	"fmt"
	"time"

	"github.com/alxayo/go-sofia/internal/sofia/frame"
	"github.com/alxayo/go-sofia/internal/sofia/hash"
)

// FormatSessionID renders a session id the way devices expect it in JSON
// payloads, e.g. 0x0000ABCD.
func FormatSessionID(id uint32) string { return fmt.Sprintf("0x%08X", id) }

// TimeLayout is the wall-clock format used in playback requests. The zone is
// implicit: values are interpreted in the device's local time.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders t in the device wall-clock format using t's own
// location. Callers pick the device zone explicitly via time.Time.In.
func FormatTimestamp(t time.Time) string { return t.Format(TimeLayout) }

// LoginRequest is the payload of MsgLoginReq.
type LoginRequest struct {
	EncryptType string `json:"EncryptType"`
	LoginType   string `json:"LoginType"`
	PassWord    string `json:"PassWord"`
	UserName    string `json:"UserName"`
}

// BuildLogin derives the Sofia hash from the cleartext password and encodes
// the login payload.
func BuildLogin(username, password string) ([]byte, error) {
	return frame.EncodeJSONPayload(&LoginRequest{
		EncryptType: "MD5",
		LoginType:   "DVR-Recorder",
		PassWord:    hash.Sofia(password),
		UserName:    username,
	})
}

// namedRequest covers the requests that carry only a Name and SessionID
// (logout, keep-alive, config reads, sysinfo reads, guard).
type namedRequest struct {
	Name      string `json:"Name"`
	SessionID string `json:"SessionID"`
}

// BuildNamed encodes a Name+SessionID request payload.
func BuildNamed(name string, sessionID uint32) ([]byte, error) {
	return frame.EncodeJSONPayload(&namedRequest{Name: name, SessionID: FormatSessionID(sessionID)})
}

// BuildKeepAlive encodes the keep-alive probe payload.
func BuildKeepAlive(sessionID uint32) ([]byte, error) {
	return BuildNamed("KeepAlive", sessionID)
}

// BuildLogout encodes the logout payload sent best-effort on graceful close.
func BuildLogout(sessionID uint32) ([]byte, error) {
	return BuildNamed("Logout", sessionID)
}

// SnapParams selects the channel for a still capture.
type SnapParams struct {
	Channel int `json:"Channel"`
}

type snapRequest struct {
	Name      string     `json:"Name"`
	SessionID string     `json:"SessionID"`
	OPSNAP    SnapParams `json:"OPSNAP"`
}

// BuildSnap encodes the still-picture capture request.
func BuildSnap(sessionID uint32, channel int) ([]byte, error) {
	return frame.EncodeJSONPayload(&snapRequest{
		Name:      "OPSNAP",
		SessionID: FormatSessionID(sessionID),
		OPSNAP:    SnapParams{Channel: channel},
	})
}

// MonitorParams parameterize a live stream claim.
type MonitorParams struct {
	Channel    int    `json:"Channel"`
	CombinMode string `json:"CombinMode"`
	StreamType string `json:"StreamType"`
	TransMode  string `json:"TransMode"`
}

type monitorAction struct {
	Action    string        `json:"Action"`
	Parameter MonitorParams `json:"Parameter"`
}

type monitorRequest struct {
	Name      string        `json:"Name"`
	SessionID string        `json:"SessionID"`
	OPMonitor monitorAction `json:"OPMonitor"`
}

// BuildMonitor encodes a live-video claim or stop frame. action is "Claim"
// or "Stop"; streamType selects "Main" or "Extra".
func BuildMonitor(sessionID uint32, action string, channel int, streamType string) ([]byte, error) {
	if streamType == "" {
		streamType = "Main"
	}
	return frame.EncodeJSONPayload(&monitorRequest{
		Name:      "OPMonitor",
		SessionID: FormatSessionID(sessionID),
		OPMonitor: monitorAction{
			Action: action,
			Parameter: MonitorParams{
				Channel:    channel,
				CombinMode: "NONE",
				StreamType: streamType,
				TransMode:  "TCP",
			},
		},
	})
}

// PlayBackParams parameterize a remote playback claim.
type PlayBackParams struct {
	FileName  string `json:"FileName"`
	StartTime string `json:"StartTime"`
	EndTime   string `json:"EndTime"`
	TransMode string `json:"TransMode"`
}

type playBackAction struct {
	Action    string         `json:"Action"`
	Parameter PlayBackParams `json:"Parameter"`
}

type playBackRequest struct {
	Name       string         `json:"Name"`
	SessionID  string         `json:"SessionID"`
	OPPlayBack playBackAction `json:"OPPlayBack"`
}

// BuildPlayBack encodes a playback claim or stop frame. Times are formatted
// in their own location (device-local by caller's choice).
func BuildPlayBack(sessionID uint32, action, fileName string, start, end time.Time) ([]byte, error) {
	return frame.EncodeJSONPayload(&playBackRequest{
		Name:      "OPPlayBack",
		SessionID: FormatSessionID(sessionID),
		OPPlayBack: playBackAction{
			Action: action,
			Parameter: PlayBackParams{
				FileName:  fileName,
				StartTime: FormatTimestamp(start),
				EndTime:   FormatTimestamp(end),
				TransMode: "TCP",
			},
		},
	})
}

// BuildGuard encodes the alarm-monitoring subscription request.
func BuildGuard(sessionID uint32) ([]byte, error) {
	return BuildNamed("OPGUARD", sessionID)
}
