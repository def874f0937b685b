package rpc

// Message type catalogue for the NetSurveillance control protocol.
// The set is closed: devices reply on the fixed response type paired with
// each request type, and media/alarm data arrives as pushes on the response
// type of the claiming request.
const (
	MsgLoginReq     uint16 = 1000
	MsgLoginResp    uint16 = 1001
	MsgLogoutReq    uint16 = 1002
	MsgLogoutResp   uint16 = 1003
	MsgKeepAliveReq uint16 = 1006
	MsgKeepAliveRsp uint16 = 1007

	MsgSysInfoReq  uint16 = 1020
	MsgSysInfoResp uint16 = 1021

	MsgConfigGetReq  uint16 = 1042
	MsgConfigGetResp uint16 = 1043

	MsgSnapReq  uint16 = 1280
	MsgSnapResp uint16 = 1281

	MsgMonitorClaimReq  uint16 = 1410
	MsgMonitorData      uint16 = 1411
	MsgPlayBackClaimReq uint16 = 1420
	MsgPlayBackData     uint16 = 1421

	MsgGuardReq   uint16 = 1500
	MsgAlarmEvent uint16 = 1501
)

// asyncEventTypes lists inbound types the device may push without a matching
// subscription; the session drops these silently instead of logging them as
// unexpected traffic.
var asyncEventTypes = map[uint16]bool{
	MsgAlarmEvent:   true,
	MsgMonitorData:  true,
	MsgPlayBackData: true,
}

// IsAsyncEvent reports whether msgType is a known unsolicited push type.
func IsAsyncEvent(msgType uint16) bool { return asyncEventTypes[msgType] }
