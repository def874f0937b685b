package frame

// JSON payload helpers.
// Control payloads are UTF-8 JSON terminated by a trailing 0x0A 0x00. Devices
// are sloppy about the exact trailer on replies, so decode strips any run of
// trailing NUL and LF bytes before parsing.

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeJSONPayload serializes obj and appends the protocol trailer.
func EncodeJSONPayload(obj any) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, protoerr.NewProtocolError("frame.encode_json", err)
	}
	return append(data, '\n', 0x00), nil
}

// DecodeJSONPayload strips the trailer and unmarshals into v.
func DecodeJSONPayload(payload []byte, v any) error {
	trimmed := TrimJSONTrailer(payload)
	if len(trimmed) == 0 {
		return protoerr.NewProtocolError("frame.decode_json", fmt.Errorf("empty payload"))
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return protoerr.NewProtocolError("frame.decode_json", err)
	}
	return nil
}

// TrimJSONTrailer removes any trailing NUL and LF bytes.
func TrimJSONTrailer(payload []byte) []byte {
	end := len(payload)
	for end > 0 && (payload[end-1] == 0x00 || payload[end-1] == '\n') {
		end--
	}
	return payload[:end]
}
