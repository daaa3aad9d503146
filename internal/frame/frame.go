package frame

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Size bounds for datagram payloads. Control traffic is tiny; data frames
// carry whole transactions.
const (
	MaxControlSize = 512
	MaxDataSize    = 65536
)

// Commands accepted by the broker.
const (
	CmdRegister     = "register"
	CmdUnregister   = "unregister"
	CmdRefresh      = "refresh"
	CmdSetSubs      = "set_subs"
	CmdAddSubs      = "add_subs"
	CmdRemSubs      = "rem_subs"
	CmdInfo         = "info"
	CmdPing         = "ping"
	CmdIsRegistered = "is_registered"
	CmdStop         = "stop"
)

// Notices emitted by the broker.
const (
	InfoStreamData   = "stream_data"
	InfoClientInfo   = "client_info"
	InfoError        = "error"
	InfoRefreshReq   = "refresh_req"
	InfoClientDelete = "client_delete"
	InfoStop         = "stop"
	InfoPingAnswer   = "ping_answer"
	InfoRegistered   = "registered"
)

var (
	ErrEmpty     = errors.New("frame: empty payload")
	ErrMalformed = errors.New("frame: malformed payload")
)

// Frame is a single protocol record. Inbound frames carry Command, outbound
// frames carry Info; the remaining fields are present as each message type
// requires. Data is always encoded so a false or zero payload survives the
// round trip. Unknown map keys are ignored on decode.
type Frame struct {
	Command string   `msgpack:"command,omitempty"`
	Info    string   `msgpack:"info,omitempty"`
	Name    string   `msgpack:"name,omitempty"`
	Mode    string   `msgpack:"mode,omitempty"`
	Subs    []string `msgpack:"subs,omitempty"`
	Data    any      `msgpack:"data"`
}

// Encode serializes a single frame.
func Encode(f Frame) ([]byte, error) {
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("frame encode: %w", err)
	}
	return b, nil
}

// EncodeBatch serializes an ordered list of frames. The receiver processes a
// batch exactly as if its records arrived back to back.
func EncodeBatch(fs []Frame) ([]byte, error) {
	b, err := msgpack.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("frame encode batch: %w", err)
	}
	return b, nil
}

// Decode parses a payload as singleton-or-batch and returns the records in
// arrival order. The shape is detected from the leading msgpack type tag: an
// array header means batch, a map header means singleton.
func Decode(b []byte) ([]Frame, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	if isArrayHeader(b[0]) {
		var fs []Frame
		if err := msgpack.Unmarshal(b, &fs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return fs, nil
	}
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []Frame{f}, nil
}

func isArrayHeader(c byte) bool {
	return c >= 0x90 && c <= 0x9f || c == 0xdc || c == 0xdd
}

// DataString returns the data field as a string, for error notices.
func (f Frame) DataString() (string, bool) {
	s, ok := f.Data.(string)
	return s, ok
}

// DataBool returns the data field as a bool, for registered notices.
func (f Frame) DataBool() (bool, bool) {
	b, ok := f.Data.(bool)
	return b, ok
}
