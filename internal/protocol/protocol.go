// Package protocol defines the JSON messages a learner exchanges with the
// simulator server.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReset   = "RESET"
	TypeAct     = "ACT"
	TypeStep    = "STEP"
	TypeObs     = "OBS"
	TypeError   = "ERROR"
)

// Observation encodings a learner may request in HELLO.
const (
	EncodingJSON   = "json"
	EncodingBinary = "binary"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
