package protocol

import "fmt"

// HandshakeError is the outcome of handshake validation
type HandshakeError int

const (
	HandshakeOk HandshakeError = iota
	ChainMismatch
	ProtocolMismatch
	WrongSignature
	InvalidHandshake // missing fields, stale or skewed timestamp, self connection
)

func (e HandshakeError) String() string {
	switch e {
	case HandshakeOk:
		return "HandshakeOk"
	case ChainMismatch:
		return "ChainMismatch"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case WrongSignature:
		return "WrongSignature"
	case InvalidHandshake:
		return "InvalidHandshake"
	default:
		return fmt.Sprintf("HandshakeError(%d)", int(e))
	}
}

// ConnectError is the outcome of admitting a validated peer into the pool
type ConnectError int

const (
	ConnectOk ConnectError = iota
	ConnectionRefused
	RepeatedConnection
	InvalidConnection // dial back to the peer failed
)

func (e ConnectError) String() string {
	switch e {
	case ConnectOk:
		return "ConnectOk"
	case ConnectionRefused:
		return "ConnectionRefused"
	case RepeatedConnection:
		return "RepeatedConnection"
	case InvalidConnection:
		return "InvalidConnection"
	default:
		return fmt.Sprintf("ConnectError(%d)", int(e))
	}
}
