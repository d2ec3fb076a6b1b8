package node

import (
	"errors"
	"fmt"
	"peernet/swarm/protocol"
)

var (
	ErrSelfConnection = errors.New("refusing to connect to self")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotConfirmed   = errors.New("handshake not confirmed")
	ErrRateLimited    = errors.New("too many handshakes")
	ErrNoPeers        = errors.New("no peer available")
	ErrTooManyPeers   = errors.New("peer limit reached")
)

// RejectedError is a handshake refused either by the remote (reply codes) or
// locally while validating the remote's reply.
type RejectedError struct {
	Endpoint  string
	Handshake protocol.HandshakeError
	Connect   protocol.ConnectError
	Local     bool
}

func (e *RejectedError) Error() string {
	side := "remote"
	if e.Local {
		side = "local"
	}
	if e.Handshake != protocol.HandshakeOk {
		return fmt.Sprintf("handshake with %s rejected (%s): %s", e.Endpoint, side, e.Handshake)
	}
	return fmt.Sprintf("connection to %s rejected (%s): %s", e.Endpoint, side, e.Connect)
}

// Permanent reports whether the endpoint must not be dialed again.
// RepeatedConnection counts: the remote already holds a healthy link to us.
func (e *RejectedError) Permanent() bool {
	switch e.Handshake {
	case protocol.WrongSignature, protocol.ChainMismatch, protocol.ProtocolMismatch:
		return true
	}
	return e.Connect == protocol.RepeatedConnection
}
