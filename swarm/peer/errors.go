package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"peernet/net/crpc"
)

// ExceptionType tells the connection service what to do with a failing link
type ExceptionType int

const (
	// Recoverable failures leave the remote worth dialing again later.
	Recoverable ExceptionType = iota
	// Unrecoverable failures mean the link must be torn down and forgotten.
	Unrecoverable
)

func (t ExceptionType) String() string {
	if t == Unrecoverable {
		return "Unrecoverable"
	}
	return "Recoverable"
}

type ErrorKind int

const (
	KindBufferFull ErrorKind = iota
	KindPeerNotReady
	KindStreamFailure
	KindDisposed
	KindCancelled
	KindTimeout
	KindRequestFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindBufferFull:
		return "buffer full"
	case KindPeerNotReady:
		return "peer not ready"
	case KindStreamFailure:
		return "stream failure"
	case KindDisposed:
		return "transport disposed"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "request failure"
	}
}

// NetworkError is a runtime failure of a peer link
type NetworkError struct {
	Type ExceptionType
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer %s: %s (%s): %v", e.Peer, e.Kind, e.Type, e.Err)
	}
	return fmt.Sprintf("peer %s: %s (%s)", e.Peer, e.Kind, e.Type)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AsNetworkError extracts a *NetworkError from err
func AsNetworkError(err error) (*NetworkError, bool) {
	var nerr *NetworkError
	if errors.As(err, &nerr) {
		return nerr, true
	}
	return nil, false
}

// classify maps a transport error to a NetworkError. Disposal and cancellation
// are unrecoverable, everything else is left to the reconnection scheduler.
func classify(peerKey string, err error, fallback ErrorKind) *NetworkError {
	nerr := &NetworkError{Type: Recoverable, Kind: fallback, Peer: peerKey, Err: err}
	switch {
	case errors.Is(err, crpc.ErrShutdown), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		nerr.Type = Unrecoverable
		nerr.Kind = KindDisposed
	case errors.Is(err, context.Canceled), isRemoteCancel(err):
		nerr.Type = Unrecoverable
		nerr.Kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		nerr.Kind = KindTimeout
	}
	return nerr
}

func isRemoteCancel(err error) bool {
	var serr crpc.ServerError
	return errors.As(err, &serr) && string(serr) == context.Canceled.Error()
}
