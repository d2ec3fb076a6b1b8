package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("connection is shut down")

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when Go is complete.

	seq uint64
}

type Client struct {
	conn     io.ReadWriteCloser
	identity string

	sending sync.Mutex // serializes request encoding
	encoder *cbor.Encoder

	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // server has told us to stop
}

func (client *Client) send(call *Call) {
	client.sending.Lock()
	defer client.sending.Unlock()

	// Register this call.
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	call.seq = seq
	client.pending[seq] = call
	client.mutex.Unlock()

	// Encode and send the request.
	req := &RequestHeader{
		Method: call.ServiceMethod,
		Seq:    seq,
		Pubkey: client.identity,
	}

	err := client.encoder.Encode(req)
	if err == nil {
		err = client.encoder.Encode(call.Args)
	}

	// If either request encoding fails, we should remove the call from pending map
	if err != nil {
		client.mutex.Lock()
		call = client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()
		if call != nil {
			call.Error = err
			call.done()
		}
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// We don't want to block here. It is the caller's responsibility to make
		// sure the channel has enough buffer space. See comment in Go().
		log.Debugf("rpc: discarding Call reply due to insufficient Done chan capacity")
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		err = decoder.Decode(&response)
		if err != nil {
			// Error will be handled by the cleanup logic after the loop
			break
		}

		seq := response.Seq

		client.mutex.Lock()
		call, ok := client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		switch {
		case call == nil:
			// No pending call: the request write failed or the caller gave up waiting.
			// We should still attempt to read the body and ignore the potential error response.
			if response.Err == "" {
				var dummy cbor.RawMessage
				if e := decoder.Decode(&dummy); e != nil {
					err = e
					log.Warnf("rpc: error consuming body for unknown sequence %d: %v", seq, err)
				}
			}
			log.Debugf("rpc: received reply for unknown sequence %d (call %t), discarding", seq, ok)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			err = decoder.Decode(call.Reply)
			if err != nil {
				call.Error = err
			}
			call.done()
		}
	}

	// Terminate pending calls
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	shutdownError := err
	if client.closing || err == io.EOF || errors.Is(err, net.ErrClosed) {
		shutdownError = ErrShutdown
	}

	if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		log.Warnf("rpc: client input loop error: %v. Notifying pending calls with: %v", err, shutdownError)
	} else {
		log.Debugf("rpc: client connection closed. Notifying pending calls with: %v", shutdownError)
	}

	for _, call := range client.pending {
		call.Error = shutdownError
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

// NewClient wraps an established connection. Every request is stamped with identity.
func NewClient(conn io.ReadWriteCloser, identity string) *Client {
	client := &Client{
		conn:     conn,
		identity: identity,
		encoder:  cbor.NewEncoder(conn),
		pending:  make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(ctx context.Context, network, address, identity string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, identity), nil
}

// Go invokes the function asynchronously. It returns the Call structure representing
// the invocation. The done channel will signal when the call is complete by returning
// the same Call object. If done is nil, Go will allocate a new channel.
func (client *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	call := new(Call)
	call.ServiceMethod = serviceMethod
	call.Args = args
	call.Reply = reply
	if done == nil {
		done = make(chan *Call, 1) // buffered.
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the named function, waits for it to complete, and returns its error status.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := client.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		client.forget(call)
		return ctx.Err()
	case resp := <-call.Done:
		return resp.Error
	}
}

// forget drops an abandoned call. A late reply for it is discarded by input().
func (client *Client) forget(call *Call) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.pending[call.seq] == call {
		delete(client.pending, call.seq)
	}
}

// IsShutdown reports whether the client can no longer issue calls.
func (client *Client) IsShutdown() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.closing || client.shutdown
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close() // This will cause client.input() to exit and cleanup
}
