package crpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type EchoArgs struct {
	Text string `cbor:"1,keyasint,omitempty"`
}

type EchoReply struct {
	Text   string `cbor:"1,keyasint,omitempty"`
	Caller string `cbor:"2,keyasint,omitempty"`
}

type Echo struct{}

func (e *Echo) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	info, ok := CallInfoFromContext(ctx)
	if !ok {
		return errors.New("no call info")
	}
	reply.Text = args.Text
	reply.Caller = info.Pubkey
	return nil
}

func (e *Echo) Fail(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	return errors.New("failed on purpose")
}

// Stall only returns once the server shuts down
func (e *Echo) Stall(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	<-ctx.Done()
	return ctx.Err()
}

func startServer(t *testing.T, interceptors ...Interceptor) (*Server, context.CancelFunc) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(l)
	require.NoError(t, srv.Register(&Echo{}))
	for _, i := range interceptors {
		srv.Use(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(cancel)
	return srv, cancel
}

func TestCallRoundTrip(t *testing.T) {
	srv, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "tcp", srv.Addr().String(), "alice")
	require.NoError(t, err)
	defer c.Close()

	reply := &EchoReply{}
	require.NoError(t, c.Call(ctx, "Echo.Say", &EchoArgs{Text: "hello"}, reply))
	require.Equal(t, "hello", reply.Text)
	require.Equal(t, "alice", reply.Caller)

	err = c.Call(ctx, "Echo.Fail", &EchoArgs{}, &EchoReply{})
	var serr ServerError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "failed on purpose", serr.Error())

	// The connection survives handler errors
	require.NoError(t, c.Call(ctx, "Echo.Say", &EchoArgs{Text: "again"}, reply))
	require.Equal(t, "again", reply.Text)
}

func TestInterceptorRejectsBeforeHandler(t *testing.T) {
	srv, _ := startServer(t, func(ctx context.Context, info *CallInfo) error {
		if info.Pubkey != "known" {
			return errors.New("unauthenticated")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stranger, err := Dial(ctx, "tcp", srv.Addr().String(), "stranger")
	require.NoError(t, err)
	defer stranger.Close()

	err = stranger.Call(ctx, "Echo.Say", &EchoArgs{Text: "hi"}, &EchoReply{})
	require.EqualError(t, err, "unauthenticated")

	known, err := Dial(ctx, "tcp", srv.Addr().String(), "known")
	require.NoError(t, err)
	defer known.Close()
	require.NoError(t, known.Call(ctx, "Echo.Say", &EchoArgs{Text: "hi"}, &EchoReply{}))
}

func TestCallAfterCloseFails(t *testing.T) {
	srv, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "tcp", srv.Addr().String(), "")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Close(), ErrShutdown)
	require.True(t, c.IsShutdown())

	err = c.Call(ctx, "Echo.Say", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestServerShutdownFailsPendingCalls(t *testing.T) {
	srv, stop := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "tcp", srv.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Call(ctx, "Echo.Say", &EchoArgs{}, &EchoReply{}))

	stop()
	require.Eventually(t, c.IsShutdown, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, c.Call(ctx, "Echo.Say", &EchoArgs{}, &EchoReply{}), ErrShutdown)
}

func TestCancelledCallIsForgotten(t *testing.T) {
	srv, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "tcp", srv.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	cctx, ccancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer ccancel()
	err = c.Call(cctx, "Echo.Stall", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.mutex.Lock()
	pending := len(c.pending)
	c.mutex.Unlock()
	require.Zero(t, pending)
}
