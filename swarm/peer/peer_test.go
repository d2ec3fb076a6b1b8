package peer

import (
	"context"
	"errors"
	"peernet/chainhash"
	"peernet/datamodel/chain"
	"peernet/net/crpc"
	"peernet/swarm/protocol"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	release chan struct{} // when set, sends block until it is closed

	mu            sync.Mutex
	sendErr       error
	pingErr       error
	announcements []*chain.BlockAnnouncement
	transactions  []*chain.Transaction
	blocks        []*chain.Block
	libs          []*chain.LibAnnouncement
	disconnects   int
	closes        int
}

func (f *fakeTransport) wait(ctx context.Context) error {
	if f.release == nil {
		return nil
	}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Disconnect(ctx context.Context, reason *protocol.DisconnectReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) RequestBlock(ctx context.Context, h chainhash.Hash) (*chain.Block, error) {
	return &chain.Block{}, nil
}

func (f *fakeTransport) RequestBlocks(ctx context.Context, previous chainhash.Hash, count int) ([]*chain.Block, error) {
	return nil, nil
}

func (f *fakeTransport) SendAnnouncements(ctx context.Context, items []*chain.BlockAnnouncement) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announcements = append(f.announcements, items...)
	return f.sendErr
}

func (f *fakeTransport) SendTransactions(ctx context.Context, items []*chain.Transaction) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, items...)
	return f.sendErr
}

func (f *fakeTransport) SendBlocks(ctx context.Context, items []*chain.Block) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, items...)
	return f.sendErr
}

func (f *fakeTransport) SendLibAnnouncements(ctx context.Context, items []*chain.LibAnnouncement) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.libs = append(f.libs, items...)
	return f.sendErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

func newTestPeer(t *testing.T, tr *fakeTransport, opts Options) *Peer {
	t.Helper()
	id := Identity{Pubkey: []byte{0x04, 0x01, 0x02}, Endpoint: "10.0.0.1:6800", ProtocolVersion: 1, ChainID: 9992731}
	p := New(id, tr, false, opts)
	t.Cleanup(func() { p.Disconnect(context.Background(), false) })
	return p
}

func TestEnqueueOverflowFailsOnlyExtraItem(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{})}
	opts := DefaultOptions()
	opts.BlockQueueLimit = 3
	p := newTestPeer(t, tr, opts)

	var earlyErrors atomic.Int32
	for i := 0; i < 3; i++ {
		p.EnqueueBlock(&chain.Block{Header: chain.BlockHeader{Height: uint64(i)}}, func(error) {
			earlyErrors.Add(1)
		})
	}

	overflow := make(chan error, 1)
	p.EnqueueBlock(&chain.Block{Header: chain.BlockHeader{Height: 99}}, func(err error) {
		overflow <- err
	})

	select {
	case err := <-overflow:
		nerr, ok := AsNetworkError(err)
		require.True(t, ok)
		require.Equal(t, KindBufferFull, nerr.Kind)
		require.ErrorIs(t, err, ErrBufferFull)
	case <-time.After(time.Second):
		t.Fatal("overflow item was not reported")
	}

	close(tr.release)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.blocks) == 3
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, earlyErrors.Load())
}

func TestEnqueueOnDisconnectedLinkFailsSynchronously(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPeer(t, tr, DefaultOptions())
	require.NoError(t, p.Disconnect(context.Background(), false))

	var got error
	p.EnqueueTransaction(&chain.Transaction{Nonce: 1}, func(err error) { got = err })

	// No waiting: the callback ran before EnqueueTransaction returned
	require.Error(t, got)
	nerr, ok := AsNetworkError(got)
	require.True(t, ok)
	require.Equal(t, Unrecoverable, nerr.Type)
	require.Equal(t, KindPeerNotReady, nerr.Kind)
	require.ErrorIs(t, got, ErrNotConnected)
}

func TestCategoryOrderIsPreserved(t *testing.T) {
	tr := &fakeTransport{}
	opts := DefaultOptions()
	opts.TransactionQueueLimit = 1000
	p := newTestPeer(t, tr, opts)

	for i := 0; i < 200; i++ {
		p.EnqueueTransaction(&chain.Transaction{Nonce: uint64(i)}, nil)
	}

	require.Eventually(t, func() bool { return tr.txCount() == 200 }, 2*time.Second, 5*time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, tx := range tr.transactions {
		require.EqualValues(t, i, tx.Nonce)
	}
}

func TestStreamFailureReportsAndDegrades(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("broken pipe")}
	p := newTestPeer(t, tr, DefaultOptions())

	errs := make(chan error, 1)
	p.EnqueueAnnouncement(&chain.BlockAnnouncement{BlockHash: chainhash.Random(), BlockHeight: 7}, func(err error) {
		errs <- err
	})

	select {
	case err := <-errs:
		nerr, ok := AsNetworkError(err)
		require.True(t, ok)
		require.Equal(t, Recoverable, nerr.Type)
		require.Equal(t, KindStreamFailure, nerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("stream failure was not reported")
	}
	require.Equal(t, StatusDegraded, p.Status())

	// A successful probe restores the link
	require.NoError(t, p.CheckHealth(context.Background()))
	require.Equal(t, StatusReady, p.Status())
}

func TestDisconnectDiscardsQueuedItems(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{})}
	p := newTestPeer(t, tr, DefaultOptions())

	var reported atomic.Int32
	for i := 0; i < 5; i++ {
		p.EnqueueTransaction(&chain.Transaction{Nonce: uint64(i)}, func(error) { reported.Add(1) })
	}

	require.NoError(t, p.Disconnect(context.Background(), true))

	require.Never(t, func() bool { return tr.txCount() > 0 || reported.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPeer(t, tr, DefaultOptions())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Disconnect(context.Background(), true)
		}()
	}
	wg.Wait()
	require.NoError(t, p.Disconnect(context.Background(), true))

	require.False(t, p.IsConnected())
	require.Equal(t, StatusShutdown, p.Status())
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, 1, tr.disconnects)
	require.Equal(t, 1, tr.closes)
}

func TestUpdateLastKnownLibNeverRegresses(t *testing.T) {
	p := newTestPeer(t, &fakeTransport{}, DefaultOptions())

	high := chainhash.Random()
	require.True(t, p.UpdateLastKnownLib(&chain.LibAnnouncement{LibHash: high, LibHeight: 20}))

	require.False(t, p.UpdateLastKnownLib(&chain.LibAnnouncement{LibHash: chainhash.Random(), LibHeight: 10}))
	h, height := p.LastKnownLib()
	require.Equal(t, high, h)
	require.EqualValues(t, 20, height)

	higher := chainhash.Random()
	require.True(t, p.UpdateLastKnownLib(&chain.LibAnnouncement{LibHash: higher, LibHeight: 21}))
	h, height = p.LastKnownLib()
	require.Equal(t, higher, h)
	require.EqualValues(t, 21, height)
}

func TestCheckHealthClassification(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		typ     ExceptionType
		kind    ErrorKind
	}{
		{"disposed", crpc.ErrShutdown, Unrecoverable, KindDisposed},
		{"cancelled", context.Canceled, Unrecoverable, KindCancelled},
		{"remote cancelled", crpc.ServerError(context.Canceled.Error()), Unrecoverable, KindCancelled},
		{"timeout", context.DeadlineExceeded, Recoverable, KindTimeout},
		{"other", errors.New("connection reset"), Recoverable, KindRequestFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPeer(t, &fakeTransport{pingErr: tt.pingErr}, DefaultOptions())
			err := p.CheckHealth(context.Background())
			nerr, ok := AsNetworkError(err)
			require.True(t, ok)
			require.Equal(t, tt.typ, nerr.Type)
			require.Equal(t, tt.kind, nerr.Kind)
		})
	}
}

func TestKnownCachesAndLatency(t *testing.T) {
	p := newTestPeer(t, &fakeTransport{}, DefaultOptions())

	h := chainhash.Random()
	require.True(t, p.TryAddKnownBlock(h))
	require.False(t, p.TryAddKnownBlock(h))
	require.True(t, p.KnowsBlock(h))
	require.True(t, p.TryAddKnownTransaction(h))

	require.NoError(t, p.CheckHealth(context.Background()))
	_, err := p.RequestBlock(context.Background(), h)
	require.NoError(t, err)

	m := p.RequestMetrics()
	require.Len(t, m[protocol.MethodPing], 1)
	require.Len(t, m[protocol.MethodRequestBlock], 1)
}
