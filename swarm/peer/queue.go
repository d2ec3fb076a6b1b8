package peer

import (
	"context"
	"errors"
	"peernet/swarm/metrics"
	"sync/atomic"
	"time"
)

var ErrBufferFull = errors.New("buffer full")

type queuedItem[T any] struct {
	item    T
	onError func(error)
}

// sendQueue is a bounded FIFO with a single drainer. pending counts queued and
// in-flight items, so the limit covers the batch currently being written too.
type sendQueue[T any] struct {
	category string
	method   string
	limit    int32
	pending  atomic.Int32
	items    chan queuedItem[T]
	send     func(ctx context.Context, items []T) error
}

func newSendQueue[T any](category, method string, limit int, send func(context.Context, []T) error) *sendQueue[T] {
	if limit < 1 {
		limit = 1
	}
	return &sendQueue[T]{
		category: category,
		method:   method,
		limit:    int32(limit),
		items:    make(chan queuedItem[T], limit),
		send:     send,
	}
}

func noopOnError(error) {}

// enqueue never blocks. A disconnected link fails synchronously, a full queue
// drops the item and reports it asynchronously.
func enqueue[T any](p *Peer, q *sendQueue[T], item T, onError func(error)) {
	if onError == nil {
		onError = noopOnError
	}

	if !p.IsConnected() {
		onError(p.notReady())
		return
	}

	if q.pending.Add(1) > q.limit {
		q.pending.Add(-1)
		metrics.Get().Dropped(q.category, "buffer_full")
		p.log.Debugf("Dropping %s: buffer full", q.category)
		err := &NetworkError{Type: Recoverable, Kind: KindBufferFull, Peer: p.Key(), Err: ErrBufferFull}
		go onError(err)
		return
	}

	// Cannot block: the channel capacity equals the limit enforced above
	q.items <- queuedItem[T]{item: item, onError: onError}
}

func (q *sendQueue[T]) run(p *Peer) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case first := <-q.items:
			batch := []queuedItem[T]{first}
		collect:
			for len(batch) < p.opts.StreamBatchSize {
				select {
				case next := <-q.items:
					batch = append(batch, next)
				default:
					break collect
				}
			}
			q.flush(p, batch)
			q.pending.Add(-int32(len(batch)))
		}
	}
}

func (q *sendQueue[T]) flush(p *Peer, batch []queuedItem[T]) {
	if !p.IsConnected() || p.ctx.Err() != nil {
		metrics.Get().Dropped(q.category, "shutdown")
		return
	}

	items := make([]T, len(batch))
	for i, qi := range batch {
		items[i] = qi.item
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	err := q.send(ctx, items)
	p.recordLatency(q.method, time.Since(start))
	if err == nil {
		return
	}

	// Writes interrupted by a disconnect are discarded silently
	if p.ctx.Err() != nil {
		metrics.Get().Dropped(q.category, "shutdown")
		return
	}

	p.markDegraded()
	nerr := classify(p.Key(), err, KindStreamFailure)
	p.log.Warnf("Failed to stream %d %s item(s): %v", len(items), q.category, err)
	metrics.Get().Dropped(q.category, "stream_failure")
	for _, qi := range batch {
		qi.onError(nerr)
	}
}
