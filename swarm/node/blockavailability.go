package node

import (
	"container/list"
	"peernet/chainhash"
	"sync"
)

// BlockAvailabilityTracker remembers which peers announced or sent which blocks,
// so a block can be requested from a peer that has it. Only the most recent
// maxBlocks hashes are tracked.
type BlockAvailabilityTracker struct {
	mu        sync.Mutex
	maxBlocks int
	order     *list.List // of chainhash.Hash, oldest first
	blocks    map[chainhash.Hash]*blockInfo
}

type blockInfo struct {
	peers map[string]struct{}
	elem  *list.Element
}

func NewBlockAvailabilityTracker(maxBlocks int) *BlockAvailabilityTracker {
	return &BlockAvailabilityTracker{
		maxBlocks: maxBlocks,
		order:     list.New(),
		blocks:    make(map[chainhash.Hash]*blockInfo),
	}
}

func (b *BlockAvailabilityTracker) Update(h chainhash.Hash, peerKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bi, ok := b.blocks[h]
	if !ok {
		if b.order.Len() > 0 && b.order.Len() >= b.maxBlocks {
			oldest := b.order.Front()
			delete(b.blocks, oldest.Value.(chainhash.Hash))
			b.order.Remove(oldest)
		}
		bi = &blockInfo{peers: make(map[string]struct{}), elem: b.order.PushBack(h)}
		b.blocks[h] = bi
	}
	bi.peers[peerKey] = struct{}{}
}

// Forget drops every record of peerKey
func (b *BlockAvailabilityTracker) Forget(peerKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h, bi := range b.blocks {
		delete(bi.peers, peerKey)
		if len(bi.peers) == 0 {
			b.order.Remove(bi.elem)
			delete(b.blocks, h)
		}
	}
}

func (b *BlockAvailabilityTracker) WhoHas(h chainhash.Hash) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	bi, ok := b.blocks[h]
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(bi.peers))
	for key := range bi.peers {
		keys = append(keys, key)
	}
	return keys
}
