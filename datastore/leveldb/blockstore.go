package leveldb

import (
	"peernet/chainhash"
	"peernet/datamodel/chain"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPrefixBlock = "BLK" // Block indexed by hash. Followed by the raw hash
	keyPrefixChild = "CHD" // Parent to child link. Followed by the raw parent hash and the raw child hash
	keyBest        = "BEST"
	keyLib         = "LIB" // Last irreversible block head
)

var _ chain.Chain = (*BlockStore)(nil)

type head struct {
	Hash   chainhash.Hash `cbor:"1,keyasint"`
	Height uint64         `cbor:"2,keyasint"`
}

// BlockStore keeps blocks in whatever order they arrive. Every block is linked
// to its parent, so chains are walked forward from any stored block.
type BlockStore struct {
	LevelDB
	best head
	lib  head
}

func blockKey(h chainhash.Hash) []byte {
	return append([]byte(keyPrefixBlock), h.Bytes()...)
}

func childPrefix(parent chainhash.Hash) []byte {
	return append([]byte(keyPrefixChild), parent.Bytes()...)
}

func childKey(parent, child chainhash.Hash) []byte {
	return append(childPrefix(parent), child.Bytes()...)
}

func childFromKey(key []byte) (chainhash.Hash, error) {
	return chainhash.FromBytes(key[len(keyPrefixChild)+chainhash.Size:])
}

func loadHead(db *leveldb.DB, key string, hd *head) error {
	raw, err := db.Get([]byte(key), nil)
	if err == errors.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, hd)
}

func NewBlockStore(path string) (*BlockStore, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	bs := &BlockStore{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}

	for key, hd := range map[string]*head{keyBest: &bs.best, keyLib: &bs.lib} {
		if err := loadHead(ldb, key, hd); err != nil {
			ldb.Close()
			return nil, err
		}
	}

	return bs, nil
}

func (l *BlockStore) BestChain() (chainhash.Hash, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.best.Hash, l.best.Height
}

func (l *BlockStore) LastIrreversible() (chainhash.Hash, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lib.Hash, l.lib.Height
}

func (l *BlockStore) GetBlock(h chainhash.Hash) (*chain.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getBlock(h)
}

func (l *BlockStore) getBlock(h chainhash.Hash) (*chain.Block, error) {
	raw, err := l.db.Get(blockKey(h), nil)
	if err == errors.ErrNotFound {
		return nil, chain.ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}

	blk := &chain.Block{}
	if err := cbor.Unmarshal(raw, blk); err != nil {
		return nil, err
	}

	// Compare the hash just in case
	if blk.Hash() != h {
		log.Errorf("GetBlock: hash mismatch: %s != %s", h.String(), blk.Hash().String())
		return nil, ErrCorrupted
	}

	return blk, nil
}

// Put stores a block and makes it the best chain head if it extends past the current height.
// The parent does not have to be stored yet.
func (l *BlockStore) Put(blk *chain.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := blk.Hash()
	raw, err := cbor.Marshal(blk)
	if err != nil {
		return err
	}

	// Create a batch for atomic update
	batch := new(leveldb.Batch)
	batch.Put(blockKey(h), raw)
	batch.Put(childKey(blk.Header.PreviousHash, h), nil)

	best := l.best
	if l.best.Hash.IsZero() || blk.Header.Height > l.best.Height {
		best = head{Hash: h, Height: blk.Header.Height}
		rawBest, err := cbor.Marshal(&best)
		if err != nil {
			return err
		}
		batch.Put([]byte(keyBest), rawBest)
	}

	if err := l.db.Write(batch, nil); err != nil {
		return err
	}
	l.best = best

	return nil
}

// SetLastIrreversible moves the LIB watermark forward. Lower or equal heights are ignored.
func (l *BlockStore) SetLastIrreversible(h chainhash.Hash, height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lib.Hash.IsZero() && height <= l.lib.Height {
		return nil
	}

	next := head{Hash: h, Height: height}
	raw, err := cbor.Marshal(&next)
	if err != nil {
		return err
	}
	if err := l.db.Put([]byte(keyLib), raw, nil); err != nil {
		return err
	}
	l.lib = next
	return nil
}

// GetBlocksAfter returns up to count blocks chaining from prev. The walk stops at
// the first block that is not stored. At a fork the branch leading to the best
// head is followed.
func (l *BlockStore) GetBlocksAfter(prev chainhash.Hash, count int) ([]*chain.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count <= 0 {
		return nil, nil
	}

	if _, err := l.getBlock(prev); err != nil {
		return nil, err
	}

	var results []*chain.Block
	cur := prev
	for len(results) < count {
		next, err := l.nextBlock(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		results = append(results, next)
		cur = next.Hash()
	}

	return results, nil
}

func (l *BlockStore) nextBlock(parent chainhash.Hash) (*chain.Block, error) {
	iter := l.db.NewIterator(util.BytesPrefix(childPrefix(parent)), nil)
	defer iter.Release()

	var children []*chain.Block
	for iter.Next() {
		h, err := childFromKey(iter.Key())
		if err != nil {
			return nil, err
		}
		blk, err := l.getBlock(h)
		if err != nil {
			return nil, err
		}
		children = append(children, blk)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	}

	for _, c := range children {
		onBest, err := l.isBestChainAncestor(c)
		if err != nil {
			return nil, err
		}
		if onBest {
			return c, nil
		}
	}
	return children[0], nil
}

// isBestChainAncestor walks back from the best head down to blk's height
func (l *BlockStore) isBestChainAncestor(blk *chain.Block) (bool, error) {
	cur, height := l.best.Hash, l.best.Height
	for height > blk.Header.Height {
		b, err := l.getBlock(cur)
		if err == chain.ErrBlockNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		cur, height = b.Header.PreviousHash, b.Header.Height-1
	}
	return height == blk.Header.Height && cur == blk.Hash(), nil
}
