// Package store persists committed blocks, their quorum certificates and
// their receipts in a key-value database, indexed by height and by hash.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/crestchain/crest/types"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrQCNotFound    = errors.New("certificate not found")
	ErrNonSequential = errors.New("non-sequential block height")
)

// Key layout. Heights are big-endian so iteration order matches height
// order.
var (
	blockPrefix   = []byte("b/")
	qcPrefix      = []byte("q/")
	receiptPrefix = []byte("r/")
	hashPrefix    = []byte("h/")
	heightKey     = []byte("chain/height")
)

// BlockStore stores the committed chain. Writes are sequential: height h+1
// can only be saved once height h is present.
type BlockStore struct {
	mu sync.RWMutex
	db ethdb.KeyValueStore

	height uint64
}

// NewBlockStore opens a block store over db, recovering the current height
// from the database.
func NewBlockStore(db ethdb.KeyValueStore) (*BlockStore, error) {
	bs := &BlockStore{db: db}

	data, err := db.Get(heightKey)
	if err == nil && len(data) == 8 {
		bs.height = binary.BigEndian.Uint64(data)
	}
	return bs, nil
}

// Height returns the newest stored height, zero when empty.
func (bs *BlockStore) Height() uint64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.height
}

// SaveBlock stores a block with its certificate and advances the chain
// height. The certificate may be nil only for the genesis block.
func (bs *BlockStore) SaveBlock(block *types.Block, qc *types.QuorumCertificate) error {
	if block == nil {
		return errors.New("nil block")
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	height := block.Header.Height
	if height != bs.height+1 && !(bs.height == 0 && height == 1) {
		if height <= bs.height {
			// Re-saving an existing height is a no-op; sync and
			// consensus can race on the same block.
			return nil
		}
		return fmt.Errorf("%w: have %d, got %d", ErrNonSequential, bs.height, height)
	}
	if qc == nil && height > 1 {
		return errors.New("nil certificate")
	}

	batch := bs.db.NewBatch()

	blockData, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	if err := batch.Put(heightToKey(blockPrefix, height), blockData); err != nil {
		return err
	}

	if qc != nil {
		qcData, err := rlp.EncodeToBytes(qc)
		if err != nil {
			return fmt.Errorf("failed to encode certificate: %w", err)
		}
		if err := batch.Put(heightToKey(qcPrefix, height), qcData); err != nil {
			return err
		}
	}

	hash := types.BlockHash(block)
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := batch.Put(append(hashPrefix, hash[:]...), heightBuf[:]); err != nil {
		return err
	}
	if err := batch.Put(heightKey, heightBuf[:]); err != nil {
		return err
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write block batch: %w", err)
	}

	bs.height = height
	return nil
}

// SaveReceipts stores the receipts produced by executing the block at
// height.
func (bs *BlockStore) SaveReceipts(height uint64, receipts types.Receipts) error {
	data, err := rlp.EncodeToBytes(receipts)
	if err != nil {
		return fmt.Errorf("failed to encode receipts: %w", err)
	}
	return bs.db.Put(heightToKey(receiptPrefix, height), data)
}

// LoadBlock returns the block at height.
func (bs *BlockStore) LoadBlock(height uint64) (*types.Block, error) {
	data, err := bs.db.Get(heightToKey(blockPrefix, height))
	if err != nil {
		return nil, ErrBlockNotFound
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(data, block); err != nil {
		return nil, fmt.Errorf("failed to decode block %d: %w", height, err)
	}
	return block, nil
}

// LoadBlockByHash returns the block with the given hash.
func (bs *BlockStore) LoadBlockByHash(hash types.Hash) (*types.Block, error) {
	data, err := bs.db.Get(append(hashPrefix, hash[:]...))
	if err != nil || len(data) != 8 {
		return nil, ErrBlockNotFound
	}
	return bs.LoadBlock(binary.BigEndian.Uint64(data))
}

// LoadQC returns the certificate that committed the block at height.
func (bs *BlockStore) LoadQC(height uint64) (*types.QuorumCertificate, error) {
	data, err := bs.db.Get(heightToKey(qcPrefix, height))
	if err != nil {
		return nil, ErrQCNotFound
	}
	qc := new(types.QuorumCertificate)
	if err := rlp.DecodeBytes(data, qc); err != nil {
		return nil, fmt.Errorf("failed to decode certificate %d: %w", height, err)
	}
	return qc, nil
}

// LoadReceipts returns the receipts for the block at height.
func (bs *BlockStore) LoadReceipts(height uint64) (types.Receipts, error) {
	data, err := bs.db.Get(heightToKey(receiptPrefix, height))
	if err != nil {
		return nil, ErrBlockNotFound
	}
	var receipts types.Receipts
	if err := rlp.DecodeBytes(data, &receipts); err != nil {
		return nil, fmt.Errorf("failed to decode receipts %d: %w", height, err)
	}
	return receipts, nil
}

func heightToKey(prefix []byte, height uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], height)
	return key
}
