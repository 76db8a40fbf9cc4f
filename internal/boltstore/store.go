// Package boltstore implements core.Store over go.etcd.io/bbolt, grounded
// on the teacher's storage.go: one bucket per concern, big-endian height
// keys, JSON-blob values, and atomic commit-with-linkage-check discipline
// carried straight through AppendBlock/PopBlock.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/blocknet-core/bnchain/internal/core"
)

var (
	bucketBlocks      = []byte("blocks")       // hash -> json(record)
	bucketHeights     = []byte("heights")      // height(BE8) -> hash (main chain only)
	bucketTxs         = []byte("txs")          // txid -> json(txRecord)
	bucketOutputs     = []byte("outputs")      // amount(BE8) ++ index(BE8) -> json(core.OutputEntry)
	bucketOutputCount = []byte("outputcounts") // amount(BE8) -> next global index (BE8)
	bucketKeyImages   = []byte("keyimages")    // key-image -> height(BE8)
	bucketHardFork    = []byte("hardfork")     // reserved: vote-history/active-version persistence
	bucketMeta        = []byte("meta")         // tip, height

	metaKeyTip    = []byte("tip")
	metaKeyHeight = []byte("height")
)

const DefaultFilename = "chain.db"

// Store is a bbolt-backed core.Store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the chain database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	db, err := bolt.Open(filepath.Join(dataDir, DefaultFilename), 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketHeights, bucketTxs, bucketOutputs, bucketOutputCount, bucketKeyImages, bucketHardFork, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }
func (s *Store) Sync() error  { return s.db.Sync() }

func heightKey(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

func outputKey(amount, index uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], amount)
	binary.BigEndian.PutUint64(b[8:], index)
	return b
}

// record is the persisted form of a committed block: the block itself,
// the running totals it carries, and the exact output/key-image deltas
// it contributed — stored explicitly (not recomputed) so PopBlock can
// reverse them precisely, mirroring the teacher's BlockCommit.NewOutputs/
// SpentKeyImgs explicit-list approach.
type record struct {
	Block                 *core.Block
	Height                uint64
	CumulativeDifficulty   uint64
	AlreadyGeneratedCoins  uint64
	BlockSize              uint64
	MaxUsedBlockHeight     uint64
	Timestamp              int64
	AddedOutputs           []core.OutputEntry
	AddedKeyImages         []core.Hash256
}

type txRecord struct {
	Tx     *core.Transaction
	Height uint64
}

func (s *Store) Height() uint64 {
	h, _, ok := s.tip()
	if !ok {
		return 0
	}
	return h + 1
}

func (s *Store) tip() (height uint64, hash core.Hash256, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		hb := meta.Get(metaKeyHeight)
		tb := meta.Get(metaKeyTip)
		if hb == nil || tb == nil || len(hb) != 8 || len(tb) != 32 {
			return nil
		}
		height = binary.BigEndian.Uint64(hb)
		copy(hash[:], tb)
		ok = true
		return nil
	})
	return
}

func (s *Store) TopHash() (core.Hash256, bool) {
	_, hash, ok := s.tip()
	return hash, ok
}

func (s *Store) GetBlock(id core.Hash256) (*core.BlockExtendedInfo, bool, error) {
	rec, ok, err := s.getRecord(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return recordToInfo(rec), true, nil
}

func (s *Store) GetBlockByHeight(height uint64) (*core.BlockExtendedInfo, bool, error) {
	var id core.Hash256
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeights).Get(heightKey(height))
		if data == nil {
			return nil
		}
		copy(id[:], data)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "get block by height")
	}
	if !found {
		return nil, false, nil
	}
	return s.GetBlock(id)
}

func (s *Store) getRecord(id core.Hash256) (*record, bool, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(id[:])
		if data == nil {
			return nil
		}
		rec = &record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "get block record")
	}
	return rec, rec != nil, nil
}

func recordToInfo(rec *record) *core.BlockExtendedInfo {
	return &core.BlockExtendedInfo{
		Block:                 rec.Block,
		Height:                rec.Height,
		CumulativeDifficulty:  rec.CumulativeDifficulty,
		AlreadyGeneratedCoins: rec.AlreadyGeneratedCoins,
		CumulativeSize:        rec.BlockSize,
		MaxUsedBlockHeight:    rec.MaxUsedBlockHeight,
	}
}

func (s *Store) GetTx(id core.Hash256) (*core.Transaction, uint64, bool, error) {
	var tr *txRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTxs).Get(id[:])
		if data == nil {
			return nil
		}
		tr = &txRecord{}
		return json.Unmarshal(data, tr)
	})
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "get tx")
	}
	if tr == nil {
		return nil, 0, false, nil
	}
	return tr.Tx, tr.Height, true, nil
}

func (s *Store) GetOutput(amount, globalIndex uint64) (*core.OutputEntry, bool, error) {
	var entry *core.OutputEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutputs).Get(outputKey(amount, globalIndex))
		if data == nil {
			return nil
		}
		entry = &core.OutputEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "get output")
	}
	return entry, entry != nil, nil
}

func (s *Store) CountOutputs(amount uint64) uint64 {
	var count uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutputCount).Get(heightKey(amount))
		if len(data) == 8 {
			count = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return count
}

func (s *Store) IterateOutputs(amount uint64, fn func(core.OutputEntry) bool) error {
	prefix := heightKey(amount)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutputs).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			var entry core.OutputEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) HasKeyImage(ki core.Hash256) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketKeyImages).Get(ki[:]) != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "has key image")
	}
	return found, nil
}

func (s *Store) CumulativeDifficulty(height uint64) (uint64, bool) {
	rec, ok := s.recordAtHeight(height)
	if !ok {
		return 0, false
	}
	return rec.CumulativeDifficulty, true
}

func (s *Store) GeneratedCoins(height uint64) (uint64, bool) {
	rec, ok := s.recordAtHeight(height)
	if !ok {
		return 0, false
	}
	return rec.AlreadyGeneratedCoins, true
}

func (s *Store) BlockSize(height uint64) (uint64, bool) {
	rec, ok := s.recordAtHeight(height)
	if !ok {
		return 0, false
	}
	return rec.BlockSize, true
}

func (s *Store) Timestamp(height uint64) (int64, bool) {
	rec, ok := s.recordAtHeight(height)
	if !ok {
		return 0, false
	}
	return rec.Timestamp, true
}

func (s *Store) recordAtHeight(height uint64) (*record, bool) {
	var id core.Hash256
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeights).Get(heightKey(height))
		if data == nil {
			return nil
		}
		copy(id[:], data)
		found = true
		return nil
	})
	if !found {
		return nil, false
	}
	rec, ok, err := s.getRecord(id)
	if err != nil || !ok {
		return nil, false
	}
	return rec, true
}

// AppendBlock writes the block blob, every listed transaction's blob,
// their output-index entries, their key images, and updated tip metadata
// atomically, rejecting on a missing-parent or height-linkage mismatch,
// and on an already-spent key image (demoted to core.ErrKeyImageExists
// rather than a fatal store error, matching spec.md §4.1's failure
// semantics).
func (s *Store) AppendBlock(commit core.BlockCommit) error {
	id, err := commit.Block.Hash()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		txs := tx.Bucket(bucketTxs)
		outputs := tx.Bucket(bucketOutputs)
		outputCounts := tx.Bucket(bucketOutputCount)
		keyImages := tx.Bucket(bucketKeyImages)
		meta := tx.Bucket(bucketMeta)

		if commit.Height > 0 {
			if blocks.Get(commit.Block.Header.PrevID[:]) == nil {
				return fmt.Errorf("append-block: missing parent at height %d", commit.Height)
			}
		}

		tipHeightBytes := meta.Get(metaKeyHeight)
		if commit.Height == 0 {
			if tipHeightBytes != nil {
				return fmt.Errorf("append-block: cannot commit genesis to a non-empty chain")
			}
		} else {
			if tipHeightBytes == nil || len(tipHeightBytes) != 8 {
				return fmt.Errorf("append-block: chain is empty, cannot commit height %d", commit.Height)
			}
			if binary.BigEndian.Uint64(tipHeightBytes)+1 != commit.Height {
				return fmt.Errorf("append-block: height linkage mismatch, tip+1=%d got %d", binary.BigEndian.Uint64(tipHeightBytes)+1, commit.Height)
			}
		}

		for _, t := range commit.Txs {
			if t.IsCoinbase() {
				continue
			}
			for _, in := range t.Inputs {
				if in.ToKey != nil && keyImages.Get(in.ToKey.KeyImage[:]) != nil {
					return core.ErrKeyImageExists
				}
			}
		}

		var addedOutputs []core.OutputEntry
		var addedKeyImages []core.Hash256
		for _, t := range commit.Txs {
			txid, err := t.TxID()
			if err != nil {
				return err
			}
			trData, err := json.Marshal(txRecord{Tx: t, Height: commit.Height})
			if err != nil {
				return err
			}
			if err := txs.Put(txid[:], trData); err != nil {
				return err
			}

			for i, out := range t.Outputs {
				amount := out.Amount
				countBytes := outputCounts.Get(heightKey(amount))
				var nextIndex uint64
				if len(countBytes) == 8 {
					nextIndex = binary.BigEndian.Uint64(countBytes)
				}
				var commitment core.Hash256
				if t.RctSig != nil && i < len(t.RctSig.OutPk) {
					commitment = t.RctSig.OutPk[i]
				}
				entry := core.OutputEntry{
					Amount:      amount,
					GlobalIndex: nextIndex,
					Key:         out.Key,
					Commitment:  commitment,
					TxID:        txid,
					UnlockTime:  t.UnlockTime,
					Height:      commit.Height,
				}
				entryData, err := json.Marshal(entry)
				if err != nil {
					return err
				}
				if err := outputs.Put(outputKey(amount, nextIndex), entryData); err != nil {
					return err
				}
				if err := outputCounts.Put(heightKey(amount), heightKey(nextIndex+1)); err != nil {
					return err
				}
				addedOutputs = append(addedOutputs, entry)
			}

			if !t.IsCoinbase() {
				for _, in := range t.Inputs {
					if in.ToKey == nil {
						continue
					}
					if err := keyImages.Put(in.ToKey.KeyImage[:], heightKey(commit.Height)); err != nil {
						return err
					}
					addedKeyImages = append(addedKeyImages, in.ToKey.KeyImage)
				}
			}
		}

		rec := record{
			Block:                 commit.Block,
			Height:                commit.Height,
			CumulativeDifficulty:  commit.CumulativeDifficulty,
			AlreadyGeneratedCoins: commit.AlreadyGeneratedCoins,
			BlockSize:             commit.BlockSize,
			Timestamp:             commit.Block.Header.Timestamp,
			AddedOutputs:          addedOutputs,
			AddedKeyImages:        addedKeyImages,
		}
		recData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := blocks.Put(id[:], recData); err != nil {
			return err
		}
		if err := heights.Put(heightKey(commit.Height), id[:]); err != nil {
			return err
		}
		if err := meta.Put(metaKeyTip, id[:]); err != nil {
			return err
		}
		return meta.Put(metaKeyHeight, heightKey(commit.Height))
	})
}

// PopBlock is AppendBlock's exact inverse: it reads the tip's recorded
// output/key-image deltas back out of the block record and undoes them,
// then restores the previous tip metadata.
func (s *Store) PopBlock() (*core.Block, []*core.Transaction, error) {
	var poppedBlock *core.Block
	var nonCoinbase []*core.Transaction

	err := s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		txsB := tx.Bucket(bucketTxs)
		outputs := tx.Bucket(bucketOutputs)
		outputCounts := tx.Bucket(bucketOutputCount)
		keyImages := tx.Bucket(bucketKeyImages)
		meta := tx.Bucket(bucketMeta)

		tipHeightBytes := meta.Get(metaKeyHeight)
		tipHashBytes := meta.Get(metaKeyTip)
		if tipHeightBytes == nil || tipHashBytes == nil {
			return fmt.Errorf("pop-block: chain is empty")
		}
		height := binary.BigEndian.Uint64(tipHeightBytes)

		data := blocks.Get(tipHashBytes)
		if data == nil {
			return fmt.Errorf("pop-block: tip block record missing")
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		poppedBlock = rec.Block

		for _, h := range rec.Block.TxHashes {
			trData := txsB.Get(h[:])
			if trData == nil {
				continue
			}
			var tr txRecord
			if err := json.Unmarshal(trData, &tr); err != nil {
				return err
			}
			if !tr.Tx.IsCoinbase() {
				nonCoinbase = append(nonCoinbase, tr.Tx)
			}
			if err := txsB.Delete(h[:]); err != nil {
				return err
			}
		}

		for _, ki := range rec.AddedKeyImages {
			if err := keyImages.Delete(ki[:]); err != nil {
				return err
			}
		}
		for i := len(rec.AddedOutputs) - 1; i >= 0; i-- {
			out := rec.AddedOutputs[i]
			if err := outputs.Delete(outputKey(out.Amount, out.GlobalIndex)); err != nil {
				return err
			}
			if err := outputCounts.Put(heightKey(out.Amount), heightKey(out.GlobalIndex)); err != nil {
				return err
			}
		}

		minerTxID, err := rec.Block.MinerTx.TxID()
		if err != nil {
			return err
		}
		if err := txsB.Delete(minerTxID[:]); err != nil {
			return err
		}

		if err := heights.Delete(heightKey(height)); err != nil {
			return err
		}
		if err := blocks.Delete(tipHashBytes); err != nil {
			return err
		}

		if height == 0 {
			if err := meta.Delete(metaKeyTip); err != nil {
				return err
			}
			return meta.Delete(metaKeyHeight)
		}

		prevID := rec.Block.Header.PrevID
		if err := meta.Put(metaKeyTip, prevID[:]); err != nil {
			return err
		}
		return meta.Put(metaKeyHeight, heightKey(height-1))
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "pop block")
	}
	return poppedBlock, nonCoinbase, nil
}

// ReadBatch runs fn against a bolt read-only transaction; readView adapts
// it to core.ReadView without exposing bucket handles to callers.
func (s *Store) ReadBatch(fn func(core.ReadView) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&readView{tx: tx})
	})
}

type readView struct{ tx *bolt.Tx }

func (v *readView) GetBlockByHeight(height uint64) (*core.BlockExtendedInfo, bool, error) {
	idData := v.tx.Bucket(bucketHeights).Get(heightKey(height))
	if idData == nil {
		return nil, false, nil
	}
	data := v.tx.Bucket(bucketBlocks).Get(idData)
	if data == nil {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return recordToInfo(&rec), true, nil
}

func (v *readView) GetOutput(amount, globalIndex uint64) (*core.OutputEntry, bool, error) {
	data := v.tx.Bucket(bucketOutputs).Get(outputKey(amount, globalIndex))
	if data == nil {
		return nil, false, nil
	}
	var entry core.OutputEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (v *readView) HasKeyImage(ki core.Hash256) (bool, error) {
	return v.tx.Bucket(bucketKeyImages).Get(ki[:]) != nil, nil
}
