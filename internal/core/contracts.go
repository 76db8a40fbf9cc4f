package core

import "context"

// Store is the Store Facade (spec.md §4.1): a typed read/write interface
// over the persistent block/tx/output/key-image tables. Implementations
// (internal/boltstore) must provide crash-atomicity at the grain of a
// single AppendBlock/PopBlock.
type Store interface {
	Height() uint64
	TopHash() (Hash256, bool)

	GetBlock(id Hash256) (*BlockExtendedInfo, bool, error)
	GetBlockByHeight(height uint64) (*BlockExtendedInfo, bool, error)
	GetTx(id Hash256) (*Transaction, uint64 /*height*/, bool, error)

	GetOutput(amount uint64, globalIndex uint64) (*OutputEntry, bool, error)
	CountOutputs(amount uint64) uint64
	IterateOutputs(amount uint64, fn func(OutputEntry) bool) error

	HasKeyImage(ki Hash256) (bool, error)

	CumulativeDifficulty(height uint64) (uint64, bool)
	GeneratedCoins(height uint64) (uint64, bool)
	BlockSize(height uint64) (uint64, bool)
	Timestamp(height uint64) (int64, bool)

	// AppendBlock atomically writes the block blob, every listed
	// transaction's blob, their output index entries, their key images,
	// and updated metadata. A KeyImageExists failure must leave the store
	// logically unchanged and is reported to the caller as a validation
	// failure, not a fatal StoreError.
	AppendBlock(commit BlockCommit) error

	// PopBlock is AppendBlock's exact inverse: it removes the tip block,
	// unwinds its output-index contributions, and unmarks its key images.
	// It returns the popped block's non-coinbase transactions so the
	// caller can return them to the mempool.
	PopBlock() (popped *Block, nonCoinbaseTxs []*Transaction, err error)

	// ReadBatch runs fn against a consistent read-only snapshot.
	ReadBatch(fn func(ReadView) error) error

	Sync() error
	Close() error
}

// ReadView is a consistent read-only snapshot handed to Store.ReadBatch
// callers, so many reads can share one view without interleaving with a
// concurrent AppendBlock/PopBlock.
type ReadView interface {
	GetBlockByHeight(height uint64) (*BlockExtendedInfo, bool, error)
	GetOutput(amount uint64, globalIndex uint64) (*OutputEntry, bool, error)
	HasKeyImage(ki Hash256) (bool, error)
}

// BlockCommit is everything AppendBlock needs to apply one block: the
// block itself, its full transaction bodies (coinbase first), and the
// running totals the store must persist alongside it.
type BlockCommit struct {
	Block                 *Block
	Height                uint64
	Txs                   []*Transaction // MinerTx first, then in TxHashes order
	CumulativeDifficulty  uint64
	AlreadyGeneratedCoins uint64
	BlockSize             uint64
}

// CryptoProvider is the external collaborator for every curve/ring-
// signature/PoW primitive (spec.md §1's "novel cryptographic primitives"
// non-goal). internal/cryptoprovider implements this over the teacher's
// cgo boundary to crypto-rs.
type CryptoProvider interface {
	PowHash(headerBytes []byte, nonce uint32) ([32]byte, error)
	PowCheckTarget(hash [32]byte, target [32]byte) bool
	DifficultyToTarget(difficulty uint64) [32]byte

	IsValidPoint(key Hash256) bool

	VerifyMLSAGFull(prefixHash Hash256, ring [][]Hash256 /* [member][column: key|commitment pairs] */, keyImages []Hash256, mlsag []byte) bool
	VerifyMLSAGSimple(prefixHash Hash256, ring []Hash256, pseudoOut Hash256, keyImage Hash256, mlsag []byte) bool
	VerifyBulletproof(commitments []Hash256, proof []byte) bool
	VerifyRangeProof(commitment Hash256, proof []byte) bool

	CommitmentAdd(a, b Hash256) Hash256
	CommitmentSub(a, b Hash256) Hash256
	CommitmentIsZero(c Hash256) bool
	CreateFeeCommitment(fee uint64) Hash256
}

// MempoolPort is the narrow contract the core uses to pull/return
// transactions during block application and reorg, per spec.md §5's
// `take_tx`/`add_tx`/`on_blockchain_inc`/`on_blockchain_dec` entry points.
type MempoolPort interface {
	TakeTx(id Hash256) (tx *Transaction, blobSize uint64, fee uint64, ok bool)
	AddTx(tx *Transaction) error
	OnBlockchainInc(height uint64, topID Hash256)
	OnBlockchainDec(height uint64, topID Hash256)

	// Lock/Unlock expose the mempool's own lock so the Prepare Pipeline can
	// take it ahead of the chain lock per the global lock order of
	// spec.md §5 (mempool before chain, chain before store sync).
	Lock()
	Unlock()
}

// CheckpointSource resolves a hard-coded height to its expected hash, and
// optionally refreshes its table from DNS (spec.md §6 config: offline,
// enforce-dns-checkpoints). internal/core ships a static in-process table;
// internal/checkpointsrc layers the HTTP fetch-and-cache behavior on top.
type CheckpointSource interface {
	Get(height uint64) (Hash256, bool)
	Refresh(ctx context.Context) error
}
