package core

import (
	"sync/atomic"

	"github.com/blocknet-core/bnchain/debug"
	blog "github.com/blocknet-core/bnchain/internal/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the Chain State Coordinator (spec.md §4.7): it owns the store,
// the alternate-chain and invalid-block indexes, the sliding windows, and
// drives init/add-new-block/pop-block lifecycle methods. It is the single
// object every external collaborator (p2p, rpcapi, miner) talks to.
type Engine struct {
	mu debug.Mutex // the recursive chain lock of spec.md §5, reentered only
	// via the Locked-suffixed helpers below, never by re-acquiring mu.

	store   Store
	gov     *HardForkGovernor
	diff    *DifficultyEngine
	verify  *TxVerifier
	crypto  CryptoProvider
	mempool MempoolPort
	checkpoints CheckpointSource
	log     blog.Logger
	metrics *metrics

	altChains     *lru.Cache[Hash256, *BlockExtendedInfo]
	invalidBlocks *lru.Cache[Hash256, struct{}]
	altTxBodies   map[Hash256]map[Hash256]*Transaction

	sizeWindow []uint64 // recent block sizes, bounded by reward window

	cancel *cancelFlag

	// Prepare Pipeline scratch state, valid only while a prepare batch is
	// in flight (held under mu the whole time, per spec.md §4.6 step 1).
	preparedPoW   map[Hash256][32]byte
	preparedRings map[ringKey]preparedRing
}

const (
	rewardSizeWindow = 100
	altCacheCap      = 2048
	invalidCacheCap  = 4096
)

// EngineConfig bundles the collaborators Engine needs; all are required
// except CheckpointSource, which may be nil (offline mode).
type EngineConfig struct {
	Store       Store
	Governor    *HardForkGovernor
	Difficulty  *DifficultyEngine
	Verifier    *TxVerifier
	Crypto      CryptoProvider
	Mempool     MempoolPort
	Checkpoints CheckpointSource

	// MetricsRegisterer registers the engine's Prometheus counters; nil
	// skips registration (tests, or a process that registers elsewhere).
	MetricsRegisterer prometheus.Registerer
}

func NewEngine(cfg EngineConfig) *Engine {
	alt, _ := lru.New[Hash256, *BlockExtendedInfo](altCacheCap)
	invalid, _ := lru.New[Hash256, struct{}](invalidCacheCap)
	return &Engine{
		mu:            debug.NewMutex("chain"),
		store:         cfg.Store,
		gov:           cfg.Governor,
		diff:          cfg.Difficulty,
		verify:        cfg.Verifier,
		crypto:        cfg.Crypto,
		mempool:       cfg.Mempool,
		checkpoints:   cfg.Checkpoints,
		altChains:     alt,
		invalidBlocks: invalid,
		altTxBodies:   make(map[Hash256]map[Hash256]*Transaction),
		cancel:        newCancelFlag(),
		log:           blog.New(blog.TagChainState),
		metrics:       newMetrics(cfg.MetricsRegisterer),
	}
}

// cancelFlag is the single process-wide atomic cancellation flag of
// spec.md §4.6/§5, polled at every Prepare Pipeline worker loop boundary.
type cancelFlag struct{ v atomic.Bool }

func newCancelFlag() *cancelFlag { return &cancelFlag{} }
func (c *cancelFlag) Set()       { c.v.Store(true) }
func (c *cancelFlag) Clear()     { c.v.Store(false) }
func (c *cancelFlag) IsSet() bool { return c.v.Load() }

// Init seeds the store with the genesis block when empty, and pops any tip
// blocks whose version disagrees with the governor's ideal version, to
// recover from a shutdown mid-fork (spec.md §4.7).
func (e *Engine) Init(genesis *Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Height() == 0 {
		if genesis == nil {
			return NewStoreError("init", errNoGenesis)
		}
		e.log.Info("store empty, appending genesis block")
		return e.appendGenesisLocked(genesis)
	}

	for e.store.Height() > 0 {
		tip, ok, err := e.store.GetBlockByHeight(e.store.Height() - 1)
		if err != nil {
			return NewStoreError("init", err)
		}
		if !ok {
			break
		}
		if e.gov.Check(tip.Height, tip.Block.Header.MajorVersion) {
			break
		}
		e.log.Warnf("popping tip at height %d: version %d not permitted by hard-fork table", tip.Height, tip.Block.Header.MajorVersion)
		if _, _, err := e.store.PopBlock(); err != nil {
			return NewStoreError("init", err)
		}
	}
	e.log.Infof("chain state initialized at height %d", e.store.Height())
	return nil
}

func (e *Engine) appendGenesisLocked(genesis *Block) error {
	root, err := genesis.ComputeMerkleRoot()
	if err != nil {
		return err
	}
	genesis.Header.MerkleRoot = root
	if _, err := genesis.Hash(); err != nil {
		return err
	}
	reward := Subsidy(0, 0)
	commit := BlockCommit{
		Block:                 genesis,
		Height:                0,
		Txs:                   []*Transaction{&genesis.MinerTx},
		CumulativeDifficulty:  genesis.Header.majorOrMin(),
		AlreadyGeneratedCoins: reward,
		BlockSize:             uint64(len(genesis.TxHashes)),
	}
	if err := e.store.AppendBlock(commit); err != nil {
		return NewStoreError("append-genesis", err)
	}
	return nil
}

// majorOrMin is a tiny helper kept out of block.go since it exists purely
// to give genesis a deterministic non-zero starting cumulative difficulty
// without inventing a second genesis-specific field.
func (h BlockHeader) majorOrMin() uint64 {
	if h.MajorVersion == 0 {
		return 1
	}
	return uint64(h.MajorVersion)
}

var errNoGenesis = simpleErr("store is empty and no genesis block was provided")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// Height returns the current main-chain height.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Height()
}

// TopHash returns the main-chain tip's hash.
func (e *Engine) TopHash() (Hash256, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.TopHash()
}

// Crypto exposes the engine's CryptoProvider so a miner can run its own
// proof-of-work search loop against a block template without internal_core
// needing to drive mining itself.
func (e *Engine) Crypto() CryptoProvider {
	return e.crypto
}

// Store exposes the engine's Store Facade so a caller can fsync it
// directly (cleanup_handle_incoming_blocks's flush argument maps onto
// Store.Sync, since RunBatch already applies each batch synchronously and
// there is no separate prepared-but-unapplied state to discard).
func (e *Engine) Store() Store {
	return e.store
}
