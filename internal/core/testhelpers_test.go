package core

import "context"

// fakeStore is an in-memory Store used to exercise Engine logic without a
// real bbolt-backed boltstore, mirroring the teacher's pattern of a thin
// in-package test double over the store facade interface.
type fakeStore struct {
	blocks    []*BlockExtendedInfo
	byHash    map[Hash256]int // index into blocks
	txs       map[Hash256]*Transaction
	txHeight  map[Hash256]uint64
	outputs   map[uint64]map[uint64]*OutputEntry
	outputCnt map[uint64]uint64
	keyImages map[Hash256]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byHash:    make(map[Hash256]int),
		txs:       make(map[Hash256]*Transaction),
		txHeight:  make(map[Hash256]uint64),
		outputs:   make(map[uint64]map[uint64]*OutputEntry),
		outputCnt: make(map[uint64]uint64),
		keyImages: make(map[Hash256]bool),
	}
}

func (s *fakeStore) Height() uint64 { return uint64(len(s.blocks)) }

func (s *fakeStore) TopHash() (Hash256, bool) {
	if len(s.blocks) == 0 {
		return Hash256{}, false
	}
	top := s.blocks[len(s.blocks)-1]
	id, _ := top.Block.Hash()
	return id, true
}

func (s *fakeStore) GetBlock(id Hash256) (*BlockExtendedInfo, bool, error) {
	i, ok := s.byHash[id]
	if !ok {
		return nil, false, nil
	}
	return s.blocks[i], true, nil
}

func (s *fakeStore) GetBlockByHeight(height uint64) (*BlockExtendedInfo, bool, error) {
	if height >= uint64(len(s.blocks)) {
		return nil, false, nil
	}
	return s.blocks[height], true, nil
}

func (s *fakeStore) GetTx(id Hash256) (*Transaction, uint64, bool, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, 0, false, nil
	}
	return tx, s.txHeight[id], true, nil
}

func (s *fakeStore) GetOutput(amount, globalIndex uint64) (*OutputEntry, bool, error) {
	m, ok := s.outputs[amount]
	if !ok {
		return nil, false, nil
	}
	o, ok := m[globalIndex]
	return o, ok, nil
}

func (s *fakeStore) CountOutputs(amount uint64) uint64 { return s.outputCnt[amount] }

func (s *fakeStore) IterateOutputs(amount uint64, fn func(OutputEntry) bool) error {
	for _, o := range s.outputs[amount] {
		if !fn(*o) {
			break
		}
	}
	return nil
}

func (s *fakeStore) HasKeyImage(ki Hash256) (bool, error) { return s.keyImages[ki], nil }

func (s *fakeStore) CumulativeDifficulty(height uint64) (uint64, bool) {
	if height >= uint64(len(s.blocks)) {
		return 0, false
	}
	return s.blocks[height].CumulativeDifficulty, true
}

func (s *fakeStore) GeneratedCoins(height uint64) (uint64, bool) {
	if height >= uint64(len(s.blocks)) {
		return 0, false
	}
	return s.blocks[height].AlreadyGeneratedCoins, true
}

func (s *fakeStore) BlockSize(height uint64) (uint64, bool) {
	if height >= uint64(len(s.blocks)) {
		return 0, false
	}
	return s.blocks[height].CumulativeSize, true
}

func (s *fakeStore) Timestamp(height uint64) (int64, bool) {
	if height >= uint64(len(s.blocks)) {
		return 0, false
	}
	return s.blocks[height].Block.Header.Timestamp, true
}

func (s *fakeStore) AppendBlock(commit BlockCommit) error {
	id, err := commit.Block.Hash()
	if err != nil {
		return err
	}
	for _, tx := range commit.Txs {
		txID, err := tx.TxID()
		if err != nil {
			return err
		}
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			if in.ToKey != nil && s.keyImages[in.ToKey.KeyImage] {
				return ErrKeyImageExists
			}
		}
		s.txs[txID] = tx
		s.txHeight[txID] = commit.Height
		for _, in := range tx.Inputs {
			if in.ToKey != nil {
				s.keyImages[in.ToKey.KeyImage] = true
			}
		}
	}
	for _, o := range commit.Block.MinerTx.Outputs {
		s.addOutput(o, commit.Height, mustTxID(&commit.Block.MinerTx))
	}
	bei := &BlockExtendedInfo{
		Block:                 commit.Block,
		Height:                commit.Height,
		CumulativeDifficulty:  commit.CumulativeDifficulty,
		AlreadyGeneratedCoins: commit.AlreadyGeneratedCoins,
		CumulativeSize:        commit.BlockSize,
	}
	s.blocks = append(s.blocks, bei)
	s.byHash[id] = len(s.blocks) - 1
	return nil
}

func (s *fakeStore) addOutput(o TxOut, height uint64, txID Hash256) {
	const amount = 0
	if s.outputs[amount] == nil {
		s.outputs[amount] = make(map[uint64]*OutputEntry)
	}
	idx := s.outputCnt[amount]
	s.outputs[amount][idx] = &OutputEntry{Amount: amount, GlobalIndex: idx, Key: o.Key, TxID: txID, Height: height}
	s.outputCnt[amount]++
}

func mustTxID(tx *Transaction) Hash256 {
	id, _ := tx.TxID()
	return id
}

func (s *fakeStore) PopBlock() (*Block, []*Transaction, error) {
	if len(s.blocks) == 0 {
		return nil, nil, simpleErr("fakeStore: pop on empty chain")
	}
	top := s.blocks[len(s.blocks)-1]
	id, _ := top.Block.Hash()
	s.blocks = s.blocks[:len(s.blocks)-1]
	delete(s.byHash, id)

	var nonCoinbase []*Transaction
	for _, h := range top.Block.TxHashes {
		if tx, ok := s.txs[h]; ok {
			nonCoinbase = append(nonCoinbase, tx)
			delete(s.txs, h)
			delete(s.txHeight, h)
			if tx.RctSig != nil {
				for _, in := range tx.Inputs {
					if in.ToKey != nil {
						delete(s.keyImages, in.ToKey.KeyImage)
					}
				}
			}
		}
	}
	return top.Block, nonCoinbase, nil
}

func (s *fakeStore) ReadBatch(fn func(ReadView) error) error { return fn(fakeReadView{s}) }

func (s *fakeStore) Sync() error  { return nil }
func (s *fakeStore) Close() error { return nil }

type fakeReadView struct{ s *fakeStore }

func (v fakeReadView) GetBlockByHeight(height uint64) (*BlockExtendedInfo, bool, error) {
	return v.s.GetBlockByHeight(height)
}
func (v fakeReadView) GetOutput(amount, globalIndex uint64) (*OutputEntry, bool, error) {
	return v.s.GetOutput(amount, globalIndex)
}
func (v fakeReadView) HasKeyImage(ki Hash256) (bool, error) { return v.s.HasKeyImage(ki) }

// fakeMempool is a MempoolPort stub that never holds transactions: every
// block built by these tests carries only a coinbase, so TakeTx is never
// consulted for a real transaction body.
type fakeMempool struct{}

func (fakeMempool) TakeTx(id Hash256) (*Transaction, uint64, uint64, bool) { return nil, 0, 0, false }
func (fakeMempool) AddTx(tx *Transaction) error                            { return nil }
func (fakeMempool) OnBlockchainInc(height uint64, topID Hash256)           {}
func (fakeMempool) OnBlockchainDec(height uint64, topID Hash256)           {}
func (fakeMempool) Lock()                                                  {}
func (fakeMempool) Unlock()                                                {}

var _ CheckpointSource = noCheckpoints{}

type noCheckpoints struct{}

func (noCheckpoints) Get(height uint64) (Hash256, bool) { return Hash256{}, false }
func (noCheckpoints) Refresh(ctx context.Context) error { return nil }

// mustTestEngine builds an Engine over a fakeStore, seeded with a single
// genesis block, for tests that only need coinbase-only blocks (no
// transaction verification paths exercised).
func mustTestEngine(t interface{ Fatalf(string, ...any) }) (*Engine, *fakeStore) {
	store := newFakeStore()
	gov := NewHardForkGovernor(DefaultForkTable(NetworkFake))
	diff := NewDifficultyEngine(gov, 8)
	verify := NewTxVerifier(gov, acceptAllCrypto{})
	e := NewEngine(EngineConfig{
		Store:      store,
		Governor:   gov,
		Difficulty: diff,
		Verifier:   verify,
		Crypto:     acceptAllCrypto{},
		Mempool:    fakeMempool{},
	})
	genesis, err := BuildGenesis(GenesisConfig{Timestamp: 1000, MajorVersion: 1, Outputs: []TxOut{{Amount: 0, Key: Hash256{0xaa}}}})
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	if err := e.Init(genesis); err != nil {
		t.Fatalf("Engine.Init: %v", err)
	}
	return e, store
}

// mineCoinbaseOnlyBlock builds and submits a coinbase-only block extending
// prevID at the given timestamp and minor nonce (used to vary the hash
// across competing chains), accepting it via AddNewBlock.
func mineCoinbaseOnlyBlock(e *Engine, prevID Hash256, height uint64, ts int64, nonce uint32) (*VerificationContext, Hash256, error) {
	block := &Block{
		Header: BlockHeader{
			MajorVersion: e.gov.ruleAt(height).Version,
			Timestamp:    ts,
			PrevID:       prevID,
			Nonce:        nonce,
		},
		MinerTx: Transaction{
			Version:    1,
			UnlockTime: height + MinedMoneyUnlockWindow,
			Inputs:     []TxIn{{Gen: &TxInGen{Height: height}}},
			Outputs:    []TxOut{{Amount: Subsidy(height, 0), Key: Hash256{byte(height)}}},
		},
	}
	root, err := block.ComputeMerkleRoot()
	if err != nil {
		return nil, Hash256{}, err
	}
	block.Header.MerkleRoot = root
	vc, err := e.AddNewBlock(block, nil)
	id, _ := block.Hash()
	return vc, id, err
}
