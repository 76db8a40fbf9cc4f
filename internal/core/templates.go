package core

import "fmt"

// BlockTemplate is a not-yet-mined candidate block plus the map
// AddNewBlock needs once a worker finds a winning nonce.
type BlockTemplate struct {
	Block  *Block
	Txs    map[Hash256]*Transaction
	Target [32]byte
}

// CreateBlockTemplate assembles a candidate block extending the current
// tip (spec.md §6's create_block_template entry point): a coinbase paying
// minerOutputs plus the subsidy and fees from txs, followed by txs in the
// order given. The caller (internal/miner) selects txs from its mempool
// and is responsible for searching the nonce space and calling AddNewBlock
// once a winning header is found.
func (e *Engine) CreateBlockTemplate(minerOutputs []TxOut, txs []*Transaction) (*BlockTemplate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	height := e.store.Height()
	topHash, hasTop := e.store.TopHash()
	if height > 0 && !hasTop {
		return nil, NewStoreError("create-block-template", errNoGenesis)
	}

	var fees uint64
	txHashes := make([]Hash256, 0, len(txs))
	txByHash := make(map[Hash256]*Transaction, len(txs))
	for _, tx := range txs {
		if tx.RctSig == nil {
			return nil, fmt.Errorf("create-block-template: candidate tx missing ringct signature bundle")
		}
		id, err := tx.TxID()
		if err != nil {
			return nil, fmt.Errorf("create-block-template: %w", err)
		}
		fees += tx.RctSig.Fee
		txHashes = append(txHashes, id)
		txByHash[id] = tx
	}

	generated := e.generatedCoinsAtLocked(height)
	base := Subsidy(height, generated)
	median := e.medianBlockSizeLocked()

	// Two-phase miner-tx sizing (spec.md §6: coinbase fitted to exact size
	// in ≤10 iterative refinements), grounded on create_block_template's
	// try_count loop: the coinbase's own blob size feeds PenalizedSubsidy's
	// block-size penalty, but the coinbase's size itself depends on its
	// reward amount, so build it once against the txs-only size, then
	// re-derive the reward against the growing cumulative size until the
	// coinbase stops changing size or the iteration cap is hit.
	txsSize := uint64(0)
	for _, tx := range txs {
		if blob, err := tx.Serialize(); err == nil {
			txsSize += uint64(len(blob))
		}
	}

	coinbase := Transaction{
		Version:    1,
		UnlockTime: height + MinedMoneyUnlockWindow,
		Inputs:     []TxIn{{Gen: &TxInGen{Height: height}}},
		Outputs:    allocateReward(PenalizedSubsidy(base, median, txsSize)+fees, minerOutputs),
	}
	coinbaseBlob, err := coinbase.Serialize()
	if err != nil {
		return nil, fmt.Errorf("create-block-template: %w", err)
	}
	cumulativeSize := txsSize + uint64(len(coinbaseBlob))

	const maxTemplateTries = 10
	for try := 0; try < maxTemplateTries; try++ {
		penalized := PenalizedSubsidy(base, median, cumulativeSize)
		coinbase = Transaction{
			Version:    1,
			UnlockTime: height + MinedMoneyUnlockWindow,
			Inputs:     []TxIn{{Gen: &TxInGen{Height: height}}},
			Outputs:    allocateReward(penalized+fees, minerOutputs),
		}
		coinbaseBlob, err = coinbase.Serialize()
		if err != nil {
			return nil, fmt.Errorf("create-block-template: %w", err)
		}
		coinbaseSize := uint64(len(coinbaseBlob))
		if txsSize+coinbaseSize == cumulativeSize {
			break
		}
		cumulativeSize = txsSize + coinbaseSize
	}

	block := &Block{
		Header: BlockHeader{
			MajorVersion: e.gov.ruleAt(height).Version,
			MinorVersion: 0,
			Timestamp:    NowFunc(),
			PrevID:       topHash,
			Nonce:        0,
		},
		MinerTx:  coinbase,
		TxHashes: txHashes,
	}
	root, err := block.ComputeMerkleRoot()
	if err != nil {
		return nil, fmt.Errorf("create-block-template: %w", err)
	}
	block.Header.MerkleRoot = root

	difficulty := e.nextDifficultyLocked(height)
	target := e.crypto.DifficultyToTarget(difficulty)

	return &BlockTemplate{Block: block, Txs: txByHash, Target: target}, nil
}

// allocateReward spreads reward evenly across the caller's requested
// coinbase destinations, folding any remainder into the first output so
// the sum is always exactly reward.
func allocateReward(reward uint64, outputs []TxOut) []TxOut {
	if len(outputs) == 0 {
		return nil
	}
	share := reward / uint64(len(outputs))
	remainder := reward - share*uint64(len(outputs))
	result := make([]TxOut, len(outputs))
	for i, o := range outputs {
		amount := share
		if i == 0 {
			amount += remainder
		}
		result[i] = TxOut{Amount: amount, Key: o.Key}
	}
	return result
}
