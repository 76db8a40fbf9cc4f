package core

// GetBlockByID returns the full block body for id, for handle_get_objects
// peer-sync responses.
func (e *Engine) GetBlockByID(id Hash256) (*Block, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bei, ok, err := e.store.GetBlock(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return bei.Block, true, nil
}

// GetTxByID returns a transaction's body by hash, for handle_get_objects.
func (e *Engine) GetTxByID(id Hash256) (*Transaction, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, _, ok, err := e.store.GetTx(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return tx, true, nil
}

// HandleGetObjects resolves a peer's batch block/tx request, reporting
// back whichever ids it couldn't serve (spec.md §6 handle_get_objects).
func (e *Engine) HandleGetObjects(blockIDs, txIDs []Hash256) (blocks []*Block, txs []*Transaction, missedBlocks, missedTxs []Hash256) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range blockIDs {
		if bei, ok, err := e.store.GetBlock(id); err == nil && ok {
			blocks = append(blocks, bei.Block)
		} else {
			missedBlocks = append(missedBlocks, id)
		}
	}
	for _, id := range txIDs {
		if tx, _, ok, err := e.store.GetTx(id); err == nil && ok {
			txs = append(txs, tx)
		} else {
			missedTxs = append(missedTxs, id)
		}
	}
	return blocks, txs, missedBlocks, missedTxs
}

// ShortChainHistory builds the dense-near-tip, exponentially-sparse-toward-
// genesis id list a peer sends to request a sync supplement (spec.md §6
// get_short_chain_history): ids[0] is the tip, the first ten gaps are one
// block each, after that each gap doubles, and genesis is always the last
// entry.
func (e *Engine) ShortChainHistory() []Hash256 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shortChainHistoryLocked()
}

func (e *Engine) shortChainHistoryLocked() []Hash256 {
	height := e.store.Height()
	if height == 0 {
		return nil
	}
	var ids []Hash256
	step := uint64(1)
	denseLeft := 10 // dense for the first 10 entries, then exponential
	h := height - 1
	for {
		bei, ok, err := e.store.GetBlockByHeight(h)
		if err != nil || !ok {
			break
		}
		id, err := bei.Block.Hash()
		if err != nil {
			break
		}
		ids = append(ids, id)
		if h == 0 {
			break
		}
		if denseLeft > 0 {
			denseLeft--
		} else {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	return ids
}

const supplementSizeCapBytes = 100 << 20 // ~100 MiB, spec.md §6
const supplementMinBlocks = 3

// FindBlockchainSupplement locates the split point a peer's short chain
// history (qblockIDs, tip-first) diverges from our main chain, then
// returns up to supplementSizeCapBytes of blocks from just past the split,
// never fewer than supplementMinBlocks when the chain has them.
func (e *Engine) FindBlockchainSupplement(qblockIDs []Hash256) (startHeight uint64, blocks []*Block, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var splitHeight uint64
	haveSplit := false
	for _, id := range qblockIDs {
		if bei, ok, err := e.store.GetBlock(id); err == nil && ok {
			if isMainChainAtLocked(e, bei) {
				splitHeight = bei.Height
				haveSplit = true
				break
			}
		}
	}
	if !haveSplit {
		return 0, nil, false
	}

	height := e.store.Height()
	var size int
	h := splitHeight + 1
	for h < height {
		bei, ok, err := e.store.GetBlockByHeight(h)
		if err != nil || !ok {
			break
		}
		blob, err := bei.Block.Serialize()
		if err != nil {
			break
		}
		size += len(blob)
		blocks = append(blocks, bei.Block)
		h++
		if size >= supplementSizeCapBytes && len(blocks) >= supplementMinBlocks {
			break
		}
	}
	return splitHeight + 1, blocks, true
}

// isMainChainAtLocked reports whether bei (obtained by hash lookup) is
// actually the main-chain block at its recorded height, as opposed to an
// alternate-chain block sharing the store's generic block bucket.
func isMainChainAtLocked(e *Engine, bei *BlockExtendedInfo) bool {
	atHeight, ok, err := e.store.GetBlockByHeight(bei.Height)
	if err != nil || !ok {
		return false
	}
	wantID, err := bei.Block.Hash()
	if err != nil {
		return false
	}
	gotID, err := atHeight.Block.Hash()
	if err != nil {
		return false
	}
	return wantID == gotID
}
