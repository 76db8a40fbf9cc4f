package core

// altBlockRecord pairs an alt-chain block's extended info with the full
// transaction bodies it references, since those bodies may not exist in
// the store or mempool yet (the block hasn't been applied).
type altBlockRecord struct {
	info *BlockExtendedInfo
	txs  map[Hash256]*Transaction
}

// applyAlternateLocked is S3 Alternate Extend.
func (e *Engine) applyAlternateLocked(block *Block, id Hash256, txByHash map[Hash256]*Transaction) (*VerificationContext, error) {
	ancestry, attachHeight, ok := e.altAncestryLocked(block.Header.PrevID)
	if !ok {
		return &VerificationContext{MarkedAsOrphaned: true}, nil
	}

	altTimestamps := make([]int64, 0, len(ancestry)+1)
	for _, a := range ancestry {
		altTimestamps = append(altTimestamps, a.info.Block.Header.Timestamp)
	}
	altTimestamps = append(altTimestamps, block.Header.Timestamp)

	height := attachHeight + uint64(len(ancestry))
	requiredWindow := requiredHistoryBlocks(e.gov, height)
	mainWindow := e.recentDifficultyWindowLocked(attachHeight, requiredWindow+1)
	altDiffs := make([]uint64, 0, len(ancestry))
	prevCum := uint64(0)
	if attachHeight > 0 {
		prevCum, _ = e.store.CumulativeDifficulty(attachHeight - 1)
	}
	for _, a := range ancestry {
		altDiffs = append(altDiffs, a.info.CumulativeDifficulty-prevCum)
		prevCum = a.info.CumulativeDifficulty
	}

	splicedWindow := SpliceAltWindow(mainWindow, TimestampWindow{Timestamps: altTimestamps, Difficulties: altDiffs}, requiredWindow)
	difficulty := e.diff.NextDifficulty(height, splicedWindow)

	medianWindow := e.recentTimestampsLocked(attachHeight, medianTimestampWindow)
	medianWindow = append(medianWindow, altTimestamps[:len(altTimestamps)-1]...)
	if len(medianWindow) > medianTimestampWindow {
		medianWindow = medianWindow[len(medianWindow)-medianTimestampWindow:]
	}

	if vc := e.prevalidateWithContext(block, height, medianWindow, difficulty); vc != nil {
		e.invalidBlocks.Add(id, struct{}{})
		return vc, nil
	}

	cumDifficulty := prevCum + difficulty
	info := &BlockExtendedInfo{Block: block, Height: height, CumulativeDifficulty: cumDifficulty}
	e.altChains.Add(id, info)
	e.altTxBodies[id] = txByHash

	mainCum, _ := e.store.CumulativeDifficulty(e.store.Height() - 1)
	forceCheckpoint := false
	if e.checkpoints != nil {
		if want, ok := e.checkpoints.Get(height); ok {
			if bh, err := block.Hash(); err == nil && bh == want {
				forceCheckpoint = true
			}
		}
	}

	if forceCheckpoint || cumDifficulty > mainCum {
		e.log.Infof("alt chain at %x (height %d, cumdiff %d) overtakes main chain (cumdiff %d), reorganizing", id[:4], height, cumDifficulty, mainCum)
		return e.reorgToLocked(id)
	}
	e.log.Debugf("block %x accepted onto alt chain at height %d", id[:4], height)
	return &VerificationContext{AddedAsAlt: true}, nil
}

// altAncestryLocked walks back from prevID via the alternate index until it
// finds a main-chain ancestor, returning the alt blocks from oldest to
// newest and the main-chain attachment height.
func (e *Engine) altAncestryLocked(prevID Hash256) (ancestry []altBlockRecord, attachHeight uint64, ok bool) {
	var chain []altBlockRecord
	cur := prevID
	const maxWalk = 10_000
	for i := 0; i < maxWalk; i++ {
		if info, found := e.altChains.Get(cur); found {
			chain = append([]altBlockRecord{{info: info, txs: e.altTxBodies[cur]}}, chain...)
			cur = info.Block.Header.PrevID
			continue
		}
		if bei, found, err := e.store.GetBlock(cur); err == nil && found {
			return chain, bei.Height + 1, true
		}
		return nil, 0, false
	}
	return nil, 0, false
}

// reorgToLocked is the reorg protocol of spec.md §4.5.1: pop the main
// chain back to the attachment point, replay the alt chain via S2, and on
// any failure roll back to the saved tail (S5).
func (e *Engine) reorgToLocked(newTipID Hash256) (*VerificationContext, error) {
	tipInfo, ok := e.altChains.Get(newTipID)
	if !ok {
		return nil, simpleErr("reorg target is not a known alt block")
	}

	altSize := 0
	for cur := newTipID; ; {
		info, found := e.altChains.Get(cur)
		if !found {
			break
		}
		altSize++
		cur = info.Block.Header.PrevID
	}
	predecessors := e.recentTimestampsLocked(tipInfo.Height-uint64(altSize)+1, PoissonCheckDepth)
	reversed := make([]int64, len(predecessors))
	for i, t := range predecessors {
		reversed[len(predecessors)-1-i] = t
	}
	if poissonRejectsReorg(altSize, tipInfo.Block.Header.Timestamp, reversed, NowFunc()) {
		e.log.Warnf("reorg to %x (depth %d) rejected by poisson sanity check", newTipID[:4], altSize)
		return &VerificationContext{VerificationFailed: true, FailureKind: VerifyBadTimestamp, FailureDetail: "poisson sanity check rejected reorg"}, nil
	}

	attachHeight := tipInfo.Height - uint64(altSize) + 1

	var savedTail []*Block
	var savedInfo []*BlockExtendedInfo
	var savedTxs []map[Hash256]*Transaction
	var disconnectedTxs []*Transaction
	for e.store.Height() > attachHeight {
		poppedHeight := e.store.Height() - 1
		poppedCumDiff, _ := e.store.CumulativeDifficulty(poppedHeight)
		popped, nonCoinbase, err := e.store.PopBlock()
		if err != nil {
			return nil, NewStoreError("reorg-pop", err)
		}
		savedTail = append(savedTail, popped)
		savedInfo = append(savedInfo, &BlockExtendedInfo{Block: popped, Height: poppedHeight, CumulativeDifficulty: poppedCumDiff})
		txByHash := make(map[Hash256]*Transaction, len(nonCoinbase))
		for _, tx := range nonCoinbase {
			if id, err := tx.TxID(); err == nil {
				txByHash[id] = tx
			}
		}
		savedTxs = append(savedTxs, txByHash)
		disconnectedTxs = append(disconnectedTxs, nonCoinbase...)
	}

	altChain := make([]*Block, altSize)
	altTxs := make([]map[Hash256]*Transaction, altSize)
	cur := newTipID
	for i := altSize - 1; i >= 0; i-- {
		info, _ := e.altChains.Get(cur)
		altChain[i] = info.Block
		altTxs[i] = e.altTxBodies[cur]
		cur = info.Block.Header.PrevID
	}

	splitHeight := attachHeight
	e.gov.ReorganizeFrom(splitHeight)
	for i, block := range altChain {
		id, _ := block.Hash()
		vc, err := e.applyMainChainLocked(block, id, altTxs[i])
		if err != nil || (vc != nil && vc.VerificationFailed) {
			e.log.Warnf("reorg to %x failed replaying alt block %x, rolling back to height %d", newTipID[:4], id[:4], attachHeight)
			e.invalidBlocks.Add(id, struct{}{})
			for j := i + 1; j < altSize; j++ {
				bid, _ := altChain[j].Hash()
				e.invalidBlocks.Add(bid, struct{}{})
			}
			if rerr := e.rollbackLocked(savedTail, attachHeight); rerr != nil {
				panic("fatal: reorg rollback failed, node state is inconsistent: " + rerr.Error())
			}
			if err != nil {
				return nil, err
			}
			return vc, nil
		}
	}

	// The disconnected main-chain tail becomes its own alt chain rooted at
	// the split point (spec.md §4.5.1 step 3), so a future competing block
	// that extends it is recognized as an alt-chain tip instead of an
	// orphan with an unknown parent.
	for i, b := range savedTail {
		bid, err := b.Hash()
		if err != nil {
			continue
		}
		e.altChains.Add(bid, savedInfo[i])
		e.altTxBodies[bid] = savedTxs[i]
	}
	for cur := newTipID; ; {
		info, found := e.altChains.Get(cur)
		if !found {
			break
		}
		e.altChains.Remove(cur)
		delete(e.altTxBodies, cur)
		cur = info.Block.Header.PrevID
	}

	e.gov.ReorganizeFrom(splitHeight)

	for _, tx := range disconnectedTxs {
		_ = e.mempool.AddTx(tx)
	}
	if topHash, ok := e.store.TopHash(); ok {
		e.mempool.OnBlockchainDec(e.store.Height(), topHash)
	}

	e.log.Infof("reorg to %x complete: split at height %d, %d blocks replayed", newTipID[:4], splitHeight, altSize)
	e.metrics.reorgsTotal.Inc()
	return &VerificationContext{AddedToMainChain: true}, nil
}

// rollbackLocked is S5: pop back to height, then re-apply the saved tail
// (oldest first) via S2. A failure here leaves the node in an
// inconsistent state and is fatal per spec.md §9 — the caller panics
// rather than silently diverging from the network.
func (e *Engine) rollbackLocked(savedTail []*Block, height uint64) error {
	for e.store.Height() > height {
		if _, _, err := e.store.PopBlock(); err != nil {
			return err
		}
	}
	for i := len(savedTail) - 1; i >= 0; i-- {
		block := savedTail[i]
		id, err := block.Hash()
		if err != nil {
			return err
		}
		txs := make(map[Hash256]*Transaction, len(block.TxHashes))
		for _, h := range block.TxHashes {
			if tx, _, ok, _ := e.store.GetTx(h); ok {
				txs[h] = tx
			}
		}
		vc, err := e.applyMainChainLocked(block, id, txs)
		if err != nil {
			return err
		}
		if vc.VerificationFailed {
			return simpleErr("re-applying saved tail failed verification: " + vc.FailureDetail)
		}
	}
	return nil
}
