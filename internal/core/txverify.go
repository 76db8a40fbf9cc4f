package core

// TxVerifier validates a transaction's structure, ring membership,
// signatures, commitments, fees, and unlock times (spec.md §4.4).
type TxVerifier struct {
	gov    *HardForkGovernor
	crypto CryptoProvider
}

func NewTxVerifier(gov *HardForkGovernor, crypto CryptoProvider) *TxVerifier {
	return &TxVerifier{gov: gov, crypto: crypto}
}

// VerifyResult is the verifier's success output: the maximum block height
// among all referenced outputs, used to set the containing block's
// MaxUsedBlockHeight for reorg sensitivity (spec.md §4.4).
type VerifyResult struct {
	MaxUsedBlockHeight uint64
}

// spentChecker answers whether a key image is already in the committed
// spent set; ring resolves a (amount, relative-offsets) input to its ring
// of (one-time key, commitment) pairs plus the max height among them.
type spentChecker func(ki Hash256) (bool, error)
type ringResolver func(amount uint64, offsets []uint64, keyImage Hash256) (keys []Hash256, commitments []Hash256, unlockTimes []uint64, maxHeight uint64, err error)

// isSpendTimeUnlocked mirrors is_tx_spendtime_unlocked: unlockTime is a
// block height deadline (this engine's coinbase and transaction unlock
// times are always height-denominated, never a unix timestamp), satisfied
// once the tip has reached it within a small fixed slack.
func isSpendTimeUnlocked(unlockTime, tipHeight uint64) bool {
	return tipHeight+LockedTxAllowedDeltaBlocks >= unlockTime
}

// Verify runs the ordered checks of spec.md §4.4 against a non-coinbase
// transaction. tipHeight is the current chain tip, used for unlock-time
// satisfaction. height is the height the tx is being verified for
// inclusion at (used for feature-gating).
func (v *TxVerifier) Verify(tx *Transaction, prefixHash Hash256, height, tipHeight uint64, spent spentChecker, resolveRing ringResolver) (*VerifyResult, *VerifyErr) {
	if tx.IsCoinbase() {
		return nil, newVerifyErr(VerifyBadTxStructure, "coinbase must be verified via VerifyCoinbase")
	}

	// 1. version range.
	minV := minTxVersion(v.gov, height)
	if tx.Version < minV || tx.Version > MaxTxVersion {
		return nil, newVerifyErr(VerifyBadVersion, "version %d outside [%d, %d]", tx.Version, minV, MaxTxVersion)
	}

	// 2. output-amount rule.
	ringctEra := v.gov.Feature(height, FeatureRingCTRequired)
	for i, out := range tx.Outputs {
		if ringctEra && out.Amount != 0 {
			return nil, newVerifyErr(VerifyBadOutput, "output %d carries a plaintext amount under ringct", i)
		}
		if !v.crypto.IsValidPoint(out.Key) {
			return nil, newVerifyErr(VerifyBadOutput, "output %d destination key is not a valid curve point", i)
		}
	}

	strict := v.gov.Feature(height, FeatureStrictTxSemantics)
	minMix := minMixin(v.gov, height)

	// 3. ring-size rule.
	var firstRingSize = -1
	for i, in := range tx.Inputs {
		if in.Gen != nil {
			return nil, newVerifyErr(VerifyBadTxStructure, "non-coinbase tx has a generation input at %d", i)
		}
		ringSize := len(in.ToKey.KeyOffsets)
		if ringSize > MaxMixin+1 {
			return nil, newVerifyErr(VerifyBadRingSize, "input %d ring size %d exceeds max mixin", i, ringSize)
		}
		if ringSize < minMix+1 {
			return nil, newVerifyErr(VerifyLowMixin, "input %d ring size %d below min mixin %d", i, ringSize, minMix)
		}
		if strict {
			if firstRingSize == -1 {
				firstRingSize = ringSize
			} else if ringSize != firstRingSize {
				return nil, newVerifyErr(VerifyBadRingSize, "input %d ring size %d differs from first ring size %d under strict semantics", i, ringSize, firstRingSize)
			}
		}
	}

	// 4. extra-field rule (strict semantics).
	if strict {
		if len(tx.Extra.AdditionalPublicKeys) > 0 && len(tx.Extra.AdditionalPublicKeys) != len(tx.Outputs) {
			return nil, newVerifyErr(VerifyBadTxStructure, "additional-pubkeys length %d does not match vout count %d", len(tx.Extra.AdditionalPublicKeys), len(tx.Outputs))
		}
	}

	// 5. input ordering: key images strictly descending by byte order
	// (strict semantics only).
	if strict {
		for i := 1; i < len(tx.Inputs); i++ {
			prev := tx.Inputs[i-1].ToKey.KeyImage
			cur := tx.Inputs[i].ToKey.KeyImage
			if !keyImageGreater(prev, cur) {
				return nil, newVerifyErr(VerifyBadTxStructure, "key images not strictly descending at input %d", i)
			}
		}
	}

	// 6 + 7: double-spend + ring resolution.
	var maxUsedHeight uint64
	rings := make([][]Hash256, len(tx.Inputs))    // [input][ring member keys]
	ringCommits := make([][]Hash256, len(tx.Inputs))
	keyImages := make([]Hash256, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ki := in.ToKey.KeyImage
		isSpent, err := spent(ki)
		if err != nil {
			return nil, newVerifyErr(VerifyDoubleSpend, "key image lookup failed: %v", err)
		}
		if isSpent {
			return nil, newVerifyErr(VerifyDoubleSpend, "input %d key image already spent", i)
		}
		keys, commits, unlockTimes, maxH, err := resolveRing(in.ToKey.Amount, in.ToKey.KeyOffsets, ki)
		if err != nil {
			return nil, newVerifyErr(VerifyInvalidOutput, "input %d ring resolution failed: %v", i, err)
		}
		if maxH > tipHeight || tipHeight-maxH < SpendableAge {
			return nil, newVerifyErr(VerifyInvalidOutput, "input %d references an output younger than spendable age", i)
		}
		for j, ut := range unlockTimes {
			if !isSpendTimeUnlocked(ut, tipHeight) {
				return nil, newVerifyErr(VerifyInvalidOutput, "input %d ring member %d has unsatisfied unlock time %d", i, j, ut)
			}
		}
		if maxH > maxUsedHeight {
			maxUsedHeight = maxH
		}
		rings[i] = keys
		ringCommits[i] = commits
		keyImages[i] = ki
	}

	// 8 + 9: ringCT signature dispatch.
	if err := v.verifySignatures(tx, prefixHash, height, rings, ringCommits, keyImages); err != nil {
		return nil, err
	}

	// fee commitment balance: sum(pseudo-outs) == sum(outputs) + fee-commitment.
	if tx.RctSig.Type != RCTTypeNull {
		if err := v.verifyBalance(tx); err != nil {
			return nil, err
		}
	}

	return &VerifyResult{MaxUsedBlockHeight: maxUsedHeight}, nil
}

func (v *TxVerifier) verifySignatures(tx *Transaction, prefixHash Hash256, height uint64, rings, ringCommits [][]Hash256, keyImages []Hash256) *VerifyErr {
	if tx.RctSig == nil {
		return newVerifyErr(VerifyBadSignature, "missing ringct signature bundle")
	}
	bpAllowed := v.gov.Feature(height, FeatureBulletproofsAllowed)
	bpRequired := v.gov.Feature(height, FeatureBulletproofsRequired)

	switch tx.RctSig.Type {
	case RCTTypeNull:
		return newVerifyErr(VerifyBadSignature, "RCTTypeNull is only valid for coinbase")

	case RCTTypeFull:
		if len(tx.RctSig.MLSAGs) != 1 {
			return newVerifyErr(VerifyBadSignature, "full ringct requires exactly one transposed mlsag")
		}
		// Transpose input-major rings into ring-major columns: column j
		// holds member j's (key, commitment) across every input.
		if len(rings) == 0 {
			return newVerifyErr(VerifyBadSignature, "full ringct with no inputs")
		}
		ringSize := len(rings[0])
		columns := make([][]Hash256, ringSize)
		for j := 0; j < ringSize; j++ {
			col := make([]Hash256, 0, 2*len(rings))
			for i := range rings {
				col = append(col, rings[i][j], ringCommits[i][j])
			}
			columns[j] = col
		}
		if !v.crypto.VerifyMLSAGFull(prefixHash, columns, keyImages, tx.RctSig.MLSAGs[0]) {
			return newVerifyErr(VerifyBadSignature, "full mlsag verification failed")
		}

	case RCTTypeSimple, RCTTypeBulletproof:
		if len(tx.RctSig.MLSAGs) != len(rings) {
			return newVerifyErr(VerifyBadSignature, "expected one mlsag per input, got %d for %d inputs", len(tx.RctSig.MLSAGs), len(rings))
		}
		if len(tx.RctSig.PseudoOuts) != len(rings) {
			return newVerifyErr(VerifyBadSignature, "expected one pseudo-output per input")
		}
		for i := range rings {
			flat := make([]Hash256, 0, 2*len(rings[i]))
			for j := range rings[i] {
				flat = append(flat, rings[i][j], ringCommits[i][j])
			}
			if !v.crypto.VerifyMLSAGSimple(prefixHash, flat, tx.RctSig.PseudoOuts[i], keyImages[i], tx.RctSig.MLSAGs[i]) {
				return newVerifyErr(VerifyBadSignature, "simple mlsag verification failed for input %d", i)
			}
		}
		isBulletproof := tx.RctSig.Type == RCTTypeBulletproof
		if isBulletproof && !bpAllowed {
			return newVerifyErr(VerifyBadSignature, "bulletproofs not yet allowed at this height")
		}
		if !isBulletproof && bpRequired {
			return newVerifyErr(VerifyBadSignature, "bulletproofs required at this height")
		}
		if isBulletproof {
			for i, bp := range tx.RctSig.Bulletproofs {
				if !v.crypto.VerifyBulletproof(tx.RctSig.OutPk, bp.Bytes) {
					return newVerifyErr(VerifyBadSignature, "bulletproof %d failed verification", i)
				}
			}
		} else {
			for i, rp := range tx.RctSig.RangeProofs {
				if i >= len(tx.RctSig.OutPk) || !v.crypto.VerifyRangeProof(tx.RctSig.OutPk[i], rp.Bytes) {
					return newVerifyErr(VerifyBadSignature, "range proof %d failed verification", i)
				}
			}
		}

	default:
		return newVerifyErr(VerifyBadSignature, "unknown ringct type %d", tx.RctSig.Type)
	}
	return nil
}

func (v *TxVerifier) verifyBalance(tx *Transaction) *VerifyErr {
	var sumPseudo Hash256
	first := true
	for _, p := range tx.RctSig.PseudoOuts {
		if first {
			sumPseudo = p
			first = false
			continue
		}
		sumPseudo = v.crypto.CommitmentAdd(sumPseudo, p)
	}
	var sumOut Hash256
	first = true
	for _, o := range tx.RctSig.OutPk {
		if first {
			sumOut = o
			first = false
			continue
		}
		sumOut = v.crypto.CommitmentAdd(sumOut, o)
	}
	feeCommit := v.crypto.CreateFeeCommitment(tx.RctSig.Fee)
	sumOut = v.crypto.CommitmentAdd(sumOut, feeCommit)
	diff := v.crypto.CommitmentSub(sumPseudo, sumOut)
	if !v.crypto.CommitmentIsZero(diff) {
		return newVerifyErr(VerifyBadTxStructure, "pseudo-output/output commitment balance does not hold")
	}
	return nil
}

// VerifyCoinbase validates a coinbase transaction's structure: exactly one
// generation input carrying height, unlock time height +
// MinedMoneyUnlockWindow, at least one output, and no overflow in the
// output sum. The reward amount is checked separately by the Block
// Verifier once fees are known; fee and range proofs are not examined.
func (v *TxVerifier) VerifyCoinbase(tx *Transaction, height uint64) *VerifyErr {
	if len(tx.Inputs) != 1 || tx.Inputs[0].Gen == nil {
		return newVerifyErr(VerifyBadCoinbase, "coinbase must have exactly one generation input")
	}
	if tx.Inputs[0].Gen.Height != height {
		return newVerifyErr(VerifyBadCoinbase, "coinbase height %d does not match block height %d", tx.Inputs[0].Gen.Height, height)
	}
	wantUnlock := height + MinedMoneyUnlockWindow
	if tx.UnlockTime != wantUnlock {
		return newVerifyErr(VerifyBadCoinbase, "coinbase unlock time %d != height+window %d", tx.UnlockTime, wantUnlock)
	}
	if len(tx.Outputs) == 0 {
		return newVerifyErr(VerifyBadCoinbase, "coinbase has no outputs")
	}
	var total uint64
	for _, o := range tx.Outputs {
		if total+o.Amount < total {
			return newVerifyErr(VerifyBadCoinbase, "coinbase output amounts overflow")
		}
		total += o.Amount
	}
	return nil
}

// keyImageGreater reports whether a > b under big-endian byte ordering,
// the "strictly descending by byte order" comparator of spec.md §4.4 step 5.
func keyImageGreater(a, b Hash256) bool {
	return compareBytes(a[:], b[:]) > 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
