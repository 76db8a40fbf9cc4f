package core

import "testing"

// acceptAllCrypto is a CryptoProvider stub that accepts every signature,
// commitment and point check, so tests can isolate the verifier's
// structural and unlock-time logic from the cgo-backed crypto primitives.
type acceptAllCrypto struct{}

func (acceptAllCrypto) PowHash(headerBytes []byte, nonce uint32) ([32]byte, error) {
	return [32]byte{}, nil
}
func (acceptAllCrypto) PowCheckTarget(hash, target [32]byte) bool     { return true }
func (acceptAllCrypto) DifficultyToTarget(difficulty uint64) [32]byte { return [32]byte{} }
func (acceptAllCrypto) IsValidPoint(key Hash256) bool                 { return true }
func (acceptAllCrypto) VerifyMLSAGFull(prefixHash Hash256, ring [][]Hash256, keyImages []Hash256, mlsag []byte) bool {
	return true
}
func (acceptAllCrypto) VerifyMLSAGSimple(prefixHash Hash256, ring []Hash256, pseudoOut, keyImage Hash256, mlsag []byte) bool {
	return true
}
func (acceptAllCrypto) VerifyBulletproof(commitments []Hash256, proof []byte) bool { return true }
func (acceptAllCrypto) VerifyRangeProof(commitment Hash256, proof []byte) bool     { return true }
func (acceptAllCrypto) CommitmentAdd(a, b Hash256) Hash256                         { return a }
func (acceptAllCrypto) CommitmentSub(a, b Hash256) Hash256                         { return Hash256{} }
func (acceptAllCrypto) CommitmentIsZero(c Hash256) bool                            { return true }
func (acceptAllCrypto) CreateFeeCommitment(fee uint64) Hash256                     { return Hash256{} }

func TestIsSpendTimeUnlocked(t *testing.T) {
	cases := []struct {
		unlockTime, tipHeight uint64
		want                  bool
	}{
		{unlockTime: 100, tipHeight: 99, want: true}, // within the 1-block delta
		{unlockTime: 100, tipHeight: 100, want: true},
		{unlockTime: 100, tipHeight: 98, want: false}, // delta of 1 doesn't reach across 2 blocks
		{unlockTime: 0, tipHeight: 0, want: true},
	}
	for _, c := range cases {
		if got := isSpendTimeUnlocked(c.unlockTime, c.tipHeight); got != c.want {
			t.Fatalf("isSpendTimeUnlocked(%d, %d) = %v, want %v", c.unlockTime, c.tipHeight, got, c.want)
		}
	}
}

func mustTestVerifier() *TxVerifier {
	gov := NewHardForkGovernor(DefaultForkTable(NetworkFake))
	return NewTxVerifier(gov, acceptAllCrypto{})
}

// simpleTx builds a minimal non-coinbase transaction; keyOffsets must have
// at least MinMixinDefault+1 entries to clear the ring-size rule.
func simpleTx(keyOffsets []uint64, fee uint64) *Transaction {
	return &Transaction{
		Version:    1,
		UnlockTime: 0,
		Inputs: []TxIn{{
			ToKey: &TxInToKey{Amount: 0, KeyOffsets: keyOffsets, KeyImage: Hash256{1}},
		}},
		Outputs: []TxOut{{Amount: 0, Key: Hash256{2}}},
		RctSig: &RctSignature{
			Type:       RCTTypeSimple,
			Fee:        fee,
			PseudoOuts: []Hash256{{3}},
			OutPk:      []Hash256{{4}},
			MLSAGs:     [][]byte{{5}},
		},
	}
}

func notSpent(Hash256) (bool, error) { return false, nil }

func TestVerifyRejectsUnsatisfiedRingMemberUnlockTime(t *testing.T) {
	v := mustTestVerifier()
	tx := simpleTx([]uint64{0, 1, 2}, 1000)

	resolve := func(amount uint64, offsets []uint64, ki Hash256) ([]Hash256, []Hash256, []uint64, uint64, error) {
		// Three ring members: two already unlocked, one with an unlock
		// deadline far beyond the tip.
		return []Hash256{{6}, {7}, {10}}, []Hash256{{8}, {9}, {11}}, []uint64{0, 0, 1_000_000}, 0, nil
	}

	_, verr := v.Verify(tx, Hash256{}, 0, 50, notSpent, resolve)
	if verr == nil {
		t.Fatal("Verify: expected failure for unsatisfied ring member unlock time")
	}
	if verr.Kind != VerifyInvalidOutput {
		t.Fatalf("Verify: got error kind %v, want VerifyInvalidOutput", verr.Kind)
	}
}

func TestVerifyAcceptsWhenAllRingMembersUnlocked(t *testing.T) {
	v := mustTestVerifier()
	tx := simpleTx([]uint64{0, 1, 2}, 1000)

	resolve := func(amount uint64, offsets []uint64, ki Hash256) ([]Hash256, []Hash256, []uint64, uint64, error) {
		return []Hash256{{6}, {7}, {10}}, []Hash256{{8}, {9}, {11}}, []uint64{0, 40, 50}, 0, nil
	}

	res, verr := v.Verify(tx, Hash256{}, 0, 50, notSpent, resolve)
	if verr != nil {
		t.Fatalf("Verify: unexpected failure: %v", verr)
	}
	if res.MaxUsedBlockHeight != 0 {
		t.Fatalf("Verify: got MaxUsedBlockHeight %d, want 0", res.MaxUsedBlockHeight)
	}
}

func TestVerifyRejectsDoubleSpend(t *testing.T) {
	v := mustTestVerifier()
	tx := simpleTx([]uint64{0, 1, 2}, 1000)

	alreadySpent := func(Hash256) (bool, error) { return true, nil }
	resolve := func(amount uint64, offsets []uint64, ki Hash256) ([]Hash256, []Hash256, []uint64, uint64, error) {
		return []Hash256{{6}, {7}, {10}}, []Hash256{{8}, {9}, {11}}, []uint64{0, 0, 0}, 0, nil
	}

	_, verr := v.Verify(tx, Hash256{}, 0, 50, alreadySpent, resolve)
	if verr == nil || verr.Kind != VerifyDoubleSpend {
		t.Fatalf("Verify: expected VerifyDoubleSpend, got %v", verr)
	}
}
