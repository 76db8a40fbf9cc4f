package mempool

import (
	"testing"

	"github.com/blocknet-core/bnchain/internal/core"
)

func neverSpent(core.Hash256) (bool, error) { return false, nil }

// feeTx builds a small non-coinbase transaction (about 180 serialized
// bytes) carrying fee, so fee/size lands at a predictable rate for
// admission-policy tests.
func feeTx(t *testing.T, ki core.Hash256, fee uint64) *core.Transaction {
	t.Helper()
	return &core.Transaction{
		Version: 1,
		Inputs:  []core.TxIn{{ToKey: &core.TxInToKey{Amount: 0, KeyOffsets: []uint64{0, 1, 2}, KeyImage: ki}}},
		Outputs: []core.TxOut{{Amount: 0, Key: core.Hash256{0x1}}},
		RctSig: &core.RctSignature{
			Type:       core.RCTTypeSimple,
			Fee:        fee,
			PseudoOuts: []core.Hash256{{0x2}},
			OutPk:      []core.Hash256{{0x3}},
			MLSAGs:     [][]byte{{0x4}},
		},
	}
}

func TestAddTxRejectsCoinbase(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	cb := &core.Transaction{Inputs: []core.TxIn{{Gen: &core.TxInGen{Height: 1}}}}
	if err := p.AddTx(cb); err == nil {
		t.Fatal("AddTx: expected error for coinbase transaction")
	}
}

func TestAddTxRejectsBelowMinFeeRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFeeRate = 1000
	p := New(cfg, neverSpent, nil)
	tx := feeTx(t, core.Hash256{0xaa}, 1)
	if err := p.AddTx(tx); err == nil {
		t.Fatal("AddTx: expected error for fee rate below minimum")
	}
}

func TestAddTxAcceptsAndDeduplicates(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	tx := feeTx(t, core.Hash256{0xbb}, 10000)
	if err := p.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("Size after one AddTx: got %d, want 1", p.Size())
	}
	// Re-adding the identical tx is a no-op, not an error.
	if err := p.AddTx(tx); err != nil {
		t.Fatalf("AddTx duplicate: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("Size after duplicate AddTx: got %d, want 1", p.Size())
	}
}

func TestAddTxRejectsInPoolDoubleSpend(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	ki := core.Hash256{0xcc}
	first := feeTx(t, ki, 10000)
	if err := p.AddTx(first); err != nil {
		t.Fatalf("AddTx first: %v", err)
	}
	second := feeTx(t, ki, 20000)
	if err := p.AddTx(second); err == nil {
		t.Fatal("AddTx: expected error for in-pool key-image collision")
	}
}

func TestAddTxRejectsOnChainSpentKeyImage(t *testing.T) {
	alreadySpent := func(core.Hash256) (bool, error) { return true, nil }
	p := New(DefaultConfig(), alreadySpent, nil)
	tx := feeTx(t, core.Hash256{0xdd}, 10000)
	if err := p.AddTx(tx); err == nil {
		t.Fatal("AddTx: expected error for on-chain spent key image")
	}
}

func TestTakeTxRemovesFromPool(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	tx := feeTx(t, core.Hash256{0xee}, 10000)
	if err := p.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	txID, err := tx.TxID()
	if err != nil {
		t.Fatalf("TxID: %v", err)
	}
	got, _, _, ok := p.TakeTx(txID)
	if !ok || got != tx {
		t.Fatalf("TakeTx: ok=%v got=%v, want tx", ok, got)
	}
	if p.Size() != 0 {
		t.Fatalf("Size after TakeTx: got %d, want 0", p.Size())
	}
	if _, _, _, ok := p.TakeTx(txID); ok {
		t.Fatal("TakeTx: second call should report not found")
	}
}

func TestOnBlockchainIncPrunesSpentKeyImages(t *testing.T) {
	ki := core.Hash256{0xf0}
	spent := false
	checker := func(check core.Hash256) (bool, error) { return spent && check == ki, nil }
	p := New(DefaultConfig(), checker, nil)
	tx := feeTx(t, ki, 10000)
	if err := p.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	spent = true
	p.OnBlockchainInc(1, core.Hash256{})
	if p.Size() != 0 {
		t.Fatalf("Size after OnBlockchainInc: got %d, want 0 (tx should be pruned)", p.Size())
	}
}

func TestTxsForTemplateOrdersByFeeRateDesc(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	low := feeTx(t, core.Hash256{0x1}, 1000)
	high := feeTx(t, core.Hash256{0x2}, 100000)
	if err := p.AddTx(low); err != nil {
		t.Fatalf("AddTx low: %v", err)
	}
	if err := p.AddTx(high); err != nil {
		t.Fatalf("AddTx high: %v", err)
	}
	got := p.TxsForTemplate(1<<20, 10)
	if len(got) != 2 {
		t.Fatalf("TxsForTemplate: got %d txs, want 2", len(got))
	}
	if got[0] != high {
		t.Fatal("TxsForTemplate: expected higher fee-rate tx first")
	}
}

func TestTxsForTemplateRespectsMaxSize(t *testing.T) {
	p := New(DefaultConfig(), neverSpent, nil)
	tx := feeTx(t, core.Hash256{0x3}, 10000)
	if err := p.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	if got := p.TxsForTemplate(1, 10); len(got) != 0 {
		t.Fatalf("TxsForTemplate with tiny maxSize: got %d txs, want 0", len(got))
	}
}
