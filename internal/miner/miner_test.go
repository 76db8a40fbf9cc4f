package miner

import (
	"context"
	"testing"
	"time"

	"github.com/blocknet-core/bnchain/internal/boltstore"
	"github.com/blocknet-core/bnchain/internal/core"
	"github.com/blocknet-core/bnchain/internal/mempool"
)

// alwaysWinCrypto is a core.CryptoProvider stub whose PowCheckTarget always
// reports success, so a miner under test finds a block on its first hash
// without needing the real cgo-backed proof-of-work primitives.
type alwaysWinCrypto struct{}

func (alwaysWinCrypto) PowHash(headerBytes []byte, nonce uint32) ([32]byte, error) {
	return [32]byte{}, nil
}
func (alwaysWinCrypto) PowCheckTarget(hash, target [32]byte) bool     { return true }
func (alwaysWinCrypto) DifficultyToTarget(difficulty uint64) [32]byte { return [32]byte{} }
func (alwaysWinCrypto) IsValidPoint(key core.Hash256) bool            { return true }
func (alwaysWinCrypto) VerifyMLSAGFull(prefixHash core.Hash256, ring [][]core.Hash256, keyImages []core.Hash256, mlsag []byte) bool {
	return true
}
func (alwaysWinCrypto) VerifyMLSAGSimple(prefixHash core.Hash256, ring []core.Hash256, pseudoOut, keyImage core.Hash256, mlsag []byte) bool {
	return true
}
func (alwaysWinCrypto) VerifyBulletproof(commitments []core.Hash256, proof []byte) bool { return true }
func (alwaysWinCrypto) VerifyRangeProof(commitment core.Hash256, proof []byte) bool     { return true }
func (alwaysWinCrypto) CommitmentAdd(a, b core.Hash256) core.Hash256                    { return a }
func (alwaysWinCrypto) CommitmentSub(a, b core.Hash256) core.Hash256                    { return core.Hash256{} }
func (alwaysWinCrypto) CommitmentIsZero(c core.Hash256) bool                            { return true }
func (alwaysWinCrypto) CreateFeeCommitment(fee uint64) core.Hash256                     { return core.Hash256{} }

func mustTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gov := core.NewHardForkGovernor(core.DefaultForkTable(core.NetworkFake))
	diff := core.NewDifficultyEngine(gov, 8)
	verify := core.NewTxVerifier(gov, alwaysWinCrypto{})
	e := core.NewEngine(core.EngineConfig{
		Store:      store,
		Governor:   gov,
		Difficulty: diff,
		Verifier:   verify,
		Crypto:     alwaysWinCrypto{},
	})
	genesis, err := core.BuildGenesis(core.GenesisConfig{
		Timestamp:    1000,
		MajorVersion: 1,
		Outputs:      []core.TxOut{{Amount: 0, Key: core.Hash256{0xaa}}},
	})
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	if err := e.Init(genesis); err != nil {
		t.Fatalf("Engine.Init: %v", err)
	}
	return e
}

func TestRunMinesAndSubmitsBlock(t *testing.T) {
	engine := mustTestEngine(t)
	pool := mempool.New(mempool.DefaultConfig(), nil, nil)

	m := New(engine, pool, Config{
		RewardOutputs:   []core.TxOut{{Key: core.Hash256{0x1}}},
		Threads:         1,
		MaxBlockTxBytes: 1 << 20,
		MaxBlockTxCount: 10,
	})

	found := make(chan *core.Block, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Run(ctx, found)
	defer m.Stop()

	select {
	case block := <-found:
		if block == nil {
			t.Fatal("Run: got nil block on found channel")
		}
		if engine.Height() != 2 {
			t.Fatalf("engine height after mined block: got %d, want 2", engine.Height())
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Run: timed out waiting for a mined block")
	}
}

func TestNotifyNewTipDoesNotBlockWhenIdle(t *testing.T) {
	m := New(mustTestEngine(t), nil, Config{Threads: 1})
	// NotifyNewTip before any search is running must not block or panic;
	// the buffered channel just absorbs the signal.
	m.NotifyNewTip()
	m.NotifyNewTip()
}

func TestSetThreadsClampsToAtLeastOne(t *testing.T) {
	m := New(mustTestEngine(t), nil, Config{Threads: 4})
	if got := m.Threads(); got != 4 {
		t.Fatalf("Threads: got %d, want 4", got)
	}
	m.SetThreads(0)
	if got := m.Threads(); got != 1 {
		t.Fatalf("Threads after SetThreads(0): got %d, want 1", got)
	}
}

func TestHashRateZeroBeforeStart(t *testing.T) {
	m := New(mustTestEngine(t), nil, Config{Threads: 1})
	if got := m.HashRate(); got != 0 {
		t.Fatalf("HashRate before Run: got %f, want 0", got)
	}
}
