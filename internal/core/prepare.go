package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PreparePipeline amortizes parse + proof-of-work + output-lookup work
// across a batch of incoming blocks before they cross the serial
// consensus gate (spec.md §4.6). Grounded on the worker-pool fan-out
// style of dyphira-git-yaci's ingest path, generalized to this engine's
// two-pass (parallel PoW, then single-threaded ring aggregation) shape.
type PreparePipeline struct {
	engine     *Engine
	maxWorkers int
}

// NewPreparePipeline builds a pipeline bound to engine, capped at
// maxWorkers concurrent PoW/output-read goroutines. maxWorkers <= 0 means
// unbounded (errgroup.SetLimit is skipped).
func NewPreparePipeline(engine *Engine, maxWorkers int) *PreparePipeline {
	return &PreparePipeline{engine: engine, maxWorkers: maxWorkers}
}

// PrepareBlock is one already-deserialized block plus the full bodies of
// every transaction its TxHashes list names.
type PrepareBlock struct {
	Block *Block
	Txs   map[Hash256]*Transaction
}

// ringKey identifies the ring a single key-image input resolves to within
// one batch, the cache key named in spec.md §4.6 step 3.
type ringKey struct {
	prefixHash Hash256
	keyImage   Hash256
}

type preparedRing struct {
	keys        []Hash256
	commits     []Hash256
	unlockTimes []uint64
	maxHeight   uint64
}

const prepareBatchRetryDelay = time.Second

// RunBatch ingests a batch of blocks: it takes the global mempool-then-
// chain lock, precomputes PoW hashes and resolves rings in parallel, then
// serially feeds each block through the Block Verifier/Applier (S2/S3),
// reusing the precomputed work. It retries the initial lock/batch
// acquisition with a bounded ~1s backoff if the store cannot start a
// batch, and aborts promptly if ctx is cancelled or the pipeline's cancel
// flag is set.
func (p *PreparePipeline) RunBatch(ctx context.Context, blocks []PrepareBlock) ([]*VerificationContext, error) {
	if len(blocks) == 0 {
		return nil, nil
	}

	p.engine.log.Debugf("prepare batch starting: %d blocks", len(blocks))
	if err := p.acquireBatch(ctx); err != nil {
		return nil, err
	}
	defer p.releaseBatch()

	if p.engine.cancel.IsSet() {
		return nil, ErrPipelineCancelled
	}

	// Pass 1: parallel, per-block. Filter duplicates/known-invalid and
	// precompute PoW hashes into the engine's shared map.
	p.engine.preparedPoW = make(map[Hash256][32]byte, len(blocks))
	var mu sync.Mutex
	fresh := make([]bool, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	if p.maxWorkers > 0 {
		g.SetLimit(p.maxWorkers)
	}
	for i := range blocks {
		i := i
		g.Go(func() error {
			if p.engine.cancel.IsSet() || gctx.Err() != nil {
				return ErrPipelineCancelled
			}
			b := blocks[i].Block
			id, err := b.Hash()
			if err != nil {
				return nil // left non-fresh; S2 will re-derive and reject
			}
			if _, ok, err := p.engine.store.GetBlock(id); err == nil && ok {
				return nil
			}
			if _, ok := p.engine.invalidBlocks.Get(id); ok {
				return nil
			}
			hash, err := p.engine.crypto.PowHash(b.Header.SerializeForPoW(), b.Header.Nonce)
			if err != nil {
				return nil
			}
			mu.Lock()
			p.engine.preparedPoW[id] = hash
			fresh[i] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Pass 2: single-threaded aggregation of every (amount, absolute
	// offset) pair referenced by a fresh block's transactions, deduped,
	// then fanned back out as parallel per-amount batch reads.
	type lookup struct {
		amount uint64
		index  uint64
	}
	seen := make(map[lookup]bool)
	var need []lookup
	type inputRef struct {
		prefixHash Hash256
		keyImage   Hash256
		amount     uint64
		absolute   []uint64
	}
	var refs []inputRef

	for i, fr := range fresh {
		if !fr {
			continue
		}
		for _, tx := range blocks[i].Txs {
			if tx.IsCoinbase() {
				continue
			}
			prefixHash, err := tx.SigningHash()
			if err != nil {
				continue
			}
			for _, in := range tx.Inputs {
				if in.Gen != nil {
					continue
				}
				abs := make([]uint64, len(in.ToKey.KeyOffsets))
				var run uint64
				for j, rel := range in.ToKey.KeyOffsets {
					if j == 0 {
						run = rel
					} else {
						run += rel
					}
					abs[j] = run
					l := lookup{amount: in.ToKey.Amount, index: run}
					if !seen[l] {
						seen[l] = true
						need = append(need, l)
					}
				}
				refs = append(refs, inputRef{prefixHash: prefixHash, keyImage: in.ToKey.KeyImage, amount: in.ToKey.Amount, absolute: abs})
			}
		}
	}

	outputs := make(map[lookup]*OutputEntry, len(need))
	if len(need) > 0 {
		var omu sync.Mutex
		og, ogctx := errgroup.WithContext(ctx)
		if p.maxWorkers > 0 {
			og.SetLimit(p.maxWorkers)
		}
		for _, l := range need {
			l := l
			og.Go(func() error {
				if p.engine.cancel.IsSet() || ogctx.Err() != nil {
					return ErrPipelineCancelled
				}
				out, ok, err := p.engine.store.GetOutput(l.amount, l.index)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				omu.Lock()
				outputs[l] = out
				omu.Unlock()
				return nil
			})
		}
		if err := og.Wait(); err != nil {
			return nil, err
		}
	}

	p.engine.preparedRings = make(map[ringKey]preparedRing, len(refs))
	for _, r := range refs {
		keys := make([]Hash256, 0, len(r.absolute))
		commits := make([]Hash256, 0, len(r.absolute))
		unlockTimes := make([]uint64, 0, len(r.absolute))
		var maxHeight uint64
		complete := true
		for _, idx := range r.absolute {
			out, ok := outputs[lookup{amount: r.amount, index: idx}]
			if !ok {
				complete = false
				break
			}
			keys = append(keys, out.Key)
			commits = append(commits, out.Commitment)
			unlockTimes = append(unlockTimes, out.UnlockTime)
			if out.Height > maxHeight {
				maxHeight = out.Height
			}
		}
		if complete {
			p.engine.preparedRings[ringKey{prefixHash: r.prefixHash, keyImage: r.keyImage}] = preparedRing{keys: keys, commits: commits, unlockTimes: unlockTimes, maxHeight: maxHeight}
		}
	}

	// Serial pass: feed each block through the consensus gate while still
	// holding the chain lock, so it sees the caches just built.
	results := make([]*VerificationContext, len(blocks))
	for i, pb := range blocks {
		if p.engine.cancel.IsSet() {
			return results, ErrPipelineCancelled
		}
		id, err := pb.Block.Hash()
		if err != nil {
			return results, err
		}
		vc, err := p.engine.addNewBlockLocked(pb.Block, pb.Txs)
		if err != nil {
			return results, err
		}
		results[i] = vc
		_ = id
	}

	p.engine.log.Debugf("prepare batch complete: %d blocks processed", len(results))
	return results, nil
}

// acquireBatch takes the mempool lock then the chain lock (spec.md §5's
// global order), then probes that the store can open a batch, retrying
// with a bounded ~1s backoff if it cannot — releasing both locks between
// attempts so nothing is held while idle-waiting.
func (p *PreparePipeline) acquireBatch(ctx context.Context) error {
	const maxAttempts = 5
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.engine.mempool != nil {
			p.engine.mempool.Lock()
		}
		p.engine.mu.Lock()

		probeErr := p.engine.store.ReadBatch(func(ReadView) error { return nil })
		if probeErr == nil {
			return nil
		}

		p.engine.mu.Unlock()
		if p.engine.mempool != nil {
			p.engine.mempool.Unlock()
		}
		if attempt+1 >= maxAttempts {
			return NewStoreError("prepare-batch-start", probeErr)
		}
		p.engine.log.Warnf("prepare batch start attempt %d failed, retrying: %v", attempt+1, probeErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(prepareBatchRetryDelay):
		}
	}
}

func (p *PreparePipeline) releaseBatch() {
	p.engine.preparedPoW = nil
	p.engine.preparedRings = nil
	p.engine.mu.Unlock()
	if p.engine.mempool != nil {
		p.engine.mempool.Unlock()
	}
}

// powHashLocked returns the Prepare Pipeline's precomputed PoW hash for a
// block when one is cached for this batch, else computes it directly
// (the path taken by a lone AddNewBlock call outside any batch).
func (e *Engine) powHashLocked(block *Block) ([32]byte, error) {
	if e.preparedPoW != nil {
		if id, err := block.Hash(); err == nil {
			if h, ok := e.preparedPoW[id]; ok {
				return h, nil
			}
		}
	}
	return e.crypto.PowHash(block.Header.SerializeForPoW(), block.Header.Nonce)
}

// ErrPipelineCancelled is returned when the batch's cancel flag fires or
// the caller's context is done mid-batch; the caller must drop the batch.
var ErrPipelineCancelled = simpleErr("prepare pipeline cancelled")
