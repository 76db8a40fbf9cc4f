// Package miner implements the proof-of-work search loop: thread fan-out
// over the nonce space, pulling to a core.Engine block template and
// restarting on tip change, grounded on the teacher's miner.go.
package miner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blocknet-core/bnchain/internal/core"
	blog "github.com/blocknet-core/bnchain/internal/log"
	"github.com/blocknet-core/bnchain/internal/mempool"
)

var log = blog.New(blog.TagMiner)

// Config configures a Miner.
type Config struct {
	// RewardOutputs are the coinbase destinations a winning block pays.
	RewardOutputs []core.TxOut
	// Threads is the number of PoW search goroutines (0 = 1).
	Threads int
	// MaxBlockTxBytes caps the mempool payload a template pulls in,
	// leaving room for the coinbase.
	MaxBlockTxBytes uint64
	// MaxBlockTxCount caps the number of pooled transactions pulled in.
	MaxBlockTxCount int
}

// Stats reports cumulative mining activity.
type Stats struct {
	HashCount   uint64
	BlocksFound uint64
	StartTime   time.Time
}

// Miner drives the search loop against a core.Engine, rebuilding its
// template whenever the tip changes underneath it.
type Miner struct {
	cfg     Config
	engine  *core.Engine
	pool    *mempool.Pool
	threads atomic.Int32
	running atomic.Bool
	cancel  context.CancelFunc
	newTip  chan struct{}

	hashCount   atomic.Uint64
	blocksFound atomic.Uint64
	startTime   time.Time
}

func New(engine *core.Engine, pool *mempool.Pool, cfg Config) *Miner {
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}
	m := &Miner{cfg: cfg, engine: engine, pool: pool, newTip: make(chan struct{}, 1)}
	m.threads.Store(int32(threads))
	return m
}

// NotifyNewTip tells the miner a new block was accepted elsewhere, so the
// current solve attempt (built against a stale template) should restart.
func (m *Miner) NotifyNewTip() {
	select {
	case m.newTip <- struct{}{}:
	default:
	}
}

var errStaleTemplate = fmt.Errorf("miner: tip changed, restarting with a fresh template")

// mineOnce builds a template and searches for a winning nonce, returning
// errStaleTemplate if NotifyNewTip fires mid-search.
func (m *Miner) mineOnce(ctx context.Context) (*core.Block, map[core.Hash256]*core.Transaction, error) {
	var txs []*core.Transaction
	if m.pool != nil {
		txs = m.pool.TxsForTemplate(m.cfg.MaxBlockTxBytes, m.cfg.MaxBlockTxCount)
	}

	tmpl, err := m.engine.CreateBlockTemplate(m.cfg.RewardOutputs, txs)
	if err != nil {
		return nil, nil, fmt.Errorf("build template: %w", err)
	}

	numThreads := m.Threads()
	resultChan := make(chan uint32, 1)
	mineCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for t := 0; t < numThreads; t++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			header := tmpl.Block.Header
			nonce := uint32(threadID)
			step := uint32(numThreads)
			for {
				select {
				case <-mineCtx.Done():
					return
				default:
				}
				if nonce%(step*10) == uint32(threadID) {
					runtime.Gosched()
				}

				header.Nonce = nonce
				hash, err := m.engine.Crypto().PowHash(header.SerializeForPoW(), nonce)
				if err != nil {
					nonce += step
					continue
				}
				m.hashCount.Add(1)

				if m.engine.Crypto().PowCheckTarget(hash, tmpl.Target) {
					select {
					case resultChan <- nonce:
					default:
					}
					return
				}
				nonce += step
			}
		}(t)
	}

	stop := func() {
		cancel()
		wg.Wait()
	}

	select {
	case <-ctx.Done():
		stop()
		return nil, nil, ctx.Err()
	case <-m.newTip:
		stop()
		return nil, nil, errStaleTemplate
	case nonce := <-resultChan:
		stop()
		tmpl.Block.Header.Nonce = nonce
		m.blocksFound.Add(1)
		return tmpl.Block, tmpl.Txs, nil
	}
}

// Run mines continuously until ctx is cancelled, submitting each winning
// block via Engine.AddNewBlock and emitting it on found.
func (m *Miner) Run(ctx context.Context, found chan<- *core.Block) {
	if m.running.Swap(true) {
		return
	}
	m.hashCount.Store(0)
	m.blocksFound.Store(0)
	m.startTime = time.Now()

	mineCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		defer m.running.Store(false)
		defer cancel()

		for {
			select {
			case <-mineCtx.Done():
				return
			default:
			}
			select {
			case <-m.newTip:
			default:
			}

			block, txs, err := m.mineOnce(mineCtx)
			if err != nil {
				if mineCtx.Err() != nil {
					return
				}
				if err == errStaleTemplate {
					continue
				}
				log.Warnf("mining attempt failed: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if _, err := m.engine.AddNewBlock(block, txs); err != nil {
				log.Warnf("submitting mined block failed: %v", err)
				time.Sleep(time.Second)
				continue
			}
			log.Infof("mined new block (%d hashes this session)", m.hashCount.Load())

			select {
			case found <- block:
			case <-mineCtx.Done():
				return
			}
		}
	}()
}

func (m *Miner) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.running.Store(false)
}

func (m *Miner) IsRunning() bool { return m.running.Load() }

func (m *Miner) SetThreads(n int) {
	if n < 1 {
		n = 1
	}
	prev := int(m.threads.Swap(int32(n)))
	if prev != n && m.IsRunning() {
		m.NotifyNewTip()
	}
}

func (m *Miner) Threads() int {
	n := int(m.threads.Load())
	if n < 1 {
		return 1
	}
	return n
}

func (m *Miner) Stats() Stats {
	return Stats{
		HashCount:   m.hashCount.Load(),
		BlocksFound: m.blocksFound.Load(),
		StartTime:   m.startTime,
	}
}

func (m *Miner) HashRate() float64 {
	s := m.Stats()
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(s.HashCount) / elapsed
}
