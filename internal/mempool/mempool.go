// Package mempool implements core.MempoolPort: an unconfirmed-transaction
// pool ordered by fee rate, grounded on the teacher's mempool.go (heap-based
// priority queue, key-image double-spend guard, expiration sweep) and
// rewired to the amount+global-index transaction model of internal/core.
package mempool

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blocknet-core/bnchain/internal/core"
	blog "github.com/blocknet-core/bnchain/internal/log"
)

// Config tunes pool admission and eviction.
type Config struct {
	MaxSize        int
	MaxSizeBytes   int
	MinFeeRate     uint64
	ExpirationTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:        5000,
		MaxSizeBytes:   100 * 1024 * 1024,
		MinFeeRate:     1,
		ExpirationTime: 24 * time.Hour,
	}
}

// KeyImageChecker answers whether a key image is already spent on the
// committed chain (backed by core.Store.HasKeyImage).
type KeyImageChecker func(ki core.Hash256) (bool, error)

type entry struct {
	tx      *core.Transaction
	txID    core.Hash256
	size    uint64
	fee     uint64
	feeRate uint64
	addedAt time.Time

	index int
}

// Pool is a core.MempoolPort implementation.
type Pool struct {
	mu sync.Mutex

	cfg             Config
	isKeyImageSpent KeyImageChecker

	byID    map[core.Hash256]*entry
	byImage map[core.Hash256]core.Hash256
	pq      priorityQueue
	size    uint64

	sizeGauge  prometheus.Gauge
	bytesGauge prometheus.Gauge

	log blog.Logger
}

// New builds a Pool. isKeyImageSpent is consulted on every admission so a
// tx already settled on-chain (but not yet reflected by OnBlockchainInc)
// can't linger in the pool.
func New(cfg Config, isKeyImageSpent KeyImageChecker, reg prometheus.Registerer) *Pool {
	p := &Pool{
		cfg:             cfg,
		isKeyImageSpent: isKeyImageSpent,
		byID:            make(map[core.Hash256]*entry),
		byImage:         make(map[core.Hash256]core.Hash256),
		pq:              make(priorityQueue, 0),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blocknet_mempool_transactions",
			Help: "Number of transactions currently held in the mempool.",
		}),
		bytesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blocknet_mempool_bytes",
			Help: "Total serialized size of transactions held in the mempool.",
		}),
		log: blog.New(blog.TagMempool),
	}
	if reg != nil {
		reg.MustRegister(p.sizeGauge, p.bytesGauge)
	}
	return p
}

func (p *Pool) Lock()   { p.mu.Lock() }
func (p *Pool) Unlock() { p.mu.Unlock() }

// AddTx admits tx if it isn't already present, doesn't collide with an
// in-pool or on-chain key image, and clears the minimum fee rate. It does
// not run full consensus verification (ring resolution happens only once
// the tx is pulled into a block template) — this is an admission-policy
// gate, not the S2/S3 block-application gate.
func (p *Pool) AddTx(tx *core.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx.IsCoinbase() {
		return fmt.Errorf("mempool: coinbase transaction cannot be added")
	}
	if tx.RctSig == nil {
		return fmt.Errorf("mempool: transaction missing ringct signature bundle")
	}

	txID, err := tx.TxID()
	if err != nil {
		return fmt.Errorf("mempool: compute txid: %w", err)
	}
	if _, exists := p.byID[txID]; exists {
		return nil
	}

	for _, in := range tx.Inputs {
		if in.ToKey == nil {
			continue
		}
		if existing, exists := p.byImage[in.ToKey.KeyImage]; exists {
			return fmt.Errorf("mempool: double-spend, key image already used by tx %x", existing[:8])
		}
		if p.isKeyImageSpent != nil {
			spent, err := p.isKeyImageSpent(in.ToKey.KeyImage)
			if err != nil {
				return fmt.Errorf("mempool: key image lookup: %w", err)
			}
			if spent {
				return fmt.Errorf("mempool: double-spend, key image already spent on chain")
			}
		}
	}

	blob, err := tx.Serialize()
	if err != nil {
		return fmt.Errorf("mempool: serialize tx: %w", err)
	}
	size := uint64(len(blob))
	if size == 0 {
		return fmt.Errorf("mempool: empty serialized transaction")
	}
	fee := tx.RctSig.Fee
	feeRate := fee / size
	if feeRate < p.cfg.MinFeeRate {
		return fmt.Errorf("mempool: fee rate %d below minimum %d", feeRate, p.cfg.MinFeeRate)
	}

	if len(p.byID) >= p.cfg.MaxSize && !p.evictBelow(feeRate) {
		return fmt.Errorf("mempool: full")
	}
	for p.size+size > uint64(p.cfg.MaxSizeBytes) {
		if !p.evictBelow(feeRate) {
			return fmt.Errorf("mempool: size limit exceeded")
		}
	}

	p.insert(tx, txID, size, fee, feeRate)
	p.log.Debugf("accepted tx %x (%d bytes, fee rate %d)", txID[:4], size, feeRate)
	return nil
}

func (p *Pool) insert(tx *core.Transaction, txID core.Hash256, size, fee, feeRate uint64) {
	e := &entry{tx: tx, txID: txID, size: size, fee: fee, feeRate: feeRate, addedAt: time.Now()}
	p.byID[txID] = e
	for _, in := range tx.Inputs {
		if in.ToKey != nil {
			p.byImage[in.ToKey.KeyImage] = txID
		}
	}
	heap.Push(&p.pq, e)
	p.size += size
	p.refreshGauges()
}

// evictBelow removes the oldest pool entry if its fee rate is lower than
// minFeeRate, making room for an incoming transaction. Mirrors the
// teacher's deliberately simple oldest-first eviction over a true
// min-fee-rate heap pop.
func (p *Pool) evictBelow(minFeeRate uint64) bool {
	if len(p.pq) == 0 {
		return false
	}
	var oldest *entry
	for _, e := range p.byID {
		if oldest == nil || e.addedAt.Before(oldest.addedAt) {
			oldest = e
		}
	}
	if oldest != nil && oldest.feeRate < minFeeRate {
		p.removeLocked(oldest.txID)
		return true
	}
	return false
}

func (p *Pool) removeLocked(txID core.Hash256) {
	e, ok := p.byID[txID]
	if !ok {
		return
	}
	delete(p.byID, txID)
	for _, in := range e.tx.Inputs {
		if in.ToKey != nil {
			delete(p.byImage, in.ToKey.KeyImage)
		}
	}
	p.size -= e.size
	if e.index >= 0 && e.index < len(p.pq) {
		heap.Remove(&p.pq, e.index)
	}
	p.refreshGauges()
}

func (p *Pool) refreshGauges() {
	p.sizeGauge.Set(float64(len(p.byID)))
	p.bytesGauge.Set(float64(p.size))
}

// TakeTx removes and returns tx by id for inclusion in a block template or
// for replay during block application. Callers that fail to apply the
// block must hand it back via AddTx.
func (p *Pool) TakeTx(id core.Hash256) (tx *core.Transaction, blobSize uint64, fee uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, exists := p.byID[id]
	if !exists {
		return nil, 0, 0, false
	}
	p.removeLocked(id)
	return e.tx, e.size, e.fee, true
}

// OnBlockchainInc drops any pool transaction whose key image collided with
// one just committed on-chain at height, since that tx can no longer apply.
func (p *Pool) OnBlockchainInc(height uint64, topID core.Hash256) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = height
	_ = topID
	p.pruneSpentLocked()
}

// OnBlockchainDec is a no-op: the reorg path re-adds disconnected
// transactions itself via AddTx rather than this callback, since only it
// knows which transactions were actually disconnected.
func (p *Pool) OnBlockchainDec(height uint64, topID core.Hash256) {
	_ = height
	_ = topID
}

func (p *Pool) pruneSpentLocked() {
	if p.isKeyImageSpent == nil {
		return
	}
	var drop []core.Hash256
	for txID, e := range p.byID {
		for _, in := range e.tx.Inputs {
			if in.ToKey == nil {
				continue
			}
			if spent, err := p.isKeyImageSpent(in.ToKey.KeyImage); err == nil && spent {
				drop = append(drop, txID)
				break
			}
		}
	}
	for _, txID := range drop {
		p.removeLocked(txID)
	}
}

// RemoveExpired evicts transactions that have sat in the pool longer than
// cfg.ExpirationTime, returning the count removed.
func (p *Pool) RemoveExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.ExpirationTime)
	var drop []core.Hash256
	for txID, e := range p.byID {
		if e.addedAt.Before(cutoff) {
			drop = append(drop, txID)
		}
	}
	for _, txID := range drop {
		p.removeLocked(txID)
	}
	if len(drop) > 0 {
		p.log.Infof("expired %d transactions from mempool", len(drop))
	}
	return len(drop)
}

// TxsForTemplate returns up to maxCount transactions, highest fee rate
// first, whose combined serialized size doesn't exceed maxSize. The miner
// and the RPC create_block_template handler use it to pick the txs they
// pass to Engine.CreateBlockTemplate.
func (p *Pool) TxsForTemplate(maxSize uint64, maxCount int) []*core.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*entry, 0, len(p.byID))
	for _, e := range p.byID {
		entries = append(entries, e)
	}
	sortByFeeRateDesc(entries)

	result := make([]*core.Transaction, 0, maxCount)
	var total uint64
	for _, e := range entries {
		if len(result) >= maxCount {
			break
		}
		if total+e.size > maxSize {
			continue
		}
		result = append(result, e.tx)
		total += e.size
	}
	return result
}

func sortByFeeRateDesc(entries []*entry) {
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].feeRate > entries[i].feeRate {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
}

// AllTxs returns every pooled transaction, in no particular order. Used to
// answer a peer's get_mempool sync request.
func (p *Pool) AllTxs() []*core.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*core.Transaction, 0, len(p.byID))
	for _, e := range p.byID {
		out = append(out, e.tx)
	}
	return out
}

// Size returns the current transaction count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// priorityQueue is a max-heap by fee rate, kept for O(log n) eviction
// bookkeeping even though TxsForTemplate re-sorts explicitly (mirrors the
// teacher's own belt-and-suspenders approach in mempool.go).
type priorityQueue []*entry

func (q priorityQueue) Len() int            { return len(q) }
func (q priorityQueue) Less(i, j int) bool  { return q[i].feeRate > q[j].feeRate }
func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *priorityQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
