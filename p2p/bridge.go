package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blocknet-core/bnchain/internal/core"
	blog "github.com/blocknet-core/bnchain/internal/log"
	"github.com/blocknet-core/bnchain/internal/mempool"
	"github.com/blocknet-core/bnchain/internal/wireformat"
	"github.com/blocknet-core/bnchain/protocol/params"
)

var bridgeLog = blog.New(blog.TagP2P)

// ChainBridge wires a core.Engine and a mempool.Pool into a Node's block/tx
// handlers and a SyncManager's callback set, the way the teacher's
// daemon.go wires its own Chain/Mempool into the same two structs. Every
// method here is a thin hex/JSON adapter: the consensus decision always
// stays inside Engine/Pool, this type only moves bytes across the wire.
type ChainBridge struct {
	engine   *core.Engine
	pool     *mempool.Pool
	pipeline *core.PreparePipeline
	node     *Node
	sync     *SyncManager
}

// NewChainBridge builds a bridge and registers its handlers on node. Call
// Attach afterward once the sync manager also needs to be started.
func NewChainBridge(engine *core.Engine, pool *mempool.Pool, pipeline *core.PreparePipeline, node *Node) *ChainBridge {
	b := &ChainBridge{engine: engine, pool: pool, pipeline: pipeline, node: node}
	node.SetBlockHandler(b.handleBlock)
	node.SetTxHandler(b.handleTx)
	return b
}

// SyncConfig builds the SyncManager configuration this bridge answers.
func (b *ChainBridge) SyncConfig() SyncConfig {
	return SyncConfig{
		GetStatus:         b.getStatus,
		GetHeaders:        b.getHeaders,
		GetBlocks:         b.getBlocks,
		GetBlocksByHeight: b.getBlocksByHeight,
		ProcessBlock:      b.processBlock,
		ProcessHeader:     b.processHeader,
		GetMempool:        b.getMempool,
		ProcessTx:         b.processTx,
		OnBlockAccepted:   b.onBlockAccepted,
		IsOrphanError:     isOrphanError,
		IsDuplicateError:  isDuplicateError,
		GetBlockMeta:      b.getBlockMeta,
		GetBlockHash:      b.getBlockHash,
	}
}

// Attach creates and starts a SyncManager bound to this bridge's callbacks.
func (b *ChainBridge) Attach(ctx context.Context) *SyncManager {
	b.sync = NewSyncManager(b.node, b.SyncConfig())
	b.sync.Start(ctx)
	return b.sync
}

// handleBlock is the Node-level callback for an unsolicited block-topic
// gossip message (as opposed to a requested sync response).
func (b *ChainBridge) handleBlock(from peer.ID, data []byte) {
	if err := b.processBlock(data); err != nil {
		bridgeLog.Debugf("rejected gossiped block from %s: %v", from, err)
		return
	}
	b.node.RelayBlock(from, data)
}

func (b *ChainBridge) handleTx(from peer.ID, data []byte) {
	if err := b.processTx(data); err != nil {
		bridgeLog.Debugf("rejected gossiped tx from %s: %v", from, err)
	}
}

func (b *ChainBridge) getStatus() ChainStatus {
	height := b.engine.Height()
	top, _ := b.engine.TopHash()
	work, _ := b.engine.Store().CumulativeDifficulty(height - 1)
	return ChainStatus{
		BestHash:  top,
		Height:    height,
		TotalWork: work,
		Version:   params.ProtocolVersion,
		NetworkID: params.NetworkID,
		ChainID:   params.ChainID,
	}
}

// getHeaders serves a batch of JSON-encoded headers starting at height.
func (b *ChainBridge) getHeaders(startHeight uint64, max int) ([][]byte, error) {
	out := make([][]byte, 0, max)
	for h := startHeight; h < startHeight+uint64(max); h++ {
		blk, ok, err := b.engine.Store().GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		data, err := json.Marshal(wireformat.HeaderToJSON(blk.Block.Header))
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// getBlocks serves full block+tx bundles for a requested hash set.
func (b *ChainBridge) getBlocks(hashes [][32]byte) ([][]byte, error) {
	ids := make([]core.Hash256, len(hashes))
	for i, h := range hashes {
		ids[i] = core.Hash256(h)
	}
	blocks, txs, _, _ := b.engine.HandleGetObjects(ids, nil)
	byID := make(map[core.Hash256]*core.Transaction, len(txs))
	for _, tx := range txs {
		id, err := tx.TxID()
		if err != nil {
			continue
		}
		byID[id] = tx
	}

	out := make([][]byte, 0, len(blocks))
	for _, blk := range blocks {
		bundle := wireformat.BundleToJSON(blk, b.resolveTxBodies(blk, byID))
		data, err := json.Marshal(bundle)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// resolveTxBodies fills in any of block's tx bodies missing from already,
// falling back to a direct store lookup (HandleGetObjects only resolves
// bodies that were explicitly requested by hash).
func (b *ChainBridge) resolveTxBodies(blk *core.Block, already map[core.Hash256]*core.Transaction) map[core.Hash256]*core.Transaction {
	out := make(map[core.Hash256]*core.Transaction, len(blk.TxHashes))
	for _, h := range blk.TxHashes {
		if tx, ok := already[h]; ok {
			out[h] = tx
			continue
		}
		if tx, ok, err := b.engine.GetTxByID(h); err == nil && ok {
			out[h] = tx
		}
	}
	return out
}

func (b *ChainBridge) getBlocksByHeight(startHeight uint64, max int) ([][]byte, error) {
	out := make([][]byte, 0, max)
	for h := startHeight; h < startHeight+uint64(max); h++ {
		blk, ok, err := b.engine.Store().GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		bundle := wireformat.BundleToJSON(blk.Block, b.resolveTxBodies(blk.Block, nil))
		data, err := json.Marshal(bundle)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// processBlock decodes a gossiped or sync-delivered block+tx bundle and
// submits it to the engine.
func (b *ChainBridge) processBlock(data []byte) error {
	var bundle wireformat.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("decode block bundle: %w", err)
	}
	blk, txs, err := wireformat.BundleFromJSON(bundle)
	if err != nil {
		return fmt.Errorf("decode block bundle: %w", err)
	}
	vc, err := b.engine.AddNewBlock(blk, txs)
	if err != nil {
		return err
	}
	switch {
	case vc.AlreadyExists:
		return errDuplicateBlock
	case vc.VerificationFailed:
		return fmt.Errorf("block rejected: %s: %s", vc.FailureKind, vc.FailureDetail)
	case vc.MarkedAsOrphaned:
		return errOrphanBlock
	default:
		return nil
	}
}

// processHeader decodes a lone header announcement; since core.Engine has
// no headers-only admission path, a header is only useful to detect that a
// full block is worth fetching, never applied on its own.
func (b *ChainBridge) processHeader(data []byte) error {
	var hj wireformat.BlockHeaderJSON
	if err := json.Unmarshal(data, &hj); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if _, err := wireformat.HeaderFromJSON(hj); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return nil
}

func (b *ChainBridge) getMempool() [][]byte {
	txs := b.pool.AllTxs()
	out := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		data, err := json.Marshal(wireformat.TxToJSON(tx))
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func (b *ChainBridge) processTx(data []byte) error {
	var tj wireformat.TransactionJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return fmt.Errorf("decode tx: %w", err)
	}
	tx, err := wireformat.TxFromJSON(tj)
	if err != nil {
		return fmt.Errorf("decode tx: %w", err)
	}
	return b.pool.AddTx(tx)
}

// onBlockAccepted fires once a gossiped block clears processBlock; the
// Prepare Pipeline doesn't need a tip-change notification (each RunBatch
// call already re-derives state from the engine), so this only logs.
func (b *ChainBridge) onBlockAccepted(data []byte) {
	bridgeLog.Debug("new block accepted from sync/gossip")
}

// getBlockMeta extracts (height, prevHash) from a serialized block bundle
// without applying it, for the sync manager's orphan-recovery path. Height
// isn't carried by core.Block itself, so this derives it from the current
// chain tip plus the PrevID linkage the block names: if the parent is
// already known, height is one past the parent's; otherwise the sync
// manager's recursive walk will have already resolved the parent first.
func (b *ChainBridge) getBlockMeta(data []byte) (height uint64, prevHash [32]byte, err error) {
	var bundle wireformat.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return 0, [32]byte{}, fmt.Errorf("decode block bundle: %w", err)
	}
	blk, err := wireformat.BlockFromJSON(bundle.Block)
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("decode block bundle: %w", err)
	}
	prevHash = blk.Header.PrevID
	if parent, ok, lookupErr := b.engine.GetBlockByID(blk.Header.PrevID); lookupErr == nil && ok {
		_ = parent
		// Height isn't stored on Block; BlockExtendedInfo carries it, but
		// GetBlockByID only returns the bare Block. Fall back to chain tip
		// height, which is all the orphan-recovery walk needs to detect
		// forward progress rather than an exact figure.
		height = b.engine.Height()
	}
	return height, prevHash, nil
}

func (b *ChainBridge) getBlockHash(data []byte) (hash [32]byte, err error) {
	var bundle wireformat.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return hash, fmt.Errorf("decode block bundle: %w", err)
	}
	blk, err := wireformat.BlockFromJSON(bundle.Block)
	if err != nil {
		return hash, fmt.Errorf("decode block bundle: %w", err)
	}
	return blk.Hash()
}

var (
	errOrphanBlock    = fmt.Errorf("p2p: block's parent is unknown, held as orphaned")
	errDuplicateBlock = fmt.Errorf("p2p: block already known")
)

func isOrphanError(err error) bool {
	return err == errOrphanBlock
}

func isDuplicateError(err error) bool {
	return err == errDuplicateBlock
}
