package rpcapi

import (
	"net/http"

	"github.com/blocknet-core/bnchain/internal/core"
)

// incomingBlockJSON bundles a block with the full bodies of every
// transaction its tx_hashes list names, the shape add_new_block and
// prepare_handle_incoming_blocks both take: the RPC caller (a peer-sync
// layer) is expected to have already resolved every tx body before
// submitting, mirroring spec.md §6's handle_incoming_blocks contract.
type incomingBlockJSON struct {
	Block BlockJSON          `json:"block"`
	Txs   []TransactionJSON `json:"txs"`
}

func (b incomingBlockJSON) toCore() (*core.Block, map[core.Hash256]*core.Transaction, error) {
	block, err := blockFromJSON(b.Block)
	if err != nil {
		return nil, nil, err
	}
	txByHash := make(map[core.Hash256]*core.Transaction, len(b.Txs))
	for _, tj := range b.Txs {
		tx, err := txFromJSON(tj)
		if err != nil {
			return nil, nil, err
		}
		id, err := tx.TxID()
		if err != nil {
			return nil, nil, err
		}
		txByHash[id] = tx
	}
	return block, txByHash, nil
}

// handleAddNewBlock is spec.md §6's add_new_block: submit one block,
// outside any prepare batch.
func (s *Server) handleAddNewBlock(w http.ResponseWriter, r *http.Request) {
	var req incomingBlockJSON
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	block, txByHash, err := req.toCore()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vc, err := s.cfg.Engine.AddNewBlock(block, txByHash)
	if err != nil {
		s.log.Warnf("add_new_block: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vcToJSON(vc))
}

type prepareHandleIncomingBlocksRequest struct {
	Blocks []incomingBlockJSON `json:"blocks"`
}

// handlePrepareHandleIncomingBlocks is spec.md §6's prepare_handle_incoming_blocks:
// submit a batch of blocks to be parsed, PoW-precomputed, and ring-resolved
// in parallel before serial consensus replay (internal/core's Prepare
// Pipeline).
func (s *Server) handlePrepareHandleIncomingBlocks(w http.ResponseWriter, r *http.Request) {
	var req prepareHandleIncomingBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	blocks := make([]core.PrepareBlock, len(req.Blocks))
	for i, ib := range req.Blocks {
		block, txByHash, err := ib.toCore()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		blocks[i] = core.PrepareBlock{Block: block, Txs: txByHash}
	}

	results, err := s.cfg.Pipeline.RunBatch(r.Context(), blocks)
	if err != nil {
		s.log.Warnf("prepare_handle_incoming_blocks: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]verificationContextJSON, len(results))
	for i, vc := range results {
		out[i] = vcToJSON(vc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type cleanupHandleIncomingBlocksRequest struct {
	Flush bool `json:"flush"`
}

// handleCleanupHandleIncomingBlocks is spec.md §6's
// cleanup_handle_incoming_blocks: flush maps onto Store.Sync(), since
// RunBatch already commits each prepared block synchronously and there is
// no separate prepared-but-unapplied state for this to discard.
func (s *Server) handleCleanupHandleIncomingBlocks(w http.ResponseWriter, r *http.Request) {
	var req cleanupHandleIncomingBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if req.Flush {
		if err := s.cfg.Engine.Store().Sync(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type handleGetObjectsRequest struct {
	BlockIDs []string `json:"block_ids"`
	TxIDs    []string `json:"tx_ids"`
}

// handleHandleGetObjects is spec.md §6's handle_get_objects: a peer's
// batch fetch of blocks and transactions by id.
func (s *Server) handleHandleGetObjects(w http.ResponseWriter, r *http.Request) {
	var req handleGetObjectsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	blockIDs, err := hexToHashSlice(req.BlockIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "block_ids: "+err.Error())
		return
	}
	txIDs, err := hexToHashSlice(req.TxIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "tx_ids: "+err.Error())
		return
	}

	blocks, txs, missedBlocks, missedTxs := s.cfg.Engine.HandleGetObjects(blockIDs, txIDs)

	blockJSONs := make([]BlockJSON, len(blocks))
	for i, b := range blocks {
		blockJSONs[i] = blockToJSON(b)
	}
	txJSONs := make([]TransactionJSON, len(txs))
	for i, t := range txs {
		txJSONs[i] = txToJSON(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blocks":        blockJSONs,
		"txs":           txJSONs,
		"missed_blocks": hashSliceToHex(missedBlocks),
		"missed_txs":    hashSliceToHex(missedTxs),
	})
}

type findBlockchainSupplementRequest struct {
	QBlockIDs []string `json:"qblock_ids"`
}

// handleFindBlockchainSupplement is spec.md §6's find_blockchain_supplement:
// locate where a peer's short chain history diverges and return the blocks
// past that point, size-capped.
func (s *Server) handleFindBlockchainSupplement(w http.ResponseWriter, r *http.Request) {
	var req findBlockchainSupplementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	qblockIDs, err := hexToHashSlice(req.QBlockIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "qblock_ids: "+err.Error())
		return
	}

	startHeight, blocks, found := s.cfg.Engine.FindBlockchainSupplement(qblockIDs)
	blockJSONs := make([]BlockJSON, len(blocks))
	for i, b := range blocks {
		blockJSONs[i] = blockToJSON(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start_height": startHeight,
		"blocks":       blockJSONs,
		"found":        found,
	})
}

// handleGetShortChainHistory is spec.md §6's get_short_chain_history: the
// dense-then-exponentially-sparse id list a peer sends when requesting a
// supplement.
func (s *Server) handleGetShortChainHistory(w http.ResponseWriter, r *http.Request) {
	ids := s.cfg.Engine.ShortChainHistory()
	writeJSON(w, http.StatusOK, map[string]any{"ids": hashSliceToHex(ids)})
}

type createBlockTemplateRequest struct {
	MinerOutputs []TxOutJSON `json:"miner_outputs"`
	// ExtraNonce is accepted for forward compatibility with miners that
	// want to vary it across threads, but is not wired into any consensus
	// field: core.TxExtra carries no dedicated extra-nonce slot, and this
	// engine has no other place to stash arbitrary miner-chosen bytes.
	ExtraNonce string `json:"extra_nonce,omitempty"`
}

// handleCreateBlockTemplate is spec.md §6's create_block_template: build a
// candidate block a miner can search over, pulling the highest-fee-rate
// transactions the mempool currently holds.
func (s *Server) handleCreateBlockTemplate(w http.ResponseWriter, r *http.Request) {
	var req createBlockTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if len(req.MinerOutputs) == 0 {
		writeError(w, http.StatusBadRequest, "miner_outputs must be non-empty")
		return
	}
	outputs := make([]core.TxOut, len(req.MinerOutputs))
	for i, o := range req.MinerOutputs {
		key, err := hexToHash(o.Key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "miner_outputs: "+err.Error())
			return
		}
		outputs[i] = core.TxOut{Amount: o.Amount, Key: key}
	}

	var txs []*core.Transaction
	if s.cfg.Pool != nil {
		txs = s.cfg.Pool.TxsForTemplate(s.cfg.TemplateMaxTxBytes, s.cfg.TemplateMaxTxCount)
	}

	tmpl, err := s.cfg.Engine.CreateBlockTemplate(outputs, txs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	txJSONs := make([]TransactionJSON, 0, len(tmpl.Txs))
	for _, tx := range tmpl.Txs {
		txJSONs = append(txJSONs, txToJSON(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"block":  blockToJSON(tmpl.Block),
		"txs":    txJSONs,
		"target": hashToHex(tmpl.Target),
	})
}
