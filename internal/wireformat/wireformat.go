// Package wireformat is the hex-safe JSON encoding of core.Block and
// core.Transaction shared by every external-facing surface that needs to
// put a block on the wire as JSON: internal/rpcapi's HTTP API and
// p2p's gossip/sync protocol. Keeping it out of internal/core
// itself means the consensus types carry no encoding-specific struct
// tags; keeping it out of internal/rpcapi and p2p individually
// means the two surfaces can't drift into incompatible encodings of the
// same block.
package wireformat

import (
	"encoding/hex"
	"fmt"

	"github.com/blocknet-core/bnchain/internal/core"
)

func HashToHex(h core.Hash256) string { return hex.EncodeToString(h[:]) }

func HexToHash(s string) (core.Hash256, error) {
	var h core.Hash256
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func HexToHashSlice(ss []string) ([]core.Hash256, error) {
	out := make([]core.Hash256, len(ss))
	for i, s := range ss {
		h, err := HexToHash(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}

func HashSliceToHex(hs []core.Hash256) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = HashToHex(h)
	}
	return out
}

// BlockHeaderJSON mirrors core.BlockHeader with hex-encoded digests.
type BlockHeaderJSON struct {
	MajorVersion uint8  `json:"major_version"`
	MinorVersion uint8  `json:"minor_version"`
	Timestamp    int64  `json:"timestamp"`
	PrevID       string `json:"prev_id"`
	MerkleRoot   string `json:"merkle_root"`
	Nonce        uint32 `json:"nonce"`
}

func HeaderToJSON(h core.BlockHeader) BlockHeaderJSON {
	return BlockHeaderJSON{
		MajorVersion: h.MajorVersion,
		MinorVersion: h.MinorVersion,
		Timestamp:    h.Timestamp,
		PrevID:       HashToHex(h.PrevID),
		MerkleRoot:   HashToHex(h.MerkleRoot),
		Nonce:        h.Nonce,
	}
}

func HeaderFromJSON(j BlockHeaderJSON) (core.BlockHeader, error) {
	prevID, err := HexToHash(j.PrevID)
	if err != nil {
		return core.BlockHeader{}, fmt.Errorf("prev_id: %w", err)
	}
	root, err := HexToHash(j.MerkleRoot)
	if err != nil {
		return core.BlockHeader{}, fmt.Errorf("merkle_root: %w", err)
	}
	return core.BlockHeader{
		MajorVersion: j.MajorVersion,
		MinorVersion: j.MinorVersion,
		Timestamp:    j.Timestamp,
		PrevID:       prevID,
		MerkleRoot:   root,
		Nonce:        j.Nonce,
	}, nil
}

// TxInJSON is a tagged union matching core.TxIn: exactly one of Gen/ToKey
// is non-nil.
type TxInJSON struct {
	Gen   *TxInGenJSON   `json:"gen,omitempty"`
	ToKey *TxInToKeyJSON `json:"to_key,omitempty"`
}

type TxInGenJSON struct {
	Height uint64 `json:"height"`
}

type TxInToKeyJSON struct {
	Amount     uint64   `json:"amount"`
	KeyOffsets []uint64 `json:"key_offsets"`
	KeyImage   string   `json:"key_image"`
}

type TxOutJSON struct {
	Amount uint64 `json:"amount"`
	Key    string `json:"key"`
}

type TxExtraJSON struct {
	TxPublicKey          string   `json:"tx_public_key"`
	AdditionalPublicKeys []string `json:"additional_public_keys,omitempty"`
	PaymentID            string   `json:"payment_id,omitempty"`
	HasPaymentID         bool     `json:"has_payment_id"`
}

type EcdhTupleJSON struct {
	Mask   string `json:"mask"`
	Amount string `json:"amount"`
}

type RangeProofJSON struct {
	Bytes string `json:"bytes"`
}

type RctSignatureJSON struct {
	Type         uint8            `json:"type"`
	Fee          uint64           `json:"fee"`
	PseudoOuts   []string         `json:"pseudo_outs,omitempty"`
	EcdhInfo     []EcdhTupleJSON  `json:"ecdh_info,omitempty"`
	OutPk        []string         `json:"out_pk,omitempty"`
	RangeProofs  []RangeProofJSON `json:"range_proofs,omitempty"`
	Bulletproofs []RangeProofJSON `json:"bulletproofs,omitempty"`
	MLSAGs       []string         `json:"mlsags,omitempty"`
}

type TransactionJSON struct {
	Version    uint8             `json:"version"`
	UnlockTime uint64            `json:"unlock_time"`
	Inputs     []TxInJSON        `json:"inputs"`
	Outputs    []TxOutJSON       `json:"outputs"`
	Extra      TxExtraJSON       `json:"extra"`
	RctSig     *RctSignatureJSON `json:"rct_sig,omitempty"`
}

func TxToJSON(tx *core.Transaction) TransactionJSON {
	inputs := make([]TxInJSON, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if in.Gen != nil {
			inputs[i] = TxInJSON{Gen: &TxInGenJSON{Height: in.Gen.Height}}
			continue
		}
		inputs[i] = TxInJSON{ToKey: &TxInToKeyJSON{
			Amount:     in.ToKey.Amount,
			KeyOffsets: in.ToKey.KeyOffsets,
			KeyImage:   HashToHex(in.ToKey.KeyImage),
		}}
	}
	outputs := make([]TxOutJSON, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputs[i] = TxOutJSON{Amount: out.Amount, Key: HashToHex(out.Key)}
	}
	extra := TxExtraJSON{
		TxPublicKey:  HashToHex(tx.Extra.TxPublicKey),
		HasPaymentID: tx.Extra.HasPaymentID,
	}
	if len(tx.Extra.AdditionalPublicKeys) > 0 {
		extra.AdditionalPublicKeys = HashSliceToHex(tx.Extra.AdditionalPublicKeys)
	}
	if tx.Extra.HasPaymentID {
		extra.PaymentID = hex.EncodeToString(tx.Extra.PaymentID[:])
	}

	out := TransactionJSON{
		Version:    tx.Version,
		UnlockTime: tx.UnlockTime,
		Inputs:     inputs,
		Outputs:    outputs,
		Extra:      extra,
	}
	if tx.RctSig != nil {
		r := tx.RctSig
		rj := &RctSignatureJSON{Type: uint8(r.Type), Fee: r.Fee}
		if len(r.PseudoOuts) > 0 {
			rj.PseudoOuts = HashSliceToHex(r.PseudoOuts)
		}
		for _, e := range r.EcdhInfo {
			rj.EcdhInfo = append(rj.EcdhInfo, EcdhTupleJSON{Mask: HashToHex(e.Mask), Amount: HashToHex(e.Amount)})
		}
		if len(r.OutPk) > 0 {
			rj.OutPk = HashSliceToHex(r.OutPk)
		}
		for _, rp := range r.RangeProofs {
			rj.RangeProofs = append(rj.RangeProofs, RangeProofJSON{Bytes: hex.EncodeToString(rp.Bytes)})
		}
		for _, bp := range r.Bulletproofs {
			rj.Bulletproofs = append(rj.Bulletproofs, RangeProofJSON{Bytes: hex.EncodeToString(bp.Bytes)})
		}
		for _, m := range r.MLSAGs {
			rj.MLSAGs = append(rj.MLSAGs, hex.EncodeToString(m))
		}
		out.RctSig = rj
	}
	return out
}

func TxFromJSON(j TransactionJSON) (*core.Transaction, error) {
	inputs := make([]core.TxIn, len(j.Inputs))
	for i, in := range j.Inputs {
		switch {
		case in.Gen != nil:
			inputs[i] = core.TxIn{Gen: &core.TxInGen{Height: in.Gen.Height}}
		case in.ToKey != nil:
			ki, err := HexToHash(in.ToKey.KeyImage)
			if err != nil {
				return nil, fmt.Errorf("input %d key_image: %w", i, err)
			}
			inputs[i] = core.TxIn{ToKey: &core.TxInToKey{
				Amount:     in.ToKey.Amount,
				KeyOffsets: in.ToKey.KeyOffsets,
				KeyImage:   ki,
			}}
		default:
			return nil, fmt.Errorf("input %d: neither gen nor to_key set", i)
		}
	}
	outputs := make([]core.TxOut, len(j.Outputs))
	for i, out := range j.Outputs {
		key, err := HexToHash(out.Key)
		if err != nil {
			return nil, fmt.Errorf("output %d key: %w", i, err)
		}
		outputs[i] = core.TxOut{Amount: out.Amount, Key: key}
	}
	txPub, err := HexToHash(j.Extra.TxPublicKey)
	if err != nil {
		return nil, fmt.Errorf("extra.tx_public_key: %w", err)
	}
	extra := core.TxExtra{TxPublicKey: txPub, HasPaymentID: j.Extra.HasPaymentID}
	if len(j.Extra.AdditionalPublicKeys) > 0 {
		extra.AdditionalPublicKeys, err = HexToHashSlice(j.Extra.AdditionalPublicKeys)
		if err != nil {
			return nil, fmt.Errorf("extra.additional_public_keys: %w", err)
		}
	}
	if j.Extra.HasPaymentID {
		b, err := hex.DecodeString(j.Extra.PaymentID)
		if err != nil || len(b) != 8 {
			return nil, fmt.Errorf("extra.payment_id: expected 8 hex bytes")
		}
		copy(extra.PaymentID[:], b)
	}

	tx := &core.Transaction{
		Version:    j.Version,
		UnlockTime: j.UnlockTime,
		Inputs:     inputs,
		Outputs:    outputs,
		Extra:      extra,
	}
	if j.RctSig != nil {
		r := j.RctSig
		rct := &core.RctSignature{Type: core.RCTType(r.Type), Fee: r.Fee}
		if rct.PseudoOuts, err = HexToHashSlice(r.PseudoOuts); err != nil {
			return nil, fmt.Errorf("rct_sig.pseudo_outs: %w", err)
		}
		for i, e := range r.EcdhInfo {
			mask, err := HexToHash(e.Mask)
			if err != nil {
				return nil, fmt.Errorf("rct_sig.ecdh_info[%d].mask: %w", i, err)
			}
			amount, err := HexToHash(e.Amount)
			if err != nil {
				return nil, fmt.Errorf("rct_sig.ecdh_info[%d].amount: %w", i, err)
			}
			rct.EcdhInfo = append(rct.EcdhInfo, core.EcdhTuple{Mask: mask, Amount: amount})
		}
		if rct.OutPk, err = HexToHashSlice(r.OutPk); err != nil {
			return nil, fmt.Errorf("rct_sig.out_pk: %w", err)
		}
		for i, rp := range r.RangeProofs {
			b, err := hex.DecodeString(rp.Bytes)
			if err != nil {
				return nil, fmt.Errorf("rct_sig.range_proofs[%d]: %w", i, err)
			}
			rct.RangeProofs = append(rct.RangeProofs, core.RangeProof{Bytes: b})
		}
		for i, bp := range r.Bulletproofs {
			b, err := hex.DecodeString(bp.Bytes)
			if err != nil {
				return nil, fmt.Errorf("rct_sig.bulletproofs[%d]: %w", i, err)
			}
			rct.Bulletproofs = append(rct.Bulletproofs, core.RangeProof{Bytes: b})
		}
		for i, m := range r.MLSAGs {
			b, err := hex.DecodeString(m)
			if err != nil {
				return nil, fmt.Errorf("rct_sig.mlsags[%d]: %w", i, err)
			}
			rct.MLSAGs = append(rct.MLSAGs, b)
		}
		tx.RctSig = rct
	}
	return tx, nil
}

type BlockJSON struct {
	Header   BlockHeaderJSON `json:"header"`
	MinerTx  TransactionJSON `json:"miner_tx"`
	TxHashes []string        `json:"tx_hashes"`
}

func BlockToJSON(b *core.Block) BlockJSON {
	return BlockJSON{
		Header:   HeaderToJSON(b.Header),
		MinerTx:  TxToJSON(&b.MinerTx),
		TxHashes: HashSliceToHex(b.TxHashes),
	}
}

func BlockFromJSON(j BlockJSON) (*core.Block, error) {
	header, err := HeaderFromJSON(j.Header)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	minerTx, err := TxFromJSON(j.MinerTx)
	if err != nil {
		return nil, fmt.Errorf("miner_tx: %w", err)
	}
	hashes, err := HexToHashSlice(j.TxHashes)
	if err != nil {
		return nil, fmt.Errorf("tx_hashes: %w", err)
	}
	return &core.Block{Header: header, MinerTx: *minerTx, TxHashes: hashes}, nil
}

// Bundle pairs a block with the full bodies of the transactions its
// TxHashes names, the shape both internal/rpcapi's incoming-block
// requests and p2p's block-gossip payload need (a bare Block
// only carries hashes).
type Bundle struct {
	Block BlockJSON         `json:"block"`
	Txs   []TransactionJSON `json:"txs"`
}

func BundleToJSON(block *core.Block, txs map[core.Hash256]*core.Transaction) Bundle {
	out := Bundle{Block: BlockToJSON(block)}
	for _, h := range block.TxHashes {
		if tx, ok := txs[h]; ok {
			out.Txs = append(out.Txs, TxToJSON(tx))
		}
	}
	return out
}

func BundleFromJSON(b Bundle) (*core.Block, map[core.Hash256]*core.Transaction, error) {
	block, err := BlockFromJSON(b.Block)
	if err != nil {
		return nil, nil, fmt.Errorf("block: %w", err)
	}
	txs := make(map[core.Hash256]*core.Transaction, len(b.Txs))
	for i, tj := range b.Txs {
		tx, err := TxFromJSON(tj)
		if err != nil {
			return nil, nil, fmt.Errorf("txs[%d]: %w", i, err)
		}
		id, err := tx.TxID()
		if err != nil {
			return nil, nil, fmt.Errorf("txs[%d]: %w", i, err)
		}
		txs[id] = tx
	}
	return block, txs, nil
}
