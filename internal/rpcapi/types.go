// Package rpcapi exposes the Chain State Coordinator's six external entry
// points (spec.md §6) as a JSON HTTP API, grounded on the teacher's
// api_server.go/api_routes.go/api_auth.go/api_handlers.go split: a bearer
// token generated at startup and persisted to a cookie file, a
// net/http.ServeMux with explicit method+path routes, and a
// writeJSON/writeError response convention.
//
// Wallet key management is an explicit non-goal of the engine this API
// fronts, so create_block_template takes miner reward destinations as raw
// hex-encoded one-time keys rather than a CryptoNote base58 address; a
// wallet-owning caller is responsible for deriving that key itself.
package rpcapi

import (
	"github.com/blocknet-core/bnchain/internal/core"
	"github.com/blocknet-core/bnchain/internal/wireformat"
)

// The hex-safe JSON codec for core.Block/core.Transaction lives in
// internal/wireformat so p2p's gossip bridge can share it rather
// than reimplementing it. These aliases and re-exports keep every other
// file in this package referring to the same unqualified names they did
// before the extraction.
type (
	BlockHeaderJSON  = wireformat.BlockHeaderJSON
	TxInJSON         = wireformat.TxInJSON
	TxInGenJSON      = wireformat.TxInGenJSON
	TxInToKeyJSON    = wireformat.TxInToKeyJSON
	TxOutJSON        = wireformat.TxOutJSON
	TxExtraJSON      = wireformat.TxExtraJSON
	EcdhTupleJSON    = wireformat.EcdhTupleJSON
	RangeProofJSON   = wireformat.RangeProofJSON
	RctSignatureJSON = wireformat.RctSignatureJSON
	TransactionJSON  = wireformat.TransactionJSON
	BlockJSON        = wireformat.BlockJSON
)

var (
	hashToHex      = wireformat.HashToHex
	hexToHash      = wireformat.HexToHash
	hexToHashSlice = wireformat.HexToHashSlice
	hashSliceToHex = wireformat.HashSliceToHex

	headerToJSON   = wireformat.HeaderToJSON
	headerFromJSON = wireformat.HeaderFromJSON
	txToJSON       = wireformat.TxToJSON
	txFromJSON     = wireformat.TxFromJSON
	blockToJSON    = wireformat.BlockToJSON
	blockFromJSON  = wireformat.BlockFromJSON
)

// verificationContextJSON mirrors core.VerificationContext (spec.md §7's
// result bitfield) for an add_new_block-style response. It stays local to
// this package rather than moving to wireformat: it's a response shape
// over an RPC-only concept, not a wire encoding of a gossiped type.
type verificationContextJSON struct {
	AddedToMainChain   bool   `json:"added_to_main_chain"`
	AddedAsAlt         bool   `json:"added_as_alt"`
	VerificationFailed bool   `json:"verification_failed"`
	MarkedAsOrphaned   bool   `json:"marked_as_orphaned"`
	AlreadyExists      bool   `json:"already_exists"`
	PartialBlockReward bool   `json:"partial_block_reward"`
	LowMixin           bool   `json:"low_mixin"`
	DoubleSpend        bool   `json:"double_spend"`
	InvalidOutput      bool   `json:"invalid_output"`
	FailureKind        string `json:"failure_kind,omitempty"`
	FailureDetail      string `json:"failure_detail,omitempty"`
}

func vcToJSON(vc *core.VerificationContext) verificationContextJSON {
	if vc == nil {
		return verificationContextJSON{}
	}
	j := verificationContextJSON{
		AddedToMainChain:   vc.AddedToMainChain,
		AddedAsAlt:         vc.AddedAsAlt,
		VerificationFailed: vc.VerificationFailed,
		MarkedAsOrphaned:   vc.MarkedAsOrphaned,
		AlreadyExists:      vc.AlreadyExists,
		PartialBlockReward: vc.PartialBlockReward,
		LowMixin:           vc.LowMixin,
		DoubleSpend:        vc.DoubleSpend,
		InvalidOutput:      vc.InvalidOutput,
		FailureDetail:      vc.FailureDetail,
	}
	if vc.VerificationFailed {
		j.FailureKind = vc.FailureKind.String()
	}
	return j
}
