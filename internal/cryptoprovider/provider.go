// Package cryptoprovider implements core.CryptoProvider over the same cgo
// boundary to a prebuilt Rust static library the teacher's crypto.go
// uses, so every curve/ring-signature/proof-of-work primitive stays out
// of Go (spec.md §1's "novel cryptographic primitives" non-goal).
package cryptoprovider

/*
#cgo LDFLAGS: ${SRCDIR}/crypto-rs/target/release/libblocknet_crypto.a -lm
#cgo linux LDFLAGS: -ldl -lpthread
#cgo darwin LDFLAGS: -ldl -lpthread -framework Security
#cgo windows LDFLAGS: -lws2_32 -luserenv -lbcrypt -lntdll
#include "crypto-rs/blocknet_crypto.h"
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/blocknet-core/bnchain/internal/core"
)

// Provider is the cgo-backed core.CryptoProvider.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) PowHash(headerBytes []byte, nonce uint32) ([32]byte, error) {
	var out [32]byte
	res := C.blocknet_pow_hash(
		(*C.uint8_t)(unsafe.Pointer(&headerBytes[0])),
		C.size_t(len(headerBytes)),
		C.uint64_t(nonce),
		(*C.uint8_t)(unsafe.Pointer(&out[0])),
	)
	if res != 0 {
		return [32]byte{}, fmt.Errorf("pow hash failed (error %d)", res)
	}
	return out, nil
}

func (p *Provider) PowCheckTarget(hash, target [32]byte) bool {
	return C.blocknet_pow_check_target(
		(*C.uint8_t)(unsafe.Pointer(&hash[0])),
		(*C.uint8_t)(unsafe.Pointer(&target[0])),
	) == 1
}

func (p *Provider) DifficultyToTarget(difficulty uint64) [32]byte {
	var target [32]byte
	C.blocknet_difficulty_to_target(C.uint64_t(difficulty), (*C.uint8_t)(unsafe.Pointer(&target[0])))
	return target
}

// IsValidPoint reports whether key decompresses to a valid Ristretto
// curve point, rejecting malformed or non-canonical output destination
// keys (spec.md §4.4 step 2).
func (p *Provider) IsValidPoint(key core.Hash256) bool {
	return C.blocknet_is_valid_point((*C.uint8_t)(unsafe.Pointer(&key[0]))) == 1
}

// VerifyMLSAGFull verifies a single transposed MLSAG ring covering every
// input of an RCTTypeFull transaction at once: ring[member][column],
// columns ordered input-major (one key/commitment pair per input).
func (p *Provider) VerifyMLSAGFull(prefixHash core.Hash256, ring [][]core.Hash256, keyImages []core.Hash256, mlsag []byte) bool {
	flat, rows, cols := flattenRing(ring)
	if flat == nil || len(keyImages) == 0 {
		return false
	}
	kiFlat := make([]byte, 0, 32*len(keyImages))
	for _, ki := range keyImages {
		kiFlat = append(kiFlat, ki[:]...)
	}
	return C.blocknet_mlsag_verify_full(
		(*C.uint8_t)(unsafe.Pointer(&prefixHash[0])),
		(*C.uint8_t)(unsafe.Pointer(&flat[0])),
		C.size_t(rows),
		C.size_t(cols),
		(*C.uint8_t)(unsafe.Pointer(&kiFlat[0])),
		C.size_t(len(keyImages)),
		(*C.uint8_t)(unsafe.Pointer(&mlsag[0])),
		C.size_t(len(mlsag)),
	) == 1
}

// VerifyMLSAGSimple verifies one input's MLSAG in an RCTTypeSimple/
// RCTTypeBulletproof transaction: ring holds each member's one-time key
// followed by its commitment (as TxVerifier flattens it), and pseudoOut
// is that input's pseudo-output commitment.
func (p *Provider) VerifyMLSAGSimple(prefixHash core.Hash256, ring []core.Hash256, pseudoOut core.Hash256, keyImage core.Hash256, mlsag []byte) bool {
	if len(ring) == 0 {
		return false
	}
	flat := make([]byte, 0, 32*len(ring))
	for _, k := range ring {
		flat = append(flat, k[:]...)
	}
	return C.blocknet_clsag_verify(
		(*C.uint8_t)(unsafe.Pointer(&prefixHash[0])),
		(*C.uint8_t)(unsafe.Pointer(&flat[0])),
		C.size_t(len(ring)),
		(*C.uint8_t)(unsafe.Pointer(&pseudoOut[0])),
		(*C.uint8_t)(unsafe.Pointer(&keyImage[0])),
		(*C.uint8_t)(unsafe.Pointer(&mlsag[0])),
		C.size_t(len(mlsag)),
	) == 1
}

func (p *Provider) VerifyBulletproof(commitments []core.Hash256, proof []byte) bool {
	if len(commitments) == 0 || len(proof) == 0 {
		return false
	}
	flat := make([]byte, 0, 32*len(commitments))
	for _, c := range commitments {
		flat = append(flat, c[:]...)
	}
	return C.blocknet_bulletproof_verify(
		(*C.uint8_t)(unsafe.Pointer(&flat[0])),
		C.size_t(len(commitments)),
		(*C.uint8_t)(unsafe.Pointer(&proof[0])),
		C.size_t(len(proof)),
	) == 0
}

func (p *Provider) VerifyRangeProof(commitment core.Hash256, proof []byte) bool {
	if len(proof) == 0 {
		return false
	}
	return C.blocknet_range_proof_verify(
		(*C.uint8_t)(unsafe.Pointer(&commitment[0])),
		(*C.uint8_t)(unsafe.Pointer(&proof[0])),
		C.size_t(len(proof)),
	) == 0
}

func (p *Provider) CommitmentAdd(a, b core.Hash256) core.Hash256 {
	var out core.Hash256
	C.blocknet_commitment_add(
		(*C.uint8_t)(unsafe.Pointer(&a[0])),
		(*C.uint8_t)(unsafe.Pointer(&b[0])),
		(*C.uint8_t)(unsafe.Pointer(&out[0])),
	)
	return out
}

func (p *Provider) CommitmentSub(a, b core.Hash256) core.Hash256 {
	var out core.Hash256
	C.blocknet_commitment_sub(
		(*C.uint8_t)(unsafe.Pointer(&a[0])),
		(*C.uint8_t)(unsafe.Pointer(&b[0])),
		(*C.uint8_t)(unsafe.Pointer(&out[0])),
	)
	return out
}

func (p *Provider) CommitmentIsZero(c core.Hash256) bool {
	return C.blocknet_commitment_is_zero((*C.uint8_t)(unsafe.Pointer(&c[0]))) == 1
}

func (p *Provider) CreateFeeCommitment(fee uint64) core.Hash256 {
	var out core.Hash256
	C.blocknet_fee_commitment(C.uint64_t(fee), (*C.uint8_t)(unsafe.Pointer(&out[0])))
	return out
}

// flattenRing lays a [member][column]Hash256 ring out row-major into one
// contiguous byte slice for the cgo call, returning the row/column counts
// alongside it. All rows must share the same column count.
func flattenRing(ring [][]core.Hash256) (flat []byte, rows, cols int) {
	if len(ring) == 0 || len(ring[0]) == 0 {
		return nil, 0, 0
	}
	cols = len(ring[0])
	rows = len(ring)
	flat = make([]byte, 0, 32*rows*cols)
	for _, row := range ring {
		if len(row) != cols {
			return nil, 0, 0
		}
		for _, k := range row {
			flat = append(flat, k[:]...)
		}
	}
	return flat, rows, cols
}
