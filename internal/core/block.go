package core

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// serialize encodes the hashed portion of a block header. Grounded on
// the teacher's block.go fixed-offset little-endian layout, generalized to
// the major/minor-version + prev-id + nonce CryptoNote header shape.
func (h BlockHeader) serialize() []byte {
	buf := make([]byte, 1+1+8+32+32+4)
	off := 0
	buf[off] = h.MajorVersion
	off++
	buf[off] = h.MinorVersion
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Timestamp))
	off += 8
	copy(buf[off:], h.PrevID[:])
	off += 32
	copy(buf[off:], h.MerkleRoot[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:], h.Nonce)
	off += 4
	return buf
}

// SerializeForPoW returns the header bytes the proof-of-work hash is taken
// over: the full header encoding, Nonce included, so CryptoProvider.PowHash
// sees the exact bytes a miner varies.
func (h BlockHeader) SerializeForPoW() []byte {
	return h.serialize()
}

// Hash is the block identifier: SHA3-256 over the header, which carries
// the merkle root (spec.md §3). ComputeMerkleRoot below derives that root
// from the miner-tx id plus the ordered tx-hash list; it is the block
// builder's job to set Header.MerkleRoot before hashing, and the Block
// Verifier's job to recompute and compare it during prevalidation.
func (b *Block) Hash() (Hash256, error) {
	sum := sha3.Sum256(b.Header.serialize())
	return Hash256(sum), nil
}

// ComputeMerkleRoot derives the root a correctly-built block's
// Header.MerkleRoot must equal: a SHA3-256 pairwise tree over the
// miner-tx id followed by the ordered transaction hashes.
func (b *Block) ComputeMerkleRoot() (Hash256, error) {
	minerTxID, err := b.MinerTx.TxID()
	if err != nil {
		return Hash256{}, err
	}
	leaves := make([]Hash256, 0, len(b.TxHashes)+1)
	leaves = append(leaves, minerTxID)
	leaves = append(leaves, b.TxHashes...)
	return computeMerkleRoot(leaves), nil
}

// Serialize encodes the full block on the wire: header, miner transaction,
// then the ordered tx-hash list, for peer-sync transfer
// (handle_get_objects/find_blockchain_supplement) and size accounting.
func (b *Block) Serialize() ([]byte, error) {
	minerBuf, err := b.MinerTx.Serialize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(b.Header.serialize())+len(minerBuf)+32*len(b.TxHashes)+8)
	buf = append(buf, b.Header.serialize()...)
	buf = putUvarint(buf, uint64(len(minerBuf)))
	buf = append(buf, minerBuf...)
	buf = putUvarint(buf, uint64(len(b.TxHashes)))
	for _, h := range b.TxHashes {
		buf = append(buf, h[:]...)
	}
	return buf, nil
}

// computeMerkleRoot builds a SHA3-256 pairwise merkle tree, duplicating the
// last leaf when a level has an odd count. Grounded on the teacher's
// block.go ComputeMerkleRoot.
func computeMerkleRoot(leaves []Hash256) Hash256 {
	if len(leaves) == 0 {
		return Hash256{}
	}
	level := make([]Hash256, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash256, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var buf [64]byte
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next = append(next, sha3.Sum256(buf[:]))
		}
		level = next
	}
	return level[0]
}

// TxID is the transaction identifier: SHA3-256 over the full serialized
// transaction (signatures included). The prefix hash used for signing and
// for ring-membership bookkeeping is SigningHash, below.
func (tx *Transaction) TxID() (Hash256, error) {
	buf, err := tx.Serialize()
	if err != nil {
		return Hash256{}, err
	}
	return sha3.Sum256(buf), nil
}

// SigningHash hashes the transaction prefix (version, unlock time, inputs,
// outputs, extra) without the ringCT signature bundle, matching the
// teacher's transaction.go SigningHash split between signed and unsigned
// material.
func (tx *Transaction) SigningHash() (Hash256, error) {
	buf, err := tx.serializePrefix()
	if err != nil {
		return Hash256{}, err
	}
	return sha3.Sum256(buf), nil
}

func (tx *Transaction) serializePrefix() ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, tx.Version)
	buf = putUvarint(buf, tx.UnlockTime)
	buf = putUvarint(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		if in.Gen != nil {
			buf = append(buf, 0xff)
			buf = putUvarint(buf, in.Gen.Height)
			continue
		}
		buf = append(buf, 0x02)
		buf = putUvarint(buf, in.ToKey.Amount)
		buf = putUvarint(buf, uint64(len(in.ToKey.KeyOffsets)))
		for _, o := range in.ToKey.KeyOffsets {
			buf = putUvarint(buf, o)
		}
		buf = append(buf, in.ToKey.KeyImage[:]...)
	}
	buf = putUvarint(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = putUvarint(buf, out.Amount)
		buf = append(buf, out.Key[:]...)
	}
	buf = append(buf, tx.Extra.TxPublicKey[:]...)
	buf = putUvarint(buf, uint64(len(tx.Extra.AdditionalPublicKeys)))
	for _, k := range tx.Extra.AdditionalPublicKeys {
		buf = append(buf, k[:]...)
	}
	if tx.Extra.HasPaymentID {
		buf = append(buf, 1)
		buf = append(buf, tx.Extra.PaymentID[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

// Serialize encodes the full transaction: prefix plus the ringCT signature
// bundle. Layout mirrors serializePrefix with the signature appended so
// SigningHash can reuse the prefix encoder unchanged.
func (tx *Transaction) Serialize() ([]byte, error) {
	buf, err := tx.serializePrefix()
	if err != nil {
		return nil, err
	}
	if tx.RctSig == nil {
		buf = append(buf, 0)
		return buf, nil
	}
	buf = append(buf, 1)
	buf = append(buf, byte(tx.RctSig.Type))
	buf = putUvarint(buf, tx.RctSig.Fee)
	buf = putUvarint(buf, uint64(len(tx.RctSig.PseudoOuts)))
	for _, p := range tx.RctSig.PseudoOuts {
		buf = append(buf, p[:]...)
	}
	buf = putUvarint(buf, uint64(len(tx.RctSig.OutPk)))
	for _, p := range tx.RctSig.OutPk {
		buf = append(buf, p[:]...)
	}
	buf = putUvarint(buf, uint64(len(tx.RctSig.MLSAGs)))
	for _, m := range tx.RctSig.MLSAGs {
		buf = putUvarint(buf, uint64(len(m)))
		buf = append(buf, m...)
	}
	buf = putUvarint(buf, uint64(len(tx.RctSig.Bulletproofs)))
	for _, bp := range tx.RctSig.Bulletproofs {
		buf = putUvarint(buf, uint64(len(bp.Bytes)))
		buf = append(buf, bp.Bytes...)
	}
	return buf, nil
}

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
