// Package core implements the consensus-critical blockchain engine: the
// store facade, chain state, hard-fork governor, difficulty engine,
// transaction verifier, block verifier/applier and prepare pipeline.
package core

// RCTType tags the variant encoding of a ringCT signature bundle.
type RCTType uint8

const (
	RCTTypeNull RCTType = iota
	RCTTypeFull
	RCTTypeSimple
	RCTTypeBulletproof
)

func (t RCTType) String() string {
	switch t {
	case RCTTypeNull:
		return "null"
	case RCTTypeFull:
		return "full"
	case RCTTypeSimple:
		return "simple"
	case RCTTypeBulletproof:
		return "bulletproof"
	default:
		return "unknown"
	}
}

// Hash256 is the 32-byte digest used throughout the engine (SHA3-256).
type Hash256 [32]byte

// BlockHeader is the hashed, immutable part of a block.
type BlockHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	Timestamp    int64
	PrevID       Hash256
	MerkleRoot   Hash256
	Nonce        uint32
}

// Block is a coinbase plus an ordered list of transaction hashes; the full
// transaction bodies live in the store, addressed by hash.
type Block struct {
	Header   BlockHeader
	MinerTx  Transaction
	TxHashes []Hash256
}

// TxInGen is the sole input of a coinbase transaction. It carries the
// height it mints at so the reward schedule can be recomputed without
// external context.
type TxInGen struct {
	Height uint64
}

// TxInToKey is a ring-signature-protected spend of a prior output. Offsets
// are relative, CryptoNote-style: offsets[0] is absolute, offsets[i>0] is
// the distance from offsets[i-1]. KeyImage is the one-time double-spend tag.
type TxInToKey struct {
	Amount     uint64
	KeyOffsets []uint64
	KeyImage   Hash256
}

// TxIn is a tagged union over the two input kinds the engine accepts.
// Exactly one of Gen/ToKey is non-nil.
type TxIn struct {
	Gen   *TxInGen
	ToKey *TxInToKey
}

func (in TxIn) IsCoinbase() bool { return in.Gen != nil }

// TxOut is a one-time destination key. Amount is zero for ringCT-era
// transactions, where the real amount is hidden in a Pedersen commitment.
type TxOut struct {
	Amount uint64
	Key    Hash256
}

// TxExtra carries the opaque tagged fields CryptoNote transactions attach
// to their prefix: the sender's ephemeral public key(s) used to derive
// stealth outputs, and an optional uniform payment id.
type TxExtra struct {
	TxPublicKey          Hash256
	AdditionalPublicKeys []Hash256
	PaymentID            [8]byte
	HasPaymentID         bool
}

// EcdhTuple masks an output's amount and blinding factor for the recipient.
type EcdhTuple struct {
	Mask   Hash256
	Amount Hash256
}

// RangeProof proves an output commitment opens to a value in [0, 2^64)
// without revealing it. Bulletproof is the aggregated, compact variant.
type RangeProof struct {
	Bytes []byte
}

// RctSignature is the ringCT signature bundle attached to a non-coinbase
// transaction. Its shape depends on Type; fields unused by a given type
// are left empty rather than modeled as separate Go types, mirroring the
// tagged-union dispatch spec.md §9 asks for.
type RctSignature struct {
	Type         RCTType
	Fee          uint64
	PseudoOuts   []Hash256 // one per input, Simple/Bulletproof only
	EcdhInfo     []EcdhTuple
	OutPk        []Hash256 // output commitments, one per TxOut
	RangeProofs  []RangeProof
	Bulletproofs []RangeProof
	MLSAGs       [][]byte // one per input (Simple/Bulletproof) or a single transposed ring (Full)
}

// Transaction is a versioned, signed spend or mint.
type Transaction struct {
	Version    uint8
	UnlockTime uint64
	Inputs     []TxIn
	Outputs    []TxOut
	Extra      TxExtra
	RctSig     *RctSignature
}

func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].IsCoinbase()
}

// OutputEntry is one row of the append-only Output Index: a committed
// output addressed by (amount, global index).
type OutputEntry struct {
	Amount      uint64
	GlobalIndex uint64
	Key         Hash256
	Commitment  Hash256
	TxID        Hash256
	UnlockTime  uint64
	Height      uint64
}

// BlockExtendedInfo is a block plus the running totals the engine needs to
// compare competing chains and recompute subsidies without replaying history.
type BlockExtendedInfo struct {
	Block                 *Block
	Height                uint64
	CumulativeDifficulty  uint64
	AlreadyGeneratedCoins uint64
	CumulativeSize        uint64
	MaxUsedBlockHeight    uint64
}

// Hash returns the block identifier: SHA3-256 over the canonical header
// encoding plus the miner-tx hash and the merkle root of the tx hash list.
// Defined in block.go alongside the rest of the hashing logic.
