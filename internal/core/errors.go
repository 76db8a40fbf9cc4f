package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy of spec.md §7. Kinds, not Go types:
// callers discriminate with errors.Is against the sentinels below, and
// VerificationFailure keeps its sub-kind in VerifyErr.Kind.
type Kind int

const (
	KindStoreError Kind = iota
	KindKeyImageExists
	KindVerificationFailure
	KindOrphan
	KindAlreadyExists
)

// VerifyKind is the sub-kind of a VerificationFailure.
type VerifyKind int

const (
	VerifyBadVersion VerifyKind = iota
	VerifyBadTimestamp
	VerifyBadPoW
	VerifyBadCheckpoint
	VerifyBadCoinbase
	VerifyBadReward
	VerifyBadTxStructure
	VerifyBadRingSize
	VerifyBadSignature
	VerifyBadOutput
	VerifyDoubleSpend
	VerifyInvalidOutput
	VerifyLowMixin
	VerifyPartialReward // non-fatal annotation, not a rejection
)

func (k VerifyKind) String() string {
	names := [...]string{
		"bad-version", "bad-timestamp", "bad-pow", "bad-checkpoint",
		"bad-coinbase", "bad-reward", "bad-tx-structure", "bad-ring-size",
		"bad-signature", "bad-output", "double-spend", "invalid-output",
		"low-mixin", "partial-reward",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// VerifyErr is a VerificationFailure: a versioned consensus rule was
// violated. It never propagates past the core boundary — the Block
// Verifier converts it into a VerificationContext field.
type VerifyErr struct {
	Kind VerifyKind
	Msg  string
}

func (e *VerifyErr) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func newVerifyErr(k VerifyKind, format string, args ...any) *VerifyErr {
	return &VerifyErr{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// ErrKeyImageExists is a commit-time double-spend race: AppendBlock
// detected a key image already present despite the verifier's own check,
// and is demoted to a verification failure for the block rather than a
// fatal store error.
var ErrKeyImageExists = errors.New("key image already exists")

// ErrOrphan means the block's parent is unknown: non-fatal, transient.
var ErrOrphan = errors.New("orphan block: parent unknown")

// ErrAlreadyExists means the block hash is already known in some index:
// non-fatal.
var ErrAlreadyExists = errors.New("block already known")

// NewStoreError wraps a fatal I/O/corruption/unexpected-absence failure
// with a stack trace via github.com/pkg/errors so it is visibly distinct
// from the sentinel Kind values above; callers must treat it as fatal and
// assume no partial mutation occurred.
func NewStoreError(op string, cause error) error {
	return errors.Wrapf(cause, "store error during %s", op)
}

// VerificationContext is the user-visible surface of spec.md §7: a
// bitfield-like record returned from AddNewBlock instead of a bare error.
type VerificationContext struct {
	AddedToMainChain   bool
	AddedAsAlt         bool
	VerificationFailed bool
	MarkedAsOrphaned   bool
	AlreadyExists      bool
	PartialBlockReward bool
	LowMixin           bool
	DoubleSpend        bool
	InvalidOutput      bool
	FailureKind        VerifyKind
	FailureDetail      string
}
