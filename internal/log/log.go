// Package log provides the engine's subsystem loggers over
// github.com/btcsuite/btclog/v2, grounded on lightningnetwork-lnd's
// per-subsystem sub-logger pattern (log.go's ltndLog/peerLog/... set),
// adapted to this engine's own tags instead of lnd's.
package log

import (
	"os"

	"github.com/btcsuite/btclog/v2"
)

// Logger re-exports btclog/v2's interface so callers outside this package
// never need to import btclog/v2 directly.
type Logger = btclog.Logger

var backend = btclog.NewDefaultHandler(os.Stdout)

// Subsystem tags, one per SPEC_FULL.md component plus the outer daemon
// surfaces: Chain State Coordinator, Hard-Fork Governor, Difficulty
// Engine, Transaction Verifier, Block Verifier/Applier, Prepare Pipeline,
// the RPC API, the reference miner, and the daemon entry point itself.
const (
	TagChainState  = "BCOR"
	TagHardFork    = "HFRK"
	TagDifficulty  = "DIFF"
	TagTxVerify    = "TXVF"
	TagBlockVerify = "BLKV"
	TagPrepare     = "PREP"
	TagRPC         = "RPCA"
	TagMiner       = "MINE"
	TagDaemon      = "DAEM"
	TagMempool     = "MEMP"
	TagP2P         = "P2PB"
)

// New builds the sub-logger for tag, defaulting to info level; callers
// raise it via SetLevel once config parsing has run.
func New(tag string) btclog.Logger {
	l := btclog.NewSLogger(backend)
	l.SetLevel(btclog.LevelInfo)
	return l.SubSystem(tag)
}
