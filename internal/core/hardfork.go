package core

import (
	"sort"

	"github.com/blocknet-core/bnchain/debug"
	blog "github.com/blocknet-core/bnchain/internal/log"
)

// Feature is a named behavior toggle the governor exposes via Feature().
// This is the single extension point every later rule change hangs off of
// (spec.md §4.2).
type Feature string

const (
	FeatureRingCTRequired       Feature = "ringct-required"
	FeatureDevFund              Feature = "dev-fund"
	FeatureStrictTxSemantics    Feature = "strict-tx-semantics"
	FeatureBulletproofsAllowed  Feature = "bulletproofs-allowed"
	FeatureBulletproofsRequired Feature = "bulletproofs-required"
	FeatureFeeV2                Feature = "fee-v2"
	FeatureFeeV3                Feature = "fee-v3"
	FeatureV3TxRequired         Feature = "v3-tx-required"
	FeatureMinMixinBumped       Feature = "min-mixin-bumped"
	FeatureCheckBlockBackdate   Feature = "check-block-backdate"
	FeatureV4Difficulty         Feature = "v4-difficulty"
)

// ForkRule is one (version, activation-height, threshold, time) row of a
// network's static hard-fork table.
type ForkRule struct {
	Version         uint8
	ActivationHeight uint64
	Threshold       uint32 // percent of the voting window required, 0-100
	Time            int64  // unix time the rule was authored, informational
	Features        []Feature
}

// Network selects which static hard-fork table and genesis parameters are
// in effect (spec.md §6 config: network selection).
type Network int

const (
	NetworkMain Network = iota
	NetworkTest
	NetworkStage
	NetworkFake
)

// HardForkGovernor maps height to active rule-set version and exposes the
// feature predicate the verifier consults throughout.
type HardForkGovernor struct {
	rules []ForkRule // sorted ascending by ActivationHeight

	mu      debug.Mutex
	votes   map[uint64]uint8 // height -> miner-voted ideal version, for ideal_version()
	current uint8
	log     blog.Logger
}

// NewHardForkGovernor builds a governor for the given network's static
// table. Rules must be sorted by ActivationHeight ascending; callers
// normally obtain the table from DefaultForkTable.
func NewHardForkGovernor(rules []ForkRule) *HardForkGovernor {
	sorted := make([]ForkRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ActivationHeight < sorted[j].ActivationHeight })
	g := &HardForkGovernor{rules: sorted, votes: make(map[uint64]uint8), mu: debug.NewMutex("hardfork"), log: blog.New(blog.TagHardFork)}
	if len(sorted) > 0 {
		g.current = sorted[0].Version
	}
	return g
}

// ruleAt returns the rule active at height (the last rule whose
// ActivationHeight <= height).
func (g *HardForkGovernor) ruleAt(height uint64) ForkRule {
	active := g.rules[0]
	for _, r := range g.rules {
		if r.ActivationHeight > height {
			break
		}
		active = r
	}
	return active
}

// Check reports whether a block's major version is permitted at its height.
func (g *HardForkGovernor) Check(height uint64, majorVersion uint8) bool {
	r := g.ruleAt(height)
	return majorVersion == r.Version
}

// CurrentVersion is the rule-set version active at the chain's current
// height, as recorded by the most recent RecordVote/Reorganize call.
func (g *HardForkGovernor) CurrentVersion() uint8 { return g.current }

// IdealVersion returns the highest version in the network's table; the
// recorded miner votes are not consulted.
func (g *HardForkGovernor) IdealVersion() uint8 {
	if len(g.rules) == 0 {
		return 0
	}
	return g.rules[len(g.rules)-1].Version
}

// Feature reports whether a named behavior is active at the given height.
func (g *HardForkGovernor) Feature(height uint64, f Feature) bool {
	r := g.ruleAt(height)
	for _, have := range r.Features {
		if have == f {
			return true
		}
	}
	return false
}

// RecordVote notes a block's height for ideal-version bookkeeping and
// advances CurrentVersion if height crossed an activation boundary.
func (g *HardForkGovernor) RecordVote(height uint64, votedVersion uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.votes[height] = votedVersion
	next := g.ruleAt(height).Version
	if next != g.current {
		g.log.Infof("hard fork: major version %d active as of height %d", next, height)
	}
	g.current = next
}

// ReorganizeFrom recomputes governor state after a chain truncation back to
// height: drops vote history above height and recomputes CurrentVersion.
// Spec.md §4.5.1 step 5 calls this once per reorg; §9's "double invocation"
// note refers to this being invoked both mid-reorg and at its end, which
// callers (Engine.reorgToLocked) must preserve rather than collapse into one.
func (g *HardForkGovernor) ReorganizeFrom(height uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for h := range g.votes {
		if h >= height {
			delete(g.votes, h)
		}
	}
	if height == 0 {
		g.current = g.rules[0].Version
		return
	}
	g.current = g.ruleAt(height - 1).Version
}

// DefaultForkTable returns the static activation table for a network. The
// heights/thresholds are this project's own schedule (there is no upstream
// table to preserve verbatim here, unlike the Poisson constants in
// poisson.go); they exist so every Feature has a concrete activation point
// to test against.
func DefaultForkTable(n Network) []ForkRule {
	switch n {
	case NetworkFake:
		return []ForkRule{
			{Version: 1, ActivationHeight: 0},
			{Version: 2, ActivationHeight: 10, Features: []Feature{FeatureRingCTRequired, FeatureDevFund}},
			{Version: 3, ActivationHeight: 20, Features: []Feature{FeatureRingCTRequired, FeatureDevFund, FeatureStrictTxSemantics, FeatureBulletproofsAllowed, FeatureFeeV2}},
		}
	case NetworkTest, NetworkStage:
		return []ForkRule{
			{Version: 1, ActivationHeight: 0},
			{Version: 2, ActivationHeight: 1000, Features: []Feature{FeatureRingCTRequired, FeatureDevFund}},
			{Version: 3, ActivationHeight: 5000, Features: []Feature{FeatureRingCTRequired, FeatureDevFund, FeatureStrictTxSemantics, FeatureBulletproofsAllowed, FeatureFeeV2}},
			{Version: 4, ActivationHeight: 10000, Features: []Feature{FeatureRingCTRequired, FeatureDevFund, FeatureStrictTxSemantics, FeatureBulletproofsAllowed, FeatureBulletproofsRequired, FeatureFeeV3, FeatureV3TxRequired, FeatureMinMixinBumped, FeatureCheckBlockBackdate, FeatureV4Difficulty}},
		}
	default: // NetworkMain
		return []ForkRule{
			{Version: 1, ActivationHeight: 0},
			{Version: 2, ActivationHeight: 100_000, Threshold: 80, Features: []Feature{FeatureRingCTRequired, FeatureDevFund}},
			{Version: 3, ActivationHeight: 250_000, Threshold: 80, Features: []Feature{FeatureRingCTRequired, FeatureDevFund, FeatureStrictTxSemantics, FeatureBulletproofsAllowed, FeatureFeeV2}},
			{Version: 4, ActivationHeight: 400_000, Threshold: 80, Features: []Feature{FeatureRingCTRequired, FeatureDevFund, FeatureStrictTxSemantics, FeatureBulletproofsAllowed, FeatureBulletproofsRequired, FeatureFeeV3, FeatureV3TxRequired, FeatureMinMixinBumped, FeatureCheckBlockBackdate, FeatureV4Difficulty}},
		}
	}
}
