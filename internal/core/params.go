package core

// Consensus parameters that are not hard-fork-versioned. Versioned knobs
// (min/max tx version, min mixin) are read from the governor's feature set
// instead of living here.
const (
	// MaxMixin bounds ring size to MaxMixin+1 members (spec.md §4.4 step 3).
	MaxMixin = 15

	// MinMixinDefault / MinMixinBumped are the two MIN_MIXIN eras; which
	// applies is chosen by FeatureMinMixinBumped.
	MinMixinDefault = 2
	MinMixinBumped  = 6

	// SpendableAge is the minimum number of blocks between an output's
	// inclusion and its consumption.
	SpendableAge = 10

	// LockedTxAllowedDeltaBlocks is the slack added to the tip height when
	// checking a referenced output's own UnlockTime, mirroring
	// is_tx_spendtime_unlocked's delta against chain height. Distinct from
	// SpendableAge: this checks the output's stored unlock deadline, not
	// the fixed minimum age every output must clear regardless of its own
	// unlock_time.
	LockedTxAllowedDeltaBlocks = 1

	// MinedMoneyUnlockWindow is added to a coinbase's own height to produce
	// its UnlockTime.
	MinedMoneyUnlockWindow = 60

	// MaxBlockSize bounds a single block's serialized transaction payload.
	MaxBlockSize = 1 << 20

	// TotalSupplyCap is this chain's maximum generatable-coins ceiling.
	TotalSupplyCap = 18_400_000_00000000

	// MaxTxVersion is the highest transaction version this engine accepts
	// at any height; MinTxVersion is raised to 3 once FeatureV3TxRequired
	// activates.
	MaxTxVersion = 3
	MinTxVersion = 1
)

func minMixin(gov *HardForkGovernor, height uint64) int {
	if gov.Feature(height, FeatureMinMixinBumped) {
		return MinMixinBumped
	}
	return MinMixinDefault
}

func minTxVersion(gov *HardForkGovernor, height uint64) uint8 {
	if gov.Feature(height, FeatureV3TxRequired) {
		return 3
	}
	return MinTxVersion
}
