package core

import "math"

// Emission curve: smooth exponential decay from an initial per-block
// reward down to a fixed tail emission. Grounded on the teacher's
// miner.go GetBlockReward, generalized to take the median/cumulative-size
// and generated-coins inputs spec.md §4.5 step 7 names.
const (
	InitialReward = 72_325_093_035
	TailEmission  = 200_000_000
	MonthsToTail  = 48
	DecayRate     = 0.75 // per year

	// BlocksPerMonth assumes TargetBlockTime-second spacing.
	BlocksPerMonth = (30 * 24 * 60 * 60) / TargetBlockTime

	// DevFundBasisPoints is the fraction of each block's subsidy routed
	// to the dev fund once FeatureDevFund activates.
	DevFundBasisPoints = 500 // 5%
)

// Subsidy returns the base block reward at height before any penalty for
// oversized blocks, per spec.md §4.5 step 7's subsidy(median, size, coins,
// height) signature. generatedCoins saturates the curve at TotalSupplyCap.
func Subsidy(height uint64, generatedCoins uint64) uint64 {
	if generatedCoins >= TotalSupplyCap {
		return TailEmission
	}
	month := height / BlocksPerMonth
	if month >= MonthsToTail {
		return TailEmission
	}
	years := float64(month) / 12.0
	decay := math.Exp(-DecayRate * years)
	reward := float64(InitialReward-TailEmission)*decay + float64(TailEmission)
	if reward < float64(TailEmission) {
		return TailEmission
	}
	base := uint64(reward)
	if generatedCoins+base > TotalSupplyCap {
		return TotalSupplyCap - generatedCoins
	}
	return base
}

// PenalizedSubsidy applies the block-size penalty: blocks above the
// median size have their subsidy (not fees) shrunk quadratically, the
// standard CryptoNote anti-bloat mechanism.
func PenalizedSubsidy(subsidy, medianSize, currentBlockSize uint64) uint64 {
	if medianSize == 0 || currentBlockSize <= medianSize {
		return subsidy
	}
	if currentBlockSize > medianSize*2 {
		return 0
	}
	excess := currentBlockSize - medianSize
	penaltyNum := subsidy * excess * excess
	penaltyDen := medianSize * medianSize
	penalty := penaltyNum / penaltyDen
	if penalty > subsidy {
		return 0
	}
	return subsidy - penalty
}

// DevFundSplit splits a reward amount into the dev-fund share
// (DevFundBasisPoints of it) and the miner remainder. It works on amounts
// only: it does not look at outputs or identify dev-fund-addressed ones.
func DevFundSplit(reward uint64) (devAmount, minerAmount uint64) {
	devAmount = reward * DevFundBasisPoints / 10000
	minerAmount = reward - devAmount
	return
}
