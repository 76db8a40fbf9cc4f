package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// TargetBlockTime is the fixed target spacing every difficulty
	// algorithm solves for, in seconds.
	TargetBlockTime = 120

	// Legacy (v1-v3) window sizes, CryptoNote-canonical shape.
	difficultyWindowV1 = 720
	difficultyLagV1    = 15
	difficultyCutV1    = 60

	// LWMA (v4) window, grounded on the teacher's block.go NextDifficulty.
	lwmaWindowV4 = 60

	minDifficulty = 4
)

// Pinned difficulty overrides by height, consulted before any algorithm
// runs. The table is empty as compiled: no activation-height pins are
// built in, and entries exist only where RegisterDifficultyPin adds them.
var difficultyPins = map[uint64]uint64{}

func RegisterDifficultyPin(height, difficulty uint64) { difficultyPins[height] = difficulty }

// requiredHistoryBlocks returns how many trailing blocks of difficulty
// history the algorithm active at height needs assembled. The legacy
// algorithms need difficultyWindowV1+difficultyLagV1 blocks gathered (the
// teacher's DIFFICULTY_BLOCKS_COUNT_V1/V3 shape) so trimmedMeanDifficulty
// has the extra difficultyLagV1 blocks of slack to drop.
func requiredHistoryBlocks(gov *HardForkGovernor, height uint64) int {
	if gov.Feature(height, FeatureV4Difficulty) {
		return lwmaWindowV4
	}
	return difficultyWindowV1 + difficultyLagV1
}

// TimestampWindow is one height's worth of sliding-window state: the
// timestamps and cumulative difficulties feeding the active algorithm.
type TimestampWindow struct {
	Timestamps   []int64
	Difficulties []uint64 // per-block difficulty, not cumulative
}

// DifficultyEngine computes the next block's difficulty from the active
// algorithm (selected via the governor's feature tags) and a cache of
// recent windows keyed by the height they were computed at.
type DifficultyEngine struct {
	gov   *HardForkGovernor
	cache *lru.Cache[uint64, TimestampWindow]
}

// NewDifficultyEngine builds an engine with a bounded window cache.
// cacheSize bounds the number of distinct heights' windows retained; a
// small number (e.g. 8) suffices since callers normally advance by +1.
func NewDifficultyEngine(gov *HardForkGovernor, cacheSize int) *DifficultyEngine {
	c, _ := lru.New[uint64, TimestampWindow](cacheSize)
	return &DifficultyEngine{gov: gov, cache: c}
}

// NextDifficulty returns the difficulty for the block at height, given the
// Store's history. window must already contain the relevant history ending
// just before height (the Chain State / alt-chain splicer is responsible
// for assembling it, including the splice-onto-main-chain case of §4.3).
func (e *DifficultyEngine) NextDifficulty(height uint64, window TimestampWindow) uint64 {
	if pinned, ok := difficultyPins[height]; ok {
		return pinned
	}
	if cached, ok := e.cache.Get(height); ok {
		window = cached
	} else {
		e.cache.Add(height, window)
	}

	var next uint64
	switch {
	case e.gov.Feature(height, FeatureV4Difficulty):
		next = lwma(window)
	case e.gov.Feature(height, FeatureFeeV2): // v3-era algorithm tracks the fee-v2 activation
		next = cryptonoteV3(window)
	default:
		next = cryptonoteLegacy(window)
	}
	if next < minDifficulty {
		next = minDifficulty
	}
	return next
}

// lwma is the linearly-weighted moving-average algorithm: weight i
// (1..N) favors recent solvetimes, clamped to [1, 6x target] to blunt
// timestamp manipulation. Grounded verbatim on the teacher's
// block.go NextDifficulty.
func lwma(w TimestampWindow) uint64 {
	n := len(w.Difficulties)
	if n == 0 {
		return minDifficulty
	}
	if n > lwmaWindowV4 {
		w = TimestampWindow{
			Timestamps:   w.Timestamps[len(w.Timestamps)-lwmaWindowV4-1:],
			Difficulties: w.Difficulties[len(w.Difficulties)-lwmaWindowV4:],
		}
		n = lwmaWindowV4
	}
	if len(w.Timestamps) < n+1 {
		// Not enough history yet to form n solvetimes; fall back to the
		// single most recent difficulty.
		return w.Difficulties[len(w.Difficulties)-1]
	}

	const minSolvetime = 1
	maxSolvetime := int64(TargetBlockTime * 6)

	var weightedSolvetimeSum, weightedDifficultySum uint64
	for i := 0; i < n; i++ {
		solvetime := w.Timestamps[i+1] - w.Timestamps[i]
		if solvetime < minSolvetime {
			solvetime = minSolvetime
		}
		if solvetime > maxSolvetime {
			solvetime = maxSolvetime
		}
		weight := uint64(i + 1)
		weightedSolvetimeSum += weight * uint64(solvetime)
		weightedDifficultySum += weight * w.Difficulties[i]
	}
	if weightedSolvetimeSum == 0 {
		weightedSolvetimeSum = 1
	}
	expectedWeightedSum := uint64(n*(n+1)/2) * uint64(TargetBlockTime)
	avgDifficulty := weightedDifficultySum / uint64(n)
	return avgDifficulty * expectedWeightedSum / weightedSolvetimeSum
}

// cryptonoteLegacy is the original CryptoNote difficulty algorithm: a
// trimmed-mean window (drop the top/bottom `cut` solvetimes) over the
// last `window` blocks, lagged by `lag` to reduce timestamp-gaming
// sensitivity near the tip.
func cryptonoteLegacy(w TimestampWindow) uint64 {
	return trimmedMeanDifficulty(w, difficultyWindowV1, difficultyCutV1, difficultyLagV1)
}

// cryptonoteV3 narrows the cut relative to the legacy algorithm, matching
// the v3 activation's tighter anti-manipulation window.
func cryptonoteV3(w TimestampWindow) uint64 {
	return trimmedMeanDifficulty(w, difficultyWindowV1, difficultyCutV1/2, difficultyLagV1)
}

func trimmedMeanDifficulty(w TimestampWindow, window, cut, lag int) uint64 {
	n := len(w.Difficulties)
	if n == 0 {
		return minDifficulty
	}
	// Cap to the most recent window+lag samples, then drop the most recent
	// lag of them before any averaging: the last `lag` blocks' timestamps
	// are the easiest for a miner to manipulate, so the trimmed-mean
	// average never sees them. Mirrors next_difficulty_v1's
	// vector::resize(DIFFICULTY_WINDOW) truncation of a
	// DIFFICULTY_WINDOW+DIFFICULTY_LAG-sized history assembled oldest-first.
	full := window + lag
	if n > full {
		w.Timestamps = w.Timestamps[len(w.Timestamps)-full-1:]
		w.Difficulties = w.Difficulties[len(w.Difficulties)-full:]
		n = full
	}
	if lag > 0 && n > lag {
		w.Timestamps = w.Timestamps[:len(w.Timestamps)-lag]
		w.Difficulties = w.Difficulties[:n-lag]
		n -= lag
	}
	if n > window {
		w.Timestamps = w.Timestamps[len(w.Timestamps)-window-1:]
		w.Difficulties = w.Difficulties[len(w.Difficulties)-window:]
		n = window
	}

	ts := append([]int64(nil), w.Timestamps...)
	sortInt64(ts)

	lo, hi := 0, len(ts)-1
	if cut > 0 && len(ts) > 2*cut {
		lo += cut
		hi -= cut
	}
	if lo >= hi {
		lo, hi = 0, len(ts)-1
	}
	timeSpan := ts[hi] - ts[lo]
	if timeSpan <= 0 {
		timeSpan = 1
	}

	var totalDifficulty uint64
	for _, d := range w.Difficulties {
		totalDifficulty += d
	}
	return (totalDifficulty * uint64(TargetBlockTime)) / uint64(timeSpan)
}

func sortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// SpliceAltWindow reconstructs the timestamp window for an alt-chain tip by
// splicing the alt chain's own timestamps/difficulties onto enough
// main-chain history (taken before the fork point) to reach the active
// algorithm's window size. Grounded on original_source's
// complete_timestamps_vector.
func SpliceAltWindow(mainTail TimestampWindow, altTail TimestampWindow, windowSize int) TimestampWindow {
	need := windowSize + 1 - len(altTail.Timestamps)
	if need <= 0 {
		return altTail
	}
	// mainTail always carries one fewer difficulty than timestamp (the
	// first timestamp in any run has no preceding sample to diff against),
	// so the timestamp and difficulty suffixes must be clamped against
	// their own slices independently rather than sharing one bound -
	// reusing the timestamp-clamped count against Difficulties can ask for
	// more difficulties than exist.
	needDiffs := need - 1
	if needDiffs < 0 {
		needDiffs = 0
	}
	if needDiffs > len(mainTail.Difficulties) {
		needDiffs = len(mainTail.Difficulties)
	}
	needTimestamps := needDiffs + 1
	if needTimestamps > len(mainTail.Timestamps) {
		needTimestamps = len(mainTail.Timestamps)
	}
	spliced := TimestampWindow{
		Timestamps:   append(append([]int64(nil), mainTail.Timestamps[len(mainTail.Timestamps)-needTimestamps:]...), altTail.Timestamps...),
		Difficulties: append(append([]uint64(nil), mainTail.Difficulties[len(mainTail.Difficulties)-needDiffs:]...), altTail.Difficulties...),
	}
	return spliced
}
