package core

import "testing"

func TestFeeMinimumSchemeALargerMedianLowersRate(t *testing.T) {
	const blobSize = 10 * 1024 // 10KB, well clear of the floor at height 0

	small := feeMinimumSchemeA(blockSizeGrowthFavoredZone, blobSize, 0)
	large := feeMinimumSchemeA(blockSizeGrowthFavoredZone*10, blobSize, 0)

	if large >= small {
		t.Fatalf("feeMinimumSchemeA: expected larger medianBlockSize to lower the fee, got small=%d large=%d", small, large)
	}
}

func TestFeeMinimumSchemeAClampsBelowFavoredZone(t *testing.T) {
	const blobSize = 10 * 1024

	atFloor := feeMinimumSchemeA(blockSizeGrowthFavoredZone/2, blobSize, 0)
	atZone := feeMinimumSchemeA(blockSizeGrowthFavoredZone, blobSize, 0)

	if atFloor != atZone {
		t.Fatalf("feeMinimumSchemeA: medianBlockSize below favored zone should clamp to the same rate, got %d vs %d", atFloor, atZone)
	}
}

func TestFeeMinimumSchemeANeverBelowFloor(t *testing.T) {
	got := feeMinimumSchemeA(blockSizeGrowthFavoredZone, 1, 0)
	const feeFloor = 2_000_000
	if got < feeFloor {
		t.Fatalf("feeMinimumSchemeA: got %d below floor %d", got, feeFloor)
	}
}

func TestFeeMinimumDispatchesByActiveScheme(t *testing.T) {
	gov := NewHardForkGovernor(DefaultForkTable(NetworkTest))

	// Height 0: scheme (a), sensitive to medianBlockSize.
	a1 := FeeMinimum(gov, 0, blockSizeGrowthFavoredZone, 10*1024, 1)
	a2 := FeeMinimum(gov, 0, blockSizeGrowthFavoredZone*10, 10*1024, 1)
	if a1 == a2 {
		t.Fatalf("FeeMinimum: scheme (a) should vary with medianBlockSize")
	}

	// Height 1000: fee-v2 active, scheme (b), independent of ring size.
	b1 := FeeMinimum(gov, 1000, 0, 10*1024, 1)
	b2 := FeeMinimum(gov, 1000, 0, 10*1024, 11)
	if b1 != b2 {
		t.Fatalf("FeeMinimum: scheme (b) should ignore ring size, got %d vs %d", b1, b2)
	}

	// Height 10000: fee-v3 active, scheme (c), scales with ring size.
	c1 := FeeMinimum(gov, 10000, 0, 10*1024, 1)
	c2 := FeeMinimum(gov, 10000, 0, 10*1024, 11)
	if c2 <= c1 {
		t.Fatalf("FeeMinimum: scheme (c) should increase with ring size, got %d vs %d", c1, c2)
	}
}
