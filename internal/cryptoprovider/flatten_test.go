package cryptoprovider

import (
	"bytes"
	"testing"

	"github.com/blocknet-core/bnchain/internal/core"
)

// Exercises flattenRing, the one helper in this package that doesn't cross
// into cgo: everything else here calls into the linked C library and can't
// be driven without it.

func TestFlattenRingEmpty(t *testing.T) {
	flat, rows, cols := flattenRing(nil)
	if flat != nil || rows != 0 || cols != 0 {
		t.Fatalf("flattenRing(nil): got flat=%v rows=%d cols=%d, want all zero", flat, rows, cols)
	}
	flat, rows, cols = flattenRing([][]core.Hash256{{}})
	if flat != nil || rows != 0 || cols != 0 {
		t.Fatalf("flattenRing with empty first row: got flat=%v rows=%d cols=%d, want all zero", flat, rows, cols)
	}
}

func TestFlattenRingLaysOutRowMajor(t *testing.T) {
	ring := [][]core.Hash256{
		{{0x1}, {0x2}},
		{{0x3}, {0x4}},
	}
	flat, rows, cols := flattenRing(ring)
	if rows != 2 || cols != 2 {
		t.Fatalf("flattenRing: got rows=%d cols=%d, want 2,2", rows, cols)
	}
	if len(flat) != 4*32 {
		t.Fatalf("flattenRing: got %d bytes, want %d", len(flat), 4*32)
	}
	want := append(append(append(append([]byte{}, ring[0][0][:]...), ring[0][1][:]...), ring[1][0][:]...), ring[1][1][:]...)
	if !bytes.Equal(flat, want) {
		t.Fatal("flattenRing: bytes not laid out row-major as expected")
	}
}

func TestFlattenRingRejectsRaggedRows(t *testing.T) {
	ring := [][]core.Hash256{
		{{0x1}, {0x2}},
		{{0x3}},
	}
	flat, rows, cols := flattenRing(ring)
	if flat != nil || rows != 0 || cols != 0 {
		t.Fatalf("flattenRing with ragged rows: got flat=%v rows=%d cols=%d, want all zero", flat, rows, cols)
	}
}
