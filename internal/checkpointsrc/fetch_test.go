package checkpointsrc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/blocknet-core/bnchain/internal/core"
)

func hexHeight(b byte) core.Hash256 {
	var h core.Hash256
	h[0] = b
	return h
}

func TestGetFallsBackToDefaultsBeforeRefresh(t *testing.T) {
	defaults := core.NewStaticCheckpoints(map[uint64]core.Hash256{100: hexHeight(0x1)})
	s := New(defaults, filepath.Join(t.TempDir(), "checkpoints.dat"), "")

	id, ok := s.Get(100)
	if !ok || id != hexHeight(0x1) {
		t.Fatalf("Get(100): id=%x ok=%v, want the compiled-in default", id, ok)
	}
	if _, ok := s.Get(200); ok {
		t.Fatal("Get(200): expected no checkpoint before any refresh")
	}
}

func TestRefreshWithNoURLKeepsDefaults(t *testing.T) {
	defaults := core.NewStaticCheckpoints(map[uint64]core.Hash256{100: hexHeight(0x1)})
	s := New(defaults, filepath.Join(t.TempDir(), "checkpoints.dat"), "")

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh with no url: %v", err)
	}
	if id, ok := s.Get(100); !ok || id != hexHeight(0x1) {
		t.Fatalf("Get(100) after offline refresh: id=%x ok=%v", id, ok)
	}
}

func TestRefreshMergesDownloadedTableOverDefaults(t *testing.T) {
	remoteHash := hexHeight(0x2)
	defaultHash := hexHeight(0x1)
	body := fmt.Sprintf("# comment\n100:%x\n\n200:%x\n", defaultHash[:], remoteHash[:])
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	defaults := core.NewStaticCheckpoints(map[uint64]core.Hash256{100: hexHeight(0x9)})
	cachePath := filepath.Join(t.TempDir(), "checkpoints.dat")
	s := New(defaults, cachePath, ts.URL)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if id, ok := s.Get(100); !ok || id != hexHeight(0x1) {
		t.Fatalf("Get(100) after refresh: id=%x ok=%v, want the downloaded override", id, ok)
	}
	if id, ok := s.Get(200); !ok || id != remoteHash {
		t.Fatalf("Get(200) after refresh: id=%x ok=%v, want %x", id, ok, remoteHash)
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("expected cache file to be written: %v", err)
	}
}

func TestRefreshOnDownloadFailureKeepsExistingTable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	defaults := core.NewStaticCheckpoints(map[uint64]core.Hash256{100: hexHeight(0x1)})
	s := New(defaults, filepath.Join(t.TempDir(), "checkpoints.dat"), ts.URL)

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh: expected error on HTTP 500, got nil")
	}
	if id, ok := s.Get(100); !ok || id != hexHeight(0x1) {
		t.Fatalf("Get(100) after failed refresh: id=%x ok=%v, want defaults preserved", id, ok)
	}
}

func TestRefreshLoadsExistingCacheFileBeforeFetching(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "checkpoints.dat")
	cached := hexHeight(0x5)
	if err := os.WriteFile(cachePath, []byte(fmt.Sprintf("300:%x\n", cached[:])), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	defaults := core.NewStaticCheckpoints(map[uint64]core.Hash256{100: hexHeight(0x1)})
	s := New(defaults, cachePath, "")

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if id, ok := s.Get(300); !ok || id != cached {
		t.Fatalf("Get(300) after loading cache file: id=%x ok=%v", id, ok)
	}
	if id, ok := s.Get(100); !ok || id != hexHeight(0x1) {
		t.Fatalf("Get(100) after loading cache file: id=%x ok=%v, want defaults preserved", id, ok)
	}
}
