package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blocknet-core/bnchain/internal/core"
)

func mustBoundViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "blocknetd"}
	if err := bindFlags(cmd, v); err != nil {
		t.Fatalf("bindFlags: %v", err)
	}
	return v
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	v := mustBoundViper(t)
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("DataDir default: got %q, want ./data", cfg.DataDir)
	}
	if cfg.Network != "main" {
		t.Fatalf("Network default: got %q, want main", cfg.Network)
	}
	if cfg.RPCAddr != "127.0.0.1:28081" {
		t.Fatalf("RPCAddr default: got %q, want 127.0.0.1:28081", cfg.RPCAddr)
	}
	if cfg.MineThreads != 1 {
		t.Fatalf("MineThreads default: got %d, want 1", cfg.MineThreads)
	}
}

func TestLoadConfigRejectsMineWithoutMinerOutput(t *testing.T) {
	v := mustBoundViper(t)
	v.Set("mine", true)
	if _, err := loadConfig(v); err == nil {
		t.Fatal("loadConfig: expected error for --mine without --miner-output")
	}
}

func TestLoadConfigAcceptsMineWithMinerOutput(t *testing.T) {
	v := mustBoundViper(t)
	v.Set("mine", true)
	v.Set("miner-output", "aa")
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !cfg.Mine || cfg.MinerOutput != "aa" {
		t.Fatalf("loadConfig: got Mine=%v MinerOutput=%q", cfg.Mine, cfg.MinerOutput)
	}
}

func TestParseNetworkKnownNames(t *testing.T) {
	cases := map[string]core.Network{
		"main":  core.NetworkMain,
		"test":  core.NetworkTest,
		"stage": core.NetworkStage,
		"fake":  core.NetworkFake,
	}
	for name, want := range cases {
		got, err := parseNetwork(name)
		if err != nil {
			t.Fatalf("parseNetwork(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("parseNetwork(%q): got %v, want %v", name, got, want)
		}
	}
}

func TestParseNetworkRejectsUnknownName(t *testing.T) {
	if _, err := parseNetwork("bogus"); err == nil {
		t.Fatal("parseNetwork(\"bogus\"): expected error")
	}
}
