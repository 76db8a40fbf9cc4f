package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blocknet-core/bnchain/internal/checkpointsrc"
)

// config is the fully-resolved set of knobs a run of blocknetd needs,
// after cobra flags and BLOCKNETD_* env vars have been layered by viper
// (flag > env > default). No config file is read.
type config struct {
	DataDir string
	Network string

	RPCAddr            string
	TemplateMaxTxBytes uint64
	TemplateMaxTxCount int

	Offline                bool
	EnforceDNSCheckpoints  bool
	CheckpointsURL         string
	MaxPrepareThreads      int

	// SyncMode/FastSync round-trip into the startup log line; the p2p
	// SyncManager's own batch-size constants (MaxHeadersPerRequest,
	// MaxBlocksPerRequest in p2p/sync.go) aren't parameterized per-node,
	// so BlocksPerSync stays informational only.
	SyncMode      string
	BlocksPerSync int
	FastSync      bool

	Mine        bool
	MineThreads int
	MinerOutput string // hex-encoded one-time destination key

	P2P         bool
	P2PListen   []string
	SeedNodes   []string
}

// bindFlags registers every flag on cmd and binds it into v, so viper can
// layer BLOCKNETD_*-env values underneath whatever the command line sets.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()

	flags.String("data-dir", "./data", "chain database and cookie directory")
	flags.String("network", "main", "network to run: main, test, stage, or fake")

	flags.String("rpc-addr", "127.0.0.1:28081", "listen address for the bearer-token JSON RPC API")
	flags.Uint64("template-max-tx-bytes", 1<<19, "max mempool payload bytes pulled into a block template")
	flags.Int("template-max-tx-count", 500, "max mempool transaction count pulled into a block template")

	flags.Bool("offline", false, "never fetch checkpoints over HTTP, rely on the compiled-in table only")
	flags.Bool("enforce-dns-checkpoints", false, "silence the startup warning about checkpoint-fetch fallback; a failed fetch still falls back to the compiled-in table, and checkpoint mismatches are rejected whether or not this is set")
	flags.String("checkpoints-url", checkpointsrc.DefaultURL, "URL checkpoints are refreshed from unless --offline is set")
	flags.Int("max-prepare-threads", 0, "cap on Prepare Pipeline worker goroutines (0 = unbounded)")

	flags.String("sync-mode", "normal", "gossip sync posture reported at startup (normal, fast); no sync loop consumes this yet")
	flags.Int("blocks-per-sync", 100, "batch size reported at startup; no sync loop consumes this yet")
	flags.Bool("fast-sync", false, "skip-ahead posture reported at startup; no sync loop consumes this yet")

	flags.Bool("mine", false, "run the reference miner against this node's own template/submit path")
	flags.Int("mine-threads", 1, "PoW search goroutines when --mine is set")
	flags.String("miner-output", "", "hex-encoded one-time destination key the miner pays block rewards to (required with --mine)")

	flags.Bool("p2p", false, "join the gossip/sync network over libp2p")
	flags.StringSlice("p2p-listen", []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"}, "multiaddrs the p2p host listens on")
	flags.StringSlice("seed-nodes", nil, "bootstrap peer multiaddrs to dial at startup")

	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix("blocknetd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		DataDir:               v.GetString("data-dir"),
		Network:                v.GetString("network"),
		RPCAddr:                v.GetString("rpc-addr"),
		TemplateMaxTxBytes:     v.GetUint64("template-max-tx-bytes"),
		TemplateMaxTxCount:     v.GetInt("template-max-tx-count"),
		Offline:                v.GetBool("offline"),
		EnforceDNSCheckpoints:  v.GetBool("enforce-dns-checkpoints"),
		CheckpointsURL:         v.GetString("checkpoints-url"),
		MaxPrepareThreads:      v.GetInt("max-prepare-threads"),
		SyncMode:               v.GetString("sync-mode"),
		BlocksPerSync:          v.GetInt("blocks-per-sync"),
		FastSync:               v.GetBool("fast-sync"),
		Mine:                   v.GetBool("mine"),
		MineThreads:            v.GetInt("mine-threads"),
		MinerOutput:            v.GetString("miner-output"),
		P2P:                    v.GetBool("p2p"),
		P2PListen:              v.GetStringSlice("p2p-listen"),
		SeedNodes:              v.GetStringSlice("seed-nodes"),
	}
	if cfg.Mine && cfg.MinerOutput == "" {
		return config{}, fmt.Errorf("--mine requires --miner-output")
	}
	return cfg, nil
}
