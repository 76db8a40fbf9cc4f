// Command blocknetd is the chain-state-coordinator daemon: it opens the
// chain database, wires the Hard-Fork Governor / Difficulty Engine / Tx
// Verifier / Block Verifier-Applier behind a core.Engine, fronts it with
// the bearer-token JSON RPC API of internal/rpcapi, and optionally runs
// the reference miner against its own template/submit path.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blocknet-core/bnchain/internal/boltstore"
	"github.com/blocknet-core/bnchain/internal/checkpointsrc"
	"github.com/blocknet-core/bnchain/internal/core"
	"github.com/blocknet-core/bnchain/internal/cryptoprovider"
	blog "github.com/blocknet-core/bnchain/internal/log"
	"github.com/blocknet-core/bnchain/internal/mempool"
	"github.com/blocknet-core/bnchain/internal/miner"
	"github.com/blocknet-core/bnchain/internal/rpcapi"
	"github.com/blocknet-core/bnchain/p2p"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

var log = blog.New(blog.TagDaemon)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "blocknetd",
		Short: "Chain state coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	if err := bindFlags(cmd, v); err != nil {
		panic(err) // flag registration is static; a failure here is a coding error
	}
	return cmd
}

func parseNetwork(s string) (core.Network, error) {
	switch s {
	case "main":
		return core.NetworkMain, nil
	case "test":
		return core.NetworkTest, nil
	case "stage":
		return core.NetworkStage, nil
	case "fake":
		return core.NetworkFake, nil
	default:
		return 0, fmt.Errorf("unknown network %q", s)
	}
}

func run(ctx context.Context, cfg config) error {
	network, err := parseNetwork(cfg.Network)
	if err != nil {
		return err
	}
	log.Infof("starting on network %s (data-dir=%s, sync-mode=%s, blocks-per-sync=%d, fast-sync=%v)",
		cfg.Network, cfg.DataDir, cfg.SyncMode, cfg.BlocksPerSync, cfg.FastSync)

	store, err := boltstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open chain database: %w", err)
	}
	defer store.Close()

	crypto := cryptoprovider.New()
	gov := core.NewHardForkGovernor(core.DefaultForkTable(network))
	diff := core.NewDifficultyEngine(gov, 8)
	verify := core.NewTxVerifier(gov, crypto)

	var checkpoints core.CheckpointSource
	defaults := core.NewStaticCheckpoints(nil)
	if cfg.Offline {
		log.Info("offline mode: checkpoints will not be fetched over HTTP")
		checkpoints = defaults
	} else {
		url := cfg.CheckpointsURL
		if !cfg.EnforceDNSCheckpoints {
			log.Warn("--enforce-dns-checkpoints is not set: a fetch failure silently falls back to the compiled-in checkpoint table")
		}
		src := checkpointsrc.New(defaults, cfg.DataDir+"/checkpoints.dat", url)
		if err := src.Refresh(ctx); err != nil {
			log.Warnf("initial checkpoint refresh failed, continuing with compiled-in defaults: %v", err)
		}
		checkpoints = src
	}

	reg := prometheus.NewRegistry()
	pool := mempool.New(mempool.DefaultConfig(), store.HasKeyImage, reg)

	engine := core.NewEngine(core.EngineConfig{
		Store:             store,
		Governor:          gov,
		Difficulty:        diff,
		Verifier:          verify,
		Crypto:            crypto,
		Mempool:           pool,
		Checkpoints:       checkpoints,
		MetricsRegisterer: reg,
	})

	genesis, err := core.DefaultGenesis(network)
	if err != nil {
		return fmt.Errorf("build genesis: %w", err)
	}
	if err := engine.Init(genesis); err != nil {
		return fmt.Errorf("init chain state: %w", err)
	}
	log.Infof("chain height %d", engine.Height())

	pipeline := core.NewPreparePipeline(engine, cfg.MaxPrepareThreads)

	apiServer := rpcapi.New(rpcapi.Config{
		Addr:                cfg.RPCAddr,
		DataDir:             cfg.DataDir,
		Engine:              engine,
		Pipeline:            pipeline,
		Pool:                pool,
		TemplateMaxTxBytes:  cfg.TemplateMaxTxBytes,
		TemplateMaxTxCount:  cfg.TemplateMaxTxCount,
	})
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start rpc api: %w", err)
	}
	defer apiServer.Stop()
	log.Infof("rpc api listening on %s", cfg.RPCAddr)

	if cfg.P2P {
		node, err := startP2P(ctx, cfg, engine, pool, pipeline)
		if err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		defer node.Stop()
	}

	if cfg.Mine {
		outputKeyBytes, err := hex.DecodeString(cfg.MinerOutput)
		if err != nil || len(outputKeyBytes) != 32 {
			return fmt.Errorf("--miner-output must be 64 hex characters (32 bytes)")
		}
		var outputKey core.Hash256
		copy(outputKey[:], outputKeyBytes)

		m := miner.New(engine, pool, miner.Config{
			RewardOutputs:   []core.TxOut{{Key: outputKey}},
			Threads:         cfg.MineThreads,
			MaxBlockTxBytes: cfg.TemplateMaxTxBytes,
			MaxBlockTxCount: cfg.TemplateMaxTxCount,
		})
		mineCtx, cancelMining := context.WithCancel(ctx)
		defer cancelMining()
		found := make(chan *core.Block, 1)
		go func() {
			for b := range found {
				id, _ := b.Hash()
				log.Infof("mined block %x", id[:4])
			}
		}()
		m.Run(mineCtx, found)
		defer m.Stop()
		log.Infof("mining enabled (%d threads)", cfg.MineThreads)
	}

	waitForShutdown(ctx)
	log.Info("shutting down")
	return nil
}

// startP2P brings up a libp2p host, wires it to engine/pool through a
// p2p.ChainBridge, dials any configured seed nodes, and starts the sync
// manager. The node and sync manager run until run returns, where the
// deferred node.Stop shuts them down.
func startP2P(ctx context.Context, cfg config, engine *core.Engine, pool *mempool.Pool, pipeline *core.PreparePipeline) (*p2p.Node, error) {
	nodeCfg := p2p.DefaultNodeConfig()
	if len(cfg.P2PListen) > 0 {
		nodeCfg.ListenAddrs = cfg.P2PListen
	}
	nodeCfg.SeedNodes = cfg.SeedNodes

	node, err := p2p.NewNode(nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	if err := node.Start(); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	log.Infof("p2p listening as %s on %v", node.PeerID(), node.Addrs())

	bridge := p2p.NewChainBridge(engine, pool, pipeline, node)
	bridge.Attach(ctx)

	for _, addr := range cfg.SeedNodes {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnf("skipping malformed seed node %q: %v", addr, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Warnf("skipping seed node %q: %v", addr, err)
			continue
		}
		if err := node.Connect(ctx, *pi); err != nil {
			log.Warnf("failed to connect to seed node %s: %v", pi.ID, err)
		}
	}
	return node, nil
}

func waitForShutdown(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
}
