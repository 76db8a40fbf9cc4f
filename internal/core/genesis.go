package core

// GenesisConfig is the minimal material needed to build a network's
// genesis block: a fixed timestamp, the single premine/dev-fund output
// the coinbase carries, and the major/minor version the chain starts at.
type GenesisConfig struct {
	Timestamp    int64
	MajorVersion uint8
	MinorVersion uint8
	Outputs      []TxOut
}

// BuildGenesis constructs height-0's block from cfg: a single Gen input at
// height 0, the configured outputs, a zero nonce and prev-id, and the
// merkle root populated over its own (sole) transaction. The caller
// passes the result to Engine.Init.
func BuildGenesis(cfg GenesisConfig) (*Block, error) {
	coinbase := Transaction{
		Version:    1,
		UnlockTime: MinedMoneyUnlockWindow,
		Inputs:     []TxIn{{Gen: &TxInGen{Height: 0}}},
		Outputs:    cfg.Outputs,
	}
	block := &Block{
		Header: BlockHeader{
			MajorVersion: cfg.MajorVersion,
			MinorVersion: cfg.MinorVersion,
			Timestamp:    cfg.Timestamp,
			PrevID:       Hash256{},
			Nonce:        0,
		},
		MinerTx:  coinbase,
		TxHashes: nil,
	}
	root, err := block.ComputeMerkleRoot()
	if err != nil {
		return nil, err
	}
	block.Header.MerkleRoot = root
	return block, nil
}

// DefaultGenesis returns the compiled-in genesis for n: a fixed timestamp
// and a single dev-fund-style output, mirroring the teacher's
// defaults_mainnet.go constant-block approach but generated rather than
// hard-coded byte-for-byte, since this engine's header layout differs
// from the teacher's.
func DefaultGenesis(n Network) (*Block, error) {
	cfg := GenesisConfig{
		MajorVersion: 1,
		MinorVersion: 0,
	}
	switch n {
	case NetworkMain:
		cfg.Timestamp = 1548720000 // 2019-01-29T00:00:00Z, a fixed project epoch
		cfg.Outputs = []TxOut{{Amount: InitialReward, Key: Hash256{0x01}}}
	case NetworkStage:
		cfg.Timestamp = 1548720000
		cfg.Outputs = []TxOut{{Amount: InitialReward, Key: Hash256{0x02}}}
	case NetworkTest:
		cfg.Timestamp = 1548720000
		cfg.Outputs = []TxOut{{Amount: InitialReward, Key: Hash256{0x03}}}
	default: // NetworkFake
		cfg.Timestamp = 1
		cfg.Outputs = []TxOut{{Amount: InitialReward, Key: Hash256{0xff}}}
	}
	return BuildGenesis(cfg)
}
