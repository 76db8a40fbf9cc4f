package rpcapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blocknet-core/bnchain/internal/boltstore"
	"github.com/blocknet-core/bnchain/internal/core"
)

// acceptAllCrypto is a core.CryptoProvider stub used to build a real Engine
// without the cgo-backed crypto library, isolating these tests to the HTTP
// routing/auth/JSON-codec layer rather than consensus internals.
type acceptAllCrypto struct{}

func (acceptAllCrypto) PowHash(headerBytes []byte, nonce uint32) ([32]byte, error) {
	return [32]byte{}, nil
}
func (acceptAllCrypto) PowCheckTarget(hash, target [32]byte) bool     { return true }
func (acceptAllCrypto) DifficultyToTarget(difficulty uint64) [32]byte { return [32]byte{} }
func (acceptAllCrypto) IsValidPoint(key core.Hash256) bool            { return true }
func (acceptAllCrypto) VerifyMLSAGFull(prefixHash core.Hash256, ring [][]core.Hash256, keyImages []core.Hash256, mlsag []byte) bool {
	return true
}
func (acceptAllCrypto) VerifyMLSAGSimple(prefixHash core.Hash256, ring []core.Hash256, pseudoOut, keyImage core.Hash256, mlsag []byte) bool {
	return true
}
func (acceptAllCrypto) VerifyBulletproof(commitments []core.Hash256, proof []byte) bool { return true }
func (acceptAllCrypto) VerifyRangeProof(commitment core.Hash256, proof []byte) bool     { return true }
func (acceptAllCrypto) CommitmentAdd(a, b core.Hash256) core.Hash256                    { return a }
func (acceptAllCrypto) CommitmentSub(a, b core.Hash256) core.Hash256                    { return core.Hash256{} }
func (acceptAllCrypto) CommitmentIsZero(c core.Hash256) bool                            { return true }
func (acceptAllCrypto) CreateFeeCommitment(fee uint64) core.Hash256                     { return core.Hash256{} }

func mustTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gov := core.NewHardForkGovernor(core.DefaultForkTable(core.NetworkFake))
	diff := core.NewDifficultyEngine(gov, 8)
	verify := core.NewTxVerifier(gov, acceptAllCrypto{})
	e := core.NewEngine(core.EngineConfig{
		Store:      store,
		Governor:   gov,
		Difficulty: diff,
		Verifier:   verify,
		Crypto:     acceptAllCrypto{},
	})
	genesis, err := core.BuildGenesis(core.GenesisConfig{
		Timestamp:    1000,
		MajorVersion: 1,
		Outputs:      []core.TxOut{{Amount: 0, Key: core.Hash256{0xaa}}},
	})
	if err != nil {
		t.Fatalf("BuildGenesis: %v", err)
	}
	if err := e.Init(genesis); err != nil {
		t.Fatalf("Engine.Init: %v", err)
	}
	return e
}

// newTestServer wires routes and auth middleware exactly as Start does,
// without binding a real listener, so handlers can be exercised directly
// over httptest.
func newTestServer(t *testing.T, cfg Config) (*httptest.Server, string) {
	t.Helper()
	s := New(cfg)
	s.token = "test-token"
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	var handler http.Handler = mux
	handler = authMiddleware(s.token, handler)
	handler = maxBodySize(handler, 8<<20)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, s.token
}

func doRequest(t *testing.T, ts *httptest.Server, token, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestAuthMiddlewareRejectsMissingAndWrongToken(t *testing.T) {
	ts, _ := newTestServer(t, Config{Engine: mustTestEngine(t)})

	resp := doRequest(t, ts, "", "GET", "/rpc/get_short_chain_history", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got status %d, want 401", resp.StatusCode)
	}

	resp2 := doRequest(t, ts, "wrong-token", "GET", "/rpc/get_short_chain_history", nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: got status %d, want 401", resp2.StatusCode)
	}
}

func TestGetShortChainHistoryReturnsGenesis(t *testing.T) {
	ts, token := newTestServer(t, Config{Engine: mustTestEngine(t)})

	resp := doRequest(t, ts, token, "GET", "/rpc/get_short_chain_history", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get_short_chain_history: got status %d, want 200", resp.StatusCode)
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.IDs) == 0 {
		t.Fatal("get_short_chain_history: expected at least the genesis id")
	}
}

func TestCreateBlockTemplateRejectsEmptyMinerOutputs(t *testing.T) {
	ts, token := newTestServer(t, Config{Engine: mustTestEngine(t)})

	resp := doRequest(t, ts, token, "POST", "/rpc/create_block_template", createBlockTemplateRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create_block_template with no outputs: got status %d, want 400", resp.StatusCode)
	}
}

func TestCreateBlockTemplateReturnsMinableBlock(t *testing.T) {
	ts, token := newTestServer(t, Config{Engine: mustTestEngine(t)})

	req := createBlockTemplateRequest{
		MinerOutputs: []TxOutJSON{{Amount: 0, Key: hashToHex(core.Hash256{0x42})}},
	}
	resp := doRequest(t, ts, token, "POST", "/rpc/create_block_template", req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_block_template: got status %d, want 200", resp.StatusCode)
	}
	var out struct {
		Block  BlockJSON `json:"block"`
		Target string    `json:"target"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Target == "" {
		t.Fatal("create_block_template: expected a non-empty target")
	}
	if out.Block.MinerTx.Outputs[0].Key != hashToHex(core.Hash256{0x42}) {
		t.Fatalf("create_block_template: miner tx output key mismatch, got %+v", out.Block.MinerTx)
	}
}

func TestAddNewBlockRejectsMalformedJSON(t *testing.T) {
	ts, token := newTestServer(t, Config{Engine: mustTestEngine(t)})

	req, err := http.NewRequest("POST", ts.URL+"/rpc/add_new_block", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("add_new_block with malformed JSON: got status %d, want 400", resp.StatusCode)
	}
}
