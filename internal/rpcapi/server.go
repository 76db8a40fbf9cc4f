package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/blocknet-core/bnchain/internal/core"
	blog "github.com/blocknet-core/bnchain/internal/log"
	"github.com/blocknet-core/bnchain/internal/mempool"
)

// Config bundles the collaborators the API fronts and the listen address.
type Config struct {
	Addr    string
	DataDir string

	Engine   *core.Engine
	Pipeline *core.PreparePipeline
	Pool     *mempool.Pool

	// TemplateMaxTxBytes/TemplateMaxTxCount bound how much mempool payload
	// create_block_template pulls into a candidate block.
	TemplateMaxTxBytes uint64
	TemplateMaxTxCount int
}

// Server serves the six spec.md §6 Chain-State-Coordinator entry points
// over a bearer-token-authenticated JSON HTTP API, grounded on the
// teacher's api_server.go (token-cookie bootstrap, ServeMux routing,
// explicit http.Server timeouts, graceful Shutdown).
type Server struct {
	cfg    Config
	token  string
	server *http.Server
	log    blog.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: blog.New(blog.TagRPC)}
}

// Start generates a fresh bearer token, persists it to a cookie file in
// DataDir, and begins serving in a background goroutine.
func (s *Server) Start() error {
	token, err := generateToken()
	if err != nil {
		return err
	}
	s.token = token

	if err := writeCookie(s.cfg.DataDir, token); err != nil {
		return fmt.Errorf("write rpc api cookie: %w", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = authMiddleware(token, handler)
	handler = maxBodySize(handler, 8<<20) // 8MiB: largest legitimate payload is a prepare batch

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		deleteCookie(s.cfg.DataDir)
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.log.Infof("rpc api listening on %s", s.cfg.Addr)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("rpc api server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down and removes the cookie file.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	deleteCookie(s.cfg.DataDir)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
