package main

import (
	"encoding/hex"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshchain/config"
	"meshchain/observability/logging"
	"meshchain/p2p"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the configured listen address")
	metricsFlag := flag.String("metrics", "", "Override the configured metrics address")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MESH_ENV"))
	logger := logging.Setup("meshd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}
	if *metricsFlag != "" {
		cfg.MetricsAddress = *metricsFlag
	}

	genesisHash, err := resolveGenesisHash(cfg)
	if err != nil {
		logger.Error("Failed to resolve genesis hash", slog.Any("error", err))
		os.Exit(1)
	}

	p2pDir := filepath.Join(cfg.DataDir, "p2p")
	if err := os.MkdirAll(p2pDir, 0o755); err != nil {
		logger.Error("Failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	peerstore, err := p2p.NewPeerstore(filepath.Join(p2pDir, "peerstore"), 0, 0)
	if err != nil {
		logger.Error("Failed to open peerstore", slog.Any("error", err))
		os.Exit(1)
	}
	defer peerstore.Close()

	identity, err := p2p.LoadOrCreateIdentity(filepath.Join(p2pDir, "node_key.json"))
	if err != nil {
		logger.Error("Failed to load node identity", slog.Any("error", err))
		os.Exit(1)
	}

	server := p2p.NewServer(identity.PrivateKey, cfg.ServerConfig(genesisHash))
	server.SetPeerstore(peerstore)

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go serveMetrics(logger, addr)
	}
	go drainInbound(logger, server)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutting down", slog.String("signal", sig.String()))
		server.Stop()
	}()

	logger.Info("Starting mesh node",
		logging.MaskField("node_id", server.NodeID()),
		slog.String("address", identity.Address),
		slog.String("network", cfg.NetworkName),
		slog.Uint64("chain_id", cfg.ChainID))

	if err := server.Start(); err != nil {
		logger.Error("P2P server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// resolveGenesisHash takes the configured hash, falling back to a hash of the
// network name so nodes of the same named network can interoperate without an
// explicit genesis.
func resolveGenesisHash(cfg *config.Config) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.GenesisHash)), "0x")
	if trimmed != "" {
		return hex.DecodeString(trimmed)
	}
	return ethcrypto.Keccak256([]byte("mesh-genesis|" + cfg.NetworkName)), nil
}

// drainInbound consumes delivered application messages. The daemon carries no
// application layer of its own; draining keeps the inbox from filling and makes
// deliveries visible in debug logs.
func drainInbound(logger *slog.Logger, server *p2p.Server) {
	for msg := range server.Inbound() {
		logger.Debug("Application message delivered",
			logging.MaskField("from", msg.From),
			slog.String("class", msg.Class.String()),
			slog.Int("bytes", len(msg.Payload)))
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Metrics endpoint listening", logging.MaskField("metrics_address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics endpoint failed", slog.Any("error", err))
	}
}
