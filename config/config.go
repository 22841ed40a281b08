package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"meshchain/p2p"
)

// Config is the top-level node configuration loaded from TOML.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	MetricsAddress string   `toml:"MetricsAddress"`
	DataDir        string   `toml:"DataDir"`
	NetworkName    string   `toml:"NetworkName"`
	ChainID        uint64   `toml:"ChainID"`
	GenesisHash    string   `toml:"GenesisHash"`
	ClientVersion  string   `toml:"ClientVersion"`
	Bootnodes      []string `toml:"Bootnodes"`
	Validators     []string `toml:"Validators"`

	P2P P2PSection `toml:"p2p"`
}

// P2PSection tunes the networking layer. Zero values fall back to the
// server's own defaults.
type P2PSection struct {
	MaxPeers         int     `toml:"MaxPeers"`
	MaxInbound       int     `toml:"MaxInbound"`
	MaxOutbound      int     `toml:"MaxOutbound"`
	OutboundPeers    int     `toml:"OutboundPeers"`
	RateMsgsPerSec   float64 `toml:"RateMsgsPerSec"`
	RateBurst        float64 `toml:"RateBurst"`
	ConsensusRate    float64 `toml:"ConsensusRate"`
	GossipRate       float64 `toml:"GossipRate"`
	AppRate          float64 `toml:"AppRate"`
	BanScore         int     `toml:"BanScore"`
	GreyScore        int     `toml:"GreyScore"`
	BanSeconds       int64   `toml:"BanSeconds"`
	RouteHorizon     int     `toml:"RouteHorizon"`
	MaxRouteHops     int     `toml:"MaxRouteHops"`
	EdgeRetentionSec int64   `toml:"EdgeRetentionSeconds"`
	RouteBackTTLSec  int64   `toml:"RouteBackTTLSeconds"`
	RouteBackMax     int     `toml:"RouteBackMaxEntries"`
	HandshakeSec     int64   `toml:"HandshakeTimeoutSeconds"`
	PingIntervalSec  int64   `toml:"PingIntervalSeconds"`
	PingTimeoutSec   int64   `toml:"PingTimeoutSeconds"`
	ReadTimeoutSec   int64   `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSec  int64   `toml:"WriteTimeoutSeconds"`
	MaxMessageBytes  int     `toml:"MaxMessageBytes"`
	DialsPerSecond   float64 `toml:"DialsPerSecond"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "mesh-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.Validators == nil {
		cfg.Validators = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would silently misbehave at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir is required")
	}
	if c.GenesisHash != "" {
		trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.GenesisHash)), "0x")
		if len(trimmed)%2 != 0 {
			return fmt.Errorf("GenesisHash must be valid hex")
		}
		for _, r := range trimmed {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return fmt.Errorf("GenesisHash must be valid hex")
			}
		}
	}
	for _, bootnode := range c.Bootnodes {
		if strings.TrimSpace(bootnode) == "" {
			return fmt.Errorf("Bootnodes must not contain empty entries")
		}
	}
	if c.P2P.MaxInbound > 0 && c.P2P.MaxPeers > 0 && c.P2P.MaxInbound > c.P2P.MaxPeers {
		return fmt.Errorf("p2p.MaxInbound must not exceed p2p.MaxPeers")
	}
	if c.P2P.MaxOutbound > 0 && c.P2P.MaxPeers > 0 && c.P2P.MaxOutbound > c.P2P.MaxPeers {
		return fmt.Errorf("p2p.MaxOutbound must not exceed p2p.MaxPeers")
	}
	return nil
}

// ServerConfig converts the file representation into the networking layer's
// runtime configuration.
func (c *Config) ServerConfig(genesisHash []byte) p2p.ServerConfig {
	classRates := map[p2p.MessageClass]float64{}
	if c.P2P.ConsensusRate > 0 {
		classRates[p2p.ClassConsensus] = c.P2P.ConsensusRate
	}
	if c.P2P.GossipRate > 0 {
		classRates[p2p.ClassGossip] = c.P2P.GossipRate
	}
	if c.P2P.AppRate > 0 {
		classRates[p2p.ClassApp] = c.P2P.AppRate
	}
	if len(classRates) == 0 {
		classRates = nil
	}
	return p2p.ServerConfig{
		ListenAddress:    c.ListenAddress,
		ChainID:          c.ChainID,
		GenesisHash:      genesisHash,
		ClientVersion:    c.ClientVersion,
		MaxPeers:         c.P2P.MaxPeers,
		MaxInbound:       c.P2P.MaxInbound,
		MaxOutbound:      c.P2P.MaxOutbound,
		OutboundPeers:    c.P2P.OutboundPeers,
		Bootnodes:        append([]string{}, c.Bootnodes...),
		Validators:       append([]string{}, c.Validators...),
		RouteHorizon:     c.P2P.RouteHorizon,
		MaxRouteHops:     c.P2P.MaxRouteHops,
		EdgeRetention:    secondsToDuration(c.P2P.EdgeRetentionSec),
		RouteBackTTL:     secondsToDuration(c.P2P.RouteBackTTLSec),
		RouteBackMax:     c.P2P.RouteBackMax,
		PeerBanDuration:  secondsToDuration(c.P2P.BanSeconds),
		ReadTimeout:      secondsToDuration(c.P2P.ReadTimeoutSec),
		WriteTimeout:     secondsToDuration(c.P2P.WriteTimeoutSec),
		MaxMessageBytes:  c.P2P.MaxMessageBytes,
		RateMsgsPerSec:   c.P2P.RateMsgsPerSec,
		RateBurst:        c.P2P.RateBurst,
		ClassRates:       classRates,
		BanScore:         c.P2P.BanScore,
		GreyScore:        c.P2P.GreyScore,
		HandshakeTimeout: secondsToDuration(c.P2P.HandshakeSec),
		PingInterval:     secondsToDuration(c.P2P.PingIntervalSec),
		PingTimeout:      secondsToDuration(c.P2P.PingTimeoutSec),
		DialsPerSecond:   c.P2P.DialsPerSecond,
	}
}

func secondsToDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":7601",
		MetricsAddress: "127.0.0.1:9190",
		DataDir:        "./mesh-data",
		NetworkName:    "mesh-local",
		ChainID:        1881,
		ClientVersion:  "meshchain/node",
		Bootnodes:      []string{},
		Validators:     []string{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
