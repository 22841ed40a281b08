package p2p

import (
	"sort"
	"time"
)

// Broadcaster is the surface consensus and application layers use to push
// messages into the network.
type Broadcaster interface {
	Broadcast(class MessageClass, body []byte) error
	BroadcastValidators(class MessageClass, body []byte) error
	SendTo(dest string, class MessageClass, body []byte) error
	Reply(dest, correlationID string, class MessageClass, body []byte) error
}

var _ Broadcaster = (*Server)(nil)

// PeerInfo captures the public status of a connected peer.
type PeerInfo struct {
	NodeID     string    `json:"nodeId"`
	Direction  string    `json:"dir"`
	Tier       string    `json:"tier"`
	RemoteAddr string    `json:"remoteAddr"`
	DialAddr   string    `json:"dialAddr,omitempty"`
	ListenAddr string    `json:"listenAddr,omitempty"`
	Version    string    `json:"version"`
	Score      int       `json:"score"`
	LatencyMS  float64   `json:"latencyMs,omitempty"`
	Greylisted bool      `json:"greylisted"`
	Banned     bool      `json:"banned"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

// RouteInfo describes one routable destination.
type RouteInfo struct {
	Destination string   `json:"destination"`
	Distance    int      `json:"distance"`
	NextHops    []string `json:"nextHops"`
}

// NetworkCounts represents current peer counts.
type NetworkCounts struct {
	Total      int `json:"total"`
	Inbound    int `json:"inbound"`
	Outbound   int `json:"outbound"`
	Validators int `json:"validators"`
}

// NetworkLimits captures configured quotas.
type NetworkLimits struct {
	MaxPeers     int     `json:"maxPeers"`
	MaxInbound   int     `json:"maxInbound"`
	MaxOutbound  int     `json:"maxOutbound"`
	Rate         float64 `json:"rateMsgsPerSec"`
	Burst        float64 `json:"burst"`
	BanScore     int     `json:"banScore"`
	GreyScore    int     `json:"greyScore"`
	MaxRouteHops int     `json:"maxRouteHops"`
	RouteHorizon int     `json:"routeHorizon"`
}

// NetworkSelf describes the local node identity.
type NetworkSelf struct {
	NodeID          string `json:"nodeId"`
	Address         string `json:"address"`
	ProtocolVersion uint32 `json:"protocolVersion"`
	ClientVersion   string `json:"clientVersion"`
	ListenAddr      string `json:"listenAddr,omitempty"`
}

// NetworkView summarizes the current P2P server status.
type NetworkView struct {
	ChainID         uint64        `json:"chainId"`
	Genesis         string        `json:"genesisHash"`
	Counts          NetworkCounts `json:"counts"`
	Limits          NetworkLimits `json:"limits"`
	Self            NetworkSelf   `json:"self"`
	Bootnodes       []string      `json:"bootnodes"`
	TopologyEdges   int           `json:"topologyEdges"`
	TopologyVersion uint64        `json:"topologyVersion"`
	RoutableDests   int           `json:"routableDestinations"`
}

// SnapshotPeers returns the current connected peers with reputation data.
func (s *Server) SnapshotPeers() []PeerInfo {
	now := s.currentTime()
	statuses := make(map[string]ReputationStatus)
	if s.reputation != nil {
		statuses = s.reputation.Snapshot(now)
	}

	var stored map[string]PeerstoreEntry
	if s.peerstore != nil {
		entries := s.peerstore.Snapshot()
		stored = make(map[string]PeerstoreEntry, len(entries))
		for _, entry := range entries {
			stored[entry.NodeID] = entry
		}
	}

	peers := s.peerList()
	results := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		status := statuses[peer.id]
		direction := "outbound"
		if peer.inbound {
			direction = "inbound"
		}
		firstSeen := now
		lastSeen := now
		if rec, ok := stored[peer.id]; ok {
			if !rec.FirstSeen.IsZero() {
				firstSeen = rec.FirstSeen
			}
			if !rec.LastSeen.IsZero() {
				lastSeen = rec.LastSeen
			}
		}
		results = append(results, PeerInfo{
			NodeID:     peer.id,
			Direction:  direction,
			Tier:       peer.tier.String(),
			RemoteAddr: peer.remoteAddr,
			DialAddr:   peer.dialAddr,
			ListenAddr: peer.listenAddr,
			Version:    peer.clientVersion,
			Score:      status.Score,
			LatencyMS:  status.LatencyMS,
			Greylisted: status.Greylisted,
			Banned:     status.Banned,
			FirstSeen:  firstSeen,
			LastSeen:   lastSeen,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].NodeID < results[j].NodeID })
	return results
}

// SnapshotNetwork summarizes node identity, counts, quotas, and topology size.
func (s *Server) SnapshotNetwork() NetworkView {
	s.mu.RLock()
	peerCount := len(s.peers)
	inbound := s.inboundCount
	outbound := s.outboundCount
	validators := s.validatorCount
	s.mu.RUnlock()

	table := s.routingSnapshot()

	return NetworkView{
		ChainID: s.cfg.ChainID,
		Genesis: encodeHex(s.genesis),
		Counts: NetworkCounts{
			Total:      peerCount,
			Inbound:    inbound,
			Outbound:   outbound,
			Validators: validators,
		},
		Limits: NetworkLimits{
			MaxPeers:     s.cfg.MaxPeers,
			MaxInbound:   s.cfg.MaxInbound,
			MaxOutbound:  s.cfg.MaxOutbound,
			Rate:         s.cfg.RateMsgsPerSec,
			Burst:        s.cfg.RateBurst,
			BanScore:     s.cfg.BanScore,
			GreyScore:    s.cfg.GreyScore,
			MaxRouteHops: s.cfg.MaxRouteHops,
			RouteHorizon: s.cfg.RouteHorizon,
		},
		Self: NetworkSelf{
			NodeID:          s.nodeID,
			Address:         s.privKey.PubKey().Address().String(),
			ProtocolVersion: protocolVersion,
			ClientVersion:   s.cfg.ClientVersion,
			ListenAddr:      s.listenAddr(),
		},
		Bootnodes:       append([]string{}, s.cfg.Bootnodes...),
		TopologyEdges:   s.topology.Len(),
		TopologyVersion: s.topology.Version(),
		RoutableDests:   len(table.Destinations()),
	}
}

// SnapshotTopology returns every edge currently held in the topology graph.
func (s *Server) SnapshotTopology() []Edge {
	return s.topology.Snapshot()
}

// SnapshotRoutes lists every routable destination with its minimal distance
// and candidate next hops.
func (s *Server) SnapshotRoutes() []RouteInfo {
	table := s.routingSnapshot()
	dests := table.Destinations()
	out := make([]RouteInfo, 0, len(dests))
	for _, dest := range dests {
		distance, _ := table.Distance(dest)
		out = append(out, RouteInfo{
			Destination: dest,
			Distance:    distance,
			NextHops:    append([]string{}, table.NextHops(dest)...),
		})
	}
	return out
}
