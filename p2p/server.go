package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshchain/crypto"
	"meshchain/observability/logging"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultSendQueueSize    = 64
	defaultInboxSize        = 1024

	defaultMaxPeers       = 64
	defaultPeerBan        = 15 * time.Minute
	defaultReadTimeout    = 90 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultMsgRate        = 32.0
	defaultBurstRate      = 200.0
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 2 * time.Minute
	defaultRouteHorizon   = 6
	defaultMaxRouteHops   = 8

	slowPenalty = 5

	greylistRateMultiplier = 0.25

	invalidRateWindow        = time.Minute
	invalidRateThresholdPerc = 50
	invalidRateSampleSize    = 5

	correlationIDSize = 16
)

var (
	ErrPeerUnknown     = errors.New("p2p: unknown peer")
	ErrPeerBanned      = errors.New("p2p: peer is banned")
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	ErrInvalidAddress  = errors.New("p2p: invalid dial address")
)

// ServerConfig encapsulates runtime settings for the p2p server.
type ServerConfig struct {
	ListenAddress   string
	ChainID         uint64
	GenesisHash     []byte
	ClientVersion   string
	MaxPeers        int
	MaxInbound      int
	MaxOutbound     int
	OutboundPeers   int
	Bootnodes       []string
	Validators      []string
	RouteHorizon    int
	MaxRouteHops    int
	EdgeRetention   time.Duration
	RouteBackTTL    time.Duration
	RouteBackMax    int
	PeerBanDuration time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	RateMsgsPerSec  float64
	RateBurst       float64
	// ClassRates caps outbound messages per second per traffic class so
	// gossip volume cannot crowd out consensus traffic.
	ClassRates       map[MessageClass]float64
	ClassBurstFactor float64
	SendQueueSize    int
	InboxSize        int
	BanScore         int
	GreyScore        int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	DialBackoff      time.Duration
	MaxDialBackoff   time.Duration
	DialsPerSecond   float64
}

// InboundMessage is a decoded application message handed to upstream logic.
type InboundMessage struct {
	From          string
	Via           string
	CorrelationID string
	Class         MessageClass
	HopsRemaining int
	Payload       []byte
}

type dialFunc func(context.Context, string) (net.Conn, error)

// Server coordinates peer connections, topology gossip, and message routing.
type Server struct {
	cfg     ServerConfig
	privKey *crypto.PrivateKey
	nodeID  string
	genesis []byte

	logger *slog.Logger

	mu             sync.RWMutex
	peers          map[string]*Peer
	inboundCount   int
	outboundCount  int
	validatorCount int
	metrics        map[string]*peerMetrics
	byAddr         map[string]string
	validators     map[string]struct{}

	// listenMu guards lifecycle state written by Start against readers
	// (Stop, snapshots) racing it.
	listenMu  sync.RWMutex
	boundAddr string
	listener  net.Listener
	connMgr   *connManager

	topology  *topologyGraph
	routeBack *routeBackCache
	routes    atomic.Pointer[routingTable]
	routesMu  sync.Mutex

	rrMu       sync.Mutex
	rrCounters map[string]uint64

	inbox chan InboundMessage

	dialFn           dialFunc
	now              func() time.Time
	globalLimit      *tokenBucket
	ipLimiter        *ipRateLimiter
	reputation       *ReputationManager
	handshakeTimeout time.Duration
	nonceGuard       *nonceGuard
	metricsCollector *networkMetrics

	peerstore *Peerstore

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration

	connMgrOnce sync.Once
	quit        chan struct{}
	quitOnce    sync.Once
}

// NewServer creates a p2p server with authenticated handshakes and signed-edge
// topology gossip.
func NewServer(privKey *crypto.PrivateKey, cfg ServerConfig) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "meshchain/node"
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.MaxInbound <= 0 || cfg.MaxInbound > cfg.MaxPeers {
		cfg.MaxInbound = cfg.MaxPeers
	}
	if cfg.MaxOutbound <= 0 || cfg.MaxOutbound > cfg.MaxPeers {
		cfg.MaxOutbound = cfg.MaxPeers
	}
	if cfg.OutboundPeers <= 0 || cfg.OutboundPeers > cfg.MaxOutbound {
		cfg.OutboundPeers = cfg.MaxOutbound
	}
	if cfg.RouteHorizon <= 0 {
		cfg.RouteHorizon = defaultRouteHorizon
	}
	if cfg.MaxRouteHops <= 0 {
		cfg.MaxRouteHops = defaultMaxRouteHops
	}
	if cfg.PeerBanDuration <= 0 {
		cfg.PeerBanDuration = defaultPeerBan
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.RateMsgsPerSec <= 0 {
		cfg.RateMsgsPerSec = defaultMsgRate
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultBurstRate
	}
	if len(cfg.ClassRates) == 0 {
		cfg.ClassRates = map[MessageClass]float64{
			ClassConsensus: 64,
			ClassGossip:    32,
			ClassApp:       32,
		}
	}
	if cfg.ClassBurstFactor < 1 {
		cfg.ClassBurstFactor = 4
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.BanScore <= 0 {
		cfg.BanScore = 100
	}
	if cfg.GreyScore <= 0 || cfg.GreyScore >= cfg.BanScore {
		cfg.GreyScore = 50
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = time.Second
	}
	if cfg.MaxDialBackoff <= 0 {
		cfg.MaxDialBackoff = time.Minute
	}
	if cfg.DialsPerSecond <= 0 {
		cfg.DialsPerSecond = 1
	}
	cfg.Bootnodes = uniqueStrings(cfg.Bootnodes)

	nodeID := deriveNodeID(privKey)

	rep := NewReputationManager(ReputationConfig{
		GreyScore:        cfg.GreyScore,
		BanScore:         cfg.BanScore,
		BanDuration:      cfg.PeerBanDuration,
		GreylistDuration: time.Minute,
	})

	server := &Server{
		cfg:              cfg,
		privKey:          privKey,
		nodeID:           nodeID,
		genesis:          cloneBytes(cfg.GenesisHash),
		logger:           slog.Default().With(slog.String("component", "p2p_server")),
		peers:            make(map[string]*Peer),
		metrics:          make(map[string]*peerMetrics),
		byAddr:           make(map[string]string),
		validators:       make(map[string]struct{}),
		topology:         newTopologyGraph(cfg.EdgeRetention),
		routeBack:        newRouteBackCache(cfg.RouteBackTTL, cfg.RouteBackMax),
		rrCounters:       make(map[string]uint64),
		inbox:            make(chan InboundMessage, cfg.InboxSize),
		dialFn:           defaultDialer,
		now:              time.Now,
		reputation:       rep,
		handshakeTimeout: cfg.HandshakeTimeout,
		nonceGuard:       newNonceGuard(handshakeReplayWindow),
		metricsCollector: newNetworkMetrics(),
		pendingDial:      make(map[string]struct{}),
		backoff:          make(map[string]time.Duration),
		quit:             make(chan struct{}),
	}

	for _, id := range cfg.Validators {
		if normalized := normalizeHex(id); normalized != "" {
			server.validators[normalized] = struct{}{}
		}
	}

	burst := cfg.RateBurst * float64(cfg.MaxPeers)
	if burst < cfg.RateMsgsPerSec {
		burst = cfg.RateMsgsPerSec
	}
	server.globalLimit = newTokenBucket(cfg.RateMsgsPerSec*float64(cfg.MaxPeers), burst)
	server.ipLimiter = newIPRateLimiter(cfg.RateMsgsPerSec, cfg.RateBurst)

	server.routes.Store(buildRoutingTable(nodeID, nil, cfg.RouteHorizon, 0))

	return server
}

// SetPeerstore attaches a persistent peerstore to the server for dial metadata.
func (s *Server) SetPeerstore(store *Peerstore) {
	s.peerstore = store
}

// SetValidators replaces the validator set used for tier classification.
// Existing connections are re-tiered on their next admission-relevant event.
func (s *Server) SetValidators(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if normalized := normalizeHex(id); normalized != "" {
			next[normalized] = struct{}{}
		}
	}
	s.mu.Lock()
	s.validators = next
	s.mu.Unlock()
}

func (s *Server) tierFor(id string) Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.validators[normalizeHex(id)]; ok {
		return TierValidator
	}
	return TierGeneral
}

func (s *Server) currentTime() time.Time {
	if s == nil || s.now == nil {
		return time.Now()
	}
	return s.now()
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: defaultHandshakeTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Start begins listening for inbound peers and negotiating handshakes. It
// blocks serving the accept loop; inability to bind is the only fatal error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind listen address: %w", err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.boundAddr = ln.Addr().String()
	s.listenMu.Unlock()

	s.log().Info("P2P server listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.Uint64("chain_id", s.cfg.ChainID),
		slog.String("genesis", summarizeHash(s.genesis)),
		logging.MaskField("node_id", s.nodeID),
		slog.String("client_version", s.cfg.ClientVersion))

	s.startConnManager()
	go s.janitorLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return err
		}
		go s.handleInbound(conn)
	}
}

// Stop tears down the listener, the background loops, and every connection.
func (s *Server) Stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
	s.listenMu.RLock()
	ln := s.listener
	s.listenMu.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.listenMu.RLock()
	mgr := s.connMgr
	s.listenMu.RUnlock()
	if mgr != nil {
		mgr.stop()
	}
	for _, peer := range s.peerList() {
		peer.terminate(false, fmt.Errorf("server shutting down"))
	}
}

func (s *Server) startConnManager() {
	s.connMgrOnce.Do(func() {
		mgr := newConnManager(s)
		if mgr == nil {
			return
		}
		s.listenMu.Lock()
		s.connMgr = mgr
		s.listenMu.Unlock()
		mgr.start()
	})
}

// janitorLoop ages removed edges out of the topology graph.
func (s *Server) janitorLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := s.topology.Prune(s.currentTime()); dropped > 0 {
				s.rebuildRoutes()
				s.log().Debug("Pruned removed edges", slog.Int("dropped", dropped))
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if !s.allowIP(conn.RemoteAddr().String(), s.currentTime()) {
		conn.Close()
		return
	}
	if err := s.initPeer(conn, true, "", ""); err != nil {
		s.log().Warn("Inbound connection rejected",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		conn.Close()
	}
}

func (s *Server) initPeer(conn net.Conn, inbound bool, dialAddr, expectedID string) (err error) {
	if s.metricsCollector != nil {
		defer func() {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			s.metricsCollector.recordHandshake(outcome)
		}()
	}
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
	defer cancel()

	var result *handshakeResult
	if inbound {
		result, err = s.performInboundHandshake(ctx, conn, reader)
	} else {
		result, err = s.performOutboundHandshake(ctx, conn, reader, expectedID)
	}
	if err != nil {
		return err
	}
	remote := result.remote
	if remote.nodeID == "" {
		return fmt.Errorf("handshake missing node identity")
	}
	if s.isBanned(remote.nodeID) {
		return fmt.Errorf("%w: %s", ErrPeerBanned, summarizeID(remote.nodeID))
	}

	now := s.currentTime()
	trimmedDial := strings.TrimSpace(dialAddr)
	primaryAddr := trimmedDial
	if primaryAddr == "" {
		primaryAddr = strings.TrimSpace(remote.ListenAddr)
	}
	if primaryAddr == "" {
		primaryAddr = conn.RemoteAddr().String()
	}

	if s.peerstore != nil {
		entry := PeerstoreEntry{Addr: primaryAddr, NodeID: remote.nodeID}
		if err := s.peerstore.Put(entry); err != nil {
			s.log().Warn("Failed to persist peer entry",
				logging.MaskField("peer_id", remote.nodeID),
				slog.Any("error", err))
		}
		if _, err := s.peerstore.RecordSuccess(remote.nodeID, now); err != nil {
			s.log().Warn("Failed to record peer success",
				logging.MaskField("peer_id", remote.nodeID),
				slog.Any("error", err))
		}
	}

	tier := s.tierFor(remote.nodeID)
	peer := newPeer(remote.nodeID, remote.ClientVersion, tier, conn, reader, s, inbound, trimmedDial, strings.TrimSpace(remote.ListenAddr))
	if err := s.admitPeer(peer); err != nil {
		return err
	}
	s.log().Info("Peer connected",
		logging.MaskField("peer_id", peer.id),
		logging.MaskField("peer_address", peer.remoteAddr),
		slog.String("client_version", remote.ClientVersion),
		slog.String("tier", tier.String()),
		slog.Bool("inbound", inbound))
	peer.start()

	// Install the handshake edge and exchange edge sets so both sides
	// converge on the same topology view.
	if result.edge.Complete() {
		s.acceptEdge(result.edge, "")
	}
	s.sendEdgeSync(peer, result)
	return nil
}

// sendEdgeSync ships our full edge snapshot to a fresh peer, with the
// handshake edge first when the remote still lacks our counter-signature.
func (s *Server) sendEdgeSync(peer *Peer, result *handshakeResult) {
	edges := s.topology.Snapshot()
	if result.announceFirst {
		edges = append([]Edge{result.edge}, edges...)
	}
	if len(edges) == 0 {
		return
	}
	msg, err := newMessage(MsgTypeEdgeSync, EdgeSyncPayload{Edges: edges})
	if err != nil {
		return
	}
	if err := peer.Enqueue(ClassGossip, msg); err != nil {
		s.log().Warn("Initial edge sync failed",
			logging.MaskField("peer_id", peer.id),
			slog.Any("error", err))
	}
}

// admitPeer applies tier ceilings. Validator connections are always admitted.
// A general inbound connection over the ceiling evicts the lowest-scoring
// general peer when one exists; otherwise the new connection is refused.
func (s *Server) admitPeer(peer *Peer) error {
	for attempt := 0; attempt < 2; attempt++ {
		victim, err := s.registerPeer(peer)
		if err == nil {
			return nil
		}
		if victim == nil {
			return err
		}
		s.log().Info("Evicting peer for inbound admission",
			logging.MaskField("peer_id", victim.id),
			slog.Int("score", s.reputation.Score(victim.id, s.currentTime())))
		victim.terminate(false, fmt.Errorf("evicted for new inbound connection"))
	}
	_, err := s.registerPeer(peer)
	return err
}

func (s *Server) registerPeer(peer *Peer) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[peer.id]; exists {
		return nil, fmt.Errorf("peer %s already connected", summarizeID(peer.id))
	}
	if banned, until := s.reputation.BanInfo(peer.id, s.currentTime()); banned {
		return nil, fmt.Errorf("%w: until %s", ErrPeerBanned, until.Format(time.RFC3339))
	}

	if peer.tier == TierValidator {
		s.validatorCount++
	} else {
		generalCount := len(s.peers) - s.validatorCount
		if generalCount >= s.cfg.MaxPeers {
			if victim := s.evictionCandidateLocked(); victim != nil {
				return victim, fmt.Errorf("%w: maximum peers reached", ErrResourceExhausted)
			}
			return nil, fmt.Errorf("%w: maximum peers reached", ErrResourceExhausted)
		}
		if peer.inbound {
			if s.inboundCount >= s.cfg.MaxInbound {
				if victim := s.evictionCandidateLocked(); victim != nil {
					return victim, fmt.Errorf("%w: maximum inbound peers reached", ErrResourceExhausted)
				}
				return nil, fmt.Errorf("%w: maximum inbound peers reached", ErrResourceExhausted)
			}
		} else if s.outboundCount >= s.cfg.MaxOutbound {
			return nil, fmt.Errorf("%w: maximum outbound peers reached", ErrResourceExhausted)
		}
	}
	if peer.inbound {
		s.inboundCount++
	} else {
		s.outboundCount++
	}
	s.peers[peer.id] = peer
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer.id
	}
	return nil, nil
}

// evictionCandidateLocked picks the general-tier inbound peer with the lowest
// reputation score. Validator connections are never eviction candidates.
func (s *Server) evictionCandidateLocked() *Peer {
	now := s.currentTime()
	var victim *Peer
	victimScore := 0
	for _, peer := range s.peers {
		if peer.tier == TierValidator || !peer.inbound {
			continue
		}
		score := s.reputation.Score(peer.id, now)
		if victim == nil || score < victimScore {
			victim = peer
			victimScore = score
		}
	}
	return victim
}

func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	s.mu.Lock()
	removed := false
	if current, ok := s.peers[peer.id]; ok && current == peer {
		removed = true
		delete(s.peers, peer.id)
		if peer.tier == TierValidator {
			if s.validatorCount > 0 {
				s.validatorCount--
			}
		}
		if peer.inbound {
			if s.inboundCount > 0 {
				s.inboundCount--
			}
		} else if s.outboundCount > 0 {
			s.outboundCount--
		}
		if peer.dialAddr != "" {
			delete(s.byAddr, peer.dialAddr)
		}
	}
	s.mu.Unlock()

	if s.metricsCollector != nil {
		s.metricsCollector.removePeer(peer.id)
	}
	s.routeBack.Forget(peer.id)

	if ban {
		s.applyBan(peer.id, reason)
		s.log().Warn("Peer disconnected and banned",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	} else if reason != nil {
		s.log().Info("Peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	} else {
		s.log().Info("Peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr))
	}

	if removed {
		s.retireEdge(peer.id)
	}
}

// retireEdge publishes a removal edge for the (local, peer) pair so stale
// topology ages out of the rest of the network.
func (s *Server) retireEdge(peerID string) {
	current, ok := s.topology.Current(s.nodeID, peerID)
	if !ok || current.State != EdgeActive {
		return
	}
	nonce := s.topology.NextNonce(s.nodeID, peerID, s.currentTime())
	removal, err := newEdgeProposal(s.privKey, s.nodeID, peerID, nonce, EdgeRemoved)
	if err != nil {
		s.log().Warn("Failed to build removal edge",
			logging.MaskField("peer_id", peerID),
			slog.Any("error", err))
		return
	}
	s.acceptEdge(removal, "")
}

// acceptEdge merges an edge into the topology graph and, when it is new,
// rebuilds the routing table and re-gossips the edge to every established
// connection except the one it arrived on. The nonce check in Merge bounds
// the flood: a given (pair, nonce) propagates at most once per connection.
func (s *Server) acceptEdge(edge Edge, fromPeer string) (bool, error) {
	changed, err := s.topology.Merge(edge, s.currentTime())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	s.rebuildRoutes()
	if s.metricsCollector != nil {
		s.metricsCollector.observeTopology(s.topology.Len())
	}

	msg, err := newMessage(MsgTypeEdgeSync, EdgeSyncPayload{Edges: []Edge{edge}})
	if err != nil {
		return true, nil
	}
	for _, peer := range s.peerList() {
		if peer.id == fromPeer {
			continue
		}
		if err := peer.Enqueue(ClassGossip, msg); err != nil {
			s.log().Debug("Edge gossip skipped",
				logging.MaskField("peer_id", peer.id),
				slog.Any("error", err))
		}
	}
	return true, nil
}

// rebuildRoutes recomputes the routing table from the Active-edge subgraph
// and publishes it atomically. Readers always observe a complete table.
func (s *Server) rebuildRoutes() {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	version := s.topology.Version()
	table := buildRoutingTable(s.nodeID, s.topology.ActiveAdjacency(), s.cfg.RouteHorizon, version)
	s.routes.Store(table)
	if s.metricsCollector != nil {
		s.metricsCollector.observeRoutes(len(table.nextHops))
	}
}

// RoutingSnapshot returns the currently published routing table. It is
// immutable; callers may read it without locking.
func (s *Server) routingSnapshot() *routingTable {
	return s.routes.Load()
}

// handleMessage dispatches one decoded frame from a peer's read loop. It
// returns true when the connection has been terminated.
func (s *Server) handleMessage(peer *Peer, msg *Message) bool {
	now := s.currentTime()
	peer.markAlive(now)
	if s.metricsCollector != nil {
		s.metricsCollector.recordGossip("inbound", msg.Type)
	}
	switch msg.Type {
	case MsgTypeEdgeSync:
		return s.handleEdgeSync(peer, msg)
	case MsgTypeRouting:
		return s.handleRouting(peer, msg)
	case MsgTypeHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(peer, fmt.Errorf("%w: malformed heartbeat: %v", ErrProtocolViolation, err))
			return true
		}
		ack, err := newMessage(MsgTypeHeartbeatAck, HeartbeatPayload{Nonce: payload.Nonce, Timestamp: now.UnixNano()})
		if err == nil {
			_ = peer.Enqueue(ClassConsensus, ack)
		}
		return false
	case MsgTypeHeartbeatAck:
		var payload HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.handleProtocolViolation(peer, fmt.Errorf("%w: malformed heartbeat ack: %v", ErrProtocolViolation, err))
			return true
		}
		if latency := peer.observeHeartbeatAck(payload.Nonce, now); latency > 0 {
			s.observeLatency(peer.id, latency)
		}
		return false
	case MsgTypeDisconnect:
		var payload DisconnectPayload
		reason := "remote disconnect"
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.Reason != "" {
			reason = payload.Reason
		}
		peer.terminate(false, fmt.Errorf("peer closed connection: %s", reason))
		return true
	case MsgTypeHandshake, MsgTypeHandshakeReject:
		s.handleProtocolViolation(peer, fmt.Errorf("%w: handshake message after establishment", ErrProtocolViolation))
		return true
	default:
		s.handleProtocolViolation(peer, fmt.Errorf("%w: unknown message type 0x%02x", ErrProtocolViolation, msg.Type))
		return true
	}
}

// handleEdgeSync merges a batch of gossiped edges. Invalid edges penalize the
// sender's misbehavior score without immediate disconnect, tolerating
// transient skew; stale nonces are silently ignored.
func (s *Server) handleEdgeSync(peer *Peer, msg *Message) bool {
	var payload EdgeSyncPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.handleProtocolViolation(peer, fmt.Errorf("%w: malformed edge sync: %v", ErrProtocolViolation, err))
		return true
	}
	allValid := true
	for _, edge := range payload.Edges {
		if _, err := s.acceptEdge(edge, peer.id); err != nil {
			allValid = false
			status := s.adjustScore(peer.id, invalidEdgePenaltyDelta)
			if s.reputation != nil {
				s.reputation.MarkMisbehavior(peer.id, s.currentTime())
			}
			s.log().Warn("Invalid gossiped edge",
				logging.MaskField("peer_id", peer.id),
				slog.Any("error", err),
				slog.Int("score", status.Score))
			if status.Banned {
				peer.terminate(true, fmt.Errorf("invalid edge gossip: %w", err))
				return true
			}
		}
	}
	if allValid {
		s.recordValidMessage(peer.id)
	}
	return false
}

// handleRouting delivers or forwards a routed message. Transit messages with
// an exhausted hop budget are dropped, never forwarded; route-back records are
// written before forwarding so replies can retrace the path.
func (s *Server) handleRouting(peer *Peer, msg *Message) bool {
	var payload RoutingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.handleProtocolViolation(peer, fmt.Errorf("%w: malformed routed message: %v", ErrProtocolViolation, err))
		return true
	}
	dst := normalizeHex(payload.Destination)
	src := normalizeHex(payload.Source)
	if dst == "" || src == "" || payload.Class >= numMessageClasses {
		s.handleProtocolViolation(peer, fmt.Errorf("%w: invalid routing header", ErrProtocolViolation))
		return true
	}
	now := s.currentTime()

	if dst == s.nodeID {
		if payload.CorrelationID != "" && !payload.Reply {
			s.routeBack.Record(payload.CorrelationID, peer.id, now)
		}
		s.deliver(InboundMessage{
			From:          src,
			Via:           peer.id,
			CorrelationID: payload.CorrelationID,
			Class:         payload.Class,
			HopsRemaining: payload.HopCount,
			Payload:       payload.Body,
		})
		s.recordValidMessage(peer.id)
		return false
	}

	if payload.HopCount <= 0 {
		if s.metricsCollector != nil {
			s.metricsCollector.recordRoutingDrop("hop_exhausted")
		}
		s.log().Debug("Dropping routed message with exhausted hop budget",
			logging.MaskField("destination", dst))
		return false
	}
	if payload.CorrelationID != "" && !payload.Reply {
		s.routeBack.Record(payload.CorrelationID, peer.id, now)
	}
	if err := s.forwardRouting(&payload, peer.id); err != nil {
		if s.metricsCollector != nil {
			s.metricsCollector.recordRoutingDrop("unreachable")
		}
		s.log().Debug("Failed to forward routed message",
			logging.MaskField("destination", dst),
			slog.Any("error", err))
	}
	s.recordValidMessage(peer.id)
	return false
}

func (s *Server) deliver(msg InboundMessage) {
	select {
	case s.inbox <- msg:
	default:
		if s.metricsCollector != nil {
			s.metricsCollector.recordRoutingDrop("inbox_full")
		}
		s.log().Warn("Inbound queue full, dropping message",
			logging.MaskField("from", msg.From))
	}
}

// Inbound exposes the stream of delivered application messages.
func (s *Server) Inbound() <-chan InboundMessage {
	return s.inbox
}

// forwardRouting transmits a routed payload one hop closer to its
// destination, decrementing the hop budget. Replies retrace the route-back
// path first; everything else consults the routing table, spreading load over
// equal-distance next hops round-robin.
func (s *Server) forwardRouting(payload *RoutingPayload, excludePeer string) error {
	dst := normalizeHex(payload.Destination)
	now := s.currentTime()

	var target *Peer
	if payload.Reply && payload.CorrelationID != "" {
		if via, ok := s.routeBack.Lookup(payload.CorrelationID, now); ok && via != excludePeer {
			target = s.peerByID(via)
		}
	}
	if target == nil {
		target = s.peerByID(dst)
	}
	if target == nil {
		hops := s.routingSnapshot().NextHops(dst)
		candidates := make([]*Peer, 0, len(hops))
		for _, hop := range hops {
			if hop == excludePeer {
				continue
			}
			if peer := s.peerByID(hop); peer != nil {
				candidates = append(candidates, peer)
			}
		}
		if len(candidates) > 0 {
			target = candidates[s.nextRoundRobin(dst)%uint64(len(candidates))]
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no route to %s", ErrUnreachable, summarizeID(dst))
	}

	payload.HopCount--
	msg, err := newMessage(MsgTypeRouting, payload)
	if err != nil {
		return err
	}
	if err := target.Enqueue(payload.Class, msg); err != nil {
		return err
	}
	if s.metricsCollector != nil {
		s.metricsCollector.recordGossip("outbound", MsgTypeRouting)
	}
	return nil
}

func (s *Server) nextRoundRobin(dest string) uint64 {
	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	n := s.rrCounters[dest]
	s.rrCounters[dest] = n + 1
	return n
}

// SendTo routes an application message to the destination peer. The send
// fails with an unreachable error when no route exists and with a
// resource-exhausted error under backpressure; it never blocks indefinitely.
func (s *Server) SendTo(dest string, class MessageClass, body []byte) error {
	return s.send(dest, class, body, "", false)
}

// Request routes a message carrying a fresh correlation ID so the destination
// can answer over the route-back path. It returns the correlation ID.
func (s *Server) Request(dest string, class MessageClass, body []byte) (string, error) {
	cid, err := newCorrelationID()
	if err != nil {
		return "", err
	}
	if err := s.send(dest, class, body, cid, false); err != nil {
		return "", err
	}
	return cid, nil
}

// Reply answers a previously received correlated message, retracing the path
// it arrived on hop-by-hop even when no forward route to dest exists.
func (s *Server) Reply(dest, correlationID string, class MessageClass, body []byte) error {
	if correlationID == "" {
		return fmt.Errorf("correlation ID required for reply")
	}
	return s.send(dest, class, body, correlationID, true)
}

func (s *Server) send(dest string, class MessageClass, body []byte, correlationID string, reply bool) error {
	dst := normalizeHex(dest)
	if dst == "" {
		return fmt.Errorf("%w: invalid destination", ErrUnreachable)
	}
	if dst == s.nodeID {
		return fmt.Errorf("%w: cannot route to self", ErrUnreachable)
	}
	if class >= numMessageClasses {
		return fmt.Errorf("invalid message class %d", class)
	}
	payload := RoutingPayload{
		Destination:   dst,
		Source:        s.nodeID,
		CorrelationID: correlationID,
		Reply:         reply,
		HopCount:      s.cfg.MaxRouteHops,
		Class:         class,
		Body:          body,
	}
	return s.forwardRouting(&payload, "")
}

func newCorrelationID() (string, error) {
	buf := make([]byte, correlationIDSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate correlation ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Broadcast fans an application message out to every established connection.
func (s *Server) Broadcast(class MessageClass, body []byte) error {
	return s.broadcast(class, body, false)
}

// BroadcastValidators fans a message out to validator-tier connections only.
func (s *Server) BroadcastValidators(class MessageClass, body []byte) error {
	return s.broadcast(class, body, true)
}

func (s *Server) broadcast(class MessageClass, body []byte, validatorsOnly bool) error {
	var errs []error
	for _, peer := range s.peerList() {
		if validatorsOnly && peer.tier != TierValidator {
			continue
		}
		payload := RoutingPayload{
			Destination: peer.id,
			Source:      s.nodeID,
			HopCount:    1,
			Class:       class,
			Body:        body,
		}
		msg, err := newMessage(MsgTypeRouting, &payload)
		if err != nil {
			return err
		}
		if err := peer.Enqueue(class, msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", summarizeID(peer.id), err))
		}
	}
	return errors.Join(errs...)
}

// Connect dials a remote peer and establishes an authenticated session. The
// target is either `host:port` or `nodeID@host:port`; the latter pins the
// expected identity and lets the handshake carry a pre-signed edge proposal.
func (s *Server) Connect(target string) error {
	expectedID, addr, err := splitDialTarget(target)
	if err != nil {
		return err
	}
	if s.isConnectedToAddress(addr) {
		return nil
	}
	if expectedID != "" && s.peerByID(expectedID) != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
	defer cancel()

	conn, err := s.dialFn(ctx, addr)
	if err != nil {
		s.markDialFailure(addr, expectedID)
		return err
	}

	if err := s.initPeer(conn, false, addr, expectedID); err != nil {
		conn.Close()
		s.markDialFailure(addr, expectedID)
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	s.resetBackoff(addr)
	return nil
}

func splitDialTarget(target string) (nodeID, addr string, err error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return "", "", ErrDialTargetEmpty
	}
	if idPart, addrPart, found := strings.Cut(trimmed, "@"); found {
		nodeID = normalizeHex(idPart)
		if nodeID == "" {
			return "", "", fmt.Errorf("%w: bad node ID in %q", ErrInvalidAddress, target)
		}
		addr = strings.TrimSpace(addrPart)
	} else {
		addr = trimmed
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nodeID, addr, nil
}

// DialPeer queues a manual dial respecting configured backoff and bans.
func (s *Server) DialPeer(target string) error {
	expectedID, addr, err := splitDialTarget(target)
	if err != nil {
		return err
	}
	now := s.currentTime()
	if expectedID != "" {
		if s.isBanned(expectedID) {
			return fmt.Errorf("%w: %s", ErrPeerBanned, summarizeID(expectedID))
		}
		if s.peerstore != nil && s.peerstore.IsBanned(expectedID, now) {
			return fmt.Errorf("%w: peerstore ban active", ErrPeerBanned)
		}
	}
	if s.isConnectedToAddress(addr) {
		return nil
	}

	wait := time.Duration(0)
	if s.peerstore != nil {
		if next := s.peerstore.NextDialAt(addr, now); next.After(now) {
			wait = next.Sub(now)
		}
	}
	s.dialMu.Lock()
	if backoff := s.backoff[addr]; backoff > wait {
		wait = backoff
	}
	s.dialMu.Unlock()

	return s.enqueueDial(target, addr, wait)
}

func (s *Server) enqueueDial(target, addr string, wait time.Duration) error {
	s.dialMu.Lock()
	if _, pending := s.pendingDial[addr]; pending {
		s.dialMu.Unlock()
		return nil
	}
	s.pendingDial[addr] = struct{}{}
	s.dialMu.Unlock()

	go func() {
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.quit:
				s.clearPendingDial(addr)
				return
			}
		}
		err := s.Connect(target)
		s.clearPendingDial(addr)
		if err != nil {
			s.log().Warn("Dial failed",
				logging.MaskField("peer_address", addr),
				slog.Any("error", err))
		} else {
			s.resetBackoff(addr)
		}
	}()
	return nil
}

func (s *Server) clearPendingDial(addr string) {
	s.dialMu.Lock()
	delete(s.pendingDial, addr)
	s.dialMu.Unlock()
}

func (s *Server) markDialFailure(addr, nodeID string) {
	s.dialMu.Lock()
	backoff := s.backoff[addr]
	if backoff <= 0 {
		backoff = s.cfg.DialBackoff
	} else {
		backoff *= 2
		if backoff > s.cfg.MaxDialBackoff {
			backoff = s.cfg.MaxDialBackoff
		}
	}
	s.backoff[addr] = backoff
	s.dialMu.Unlock()

	if s.peerstore != nil && nodeID != "" {
		// Unknown peers have no record to update; that is not an error.
		_, _ = s.peerstore.RecordFail(nodeID, s.currentTime())
	}
}

func (s *Server) resetBackoff(addr string) {
	s.dialMu.Lock()
	delete(s.backoff, addr)
	s.dialMu.Unlock()
}

// BanPeer applies an operator ban and disconnects the peer immediately.
func (s *Server) BanPeer(nodeID string, duration time.Duration, reason string) error {
	normalized := normalizeHex(nodeID)
	if normalized == "" {
		return ErrPeerUnknown
	}
	now := s.currentTime()
	if duration <= 0 {
		duration = s.cfg.PeerBanDuration
	}
	until := now.Add(duration)

	if s.reputation != nil {
		s.reputation.SetBan(normalized, until, now)
	}
	if s.peerstore != nil {
		_ = s.peerstore.SetBan(normalized, until, reason)
	}
	if peer := s.peerByID(normalized); peer != nil {
		peer.terminate(true, fmt.Errorf("peer banned by operator: %s", reason))
	}
	return nil
}

func (s *Server) peerByID(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[normalizeHex(id)]
}

func (s *Server) peerList() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (s *Server) isConnectedToAddress(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddr[strings.TrimSpace(addr)]
	return ok
}

func (s *Server) hasPeer(id string) bool {
	return s.peerByID(id) != nil
}

func (s *Server) allowGlobal(now time.Time) bool {
	return s.globalLimit == nil || s.globalLimit.allow(now)
}

func (s *Server) allowIP(remote string, now time.Time) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	return s.ipLimiter == nil || s.ipLimiter.allow(host, now)
}

func (s *Server) updatePeerGreylist(id string, grey bool) {
	if peer := s.peerByID(id); peer != nil {
		peer.setGreylisted(grey)
	}
}

// noteGlobalThrottle records a message shed by the node-wide receive ceiling.
// Individual peers are not penalized for aggregate pressure.
func (s *Server) noteGlobalThrottle(peer *Peer) {
	if s.metricsCollector != nil {
		s.metricsCollector.recordRateLimited("global")
	}
	s.log().Debug("Global receive ceiling reached, dropping message",
		logging.MaskField("peer_id", peer.id))
}

func (s *Server) handleRateLimit(peer *Peer) {
	if s.metricsCollector != nil {
		s.metricsCollector.recordRateLimited("peer")
	}
	if s.reputation != nil {
		s.reputation.MarkMisbehavior(peer.id, s.currentTime())
	}
	status := s.adjustScore(peer.id, spamPenaltyDelta)
	s.log().Warn("Peer exceeded rate limit",
		logging.MaskField("peer_id", peer.id),
		slog.Int("score", status.Score))
	peer.terminate(status.Banned, fmt.Errorf("peer rate limit exceeded"))
}

func (s *Server) recordValidMessage(id string) {
	s.updatePeerMetrics(id, true)
	if s.reputation != nil {
		status := s.reputation.MarkUseful(id, s.currentTime())
		if s.metricsCollector != nil {
			s.metricsCollector.observePeerStatus(id, status)
		}
	}
	s.adjustScore(id, usefulMessageRewardDelta)
}

func (s *Server) observeLatency(id string, latency time.Duration) {
	if s == nil || id == "" || latency <= 0 || s.reputation == nil {
		return
	}
	status := s.reputation.ObserveLatency(id, latency, s.currentTime())
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	if s.reputation != nil {
		s.reputation.MarkMisbehavior(peer.id, s.currentTime())
	}
	if s.updatePeerMetrics(peer.id, false) {
		s.log().Warn("Protocol violation: invalid message rate",
			logging.MaskField("peer_id", peer.id),
			slog.Any("error", err))
		peer.terminate(true, fmt.Errorf("invalid message rate: %w", err))
		return
	}

	status := s.adjustScore(peer.id, malformedMessagePenaltyDelta)
	s.log().Warn("Protocol violation",
		logging.MaskField("peer_id", peer.id),
		slog.Any("error", err),
		slog.Int("score", status.Score),
		slog.Bool("banned", status.Banned))
	peer.terminate(status.Banned, err)
}

func (s *Server) adjustScore(id string, delta int) ReputationStatus {
	if s.reputation == nil {
		return ReputationStatus{}
	}
	validator := s.tierFor(id) == TierValidator
	status := s.reputation.Adjust(id, delta, s.currentTime(), validator)
	s.updatePeerGreylist(id, status.Greylisted)
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
	return status
}

// peerMetrics tracks message quality for a peer inside a sliding window.
type peerMetrics struct {
	windowStart time.Time
	total       int
	invalid     int
}

func (s *Server) updatePeerMetrics(id string, valid bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := s.metrics[id]
	now := s.currentTime()
	if metrics == nil {
		metrics = &peerMetrics{windowStart: now}
		s.metrics[id] = metrics
	}

	if now.Sub(metrics.windowStart) > invalidRateWindow {
		metrics.windowStart = now
		metrics.total = 0
		metrics.invalid = 0
	}

	metrics.total++
	if !valid {
		metrics.invalid++
		if metrics.total >= invalidRateSampleSize && metrics.invalid*100 >= invalidRateThresholdPerc*metrics.total {
			metrics.windowStart = now
			metrics.total = 0
			metrics.invalid = 0
			return true
		}
	}

	return false
}

func (s *Server) isBanned(id string) bool {
	if s.reputation == nil {
		return false
	}
	return s.reputation.IsBanned(id, s.currentTime())
}

func (s *Server) applyBan(id string, reason error) {
	if id == "" || s.reputation == nil {
		return
	}
	validator := s.tierFor(id) == TierValidator
	s.reputation.Adjust(id, -s.cfg.BanScore, s.currentTime(), validator)
	if s.peerstore != nil && !validator {
		msg := ""
		if reason != nil {
			msg = reason.Error()
		}
		until := s.currentTime().Add(s.cfg.PeerBanDuration)
		_ = s.peerstore.SetBan(id, until, msg)
	}
	s.mu.Lock()
	delete(s.metrics, id)
	s.mu.Unlock()
}

// NodeID exposes the derived node identifier.
func (s *Server) NodeID() string {
	if s == nil {
		return ""
	}
	return s.nodeID
}

func (s *Server) listenAddr() string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	return s.boundAddr
}

func (s *Server) log() *slog.Logger {
	if s == nil {
		return slog.Default().With(slog.String("component", "p2p_server"))
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slog.String("component", "p2p_server"))
	}
	return s.logger
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func summarizeHash(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	if len(input) <= 8 {
		return fmt.Sprintf("%x", input)
	}
	return fmt.Sprintf("%x..%x", input[:4], input[len(input)-4:])
}

func cloneBytes(input []byte) []byte {
	if input == nil {
		return nil
	}
	cp := make([]byte, len(input))
	copy(cp, input)
	return cp
}
