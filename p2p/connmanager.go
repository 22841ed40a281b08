package p2p

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"meshchain/observability/logging"
)

const defaultConnmgrCheckInterval = 3 * time.Second

// connManager keeps the outbound side of the peer set healthy: it re-dials
// bootnodes, tops up outbound connections from the peerstore, and throttles
// how fast dials leave the node.
type connManager struct {
	server         *Server
	store          *Peerstore
	now            func() time.Time
	quit           chan struct{}
	bootnodes      []string
	outboundTarget int
	maxPeers       int
	checkInterval  time.Duration
	dialLimiter    *rate.Limiter
	logger         *slog.Logger
}

func newConnManager(server *Server) *connManager {
	if server == nil {
		return nil
	}
	mgr := &connManager{
		server:         server,
		store:          server.peerstore,
		now:            server.now,
		quit:           make(chan struct{}),
		bootnodes:      append([]string{}, server.cfg.Bootnodes...),
		outboundTarget: server.cfg.OutboundPeers,
		maxPeers:       server.cfg.MaxPeers,
		checkInterval:  defaultConnmgrCheckInterval,
		dialLimiter:    rate.NewLimiter(rate.Limit(server.cfg.DialsPerSecond), 1),
		logger:         server.log().With(slog.String("component", "p2p_connmgr")),
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	if mgr.outboundTarget <= 0 || mgr.outboundTarget > server.cfg.MaxOutbound {
		mgr.outboundTarget = server.cfg.MaxOutbound
	}
	return mgr
}

func (m *connManager) start() {
	if m == nil {
		return
	}
	go m.run()
	for _, bootnode := range m.bootnodes {
		target := bootnode
		go m.runBootnodeLoop(target)
	}
}

func (m *connManager) stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

// runBootnodeLoop keeps one bootnode connected for the lifetime of the server,
// honoring peerstore backoff between attempts.
func (m *connManager) runBootnodeLoop(target string) {
	nodeID, addr, err := splitDialTarget(target)
	if err != nil {
		m.logger.Warn("Invalid bootnode target",
			logging.MaskField("target", target),
			slog.Any("error", err))
		return
	}
	for {
		if m.shouldStop() {
			return
		}
		if m.connected(nodeID, addr) {
			if !m.wait(5 * time.Second) {
				return
			}
			continue
		}
		if next := m.nextDialTime(addr); next.After(m.now()) {
			if !m.waitUntil(next) {
				return
			}
			continue
		}
		if !m.reserveDialSlot() {
			return
		}
		if err := m.server.Connect(target); err != nil {
			m.logger.Warn("Bootnode dial failed",
				logging.MaskField("peer_address", addr),
				slog.Any("error", err))
			if !m.wait(m.server.cfg.DialBackoff) {
				return
			}
		}
	}
}

func (m *connManager) connected(nodeID, addr string) bool {
	if nodeID != "" && m.server.hasPeer(nodeID) {
		return true
	}
	return m.server.isConnectedToAddress(addr)
}

func (m *connManager) nextDialTime(addr string) time.Time {
	now := m.now()
	if m.store == nil {
		return now
	}
	return m.store.NextDialAt(addr, now)
}

// reserveDialSlot blocks until the dial rate limiter yields a token or the
// manager shuts down.
func (m *connManager) reserveDialSlot() bool {
	for !m.dialLimiter.Allow() {
		if !m.wait(100 * time.Millisecond) {
			return false
		}
	}
	return true
}

func (m *connManager) run() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.fillOutbound()
		case <-m.quit:
			return
		}
	}
}

// fillOutbound tops up outbound connections from peerstore candidates. Peers
// that are not yet routable are preferred, so new dials tend to stitch
// disconnected parts of the mesh together instead of adding parallel links.
func (m *connManager) fillOutbound() {
	s := m.server
	s.mu.RLock()
	total := len(s.peers)
	outbound := s.outboundCount
	s.mu.RUnlock()

	if total >= m.maxPeers {
		return
	}
	needed := m.outboundTarget - outbound
	if slots := m.maxPeers - total; needed > slots {
		needed = slots
	}
	if needed <= 0 {
		return
	}

	for _, entry := range m.dialCandidates(needed) {
		if m.shouldStop() {
			return
		}
		if !m.reserveDialSlot() {
			return
		}
		target := entry.Addr
		if entry.NodeID != "" {
			target = entry.NodeID + "@" + entry.Addr
		}
		if err := s.DialPeer(target); err != nil {
			m.logger.Debug("Candidate dial refused",
				logging.MaskField("peer_address", entry.Addr),
				slog.Any("error", err))
		}
	}
}

func (m *connManager) dialCandidates(limit int) []PeerstoreEntry {
	if m.store == nil || limit <= 0 {
		return nil
	}
	now := m.now()
	routes := m.server.routingSnapshot()

	entries := m.store.Snapshot()
	candidates := make([]PeerstoreEntry, 0, len(entries))
	var routable []PeerstoreEntry
	for _, entry := range entries {
		addr := strings.TrimSpace(entry.Addr)
		if addr == "" || entry.NodeID == m.server.nodeID {
			continue
		}
		if entry.BannedUntil.After(now) {
			continue
		}
		if m.server.hasPeer(entry.NodeID) || m.server.isConnectedToAddress(addr) {
			continue
		}
		if m.store.NextDialAt(addr, now).After(now) {
			continue
		}
		if _, ok := routes.Distance(entry.NodeID); ok {
			routable = append(routable, entry)
			continue
		}
		candidates = append(candidates, entry)
	}
	// Already-routable peers are still valid targets when nothing better
	// exists; extra direct links shorten paths.
	candidates = append(candidates, routable...)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Addr < candidates[j].Addr
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func (m *connManager) waitUntil(target time.Time) bool {
	delay := target.Sub(m.now())
	if delay <= 0 {
		return true
	}
	return m.wait(delay)
}

func (m *connManager) wait(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.quit:
		return false
	}
}

func (m *connManager) shouldStop() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}
