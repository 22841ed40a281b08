package p2p

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, testNode) {
	t.Helper()
	key := mustKey(t)
	server := NewServer(key, baseConfig(testGenesis()))
	return server, testNode{key: key, id: server.nodeID}
}

// attachPeer registers a peer backed by a pipe without starting its loops, so
// tests can drive handleMessage directly and inspect the outbound queue.
func attachPeer(t *testing.T, server *Server, node testNode, tier Tier) *Peer {
	t.Helper()
	connA, connB := net.Pipe()
	t.Cleanup(func() {
		connA.Close()
		connB.Close()
	})
	peer := newPeer(node.id, "meshchain/test", tier, connA, bufio.NewReader(connA), server, true, "", "")
	server.mu.Lock()
	server.peers[peer.id] = peer
	server.inboundCount++
	if tier == TierValidator {
		server.validatorCount++
	}
	server.mu.Unlock()
	return peer
}

func drainOutbound(t *testing.T, peer *Peer) RoutingPayload {
	t.Helper()
	select {
	case msg := <-peer.outbound:
		var payload RoutingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("decode forwarded payload: %v", err)
		}
		return payload
	default:
		t.Fatalf("expected a queued message")
		return RoutingPayload{}
	}
}

func TestSplitDialTarget(t *testing.T) {
	id, addr, err := splitDialTarget("10.0.0.1:7601")
	if err != nil || id != "" || addr != "10.0.0.1:7601" {
		t.Fatalf("plain address: id=%q addr=%q err=%v", id, addr, err)
	}
	id, addr, err = splitDialTarget("0xAB@10.0.0.1:7601")
	if err != nil || id != "0xab" || addr != "10.0.0.1:7601" {
		t.Fatalf("pinned address: id=%q addr=%q err=%v", id, addr, err)
	}
	if _, _, err := splitDialTarget(""); !errors.Is(err, ErrDialTargetEmpty) {
		t.Fatalf("empty target: %v", err)
	}
	if _, _, err := splitDialTarget("no-port"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("missing port: %v", err)
	}
	if _, _, err := splitDialTarget("not-hex@10.0.0.1:7601"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("bad node ID: %v", err)
	}
}

func TestAcceptEdgeBuildsRoutes(t *testing.T) {
	server, self := newTestServer(t)
	b := newTestNode(t)
	c := newTestNode(t)

	if _, err := server.acceptEdge(completeEdge(t, self, b, 10, EdgeActive), ""); err != nil {
		t.Fatalf("accept self-b: %v", err)
	}
	if _, err := server.acceptEdge(completeEdge(t, b, c, 10, EdgeActive), ""); err != nil {
		t.Fatalf("accept b-c: %v", err)
	}

	table := server.routingSnapshot()
	if d, ok := table.Distance(b.id); !ok || d != 1 {
		t.Fatalf("distance to b: %d ok=%v", d, ok)
	}
	if d, ok := table.Distance(c.id); !ok || d != 2 {
		t.Fatalf("distance to c: %d ok=%v", d, ok)
	}
	if hops := table.NextHops(c.id); len(hops) != 1 || hops[0] != normalizeHex(b.id) {
		t.Fatalf("next hops to c: %v", hops)
	}

	// A removal with a higher nonce drops c from the table.
	if _, err := server.acceptEdge(completeEdge(t, b, c, 11, EdgeRemoved), ""); err != nil {
		t.Fatalf("accept removal: %v", err)
	}
	if _, ok := server.routingSnapshot().Distance(c.id); ok {
		t.Fatalf("c must be unroutable after the removal edge")
	}
}

func TestHandleRoutingDeliversToSelf(t *testing.T) {
	server, _ := newTestServer(t)
	b := newTestNode(t)
	src := newTestNode(t)
	peer := attachPeer(t, server, b, TierGeneral)

	payload := RoutingPayload{
		Destination:   server.nodeID,
		Source:        src.id,
		CorrelationID: "cid-1",
		HopCount:      3,
		Class:         ClassApp,
		Body:          []byte("hello"),
	}
	msg, err := newMessage(MsgTypeRouting, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if terminal := server.handleMessage(peer, msg); terminal {
		t.Fatalf("delivery must not terminate the connection")
	}

	select {
	case delivered := <-server.Inbound():
		if delivered.From != normalizeHex(src.id) || string(delivered.Payload) != "hello" {
			t.Fatalf("unexpected delivery: %+v", delivered)
		}
		if delivered.CorrelationID != "cid-1" || delivered.Via != peer.id {
			t.Fatalf("delivery metadata: %+v", delivered)
		}
	default:
		t.Fatalf("message should be delivered to the inbox")
	}

	// The correlated request leaves a route-back record toward the peer it
	// arrived on.
	if via, ok := server.routeBack.Lookup("cid-1", server.currentTime()); !ok || via != peer.id {
		t.Fatalf("route-back record: via=%s ok=%v", via, ok)
	}
}

func TestHandleRoutingForwardsWithHopDecrement(t *testing.T) {
	server, _ := newTestServer(t)
	from := newTestNode(t)
	dest := newTestNode(t)
	src := newTestNode(t)
	inPeer := attachPeer(t, server, from, TierGeneral)
	outPeer := attachPeer(t, server, dest, TierGeneral)

	payload := RoutingPayload{
		Destination:   dest.id,
		Source:        src.id,
		CorrelationID: "cid-2",
		HopCount:      5,
		Class:         ClassApp,
		Body:          []byte("transit"),
	}
	msg, err := newMessage(MsgTypeRouting, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if terminal := server.handleMessage(inPeer, msg); terminal {
		t.Fatalf("transit must not terminate the connection")
	}

	forwarded := drainOutbound(t, outPeer)
	if forwarded.HopCount != 4 {
		t.Fatalf("hop count must decrement on forward, got %d", forwarded.HopCount)
	}
	if forwarded.Destination != normalizeHex(dest.id) || string(forwarded.Body) != "transit" {
		t.Fatalf("forwarded payload mismatch: %+v", forwarded)
	}
	if via, ok := server.routeBack.Lookup("cid-2", server.currentTime()); !ok || via != inPeer.id {
		t.Fatalf("transit must leave a route-back record, via=%s ok=%v", via, ok)
	}
}

func TestHandleRoutingDropsExhaustedHops(t *testing.T) {
	server, _ := newTestServer(t)
	from := newTestNode(t)
	dest := newTestNode(t)
	inPeer := attachPeer(t, server, from, TierGeneral)
	outPeer := attachPeer(t, server, dest, TierGeneral)

	payload := RoutingPayload{
		Destination: dest.id,
		Source:      from.id,
		HopCount:    0,
		Class:       ClassApp,
		Body:        []byte("dead"),
	}
	msg, err := newMessage(MsgTypeRouting, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if terminal := server.handleMessage(inPeer, msg); terminal {
		t.Fatalf("hop exhaustion is a drop, not a violation")
	}
	if len(outPeer.outbound) != 0 {
		t.Fatalf("exhausted message must never be forwarded")
	}
}

func TestReplyRetracesRouteBack(t *testing.T) {
	server, _ := newTestServer(t)
	via := newTestNode(t)
	dest := newTestNode(t)
	viaPeer := attachPeer(t, server, via, TierGeneral)

	// No forward route to dest exists; only the route-back record.
	server.routeBack.Record("cid-9", viaPeer.id, server.currentTime())

	if err := server.Reply(dest.id, "cid-9", ClassApp, []byte("pong")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	reply := drainOutbound(t, viaPeer)
	if !reply.Reply || reply.CorrelationID != "cid-9" {
		t.Fatalf("reply flags missing: %+v", reply)
	}
	if reply.Destination != normalizeHex(dest.id) {
		t.Fatalf("reply destination mismatch: %+v", reply)
	}
}

func TestSendToUnreachable(t *testing.T) {
	server, _ := newTestServer(t)
	stranger := newTestNode(t)

	err := server.SendTo(stranger.id, ClassApp, []byte("void"))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if err := server.SendTo(server.nodeID, ClassApp, nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("self send must fail, got %v", err)
	}
}

func TestHandleEdgeSyncPenalizesInvalidEdges(t *testing.T) {
	server, _ := newTestServer(t)
	b := newTestNode(t)
	peer := attachPeer(t, server, b, TierGeneral)

	bad := completeEdge(t, b, newTestNode(t), 10, EdgeActive)
	bad.Nonce = 99 // breaks both signatures
	msg, err := newMessage(MsgTypeEdgeSync, EdgeSyncPayload{Edges: []Edge{bad}})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if terminal := server.handleMessage(peer, msg); terminal {
		t.Fatalf("one invalid edge should penalize, not yet disconnect")
	}
	now := server.currentTime()
	if score := server.reputation.Score(peer.id, now); score >= 0 {
		t.Fatalf("invalid edge must cost reputation, score=%d", score)
	}
	if status := server.reputation.Snapshot(now)[peer.id]; status.Useful != 0 {
		t.Fatalf("a batch carrying invalid edges must not earn useful credit, got %d", status.Useful)
	}

	// A clean batch from the same peer does earn credit.
	good := completeEdge(t, b, newTestNode(t), 10, EdgeActive)
	msg, err = newMessage(MsgTypeEdgeSync, EdgeSyncPayload{Edges: []Edge{good}})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if terminal := server.handleMessage(peer, msg); terminal {
		t.Fatalf("valid batch must keep the connection")
	}
	if status := server.reputation.Snapshot(server.currentTime())[peer.id]; status.Useful != 1 {
		t.Fatalf("valid batch should earn one useful credit, got %d", status.Useful)
	}
}

func TestHandleUnknownMessageTypeTerminates(t *testing.T) {
	server, _ := newTestServer(t)
	b := newTestNode(t)
	peer := attachPeer(t, server, b, TierGeneral)

	msg := &Message{Version: protocolVersion, Type: 0x7F}
	if terminal := server.handleMessage(peer, msg); !terminal {
		t.Fatalf("unknown message type must terminate the connection")
	}
}

func TestRegisterPeerEvictionPrefersLowestScore(t *testing.T) {
	key := mustKey(t)
	cfg := baseConfig(testGenesis())
	cfg.MaxPeers = 2
	server := NewServer(key, cfg)

	low := newTestNode(t)
	high := newTestNode(t)
	lowPeer := attachPeer(t, server, low, TierGeneral)
	highPeer := attachPeer(t, server, high, TierGeneral)

	now := server.currentTime()
	server.reputation.Adjust(lowPeer.id, -10, now, false)
	server.reputation.Adjust(highPeer.id, 5, now, false)

	fresh := newTestNode(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	candidate := newPeer(fresh.id, "meshchain/test", TierGeneral, connA, bufio.NewReader(connA), server, true, "", "")

	victim, err := server.registerPeer(candidate)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected resource exhaustion, got %v", err)
	}
	if victim != lowPeer {
		t.Fatalf("the lowest-scoring general peer must be the eviction candidate")
	}
}

func TestRegisterPeerValidatorBypassesCeiling(t *testing.T) {
	key := mustKey(t)
	cfg := baseConfig(testGenesis())
	cfg.MaxPeers = 1
	server := NewServer(key, cfg)

	attachPeer(t, server, newTestNode(t), TierGeneral)

	validator := newTestNode(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	peer := newPeer(validator.id, "meshchain/test", TierValidator, connA, bufio.NewReader(connA), server, true, "", "")

	victim, err := server.registerPeer(peer)
	if err != nil || victim != nil {
		t.Fatalf("validator must be admitted over the ceiling: victim=%v err=%v", victim, err)
	}
}

func TestSetValidatorsChangesTier(t *testing.T) {
	server, _ := newTestServer(t)
	v := newTestNode(t)

	if server.tierFor(v.id) != TierGeneral {
		t.Fatalf("unknown peer defaults to general tier")
	}
	server.SetValidators([]string{v.id})
	if server.tierFor(v.id) != TierValidator {
		t.Fatalf("validator set membership must grant the validator tier")
	}
	server.SetValidators(nil)
	if server.tierFor(v.id) != TierGeneral {
		t.Fatalf("removal from the validator set must demote the tier")
	}
}

func TestBroadcastReachesAllPeersOnce(t *testing.T) {
	server, _ := newTestServer(t)
	p1 := attachPeer(t, server, newTestNode(t), TierGeneral)
	p2 := attachPeer(t, server, newTestNode(t), TierValidator)

	if err := server.Broadcast(ClassGossip, []byte("fanout")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, peer := range []*Peer{p1, p2} {
		payload := drainOutbound(t, peer)
		if string(payload.Body) != "fanout" {
			t.Fatalf("broadcast payload mismatch: %+v", payload)
		}
	}

	if err := server.BroadcastValidators(ClassConsensus, []byte("quorum")); err != nil {
		t.Fatalf("broadcast validators: %v", err)
	}
	if len(p1.outbound) != 0 {
		t.Fatalf("general peer must not receive validator broadcasts")
	}
	payload := drainOutbound(t, p2)
	if string(payload.Body) != "quorum" {
		t.Fatalf("validator broadcast mismatch: %+v", payload)
	}
}

func TestRoundRobinSpreadsEqualNextHops(t *testing.T) {
	server, self := newTestServer(t)
	b := newTestNode(t)
	c := newTestNode(t)
	d := newTestNode(t)

	// Diamond topology: self-b, self-c, b-d, c-d.
	for _, edge := range []Edge{
		completeEdge(t, self, b, 10, EdgeActive),
		completeEdge(t, self, c, 10, EdgeActive),
		completeEdge(t, b, d, 10, EdgeActive),
		completeEdge(t, c, d, 10, EdgeActive),
	} {
		if _, err := server.acceptEdge(edge, ""); err != nil {
			t.Fatalf("accept edge: %v", err)
		}
	}
	peerB := attachPeer(t, server, b, TierGeneral)
	peerC := attachPeer(t, server, c, TierGeneral)
	// Drain the edge gossip queued during acceptEdge.
	for len(peerB.outbound) > 0 {
		<-peerB.outbound
	}
	for len(peerC.outbound) > 0 {
		<-peerC.outbound
	}

	for i := 0; i < 4; i++ {
		if err := server.SendTo(d.id, ClassApp, []byte("spread")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(peerB.outbound) != 2 || len(peerC.outbound) != 2 {
		t.Fatalf("round robin should alternate hops, got b=%d c=%d", len(peerB.outbound), len(peerC.outbound))
	}
}

func TestRetireEdgePublishesRemoval(t *testing.T) {
	server, self := newTestServer(t)
	b := newTestNode(t)

	if _, err := server.acceptEdge(completeEdge(t, self, b, 10, EdgeActive), ""); err != nil {
		t.Fatalf("accept edge: %v", err)
	}
	server.retireEdge(b.id)

	current, ok := server.topology.Current(server.nodeID, b.id)
	if !ok || current.State != EdgeRemoved {
		t.Fatalf("retire must install a removal edge, got %+v ok=%v", current, ok)
	}
	if current.Nonce <= 10 {
		t.Fatalf("removal nonce must exceed the active nonce, got %d", current.Nonce)
	}
	if _, routable := server.routingSnapshot().Distance(b.id); routable {
		t.Fatalf("b must be unroutable after retirement")
	}
}

func TestInvalidMessageRateTriggersDisconnect(t *testing.T) {
	server, _ := newTestServer(t)

	id := normalizeHex(newTestNode(t).id)
	for i := 0; i < invalidRateSampleSize-1; i++ {
		if server.updatePeerMetrics(id, false) {
			t.Fatalf("threshold needs %d samples, tripped at %d", invalidRateSampleSize, i+1)
		}
	}
	if !server.updatePeerMetrics(id, false) {
		t.Fatalf("all-invalid window must trip the threshold")
	}
}

func TestStopIsSafeAroundConnManagerStartup(t *testing.T) {
	server, _ := newTestServer(t)
	// Stopping before Start must not panic on absent lifecycle state.
	server.Stop()

	server2, _ := newTestServer(t)
	server2.startConnManager()
	server2.Stop()
	server2.listenMu.RLock()
	mgr := server2.connMgr
	server2.listenMu.RUnlock()
	if mgr == nil || !mgr.shouldStop() {
		t.Fatalf("conn manager must be stopped with the server")
	}
}

func TestBanPeerDisconnectsAndBlocks(t *testing.T) {
	server, _ := newTestServer(t)
	b := newTestNode(t)
	peer := attachPeer(t, server, b, TierGeneral)

	if err := server.BanPeer(b.id, time.Hour, "operator action"); err != nil {
		t.Fatalf("ban peer: %v", err)
	}
	select {
	case <-peer.closed:
	case <-time.After(time.Second):
		t.Fatalf("banned peer must be disconnected")
	}
	if !server.isBanned(normalizeHex(b.id)) {
		t.Fatalf("ban must be recorded")
	}
	if server.peerByID(b.id) != nil {
		t.Fatalf("banned peer must be removed from the peer set")
	}
}
