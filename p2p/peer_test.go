package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestEnqueueFailsFastWhenQueueFull(t *testing.T) {
	cfg := baseConfig(testGenesis())
	cfg.SendQueueSize = 1
	server := NewServer(mustKey(t), cfg)
	peer := attachPeer(t, server, newTestNode(t), TierGeneral)

	msg, err := newMessage(MsgTypeRouting, RoutingPayload{
		Destination: peer.id,
		Source:      server.nodeID,
		HopCount:    1,
		Class:       ClassApp,
		Body:        []byte("fill"),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}

	// No write loop is draining, so the second enqueue hits the full queue
	// and must fail synchronously instead of blocking.
	if err := peer.Enqueue(ClassApp, msg); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := peer.Enqueue(ClassApp, msg); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("full queue must return resource exhaustion, got %v", err)
	}
}

func TestHeartbeatTimeoutTerminatesPeer(t *testing.T) {
	cfg := baseConfig(testGenesis())
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PingTimeout = 25 * time.Millisecond
	server := NewServer(mustKey(t), cfg)

	connA, connB := net.Pipe()
	defer connB.Close()
	peer := newPeer(newTestNode(t).id, "meshchain/test", TierGeneral, connA, bufio.NewReader(connA), server, true, "", "")
	server.mu.Lock()
	server.peers[peer.id] = peer
	server.inboundCount++
	server.mu.Unlock()

	// The remote end swallows heartbeats without ever acknowledging them.
	go io.Copy(io.Discard, connB)
	go peer.writeLoop()

	select {
	case <-peer.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("unanswered heartbeats must terminate the connection")
	}
	if server.peerByID(peer.id) != nil {
		t.Fatalf("terminated peer must leave the peer set")
	}
}

func TestReadLoopAbortsOversizedFrame(t *testing.T) {
	cfg := baseConfig(testGenesis())
	cfg.MaxMessageBytes = 1024
	server := NewServer(mustKey(t), cfg)

	connA, connB := net.Pipe()
	defer connB.Close()
	peer := newPeer(newTestNode(t).id, "meshchain/test", TierGeneral, connA, bufio.NewReader(connA), server, true, "", "")
	server.mu.Lock()
	server.peers[peer.id] = peer
	server.inboundCount++
	server.mu.Unlock()

	go peer.readLoop()

	// Stream a single endless line. The reader must give up long before the
	// sender gets anywhere near a megabyte through.
	chunk := bytes.Repeat([]byte{'a'}, 1024)
	written := 0
	for written < 1<<20 {
		n, err := connB.Write(chunk)
		written += n
		if err != nil {
			break
		}
	}
	if written >= 1<<20 {
		t.Fatalf("oversized frame was buffered: receiver accepted %d bytes with MaxMessageBytes=%d", written, cfg.MaxMessageBytes)
	}

	select {
	case <-peer.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("oversized frame must terminate the connection")
	}
}
