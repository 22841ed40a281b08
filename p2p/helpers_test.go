package p2p

import (
	"bytes"
	"testing"

	"meshchain/crypto"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func baseConfig(genesis []byte) ServerConfig {
	return ServerConfig{
		ListenAddress: "127.0.0.1:0",
		ChainID:       7,
		GenesisHash:   genesis,
		ClientVersion: "meshchain/test",
	}
}

func testGenesis() []byte {
	return bytes.Repeat([]byte{0xAA}, 32)
}

type testNode struct {
	key *crypto.PrivateKey
	id  string
}

func newTestNode(t *testing.T) testNode {
	t.Helper()
	key := mustKey(t)
	return testNode{key: key, id: deriveNodeID(key)}
}

// completeEdge builds a fully signed edge between two test nodes. Removal
// edges carry only the first node's signature, mirroring a unilateral
// teardown.
func completeEdge(t *testing.T, a, b testNode, nonce uint64, state EdgeState) Edge {
	t.Helper()
	edge, err := newEdgeProposal(a.key, a.id, b.id, nonce, state)
	if err != nil {
		t.Fatalf("edge proposal: %v", err)
	}
	if state == EdgeActive {
		if err := edge.Countersign(b.key, b.id); err != nil {
			t.Fatalf("countersign: %v", err)
		}
	}
	return edge
}
