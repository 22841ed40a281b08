package p2p

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshchain/crypto"
)

func TestLoadOrCreateIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.json")

	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if !strings.HasPrefix(created.NodeID, "0x") || len(created.NodeID) != 66 {
		t.Fatalf("node ID must be a 32-byte hex digest, got %q", created.NodeID)
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if loaded.NodeID != created.NodeID {
		t.Fatalf("identity must be stable across restarts: %s vs %s", loaded.NodeID, created.NodeID)
	}
}

func TestIdentityAddressEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.json")
	identity, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	if !strings.HasPrefix(identity.Address, string(crypto.MeshPrefix)) {
		t.Fatalf("address must carry the mesh prefix, got %q", identity.Address)
	}
	decoded, err := crypto.DecodeAddress(identity.Address)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if decoded.Prefix() != crypto.MeshPrefix || len(decoded.Bytes()) != 20 {
		t.Fatalf("unexpected decoded address: prefix=%s len=%d", decoded.Prefix(), len(decoded.Bytes()))
	}
}

func TestLoadIdentityLegacyHexFormat(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node_key")
	if err := os.WriteFile(path, []byte(encodeHex(key.Bytes())[2:]), 0o600); err != nil {
		t.Fatalf("write legacy key: %v", err)
	}

	identity, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load legacy identity: %v", err)
	}
	if identity.NodeID != deriveNodeID(key) {
		t.Fatalf("legacy key must derive the same node ID")
	}
}
