package p2p

import (
	"fmt"
	"testing"
	"time"
)

func TestNonceGuardRejectsReplay(t *testing.T) {
	guard := newNonceGuard(time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !guard.Remember("0x0a", "nonce-1", now) {
		t.Fatalf("fresh nonce should be accepted")
	}
	if guard.Remember("0x0a", "nonce-1", now.Add(time.Second)) {
		t.Fatalf("replayed nonce inside the window must be rejected")
	}
	// The same nonce from a different node is a different fingerprint.
	if !guard.Remember("0x0b", "nonce-1", now) {
		t.Fatalf("same nonce from another node should be accepted")
	}
	if !guard.Remember("0x0a", "nonce-1", now.Add(2*time.Minute)) {
		t.Fatalf("nonce should be usable again after the window")
	}
}

func TestNonceGuardBoundedSize(t *testing.T) {
	guard := newNonceGuard(time.Hour)
	guard.maxEntries = 8
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 32; i++ {
		guard.Remember("0x0a", fmt.Sprintf("nonce-%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if size := guard.Size(); size > 8 {
		t.Fatalf("guard must stay under capacity, size=%d", size)
	}
}
