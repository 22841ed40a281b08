package p2p

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	defaultNonceGuardTTL        = 15 * time.Minute
	defaultNonceGuardMaxEntries = 100_000
)

// nonceGuard rejects replayed handshake nonces within a sliding window. The
// window is bounded both by TTL and by entry count so a flood of handshakes
// cannot grow it without limit.
type nonceGuard struct {
	ttl        time.Duration
	maxEntries int

	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = defaultNonceGuardTTL
	}
	return &nonceGuard{
		ttl:        window,
		maxEntries: defaultNonceGuardMaxEntries,
		seen:       make(map[string]time.Time),
	}
}

// Remember returns true if the (nodeID, nonce) pair has not been seen inside
// the window, recording it. A false return signals a replay.
func (g *nonceGuard) Remember(nodeID, nonce string, now time.Time) bool {
	if g == nil || nonce == "" {
		return false
	}
	fingerprint := nonceFingerprint(nodeID, nonce)
	if fingerprint == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	if seen, ok := g.seen[fingerprint]; ok && now.Sub(seen) < g.ttl {
		return false
	}
	g.seen[fingerprint] = now
	return true
}

func (g *nonceGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *nonceGuard) sweepLocked(now time.Time) {
	for key, seen := range g.seen {
		if now.Sub(seen) >= g.ttl {
			delete(g.seen, key)
		}
	}
	// Capacity pressure after the TTL sweep: shed the oldest entries.
	for len(g.seen) >= g.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, seen := range g.seen {
			if oldestKey == "" || seen.Before(oldest) {
				oldestKey = key
				oldest = seen
			}
		}
		if oldestKey == "" {
			return
		}
		delete(g.seen, oldestKey)
	}
}

func nonceFingerprint(nodeID, nonce string) string {
	id := normalizeHex(nodeID)
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(nodeID))
	}
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id + ":" + nonce))
	return hex.EncodeToString(sum[:])
}
