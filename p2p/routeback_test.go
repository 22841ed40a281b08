package p2p

import (
	"fmt"
	"testing"
	"time"
)

func TestRouteBackRecordAndLookup(t *testing.T) {
	cache := newRouteBackCache(time.Minute, 10)
	now := time.Unix(1_700_000_000, 0)

	cache.Record("cid-1", "0x0a", now)
	if via, ok := cache.Lookup("cid-1", now.Add(time.Second)); !ok || via != "0x0a" {
		t.Fatalf("lookup: via=%s ok=%v", via, ok)
	}

	// A repeated correlation ID repoints the record.
	cache.Record("cid-1", "0x0b", now.Add(2*time.Second))
	if via, _ := cache.Lookup("cid-1", now.Add(3*time.Second)); via != "0x0b" {
		t.Fatalf("expected repointed record, got %s", via)
	}

	if _, ok := cache.Lookup("missing", now); ok {
		t.Fatalf("unknown correlation ID must miss")
	}
}

func TestRouteBackExpiry(t *testing.T) {
	cache := newRouteBackCache(time.Minute, 10)
	now := time.Unix(1_700_000_000, 0)

	cache.Record("cid-1", "0x0a", now)
	if _, ok := cache.Lookup("cid-1", now.Add(59*time.Second)); !ok {
		t.Fatalf("record should still be live before the TTL")
	}
	if _, ok := cache.Lookup("cid-1", now.Add(61*time.Second)); ok {
		t.Fatalf("record must expire after the TTL")
	}
	if cache.Len() != 0 {
		t.Fatalf("expired record must be dropped, len=%d", cache.Len())
	}
}

func TestRouteBackCapacityEvictsOldest(t *testing.T) {
	cache := newRouteBackCache(time.Hour, 3)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 4; i++ {
		cache.Record(fmt.Sprintf("cid-%d", i), "0x0a", now.Add(time.Duration(i)*time.Second))
	}
	if cache.Len() != 3 {
		t.Fatalf("capacity must hold, len=%d", cache.Len())
	}
	if _, ok := cache.Lookup("cid-0", now.Add(10*time.Second)); ok {
		t.Fatalf("oldest record must be evicted first")
	}
	if _, ok := cache.Lookup("cid-3", now.Add(10*time.Second)); !ok {
		t.Fatalf("newest record must survive eviction")
	}
}

func TestRouteBackForgetPeer(t *testing.T) {
	cache := newRouteBackCache(time.Hour, 10)
	now := time.Unix(1_700_000_000, 0)

	cache.Record("cid-1", "0x0a", now)
	cache.Record("cid-2", "0x0b", now)
	cache.Record("cid-3", "0x0a", now)

	cache.Forget("0x0a")
	if _, ok := cache.Lookup("cid-1", now); ok {
		t.Fatalf("records for forgotten peer must be gone")
	}
	if _, ok := cache.Lookup("cid-3", now); ok {
		t.Fatalf("records for forgotten peer must be gone")
	}
	if via, ok := cache.Lookup("cid-2", now); !ok || via != "0x0b" {
		t.Fatalf("other peers' records must survive, via=%s ok=%v", via, ok)
	}
}
