package p2p

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultRouteBackTTL        = 2 * time.Minute
	defaultRouteBackMaxEntries = 10_000
)

// routeBackCache remembers which direct peer delivered a correlated message so
// a later reply can retrace the path hop-by-hop without a forward route to the
// original sender. Entries expire after a short TTL and the oldest entries are
// evicted first under capacity pressure.
type routeBackCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type routeBackRecord struct {
	correlationID string
	peerID        string
	expiry        time.Time
}

func newRouteBackCache(ttl time.Duration, maxEntries int) *routeBackCache {
	if ttl <= 0 {
		ttl = defaultRouteBackTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultRouteBackMaxEntries
	}
	return &routeBackCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Record stores the direct peer a correlated message arrived from. A repeat
// correlation ID refreshes the expiry and moves the record to the front.
func (c *routeBackCache) Record(correlationID, peerID string, now time.Time) {
	if c == nil || correlationID == "" || peerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeExpiredLocked(now)

	if elem := c.entries[correlationID]; elem != nil {
		record := elem.Value.(*routeBackRecord)
		record.peerID = peerID
		record.expiry = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	record := &routeBackRecord{
		correlationID: correlationID,
		peerID:        peerID,
		expiry:        now.Add(c.ttl),
	}
	c.entries[correlationID] = c.order.PushFront(record)

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElementLocked(oldest)
	}
}

// Lookup returns the direct peer to retrace toward for the correlation ID.
func (c *routeBackCache) Lookup(correlationID string, now time.Time) (string, bool) {
	if c == nil || correlationID == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem := c.entries[correlationID]
	if elem == nil {
		return "", false
	}
	record := elem.Value.(*routeBackRecord)
	if !now.Before(record.expiry) {
		c.removeElementLocked(elem)
		return "", false
	}
	return record.peerID, true
}

// Forget drops every record pointing at the given peer, used on disconnect so
// replies are not retraced into a dead connection.
func (c *routeBackCache) Forget(peerID string) {
	if c == nil || peerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*routeBackRecord).peerID == peerID {
			c.removeElementLocked(elem)
		}
		elem = next
	}
}

func (c *routeBackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *routeBackCache) removeExpiredLocked(now time.Time) {
	for {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		if now.Before(elem.Value.(*routeBackRecord).expiry) {
			return
		}
		c.removeElementLocked(elem)
	}
}

func (c *routeBackCache) removeElementLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*routeBackRecord).correlationID)
}
