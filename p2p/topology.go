package p2p

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultEdgeRetention = time.Hour

type edgeEntry struct {
	edge Edge
	seen time.Time
}

// topologyGraph holds the most recent accepted edge per unordered peer pair.
// Removed edges stay resident until the retention horizon passes so their
// nonces keep rejecting stale re-announcements, then a sweep drops them to
// bound memory.
type topologyGraph struct {
	retention time.Duration

	mu      sync.Mutex
	edges   map[string]*edgeEntry
	version uint64
}

func newTopologyGraph(retention time.Duration) *topologyGraph {
	if retention <= 0 {
		retention = defaultEdgeRetention
	}
	return &topologyGraph{
		retention: retention,
		edges:     make(map[string]*edgeEntry),
	}
}

// Merge validates an edge and installs it if its nonce is strictly above the
// pair's current edge. It returns true when the graph changed. Verification
// failures return an error so the caller can penalize the gossiping peer;
// stale nonces return (false, nil) since they are expected during sync.
func (g *topologyGraph) Merge(edge Edge, now time.Time) (bool, error) {
	if err := edge.Verify(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	key := edge.Key()
	if existing, ok := g.edges[key]; ok && existing.edge.Nonce >= edge.Nonce {
		return false, nil
	}
	g.edges[key] = &edgeEntry{edge: edge, seen: now}
	g.version++
	return true, nil
}

// Current returns the latest accepted edge for the pair (a, b).
func (g *topologyGraph) Current(a, b string) (Edge, bool) {
	lo, hi, err := orderPair(a, b)
	if err != nil {
		return Edge{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.edges[lo+"|"+hi]
	if !ok {
		return Edge{}, false
	}
	return entry.edge, true
}

// NextNonce picks a nonce for a fresh claim about the pair (a, b): the
// time-derived counter, bumped above the current edge's nonce if needed.
func (g *topologyGraph) NextNonce(a, b string, now time.Time) uint64 {
	nonce := timeNonce(now)
	if current, ok := g.Current(a, b); ok && current.Nonce >= nonce {
		nonce = current.Nonce + 1
	}
	return nonce
}

// Snapshot returns every resident edge in deterministic order, for edge-sync.
func (g *topologyGraph) Snapshot() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.edges))
	for key := range g.edges {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Edge, 0, len(keys))
	for _, key := range keys {
		out = append(out, g.edges[key].edge)
	}
	return out
}

// ActiveAdjacency builds the adjacency lists of the Active-edge subgraph.
func (g *topologyGraph) ActiveAdjacency() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	adj := make(map[string][]string)
	for _, entry := range g.edges {
		if entry.edge.State != EdgeActive {
			continue
		}
		adj[entry.edge.Lo] = append(adj[entry.edge.Lo], entry.edge.Hi)
		adj[entry.edge.Hi] = append(adj[entry.edge.Hi], entry.edge.Lo)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// Prune drops removed edges older than the retention horizon. Returns the
// number of edges dropped.
func (g *topologyGraph) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	dropped := 0
	for key, entry := range g.edges {
		if entry.edge.State != EdgeRemoved {
			continue
		}
		if now.Sub(entry.seen) > g.retention {
			delete(g.edges, key)
			dropped++
		}
	}
	if dropped > 0 {
		g.version++
	}
	return dropped
}

// Version increments on every accepted mutation; the routing table uses it to
// tell whether its snapshot is current.
func (g *topologyGraph) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Len returns the number of resident edges (including retained removals).
func (g *topologyGraph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

func (g *topologyGraph) String() string {
	return fmt.Sprintf("topology(%d edges, v%d)", g.Len(), g.Version())
}
