package p2p

import "sort"

// routingTable is an immutable snapshot mapping destinations to the set of
// direct neighbors that lie on some minimal-hop path. Snapshots are rebuilt
// whole on topology change and swapped atomically; readers never observe a
// partial table.
type routingTable struct {
	local    string
	version  uint64
	horizon  int
	distance map[string]int
	nextHops map[string][]string
}

// buildRoutingTable runs a breadth-first traversal over the Active-edge
// adjacency, recording for every destination within the hop horizon the
// minimal distance and every first hop on a minimal path. Ties are kept, not
// broken, so a next hop failing silently leaves alternates in place.
func buildRoutingTable(local string, adjacency map[string][]string, horizon int, version uint64) *routingTable {
	if horizon <= 0 {
		horizon = 1
	}
	table := &routingTable{
		local:    local,
		version:  version,
		horizon:  horizon,
		distance: make(map[string]int),
		nextHops: make(map[string][]string),
	}

	distance := map[string]int{local: 0}
	firstHops := make(map[string]map[string]struct{})
	queue := []string{local}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		dist := distance[current]
		if dist >= horizon {
			continue
		}
		for _, next := range adjacency[current] {
			if next == local {
				continue
			}
			known, seen := distance[next]
			switch {
			case !seen:
				distance[next] = dist + 1
				hops := make(map[string]struct{})
				if current == local {
					hops[next] = struct{}{}
				} else {
					for hop := range firstHops[current] {
						hops[hop] = struct{}{}
					}
				}
				firstHops[next] = hops
				queue = append(queue, next)
			case known == dist+1:
				// Another minimal path; union its first hops.
				if current == local {
					firstHops[next][next] = struct{}{}
				} else {
					for hop := range firstHops[current] {
						firstHops[next][hop] = struct{}{}
					}
				}
			}
		}
	}

	for dest, hops := range firstHops {
		sorted := make([]string, 0, len(hops))
		for hop := range hops {
			sorted = append(sorted, hop)
		}
		sort.Strings(sorted)
		table.distance[dest] = distance[dest]
		table.nextHops[dest] = sorted
	}
	return table
}

// NextHops returns every direct neighbor on a minimal path to dest, sorted.
// Nil means the destination is unknown or beyond the horizon.
func (t *routingTable) NextHops(dest string) []string {
	if t == nil {
		return nil
	}
	return t.nextHops[normalizeHex(dest)]
}

// Distance returns the minimal hop count to dest if it is routable.
func (t *routingTable) Distance(dest string) (int, bool) {
	if t == nil {
		return 0, false
	}
	d, ok := t.distance[normalizeHex(dest)]
	return d, ok
}

// Destinations lists every routable destination in deterministic order.
func (t *routingTable) Destinations() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.nextHops))
	for dest := range t.nextHops {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}
