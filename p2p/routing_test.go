package p2p

import (
	"reflect"
	"testing"
)

const (
	selfID = "0x0a"
	idB = "0x0b"
	idC = "0x0c"
	idD = "0x0d"
	idE = "0x0e"
)

func symmetric(pairs ...[2]string) map[string][]string {
	adj := make(map[string][]string)
	for _, pair := range pairs {
		adj[pair[0]] = append(adj[pair[0]], pair[1])
		adj[pair[1]] = append(adj[pair[1]], pair[0])
	}
	return adj
}

func TestRoutingTableLine(t *testing.T) {
	adj := symmetric([2]string{selfID, idB}, [2]string{idB, idC})
	table := buildRoutingTable(selfID, adj, 6, 1)

	if d, ok := table.Distance(idB); !ok || d != 1 {
		t.Fatalf("distance to b: %d ok=%v", d, ok)
	}
	if d, ok := table.Distance(idC); !ok || d != 2 {
		t.Fatalf("distance to c: %d ok=%v", d, ok)
	}
	if hops := table.NextHops(idC); len(hops) != 1 || hops[0] != idB {
		t.Fatalf("next hops to c: %v", hops)
	}
	if hops := table.NextHops(idE); hops != nil {
		t.Fatalf("unknown destination must have no hops, got %v", hops)
	}
}

func TestRoutingTableKeepsEqualDistanceTies(t *testing.T) {
	// Diamond: selfID-b, selfID-c, b-d, c-d. Both b and c are minimal first
	// hops toward d.
	adj := symmetric(
		[2]string{selfID, idB},
		[2]string{selfID, idC},
		[2]string{idB, idD},
		[2]string{idC, idD},
	)
	table := buildRoutingTable(selfID, adj, 6, 1)

	if d, ok := table.Distance(idD); !ok || d != 2 {
		t.Fatalf("distance to d: %d ok=%v", d, ok)
	}
	hops := table.NextHops(idD)
	if !reflect.DeepEqual(hops, []string{idB, idC}) {
		t.Fatalf("expected both tie hops sorted, got %v", hops)
	}
}

func TestRoutingTableTiePropagation(t *testing.T) {
	// Ties found at one level must propagate to destinations beyond it:
	// selfID-b, selfID-c, b-d, c-d, d-e.
	adj := symmetric(
		[2]string{selfID, idB},
		[2]string{selfID, idC},
		[2]string{idB, idD},
		[2]string{idC, idD},
		[2]string{idD, idE},
	)
	table := buildRoutingTable(selfID, adj, 6, 1)

	hops := table.NextHops(idE)
	if !reflect.DeepEqual(hops, []string{idB, idC}) {
		t.Fatalf("expected inherited tie hops, got %v", hops)
	}
}

func TestRoutingTableHorizon(t *testing.T) {
	adj := symmetric(
		[2]string{selfID, idB},
		[2]string{idB, idC},
		[2]string{idC, idD},
	)
	table := buildRoutingTable(selfID, adj, 2, 1)

	if _, ok := table.Distance(idC); !ok {
		t.Fatalf("c is inside the horizon")
	}
	if _, ok := table.Distance(idD); ok {
		t.Fatalf("d is beyond the horizon and must be unroutable")
	}
}

func TestRoutingTableIgnoresDisconnectedComponents(t *testing.T) {
	adj := symmetric(
		[2]string{selfID, idB},
		[2]string{idC, idD},
	)
	table := buildRoutingTable(selfID, adj, 6, 1)

	if dests := table.Destinations(); len(dests) != 1 || dests[0] != idB {
		t.Fatalf("only b is reachable, got %v", dests)
	}
}
