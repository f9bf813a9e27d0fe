package dht

import (
	"net"
	"testing"
	"time"
)

func mkNode(id byte, seen time.Time) RemoteNode {
	var nid NodeID
	nid[0] = id
	return RemoteNode{ID: nid, IP: net.IPv4(127, 0, 0, 1), Port: 6881, LastSeen: seen}
}

func idWithPrefix(prefixByte byte, salt byte) NodeID {
	var id NodeID
	id[0] = prefixByte
	id[1] = salt
	return id
}

func TestRoutingTableBucketSplitsOnOwnPrefix(t *testing.T) {
	var self NodeID // all zero
	rt := NewRoutingTable(self)

	for i := 0; i < 9; i++ {
		n := RemoteNode{
			ID:   idWithPrefix(0x00, byte(i+1)),
			IP:   net.IPv4(10, 0, 0, byte(i+1)),
			Port: 6881,
		}
		ok := rt.AddNode(n)
		if !ok {
			t.Fatalf("node %d should have been accepted (bucket should split)", i)
		}
	}

	if got := rt.ActiveCount(); got != 9 {
		t.Errorf("ActiveCount() = %d, want 9", got)
	}
	if rt.BucketCount() < 2 {
		t.Errorf("expected at least 2 buckets after split, got %d", rt.BucketCount())
	}
}

func TestRoutingTableBucketFullNotSplittable(t *testing.T) {
	var self NodeID // all zero
	rt := NewRoutingTable(self)

	for i := 0; i < 9; i++ {
		n := RemoteNode{
			ID:   idWithPrefix(0xFF, byte(i)),
			IP:   net.IPv4(10, 0, 0, byte(i+1)),
			Port: 6881,
		}
		ok := rt.AddNode(n)
		if i < 8 {
			if !ok {
				t.Fatalf("node %d should have been accepted", i)
			}
		} else if ok {
			t.Fatalf("9th node should have been dropped (bucket full, not splittable)")
		}
	}

	if got := rt.ActiveCount(); got != 8 {
		t.Errorf("ActiveCount() = %d, want 8", got)
	}
}

func TestRoutingTableAddNodeRefreshesExisting(t *testing.T) {
	var self NodeID
	self[0] = 0x80
	rt := NewRoutingTable(self)

	n := mkNode(0x01, time.Now().Add(-time.Hour))
	rt.AddNode(n)

	refreshed := n
	refreshed.LastSeen = time.Now()
	rt.AddNode(refreshed)

	if got := rt.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1 (refresh should not duplicate)", got)
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	var self NodeID
	self[0] = 0x42
	rt := NewRoutingTable(self)

	ok := rt.AddNode(RemoteNode{ID: self, IP: net.IPv4(1, 2, 3, 4), Port: 1})
	if ok {
		t.Error("AddNode should reject the local node's own ID")
	}
	if rt.ActiveCount() != 0 {
		t.Error("local ID should never appear in the table")
	}
}

func TestClosestNodesOrderedByXORDistance(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)

	var target NodeID // all zero

	ids := []byte{0x01, 0x05, 0x02, 0xF0}
	for _, b := range ids {
		var id NodeID
		id[0] = b
		rt.AddNode(RemoteNode{ID: id, IP: net.IPv4(1, 1, 1, 1), Port: 1})
	}

	closest := rt.ClosestNodes(target, 10)
	if len(closest) != len(ids) {
		t.Fatalf("got %d nodes, want %d", len(closest), len(ids))
	}
	for i := 1; i < len(closest); i++ {
		prev := Distance(closest[i-1].ID, target)
		cur := Distance(closest[i].ID, target)
		if cur.Less(prev) {
			t.Errorf("closest nodes not sorted ascending by distance at index %d", i)
		}
	}
}

func TestClosestNodesLimitsCount(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)
	for i := 0; i < 5; i++ {
		var id NodeID
		id[0] = byte(i + 1)
		rt.AddNode(RemoteNode{ID: id, IP: net.IPv4(1, 1, 1, 1), Port: 1})
	}
	got := rt.ClosestNodes(NodeID{}, 2)
	if len(got) != 2 {
		t.Errorf("got %d nodes, want 2", len(got))
	}
}

func TestRemoveStaleEvictsOldNodes(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)

	fresh := mkNode(0x01, time.Now())
	stale := mkNode(0x02, time.Now().Add(-1*time.Hour))
	rt.AddNode(fresh)
	rt.AddNode(stale)

	removed := rt.RemoveStale(time.Now(), 15*time.Minute)
	if removed != 1 {
		t.Errorf("RemoveStale removed %d, want 1", removed)
	}
	for _, n := range rt.AllNodes() {
		if time.Since(n.LastSeen) > 15*time.Minute {
			t.Error("stale node survived RemoveStale")
		}
	}
	if rt.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", rt.ActiveCount())
	}
}

func TestBucketPartitionCoversKeyspace(t *testing.T) {
	var self NodeID
	self[0] = 0x80
	rt := NewRoutingTable(self)

	for i := 0; i < 40; i++ {
		var id NodeID
		id[0] = 0x80 // force everyone into the splittable local bucket
		id[1] = byte(i)
		rt.AddNode(RemoteNode{ID: id, IP: net.IPv4(1, 1, 1, 1), Port: 1})
	}

	// Every possible 160-bit ID must land in exactly one bucket.
	probe := func(id NodeID) int {
		hits := 0
		rt.mu.RLock()
		for _, b := range rt.buckets {
			if b.contains(id) {
				hits++
			}
		}
		rt.mu.RUnlock()
		return hits
	}

	samples := []NodeID{{}, self}
	for i := byte(0); i < 255; i += 17 {
		var id NodeID
		id[0] = i
		samples = append(samples, id)
	}
	for _, s := range samples {
		if hits := probe(s); hits != 1 {
			t.Errorf("id %s matched %d buckets, want exactly 1", s, hits)
		}
	}
}

func TestStaleBucketsReportsIdleBuckets(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)
	rt.AddNode(mkNode(0x01, time.Now()))

	// Force the bucket to look idle by rewinding its lastChanged timestamp.
	rt.mu.Lock()
	for _, b := range rt.buckets {
		b.lastChanged = time.Now().Add(-1 * time.Hour)
	}
	rt.mu.Unlock()

	targets := rt.StaleBuckets(time.Now(), 15*time.Minute)
	if len(targets) == 0 {
		t.Fatal("expected at least one stale bucket")
	}
	if targets[0].Contact == nil {
		t.Error("expected a contact for the refresh target of a non-empty bucket")
	}
}
