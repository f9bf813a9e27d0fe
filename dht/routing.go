package dht

import (
	"sort"
	"sync"
	"time"
)

// K is the Kademlia replication parameter: the maximum number of nodes held
// in any one bucket.
const K = 8

// MaxBuckets bounds how many times the bucket containing the local ID can
// split. 160 matches the keyspace width and is never reached in practice.
const MaxBuckets = IDLength * 8

// DefaultStaleAge is the default max age passed to RemoveStale.
const DefaultStaleAge = 15 * time.Minute

// DefaultBucketRefreshIdle is how long a bucket can go without traffic
// before it is considered due for a refresh lookup.
const DefaultBucketRefreshIdle = 15 * time.Minute

// bucket is a k-bucket covering the XOR-prefix range of IDs whose first
// prefixLen bits equal prefix's first prefixLen bits. Nodes are kept
// ordered by LastSeen ascending (oldest at index 0).
type bucket struct {
	prefix      NodeID
	prefixLen   int
	nodes       []RemoteNode
	lastChanged time.Time
}

func (b *bucket) contains(id NodeID) bool {
	for i := 0; i < b.prefixLen; i++ {
		if bitAt(id, i) != bitAt(b.prefix, i) {
			return false
		}
	}
	return true
}

func (b *bucket) indexOf(id NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// insert adds node to b, keeping b.nodes ordered by LastSeen ascending.
func (b *bucket) insert(node RemoteNode) {
	i := sort.Search(len(b.nodes), func(i int) bool { return b.nodes[i].LastSeen.After(node.LastSeen) })
	b.nodes = append(b.nodes, RemoteNode{})
	copy(b.nodes[i+1:], b.nodes[i:])
	b.nodes[i] = node
}

// RoutingTable is the Kademlia routing table for one local NodeID. It
// starts as a single bucket spanning the entire 160-bit keyspace and splits
// the bucket holding the local ID as it fills, per BEP 5 / the Kademlia
// paper. It is safe for concurrent use.
type RoutingTable struct {
	self    NodeID
	mu      sync.RWMutex
	buckets []*bucket
}

// NewRoutingTable creates a routing table for the given local node ID.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{
		self: self,
		buckets: []*bucket{{
			prefixLen:   0,
			lastChanged: time.Now(),
		}},
	}
}

// Self returns the local node ID this table is organized around.
func (rt *RoutingTable) Self() NodeID { return rt.self }

func (rt *RoutingTable) bucketFor(id NodeID) int {
	for i, b := range rt.buckets {
		if b.contains(id) {
			return i
		}
	}
	// Unreachable: buckets always partition the full keyspace.
	return -1
}

// AddNode inserts or refreshes a node. It reports whether the node ended up
// in the table (false means the owning bucket was full and not
// splittable, so the node was dropped).
func (rt *RoutingTable) AddNode(node RemoteNode) bool {
	if node.ID == rt.self {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for depth := 0; depth < MaxBuckets; depth++ {
		idx := rt.bucketFor(node.ID)
		b := rt.buckets[idx]

		if i := b.indexOf(node.ID); i >= 0 {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			node.LastSeen = nowOrDefault(node.LastSeen)
			b.insert(node)
			b.lastChanged = time.Now()
			return true
		}

		if len(b.nodes) < K {
			node.LastSeen = nowOrDefault(node.LastSeen)
			b.insert(node)
			b.lastChanged = time.Now()
			return true
		}

		if !b.contains(rt.self) {
			return false
		}

		rt.splitBucket(idx)
		// retry insertion against the freshly split buckets
	}
	return false
}

func nowOrDefault(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// splitBucket replaces rt.buckets[idx] with two children one bit deeper,
// redistributing its nodes by their bit at the new prefix position.
func (rt *RoutingTable) splitBucket(idx int) {
	b := rt.buckets[idx]
	childLen := b.prefixLen + 1

	zero := &bucket{prefix: b.prefix, prefixLen: childLen, lastChanged: time.Now()}
	one := &bucket{prefix: b.prefix, prefixLen: childLen, lastChanged: time.Now()}
	setBit(&one.prefix, b.prefixLen)

	for _, n := range b.nodes {
		if bitAt(n.ID, b.prefixLen) == 0 {
			zero.nodes = append(zero.nodes, n)
		} else {
			one.nodes = append(one.nodes, n)
		}
	}

	rt.buckets = append(rt.buckets[:idx], append([]*bucket{zero, one}, rt.buckets[idx+1:]...)...)
}

func setBit(id *NodeID, pos int) {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	id[byteIdx] |= 1 << uint(bitIdx)
}

// RemoveStale evicts every node whose LastSeen is older than maxAge
// relative to now.
func (rt *RoutingTable) RemoveStale(now time.Time, maxAge time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for _, b := range rt.buckets {
		kept := b.nodes[:0]
		for _, n := range b.nodes {
			if now.Sub(n.LastSeen) > maxAge {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		b.nodes = kept
	}
	return removed
}

// ClosestNodes returns up to n nodes with smallest XOR distance to target,
// sorted nondecreasing by distance, tie-broken by LastSeen ascending.
func (rt *RoutingTable) ClosestNodes(target NodeID, n int) []RemoteNode {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := rt.allNodesLocked()
	sort.SliceStable(all, func(i, j int) bool {
		di := Distance(all[i].ID, target)
		dj := Distance(all[j].ID, target)
		if di != dj {
			return di.Less(dj)
		}
		return all[i].LastSeen.Before(all[j].LastSeen)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// ActiveCount returns the total number of nodes held across all buckets.
func (rt *RoutingTable) ActiveCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	count := 0
	for _, b := range rt.buckets {
		count += len(b.nodes)
	}
	return count
}

// AllNodes returns every node currently in the table.
func (rt *RoutingTable) AllNodes() []RemoteNode {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.allNodesLocked()
}

func (rt *RoutingTable) allNodesLocked() []RemoteNode {
	var all []RemoteNode
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}

// BucketCount returns the current number of buckets, which grows only as
// the bucket containing the local ID splits.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// RefreshTarget describes a bucket due for a BEP 5 bucket refresh: a random
// ID within its range, and the freshest known contact to query, if any.
type RefreshTarget struct {
	RandomID NodeID
	Contact  *RemoteNode
}

// StaleBuckets returns a refresh target for every bucket that has not seen
// traffic within maxIdle.
func (rt *RoutingTable) StaleBuckets(now time.Time, maxIdle time.Duration) []RefreshTarget {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var targets []RefreshTarget
	for _, b := range rt.buckets {
		if now.Sub(b.lastChanged) <= maxIdle {
			continue
		}
		target := RefreshTarget{RandomID: randomIDInBucket(b)}
		if len(b.nodes) > 0 {
			freshest := b.nodes[0]
			for _, n := range b.nodes {
				if n.LastSeen.After(freshest.LastSeen) {
					freshest = n
				}
			}
			contact := freshest
			target.Contact = &contact
		}
		targets = append(targets, target)
	}
	return targets
}

// randomIDInBucket returns a random ID whose first prefixLen bits match the
// bucket's prefix, using crypto/rand for the remaining bits.
func randomIDInBucket(b *bucket) NodeID {
	id, err := GenerateNodeID(nil)
	if err != nil {
		id = b.prefix
	}
	for i := 0; i < b.prefixLen; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		mask := byte(1) << uint(bitIdx)
		id[byteIdx] &^= mask
		id[byteIdx] |= b.prefix[byteIdx] & mask
	}
	return id
}
