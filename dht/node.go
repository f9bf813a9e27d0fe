// Package dht implements a BitTorrent Mainline DHT (BEP 5) node: a
// Kademlia-derived routing table, a bencoded KRPC protocol engine, and a
// UDP node runtime that ties the two together with a user-extensible
// message-observer hook.
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"
)

// IDLength is the length in bytes of a NodeID (160 bits, same keyspace as
// a BitTorrent info-hash).
const IDLength = 20

// NodeID is a 160-bit Kademlia identifier for a DHT node.
type NodeID [IDLength]byte

// String returns the canonical 40-character lowercase hex form of the ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseNodeID parses a 40-character hex string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != IDLength*2 {
		return id, fmt.Errorf("dht: node id must be %d hex characters, got %d", IDLength*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("dht: invalid node id hex: %w", err)
	}
	copy(id[:], decoded)
	return id, nil
}

// GenerateNodeID produces a random NodeID from the given source. Pass nil
// to use crypto/rand.
func GenerateNodeID(source io.Reader) (NodeID, error) {
	if source == nil {
		source = rand.Reader
	}
	var id NodeID
	if _, err := io.ReadFull(source, id[:]); err != nil {
		return id, fmt.Errorf("dht: failed to generate node id: %w", err)
	}
	return id, nil
}

// Distance returns the XOR distance between two node IDs as a NodeID-shaped
// 160-bit unsigned integer.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance a is strictly smaller than distance b when
// both are interpreted as big-endian 160-bit unsigned integers.
func (a NodeID) Less(b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// bitAt returns the bit at position pos (0 = most significant bit of byte 0)
// of id, counting from the front of the 160-bit keyspace.
func bitAt(id NodeID, pos int) int {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	return int((id[byteIdx] >> uint(bitIdx)) & 1)
}

// RemoteNode is a known peer in the DHT overlay: its identity, observed
// network address, and the last time it was heard from. Two RemoteNodes
// are considered the same peer iff their ID matches; address is purely
// observational metadata.
type RemoteNode struct {
	ID       NodeID
	IP       net.IP
	Port     uint16
	LastSeen time.Time
}

// SameIdentity reports whether two RemoteNodes represent the same peer.
func (n RemoteNode) SameIdentity(other RemoteNode) bool {
	return n.ID == other.ID
}

// Addr returns the node's address as a *net.UDPAddr.
func (n RemoteNode) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

// CompactIPv4Len is the length in bytes of one compact node-info entry:
// 20-byte node id, 4-byte big-endian IPv4 address, 2-byte big-endian port.
const CompactIPv4Len = 26

// EncodeCompactNode serializes a single RemoteNode into BEP 5 compact node
// info: node_id || ipv4 || port (26 bytes). It returns an error if the
// node's IP is not a 4-byte (or 4-in-6) IPv4 address.
func EncodeCompactNode(n RemoteNode) ([]byte, error) {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: node %s has no IPv4 address (%s)", n.ID, n.IP)
	}
	buf := make([]byte, CompactIPv4Len)
	copy(buf[0:20], n.ID[:])
	copy(buf[20:24], ip4)
	buf[24] = byte(n.Port >> 8)
	buf[25] = byte(n.Port)
	return buf, nil
}

// EncodeCompactNodes concatenates the compact encoding of each node in
// order, skipping any node whose address cannot be represented (e.g. an
// IPv6-only peer), matching the IPv4-only core described by the spec.
func EncodeCompactNodes(nodes []RemoteNode) []byte {
	buf := make([]byte, 0, len(nodes)*CompactIPv4Len)
	for _, n := range nodes {
		compact, err := EncodeCompactNode(n)
		if err != nil {
			continue
		}
		buf = append(buf, compact...)
	}
	return buf
}

// DecodeCompactNodes parses a concatenation of 26-byte compact node-info
// entries. It rejects input whose length is not a multiple of 26.
func DecodeCompactNodes(data []byte) ([]RemoteNode, error) {
	if len(data)%CompactIPv4Len != 0 {
		return nil, fmt.Errorf("dht: compact nodes length %d not a multiple of %d", len(data), CompactIPv4Len)
	}
	count := len(data) / CompactIPv4Len
	nodes := make([]RemoteNode, count)
	for i := 0; i < count; i++ {
		chunk := data[i*CompactIPv4Len : (i+1)*CompactIPv4Len]
		var id NodeID
		copy(id[:], chunk[0:20])
		ip := make(net.IP, 4)
		copy(ip, chunk[20:24])
		port := uint16(chunk[24])<<8 | uint16(chunk[25])
		nodes[i] = RemoteNode{ID: id, IP: ip, Port: port}
	}
	return nodes, nil
}
