package dht

import (
	"bytes"
	"net"
	"testing"
)

func TestParseNodeIDRoundTrip(t *testing.T) {
	want := "f404abaa1c99a9d37d61ab54898f56793e1def80"
	id, err := ParseNodeID(want)
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != want {
		t.Errorf("String() = %q, want %q", id.String(), want)
	}
}

func TestParseNodeIDRejectsWrongLength(t *testing.T) {
	if _, err := ParseNodeID("abcd"); err == nil {
		t.Error("expected error for short hex string")
	}
}

func TestGenerateNodeIDIsRandom(t *testing.T) {
	a, err := GenerateNodeID(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateNodeID(nil)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated IDs collided, extremely unlikely for a correct RNG")
	}
}

func TestFindNodeResponseCompactFormat(t *testing.T) {
	var id NodeID
	for i := range id {
		id[i] = 0x02
	}
	n := RemoteNode{ID: id, IP: net.IPv4(1, 2, 3, 4), Port: 6881}

	got, err := EncodeCompactNode(n)
	if err != nil {
		t.Fatal(err)
	}

	want := append(bytes.Repeat([]byte{0x02}, 20), 0x01, 0x02, 0x03, 0x04, 0x1A, 0xE1)
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []RemoteNode{
		{ID: NodeID{1}, IP: net.IPv4(10, 0, 0, 1), Port: 1000},
		{ID: NodeID{2}, IP: net.IPv4(10, 0, 0, 2), Port: 2000},
	}
	encoded := EncodeCompactNodes(nodes)
	if len(encoded) != CompactIPv4Len*2 {
		t.Fatalf("encoded length %d, want %d", len(encoded), CompactIPv4Len*2)
	}
	decoded, err := DecodeCompactNodes(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d nodes, want 2", len(decoded))
	}
	for i, n := range nodes {
		if decoded[i].ID != n.ID {
			t.Errorf("node %d ID mismatch", i)
		}
		if !decoded[i].IP.Equal(n.IP) {
			t.Errorf("node %d IP mismatch: got %s, want %s", i, decoded[i].IP, n.IP)
		}
		if decoded[i].Port != n.Port {
			t.Errorf("node %d port mismatch", i)
		}
	}
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	if _, err := DecodeCompactNodes(make([]byte, 25)); err == nil {
		t.Error("expected error for non-multiple-of-26 length")
	}
}

func TestDistanceXOR(t *testing.T) {
	a := NodeID{0xFF}
	b := NodeID{0x0F}
	d := Distance(a, b)
	if d[0] != 0xF0 {
		t.Errorf("Distance()[0] = %x, want f0", d[0])
	}
}
