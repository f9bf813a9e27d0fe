package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMaintenanceEvictsStaleNodesAndSweepsTimeouts(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Start())
	defer n.Stop()

	stale := RemoteNode{ID: NodeID{0x11}, IP: net.IPv4(1, 1, 1, 1), Port: 1, LastSeen: time.Now().Add(-1 * time.Hour)}
	fresh := RemoteNode{ID: NodeID{0x22}, IP: net.IPv4(2, 2, 2, 2), Port: 2, LastSeen: time.Now()}
	n.rt.AddNode(stale)
	n.rt.AddNode(fresh)

	dest := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 9999}
	txID := n.engine.NextTransactionID()
	require.NoError(t, n.engine.RegisterOutgoingQuery(EncodePingQuery(txID, n.selfID), dest))

	future := time.Now().Add(31 * time.Second)
	n.runMaintenance(future)

	assert.Equal(t, 1, n.rt.ActiveCount())
	assert.Equal(t, 0, n.engine.PendingCount())
}

func TestRunMaintenanceWithThinTableDoesNotPanic(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Start())
	defer n.Stop()

	assert.Less(t, n.rt.ActiveCount(), K)
	// A thin routing table should not panic maintenance even with no
	// bootstrap endpoints configured (newTestNode uses an empty list).
	assert.NotPanics(t, func() { n.runMaintenance(time.Now()) })
}

func TestRefreshBucketSendsFindNodeToFreshestContact(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Start())
	defer n.Stop()

	// 203.0.113.0/24 is reserved for documentation (RFC 5737) and never
	// routed, so the datagram is fire-and-forget with no reply racing the
	// PendingCount assertion below.
	contact := RemoteNode{ID: NodeID{0x33}, IP: net.IPv4(203, 0, 113, 1), Port: 6881, LastSeen: time.Now()}
	target := RefreshTarget{RandomID: NodeID{0x44}, Contact: &contact}

	n.refreshBucket(target)
	assert.Equal(t, 1, n.engine.PendingCount())
}

func TestRefreshBucketSkipsWhenNoContact(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Start())
	defer n.Stop()

	n.refreshBucket(RefreshTarget{RandomID: NodeID{0x55}})
	assert.Equal(t, 0, n.engine.PendingCount())
}

func TestBootstrapOnceSendsPingAndFindNodeToEachEndpoint(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()

	n, err := New(Options{Bootstrap: []string{echo.LocalAddr().String()}})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop()

	buf := make([]byte, MaxDatagramSize)
	seenQueries := map[string]bool{}
	for i := 0; i < 2; i++ {
		echo.SetReadDeadline(time.Now().Add(2 * time.Second))
		read, _, err := echo.ReadFromUDP(buf)
		require.NoError(t, err)
		msg, err := ParseMessage(buf[:read])
		require.NoError(t, err)
		seenQueries[msg.Query] = true
	}

	assert.True(t, seenQueries[MethodPing])
	assert.True(t, seenQueries[MethodFindNode])
}
