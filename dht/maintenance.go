package dht

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.runMaintenance(now)
		}
	}
}

// runMaintenance performs one maintenance pass: stale-node eviction,
// pending-query timeout sweep, idle-bucket refresh, and re-bootstrap if the
// routing table has thinned out (spec §5 "Maintenance").
func (n *Node) runMaintenance(now time.Time) {
	evicted := n.rt.RemoveStale(now, DefaultStaleAge)
	timedOut := n.engine.SweepTimeouts(now, DefaultQueryTimeout)
	if evicted > 0 || timedOut > 0 {
		n.log.WithFields(logrus.Fields{
			"evicted_stale": evicted,
			"timed_out":     timedOut,
		}).Debug("dht: maintenance swept stale state")
	}

	for _, target := range n.rt.StaleBuckets(now, DefaultBucketRefreshIdle) {
		n.refreshBucket(target)
	}

	if n.rt.ActiveCount() < K {
		go n.bootstrapOnce()
	}
}

func (n *Node) refreshBucket(target RefreshTarget) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil || target.Contact == nil {
		return
	}
	txID := n.engine.NextTransactionID()
	query := EncodeFindNodeQuery(txID, n.selfID, target.RandomID)
	if err := n.transmit(conn, query, target.Contact.Addr()); err != nil {
		n.log.WithField("error", err.Error()).Debug("dht: bucket refresh send failed")
	}
}

// bootstrapOnce pings each well-known bootstrap endpoint and issues a
// find_node for its own ID against each of them to seed the routing table
// (spec §5 "Bootstrap"). It is safe to call repeatedly; each bootstrap
// endpoint that resolves and accepts the ping contributes independently,
// and the maintenance loop calls it again whenever the table thins out
// below K active nodes.
func (n *Node) bootstrapOnce() {
	n.mu.Lock()
	conn := n.conn
	running := n.state == stateRunning
	n.mu.Unlock()
	if conn == nil || !running {
		return
	}

	n.log.WithField("endpoints", n.bootstrap).Debug("dht: bootstrapping")

	for _, endpoint := range n.bootstrap {
		addr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			n.log.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    err.Error(),
			}).Debug("dht: failed to resolve bootstrap endpoint")
			continue
		}
		txID := n.engine.NextTransactionID()
		ping := EncodePingQuery(txID, n.selfID)
		if err := n.transmit(conn, ping, addr); err != nil {
			continue
		}

		findNodeTx := n.engine.NextTransactionID()
		findNode := EncodeFindNodeQuery(findNodeTx, n.selfID, n.selfID)
		n.transmit(conn, findNode, addr)
	}
}
