package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/retonato/simple-dht-node/bencode"
	"github.com/sirupsen/logrus"
)

// BootstrapNodes are the well-known entry points a freshly started Node
// contacts to discover the rest of the network (spec §5 "Bootstrap").
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Port selection and maintenance timing defaults (spec §5, §6).
const (
	MinEphemeralPort = 1025
	MaxEphemeralPort = 65535
	maxBindAttempts  = 20
	MaintenanceTick  = 60 * time.Second
	maxShutdownDrain = 5 * time.Second
)

// nodeState is the Node lifecycle: Created -> Running -> Stopped.
type nodeState int32

const (
	stateCreated nodeState = iota
	stateRunning
	stateStopped
)

func (s nodeState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Node at construction time. All fields are optional;
// a zero Options produces a node with a random ID and a randomly chosen port.
type Options struct {
	// NodeID is used instead of generating a random one when HasID is true.
	NodeID NodeID
	HasID  bool

	// Port, if non-zero, is the UDP port to bind. If zero a random
	// ephemeral port is tried (spec §6 "new").
	Port uint16

	// Logger receives structured log entries. Defaults to logrus's
	// standard logger.
	Logger *logrus.Logger

	// Bootstrap overrides BootstrapNodes, mainly for tests.
	Bootstrap []string
}

// Node is the Node Runtime (spec §5/§6): it owns a UDP socket, a routing
// table, and a Protocol Engine, and runs the receive and maintenance
// activities that keep the routing table populated and pending queries
// bounded. It is the package's main entry point.
type Node struct {
	log       *logrus.Logger
	engine    *Engine
	rt        *RoutingTable
	bootstrap []string

	mu    sync.Mutex
	state nodeState
	conn  *net.UDPConn
	port  int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	selfID NodeID
}

// New constructs a Node in the Created state. It does not touch the
// network; call Start to bind a socket and begin operating.
func New(opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	id := opts.NodeID
	if !opts.HasID {
		generated, err := GenerateNodeID(nil)
		if err != nil {
			return nil, fmt.Errorf("dht: failed to generate node id: %w", err)
		}
		id = generated
	}

	bootstrap := opts.Bootstrap
	if bootstrap == nil {
		bootstrap = BootstrapNodes
	}

	rt := NewRoutingTable(id)
	engine := NewEngine(id, rt, log)

	return &Node{
		log:       log,
		engine:    engine,
		rt:        rt,
		bootstrap: bootstrap,
		state:     stateCreated,
		port:      int(opts.Port),
		selfID:    id,
	}, nil
}

// ID returns the node's own identifier.
func (n *Node) ID() NodeID {
	return n.selfID
}

// Port returns the UDP port the node is bound to. Before Start it returns
// the requested port, or 0 if none was requested.
func (n *Node) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}

// AddMessageHandler registers fn to observe every successfully parsed
// inbound message (spec §6 "add_message_handler"). Safe to call before or
// after Start.
func (n *Node) AddMessageHandler(fn MessageHandler) {
	n.engine.AddHandler(fn)
}

// Stats returns the current active-node count and the incoming/outgoing
// counters, resetting the counters (spec §6 "stats").
func (n *Node) Stats() Stats {
	return n.engine.Stats()
}

// Start transitions the node from Created to Running: it binds a UDP
// socket, launches the receive and maintenance activities, and fires an
// initial bootstrap. Calling Start on a non-Created node returns an error;
// it is not idempotent (spec §6 "start").
func (n *Node) Start() error {
	n.mu.Lock()
	if n.state != stateCreated {
		n.mu.Unlock()
		return fmt.Errorf("dht: cannot start node in state %s", n.state)
	}

	conn, boundPort, err := bindSocket(n.port)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("dht: failed to bind udp socket: %w", err)
	}
	n.conn = conn
	n.port = boundPort
	n.state = stateRunning

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"node_id": n.selfID.String(),
		"port":    boundPort,
	}).Info("dht: node started")

	n.wg.Add(2)
	go n.receiveLoop(ctx)
	go n.maintenanceLoop(ctx)

	go n.bootstrapOnce()

	return nil
}

// Stop transitions the node to Stopped, closing the socket and waiting for
// the receive and maintenance activities to finish, bounded by
// maxShutdownDrain. Calling Stop more than once is a no-op (spec §6
// "stop" idempotency).
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == stateStopped {
		n.mu.Unlock()
		return nil
	}
	if n.state == stateCreated {
		n.state = stateStopped
		n.mu.Unlock()
		return nil
	}
	n.state = stateStopped
	cancel := n.cancel
	conn := n.conn
	n.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(maxShutdownDrain):
		n.log.Warn("dht: shutdown drain timed out, activities may still be unwinding")
	}

	n.log.WithField("node_id", n.selfID.String()).Info("dht: node stopped")
	return nil
}

// SendMessage bencode-encodes msg and transmits it to ip:port. If msg is a
// query (y=q), it is registered as a pending transaction before the write
// so a matching response can be correlated later (spec §6 "send_message").
// A failed or oversized send is logged and leaves the incoming/outgoing
// counters untouched (spec §7).
func (n *Node) SendMessage(msg bencode.Value, ip string, port uint16) error {
	n.mu.Lock()
	running := n.state == stateRunning
	conn := n.conn
	n.mu.Unlock()
	if !running {
		return fmt.Errorf("dht: node is not running")
	}

	data, err := bencode.Encode(msg)
	if err != nil {
		return fmt.Errorf("dht: failed to encode outgoing message: %w", err)
	}

	dest := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}
	if dest.IP == nil {
		return fmt.Errorf("dht: invalid ip address %q", ip)
	}

	return n.transmit(conn, data, dest)
}

func (n *Node) transmit(conn *net.UDPConn, data []byte, dest *net.UDPAddr) error {
	if len(data) > MaxDatagramSize {
		n.log.WithFields(logrus.Fields{
			"dest": dest.String(),
			"size": len(data),
		}).Warn("dht: dropping oversized outgoing datagram")
		return fmt.Errorf("dht: outgoing datagram too large (%d bytes)", len(data))
	}
	if err := n.engine.RegisterOutgoingQuery(data, dest); err != nil {
		return fmt.Errorf("dht: failed to register outgoing message: %w", err)
	}
	if _, err := conn.WriteToUDP(data, dest); err != nil {
		n.log.WithFields(logrus.Fields{
			"dest":  dest.String(),
			"error": err.Error(),
		}).Warn("dht: send failed")
		return err
	}
	n.engine.MarkSent()
	return nil
}

func bindSocket(requestedPort int) (*net.UDPConn, int, error) {
	if requestedPort != 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: requestedPort})
		if err != nil {
			return nil, 0, err
		}
		return conn, requestedPort, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		port, err := randomEphemeralPort()
		if err != nil {
			return nil, 0, err
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("dht: exhausted %d random port attempts: %w", maxBindAttempts, lastErr)
}

func randomEphemeralPort() (int, error) {
	span := MaxEphemeralPort - MinEphemeralPort + 1
	buf := make([]byte, 2)
	if _, err := cryptoRead(buf); err != nil {
		return 0, err
	}
	n := int(buf[0])<<8 | int(buf[1])
	return MinEphemeralPort + (n % span), nil
}

func (n *Node) receiveLoop(ctx context.Context) {
	defer n.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		read, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				n.log.WithField("error", err.Error()).Debug("dht: read error")
				continue
			}
		}

		data := make([]byte, read)
		copy(data, buf[:read])
		n.handleDatagram(data, addr)
	}
}

func (n *Node) handleDatagram(data []byte, addr *net.UDPAddr) {
	reply := n.engine.HandleIncoming(data, addr)
	if reply == nil {
		return
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return
	}
	if err := n.transmit(conn, reply, addr); err != nil {
		n.log.WithFields(logrus.Fields{
			"dest":  addr.String(),
			"error": err.Error(),
		}).Debug("dht: failed to send reply")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// cryptoRead is a package-level indirection over crypto/rand.Read kept
// separate from GenerateNodeID's injectable source: port selection never
// needs a deterministic override.
var cryptoRead = rand.Read
