package dht

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultQueryTimeout is how long a PendingQuery lives before the
// maintenance sweep evicts it unanswered.
const DefaultQueryTimeout = 30 * time.Second

// MaxDatagramSize is the largest UDP datagram the engine will transmit,
// per spec §4.3.
const MaxDatagramSize = 1472

// MessageHandler observes every successfully parsed inbound message,
// regardless of type. Handlers are invoked in registration order and any
// panic is isolated so it cannot abort the chain or the engine. KRPC error
// messages carry no sender id, so their sender has only IP and Port set;
// a query or response whose sender id is missing or not 20 bytes long is
// not passed to handlers.
type MessageHandler func(msg *Message, sender RemoteNode)

// PendingQuery tracks a query this node sent and is still awaiting a
// response for.
type PendingQuery struct {
	TransactionID string
	QueryName     string
	IssuedAt      time.Time
	Destination   *net.UDPAddr
}

// Stats is a point-in-time snapshot of the engine's counters and routing
// table size, returned by Engine.Stats / Node.Stats.
type Stats struct {
	ActiveNodes int
	Incoming    uint64
	Outgoing    uint64
}

// Engine is the Protocol Engine (spec §4.3): it parses inbound datagrams,
// dispatches queries to response builders, correlates responses to
// outstanding queries, feeds the routing table, and runs the handler
// chain. It does not own a socket; Node wires it to one.
type Engine struct {
	self NodeID
	rt   *RoutingTable
	log  *logrus.Logger

	mu      sync.Mutex
	pending map[string]*PendingQuery

	handlersMu sync.Mutex
	handlers   []MessageHandler

	incoming uint64
	outgoing uint64

	txCounter uint32
}

// NewEngine creates a Protocol Engine for the given local ID and routing
// table. A nil logger defaults to logrus's standard logger.
func NewEngine(self NodeID, rt *RoutingTable, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		self:    self,
		rt:      rt,
		log:     log,
		pending: make(map[string]*PendingQuery),
	}
}

// AddHandler appends fn to the handler chain.
func (e *Engine) AddHandler(fn MessageHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// NextTransactionID returns a fresh 2-byte transaction ID for an outgoing
// query.
func (e *Engine) NextTransactionID() string {
	n := atomic.AddUint32(&e.txCounter, 1)
	return string([]byte{byte(n >> 8), byte(n)})
}

// GenerateToken creates an 8-byte random get_peers token. The core does
// not persist or validate tokens on announce_peer (spec §4.3, §9 open
// question), so generation is the entire lifecycle.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dht: failed to generate token: %w", err)
	}
	return string(buf), nil
}

// RegisterOutgoingQuery records bookkeeping for a message about to be
// sent: if it is a query, it is registered in the pending-query map under
// its transaction id so a later response can be correlated. It must be
// called before the datagram is written to the socket, and before
// MarkSent (spec §4.3 "Outbound messages"). It does not touch the
// outgoing counter: per spec §7, a failed send must leave counters
// unaffected, so the counter is only incremented by MarkSent once the
// write has actually succeeded.
func (e *Engine) RegisterOutgoingQuery(data []byte, dest *net.UDPAddr) error {
	val, err := decodeEnvelope(data)
	if err != nil {
		return err
	}
	if val.typ != TypeQuery {
		return nil
	}
	e.mu.Lock()
	e.pending[val.txID] = &PendingQuery{
		TransactionID: val.txID,
		QueryName:     val.query,
		IssuedAt:      time.Now(),
		Destination:   dest,
	}
	e.mu.Unlock()
	return nil
}

// MarkSent increments the outgoing counter. Callers invoke it only after a
// datagram has been written to the socket successfully.
func (e *Engine) MarkSent() {
	atomic.AddUint64(&e.outgoing, 1)
}

type envelope struct {
	txID  string
	typ   string
	query string
}

func decodeEnvelope(data []byte) (envelope, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return envelope{}, err
	}
	return envelope{txID: msg.TransactionID, typ: msg.Type, query: msg.Query}, nil
}

// HandleIncoming processes one inbound datagram. It returns a reply to
// transmit back to addr, or nil if no reply is warranted. Malformed
// datagrams are counted as incoming and dropped without a reply, per
// spec §4.3 / §7.
func (e *Engine) HandleIncoming(data []byte, addr *net.UDPAddr) []byte {
	atomic.AddUint64(&e.incoming, 1)

	msg, err := ParseMessage(data)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"remote_addr": addr.String(),
			"error":       err.Error(),
		}).Debug("dht: dropping malformed datagram")
		return nil
	}

	senderID, idErr := msg.SenderID()
	var sender RemoteNode
	haveSender := idErr == nil
	if haveSender {
		sender = RemoteNode{ID: senderID, IP: addr.IP, Port: uint16(addr.Port), LastSeen: time.Now()}
		e.rt.AddNode(sender)
	}

	var reply []byte
	switch msg.Type {
	case TypeQuery:
		reply = e.handleQuery(msg, addr)
	case TypeResponse:
		e.handleResponse(msg)
	case TypeError:
		e.log.WithFields(logrus.Fields{
			"remote_addr": addr.String(),
			"code":        msg.ErrorCode,
			"message":     msg.ErrorMessage,
		}).Debug("dht: received KRPC error")
	}

	if haveSender {
		e.runHandlers(msg, sender)
	} else if msg.Type == TypeError {
		e.runHandlers(msg, RemoteNode{IP: addr.IP, Port: uint16(addr.Port), LastSeen: time.Now()})
	}

	return reply
}

func (e *Engine) runHandlers(msg *Message, sender RemoteNode) {
	e.handlersMu.Lock()
	handlers := make([]MessageHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlersMu.Unlock()

	for _, h := range handlers {
		e.invokeHandler(h, msg, sender)
	}
}

func (e *Engine) invokeHandler(h MessageHandler, msg *Message, sender RemoteNode) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"panic": r,
			}).Warn("dht: message handler panicked, continuing")
		}
	}()
	h(msg, sender)
}

func (e *Engine) handleResponse(msg *Message) {
	e.mu.Lock()
	_, matched := e.pending[msg.TransactionID]
	if matched {
		delete(e.pending, msg.TransactionID)
	}
	e.mu.Unlock()
	// Unmatched responses (no such transaction, or already timed out) are
	// still fed to the routing table and handler chain above, then
	// dropped here without further processing (spec §4.3).
}

func (e *Engine) handleQuery(msg *Message, addr *net.UDPAddr) []byte {
	switch msg.Query {
	case MethodPing:
		return EncodePingResponse(msg.TransactionID, e.self)

	case MethodFindNode:
		target, err := extractID(msg.Args, "target")
		if err != nil {
			return EncodeError(msg.TransactionID, ErrProtocolError, "invalid target")
		}
		closest := e.rt.ClosestNodes(target, K)
		return EncodeFindNodeResponse(msg.TransactionID, e.self, EncodeCompactNodes(closest))

	case MethodGetPeers:
		infoHash, err := extractID(msg.Args, "info_hash")
		if err != nil {
			return EncodeError(msg.TransactionID, ErrProtocolError, "invalid info_hash")
		}
		token, err := GenerateToken()
		if err != nil {
			return EncodeError(msg.TransactionID, ErrServerError, "token generation failed")
		}
		closest := e.rt.ClosestNodes(infoHash, K)
		return EncodeGetPeersResponse(msg.TransactionID, e.self, token, EncodeCompactNodes(closest))

	case MethodAnnouncePeer:
		if _, err := extractID(msg.Args, "info_hash"); err != nil {
			return EncodeError(msg.TransactionID, ErrProtocolError, "invalid info_hash")
		}
		// Token and port are accepted but neither validated nor stored:
		// the core is a read-only participant (spec §4.3, §9).
		return EncodeAnnouncePeerResponse(msg.TransactionID, e.self)

	default:
		return EncodeError(msg.TransactionID, ErrMethodUnknown, "unknown method "+msg.Query)
	}
}

// SweepTimeouts removes pending queries older than timeout and returns how
// many were evicted.
func (e *Engine) SweepTimeouts(now time.Time, timeout time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, pq := range e.pending {
		if now.Sub(pq.IssuedAt) > timeout {
			delete(e.pending, id)
			removed++
		}
	}
	return removed
}

// PendingCount returns the number of outstanding queries.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats returns a snapshot of the engine's counters and routing-table
// size, resetting the incoming/outgoing counters to zero.
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveNodes: e.rt.ActiveCount(),
		Incoming:    atomic.SwapUint64(&e.incoming, 0),
		Outgoing:    atomic.SwapUint64(&e.outgoing, 0),
	}
}
