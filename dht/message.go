package dht

import (
	"fmt"

	"github.com/retonato/simple-dht-node/bencode"
)

// KRPC message types (the "y" field).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// KRPC query names (the "q" field).
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// KRPC error codes (BEP 5 §error-codes).
const (
	ErrGeneric       = 201
	ErrServerError   = 202
	ErrProtocolError = 203
	ErrMethodUnknown = 204
)

// TokenLength is the length in bytes of a get_peers announce token.
const TokenLength = 8

// Message is a parsed KRPC datagram: a query, a response, or an error.
// Exactly the fields relevant to Type are populated.
type Message struct {
	TransactionID string
	Type          string

	// Query fields (Type == TypeQuery)
	Query string
	Args  bencode.Value // Dict

	// Response fields (Type == TypeResponse)
	Response bencode.Value // Dict

	// Error fields (Type == TypeError)
	ErrorCode    int64
	ErrorMessage string
}

// ParseMessage decodes a bencoded KRPC datagram and validates the envelope
// fields required by every message shape. It does not validate
// query-specific arguments; callers validate those per query name.
func ParseMessage(data []byte) (*Message, error) {
	val, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("dht: malformed bencode: %w", err)
	}
	if val.Kind() != bencode.KindDict {
		return nil, fmt.Errorf("dht: KRPC message must be a dict, got kind %d", val.Kind())
	}

	tVal, ok := val.Get("t")
	if !ok || tVal.Kind() != bencode.KindString {
		return nil, fmt.Errorf("dht: missing or invalid transaction id (t)")
	}
	yVal, ok := val.Get("y")
	if !ok || yVal.Kind() != bencode.KindString {
		return nil, fmt.Errorf("dht: missing or invalid message type (y)")
	}

	msg := &Message{
		TransactionID: tVal.Str(),
		Type:          yVal.Str(),
	}

	switch msg.Type {
	case TypeQuery:
		qVal, ok := val.Get("q")
		if !ok || qVal.Kind() != bencode.KindString {
			return nil, fmt.Errorf("dht: query message missing q")
		}
		msg.Query = qVal.Str()
		aVal, ok := val.Get("a")
		if !ok || aVal.Kind() != bencode.KindDict {
			return nil, fmt.Errorf("dht: query message missing a")
		}
		msg.Args = aVal
	case TypeResponse:
		rVal, ok := val.Get("r")
		if !ok || rVal.Kind() != bencode.KindDict {
			return nil, fmt.Errorf("dht: response message missing r")
		}
		msg.Response = rVal
	case TypeError:
		eVal, ok := val.Get("e")
		if !ok || eVal.Kind() != bencode.KindList || len(eVal.List()) != 2 {
			return nil, fmt.Errorf("dht: error message missing or malformed e")
		}
		items := eVal.List()
		if items[0].Kind() != bencode.KindInt || items[1].Kind() != bencode.KindString {
			return nil, fmt.Errorf("dht: malformed error tuple")
		}
		msg.ErrorCode = items[0].Int()
		msg.ErrorMessage = items[1].Str()
	default:
		return nil, fmt.Errorf("dht: unknown message type %q", msg.Type)
	}

	return msg, nil
}

// extractID reads a 20-byte node id string value out of a query-args or
// response dict by key (conventionally "id").
func extractID(dict bencode.Value, key string) (NodeID, error) {
	var id NodeID
	v, ok := dict.Get(key)
	if !ok || v.Kind() != bencode.KindString {
		return id, fmt.Errorf("dht: missing or non-string %q", key)
	}
	raw := v.RawBytes()
	if len(raw) != IDLength {
		return id, fmt.Errorf("dht: %q has invalid length %d, want %d", key, len(raw), IDLength)
	}
	copy(id[:], raw)
	return id, nil
}

// SenderID returns the node ID claimed by the sender of this message,
// whether it arrived as a query or a response.
func (m *Message) SenderID() (NodeID, error) {
	switch m.Type {
	case TypeQuery:
		return extractID(m.Args, "id")
	case TypeResponse:
		return extractID(m.Response, "id")
	default:
		return NodeID{}, fmt.Errorf("dht: message type %q has no sender id", m.Type)
	}
}

// --- Encoders ---

func encodeOrPanic(v bencode.Value) []byte {
	b, err := bencode.Encode(v)
	if err != nil {
		// Values built exclusively from this package's own constructors
		// can never fail to encode (no duplicate keys are ever produced).
		panic(fmt.Sprintf("dht: unexpected bencode encode error: %v", err))
	}
	return b
}

// EncodePingQuery builds a ping query datagram.
func EncodePingQuery(txID string, self NodeID) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(MethodPing),
		"a": bencode.Dict(map[string]bencode.Value{
			"id": bencode.Bytes(self[:]),
		}),
	}))
}

// EncodePingResponse builds a ping response datagram.
func EncodePingResponse(txID string, self NodeID) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(map[string]bencode.Value{
			"id": bencode.Bytes(self[:]),
		}),
	}))
}

// EncodeFindNodeQuery builds a find_node query datagram.
func EncodeFindNodeQuery(txID string, self, target NodeID) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(MethodFindNode),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":     bencode.Bytes(self[:]),
			"target": bencode.Bytes(target[:]),
		}),
	}))
}

// EncodeFindNodeResponse builds a find_node response datagram carrying
// compact node info for the closest known nodes.
func EncodeFindNodeResponse(txID string, self NodeID, nodes []byte) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(map[string]bencode.Value{
			"id":    bencode.Bytes(self[:]),
			"nodes": bencode.Bytes(nodes),
		}),
	}))
}

// EncodeGetPeersQuery builds a get_peers query datagram.
func EncodeGetPeersQuery(txID string, self, infoHash NodeID) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(MethodGetPeers),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":        bencode.Bytes(self[:]),
			"info_hash": bencode.Bytes(infoHash[:]),
		}),
	}))
}

// EncodeGetPeersResponse builds a get_peers response datagram. The core
// never tracks announced peers (spec §4.3), so it always answers with the
// closest nodes and a fresh token rather than a values list.
func EncodeGetPeersResponse(txID string, self NodeID, token string, nodes []byte) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(map[string]bencode.Value{
			"id":    bencode.Bytes(self[:]),
			"token": bencode.String(token),
			"nodes": bencode.Bytes(nodes),
		}),
	}))
}

// EncodeAnnouncePeerQuery builds an announce_peer query datagram.
func EncodeAnnouncePeerQuery(txID string, self, infoHash NodeID, port int64, token string) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(MethodAnnouncePeer),
		"a": bencode.Dict(map[string]bencode.Value{
			"id":        bencode.Bytes(self[:]),
			"info_hash": bencode.Bytes(infoHash[:]),
			"port":      bencode.Int(port),
			"token":     bencode.String(token),
		}),
	}))
}

// EncodeAnnouncePeerResponse builds an announce_peer acknowledgement.
func EncodeAnnouncePeerResponse(txID string, self NodeID) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(map[string]bencode.Value{
			"id": bencode.Bytes(self[:]),
		}),
	}))
}

// EncodeError builds a KRPC error datagram.
func EncodeError(txID string, code int64, message string) []byte {
	return encodeOrPanic(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeError),
		"e": bencode.List(bencode.Int(code), bencode.String(message)),
	}))
}
