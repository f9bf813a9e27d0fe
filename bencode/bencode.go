// Package bencode implements the bencoding used by the BitTorrent Mainline
// DHT wire protocol (BEP 3 / BEP 5): a bit-exact, round-tripping codec
// between byte strings and a small tagged value domain.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a tagged bencode value: an Integer, a ByteString, a List of
// Value, or a Dict mapping ByteString keys to Value. Exactly one of the
// accessor fields is meaningful, selected by Kind.
type Value struct {
	kind Kind
	i    int64
	s    []byte
	l    []Value
	d    map[string]Value
}

// Int constructs an Integer value.
func Int(n int64) Value { return Value{kind: KindInt, i: n} }

// String constructs a ByteString value from a Go string.
func String(s string) Value { return Value{kind: KindString, s: []byte(s)} }

// Bytes constructs a ByteString value from raw bytes, copying the input.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindString, s: cp}
}

// List constructs a List value from the given elements, in order.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, l: cp}
}

// Dict constructs a Dict value from the given key/value pairs. Keys are
// re-sorted on encode, so insertion order here is irrelevant.
func Dict(pairs map[string]Value) Value {
	cp := make(map[string]Value, len(pairs))
	for k, v := range pairs {
		cp[k] = v
	}
	return Value{kind: KindDict, d: cp}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload. Only meaningful when Kind() == KindInt.
func (v Value) Int() int64 { return v.i }

// Str returns the byte-string payload as a Go string. Only meaningful when
// Kind() == KindString.
func (v Value) Str() string { return string(v.s) }

// RawBytes returns the byte-string payload without copying. Callers must
// not mutate the result.
func (v Value) RawBytes() []byte { return v.s }

// List returns the list payload. Only meaningful when Kind() == KindList.
func (v Value) List() []Value { return v.l }

// DictMap returns the dict payload. Only meaningful when Kind() == KindDict.
func (v Value) DictMap() map[string]Value { return v.d }

// Get looks up a key in a Dict value. ok is false if v is not a Dict or the
// key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	val, ok := v.d[key]
	return val, ok
}

// Equal reports whether two values are structurally identical.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInt:
		return a.i == b.i
	case KindString:
		return bytes.Equal(a.s, b.s)
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		for i := range a.l {
			if !Equal(a.l[i], b.l[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.d) != len(b.d) {
			return false
		}
		for k, av := range a.d {
			bv, ok := b.d[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Encode serializes v to its canonical bencoded form. Dict keys are
// emitted in ascending lexicographic byte order regardless of insertion
// order. Encode returns an error for a duplicate dict key or an unknown
// value kind; both checks are guards, since dict entries are held in a Go
// map and Values can only be built through this package's constructors
// and Decode, neither of which produces such a value.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.i, 10))
		buf.WriteByte('e')
		return nil
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.s)))
		buf.WriteByte(':')
		buf.Write(v.s)
		return nil
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.l {
			if err := encodeTo(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.d))
		for k := range v.d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		seen := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				return fmt.Errorf("bencode: duplicate dict key %q", k)
			}
			seen[k] = struct{}{}
			kv := String(k)
			if err := encodeTo(buf, kv); err != nil {
				return err
			}
			if err := encodeTo(buf, v.d[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	default:
		return fmt.Errorf("bencode: unknown value kind %d", v.kind)
	}
}

// Decode parses a single bencoded value from b. It rejects trailing bytes
// after the top-level value: callers who expect a stream of concatenated
// values should slice the consumed prefix off themselves using DecodePrefix.
func Decode(b []byte) (Value, error) {
	v, n, err := decodeValue(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("bencode: %d trailing byte(s) after top-level value", len(b)-n)
	}
	return v, nil
}

// DecodePrefix parses a single bencoded value from the start of b and
// returns it along with the number of bytes consumed, permitting trailing
// data. Most callers should prefer Decode.
func DecodePrefix(b []byte) (Value, int, error) {
	return decodeValue(b)
}

var (
	errTruncated    = errors.New("bencode: truncated input")
	errBadInteger   = errors.New("bencode: malformed integer")
	errBadLength    = errors.New("bencode: malformed string length prefix")
	errUnknownTag   = errors.New("bencode: unknown type tag")
	errKeyNotSorted = errors.New("bencode: dict keys not in ascending order")
	errKeyNotString = errors.New("bencode: dict key is not a byte string")
	errDuplicateKey = errors.New("bencode: duplicate dict key")
)

func decodeValue(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, errTruncated
	}
	switch b[0] {
	case 'i':
		return decodeInt(b)
	case 'l':
		return decodeList(b)
	case 'd':
		return decodeDict(b)
	default:
		if b[0] >= '0' && b[0] <= '9' {
			return decodeString(b)
		}
		return Value{}, 0, errUnknownTag
	}
}

func decodeInt(b []byte) (Value, int, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return Value{}, 0, errTruncated
	}
	digits := b[1:end]
	if len(digits) == 0 {
		return Value{}, 0, errBadInteger
	}
	neg := false
	i := 0
	if digits[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(digits) {
		return Value{}, 0, errBadInteger
	}
	if digits[i] == '0' && len(digits)-i > 1 {
		return Value{}, 0, errBadInteger // no leading zeros
	}
	if neg && digits[i] == '0' {
		return Value{}, 0, errBadInteger // "-0" forbidden
	}
	for _, c := range digits[i:] {
		if c < '0' || c > '9' {
			return Value{}, 0, errBadInteger
		}
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", errBadInteger, err)
	}
	return Int(n), end + 1, nil
}

func decodeString(b []byte) (Value, int, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return Value{}, 0, errBadLength
	}
	lenDigits := b[:colon]
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return Value{}, 0, errBadLength
		}
	}
	if len(lenDigits) > 1 && lenDigits[0] == '0' {
		return Value{}, 0, errBadLength // no leading zeros in length
	}
	length, err := strconv.Atoi(string(lenDigits))
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", errBadLength, err)
	}
	start := colon + 1
	end := start + length
	if end > len(b) {
		return Value{}, 0, errTruncated
	}
	return Bytes(b[start:end]), end, nil
}

func decodeList(b []byte) (Value, int, error) {
	pos := 1
	var items []Value
	for {
		if pos >= len(b) {
			return Value{}, 0, errTruncated
		}
		if b[pos] == 'e' {
			return List(items...), pos + 1, nil
		}
		v, n, err := decodeValue(b[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, v)
		pos += n
	}
}

func decodeDict(b []byte) (Value, int, error) {
	pos := 1
	d := make(map[string]Value)
	prevKey := ""
	first := true
	for {
		if pos >= len(b) {
			return Value{}, 0, errTruncated
		}
		if b[pos] == 'e' {
			return Value{kind: KindDict, d: d}, pos + 1, nil
		}
		keyVal, n, err := decodeValue(b[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		if keyVal.kind != KindString {
			return Value{}, 0, errKeyNotString
		}
		key := keyVal.Str()
		if !first && key <= prevKey {
			if key == prevKey {
				return Value{}, 0, errDuplicateKey
			}
			return Value{}, 0, errKeyNotSorted
		}
		prevKey = key
		first = false
		pos += n

		if pos >= len(b) {
			return Value{}, 0, errTruncated
		}
		val, n2, err := decodeValue(b[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		d[key] = val
		pos += n2
	}
}
