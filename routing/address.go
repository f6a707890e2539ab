package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SchemeSeparator splits a transport scheme from the remote part of an
// address, as in "nats#node-b".
const SchemeSeparator = "#"

var (
	// ErrEmptyRoute is returned when a route has no next hop.
	ErrEmptyRoute = errors.New("route is empty")
	// ErrAddressInUse is returned when registering an address twice.
	ErrAddressInUse = errors.New("address already registered")
	// ErrUnknownAddress is returned when no handler serves an address.
	ErrUnknownAddress = errors.New("no handler registered for address")
	// ErrNodeClosed is returned by a node after Close.
	ErrNodeClosed = errors.New("node is closed")
)

// Address names a message handler, either local ("api") or behind a
// transport ("nats#node-b").
type Address string

// RandomAddress returns a fresh local address.
func RandomAddress() Address {
	return Address(uuid.NewString())
}

// TransportAddress joins a transport scheme and a remote part.
func TransportAddress(scheme, remote string) Address {
	return Address(scheme + SchemeSeparator + remote)
}

func (a Address) String() string { return string(a) }

// Scheme returns the transport scheme, or "" for local addresses.
func (a Address) Scheme() string {
	if i := strings.Index(string(a), SchemeSeparator); i > 0 {
		return string(a[:i])
	}
	return ""
}

// Remote returns the part after the scheme, or the whole address.
func (a Address) Remote() string {
	if i := strings.Index(string(a), SchemeSeparator); i > 0 {
		return string(a[i+len(SchemeSeparator):])
	}
	return string(a)
}

// Route is an ordered list of hops.
type Route []Address

// NewRoute builds a route from addresses.
func NewRoute(addrs ...Address) Route {
	return append(Route(nil), addrs...)
}

// Next returns the first hop.
func (r Route) Next() (Address, bool) {
	if len(r) == 0 {
		return "", false
	}
	return r[0], true
}

// Step splits off the first hop.
func (r Route) Step() (Address, Route, error) {
	if len(r) == 0 {
		return "", nil, ErrEmptyRoute
	}
	return r[0], append(Route(nil), r[1:]...), nil
}

// Prepend returns a new route starting with addr.
func (r Route) Prepend(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, addr)
	return append(out, r...)
}

// Append returns a new route with rest added at the end.
func (r Route) Append(rest ...Address) Route {
	out := make(Route, 0, len(r)+len(rest))
	out = append(out, r...)
	return append(out, rest...)
}

func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = string(a)
	}
	return "[" + strings.Join(parts, " => ") + "]"
}

// LocalInfo is metadata attached to a message by a local handler. It never
// leaves the node.
type LocalInfo struct {
	Key   string
	Value []byte
}

// Message is what handlers exchange.
type Message struct {
	OnwardRoute Route       `cbor:"1,keyasint"`
	ReturnRoute Route       `cbor:"2,keyasint"`
	Payload     []byte      `cbor:"3,keyasint"`
	LocalInfo   []LocalInfo `cbor:"-"`
}

// FindLocalInfo returns the value stored under key.
func (m Message) FindLocalInfo(key string) ([]byte, bool) {
	for _, info := range m.LocalInfo {
		if info.Key == key {
			return info.Value, true
		}
	}
	return nil, false
}

// Delivery is a message handed to the handler registered at Address. The
// onward route no longer contains Address.
type Delivery struct {
	Address Address
	Message Message
}

func (d Delivery) String() string {
	return fmt.Sprintf("%s onward=%s return=%s (%d bytes)",
		d.Address, d.Message.OnwardRoute, d.Message.ReturnRoute, len(d.Message.Payload))
}
