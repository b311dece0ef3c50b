// Package transport is the collaborator the mdnssd core depends on for
// sending and receiving mDNS messages: encoding/decoding DNS wire packets
// (via github.com/miekg/dns) and moving them over a UDP multicast or
// unicast socket. The core (Responder, Publisher, Browser) only depends on
// the Transport interface; UDPTransport is this module's concrete default.
package transport

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// RemoteInfo describes the sender of an inbound packet.
type RemoteInfo struct {
	Address string
	Family  string // "IPv4" or "IPv6"
	Port    int
	Size    int
}

// Packet pairs a decoded DNS message with information about where it came
// from.
type Packet struct {
	Message *dns.Msg
	Remote  RemoteInfo
}

// Transport is the wire collaborator used by the Responder (to answer
// queries), the Publisher (to probe/announce/say goodbye) and the Browser
// (to query and receive responses).
type Transport interface {
	// Query sends a single question with the given name and type.
	Query(ctx context.Context, name string, qtype uint16) error

	// Respond sends a response message, typically carrying Answer and
	// Extra (additional) records.
	Respond(ctx context.Context, msg *dns.Msg) error

	// Queries yields inbound query packets (msg.Response == false).
	Queries() <-chan *Packet

	// Responses yields inbound response packets (msg.Response == true).
	Responses() <-chan *Packet

	// Close releases the transport's sockets. It is safe to call more
	// than once.
	Close() error
}

// Port is the standard mDNS UDP port.
const Port = 5353

// DefaultGroupIPv4 is the standard mDNS IPv4 multicast group.
//
// See https://tools.ietf.org/html/rfc6762#section-3.
var DefaultGroupIPv4 = net.ParseIP("224.0.0.251")

// DefaultGroupIPv6 is the standard mDNS IPv6 multicast group.
var DefaultGroupIPv6 = net.ParseIP("ff02::fb")
