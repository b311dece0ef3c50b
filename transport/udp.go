package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const bufferSize = 65536

var buffers = sync.Pool{
	New: func() interface{} {
		return make([]byte, bufferSize)
	},
}

// Config configures a UDPTransport created by NewUDPTransport.
type Config struct {
	// GroupIPv4 and GroupIPv6 are the multicast group addresses joined
	// when Multicast is true. They default to the standard mDNS groups.
	GroupIPv4 net.IP
	GroupIPv6 net.IP

	// Port is the UDP port bound for both sending and receiving.
	// It defaults to the standard mDNS port, 5353.
	Port int

	// Multicast enables multicast send/receive on every multicast-capable
	// interface. When false, the transport binds a unicast loopback
	// socket instead, for tests and unicast-only environments.
	Multicast bool

	Logger logging.Logger
}

func (c *Config) setDefaults() {
	if c.GroupIPv4 == nil {
		c.GroupIPv4 = DefaultGroupIPv4
	}
	if c.GroupIPv6 == nil {
		c.GroupIPv6 = DefaultGroupIPv6
	}
	if c.Port == 0 {
		c.Port = Port
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger
	}
}

// UDPTransport is the default Transport, sending and receiving mDNS
// messages over UDP sockets.
type UDPTransport struct {
	cfg Config

	v4conn *net.UDPConn
	v6conn *net.UDPConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn

	group4 *net.UDPAddr
	group6 *net.UDPAddr

	queries   chan *Packet
	responses chan *Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPTransport opens the sockets described by cfg and starts reading
// inbound packets in the background.
func NewUDPTransport(cfg Config) (*UDPTransport, error) {
	cfg.setDefaults()

	t := &UDPTransport{
		cfg:       cfg,
		group4:    &net.UDPAddr{IP: cfg.GroupIPv4, Port: cfg.Port},
		group6:    &net.UDPAddr{IP: cfg.GroupIPv6, Port: cfg.Port},
		queries:   make(chan *Packet, 32),
		responses: make(chan *Packet, 32),
		closed:    make(chan struct{}),
	}

	if cfg.Multicast {
		if err := t.listenMulticast(); err != nil {
			return nil, err
		}
	} else {
		if err := t.listenUnicast(); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *UDPTransport) listenMulticast() error {
	v4conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: t.cfg.Port})
	if err != nil {
		return err
	}
	t.v4conn = v4conn
	t.pc4 = ipv4.NewPacketConn(v4conn)
	t.pc4.SetControlMessage(ipv4.FlagInterface, true)

	v6conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: t.cfg.Port})
	if err != nil {
		v4conn.Close()
		return err
	}
	t.v6conn = v6conn
	t.pc6 = ipv6.NewPacketConn(v6conn)
	t.pc6.SetControlMessage(ipv6.FlagInterface, true)

	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}

	joined4, joined6 := 0, 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		if err := t.pc4.JoinGroup(&iface, t.group4); err == nil {
			joined4++
		} else {
			t.cfg.Logger.Log("transport: unable to join IPv4 group on %s: %s", iface.Name, err)
		}

		if err := t.pc6.JoinGroup(&iface, t.group6); err == nil {
			joined6++
		} else {
			t.cfg.Logger.Log("transport: unable to join IPv6 group on %s: %s", iface.Name, err)
		}
	}

	if joined4 == 0 && joined6 == 0 {
		t.Close()
		return errors.New("transport: unable to join the mDNS multicast group on any interface")
	}

	go t.read(t.pc4, true)
	go t.read(t.pc6, false)

	return nil
}

func (t *UDPTransport) listenUnicast() error {
	v4conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.cfg.Port})
	if err != nil {
		return err
	}
	t.v4conn = v4conn
	t.pc4 = ipv4.NewPacketConn(v4conn)
	t.pc4.SetControlMessage(ipv4.FlagInterface, true)

	go t.read(t.pc4, true)

	return nil
}

func (t *UDPTransport) read(pc interface{}, isV4 bool) {
	for {
		buf := buffers.Get().([]byte)

		var (
			n   int
			src net.Addr
			err error
		)

		switch conn := pc.(type) {
		case *ipv4.PacketConn:
			n, _, src, err = conn.ReadFrom(buf)
		case *ipv6.PacketConn:
			n, _, src, err = conn.ReadFrom(buf)
		}

		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.cfg.Logger.Log("transport: read error: %s", err)
				return
			}
		}

		data := buf[:n]
		msg := new(dns.Msg)
		if uerr := msg.Unpack(data); uerr != nil {
			t.cfg.Logger.Log("transport: error decoding mDNS message: %s", uerr)
			buffers.Put(buf[:bufferSize])
			continue
		}

		family := "IPv6"
		if isV4 {
			family = "IPv4"
		}

		host, portStr, _ := net.SplitHostPort(src.String())
		port, _ := strconv.Atoi(portStr)

		packet := &Packet{
			Message: msg,
			Remote: RemoteInfo{
				Address: host,
				Family:  family,
				Port:    port,
				Size:    n,
			},
		}

		ch := t.responses
		if !msg.Response {
			ch = t.queries
		}

		select {
		case ch <- packet:
		case <-t.closed:
			buffers.Put(buf[:bufferSize])
			return
		}

		buffers.Put(buf[:bufferSize])
	}
}

// Query sends a single question of the given name and type.
func (t *UDPTransport) Query(ctx context.Context, name string, qtype uint16) error {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}}

	return t.send(msg)
}

// Respond sends a response message.
func (t *UDPTransport) Respond(ctx context.Context, msg *dns.Msg) error {
	msg.Response = true
	return t.send(msg)
}

func (t *UDPTransport) send(msg *dns.Msg) error {
	data, err := msg.Pack()
	if err != nil {
		return err
	}

	var errs []error

	if t.pc4 != nil {
		if _, err := t.pc4.WriteTo(data, nil, t.group4); err != nil {
			errs = append(errs, err)
		}
	}

	if t.pc6 != nil {
		if _, err := t.pc6.WriteTo(data, nil, t.group6); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Queries returns the channel of inbound query packets.
func (t *UDPTransport) Queries() <-chan *Packet {
	return t.queries
}

// Responses returns the channel of inbound response packets.
func (t *UDPTransport) Responses() <-chan *Packet {
	return t.responses
}

// Close closes the transport's sockets. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.v4conn != nil {
			err = t.v4conn.Close()
		}
		if t.v6conn != nil {
			if cerr := t.v6conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
