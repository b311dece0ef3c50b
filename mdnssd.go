// Package mdnssd is a Multicast DNS Service Discovery (RFC 6762/6763)
// library: publish a service instance on the local network, browse for
// instances of a service type, or resolve a single one by filter.
//
// A Handle owns one transport and one Responder shared by every Publisher
// session it starts, and the Browser sessions its caller starts.
package mdnssd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"golang.org/x/sync/errgroup"

	"github.com/arnegard/mdnssd/browser"
	"github.com/arnegard/mdnssd/discovery"
	"github.com/arnegard/mdnssd/hostiface"
	"github.com/arnegard/mdnssd/internal/bus"
	"github.com/arnegard/mdnssd/publisher"
	"github.com/arnegard/mdnssd/responder"
	"github.com/arnegard/mdnssd/service"
	"github.com/arnegard/mdnssd/transport"
)

// Option configures a Handle created by New.
type Option func(*config)

type config struct {
	groupIPv4 net.IP
	groupIPv6 net.IP
	port      int
	multicast bool
	logger    logging.Logger
}

// WithGroupIP overrides the multicast group address joined for the given
// address family ("ip4" or "ip6"). It panics if network is neither.
func WithGroupIP(network string, ip net.IP) Option {
	return func(c *config) {
		switch network {
		case "ip4":
			c.groupIPv4 = ip
		case "ip6":
			c.groupIPv6 = ip
		default:
			panic(fmt.Sprintf("mdnssd: unknown network %q", network))
		}
	}
}

// WithPort overrides the UDP port used for send and receive. It defaults
// to the standard mDNS port, 5353.
func WithPort(port int) Option {
	return func(c *config) { c.port = port }
}

// WithMulticast controls whether the Handle's transport joins the
// multicast groups on every interface (the default, true) or binds a
// unicast loopback socket instead, for tests.
func WithMulticast(enabled bool) Option {
	return func(c *config) { c.multicast = enabled }
}

// WithLogger sets the logger used across the Handle's Responder, Publisher
// and Browser sessions.
func WithLogger(l logging.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Handle is the entry point for publishing and browsing. It owns one
// Transport and one Responder, shared by every session it creates.
type Handle struct {
	transport *transport.UDPTransport
	responder *responder.Responder
	bus       *bus.Bus
	logger    logging.Logger

	mu         sync.Mutex
	publishers map[*service.Service]*publisher.Publisher
	browsers   []*browser.Browser
}

// New opens a Handle's transport and starts its Responder and internal
// message bus.
func New(opts ...Option) (*Handle, error) {
	c := &config{
		port:      transport.Port,
		multicast: true,
		logger:    logging.DefaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}

	t, err := transport.NewUDPTransport(transport.Config{
		GroupIPv4: c.groupIPv4,
		GroupIPv6: c.groupIPv6,
		Port:      c.port,
		Multicast: c.multicast,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}

	r := responder.New(responder.WithSender(t), responder.WithLogger(c.logger))

	h := &Handle{
		transport:  t,
		responder:  r,
		logger:     c.logger,
		publishers: map[*service.Service]*publisher.Publisher{},
	}

	h.bus = bus.New(t, func(ctx context.Context, pkt *transport.Packet) {
		if err := r.Respond(ctx, pkt.Message); err != nil {
			h.logger.Log("mdnssd: error answering query: %s", err)
		}
	})

	return h, nil
}

// Publish creates, binds and starts a Service for opts.
func (h *Handle) Publish(ctx context.Context, opts service.Options) (*service.Service, error) {
	svc, err := service.New(opts)
	if err != nil {
		return nil, err
	}

	p := publisher.New(svc, h.responder, h.transport, h.bus, hostiface.LocalInterfaces, publisher.WithLogger(h.logger))
	p.Bind()

	h.mu.Lock()
	h.publishers[svc] = p
	h.mu.Unlock()

	if err := svc.Start(ctx); err != nil {
		h.mu.Lock()
		delete(h.publishers, svc)
		h.mu.Unlock()
		return nil, err
	}

	return svc, nil
}

// Browse creates and starts a Browser for filter.
func (h *Handle) Browse(ctx context.Context, filter browser.Filter) (*browser.Browser, error) {
	br := browser.New(filter, h.transport, h.bus, browser.WithLogger(h.logger))

	h.mu.Lock()
	h.browsers = append(h.browsers, br)
	h.mu.Unlock()

	if err := br.Start(ctx); err != nil {
		return nil, err
	}

	return br, nil
}

// FindOne browses under filter and resolves with the first matching
// DiscoveredService, or ok=false if timeout elapses first. Either outcome
// stops the internal browser.
func (h *Handle) FindOne(ctx context.Context, filter browser.Filter, timeout time.Duration) (*discovery.DiscoveredService, bool, error) {
	br := browser.New(filter, h.transport, h.bus, browser.WithLogger(h.logger))
	defer br.Stop()

	found := make(chan *discovery.DiscoveredService, 1)
	br.OnUp(func(ds *discovery.DiscoveredService) {
		select {
		case found <- ds:
		default:
		}
	})

	if err := br.Start(ctx); err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ds := <-found:
		return ds, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// UnpublishAll sends goodbye for every service published through this
// Handle and clears the set, even if a transmit errors. Goodbyes are sent
// concurrently; UnpublishAll waits for all of them before returning.
func (h *Handle) UnpublishAll(ctx context.Context) error {
	h.mu.Lock()
	svcs := make([]*service.Service, 0, len(h.publishers))
	for svc := range h.publishers {
		svcs = append(svcs, svc)
	}
	h.publishers = map[*service.Service]*publisher.Publisher{}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		svc := svc
		g.Go(func() error {
			return svc.Stop(gctx)
		})
	}

	return g.Wait()
}

// Shutdown stops every browser and publisher session, releases the
// transport's sockets, and stops the internal message bus. Publisher
// sessions are stopped through UnpublishAll, so published services send
// goodbye first; Shutdown does not mark services destroyed.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	browsers := append([]*browser.Browser{}, h.browsers...)
	h.browsers = nil
	h.mu.Unlock()

	for _, br := range browsers {
		br.Stop()
	}

	err := h.UnpublishAll(ctx)

	h.bus.Close()
	if cerr := h.transport.Close(); err == nil {
		err = cerr
	}

	return err
}
