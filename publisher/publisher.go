// Package publisher implements the probe / announce / re-announce /
// goodbye state machine described in RFC 6762 sections 8.1-8.3 and 10.1.
// One Publisher is bound to one service.Service; it is the "registry"
// capability handle that Service notifies on Start/Stop.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/hostiface"
	"github.com/arnegard/mdnssd/internal/bus"
	"github.com/arnegard/mdnssd/mdnserr"
	"github.com/arnegard/mdnssd/record"
	"github.com/arnegard/mdnssd/responder"
	"github.com/arnegard/mdnssd/service"
	"github.com/arnegard/mdnssd/transport"
)

// maxProbeAttempts bounds the probe/rename loop per the spec's "up to 10
// attempts" resolution rule.
const maxProbeAttempts = 10

// probeInterval is the spacing between the three probe queries, and the
// upper bound of the pre-probe jitter, per RFC 6762 section 8.1. It is a
// var, rather than a const, so tests can shrink it.
var probeInterval = 250 * time.Millisecond

// initialAnnounceDelay and maxAnnounceDelay bound the exponential
// re-announce backoff, per RFC 6762 section 8.3. They are vars so tests
// can shrink the backoff ceiling.
var (
	initialAnnounceDelay = time.Second
	maxAnnounceDelay     = time.Hour
)

const announceDelayFactor = 3

// AddrLister supplies the local interface addresses used to build the
// service's A/AAAA records. It is satisfied by hostiface.LocalInterfaces.
type AddrLister func() ([]hostiface.InterfaceAddr, error)

// Option configures a Publisher created by New.
type Option func(*Publisher)

// WithLogger sets the logger used to report soft failures.
func WithLogger(l logging.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Publisher drives one service.Service through probing, announcing,
// re-announcing and goodbye.
type Publisher struct {
	svc        *service.Service
	responder  *responder.Responder
	transport  transport.Transport
	bus        *bus.Bus
	localAddrs AddrLister
	logger     logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	lastErr error
}

// New returns a Publisher for svc. Bind must be called once before
// svc.Start is used.
func New(
	svc *service.Service,
	r *responder.Responder,
	t transport.Transport,
	b *bus.Bus,
	addrs AddrLister,
	opts ...Option,
) *Publisher {
	p := &Publisher{
		svc:        svc,
		responder:  r,
		transport:  t,
		bus:        b,
		localAddrs: addrs,
		logger:     logging.DefaultLogger,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Bind installs this Publisher as svc's registry capability handle.
func (p *Publisher) Bind() {
	p.svc.SetHooks(p.onStart, p.onStop)
}

// Err returns the last error this Publisher observed, such as an
// exhausted name-conflict resolution. It is nil until a failure occurs.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Publisher) onStart(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)

	return nil
}

func (p *Publisher) onStop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if p.svc.Published() {
		return p.goodbye(ctx)
	}

	return nil
}

func (p *Publisher) run(ctx context.Context) {
	if p.svc.Options().Probe {
		if !p.probe(ctx) {
			return
		}
	}

	p.announce(ctx)
}

// probe runs the full probe/auto-resolve sequence. It returns true once
// probing has concluded "unique" and announcing should proceed, or false
// if the service was stopped, destroyed, or conflict resolution failed.
func (p *Publisher) probe(ctx context.Context) bool {
	base := p.svc.Name()

	for attempt := 1; attempt <= maxProbeAttempts; attempt++ {
		conflict, err := p.probeOnce(ctx)
		if err != nil {
			return false
		}

		if !conflict {
			return true
		}

		opts := p.svc.Options()
		if !opts.ProbeAutoResolve {
			p.fail(&mdnserr.NameConflict{Name: p.svc.Name()})
			return false
		}

		if attempt == maxProbeAttempts {
			p.fail(&mdnserr.NameConflict{Name: base, Attempts: attempt})
			return false
		}

		p.svc.Rename(fmt.Sprintf("%s (%d)", base, attempt+1))
	}

	return false
}

// probeOnce sends the three-query probe sequence for the service's
// current name and reports whether any response seen after the first
// query named the candidate fqdn.
func (p *Publisher) probeOnce(ctx context.Context) (conflict bool, err error) {
	if err := sleepCtx(ctx, randDuration(probeInterval)); err != nil {
		return false, err
	}

	if p.svc.Destroyed() || !p.svc.Started() {
		return false, errAborted
	}

	fqdn := p.svc.FQDN()

	var mu sync.Mutex
	var sent, conflicted bool

	unsubscribe := p.bus.Subscribe(func(pkt *transport.Packet) {
		mu.Lock()
		defer mu.Unlock()
		if sent && messageNames(pkt.Message, fqdn) {
			conflicted = true
		}
	})
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		if err := p.transport.Query(ctx, fqdn, dns.TypeANY); err != nil {
			p.logger.Log("publisher: probe query for %q failed: %s", fqdn, err)
		}

		if i == 0 {
			mu.Lock()
			sent = true
			mu.Unlock()
		}

		if i < 2 {
			if err := sleepCtx(ctx, probeInterval); err != nil {
				return false, err
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return conflicted, nil
}

// messageNames reports whether any answer or additional record in msg is
// owned by fqdn, under case-insensitive ASCII comparison.
func messageNames(msg *dns.Msg, fqdn string) bool {
	for _, rr := range msg.Answer {
		if recordNameEqual(rr, fqdn) {
			return true
		}
	}
	for _, rr := range msg.Extra {
		if recordNameEqual(rr, fqdn) {
			return true
		}
	}
	return false
}

func recordNameEqual(rr dns.RR, fqdn string) bool {
	return record.EqualName(dns.Fqdn(rr.Header().Name), dns.Fqdn(fqdn))
}

// announce registers the service's records and transmits them with the
// exponential re-announce cadence, until the delay reaches
// maxAnnounceDelay or ctx is canceled (service stopped or destroyed).
func (p *Publisher) announce(ctx context.Context) {
	delay := initialAnnounceDelay

	for {
		if p.svc.Destroyed() {
			return
		}

		recs := p.records()
		p.responder.Register(recs...)

		msg := new(dns.Msg)
		msg.Response = true
		msg.Answer = recs

		if err := p.transport.Respond(ctx, msg); err != nil {
			p.logger.Log("publisher: announce transmit failed: %s", err)
		} else {
			p.svc.MarkPublished()
		}

		if delay >= maxAnnounceDelay {
			return
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return
		}

		delay *= announceDelayFactor
	}
}

// goodbye sends a TTL-0 record set for the service and unregisters it
// from the Responder, per RFC 6762 section 10.1.
func (p *Publisher) goodbye(ctx context.Context) error {
	recs := p.records()
	for _, rr := range recs {
		rr.Header().Ttl = 0
	}

	p.responder.Unregister(recs...)

	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = recs

	err := p.transport.Respond(ctx, msg)
	p.svc.MarkUnpublished()

	if err != nil {
		return &mdnserr.Transport{Op: "goodbye", Err: err}
	}

	return nil
}

func (p *Publisher) records() []dns.RR {
	var addrs []hostiface.InterfaceAddr
	if p.localAddrs != nil {
		if a, err := p.localAddrs(); err == nil {
			addrs = a
		} else {
			p.logger.Log("publisher: error enumerating local interfaces: %s", err)
		}
	}

	return p.svc.GetRecords(p.svc.Options().TTL, addrs)
}

func (p *Publisher) fail(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	p.logger.Log("publisher: %s", err)

	_ = p.svc.Stop(context.Background())
}

var errAborted = fmt.Errorf("publisher: aborted")
