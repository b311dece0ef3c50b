// Package browser implements active mDNS service discovery: it issues PTR
// queries, ingests responses into a set of known services, tracks each
// service's lifetime via a per-service TTL timer, and emits up/down/update
// transitions under an optional match Filter.
package browser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/discovery"
	"github.com/arnegard/mdnssd/internal/bus"
	"github.com/arnegard/mdnssd/servicetype"
	"github.com/arnegard/mdnssd/transport"
)

// wildcardDomain is the DNS-SD service-type enumeration name used when no
// filter is supplied, per RFC 6763 section 9.
const wildcardDomain = "_services._dns-sd._udp.local"

// Matcher is either an exact, case-insensitive string or a compiled regexp.
// Use StringMatch or RegexMatch to build one.
type Matcher struct {
	exact string
	re    *regexp.Regexp
}

// StringMatch returns a Matcher requiring an exact, case-insensitive match.
func StringMatch(s string) Matcher { return Matcher{exact: s} }

// RegexMatch returns a Matcher requiring re to match the candidate string.
func RegexMatch(re *regexp.Regexp) Matcher { return Matcher{re: re} }

func (m Matcher) isZero() bool {
	return m.exact == "" && m.re == nil
}

func (m Matcher) match(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.EqualFold(m.exact, s)
}

// Filter narrows discovery to services of a given type/protocol, optionally
// further narrowed by subtype, instance name and TXT content.
type Filter struct {
	Protocol string
	Type     string
	Subtypes []string
	Name     Matcher
	Txt      map[string]Matcher
}

// queryNames returns the PTR question names this filter should be queried
// with, per the spec's query-name construction rule.
func (f Filter) queryNames() []string {
	if f.Type == "" && f.Protocol == "" {
		return []string{wildcardDomain}
	}

	st := servicetype.ServiceType{Name: f.Type, Protocol: f.Protocol}
	typeLocal := st.String() + ".local"

	var bases []string
	if len(f.Subtypes) > 0 {
		for _, sub := range f.Subtypes {
			subType := servicetype.ServiceType{Name: f.Type, Protocol: f.Protocol, Subtype: sub}
			bases = append(bases, subType.String()+".local")
		}
	} else {
		bases = append(bases, typeLocal)
	}

	if !f.Name.isZero() && f.Name.re == nil {
		for i, b := range bases {
			bases[i] = f.Name.exact + "." + b
		}
	}

	return bases
}

func (f Filter) match(ds *discovery.DiscoveredService) bool {
	if f.Protocol != "" && !strings.EqualFold(f.Protocol, ds.Protocol) {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, ds.Type) {
		return false
	}

	for _, want := range f.Subtypes {
		found := false
		for _, have := range ds.Subtypes {
			if strings.EqualFold(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.Name.isZero() && !f.Name.match(ds.Name) {
		return false
	}

	for k, m := range f.Txt {
		v, ok := ds.Txt[k]
		if !ok || !m.match(v) {
			return false
		}
	}

	return true
}

// Option configures a Browser created by New.
type Option func(*Browser)

// WithLogger sets the logger used to report soft failures.
func WithLogger(l logging.Logger) Option {
	return func(b *Browser) { b.logger = l }
}

// Browser actively discovers services matching an optional Filter.
type Browser struct {
	filter    Filter
	transport transport.Transport
	bus       *bus.Bus
	logger    logging.Logger

	onUp     func(*discovery.DiscoveredService)
	onDown   func(*discovery.DiscoveredService)
	onUpdate func(*discovery.DiscoveredService)

	mu          sync.Mutex
	unsubscribe func()
	known       map[string]*discovery.DiscoveredService
	timers      map[string]*time.Timer
}

// New returns a Browser for filter, using t to send queries and b to
// receive responses.
func New(filter Filter, t transport.Transport, b *bus.Bus, opts ...Option) *Browser {
	br := &Browser{
		filter:    filter,
		transport: t,
		bus:       b,
		logger:    logging.DefaultLogger,
		known:     map[string]*discovery.DiscoveredService{},
		timers:    map[string]*time.Timer{},
	}

	for _, opt := range opts {
		opt(br)
	}

	return br
}

// OnUp registers a callback fired when a service starts matching the
// filter.
func (b *Browser) OnUp(fn func(*discovery.DiscoveredService)) { b.onUp = fn }

// OnDown registers a callback fired when a known service goes away, either
// via goodbye, TTL expiry, or no longer matching after an update.
func (b *Browser) OnDown(fn func(*discovery.DiscoveredService)) { b.onDown = fn }

// OnUpdate registers a callback fired when a known, still-matching service
// is refreshed by a new response.
func (b *Browser) OnUpdate(fn func(*discovery.DiscoveredService)) { b.onUpdate = fn }

// Start registers the response listener and issues the initial PTR
// queries.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.unsubscribe != nil {
		b.mu.Unlock()
		return nil
	}
	b.unsubscribe = b.bus.Subscribe(func(pkt *transport.Packet) {
		b.handle(pkt)
	})
	b.mu.Unlock()

	return b.Update(ctx)
}

// Update re-issues the PTR queries for the browser's current query names,
// without resetting the known set.
func (b *Browser) Update(ctx context.Context) error {
	var errs []error
	for _, name := range b.filter.queryNames() {
		if err := b.transport.Query(ctx, name, dns.TypePTR); err != nil {
			errs = append(errs, fmt.Errorf("browser: query %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Stop detaches the listener, cancels every TTL timer and drops the known
// set. It is idempotent.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}

	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = map[string]*time.Timer{}
	b.known = map[string]*discovery.DiscoveredService{}
}

// Known returns a snapshot of the currently known, matching services.
func (b *Browser) Known() []*discovery.DiscoveredService {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*discovery.DiscoveredService, 0, len(b.known))
	for _, ds := range b.known {
		out = append(out, ds)
	}
	return out
}

func (b *Browser) handle(pkt *transport.Packet) {
	b.sweepGoodbyes(pkt.Message)

	now := time.Now()
	for _, ds := range discovery.Extract(pkt.Message, pkt.Remote, now) {
		b.mu.Lock()
		_, known := b.known[ds.FQDN]
		b.mu.Unlock()

		if known {
			b.updateService(ds)
		} else {
			b.addService(ds)
		}
	}
}

// sweepGoodbyes removes any known service named by a TTL-0 PTR in msg,
// before extraction runs on the same packet.
func (b *Browser) sweepGoodbyes(msg *dns.Msg) {
	all := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)

	for _, rr := range all {
		ptr, ok := rr.(*dns.PTR)
		if !ok || ptr.Hdr.Ttl != 0 {
			continue
		}
		b.removeService(strings.TrimSuffix(ptr.Ptr, "."))
	}
}

func (b *Browser) addService(ds *discovery.DiscoveredService) {
	if !b.filter.match(ds) {
		return
	}

	b.mu.Lock()
	b.known[ds.FQDN] = ds
	b.armTimer(ds)
	b.mu.Unlock()

	if b.onUp != nil {
		b.onUp(ds)
	}
}

func (b *Browser) updateService(ds *discovery.DiscoveredService) {
	if !b.filter.match(ds) {
		b.removeService(ds.FQDN)
		return
	}

	b.mu.Lock()
	b.known[ds.FQDN] = ds
	b.armTimer(ds)
	b.mu.Unlock()

	if b.onUpdate != nil {
		b.onUpdate(ds)
	}
}

func (b *Browser) removeService(fqdn string) {
	b.mu.Lock()
	ds, ok := b.known[fqdn]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.known, fqdn)
	if t, ok := b.timers[fqdn]; ok {
		t.Stop()
		delete(b.timers, fqdn)
	}
	b.mu.Unlock()

	if b.onDown != nil {
		b.onDown(ds)
	}
}

// armTimer replaces any existing TTL timer for ds with a new one. Callers
// must hold b.mu.
func (b *Browser) armTimer(ds *discovery.DiscoveredService) {
	if t, ok := b.timers[ds.FQDN]; ok {
		t.Stop()
	}

	fqdn := ds.FQDN
	b.timers[fqdn] = time.AfterFunc(time.Duration(ds.TTL)*time.Second, func() {
		b.mu.Lock()
		cur, ok := b.known[fqdn]
		expired := ok && cur.Expired(time.Now())
		b.mu.Unlock()

		if expired {
			b.removeService(fqdn)
		}
	})
}
