// Package service defines the advertised Service: the options a caller
// supplies to publish something, the lifecycle state machine described in
// the spec (started/published/destroyed), and the record-set builder that
// turns a Service into the PTR/SRV/TXT/A/AAAA records an mDNS responder
// announces.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/hostiface"
	"github.com/arnegard/mdnssd/mdnserr"
	"github.com/arnegard/mdnssd/record"
	"github.com/arnegard/mdnssd/servicetype"
	"github.com/arnegard/mdnssd/txtrecord"
)

// LocalTLD is the DNS-SD local domain label used for every name this
// library constructs.
const LocalTLD = "local"

// DefaultTTL is the TTL, in seconds, applied to a Service's records when
// Options.TTL is left at zero.
const DefaultTTL = 28800

// Options describes a service to publish.
type Options struct {
	// Protocol is the DNS-SD protocol label, such as "tcp" or "udp". It
	// defaults to "tcp" when empty.
	Protocol string

	// Type is the DNS-SD service name label, such as "http" (without a
	// leading underscore).
	Type string

	// Subtypes are additional selective-instance-enumeration labels
	// advertised alongside Type.
	Subtypes []string

	// Name is the service instance name, such as "My Printer". Dots are
	// sanitized to dashes, since a dot would otherwise be read as a label
	// separator.
	Name string

	// Host is the target hostname the SRV record and address records are
	// owned by. It defaults to the process hostname.
	Host string

	// Port is the TCP/UDP port the service listens on. It must be in
	// [1, 65535].
	Port int

	// Txt is the key/value data encoded into the TXT record. TxtKeys
	// controls iteration order; keys of Txt not present in TxtKeys are
	// appended afterward in map order.
	Txt     map[string]any
	TxtKeys []string

	// TTL is the TTL, in seconds, applied to every record this service
	// produces. It defaults to DefaultTTL.
	TTL uint32

	// Probe enables the RFC 6762 section 8.1 probing sequence before
	// announcing.
	Probe bool

	// ProbeAutoResolve enables automatic renaming ("Name (2)", "Name (3)",
	// ...) when probing detects a name conflict.
	ProbeAutoResolve bool

	// DisableIPv6 skips AAAA records in the built record set.
	DisableIPv6 bool
}

// Service is one service instance being advertised. It carries its own
// lifecycle state (started / published / destroyed) and, once started,
// notifies its owning Publisher session via the hook functions installed
// with SetHooks.
type Service struct {
	mu   sync.Mutex
	opts Options

	fqdn      string
	typeLocal string

	started   bool
	published bool
	destroyed bool

	onStart func(ctx context.Context) error
	onStop  func(ctx context.Context) error

	upListeners   []func(*Service)
	downListeners []func(*Service)
}

// New validates opts and returns a new, not-yet-started Service.
func New(opts Options) (*Service, error) {
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, &mdnserr.InvalidInput{
			Field:  "port",
			Reason: "must be in the range [1, 65535]",
		}
	}

	if opts.Protocol == "" {
		opts.Protocol = "tcp"
	}

	if _, err := servicetype.Parse(fmt.Sprintf("_%s._%s", opts.Type, opts.Protocol)); err != nil {
		return nil, err
	}

	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}

	opts.Name = strings.ReplaceAll(opts.Name, ".", "-")

	if opts.Host == "" {
		h, err := hostiface.Hostname()
		if err != nil {
			return nil, err
		}
		opts.Host = h
	}

	s := &Service{opts: opts}
	s.recomputeNames()

	return s, nil
}

// recomputeNames derives typeLocal and fqdn from the current options. It
// is called again after a probe-driven rename.
func (s *Service) recomputeNames() {
	st := servicetype.ServiceType{Name: s.opts.Type, Protocol: s.opts.Protocol}
	s.typeLocal = st.String() + "." + LocalTLD
	s.fqdn = s.opts.Name + "." + s.typeLocal
}

// Options returns a copy of the service's current options.
func (s *Service) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Name returns the service instance's current name (post any probe
// auto-resolve renaming).
func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Name
}

// FQDN returns the service's fully-qualified name.
func (s *Service) FQDN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fqdn
}

// TypeLocal returns "<type>.local", the PTR name used for plain
// (non-subtype) instance enumeration.
func (s *Service) TypeLocal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeLocal
}

// Rename replaces the service's instance name (used by the Publisher's
// probe auto-resolve) and recomputes the derived names.
func (s *Service) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Name = name
	s.recomputeNames()
}

// SetHooks installs the capability handle a Publisher session uses to
// learn about Start/Stop calls, per the spec's registry back-reference
// design. It must be called before Start.
func (s *Service) SetHooks(onStart, onStop func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = onStart
	s.onStop = onStop
}

// Started reports whether the service is between Start and Stop.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Published reports whether the service has completed at least one
// successful announce transmit.
func (s *Service) Published() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Destroyed reports whether the service has been permanently torn down.
func (s *Service) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Start transitions the service to started and invokes the registry hook.
// It is a no-op if the service is destroyed or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed || s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	hook := s.onStart
	s.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// Stop transitions the service out of started and invokes the registry
// hook. It is a no-op for a service that is not started.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	hook := s.onStop
	s.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// Destroy marks the service destroyed, inhibiting any future probe,
// announce or goodbye work. It does not itself send a goodbye packet; per
// the spec's preserved open question, callers that want graceful teardown
// must call the registry's UnpublishAll before destroying.
func (s *Service) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.started = false
}

// MarkPublished records that the service has completed its first
// successful announce transmit and fires the "up" event.
func (s *Service) MarkPublished() {
	s.mu.Lock()
	if s.published {
		s.mu.Unlock()
		return
	}
	s.published = true
	listeners := append([]func(*Service){}, s.upListeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// MarkUnpublished records that goodbye has been sent and fires the "down"
// event.
func (s *Service) MarkUnpublished() {
	s.mu.Lock()
	if !s.published {
		s.mu.Unlock()
		return
	}
	s.published = false
	listeners := append([]func(*Service){}, s.downListeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// OnUp registers a callback fired when the service is published.
func (s *Service) OnUp(fn func(*Service)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upListeners = append(s.upListeners, fn)
}

// OnDown registers a callback fired when the service's goodbye has been
// sent.
func (s *Service) OnDown(fn func(*Service)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downListeners = append(s.downListeners, fn)
}

// GetRecords builds the full record set for this service, in the order
// described by the service builder spec: instance PTR, SRV, TXT, the
// service-type enumeration PTR, one PTR per subtype, then an A or AAAA
// record for each eligible local interface address.
func (s *Service) GetRecords(ttl uint32, addrs []hostiface.InterfaceAddr) []dns.RR {
	s.mu.Lock()
	opts := s.opts
	fqdn := s.fqdn
	typeLocal := s.typeLocal
	s.mu.Unlock()

	var out []dns.RR

	out = append(out, record.NewPTR(typeLocal, fqdn, ttl))
	out = append(out, record.NewSRV(fqdn, opts.Host, uint16(opts.Port), ttl))
	out = append(out, record.NewTXT(fqdn, encodeTxt(opts), ttl))
	out = append(out, record.NewPTR(enumerationDomain, typeLocal, ttl))

	for _, sub := range opts.Subtypes {
		st := servicetype.ServiceType{Name: opts.Type, Protocol: opts.Protocol, Subtype: sub}
		out = append(out, record.NewPTR(st.String()+"."+LocalTLD, fqdn, ttl))
	}

	for _, a := range addrs {
		if a.Internal || a.MAC == hostiface.ZeroMAC {
			continue
		}
		if a.Family == "IPv6" {
			if opts.DisableIPv6 {
				continue
			}
			out = append(out, record.NewAAAA(opts.Host, a.Address, ttl))
		} else {
			out = append(out, record.NewA(opts.Host, a.Address, ttl))
		}
	}

	return out
}

// enumerationDomain is the reserved name queried to perform DNS-SD
// service-type enumeration, per RFC 6763 section 9.
const enumerationDomain = "_services._dns-sd._udp." + LocalTLD

func encodeTxt(opts Options) [][]byte {
	keys := append([]string{}, opts.TxtKeys...)

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}

	for k := range opts.Txt {
		if !seen[k] {
			keys = append(keys, k)
		}
	}

	return txtrecord.Encode(keys, opts.Txt)
}
