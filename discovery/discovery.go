// Package discovery extracts DiscoveredService values from an inbound mDNS
// response packet, per RFC 6763's PTR -> SRV/TXT -> A/AAAA resolution
// chain, and tracks their RFC 6762 section 10 TTL-based expiry.
package discovery

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/record"
	"github.com/arnegard/mdnssd/servicetype"
	"github.com/arnegard/mdnssd/transport"
	"github.com/arnegard/mdnssd/txtrecord"
)

// DiscoveredService is a service instance learned from the network.
type DiscoveredService struct {
	Name     string
	FQDN     string
	Host     string
	Port     uint16
	Referer  transport.RemoteInfo
	Type     string
	Protocol string
	Subtypes  []string
	Addresses []net.IP

	Txt    map[string]string
	RawTxt map[string][]byte

	// TTL is the PTR record's TTL, in seconds. Per this library's
	// deliberate simplification (preserved from the system it replaces),
	// it is used as the whole service's TTL; SRV and TXT TTLs are
	// ignored.
	TTL uint32

	LastSeen time.Time
}

// Expired reports whether s's TTL has elapsed as of now.
func (s *DiscoveredService) Expired(now time.Time) bool {
	return now.After(s.LastSeen.Add(time.Duration(s.TTL) * time.Second))
}

// Extract builds a DiscoveredService for every PTR record in msg's
// combined Answer+Extra set that resolves to an SRV record, per section
// 4.G of the spec this package implements. A TTL of 0 marks a goodbye and
// is excluded; callers handle goodbyes separately before calling Extract.
func Extract(msg *dns.Msg, referer transport.RemoteInfo, now time.Time) []*DiscoveredService {
	all := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	for _, rr := range msg.Answer {
		if rr.Header().Ttl > 0 {
			all = append(all, rr)
		}
	}
	for _, rr := range msg.Extra {
		if rr.Header().Ttl > 0 {
			all = append(all, rr)
		}
	}

	var out []*DiscoveredService

	for _, rr := range all {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}

		srv := findSRV(all, ptr.Ptr)
		if srv == nil {
			continue
		}

		ds := &DiscoveredService{
			FQDN:     strings.TrimSuffix(srv.Hdr.Name, "."),
			Name:     firstLabel(srv.Hdr.Name),
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     srv.Port,
			Referer:  referer,
			TTL:      ptr.Hdr.Ttl,
			LastSeen: now,
		}

		if st, err := typeAndProtocol(srv.Hdr.Name); err == nil {
			ds.Type = st.Name
			ds.Protocol = st.Protocol
		}

		var rawTxt [][]byte
		for _, r := range all {
			txt, ok := r.(*dns.TXT)
			if !ok || !record.EqualName(txt.Hdr.Name, srv.Hdr.Name) {
				continue
			}
			for _, s := range txt.Txt {
				rawTxt = append(rawTxt, []byte(s))
			}
		}
		if rawTxt != nil {
			ds.Txt = txtrecord.Decode(rawTxt)
			ds.RawTxt = txtrecord.DecodeBinary(rawTxt)
		}

		for _, r := range all {
			p, ok := r.(*dns.PTR)
			if !ok || !record.EqualName(p.Ptr, ptr.Ptr) {
				continue
			}
			if !strings.Contains(p.Hdr.Name, "._sub.") {
				continue
			}
			if st, err := servicetype.Parse(strings.TrimSuffix(p.Hdr.Name, ".")); err == nil && st.Subtype != "" {
				ds.Subtypes = append(ds.Subtypes, st.Subtype)
			}
		}

		for _, r := range all {
			switch a := r.(type) {
			case *dns.A:
				if record.EqualName(a.Hdr.Name, srv.Target) {
					ds.Addresses = append(ds.Addresses, a.A)
				}
			case *dns.AAAA:
				if record.EqualName(a.Hdr.Name, srv.Target) {
					ds.Addresses = append(ds.Addresses, a.AAAA)
				}
			}
		}

		out = append(out, ds)
	}

	return out
}

func findSRV(all []dns.RR, name string) *dns.SRV {
	for _, rr := range all {
		if srv, ok := rr.(*dns.SRV); ok && record.EqualName(srv.Hdr.Name, name) {
			return srv
		}
	}
	return nil
}

func firstLabel(name string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.Index(name, "."); i != -1 {
		return name[:i]
	}
	return name
}

// typeAndProtocol parses the type and protocol labels (labels 2..n-1) out
// of a service instance's FQDN, e.g. "Foo._http._tcp.local" -> http, tcp.
func typeAndProtocol(fqdn string) (servicetype.ServiceType, error) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	i := strings.Index(fqdn, ".")
	if i == -1 {
		return servicetype.ServiceType{}, &parseError{fqdn}
	}
	rest := fqdn[i+1:]

	// rest is "<type>.<proto>.local" (plus any trailing labels); strip the
	// local-TLD label DNS-SD always appends.
	j := strings.LastIndex(rest, ".")
	if j == -1 {
		return servicetype.ServiceType{}, &parseError{fqdn}
	}
	withoutTLD := rest[:j]

	return servicetype.Parse(withoutTLD)
}

type parseError struct{ fqdn string }

func (e *parseError) Error() string {
	return "discovery: cannot parse type/protocol from " + e.fqdn
}
