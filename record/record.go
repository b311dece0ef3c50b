// Package record provides construction helpers for the DNS-SD resource
// records used throughout mdnssd. Records are represented directly as
// github.com/miekg/dns resource records; this package carries no behavior
// beyond building and comparing them, matching the teacher library's own
// Instance.PTR/SRV/TXT/A/AAAA helpers.
package record

import (
	"net"
	"reflect"

	"github.com/miekg/dns"
)

// header builds the common RR_Header shared by every record type.
func header(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    ttl,
	}
}

// NewPTR builds a PTR record owned by name, pointing at target.
func NewPTR(name, target string, ttl uint32) *dns.PTR {
	return &dns.PTR{
		Hdr: header(name, dns.TypePTR, ttl),
		Ptr: dns.Fqdn(target),
	}
}

// NewSRV builds an SRV record owned by name. Priority and weight are fixed
// at 0 per the spec this library implements.
func NewSRV(name, target string, port uint16, ttl uint32) *dns.SRV {
	return &dns.SRV{
		Hdr:      header(name, dns.TypeSRV, ttl),
		Priority: 0,
		Weight:   0,
		Port:     port,
		Target:   dns.Fqdn(target),
	}
}

// NewTXT builds a TXT record owned by name from an already-encoded list of
// "key=value" byte strings.
func NewTXT(name string, data [][]byte, ttl uint32) *dns.TXT {
	txt := &dns.TXT{
		Hdr: header(name, dns.TypeTXT, ttl),
	}

	for _, d := range data {
		txt.Txt = append(txt.Txt, string(d))
	}

	return txt
}

// NewA builds an A record owned by name for an IPv4 address.
func NewA(name string, ip net.IP, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: header(name, dns.TypeA, ttl),
		A:   ip,
	}
}

// NewAAAA builds an AAAA record owned by name for an IPv6 address.
func NewAAAA(name string, ip net.IP, ttl uint32) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  header(name, dns.TypeAAAA, ttl),
		AAAA: ip,
	}
}

// EqualName reports whether a and b name the same DNS owner, comparing
// case-insensitively over ASCII A-Z only, per RFC 6762 section 6.2.
func EqualName(a, b string) bool {
	return asciiLower(a) == asciiLower(b)
}

// asciiLower lowercases only the ASCII A-Z range, leaving any non-ASCII
// byte untouched so names carrying non-ASCII bytes compare byte-exact.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Equal reports whether a and b carry the same record type, owner name and
// rdata, ignoring TTL and class, per the Responder's register/unregister
// deduplication rule.
func Equal(a, b dns.RR) bool {
	if a.Header().Rrtype != b.Header().Rrtype {
		return false
	}

	if !EqualName(a.Header().Name, b.Header().Name) {
		return false
	}

	return reflect.DeepEqual(rdata(a), rdata(b))
}

// rdata strips the header from rr so only the type-specific data is
// compared by Equal.
func rdata(rr dns.RR) dns.RR {
	clone := dns.Copy(rr)
	*clone.Header() = dns.RR_Header{}
	return clone
}
