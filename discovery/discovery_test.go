package discovery_test

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/onsi/ginkgo"
	"github.com/onsi/gomega"

	"github.com/arnegard/mdnssd/discovery"
	"github.com/arnegard/mdnssd/transport"
)

func TestDiscovery(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "discovery")
}

var _ = ginkgo.Describe("Extract", func() {
	var now time.Time

	ginkgo.BeforeEach(func() {
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	ginkgo.It("builds a DiscoveredService from a PTR/SRV/TXT/A response", func() {
		msg := &dns.Msg{
			Answer: []dns.RR{
				&dns.PTR{
					Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Ttl: 120},
					Ptr: "Printer._http._tcp.local.",
				},
			},
			Extra: []dns.RR{
				&dns.SRV{
					Hdr:    dns.RR_Header{Name: "Printer._http._tcp.local.", Rrtype: dns.TypeSRV, Ttl: 120},
					Target: "host.local.",
					Port:   8080,
				},
				&dns.TXT{
					Hdr: dns.RR_Header{Name: "Printer._http._tcp.local.", Rrtype: dns.TypeTXT, Ttl: 120},
					Txt: []string{"color=yes"},
				},
				&dns.A{
					Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeA, Ttl: 120},
					A:   []byte{192, 168, 1, 2},
				},
			},
		}

		out := discovery.Extract(msg, transport.RemoteInfo{Address: "192.168.1.2"}, now)
		gomega.Expect(out).To(gomega.HaveLen(1))

		ds := out[0]
		gomega.Expect(ds.Name).To(gomega.Equal("Printer"))
		gomega.Expect(ds.FQDN).To(gomega.Equal("Printer._http._tcp.local"))
		gomega.Expect(ds.Host).To(gomega.Equal("host.local"))
		gomega.Expect(ds.Port).To(gomega.Equal(uint16(8080)))
		gomega.Expect(ds.Type).To(gomega.Equal("http"))
		gomega.Expect(ds.Protocol).To(gomega.Equal("tcp"))
		gomega.Expect(ds.Txt).To(gomega.HaveKeyWithValue("color", "yes"))
		gomega.Expect(ds.Addresses).To(gomega.HaveLen(1))
		gomega.Expect(ds.TTL).To(gomega.Equal(uint32(120)))
		gomega.Expect(ds.Expired(now)).To(gomega.BeFalse())
		gomega.Expect(ds.Expired(now.Add(200 * time.Second))).To(gomega.BeTrue())
	})

	ginkgo.It("collects subtype PTRs pointing at the same instance", func() {
		msg := &dns.Msg{
			Answer: []dns.RR{
				&dns.PTR{
					Hdr: dns.RR_Header{Name: "_printer._sub._http._tcp.local.", Rrtype: dns.TypePTR, Ttl: 120},
					Ptr: "Printer._http._tcp.local.",
				},
				&dns.SRV{
					Hdr:    dns.RR_Header{Name: "Printer._http._tcp.local.", Rrtype: dns.TypeSRV, Ttl: 120},
					Target: "host.local.",
					Port:   8080,
				},
			},
		}

		out := discovery.Extract(msg, transport.RemoteInfo{}, now)
		gomega.Expect(out).To(gomega.HaveLen(1))
		gomega.Expect(out[0].Subtypes).To(gomega.ConsistOf("printer"))
	})

	ginkgo.It("excludes TTL-0 goodbye records", func() {
		msg := &dns.Msg{
			Answer: []dns.RR{
				&dns.PTR{
					Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Ttl: 0},
					Ptr: "Printer._http._tcp.local.",
				},
			},
		}

		out := discovery.Extract(msg, transport.RemoteInfo{}, now)
		gomega.Expect(out).To(gomega.BeEmpty())
	})

	ginkgo.It("skips a PTR with no matching SRV", func() {
		msg := &dns.Msg{
			Answer: []dns.RR{
				&dns.PTR{
					Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Ttl: 120},
					Ptr: "Orphan._http._tcp.local.",
				},
			},
		}

		out := discovery.Extract(msg, transport.RemoteInfo{}, now)
		gomega.Expect(out).To(gomega.BeEmpty())
	})
})
