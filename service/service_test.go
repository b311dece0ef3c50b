package service_test

import (
	"net"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/hostiface"
	"github.com/arnegard/mdnssd/service"
)

func TestService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "service")
}

var _ = Describe("New", func() {
	It("rejects a port of zero", func() {
		_, err := service.New(service.Options{Name: "Foo", Type: "http", Port: 0})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a port above 65535", func() {
		_, err := service.New(service.Options{Name: "Foo", Type: "http", Port: 65536})
		Expect(err).To(HaveOccurred())
	})

	It("sanitizes dots in the instance name to dashes", func() {
		svc, err := service.New(service.Options{Name: "a.b.c", Type: "http", Port: 1, Host: "h"})
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Name()).To(Equal("a-b-c"))
	})
})

var _ = Describe("GetRecords", func() {
	It("builds the minimal record set (S1)", func() {
		svc, err := service.New(service.Options{
			Name: "Foo Bar",
			Type: "http",
			Port: 3000,
			Host: "myhost",
		})
		Expect(err).NotTo(HaveOccurred())

		recs := svc.GetRecords(28800, nil)

		Expect(recs).To(HaveLen(4))

		ptr := recs[0].(*dns.PTR)
		Expect(ptr.Hdr.Name).To(Equal("_http._tcp.local."))
		Expect(ptr.Ptr).To(Equal("Foo Bar._http._tcp.local."))

		srv := recs[1].(*dns.SRV)
		Expect(srv.Hdr.Name).To(Equal("Foo Bar._http._tcp.local."))
		Expect(srv.Port).To(Equal(uint16(3000)))
		Expect(srv.Target).To(Equal("myhost."))

		txt := recs[2].(*dns.TXT)
		Expect(txt.Txt).To(BeEmpty())

		enum := recs[3].(*dns.PTR)
		Expect(enum.Hdr.Name).To(Equal("_services._dns-sd._udp.local."))
		Expect(enum.Ptr).To(Equal("_http._tcp.local."))

		for _, rr := range recs {
			Expect(rr.Header().Ttl).To(Equal(uint32(28800)))
		}
	})

	It("encodes txt data and subtype PTRs (S2)", func() {
		svc, err := service.New(service.Options{
			Name:     "ConflictService",
			Type:     "http",
			Port:     3000,
			Host:     "myhost",
			TTL:      120,
			Txt:      map[string]any{"foo": "bar"},
			TxtKeys:  []string{"foo"},
			Subtypes: []string{"foo", "bar"},
		})
		Expect(err).NotTo(HaveOccurred())

		recs := svc.GetRecords(120, nil)

		txt := recs[2].(*dns.TXT)
		Expect(txt.Txt).To(Equal([]string{"foo=bar"}))

		subPTRs := recs[4:6]
		Expect(subPTRs[0].(*dns.PTR).Hdr.Name).To(Equal("_foo._sub._http._tcp.local."))
		Expect(subPTRs[1].(*dns.PTR).Hdr.Name).To(Equal("_bar._sub._http._tcp.local."))

		for _, rr := range recs {
			Expect(rr.Header().Ttl).To(Equal(uint32(120)))
		}
	})

	It("appends Txt keys missing from TxtKeys instead of dropping them", func() {
		svc, err := service.New(service.Options{
			Name:    "Foo",
			Type:    "http",
			Port:    3000,
			Host:    "myhost",
			Txt:     map[string]any{"foo": "bar", "baz": "qux"},
			TxtKeys: []string{"foo"},
		})
		Expect(err).NotTo(HaveOccurred())

		recs := svc.GetRecords(120, nil)

		txt := recs[2].(*dns.TXT)
		Expect(txt.Txt).To(ConsistOf("foo=bar", "baz=qux"))
		Expect(txt.Txt[0]).To(Equal("foo=bar"))
	})

	It("skips internal and zero-MAC interfaces, and AAAA when disabled", func() {
		svc, err := service.New(service.Options{
			Name: "Foo", Type: "http", Port: 1, Host: "myhost", DisableIPv6: true,
		})
		Expect(err).NotTo(HaveOccurred())

		addrs := []hostiface.InterfaceAddr{
			{Address: net.ParseIP("127.0.0.1"), Family: "IPv4", Internal: true},
			{Address: net.ParseIP("10.0.0.5"), Family: "IPv4", MAC: hostiface.ZeroMAC},
			{Address: net.ParseIP("10.0.0.9"), Family: "IPv4", MAC: "aa:bb:cc:dd:ee:ff"},
			{Address: net.ParseIP("fe80::1"), Family: "IPv6", MAC: "aa:bb:cc:dd:ee:ff"},
		}

		recs := svc.GetRecords(28800, addrs)

		var addrRecs []dns.RR
		for _, rr := range recs {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				addrRecs = append(addrRecs, rr)
			}
		}

		Expect(addrRecs).To(HaveLen(1))
		Expect(addrRecs[0]).To(BeAssignableToTypeOf(&dns.A{}))
	})
})

var _ = Describe("lifecycle", func() {
	It("keeps Stop a no-op before Start", func() {
		svc, _ := service.New(service.Options{Name: "Foo", Type: "http", Port: 1, Host: "h"})
		Expect(svc.Stop(nil)).To(Succeed())
		Expect(svc.Started()).To(BeFalse())
	})

	It("emits up exactly once on MarkPublished and down exactly once on MarkUnpublished", func() {
		svc, _ := service.New(service.Options{Name: "Foo", Type: "http", Port: 1, Host: "h"})

		ups, downs := 0, 0
		svc.OnUp(func(*service.Service) { ups++ })
		svc.OnDown(func(*service.Service) { downs++ })

		svc.MarkPublished()
		svc.MarkPublished()
		Expect(ups).To(Equal(1))

		svc.MarkUnpublished()
		svc.MarkUnpublished()
		Expect(downs).To(Equal(1))
	})

	It("forbids further work once destroyed", func() {
		svc, _ := service.New(service.Options{Name: "Foo", Type: "http", Port: 1, Host: "h"})
		svc.Destroy()

		Expect(svc.Start(nil)).To(Succeed())
		Expect(svc.Started()).To(BeFalse())
	})
})
