package responder_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/record"
	"github.com/arnegard/mdnssd/responder"
)

func TestResponder(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "responder")
}

type fakeSender struct {
	sent []*dns.Msg
	err  error
}

func (f *fakeSender) Respond(ctx context.Context, msg *dns.Msg) error {
	f.sent = append(f.sent, msg)
	return f.err
}

var _ = Describe("Responder", func() {
	var (
		sender *fakeSender
		r      *responder.Responder
	)

	BeforeEach(func() {
		sender = &fakeSender{}
		r = responder.New(responder.WithSender(sender))
	})

	Describe("Register", func() {
		It("holds each record exactly once after a duplicate register", func() {
			ptr := record.NewPTR("_http._tcp.local.", "Foo._http._tcp.local.", 120)

			r.Register(ptr)
			r.Register(ptr)

			r.Register(record.NewPTR("_http._tcp.local.", "Bar._http._tcp.local.", 120))

			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "_http._tcp.local.", Qtype: dns.TypePTR}}

			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent).To(HaveLen(1))
			Expect(sender.sent[0].Answer).To(HaveLen(2))
		})
	})

	Describe("Unregister", func() {
		It("removes every record with a matching name", func() {
			srv := record.NewSRV("Foo._http._tcp.local.", "host.local.", 3000, 120)
			txt := record.NewTXT("Foo._http._tcp.local.", nil, 120)
			r.Register(srv, txt)

			r.Unregister(record.NewSRV("foo._http._tcp.local.", "", 0, 0))

			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "Foo._http._tcp.local.", Qtype: dns.TypeANY}}
			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent).To(BeEmpty())
		})
	})

	Describe("Respond", func() {
		It("ignores a question with no matches", func() {
			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "nothing.local.", Qtype: dns.TypeANY}}

			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent).To(BeEmpty())
		})

		It("attaches SRV/TXT/A additionals to a PTR answer", func() {
			r.Register(
				record.NewPTR("_http._tcp.local.", "Foo._http._tcp.local.", 120),
				record.NewSRV("Foo._http._tcp.local.", "host.local.", 3000, 120),
				record.NewTXT("Foo._http._tcp.local.", [][]byte{[]byte("a=1")}, 120),
				record.NewA("host.local.", []byte{10, 0, 0, 1}, 120),
			)

			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "_http._tcp.local.", Qtype: dns.TypePTR}}

			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent).To(HaveLen(1))

			msg := sender.sent[0]
			Expect(msg.Answer).To(HaveLen(1))
			Expect(msg.Extra).To(HaveLen(3))
		})

		It("does not attach additionals for an ANY query", func() {
			r.Register(
				record.NewPTR("_http._tcp.local.", "Foo._http._tcp.local.", 120),
				record.NewSRV("Foo._http._tcp.local.", "host.local.", 3000, 120),
			)

			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "_http._tcp.local.", Qtype: dns.TypeANY}}

			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent[0].Extra).To(BeEmpty())
		})

		It("matches a bare label against the first label of the record name", func() {
			r.Register(record.NewA("host.local.", []byte{10, 0, 0, 1}, 120))

			q := new(dns.Msg)
			q.Question = []dns.Question{{Name: "host", Qtype: dns.TypeA}}

			Expect(r.Respond(context.Background(), q)).To(Succeed())
			Expect(sender.sent).To(HaveLen(1))
		})
	})
})
