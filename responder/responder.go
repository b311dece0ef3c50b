// Package responder implements the authoritative record table and inbound
// query handler described for DNS-SD responders: it holds the resource
// records a Publisher has registered and answers questions against them,
// including the transitive PTR -> SRV/TXT -> A/AAAA additional-record
// resolution defined in RFC 6763 section 12.
package responder

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/miekg/dns"

	"github.com/arnegard/mdnssd/record"
)

// Sender transmits a response message built by the Responder. It is
// satisfied by transport.Transport.
type Sender interface {
	Respond(ctx context.Context, msg *dns.Msg) error
}

// Option configures a Responder created by New.
type Option func(*Responder)

// WithLogger sets the logger used to report transmit errors.
func WithLogger(l logging.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithSender sets the collaborator used to transmit response messages.
func WithSender(s Sender) Option {
	return func(r *Responder) { r.sender = s }
}

// Responder holds the authoritative record table for one mDNS host and
// answers inbound queries against it.
type Responder struct {
	mu     sync.Mutex
	table  map[uint16][]dns.RR
	sender Sender
	logger logging.Logger

	listenersMu sync.Mutex
	listeners   []func(*dns.Msg, error)
}

// New returns a Responder with an empty record table.
func New(opts ...Option) *Responder {
	r := &Responder{
		table:  map[uint16][]dns.RR{},
		logger: logging.DefaultLogger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// OnResponded registers a callback invoked after each response transmit
// attempt, successful or not.
func (r *Responder) OnResponded(fn func(msg *dns.Msg, err error)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Responder) notifyResponded(msg *dns.Msg, err error) {
	r.listenersMu.Lock()
	listeners := append([]func(*dns.Msg, error){}, r.listeners...)
	r.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(msg, err)
	}
}

// Register adds each of records to the table, skipping any record that
// already has an equal (type, name, rdata) entry.
func (r *Responder) Register(records ...dns.RR) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rr := range records {
		t := rr.Header().Rrtype
		if r.contains(t, rr) {
			continue
		}
		r.table[t] = append(r.table[t], rr)
	}
}

// contains reports whether the table's bucket for rrtype already holds a
// record equal to rr. Callers must hold r.mu.
func (r *Responder) contains(rrtype uint16, rr dns.RR) bool {
	for _, existing := range r.table[rrtype] {
		if record.Equal(existing, rr) {
			return true
		}
	}
	return false
}

// Unregister removes, from every type bucket, every record whose name
// matches the name of one of records (name-only, case-insensitive match).
// Buckets left empty are deleted.
func (r *Responder) Unregister(records ...dns.RR) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(records))
	for _, rr := range records {
		names = append(names, rr.Header().Name)
	}

	for t, bucket := range r.table {
		var kept []dns.RR
		for _, rr := range bucket {
			if matchesAnyName(rr.Header().Name, names) {
				continue
			}
			kept = append(kept, rr)
		}

		if len(kept) == 0 {
			delete(r.table, t)
		} else {
			r.table[t] = kept
		}
	}
}

func matchesAnyName(name string, names []string) bool {
	for _, n := range names {
		if record.EqualName(name, n) {
			return true
		}
	}
	return false
}

// Respond answers each question in query, sending one response message per
// question that has at least one matching record. Questions with no
// matches are silently ignored, per RFC 6762 section 6. It returns the
// combined error of any failed transmit attempts; the Responder continues
// processing the remaining questions regardless.
func (r *Responder) Respond(ctx context.Context, query *dns.Msg) error {
	if r.sender == nil {
		return errors.New("responder: no sender configured")
	}

	var errs []error

	for _, q := range query.Question {
		answers, additionals := r.answer(q)
		if len(answers) == 0 {
			continue
		}

		msg := new(dns.Msg)
		msg.Response = true
		msg.Authoritative = true
		msg.Answer = answers
		msg.Extra = additionals

		err := r.sender.Respond(ctx, msg)
		r.notifyResponded(msg, err)

		if err != nil {
			r.logger.Log("responder: error sending response for %q: %s", q.Name, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// answer returns the answers and additional records for a single question.
func (r *Responder) answer(q dns.Question) (answers, additionals []dns.RR) {
	r.mu.Lock()
	defer r.mu.Unlock()

	answers = r.match(q.Qtype, q.Name)
	if len(answers) == 0 {
		return nil, nil
	}

	if q.Qtype == dns.TypeANY {
		return answers, nil
	}

	additionals = r.buildAdditionals(answers)
	return answers, additionals
}

// buildAdditionals implements the RFC 6763 section 12 additional-record
// resolution: SRV/TXT records named by any PTR answer, then A/AAAA records
// named by any SRV target collected along the way.
func (r *Responder) buildAdditionals(answers []dns.RR) []dns.RR {
	var additionals []dns.RR
	var srvTargets []string

	for _, rr := range answers {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}

		for _, srv := range r.match(dns.TypeSRV, ptr.Ptr) {
			additionals = append(additionals, srv)
			srvTargets = append(srvTargets, srv.(*dns.SRV).Target)
		}
		additionals = append(additionals, r.match(dns.TypeTXT, ptr.Ptr)...)
	}

	for _, target := range srvTargets {
		additionals = append(additionals, r.match(dns.TypeA, target)...)
		additionals = append(additionals, r.match(dns.TypeAAAA, target)...)
	}

	return additionals
}

// match returns every record matching qtype (or every type, for
// dns.TypeANY) whose name matches qname under the "loose" comparison rule:
// a qname containing a dot is compared against the full record name,
// case-insensitively; a bare label is compared against the first label of
// the record name only. Callers must hold r.mu.
func (r *Responder) match(qtype uint16, qname string) []dns.RR {
	var out []dns.RR

	for t, bucket := range r.table {
		if qtype != dns.TypeANY && t != qtype {
			continue
		}

		for _, rr := range bucket {
			if looseNameMatch(rr.Header().Name, qname) {
				out = append(out, rr)
			}
		}
	}

	return out
}

func looseNameMatch(recordName, qname string) bool {
	trimmedQ := strings.TrimSuffix(qname, ".")

	if strings.Contains(trimmedQ, ".") {
		return record.EqualName(recordName, qname)
	}

	trimmedRecord := strings.TrimSuffix(recordName, ".")
	firstLabel := trimmedRecord
	if i := strings.Index(trimmedRecord, "."); i != -1 {
		firstLabel = trimmedRecord[:i]
	}

	return record.EqualName(firstLabel, trimmedQ)
}
