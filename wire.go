/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"fmt"

	"github.com/dnsxfr/xfrd/edns0"
	"github.com/miekg/dns"
)

// BuildQuery turns a Question into a wire-ready *dns.Msg, attaching
// EDNS(0) options and (via tc) a TSIG signature when configured.
func BuildQuery(q Question, remote *Remote, tc *TsigContext) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Origin), q.Qtype)

	if q.Qtype == dns.TypeIXFR {
		if q.AuthoritySOA == nil {
			return nil, fmt.Errorf("wire: IXFR question for %q missing authority SOA", q.Origin)
		}
		m.Ns = append(m.Ns, q.AuthoritySOA)
	}

	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(4096)
	if q.RequestExpire && remote != nil && remote.EdnsExpire {
		opt.Option = append(opt.Option, edns0.NewExpireOption(0))
	}
	if remote != nil && remote.EdnsCookie {
		opt.Option = append(opt.Option, edns0.NewCookieOption(""))
	}
	if remote != nil && remote.PaddingBlock > 0 {
		// Measure the query with its OPT record attached, plus the
		// PADDING option's own 4-byte header.
		m.Extra = append(m.Extra, opt)
		msgLen := m.Len() + 4
		m.Extra = m.Extra[:0]
		opt.Option = append(opt.Option, edns0.NewPaddingOption(msgLen, remote.PaddingBlock))
	}
	m.Extra = append(m.Extra, opt)

	tc.Sign(m)
	return m, nil
}

// ParseExpire extracts an RFC 7314 EDNS EXPIRE value from a response,
// if present.
func ParseExpire(r *dns.Msg) (value uint32, present bool, err error) {
	opts, err := edns0.ExtractFlagsAndEDNS0Options(r)
	if err != nil {
		return 0, false, err
	}
	return opts.Expire, opts.HasExpire, nil
}

// MalformedTrailingError reports trailing garbage past a record's
// RDATA. It is a warning for the SOA refresh path and fatal for
// transfer content; the caller decides which based on context.
type MalformedTrailingError struct {
	Name string
}

func (e *MalformedTrailingError) Error() string {
	return fmt.Sprintf("wire: malformed trailing data after RDATA for %q", e.Name)
}

// NormalizeOwner appends the root-zone label to a name that arrived
// without a trailing dot, matching how miekg/dns renders FQDNs.
func NormalizeOwner(name string) string {
	return dns.Fqdn(name)
}
