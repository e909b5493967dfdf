/*
 * Copyright (c) 2025 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */
package edns0

import (
	"testing"

	"github.com/miekg/dns"
)

func TestExtractExpireOption(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.org.", dns.TypeSOA)
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.Option = append(opt.Option, NewExpireOption(7200))
	m.Extra = append(m.Extra, opt)

	opts, err := ExtractFlagsAndEDNS0Options(m)
	if err != nil {
		t.Fatalf("ExtractFlagsAndEDNS0Options: %v", err)
	}
	if !opts.HasExpire || opts.Expire != 7200 {
		t.Errorf("got HasExpire=%v Expire=%d, want true/7200", opts.HasExpire, opts.Expire)
	}
}

func TestExtractEmptyExpireOption(t *testing.T) {
	// The empty form appears on queries and must not register as a
	// received expire value.
	m := new(dns.Msg)
	m.SetQuestion("example.org.", dns.TypeSOA)
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.Option = append(opt.Option, NewExpireOption(0))
	m.Extra = append(m.Extra, opt)

	opts, err := ExtractFlagsAndEDNS0Options(m)
	if err != nil {
		t.Fatalf("ExtractFlagsAndEDNS0Options: %v", err)
	}
	if opts.HasExpire {
		t.Error("empty EXPIRE option registered as a received value")
	}
}

func TestExtractNoEdns(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.org.", dns.TypeSOA)

	opts, err := ExtractFlagsAndEDNS0Options(m)
	if err != nil {
		t.Fatalf("ExtractFlagsAndEDNS0Options: %v", err)
	}
	if opts.HasExpire || opts.DO {
		t.Errorf("message without OPT produced %+v", opts)
	}
}

func TestExtractNsidAndCookie(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.org.", dns.TypeSOA)
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetDo()
	opt.Option = append(opt.Option,
		&dns.EDNS0_NSID{Code: dns.EDNS0NSID, Nsid: "6e73"},
		&dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "2464c4abcf10c957"},
	)
	m.Extra = append(m.Extra, opt)

	opts, err := ExtractFlagsAndEDNS0Options(m)
	if err != nil {
		t.Fatalf("ExtractFlagsAndEDNS0Options: %v", err)
	}
	if !opts.DO {
		t.Error("DO bit not extracted")
	}
	if opts.Nsid != "6e73" {
		t.Errorf("nsid = %q", opts.Nsid)
	}
	if !opts.HasCookie || opts.ClientCookie != "2464c4abcf10c957" {
		t.Errorf("cookie = %q has=%v", opts.ClientCookie, opts.HasCookie)
	}
}
