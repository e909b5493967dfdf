// Package ixfr folds an RFC 1995 incremental zone transfer stream into
// an ordered list of serial-to-serial deltas. The streaming Consumer is
// the primary entry point; FromResponse covers the single-message case
// by replaying a finished answer section through the same machine.
package ixfr

import (
	"github.com/miekg/dns"
)

// Delta is one change block of an incremental transfer: the records
// removed leaving SerialFrom and the records added arriving at
// SerialTo. Consecutive deltas chain: one delta's SerialTo is the next
// delta's SerialFrom.
type Delta struct {
	SerialFrom uint32
	SerialTo   uint32
	Removed    []dns.RR
	Added      []dns.RR
}

// Ixfr is the decoded form of one incremental transfer. When the
// primary answered with a full zone instead (AXFR-style IXFR), IsAxfr
// is set and AxfrRRs carries the complete record stream, apex SOA
// first and terminal SOA last, ready for a full-transfer consumer.
type Ixfr struct {
	InitialSerial uint32
	FinalSerial   uint32
	IsAxfr        bool
	Deltas        []Delta
	AxfrRRs       []dns.RR
}

// FromResponse decodes a complete IXFR answer held in a single
// message by replaying its answer section through the Consumer.
func FromResponse(rsp *dns.Msg) (Ixfr, error) {
	c := NewConsumer(0)
	for _, rr := range rsp.Answer {
		if done, _ := c.Done(); done {
			break
		}
		if err := c.Feed(rr); err != nil {
			return Ixfr{}, err
		}
	}
	if err := c.Finish(); err != nil {
		return Ixfr{}, err
	}
	return c.Result()
}

// Net flattens the delta chain into a single delta describing the
// overall effect of the transfer. A record that is added in one delta
// and removed in a later one (or vice versa) cancels out.
func (ix Ixfr) Net() Delta {
	net := Delta{SerialFrom: ix.InitialSerial, SerialTo: ix.FinalSerial}
	for _, d := range ix.Deltas {
		for _, rr := range d.Removed {
			if i := indexDuplicate(net.Added, rr); i >= 0 {
				net.Added = append(net.Added[:i], net.Added[i+1:]...)
				continue
			}
			net.Removed = append(net.Removed, rr)
		}
		for _, rr := range d.Added {
			if i := indexDuplicate(net.Removed, rr); i >= 0 {
				net.Removed = append(net.Removed[:i], net.Removed[i+1:]...)
				continue
			}
			net.Added = append(net.Added, rr)
		}
	}
	return net
}

func indexDuplicate(rrs []dns.RR, rr dns.RR) int {
	for i, r := range rrs {
		if dns.IsDuplicate(r, rr) {
			return i
		}
	}
	return -1
}
