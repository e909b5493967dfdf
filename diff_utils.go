/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"github.com/miekg/dns"
)

// DiffZoneContents computes the content diff between two full zone
// trees, used to synthesize an incremental ZoneUpdate when an
// AXFR-style transfer should still produce journal entries
// (ixfr_from_axfr).
func DiffZoneContents(oldTree, newTree *ZoneContents) (added, removed []dns.RR) {
	oldRRs := flattenRRs(oldTree)
	newRRs := flattenRRs(newTree)

	differs, adds, removes := RRsetDiffer(oldRRs, newRRs)
	_ = differs
	return adds, removes
}

func flattenRRs(zc *ZoneContents) []dns.RR {
	var out []dns.RR
	if zc == nil {
		return out
	}
	for _, o := range zc.Owners {
		for _, t := range o.RRtypes.Keys() {
			out = append(out, o.RRtypes.GetOnlyRRSet(t).RRs...)
		}
	}
	return out
}

// RRsetDiffer computes the set difference between two RR slices using
// dns.IsDuplicate for equality, ignoring RRSIGs.
func RRsetDiffer(oldrrs, newrrs []dns.RR) (differ bool, adds, removes []dns.RR) {
	for _, orr := range oldrrs {
		if orr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		if !containsRR(newrrs, orr) {
			differ = true
			removes = append(removes, orr)
		}
	}
	for _, nrr := range newrrs {
		if nrr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		if !containsRR(oldrrs, nrr) {
			differ = true
			adds = append(adds, nrr)
		}
	}
	return differ, adds, removes
}

func containsRR(rrs []dns.RR, rr dns.RR) bool {
	for _, r := range rrs {
		if dns.IsDuplicate(r, rr) {
			return true
		}
	}
	return false
}
