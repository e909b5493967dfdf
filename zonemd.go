/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// zonemdDigest computes the RFC 8976 SIMPLE-scheme SHA-384 digest over
// a zone tree: every record except the apex ZONEMD itself (and RRSIGs
// covering it) is serialized to canonical wire form, the wire forms are
// sorted, and the concatenation is hashed.
func zonemdDigest(zone string, tree *ZoneContents) ([]byte, error) {
	apex := dns.Fqdn(strings.ToLower(zone))

	var wires [][]byte
	for _, o := range tree.Owners {
		for _, t := range o.RRtypes.Keys() {
			rrset := o.RRtypes.GetOnlyRRSet(t)
			for _, rr := range append(rrset.RRs, rrset.RRSIGs...) {
				hdr := rr.Header()
				owner := strings.ToLower(dns.Fqdn(hdr.Name))
				if owner == apex {
					if hdr.Rrtype == dns.TypeZONEMD {
						continue
					}
					if sig, ok := rr.(*dns.RRSIG); ok && sig.TypeCovered == dns.TypeZONEMD {
						continue
					}
				}
				canon := dns.Copy(rr)
				canon.Header().Name = owner
				buf := make([]byte, dns.Len(canon))
				off, err := dns.PackRR(canon, buf, 0, nil, false)
				if err != nil {
					return nil, err
				}
				wires = append(wires, buf[:off])
			}
		}
	}

	sort.Slice(wires, func(i, j int) bool { return bytes.Compare(wires[i], wires[j]) < 0 })

	h := sha512.New384()
	for _, w := range wires {
		h.Write(w)
	}
	return h.Sum(nil), nil
}

// verifyZonemd checks the apex ZONEMD record(s) of a received tree
// against a recomputed digest. A tree without any apex ZONEMD fails
// verification when the zone requires it.
func verifyZonemd(zone string, tree *ZoneContents) error {
	apex, ok := tree.GetOwner(dns.Fqdn(zone))
	if !ok {
		return &ZoneMdFailedError{Zone: zone, Reason: "missing apex"}
	}
	rrset := apex.RRtypes.GetOnlyRRSet(dns.TypeZONEMD)
	if len(rrset.RRs) == 0 {
		return &ZoneMdFailedError{Zone: zone, Reason: "no ZONEMD record at apex"}
	}

	digest, err := zonemdDigest(zone, tree)
	if err != nil {
		return &ZoneMdFailedError{Zone: zone, Reason: err.Error()}
	}
	want := hex.EncodeToString(digest)

	for _, rr := range rrset.RRs {
		zmd, ok := rr.(*dns.ZONEMD)
		if !ok {
			continue
		}
		if zmd.Scheme != dns.ZoneMDSchemeSimple || zmd.Hash != dns.ZoneMDHashAlgSHA384 {
			continue
		}
		if zmd.Serial != tree.Serial {
			return &ZoneMdFailedError{Zone: zone, Reason: "ZONEMD serial does not match SOA serial"}
		}
		if strings.EqualFold(zmd.Digest, want) {
			return nil
		}
		return &ZoneMdFailedError{Zone: zone, Reason: "digest mismatch"}
	}
	return &ZoneMdFailedError{Zone: zone, Reason: "no supported ZONEMD scheme/hash at apex"}
}

// stampZonemd replaces the apex ZONEMD with a freshly computed
// SIMPLE/SHA-384 digest for the tree's current serial.
func stampZonemd(zone string, tree *ZoneContents) {
	apexName := dns.Fqdn(zone)
	apex, ok := tree.GetOwner(apexName)
	if !ok || tree.ApexSOA == nil {
		return
	}

	// Drop any stale ZONEMD before digesting; the digest excludes the
	// apex ZONEMD by definition, but a stale record must not survive
	// the stamp either.
	apex.RRtypes.Delete(dns.TypeZONEMD)

	digest, err := zonemdDigest(zone, tree)
	if err != nil {
		return
	}

	zmd := &dns.ZONEMD{
		Hdr: dns.RR_Header{
			Name:   apexName,
			Rrtype: dns.TypeZONEMD,
			Class:  dns.ClassINET,
			Ttl:    tree.ApexSOA.Hdr.Ttl,
		},
		Serial: tree.Serial,
		Scheme: dns.ZoneMDSchemeSimple,
		Hash:   dns.ZoneMDHashAlgSHA384,
		Digest: hex.EncodeToString(digest),
	}
	tree.AddRR(zmd)
}
