/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gookit/goutil/dump"
	"github.com/miekg/dns"
)

// NewZoneFromConf builds the runtime Zone for one configured secondary,
// resolving its remote refs, timer clamps and serial policy. The zone
// starts with no contents; the first refresh bootstraps it via AXFR.
func NewZoneFromConf(zc ZoneConf, remotes map[string]RemoteConf, policies map[string]DnssecPolicy, store Store) (*Zone, error) {
	if err := ValidateZoneOptions(zc); err != nil {
		return nil, err
	}

	opts, err := parseZoneOptions(zc)
	if err != nil {
		return nil, err
	}

	zd := &Zone{
		Name:    dns.Fqdn(zc.Name),
		Catalog: zc.IsCatalog(),
		Logger:  log.Default(),
		Options: opts,
		Store:   store,
	}

	switch strings.ToLower(zc.Type) {
	case "primary":
		zd.ZoneType = Primary
	case "secondary":
		zd.ZoneType = Secondary
	default:
		return nil, fmt.Errorf("zone %q: unknown zone type %q", zc.Name, zc.Type)
	}

	for _, ref := range zc.Remotes {
		rc, ok := remotes[ref]
		if !ok {
			return nil, fmt.Errorf("zone %q: undefined remote ref %q", zc.Name, ref)
		}
		remote, err := ParseRemote(rc)
		if err != nil {
			return nil, fmt.Errorf("zone %q: remote %q: %v", zc.Name, ref, err)
		}
		zd.Remotes = append(zd.Remotes, remote)
	}

	if zc.DnssecPolicy != "" {
		dp, ok := policies[zc.DnssecPolicy]
		if !ok {
			return nil, fmt.Errorf("zone %q: undefined dnssec policy %q", zc.Name, zc.DnssecPolicy)
		}
		zd.DnssecSigning = true
		zd.DnssecPolicy = &dp
	}

	if store != nil {
		timers, found, err := store.LoadTimers(zd.Name)
		if err != nil {
			return nil, err
		}
		if found {
			zd.Timers = timers
		}
		if serial, known, err := store.LoadMasterSerial(zd.Name); err == nil && known {
			zd.MasterSerial = serial
		}
	}

	return zd, nil
}

// ParseRemote turns the on-disk RemoteConf into the Remote the
// requestor consumes, defaulting the transport to do53.
func ParseRemote(rc RemoteConf) (*Remote, error) {
	if len(rc.Addresses) == 0 {
		return nil, fmt.Errorf("remote has no addresses")
	}
	transport := TransportDo53
	if rc.Transport != "" {
		t, ok := StringToTransport[strings.ToLower(rc.Transport)]
		if !ok {
			return nil, fmt.Errorf("unknown transport %q", rc.Transport)
		}
		transport = t
	}
	return &Remote{
		Addresses:     rc.Addresses,
		Transport:     transport,
		TsigKeyName:   rc.TsigKeyName,
		TsigAlgorithm: rc.TsigAlgorithm,
		TsigSecret:    rc.TsigSecret,
		EdnsExpire:    rc.EdnsExpire,
		EdnsCookie:    rc.EdnsCookie,
		PaddingBlock:  rc.PaddingBlock,
		NotifyBlocked: rc.NotifyBlocked,
		PinTolerance:  time.Duration(rc.PinToleranceS) * time.Second,
	}, nil
}

func parseZoneOptions(zc ZoneConf) (ZoneOptions, error) {
	opts := ZoneOptions{
		SemanticChecksSoft: strings.ToLower(zc.SemanticChecks) == "soft",
		IxfrByOne:          zc.IxfrByOne,
		IxfrFromAxfr:       zc.IxfrFromAxfr,
		IxfrBenevolent:     zc.IxfrBenevolent,
		ProvideIxfr:        zc.ProvideIxfr,
		ZonemdGenerate:     zc.ZonemdGenerate,
		ZonemdVerify:       zc.ZonemdVerify,
		MaxZoneSize:        zc.MaxZoneSize,

		RefreshMinInterval: secondsOr(zc.RefreshMinInterval, DefaultRefreshMinInterval),
		RefreshMaxInterval: secondsOr(zc.RefreshMaxInterval, DefaultRefreshMaxInterval),
		RetryMinInterval:   secondsOr(zc.RetryMinInterval, DefaultRetryMinInterval),
		RetryMaxInterval:   secondsOr(zc.RetryMaxInterval, DefaultRetryMaxInterval),
		ExpireMinInterval:  secondsOr(zc.ExpireMinInterval, DefaultExpireMinInterval),
		ExpireMaxInterval:  secondsOr(zc.ExpireMaxInterval, DefaultExpireMaxInterval),
	}

	switch strings.ToLower(zc.JournalContent) {
	case "", "none":
		opts.JournalContent = JournalNone
	case "xfr", "changes":
		opts.JournalContent = JournalXfr
	case "all", "full":
		opts.JournalContent = JournalFull
	default:
		return opts, fmt.Errorf("zone %q: invalid journal_content %q", zc.Name, zc.JournalContent)
	}

	switch strings.ToLower(zc.SerialPolicy) {
	case "", "increment":
		opts.SerialPolicy = PolicyIncrement
		opts.SerialIncrement = zc.SerialIncrement
		if opts.SerialIncrement == 0 {
			opts.SerialIncrement = 1
		}
	case "unixtime":
		opts.SerialPolicy = PolicyUnixtime
	case "dateserial":
		opts.SerialPolicy = PolicyDateserial
	default:
		return opts, &InvalidPolicyError{Reason: fmt.Sprintf("unknown serial_policy %q", zc.SerialPolicy)}
	}

	// The modulo alignment composes with whichever serial policy is
	// active rather than replacing it.
	if zc.SerialModulo != "" {
		if zc.DnssecPolicy == "" {
			return opts, fmt.Errorf("zone %q: serial_modulo requires dnssec signing", zc.Name)
		}
		ms, err := ParseModuloSpec(zc.SerialModulo)
		if err != nil {
			return opts, err
		}
		opts.SerialModulo = &ms
	}

	return opts, nil
}

func secondsOr(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

// Snapshot returns the zone's currently published contents. The
// returned tree is immutable; a concurrent refresh publishes a new tree
// rather than mutating this one.
func (zd *Zone) Snapshot() *ZoneContents {
	return zd.contents.Load()
}

// SetContents publishes new contents atomically. Intended for tests and
// for the bootstrap loader; refresh attempts go through the controller.
func (zd *Zone) SetContents(zc *ZoneContents) {
	zd.contents.Store(zc)
}

func (zd *Zone) GetSOA() (*dns.SOA, error) {
	cur := zd.contents.Load()
	if cur == nil || cur.ApexSOA == nil {
		return nil, fmt.Errorf("zone %q has no apex SOA", zd.Name)
	}
	return cur.ApexSOA, nil
}

func (zd *Zone) GetRRset(qname string, rrtype uint16) (*RRset, error) {
	cur := zd.contents.Load()
	if cur == nil {
		return nil, fmt.Errorf("zone %q has no contents", zd.Name)
	}
	owner, ok := cur.GetOwner(dns.Fqdn(qname))
	if !ok {
		return nil, nil
	}
	if rrset, exists := owner.RRtypes.Get(rrtype); exists {
		return &rrset, nil
	}
	return nil, nil
}

func (zd *Zone) NameExists(qname string) bool {
	cur := zd.contents.Load()
	if cur == nil {
		return false
	}
	_, ok := cur.GetOwner(dns.Fqdn(qname))
	return ok
}

// CheckExpired flips the zone into the EXPIRED state once next_expire
// has elapsed without a successful refresh. The zone stays mounted; the
// query path (out of scope here) answers SERVFAIL for an expired zone.
func (zd *Zone) CheckExpired(now time.Time) bool {
	if zd.Catalog || zd.Timers.NextExpire.IsZero() {
		return false
	}
	expired := now.After(zd.Timers.NextExpire)
	if expired && !zd.Expired {
		zd.Logger.Printf("zone %s: EXPIRED (next_expire %s elapsed)", zd.Name, zd.Timers.NextExpire.Format(time.RFC3339))
	}
	zd.Expired = expired
	return expired
}

// DownstreamNS returns the in-bailiwick NS target names of the apex NS
// RRset; they are the zone's NOTIFY fan-out targets.
func (zd *Zone) DownstreamNS() ([]string, error) {
	rrset, err := zd.GetRRset(zd.Name, dns.TypeNS)
	if err != nil || rrset == nil {
		return nil, err
	}
	return BailiwickNS(zd.Name, rrset.RRs)
}

// BailiwickNS filters nsRRs down to the target names inside zone.
func BailiwickNS(zone string, nsRRs []dns.RR) ([]string, error) {
	var out []string
	for _, rr := range nsRRs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			return nil, fmt.Errorf("BailiwickNS: %s is not an NS record", rr.String())
		}
		if InBailiwick(zone, ns) {
			out = append(out, ns.Ns)
		}
	}
	return out, nil
}

// FindZone returns the closest enclosing zone for qname from the
// process-wide registry, trying a case-folded match second.
func FindZone(qname string) (*Zone, bool) {
	qname = dns.Fqdn(qname)
	labels := strings.Split(qname, ".")
	for i := 0; i < len(labels)-1; i++ {
		tzone := strings.Join(labels[i:], ".")
		if zd, ok := Zones.Get(tzone); ok {
			return zd, false
		}
	}

	qname = strings.ToLower(qname)
	labels = strings.Split(qname, ".")
	for i := 0; i < len(labels)-1; i++ {
		tzone := strings.Join(labels[i:], ".")
		if zd, ok := Zones.Get(tzone); ok {
			return zd, true
		}
	}
	return nil, false
}

// IsIxfr reports whether a transfer answer is structurally an IXFR:
// two SOAs up front rather than one.
func IsIxfr(rrs []dns.RR) bool {
	if len(rrs) < 3 {
		return false
	}
	if _, ok := rrs[0].(*dns.SOA); !ok {
		return false
	}
	_, ok := rrs[1].(*dns.SOA)
	return ok
}

func (zd *Zone) PrintOwners() {
	cur := zd.contents.Load()
	if cur == nil {
		fmt.Printf("zone %s: no contents\n", zd.Name)
		return
	}
	fmt.Printf("owner name\tindex\n")
	for i, v := range cur.Owners {
		rrtypes := []string{}
		for _, t := range v.RRtypes.Keys() {
			rrtypes = append(rrtypes, dns.TypeToString[t])
		}
		fmt.Printf("%d\t%s\t%s\n", i, v.Name, strings.Join(rrtypes, ", "))
	}
	if Globals.Debug {
		dump.P(zd.Timers)
	}
}
