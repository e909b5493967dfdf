/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

// Transport identifies the wire transport a Remote should be reached
// over; AXFR/IXFR traffic is always stream-oriented (TCP/TLS/QUIC),
// SOA probes may use UDP.
type Transport uint8

const (
	TransportDo53 Transport = iota + 1 // UDP, falling back to TCP on truncation
	TransportTCP
	TransportDoT
	TransportDoQ
)

var TransportToString = map[Transport]string{
	TransportDo53: "do53",
	TransportTCP:  "tcp",
	TransportDoT:  "dot",
	TransportDoQ:  "doq",
}

var StringToTransport = map[string]Transport{
	"do53": TransportDo53,
	"tcp":  TransportTCP,
	"dot":  TransportDoT,
	"doq":  TransportDoQ,
}

// Zone is one authoritative origin this engine keeps synchronized with
// its primary. Contents are published via an atomic pointer swap so
// that query-serving readers never observe a half-updated tree.
type Zone struct {
	mu sync.Mutex // serializes refresh attempts; at most one in flight

	Name     string
	ZoneType ZoneType
	Catalog  bool // catalog zones pin next_expire to 0

	contents atomicZoneContents // current published contents snapshot

	Logger *log.Logger

	Timers ZoneTimers // persistent schedule state

	MasterSerial uint32 // peer's view of the serial, persisted independently of the local serial
	LastMaster   string // address of the peer that produced the current contents

	Remotes []*Remote // fallback-ordered list of upstream peers

	DnssecSigning bool
	DnssecPolicy  *DnssecPolicy
	Signer        Signer

	Options ZoneOptions

	Expired bool // next_expire elapsed without a successful refresh

	Store Store // persisted zone-timer / master-serial / journal backing
}

// atomicZoneContents holds a *ZoneContents behind a read-write mutex
// that guards only the pointer, so Snapshot never waits on a refresh in
// progress (only on the pointer swap itself) and never observes a torn
// write.
type atomicZoneContents struct {
	mu  sync.RWMutex
	ptr *ZoneContents
}

func (a *atomicZoneContents) Load() *ZoneContents {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ptr
}

func (a *atomicZoneContents) Store(c *ZoneContents) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ptr = c
}

// ZoneContents is one immutable generation of a zone's record data.
// A refresh never mutates an existing ZoneContents in place: it builds
// a new one and swaps it in.
type ZoneContents struct {
	Serial     uint32
	OwnerIndex map[string]int // name -> index into Owners, for O(1) lookup
	Owners     []OwnerData
	ApexSOA    *dns.SOA
}

func NewZoneContents(serial uint32) *ZoneContents {
	return &ZoneContents{
		Serial:     serial,
		OwnerIndex: make(map[string]int),
		Owners:     []OwnerData{},
	}
}

func (zc *ZoneContents) GetOwner(name string) (*OwnerData, bool) {
	idx, ok := zc.OwnerIndex[name]
	if !ok {
		return nil, false
	}
	return &zc.Owners[idx], true
}

func (zc *ZoneContents) getOrCreateOwner(name string) *OwnerData {
	if idx, ok := zc.OwnerIndex[name]; ok {
		return &zc.Owners[idx]
	}
	zc.Owners = append(zc.Owners, *NewOwnerData(name))
	idx := len(zc.Owners) - 1
	zc.OwnerIndex[name] = idx
	return &zc.Owners[idx]
}

// AddRR inserts rr into the tree, grouped by owner name and RRtype.
func (zc *ZoneContents) AddRR(rr dns.RR) {
	owner := zc.getOrCreateOwner(rr.Header().Name)
	rrset, ok := owner.RRtypes.Get(rr.Header().Rrtype)
	if !ok {
		rrset = RRset{Name: rr.Header().Name, RRtype: rr.Header().Rrtype}
	}
	rrset.RRs = append(rrset.RRs, rr)
	owner.RRtypes.Set(rr.Header().Rrtype, rrset)
}

// Size returns the number of records held in the tree's RRsets
// (RRSIGs kept apart in RRset.RRSIGs are not counted).
func (zc *ZoneContents) Size() int {
	total := 0
	for _, o := range zc.Owners {
		for _, t := range o.RRtypes.Keys() {
			rrset := o.RRtypes.GetOnlyRRSet(t)
			total += len(rrset.RRs)
		}
	}
	return total
}

// ZoneTimers is the persistent per-zone schedule state, reconstructed
// from the store at startup and mutated by the refresh controller.
type ZoneTimers struct {
	NextRefresh    time.Time
	NextExpire     time.Time
	LastRefreshOK  bool
	MasterPinHit   time.Time // zero value means "never armed"
	LastMaster     string
	BootstrapCount int
}

// Remote is one configured upstream peer endpoint. It is read-only for
// the duration of a refresh attempt.
type Remote struct {
	Addresses     []string // ordered; only the first address is used
	Transport     Transport
	TsigKeyName   string
	TsigAlgorithm string
	TsigSecret    string
	EdnsExpire    bool
	EdnsCookie    bool
	PaddingBlock  int // pad queries (before any TSIG) to a multiple of this size; 0 disables
	NotifyBlocked bool
	PinTolerance  time.Duration // 0 disables master-pin tolerance
}

// ZoneOptions are the operator-controlled knobs that affect refresh
// behavior for one zone.
type ZoneOptions struct {
	SemanticChecksSoft bool // soft: coerce malformed SOA response to AXFR instead of failing
	IxfrByOne          bool
	IxfrFromAxfr       bool
	IxfrBenevolent     bool // tolerate additions of existing members / removals of absent ones
	ProvideIxfr        bool
	ZonemdGenerate     bool
	ZonemdVerify       bool
	JournalContent     JournalContent
	MaxZoneSize        int // bytes of raw record data; 0 means unbounded

	SerialPolicy    SerialPolicy // policy for locally-minted serials on a signed slave
	SerialIncrement uint32       // consulted only for PolicyIncrement
	SerialModulo    *ModuloSpec  // aligns the minted serial on top of any policy; nil disables

	RefreshMinInterval time.Duration
	RefreshMaxInterval time.Duration
	RetryMinInterval   time.Duration
	RetryMaxInterval   time.Duration
	ExpireMinInterval  time.Duration
	ExpireMaxInterval  time.Duration
}

type JournalContent uint8

const (
	JournalNone JournalContent = iota
	JournalXfr
	JournalFull
)

type KeyLifetime struct {
	Lifetime    uint32
	SigValidity uint32
}

// DnssecPolicy is what is actually used; it is derived from the
// corresponding configuration entry.
type DnssecPolicy struct {
	Name      string
	Algorithm uint8

	KSK KeyLifetime
	ZSK KeyLifetime
	CSK KeyLifetime
}

// Question is an outbound DNS query under construction for one refresh
// attempt.
type Question struct {
	Origin       string
	Qtype        uint16 // dns.TypeSOA | dns.TypeAXFR | dns.TypeIXFR
	AuthoritySOA *dns.SOA // required for IXFR: our current serial
	RequestExpire bool
}

// Changeset is one serial-to-serial delta, built incrementally by the
// IXFR consumer and consumed by the zone-update builder.
type Changeset struct {
	SoaFrom   uint32
	SoaTo     uint32
	Deletions []dns.RR
	Additions []dns.RR
}

// UpdateMode distinguishes a full-tree replacement from an incremental
// changeset application.
type UpdateMode uint8

const (
	UpdateFull UpdateMode = iota + 1
	UpdateIncremental
)

// ZoneUpdate is a proposed mutation of a zone, either committed
// atomically or discarded in its entirety.
type ZoneUpdate struct {
	Mode       UpdateMode
	Base       *ZoneContents
	FullTree   *ZoneContents // set when Mode == UpdateFull
	Changesets []Changeset   // set when Mode == UpdateIncremental
	AxfrStyle  bool          // the IXFR consumer delegated to AXFR framing
}

// FallbackReason records why a refresh attempt fell back, for logging
// and for the caller's "more-xfr" decision.
type FallbackReason uint8

const (
	FallbackNone FallbackReason = iota
	FallbackIxfrToAxfr
	FallbackNextPeer
)

// RefreshAttempt is one interaction with one peer; it is destroyed
// before control returns to the engine's scheduling loop.
type RefreshAttempt struct {
	Zone      string
	Peer      string
	StartedAt time.Time
	XfrType   string // "soa" | "axfr" | "ixfr"
	Bytes     int
	Packets   int
	Fallback  FallbackReason
	Result    AttemptResult
	MoreXfr   bool // ixfr_by_one left a remainder; schedule another refresh now
	Serial    uint32
	OldSerial uint32
	Err       error
}

type AttemptResult uint8

const (
	ResultDone AttemptResult = iota
	ResultIgnore // attempt discarded without touching timers (e.g. low EDNS EXPIRE on signed source)
	ResultFail
)

type Owners []OwnerData

type OwnerData struct {
	Name    string
	RRtypes *RRTypeStore
}

type RRset struct {
	Name   string
	RRtype uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}
