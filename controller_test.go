/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"errors"
	"log"
	"testing"
	"time"

	"github.com/dnsxfr/xfrd/ixfr"
	"github.com/miekg/dns"
)

// memStore is an in-memory Store for controller tests.
type memStore struct {
	timers  map[string]ZoneTimers
	serials map[string]uint32
	journal map[string][]Changeset
}

func newMemStore() *memStore {
	return &memStore{
		timers:  map[string]ZoneTimers{},
		serials: map[string]uint32{},
		journal: map[string][]Changeset{},
	}
}

func (s *memStore) LoadTimers(zone string) (ZoneTimers, bool, error) {
	t, ok := s.timers[zone]
	return t, ok, nil
}
func (s *memStore) SaveTimers(zone string, t ZoneTimers) error {
	s.timers[zone] = t
	return nil
}
func (s *memStore) LoadMasterSerial(zone string) (uint32, bool, error) {
	serial, ok := s.serials[zone]
	return serial, ok, nil
}
func (s *memStore) SaveMasterSerial(zone string, serial uint32) error {
	s.serials[zone] = serial
	return nil
}
func (s *memStore) AppendJournal(zone string, cs Changeset) error {
	s.journal[zone] = append(s.journal[zone], cs)
	return nil
}
func (s *memStore) JournalDepth(zone string) (int, error) { return len(s.journal[zone]), nil }
func (s *memStore) TrimJournal(zone string, maxDepth int) error {
	if len(s.journal[zone]) > maxDepth {
		s.journal[zone] = s.journal[zone][len(s.journal[zone])-maxDepth:]
	}
	return nil
}
func (s *memStore) Close() error { return nil }

func testZone(t *testing.T, store Store) *Zone {
	t.Helper()
	opts := defaultOpts()
	opts.JournalContent = JournalXfr
	return &Zone{
		Name:     "example.org.",
		ZoneType: Secondary,
		Logger:   log.Default(),
		Options:  opts,
		Store:    store,
	}
}

func testTree(t *testing.T, serial uint32, extra ...string) *ZoneContents {
	t.Helper()
	tree := NewZoneContents(serial)
	soa := mustRR(t, "example.org. SOA ns1.example.org. root.example.org. 100 7200 3600 1209600 3600").(*dns.SOA)
	soa.Serial = serial
	tree.AddRR(soa)
	tree.AddRR(mustRR(t, "example.org. NS ns1.example.org."))
	tree.AddRR(mustRR(t, "ns1.example.org. A 192.0.2.1"))
	for _, s := range extra {
		tree.AddRR(mustRR(t, s))
	}
	tree.ApexSOA = soa
	return tree
}

func testRemote() *Remote {
	return &Remote{Addresses: []string{"192.0.2.53"}, Transport: TransportTCP}
}

func TestFinalizeAxfrColdBootstrap(t *testing.T) {
	store := newMemStore()
	zd := testZone(t, store)
	zd.Timers.BootstrapCount = 3

	attempt := RefreshAttempt{Zone: zd.Name, Peer: "192.0.2.53", StartedAt: time.Now()}
	res := finalizeAxfr(zd, testRemote(), testTree(t, 100), 0, false, attempt)
	if res.Result != ResultDone {
		t.Fatalf("result = %v, err = %v", res.Result, res.Err)
	}

	cur := zd.Snapshot()
	if cur == nil || cur.ApexSOA.Serial != 100 {
		t.Fatalf("committed serial = %v, want 100", cur)
	}
	if serial := store.serials[zd.Name]; serial != 100 {
		t.Errorf("persisted master_serial = %d, want 100", serial)
	}
	if zd.Timers.BootstrapCount != 0 {
		t.Errorf("bootstrap_count = %d, want 0 after successful transfer", zd.Timers.BootstrapCount)
	}
	if zd.Timers.LastMaster != "192.0.2.53" {
		t.Errorf("last_master = %q, want peer address", zd.Timers.LastMaster)
	}

	refresh := time.Until(zd.Timers.NextRefresh)
	if refresh < zd.Options.RefreshMinInterval-time.Second || refresh > zd.Options.RefreshMaxInterval {
		t.Errorf("next_refresh-now = %s outside clamp bounds", refresh)
	}
}

func TestFinalizeAxfrSignedSlave(t *testing.T) {
	store := newMemStore()
	zd := testZone(t, store)
	zd.DnssecSigning = true
	zd.Options.SerialPolicy = PolicyIncrement
	zd.Options.SerialIncrement = 1
	zd.SetContents(testTree(t, 5))

	attempt := RefreshAttempt{Zone: zd.Name, StartedAt: time.Now()}
	res := finalizeAxfr(zd, testRemote(), testTree(t, 7), 0, false, attempt)
	if res.Result != ResultDone {
		t.Fatalf("result = %v, err = %v", res.Result, res.Err)
	}

	// The local serial lives in its own sequence: minted under policy
	// from the previous local serial, not copied from the master.
	if serial := store.serials[zd.Name]; serial != 7 {
		t.Errorf("persisted master_serial = %d, want 7", serial)
	}
	cur := zd.Snapshot()
	if cur.ApexSOA.Serial != 6 {
		t.Errorf("local serial = %d, want 6 (5+1 under increment policy)", cur.ApexSOA.Serial)
	}
}

func TestFinalizeIxfrWarm(t *testing.T) {
	store := newMemStore()
	store.serials["example.org."] = 100
	zd := testZone(t, store)
	zd.SetContents(testTree(t, 100, "a.example.org. A 192.0.2.10"))

	result := ixfr.Ixfr{
		InitialSerial: 100,
		FinalSerial:   103,
		Deltas: []ixfr.Delta{
			{
				SerialFrom: 100,
				SerialTo:   102,
				Removed:    []dns.RR{mustRR(t, "a.example.org. A 192.0.2.10")},
				Added:      []dns.RR{mustRR(t, "a.example.org. A 192.0.2.11")},
			},
			{
				SerialFrom: 102,
				SerialTo:   103,
				Added:      []dns.RR{mustRR(t, "d.example.org. A 192.0.2.40")},
			},
		},
	}

	attempt := RefreshAttempt{Zone: zd.Name, StartedAt: time.Now()}
	res := finalizeIxfr(zd, testRemote(), result, 0, false, attempt)
	if res.Result != ResultDone {
		t.Fatalf("result = %v, err = %v", res.Result, res.Err)
	}

	cur := zd.Snapshot()
	if cur.ApexSOA.Serial != 103 {
		t.Errorf("committed serial = %d, want 103", cur.ApexSOA.Serial)
	}
	if _, ok := cur.GetOwner("d.example.org."); !ok {
		t.Error("added record missing after changeset application")
	}
	if serial := store.serials[zd.Name]; serial != 103 {
		t.Errorf("persisted master_serial = %d, want 103", serial)
	}

	journal := store.journal[zd.Name]
	if len(journal) != 2 {
		t.Fatalf("journal has %d changesets, want 2", len(journal))
	}
	for i := 0; i < len(journal)-1; i++ {
		if journal[i].SoaTo != journal[i+1].SoaFrom {
			t.Errorf("journal chain broken: changeset %d ends at %d, next starts at %d",
				i, journal[i].SoaTo, journal[i+1].SoaFrom)
		}
	}
}

func TestFinalizeIxfrChainBroken(t *testing.T) {
	store := newMemStore()
	store.serials["example.org."] = 100
	zd := testZone(t, store)
	zd.SetContents(testTree(t, 100))

	result := ixfr.Ixfr{
		FinalSerial: 103,
		Deltas: []ixfr.Delta{
			{SerialFrom: 101, SerialTo: 103},
		},
	}
	res := finalizeIxfr(zd, testRemote(), result, 0, false, RefreshAttempt{Zone: zd.Name})
	var ccb *ChangesetChainBrokenError
	if res.Result != ResultFail || !errors.As(res.Err, &ccb) {
		t.Errorf("got %v / %v, want ChangesetChainBrokenError", res.Result, res.Err)
	}
}

func TestFinalizeIxfrMasterSerialUnknown(t *testing.T) {
	store := newMemStore()
	zd := testZone(t, store)
	zd.SetContents(testTree(t, 100))

	result := ixfr.Ixfr{FinalSerial: 103, Deltas: []ixfr.Delta{{SerialFrom: 100, SerialTo: 103}}}
	res := finalizeIxfr(zd, testRemote(), result, 0, false, RefreshAttempt{Zone: zd.Name})
	var msu *MasterSerialUnknownError
	if res.Result != ResultFail || !errors.As(res.Err, &msu) {
		t.Errorf("got %v / %v, want MasterSerialUnknownError", res.Result, res.Err)
	}
}

func TestFinalizeIxfrMoreXfr(t *testing.T) {
	store := newMemStore()
	store.serials["example.org."] = 100
	zd := testZone(t, store)
	zd.Options.IxfrByOne = true
	zd.SetContents(testTree(t, 100))

	// The one-by-one cut stopped at 102 while the stream's final serial
	// was 103: the controller must schedule an immediate follow-up.
	result := ixfr.Ixfr{
		FinalSerial: 103,
		Deltas: []ixfr.Delta{
			{SerialFrom: 100, SerialTo: 102,
				Added: []dns.RR{mustRR(t, "e.example.org. A 192.0.2.50")}},
		},
	}
	res := finalizeIxfr(zd, testRemote(), result, 0, false, RefreshAttempt{Zone: zd.Name})
	if res.Result != ResultDone {
		t.Fatalf("result = %v, err = %v", res.Result, res.Err)
	}
	if !res.MoreXfr {
		t.Error("MoreXfr not signaled for a partial ixfr_by_one transfer")
	}
	// The chain must resume from the last applied changeset, not from
	// the stream's final serial.
	if serial := store.serials[zd.Name]; serial != 102 {
		t.Errorf("persisted master_serial = %d, want 102", serial)
	}
}

func TestApplyChangesetsStrictAndBenevolent(t *testing.T) {
	zd := testZone(t, nil)
	base := testTree(t, 100, "a.example.org. A 192.0.2.10")

	// Replaying a committed changeset: additions already present,
	// removals already gone.
	replay := []Changeset{{
		SoaFrom:   100,
		SoaTo:     101,
		Deletions: []dns.RR{mustRR(t, "q.example.org. A 192.0.2.99")},
		Additions: []dns.RR{mustRR(t, "a.example.org. A 192.0.2.10")},
	}}

	update := &ZoneUpdate{Mode: UpdateIncremental, Base: base, Changesets: replay}
	if _, err := applyChangesets(zd, update, false); err == nil {
		t.Error("strict mode accepted a replayed changeset")
	}

	newTree, err := applyChangesets(zd, update, true)
	if err != nil {
		t.Fatalf("benevolent mode rejected a replayed changeset: %v", err)
	}
	if newTree.ApexSOA.Serial != 101 {
		t.Errorf("serial = %d, want 101", newTree.ApexSOA.Serial)
	}
}

func TestApplyChangesetsRemovingApexSOAFails(t *testing.T) {
	zd := testZone(t, nil)
	base := testTree(t, 100)
	soa := base.ApexSOA

	update := &ZoneUpdate{Mode: UpdateIncremental, Base: base, Changesets: []Changeset{{
		SoaFrom:   100,
		SoaTo:     101,
		Deletions: []dns.RR{soa},
	}}}
	if _, err := applyChangesets(zd, update, true); err == nil {
		t.Error("removing the apex SOA should fail the update")
	}
}

func TestRunSemanticChecks(t *testing.T) {
	zd := testZone(t, nil)

	if err := runSemanticChecks(zd, testTree(t, 1)); err != nil {
		t.Errorf("valid tree failed semantic checks: %v", err)
	}

	noNS := NewZoneContents(1)
	soa := mustRR(t, "example.org. SOA ns1.example.org. root.example.org. 1 7200 3600 1209600 3600")
	noNS.AddRR(soa)
	noNS.ApexSOA = soa.(*dns.SOA)
	var scf *SemanticCheckFailedError
	if err := runSemanticChecks(zd, noNS); !errors.As(err, &scf) {
		t.Errorf("tree without NS passed strict semantic checks: %v", err)
	}

	zd.Options.SemanticChecksSoft = true
	if err := runSemanticChecks(zd, noNS); err != nil {
		t.Errorf("soft checks rejected tree without NS: %v", err)
	}
}
