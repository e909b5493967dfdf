/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"log"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestFindZone(t *testing.T) {
	zd := &Zone{Name: "example.org.", Logger: log.Default()}
	Zones.Set("example.org.", zd)
	defer Zones.Remove("example.org.")

	got, folded := FindZone("www.example.org.")
	if got != zd || folded {
		t.Errorf("FindZone(www.example.org.) = %v folded=%v", got, folded)
	}

	got, folded = FindZone("WWW.EXAMPLE.ORG.")
	if got != zd || !folded {
		t.Errorf("FindZone(WWW.EXAMPLE.ORG.) = %v folded=%v, want case-folded match", got, folded)
	}

	if got, _ := FindZone("www.other.org."); got != nil {
		t.Errorf("FindZone(www.other.org.) = %v, want nil", got)
	}
}

func TestZoneSnapshotIsolation(t *testing.T) {
	zd := &Zone{Name: "example.org.", Logger: log.Default()}
	old := testTree(t, 100)
	zd.SetContents(old)

	snap := zd.Snapshot()
	zd.SetContents(testTree(t, 101))

	// A reader holding a snapshot across a commit keeps seeing its
	// generation.
	if snap.ApexSOA.Serial != 100 {
		t.Errorf("held snapshot serial = %d, want 100", snap.ApexSOA.Serial)
	}
	if zd.Snapshot().ApexSOA.Serial != 101 {
		t.Errorf("new snapshot serial = %d, want 101", zd.Snapshot().ApexSOA.Serial)
	}
}

func TestCheckExpired(t *testing.T) {
	zd := &Zone{Name: "example.org.", Logger: log.Default()}
	now := time.Now()

	zd.Timers.NextExpire = now.Add(time.Hour)
	if zd.CheckExpired(now) {
		t.Error("zone expired before next_expire")
	}

	zd.Timers.NextExpire = now.Add(-time.Second)
	if !zd.CheckExpired(now) {
		t.Error("zone not expired after next_expire elapsed")
	}
	if !zd.Expired {
		t.Error("Expired flag not set")
	}

	// Catalog zones never expire.
	cat := &Zone{Name: "catalog.invalid.", Logger: log.Default(), Catalog: true}
	cat.Timers.NextExpire = now.Add(-time.Hour)
	if cat.CheckExpired(now) {
		t.Error("catalog zone expired")
	}
}

func TestBailiwickNS(t *testing.T) {
	nsRRs := []dns.RR{
		mustRR(t, "example.org. NS ns1.example.org."),
		mustRR(t, "example.org. NS ns.hoster.net."),
	}
	names, err := BailiwickNS("example.org.", nsRRs)
	if err != nil {
		t.Fatalf("BailiwickNS: %v", err)
	}
	if len(names) != 1 || names[0] != "ns1.example.org." {
		t.Errorf("names = %v, want [ns1.example.org.]", names)
	}
}

func TestIsIxfr(t *testing.T) {
	ixfrAns := []dns.RR{
		mustRR(t, "example.org. SOA ns1.example.org. root.example.org. 3 1 1 1 1"),
		mustRR(t, "example.org. SOA ns1.example.org. root.example.org. 1 1 1 1 1"),
		mustRR(t, "a.example.org. A 192.0.2.1"),
	}
	if !IsIxfr(ixfrAns) {
		t.Error("IXFR answer not recognized")
	}

	axfrAns := []dns.RR{
		mustRR(t, "example.org. SOA ns1.example.org. root.example.org. 3 1 1 1 1"),
		mustRR(t, "example.org. NS ns1.example.org."),
		mustRR(t, "a.example.org. A 192.0.2.1"),
	}
	if IsIxfr(axfrAns) {
		t.Error("AXFR answer misclassified as IXFR")
	}
}
