/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func axfrStream(t *testing.T) []dns.RR {
	return []dns.RR{
		mustRR(t, "example.org.     SOA ns1.example.org. root.example.org. 100 7200 3600 1209600 3600"),
		mustRR(t, "example.org.     NS  ns1.example.org."),
		mustRR(t, "ns1.example.org. A   192.0.2.1"),
		mustRR(t, "www.example.org. A   192.0.2.80"),
		mustRR(t, "example.org.     SOA ns1.example.org. root.example.org. 100 7200 3600 1209600 3600"),
	}
}

func TestAxfrConsumerAssemblesTree(t *testing.T) {
	c := NewAxfrConsumer("example.org.", 0)
	var finished bool
	for _, rr := range axfrStream(t) {
		done, err := c.Feed(rr)
		if err != nil {
			t.Fatalf("Feed(%s): %v", rr.String(), err)
		}
		if done {
			finished = true
			break
		}
	}
	if !finished {
		t.Fatal("terminal SOA not recognized")
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tree := c.Tree()
	if tree.Serial != 100 {
		t.Errorf("tree serial = %d, want 100", tree.Serial)
	}
	if tree.ApexSOA == nil {
		t.Fatal("no apex SOA in assembled tree")
	}
	for _, name := range []string{"example.org.", "ns1.example.org.", "www.example.org."} {
		if _, ok := tree.GetOwner(name); !ok {
			t.Errorf("owner %q missing from assembled tree", name)
		}
	}
	// The terminal SOA must not create a second SOA record.
	apex, _ := tree.GetOwner("example.org.")
	if n := len(apex.RRtypes.GetOnlyRRSet(dns.TypeSOA).RRs); n != 1 {
		t.Errorf("apex has %d SOA records, want 1", n)
	}
}

func TestAxfrConsumerFirstRecordMustBeApexSOA(t *testing.T) {
	c := NewAxfrConsumer("example.org.", 0)
	if _, err := c.Feed(mustRR(t, "www.example.org. A 192.0.2.80")); err == nil {
		t.Error("non-SOA first record accepted")
	}

	c = NewAxfrConsumer("example.org.", 0)
	if _, err := c.Feed(mustRR(t, "other.org. SOA ns1.other.org. root.other.org. 1 7200 3600 1209600 3600")); err == nil {
		t.Error("off-apex SOA first record accepted")
	}
}

func TestAxfrConsumerOutOfBailiwick(t *testing.T) {
	c := NewAxfrConsumer("example.org.", 0)
	if _, err := c.Feed(axfrStream(t)[0]); err != nil {
		t.Fatalf("apex SOA: %v", err)
	}
	_, err := c.Feed(mustRR(t, "www.other.org. A 192.0.2.99"))
	var oob *OutOfBailiwickError
	if !errors.As(err, &oob) {
		t.Errorf("got %v, want OutOfBailiwickError", err)
	}
}

func TestAxfrConsumerSizeCeiling(t *testing.T) {
	c := NewAxfrConsumer("example.org.", 10)
	if _, err := c.Feed(axfrStream(t)[0]); err != nil {
		t.Fatalf("apex SOA: %v", err)
	}
	_, err := c.Feed(mustRR(t, "www.example.org. A 192.0.2.80"))
	var sze *ZoneSizeExceededError
	if !errors.As(err, &sze) {
		t.Errorf("got %v, want ZoneSizeExceededError", err)
	}
}

func TestAxfrConsumerTruncated(t *testing.T) {
	c := NewAxfrConsumer("example.org.", 0)
	stream := axfrStream(t)
	for _, rr := range stream[:len(stream)-1] {
		if _, err := c.Feed(rr); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	err := c.Finish()
	var tte *TransferTruncatedError
	if !errors.As(err, &tte) {
		t.Errorf("got %v, want TransferTruncatedError", err)
	}
}

func TestDiffZoneContents(t *testing.T) {
	oldTree := NewZoneContents(1)
	oldTree.AddRR(mustRR(t, "a.example.org. A 192.0.2.1"))
	oldTree.AddRR(mustRR(t, "b.example.org. A 192.0.2.2"))

	newTree := NewZoneContents(2)
	newTree.AddRR(mustRR(t, "a.example.org. A 192.0.2.1"))
	newTree.AddRR(mustRR(t, "c.example.org. A 192.0.2.3"))

	adds, removes := DiffZoneContents(oldTree, newTree)
	if len(adds) != 1 || adds[0].Header().Name != "c.example.org." {
		t.Errorf("adds = %v, want only c.example.org.", adds)
	}
	if len(removes) != 1 || removes[0].Header().Name != "b.example.org." {
		t.Errorf("removes = %v, want only b.example.org.", removes)
	}
}
