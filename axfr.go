/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
)

// OutOfBailiwickError is returned for a transferred record whose owner
// name falls outside the zone being transferred.
type OutOfBailiwickError struct {
	Zone, Name string
}

func (e *OutOfBailiwickError) Error() string {
	return fmt.Sprintf("axfr: record %q is out of bailiwick for zone %q", e.Name, e.Zone)
}

// ZoneSizeExceededError is returned when a transfer's cumulative raw
// record data exceeds the configured ceiling.
type ZoneSizeExceededError struct {
	Zone  string
	Limit int
}

func (e *ZoneSizeExceededError) Error() string {
	return fmt.Sprintf("axfr: zone %q exceeded max_zone_size %d", e.Zone, e.Limit)
}

// TransferTruncatedError is returned when the connection closes before
// a terminal SOA was observed.
type TransferTruncatedError struct {
	Zone string
}

func (e *TransferTruncatedError) Error() string {
	return fmt.Sprintf("axfr: transfer of zone %q truncated before terminal SOA", e.Zone)
}

// AxfrConsumer assembles a new zone tree from a stream of record sets
// delivered message-by-message.
type AxfrConsumer struct {
	zone     string
	maxSize  int
	apexSOA  *dns.SOA
	tree     *ZoneContents
	rawBytes int
	done     bool
}

func NewAxfrConsumer(zone string, maxSize int) *AxfrConsumer {
	return &AxfrConsumer{zone: dns.Fqdn(zone), maxSize: maxSize}
}

// Feed processes the next record. When it returns (true, nil) the
// transfer is complete and Tree() may be called.
func (c *AxfrConsumer) Feed(rr dns.RR) (done bool, err error) {
	if c.apexSOA == nil {
		soa, ok := rr.(*dns.SOA)
		if !ok || !strings.EqualFold(rr.Header().Name, c.zone) {
			return false, fmt.Errorf("axfr: first record of zone %q is not the apex SOA", c.zone)
		}
		c.apexSOA = soa
		c.tree = NewZoneContents(soa.Serial)
		c.tree.ApexSOA = soa
		c.tree.AddRR(rr)
		c.rawBytes += rdataSize(rr)
		return false, nil
	}

	if soa, ok := rr.(*dns.SOA); ok && soa.Serial == c.apexSOA.Serial && strings.EqualFold(rr.Header().Name, c.zone) {
		c.done = true
		return true, nil
	}

	if !inBailiwick(c.zone, rr.Header().Name) {
		return false, &OutOfBailiwickError{Zone: c.zone, Name: rr.Header().Name}
	}

	c.tree.AddRR(rr)
	c.rawBytes += rdataSize(rr)
	if c.maxSize > 0 && c.rawBytes > c.maxSize {
		return false, &ZoneSizeExceededError{Zone: c.zone, Limit: c.maxSize}
	}
	return false, nil
}

// Finish must be called once the record stream ends (channel closed);
// it reports TransferTruncated if no terminal SOA was ever observed.
func (c *AxfrConsumer) Finish() error {
	if !c.done {
		return &TransferTruncatedError{Zone: c.zone}
	}
	return nil
}

// Tree returns the assembled zone contents, sorted by owner name.
func (c *AxfrConsumer) Tree() *ZoneContents {
	sortOwners(c.tree.Owners)
	for i, o := range c.tree.Owners {
		c.tree.OwnerIndex[o.Name] = i
	}
	return c.tree
}

func rdataSize(rr dns.RR) int {
	// len(String()) is a reasonable proxy for on-wire RDATA size
	// without re-packing every record during a transfer.
	return len(rr.String())
}

func inBailiwick(zone, name string) bool {
	zone = strings.ToLower(dns.Fqdn(zone))
	name = strings.ToLower(dns.Fqdn(name))
	return name == zone || strings.HasSuffix(name, "."+zone)
}

// InBailiwick reports whether ns.Ns is in bailiwick of zone; kept for
// delegation glue checks elsewhere.
func InBailiwick(zone string, ns *dns.NS) bool {
	return inBailiwick(zone, ns.Ns)
}

func sortOwners(owners []OwnerData) {
	sorts.Quicksort(ownersSort(owners))
}

type ownersSort []OwnerData

func (o ownersSort) Len() int           { return len(o) }
func (o ownersSort) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }
func (o ownersSort) Less(i, j int) bool { return o[i].Name < o[j].Name }

var _ sort.Interface = ownersSort(nil)

// RunAxfr drives an AXFR exchange end to end against the requestor's
// remote, returning the assembled tree.
func RunAxfr(ctx context.Context, req *Requestor, zone string, maxSize int) (*ZoneContents, error) {
	m := new(dns.Msg)
	m.SetAxfr(dns.Fqdn(zone))

	envs, err := req.StreamTransfer(ctx, m)
	if err != nil {
		return nil, err
	}

	consumer := NewAxfrConsumer(zone, maxSize)
	for env := range envs {
		if env.Error != nil {
			return nil, &IoFailureError{Err: env.Error}
		}
		for _, rr := range env.RR {
			done, err := consumer.Feed(rr)
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
		}
	}
	if err := consumer.Finish(); err != nil {
		return nil, err
	}
	return consumer.Tree(), nil
}
