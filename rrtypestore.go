package xfrd

import "sort"

// RRTypeStore holds one owner's record sets keyed by RRtype. A zone
// generation is assembled single-threaded by a transfer consumer and
// frozen at publication (readers only ever see a published snapshot),
// so plain map access suffices here; only the zone registry itself
// needs concurrency control.
type RRTypeStore struct {
	sets map[uint16]RRset
}

func NewRRTypeStore() *RRTypeStore {
	return &RRTypeStore{sets: make(map[uint16]RRset)}
}

func (s *RRTypeStore) Get(rrtype uint16) (RRset, bool) {
	rrset, ok := s.sets[rrtype]
	return rrset, ok
}

// GetOnlyRRSet returns the record set for rrtype, or the zero RRset if
// the owner has no records of that type.
func (s *RRTypeStore) GetOnlyRRSet(rrtype uint16) RRset {
	return s.sets[rrtype]
}

func (s *RRTypeStore) Set(rrtype uint16, rrset RRset) {
	s.sets[rrtype] = rrset
}

func (s *RRTypeStore) Delete(rrtype uint16) {
	delete(s.sets, rrtype)
}

func (s *RRTypeStore) Count() int {
	return len(s.sets)
}

// Keys returns the stored RRtypes in ascending order, so walks over a
// tree (transfers out, digests, dumps) are deterministic.
func (s *RRTypeStore) Keys() []uint16 {
	keys := make([]uint16, 0, len(s.sets))
	for t := range s.sets {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func NewOwnerData(name string) *OwnerData {
	return &OwnerData{
		Name:    name,
		RRtypes: NewRRTypeStore(),
	}
}
