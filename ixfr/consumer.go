package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

// State is a step in the IXFR response state machine described in
// RFC 1995: a stream of resource records from a multi-envelope transfer
// is folded into a sequence of delete/add blocks bracketed by SOA
// records.
type State uint8

const (
	StateStart State = iota
	StateSoaDel
	StateDel
	StateSoaAdd
	StateAdd
	StateAxfr
	StateDone
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateSoaDel:
		return "SoaDel"
	case StateDel:
		return "Del"
	case StateSoaAdd:
		return "SoaAdd"
	case StateAdd:
		return "Add"
	case StateAxfr:
		return "Axfr"
	case StateDone:
		return "Done"
	case StateInvalid:
		return "Invalid"
	}
	return "Unknown"
}

// Consumer drives the IXFR response state machine one record at a
// time, so it can be fed directly from a dns.Transfer envelope channel
// without buffering an entire transfer into memory first.
type Consumer struct {
	state State

	reqSerial   uint32
	firstSOA    *dns.SOA
	recordsSeen int
	changeBytes int

	cur   Ixfr
	delta Delta

	// ByOne cuts the transfer after the first complete delta; the
	// remainder of the stream is left for the next refresh cycle. A
	// delta that ends on the stream's final SOA overrides the cut and
	// terminates normally.
	ByOne bool

	// IsAxfrStyle is set once it becomes clear the primary answered
	// with a full zone transfer instead of an incremental one.
	IsAxfrStyle bool
	// UpToDate is set for the degenerate single-SOA reply meaning the
	// primary has nothing newer than our serial.
	UpToDate bool
}

// NewConsumer creates a Consumer for an IXFR exchange that requested
// reqSerial as the client's current serial.
func NewConsumer(reqSerial uint32) *Consumer {
	return &Consumer{
		state:     StateStart,
		reqSerial: reqSerial,
	}
}

// Feed processes the next record of the transfer. It returns an error
// once the stream is judged malformed; the caller should abort the
// transfer at that point.
func (c *Consumer) Feed(rr dns.RR) error {
	if c.state == StateInvalid || c.state == StateDone {
		return fmt.Errorf("ixfr: record received after stream reached state %s", c.state)
	}
	c.recordsSeen++
	c.changeBytes += len(rr.String())

	switch c.state {
	case StateStart:
		soa, ok := rr.(*dns.SOA)
		if !ok {
			c.state = StateInvalid
			return fmt.Errorf("ixfr: first record is %T, not SOA", rr)
		}
		c.firstSOA = soa
		c.cur.FinalSerial = soa.Serial
		c.state = StateSoaDel
		return nil

	case StateSoaDel:
		soa, ok := rr.(*dns.SOA)
		if !ok {
			// The primary replied to our IXFR with a full zone instead
			// of an incremental one (RFC 1995 AXFR-style IXFR): the
			// record right after the apex SOA is ordinary zone data,
			// not a second SOA.
			c.enterAxfrStyle()
			c.cur.AxfrRRs = append(c.cur.AxfrRRs, rr)
			return nil
		}
		if soa.Serial == c.firstSOA.Serial {
			// Two identical SOAs up front: an AXFR-style reply for a
			// zone whose only record is the apex SOA.
			c.enterAxfrStyle()
			c.finish(soa)
			return nil
		}
		c.cur.InitialSerial = soa.Serial
		c.delta = Delta{SerialFrom: soa.Serial}
		c.state = StateDel
		return nil

	case StateAxfr:
		if soa, ok := rr.(*dns.SOA); ok && soa.Serial == c.firstSOA.Serial {
			c.finish(soa)
			return nil
		}
		c.cur.AxfrRRs = append(c.cur.AxfrRRs, rr)
		return nil

	case StateDel:
		if soa, ok := rr.(*dns.SOA); ok {
			c.delta.SerialTo = soa.Serial
			c.state = StateSoaAdd
			return nil
		}
		c.delta.Removed = append(c.delta.Removed, rr)
		return nil

	case StateSoaAdd:
		// StateSoaAdd is entered from StateDel by observing the add-side
		// SOA; this branch only runs when a delta's add block is empty
		// and we immediately see the next delete-side SOA.
		if soa, ok := rr.(*dns.SOA); ok {
			if soa.Serial == c.firstSOA.Serial {
				c.finish(soa)
				return nil
			}
			c.cur.Deltas = append(c.cur.Deltas, c.delta)
			if c.ByOne {
				c.state = StateDone
				return nil
			}
			c.delta = Delta{SerialFrom: soa.Serial}
			c.state = StateDel
			return nil
		}
		c.delta.Added = append(c.delta.Added, rr)
		c.state = StateAdd
		return nil

	case StateAdd:
		if soa, ok := rr.(*dns.SOA); ok {
			if soa.Serial == c.firstSOA.Serial {
				c.finish(soa)
				return nil
			}
			c.cur.Deltas = append(c.cur.Deltas, c.delta)
			if c.ByOne {
				c.state = StateDone
				return nil
			}
			c.delta = Delta{SerialFrom: soa.Serial}
			c.state = StateDel
			return nil
		}
		c.delta.Added = append(c.delta.Added, rr)
		return nil
	}

	c.state = StateInvalid
	return fmt.Errorf("ixfr: unreachable state %s", c.state)
}

func (c *Consumer) enterAxfrStyle() {
	c.IsAxfrStyle = true
	c.cur.IsAxfr = true
	// Replay the apex SOA first so the stream can be handed to the
	// full-transfer consumer verbatim.
	c.cur.AxfrRRs = append(c.cur.AxfrRRs, c.firstSOA)
	c.state = StateAxfr
}

func (c *Consumer) finish(finalSOA *dns.SOA) {
	if c.IsAxfrStyle {
		c.cur.AxfrRRs = append(c.cur.AxfrRRs, finalSOA)
	} else {
		c.delta.SerialTo = finalSOA.Serial
		c.cur.Deltas = append(c.cur.Deltas, c.delta)
	}
	c.cur.FinalSerial = finalSOA.Serial
	c.state = StateDone
}

// Finish is called when the record stream ends. A stream that ends
// right after the initial SOA is the RFC 1995 up-to-date short form;
// anything else short of StateDone is a truncated transfer.
func (c *Consumer) Finish() error {
	switch c.state {
	case StateDone:
		return nil
	case StateSoaDel:
		c.UpToDate = true
		c.state = StateDone
		return nil
	default:
		return fmt.Errorf("ixfr: transfer truncated in state %s before terminal SOA", c.state)
	}
}

// Done reports whether the consumer reached a terminal state, and
// whether that terminal state represents a successful transfer.
func (c *Consumer) Done() (done bool, ok bool) {
	return c.state == StateDone, c.state == StateDone
}

// Result returns the accumulated Ixfr once the stream has reached
// StateDone. It is an error to call this earlier.
func (c *Consumer) Result() (Ixfr, error) {
	if c.state != StateDone {
		return Ixfr{}, fmt.Errorf("ixfr: transfer not complete, state is %s", c.state)
	}
	return c.cur, nil
}

// RecordsSeen reports how many records have been fed to the consumer.
func (c *Consumer) RecordsSeen() int {
	return c.recordsSeen
}

// ChangeBytes reports the cumulative textual size of the records fed so
// far, for enforcing a max-transfer-size guard without buffering.
func (c *Consumer) ChangeBytes() int {
	return c.changeBytes
}
